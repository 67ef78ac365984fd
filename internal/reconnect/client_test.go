package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/kalshi-stream/internal/connection"
)

// venue is a minimal server that acknowledges every subscribe and can drop
// all of its sockets.
type venue struct {
	*httptest.Server

	mu         sync.Mutex
	conns      []*websocket.Conn
	subscribes []string // channel:ticker per acknowledged channel
	nextSID    int64
}

func newVenue(t *testing.T) *venue {
	t.Helper()
	v := &venue{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	v.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		v.mu.Lock()
		v.conns = append(v.conns, conn)
		v.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd struct {
				ID     int64                      `json:"id"`
				Cmd    string                     `json:"cmd"`
				Params connection.SubscribeParams `json:"params"`
			}
			if err := json.Unmarshal(data, &cmd); err != nil || cmd.Cmd != "subscribe" {
				continue
			}

			for _, ch := range cmd.Params.Channels {
				v.mu.Lock()
				v.nextSID++
				sid := v.nextSID
				v.subscribes = append(v.subscribes, ch+":"+cmd.Params.MarketTicker)
				v.mu.Unlock()

				resp, _ := json.Marshal(map[string]interface{}{
					"id":   cmd.ID,
					"type": "subscribed",
					"msg":  connection.SubscribedMsg{SID: sid, Channel: ch},
				})
				v.mu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, resp)
				v.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(v.Close)
	return v
}

func (v *venue) drop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.conns {
		c.Close()
	}
}

func (v *venue) connCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.conns)
}

func (v *venue) subscribeLog() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.subscribes...)
}

func clientDialer(v *venue) Dialer {
	cfg := connection.DefaultClientConfig()
	cfg.URL = "ws" + strings.TrimPrefix(v.URL, "http")
	cfg.SubscribeTimeout = 2 * time.Second
	cfg.PingTimeout = 0

	return func(ctx context.Context) (Conn, error) {
		c, err := connection.Dial(ctx, cfg, discard)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func TestWebsocket_SurvivesDroppedSocket(t *testing.T) {
	v := newVenue(t)
	w, err := Instantiate(context.Background(), clientDialer(v), 20*time.Millisecond, WithLogger(discard))
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer w.Disconnect()

	rec := &recorder{}
	for _, sub := range []connection.Subscription{subA, subB} {
		if _, err := w.Subscribe(context.Background(), sub, rec.callback); err != nil {
			t.Fatalf("Subscribe %s failed: %v", sub, err)
		}
	}

	v.drop()

	// One fatal error per subscription, and one episode per fatal error.
	waitUntil(t, 5*time.Second, "reconnects", func() bool { return w.Stats().Reconnects == 2 })

	_, errs := rec.counts()
	if errs != 2 {
		t.Errorf("expected 2 forwarded fatal errors, got %d", errs)
	}
	rec.mu.Lock()
	for _, err := range rec.errs {
		if !errors.Is(err, connection.ErrSocketClosed) {
			t.Errorf("expected ErrSocketClosed, got %v", err)
		}
	}
	rec.mu.Unlock()

	if n := v.connCount(); n != 3 {
		t.Errorf("expected 3 server connections, got %d", n)
	}

	want := []string{"ticker:A", "ticker:B"}
	log := v.subscribeLog()
	if len(log) != 6 {
		t.Fatalf("expected 6 acknowledged subscribes, got %v", log)
	}
	for round := 0; round < 3; round++ {
		for i, sub := range want {
			if got := log[round*2+i]; got != sub {
				t.Errorf("round %d subscribe %d: expected %s, got %s", round, i, sub, got)
			}
		}
	}
}

func TestWebsocket_RedialsUntilServerReturns(t *testing.T) {
	v := newVenue(t)
	dial := clientDialer(v)

	var mu sync.Mutex
	refuse := false
	gated := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		r := refuse
		mu.Unlock()
		if r {
			return nil, errors.New("venue unavailable")
		}
		return dial(ctx)
	}

	w, err := Instantiate(context.Background(), gated, 10*time.Millisecond, WithLogger(discard))
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer w.Disconnect()

	if _, err := w.Subscribe(context.Background(), subA, func(connection.Envelope, error) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mu.Lock()
	refuse = true
	mu.Unlock()
	v.drop()

	waitUntil(t, 2*time.Second, "failed dials", func() bool { return w.Stats().DialFailures >= 3 })

	mu.Lock()
	refuse = false
	mu.Unlock()

	waitUntil(t, 2*time.Second, "reconnect", func() bool { return w.Stats().Reconnects == 1 })

	log := v.subscribeLog()
	if len(log) != 2 || log[1] != "ticker:A" {
		t.Errorf("expected ticker:A replayed once, got %v", log)
	}
}
