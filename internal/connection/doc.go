// Package connection implements a single Kalshi WebSocket connection.
//
// A Client:
//   - Dials and authenticates the socket (RSA-PSS handshake headers)
//   - Correlates subscribe commands with their acknowledgements
//   - Routes data frames to per-subscription callbacks by SID
//   - Merges subscriptions into buffered streams (CreateStream*)
//   - Reports transport failure to every subscriber as ErrSocketClosed
//
// A Client never reconnects; see package reconnect for that.
package connection
