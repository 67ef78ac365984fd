// Package reconnect keeps a set of subscriptions alive across transport
// failures.
//
// A Websocket owns one live Conn at a time. Every Subscribe is recorded, and
// its callback is wrapped so that the fatal socket error wakes a background
// loop. The loop dials a fresh Conn with the original parameters, installs
// it, and replays every recorded subscription in the order it was made. A
// failed dial or a failed replay waits a fixed interval and restarts the
// whole episode; there is no retry limit.
//
// Streams created with CreateStream and CreateStreamSpecific are not
// recorded and do not survive a reconnect.
//
// There is no Close: the loop only holds weak references to the
// Websocket's state and exits once the Websocket is garbage collected.
// A callback that references its own Websocket keeps it reachable from the
// live connection and therefore keeps the loop running.
package reconnect
