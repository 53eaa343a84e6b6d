// Package signaling is the WebSocket relay between call clients.
//
// Each connection runs one read loop that decodes frames and dispatches them by
// type: join/leave/ping are handled locally, real-time frames are forwarded to
// the recipient's live connection or dropped, and chat/file frames are queued
// for registered recipients that are offline. The relay always stamps "from"
// with the sender's joined identity.
package signaling
