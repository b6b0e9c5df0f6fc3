// Package frame implements the wire envelope carried over the chat
// socket: construction of outbound frames with monotonic nonces, and
// matching of inbound frames against filters (by type, nonce, or a
// subset of their contents).
package frame

import (
	"sync/atomic"
)

const clientName = "Teamwork Chat Go API"

// ClientVersion is reported in the source field of every outbound frame.
// Overridable at build time via -ldflags for release tagging.
var ClientVersion = "dev"

// Source identifies the client implementation that produced a frame.
type Source struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Frame is the envelope exchanged over the socket in both directions.
type Frame struct {
	ContentType string         `json:"contentType"`
	Name        string         `json:"name"`
	Contents    map[string]any `json:"contents"`
	Nonce       *int64         `json:"nonce"`
	Source      *Source        `json:"source,omitempty"`
	UID         any            `json:"uid"`
	NodeID      any            `json:"nodeId"`
}

// Counter produces the process-local monotonically increasing nonce
// sequence for one socket session. Spec note: kept per-Session (not a
// shared process-global) so multiple clients in one process never
// contend on, or bleed nonces into, each other's wire streams.
type Counter struct {
	n int64
}

// Next returns the next nonce value, starting at 1.
func (c *Counter) Next() int64 {
	return atomic.AddInt64(&c.n, 1)
}

// NewFrame builds a frame with contentType "object" and the client's
// source stamp. When nonced is true it draws the next value from ctr;
// otherwise the frame carries no nonce (pure, unpaired events).
func NewFrame(ctr *Counter, name string, contents map[string]any, nonced bool) Frame {
	if contents == nil {
		contents = map[string]any{}
	}
	f := Frame{
		ContentType: "object",
		Name:        name,
		Contents:    contents,
		Source:      &Source{Name: clientName, Version: ClientVersion},
	}
	if nonced {
		n := ctr.Next()
		f.Nonce = &n
	}
	return f
}
