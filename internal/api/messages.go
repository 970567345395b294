package api

import (
	"github.com/brycelelbach/nsightful/internal/catalog"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	ChunkSize int             `json:"chunk_size"`
	Features  map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(sessionID string, chunkSize int, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:      "hello",
		SessionID: sessionID,
		ChunkSize: chunkSize,
		Features:  features,
	}
}

// ReportsMessage wraps a catalog listing for transport.
type ReportsMessage struct {
	Type string `json:"type"`
	catalog.Snapshot
}

// NewReportsMessage constructs a reports payload.
func NewReportsMessage(snapshot catalog.Snapshot) ReportsMessage {
	return ReportsMessage{
		Type:     "reports",
		Snapshot: snapshot,
	}
}

// TraceChunkMessage carries one piece of a converted trace. Concatenating
// the data of every chunk of a request, in seq order, yields the trace JSON.
type TraceChunkMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Seq       int    `json:"seq"`
	Data      string `json:"data"`
}

// TraceDoneMessage ends a trace transfer.
type TraceDoneMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Chunks    int    `json:"chunks"`
	Bytes     int    `json:"bytes"`
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// OpenMessage requests the trace of an nsys report. Empty option fields
// fall back to the server defaults.
type OpenMessage struct {
	Type       string   `json:"type"`
	RequestID  string   `json:"request_id"`
	Name       string   `json:"name"`
	Activities []string `json:"activities,omitempty"`
	Prefixes   []string `json:"prefixes,omitempty"`
	// Colors holds "substring=color" rules in priority order.
	Colors []string `json:"colors,omitempty"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
