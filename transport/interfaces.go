// Package transport moves message envelopes between workers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/najoast/rref/logging"
	"github.com/najoast/rref/message"
)

var log = logging.Logger(logging.ModuleTransport)

// Transport delivers envelopes to peers. Envelopes sent from one worker
// to another are delivered in the order they were sent.
type Transport interface {
	// Start begins accepting envelopes
	Start(ctx context.Context) error

	// Stop closes every connection
	Stop(ctx context.Context) error

	// Send queues env for delivery to env.To
	Send(ctx context.Context, env *message.Envelope) error

	// SetHandler sets the handler for incoming envelopes
	SetHandler(handler Handler)

	// Statistics returns transport statistics
	Statistics() Statistics
}

// Handler handles incoming envelopes and connection changes.
type Handler interface {
	// HandleEnvelope processes an incoming envelope. Envelopes of one
	// peer are handed over one at a time.
	HandleEnvelope(ctx context.Context, env *message.Envelope) error

	// HandleConnectionLost handles connection loss with a peer
	HandleConnectionLost(peer message.WorkerID, err error)

	// HandleConnectionEstablished handles new connection with a peer
	HandleConnectionEstablished(peer message.WorkerID)
}

// Statistics contains transport layer statistics
type Statistics struct {
	EnvelopesSent     int64 `json:"envelopes_sent"`
	EnvelopesReceived int64 `json:"envelopes_received"`
	BytesSent         int64 `json:"bytes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	ConnectionsOpen   int   `json:"connections_open"`
	ErrorCount        int64 `json:"error_count"`
}

// Options configures a TCP transport.
type Options struct {
	// Worker is the local worker
	Worker message.WorkerID

	// ListenAddr is the address to accept peers on
	ListenAddr string

	// Peers maps every reachable worker to its address
	Peers map[message.WorkerID]string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// SendQueue is the number of envelopes buffered per peer
	SendQueue int
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		ListenAddr:       "127.0.0.1:7400",
		Peers:            make(map[message.WorkerID]string),
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     30 * time.Second,
		SendQueue:        1024,
	}
}

// Common transport errors
var (
	ErrNotStarted   = errors.New("transport not started")
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrDisconnected = errors.New("peer disconnected")
	ErrQueueFull    = errors.New("send queue full")
)

// Error represents an error that occurred in transport operations
type Error struct {
	Op   string
	Peer message.WorkerID
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s to %s failed: %v", e.Op, e.Peer, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
