// Package node wires a registry, a dispatcher and a transport into one
// worker and hands out remote references to its users.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/rref/dispatch"
	"github.com/najoast/rref/logging"
	"github.com/najoast/rref/message"
	"github.com/najoast/rref/rref"
	"github.com/najoast/rref/transport"
)

var log = logging.Logger(logging.ModuleNode)

// ErrStopped is returned for requests that were pending when the node
// stopped.
var ErrStopped = errors.New("node stopped")

// Options contains configuration options for a Node.
type Options struct {
	// Worker is the ID of this node
	Worker message.WorkerID

	// ShutdownTimeout bounds how long Stop waits for releases to reach
	// their owners
	ShutdownTimeout time.Duration

	Dispatch dispatch.Options
	Registry rref.Options
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		ShutdownTimeout: 10 * time.Second,
		Dispatch:        dispatch.DefaultOptions(),
		Registry:        rref.DefaultOptions(),
	}
}

// Stats is a snapshot of a node.
type Stats struct {
	Registry  rref.Stats
	Dispatch  dispatch.Stats
	Transport transport.Statistics
	Pending   int
	Handles   int
}

type result struct {
	msg *message.Message
	err error
}

type pendingRequest struct {
	peer message.WorkerID
	ch   chan result
}

// Node is one worker of the RRef runtime.
type Node struct {
	opts       Options
	tr         transport.Transport
	registry   *rref.Context
	dispatcher *dispatch.Dispatcher
	opaque     dispatch.OpaqueRunner

	// Pending requests by message ID
	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest
	nextID    uint64

	handlesMu sync.Mutex
	handles   map[rref.ForkID]*RRef

	ctx     context.Context
	cancel  context.CancelFunc
	started int32 // atomic
}

// New creates a node on tr. exec runs named operations and opaque runs
// serialized user functions; either may be nil.
func New(opts Options, tr transport.Transport, exec dispatch.Executor, opaque dispatch.OpaqueRunner) *Node {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultOptions().ShutdownTimeout
	}

	n := &Node{
		opts:    opts,
		tr:      tr,
		opaque:  opaque,
		pending: make(map[uint64]*pendingRequest),
		handles: make(map[rref.ForkID]*RRef),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.registry = rref.NewContext(opts.Worker, n, opts.Registry)
	n.dispatcher = dispatch.New(n.registry, exec, opaque, opts.Dispatch)
	return n
}

// WorkerID returns the ID of this node.
func (n *Node) WorkerID() message.WorkerID {
	return n.opts.Worker
}

// Registry returns the RRef registry of this node.
func (n *Node) Registry() *rref.Context {
	return n.registry
}

// Start connects the node to its transport.
func (n *Node) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&n.started, 0, 1) {
		return fmt.Errorf("node %s is already started", n.opts.Worker)
	}

	n.tr.SetHandler(n)
	if err := n.tr.Start(ctx); err != nil {
		atomic.StoreInt32(&n.started, 0)
		return fmt.Errorf("failed to start transport: %w", err)
	}

	log.Infof("node %s started", n.opts.Worker)
	return nil
}

// Stop releases every live handle, waits for the releases to reach their
// owners, then shuts the dispatcher and the transport down.
func (n *Node) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&n.started, 1, 0) {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, n.opts.ShutdownTimeout)
	defer cancel()

	// A delete is only sent for a confirmed fork
	for _, h := range n.Handles() {
		if h.user != nil {
			h.user.WaitConfirmed(stopCtx)
		}
		if err := h.Release(); err != nil {
			log.Warningf("failed to release %s: %v", h, err)
		}
	}
	n.registry.ReleaseAll()

	closed := make(chan struct{})
	go func() {
		n.registry.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-stopCtx.Done():
		log.Warningf("node %s: releases did not complete before stop: %v", n.opts.Worker, stopCtx.Err())
	}

	n.cancel()
	n.dispatcher.Wait()
	n.failPending(func(*pendingRequest) bool { return true }, ErrStopped)

	if err := n.tr.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}

	log.Infof("node %s stopped", n.opts.Worker)
	return nil
}

// Stats returns a snapshot of this node.
func (n *Node) Stats() Stats {
	n.pendingMu.Lock()
	pending := len(n.pending)
	n.pendingMu.Unlock()

	n.handlesMu.Lock()
	handles := len(n.handles)
	n.handlesMu.Unlock()

	return Stats{
		Registry:  n.registry.Stats(),
		Dispatch:  n.dispatcher.Stats(),
		Transport: n.tr.Statistics(),
		Pending:   pending,
		Handles:   handles,
	}
}

// Request sends msg to worker to and waits for its response. An Exception
// response comes back as a *message.RemoteError.
func (n *Node) Request(ctx context.Context, to message.WorkerID, msg *message.Message) (*message.Message, error) {
	if n.ctx.Err() != nil {
		return nil, ErrStopped
	}

	msg = msg.Clone()
	msg.ID = atomic.AddUint64(&n.nextID, 1)

	if to == n.opts.Worker {
		resp, err := n.dispatcher.Process(ctx, to, msg)
		if err != nil {
			return nil, err
		}
		return checkResponse(resp)
	}

	p := &pendingRequest{peer: to, ch: make(chan result, 1)}
	n.pendingMu.Lock()
	n.pending[msg.ID] = p
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, msg.ID)
		n.pendingMu.Unlock()
	}()

	if err := n.tr.Send(ctx, message.NewRequest(n.opts.Worker, to, msg)); err != nil {
		return nil, err
	}

	select {
	case r := <-p.ch:
		if r.err != nil {
			return nil, r.err
		}
		return checkResponse(r.msg)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrStopped
	}
}

func checkResponse(resp *message.Message) (*message.Message, error) {
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// HandleEnvelope implements transport.Handler.
func (n *Node) HandleEnvelope(ctx context.Context, env *message.Envelope) error {
	if env.Message == nil {
		return fmt.Errorf("empty envelope from %s", env.From)
	}

	switch env.Kind {
	case message.KindResponse:
		n.complete(env.From, env.Message)
		return nil

	case message.KindRequest:
		err := n.dispatcher.Dispatch(n.ctx, env.From, env.Message, func(resp *message.Message) {
			n.reply(env, resp)
		})
		if err != nil {
			if errors.Is(err, dispatch.ErrUnknownMessageType) {
				log.Errorf("node %s: %v from %s", n.opts.Worker, err, env.From)
			}
			n.reply(env, message.NewException(env.Message, err))
		}
		return nil

	default:
		return fmt.Errorf("unknown envelope kind %d from %s", env.Kind, env.From)
	}
}

// HandleConnectionLost implements transport.Handler. Requests waiting on
// peer fail.
func (n *Node) HandleConnectionLost(peer message.WorkerID, err error) {
	log.Warningf("node %s lost connection to %s: %v", n.opts.Worker, peer, err)
	lost := &transport.Error{Op: "request", Peer: peer, Err: transport.ErrDisconnected}
	n.failPending(func(p *pendingRequest) bool { return p.peer == peer }, lost)
}

// HandleConnectionEstablished implements transport.Handler.
func (n *Node) HandleConnectionEstablished(peer message.WorkerID) {
	log.Debugf("node %s connected to %s", n.opts.Worker, peer)
}

func (n *Node) reply(req *message.Envelope, resp *message.Message) {
	if err := n.tr.Send(n.ctx, req.Reply(resp)); err != nil {
		log.Warningf("node %s: failed to answer %s from %s: %v", n.opts.Worker, req.Message, req.From, err)
	}
}

func (n *Node) complete(from message.WorkerID, msg *message.Message) {
	n.pendingMu.Lock()
	p, ok := n.pending[msg.ID]
	if ok && p.peer == from {
		delete(n.pending, msg.ID)
	}
	n.pendingMu.Unlock()

	if !ok || p.peer != from {
		log.Debugf("node %s: dropping unexpected response %s from %s", n.opts.Worker, msg, from)
		return
	}
	p.ch <- result{msg: msg}
}

func (n *Node) failPending(match func(*pendingRequest) bool, err error) {
	n.pendingMu.Lock()
	var failed []*pendingRequest
	for id, p := range n.pending {
		if match(p) {
			failed = append(failed, p)
			delete(n.pending, id)
		}
	}
	n.pendingMu.Unlock()

	for _, p := range failed {
		p.ch <- result{err: err}
	}
}
