package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/najoast/rref/message"
)

type link struct {
	from, to message.WorkerID
}

// Network connects in-process transports. Every directed pair of workers
// gets its own delivery goroutine, so envelopes are ordered per pair and
// independent across pairs.
type Network struct {
	mu         sync.Mutex
	transports map[message.WorkerID]*memoryTransport
	channels   map[link]*channel
	down       map[link]bool
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		transports: make(map[message.WorkerID]*memoryTransport),
		channels:   make(map[link]*channel),
		down:       make(map[link]bool),
	}
}

// Transport returns the transport of worker, creating it on first use.
func (n *Network) Transport(worker message.WorkerID) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.transports[worker]; ok {
		return t
	}
	t := &memoryTransport{network: n, worker: worker}
	n.transports[worker] = t
	return t
}

// Disconnect cuts both directions between a and b. Queued envelopes are
// dropped and both sides see the connection lost.
func (n *Network) Disconnect(a, b message.WorkerID) {
	n.mu.Lock()
	n.down[link{a, b}] = true
	n.down[link{b, a}] = true
	var closed []*channel
	for _, l := range []link{{a, b}, {b, a}} {
		if ch, ok := n.channels[l]; ok {
			closed = append(closed, ch)
			delete(n.channels, l)
		}
	}
	ta, tb := n.transports[a], n.transports[b]
	n.mu.Unlock()

	for _, ch := range closed {
		ch.close()
	}
	if ta != nil {
		ta.connectionLost(b)
	}
	if tb != nil {
		tb.connectionLost(a)
	}
}

// Reconnect restores both directions between a and b.
func (n *Network) Reconnect(a, b message.WorkerID) {
	n.mu.Lock()
	delete(n.down, link{a, b})
	delete(n.down, link{b, a})
	n.mu.Unlock()
}

func (n *Network) channel(from, to message.WorkerID) (ch *channel, created bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l := link{from, to}
	if n.down[l] {
		return nil, false, ErrDisconnected
	}
	dst, ok := n.transports[to]
	if !ok || !dst.isStarted() {
		return nil, false, ErrUnknownPeer
	}
	if ch, ok := n.channels[l]; ok {
		return ch, false, nil
	}

	ch = newChannel()
	n.channels[l] = ch
	go ch.deliver(dst)
	return ch, true, nil
}

func (n *Network) closeChannels(worker message.WorkerID) {
	n.mu.Lock()
	var closed []*channel
	for l, ch := range n.channels {
		if l.from == worker || l.to == worker {
			closed = append(closed, ch)
			delete(n.channels, l)
		}
	}
	n.mu.Unlock()

	for _, ch := range closed {
		ch.close()
	}
}

// channel is an unbounded FIFO of envelopes for one directed pair.
type channel struct {
	mu     sync.Mutex
	queue  []*message.Envelope
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newChannel() *channel {
	return &channel{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *channel) push(env *message.Envelope) {
	c.mu.Lock()
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *channel) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *channel) deliver(dst *memoryTransport) {
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			env := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			select {
			case <-c.done:
				return
			default:
			}
			dst.receive(env)
		}
	}
}

// memoryTransport is the Transport of one worker on a Network.
type memoryTransport struct {
	network *Network
	worker  message.WorkerID

	mu      sync.RWMutex
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	started int32 // atomic

	stats Statistics
	peers sync.Map // map[message.WorkerID]bool
}

func (t *memoryTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	return nil
}

func (t *memoryTransport) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.started, 1, 0) {
		return nil
	}
	t.network.closeChannels(t.worker)

	t.mu.RLock()
	t.cancel()
	t.mu.RUnlock()
	return nil
}

func (t *memoryTransport) Send(ctx context.Context, env *message.Envelope) error {
	if !t.isStarted() {
		return &Error{Op: "send", Peer: env.To, Err: ErrNotStarted}
	}
	env.From = t.worker

	ch, created, err := t.network.channel(t.worker, env.To)
	if err != nil {
		atomic.AddInt64(&t.stats.ErrorCount, 1)
		return &Error{Op: "send", Peer: env.To, Err: err}
	}
	if created {
		t.connectionEstablished(env.To)
	}

	copied := *env
	copied.Message = env.Message.Clone()
	ch.push(&copied)
	atomic.AddInt64(&t.stats.EnvelopesSent, 1)
	return nil
}

func (t *memoryTransport) SetHandler(handler Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *memoryTransport) Statistics() Statistics {
	open := 0
	t.peers.Range(func(_, _ interface{}) bool {
		open++
		return true
	})
	return Statistics{
		EnvelopesSent:     atomic.LoadInt64(&t.stats.EnvelopesSent),
		EnvelopesReceived: atomic.LoadInt64(&t.stats.EnvelopesReceived),
		ConnectionsOpen:   open,
		ErrorCount:        atomic.LoadInt64(&t.stats.ErrorCount),
	}
}

func (t *memoryTransport) isStarted() bool {
	return atomic.LoadInt32(&t.started) == 1
}

func (t *memoryTransport) getHandler() (Handler, context.Context) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler, t.ctx
}

func (t *memoryTransport) receive(env *message.Envelope) {
	if !t.isStarted() {
		atomic.AddInt64(&t.stats.ErrorCount, 1)
		return
	}
	atomic.AddInt64(&t.stats.EnvelopesReceived, 1)

	if h, ctx := t.getHandler(); h != nil {
		if err := h.HandleEnvelope(ctx, env); err != nil {
			atomic.AddInt64(&t.stats.ErrorCount, 1)
			log.Warningf("%s: failed to handle %s from %s: %v", t.worker, env.Message, env.From, err)
		}
	}
}

func (t *memoryTransport) connectionEstablished(peer message.WorkerID) {
	t.peers.Store(peer, true)
	if h, _ := t.getHandler(); h != nil {
		h.HandleConnectionEstablished(peer)
	}
}

func (t *memoryTransport) connectionLost(peer message.WorkerID) {
	t.peers.Delete(peer)
	if h, _ := t.getHandler(); h != nil {
		h.HandleConnectionLost(peer, ErrDisconnected)
	}
}
