package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/najoast/rref/message"
)

// hello is the first frame on every connection, in both directions.
type hello struct {
	Worker  message.WorkerID `json:"worker"`
	Session string           `json:"session"`
}

// tcpTransport implements Transport over TCP with JSON encoded envelopes.
// Each worker dials one connection per peer it sends to, and reads
// envelopes from the connections its peers dialed.
type tcpTransport struct {
	opts     Options
	session  string
	listener net.Listener

	handlerMu sync.RWMutex
	handler   Handler

	connMu   sync.Mutex
	outbound map[message.WorkerID]*connection
	inbound  map[*connection]struct{}

	stats Statistics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started int32 // atomic
}

// connection represents a connection to a remote worker
type connection struct {
	peer    message.WorkerID
	session string
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder

	sendChan chan *message.Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewTCPTransport creates a TCP transport listening on opts.ListenAddr
// and dialing the addresses in opts.Peers.
func NewTCPTransport(opts Options) Transport {
	defaults := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaults.SendQueue
	}
	return &tcpTransport{
		opts:     opts,
		session:  uuid.New().String(),
		outbound: make(map[message.WorkerID]*connection),
		inbound:  make(map[*connection]struct{}),
	}
}

func (t *tcpTransport) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return fmt.Errorf("transport already started")
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	// Start listening
	listener, err := net.Listen("tcp", t.opts.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&t.started, 0)
		t.cancel()
		return fmt.Errorf("failed to start listener: %w", err)
	}
	t.listener = listener
	log.Infof("%s listening on %s (session %s)", t.opts.Worker, listener.Addr(), t.session)

	// Start accept loop
	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

func (t *tcpTransport) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.started, 1, 0) {
		return nil // Already stopped
	}

	t.listener.Close()

	// Close all connections
	t.connMu.Lock()
	conns := make([]*connection, 0, len(t.outbound)+len(t.inbound))
	for _, c := range t.outbound {
		conns = append(conns, c)
	}
	for c := range t.inbound {
		conns = append(conns, c)
	}
	t.outbound = make(map[message.WorkerID]*connection)
	t.inbound = make(map[*connection]struct{})
	t.connMu.Unlock()

	for _, c := range conns {
		c.close()
	}

	// Cancel context and wait
	t.cancel()
	t.wg.Wait()

	return nil
}

func (t *tcpTransport) Send(ctx context.Context, env *message.Envelope) error {
	if atomic.LoadInt32(&t.started) == 0 {
		return &Error{Op: "send", Peer: env.To, Err: ErrNotStarted}
	}

	conn, err := t.getConnection(ctx, env.To)
	if err != nil {
		atomic.AddInt64(&t.stats.ErrorCount, 1)
		return &Error{Op: "send", Peer: env.To, Err: err}
	}
	env.From = t.opts.Worker

	select {
	case conn.sendChan <- env:
		atomic.AddInt64(&t.stats.EnvelopesSent, 1)
		return nil
	case <-conn.ctx.Done():
		return &Error{Op: "send", Peer: env.To, Err: ErrDisconnected}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.opts.WriteTimeout):
		atomic.AddInt64(&t.stats.ErrorCount, 1)
		return &Error{Op: "send", Peer: env.To, Err: ErrQueueFull}
	}
}

func (t *tcpTransport) SetHandler(handler Handler) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *tcpTransport) Statistics() Statistics {
	t.connMu.Lock()
	connCount := len(t.outbound) + len(t.inbound)
	t.connMu.Unlock()

	return Statistics{
		EnvelopesSent:     atomic.LoadInt64(&t.stats.EnvelopesSent),
		EnvelopesReceived: atomic.LoadInt64(&t.stats.EnvelopesReceived),
		BytesSent:         atomic.LoadInt64(&t.stats.BytesSent),
		BytesReceived:     atomic.LoadInt64(&t.stats.BytesReceived),
		ConnectionsOpen:   connCount,
		ErrorCount:        atomic.LoadInt64(&t.stats.ErrorCount),
	}
}

// Addr returns the address the transport listens on, or nil before Start.
func (t *tcpTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *tcpTransport) getHandler() Handler {
	t.handlerMu.RLock()
	defer t.handlerMu.RUnlock()
	return t.handler
}

// Connection management

func (t *tcpTransport) getConnection(ctx context.Context, peer message.WorkerID) (*connection, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if conn, exists := t.outbound[peer]; exists {
		return conn, nil
	}

	address, ok := t.opts.Peers[peer]
	if !ok {
		return nil, ErrUnknownPeer
	}

	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	conn := t.newConnection(netConn)
	remote, err := t.handshake(conn)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	if remote.Worker != peer {
		netConn.Close()
		return nil, fmt.Errorf("dialed %s at %s but %s answered", peer, address, remote.Worker)
	}
	conn.peer = remote.Worker
	conn.session = remote.Session

	t.outbound[peer] = conn
	t.startConnection(conn)
	return conn, nil
}

func (t *tcpTransport) newConnection(netConn net.Conn) *connection {
	conn := &connection{
		conn:     netConn,
		encoder:  json.NewEncoder(&countingWriter{w: netConn, n: &t.stats.BytesSent}),
		decoder:  json.NewDecoder(&countingReader{r: netConn, n: &t.stats.BytesReceived}),
		sendChan: make(chan *message.Envelope, t.opts.SendQueue),
	}
	conn.ctx, conn.cancel = context.WithCancel(t.ctx)
	return conn
}

// handshake exchanges hello frames, ours first.
func (t *tcpTransport) handshake(conn *connection) (hello, error) {
	var remote hello

	conn.conn.SetDeadline(time.Now().Add(t.opts.HandshakeTimeout))
	defer conn.conn.SetDeadline(time.Time{})

	if err := conn.encoder.Encode(hello{Worker: t.opts.Worker, Session: t.session}); err != nil {
		return remote, fmt.Errorf("failed to send hello: %w", err)
	}
	if err := conn.decoder.Decode(&remote); err != nil {
		return remote, fmt.Errorf("failed to read hello: %w", err)
	}
	if _, err := uuid.Parse(remote.Session); err != nil {
		return remote, fmt.Errorf("invalid session from %s: %w", remote.Worker, err)
	}
	return remote, nil
}

func (t *tcpTransport) startConnection(conn *connection) {
	t.wg.Add(2)
	go t.readLoop(conn)
	go t.sendLoop(conn)

	log.Debugf("%s connected to %s (session %s)", t.opts.Worker, conn.peer, conn.session)
	if h := t.getHandler(); h != nil {
		h.HandleConnectionEstablished(conn.peer)
	}
}

func (t *tcpTransport) removeConnection(conn *connection) bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	removed := false
	if t.outbound[conn.peer] == conn {
		delete(t.outbound, conn.peer)
		removed = true
	}
	if _, ok := t.inbound[conn]; ok {
		delete(t.inbound, conn)
		removed = true
	}
	return removed
}

// Network loops

func (t *tcpTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		netConn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				atomic.AddInt64(&t.stats.ErrorCount, 1)
				continue
			}
		}

		// Handle new connection
		t.wg.Add(1)
		go t.handleIncomingConnection(netConn)
	}
}

func (t *tcpTransport) handleIncomingConnection(netConn net.Conn) {
	defer t.wg.Done()

	conn := t.newConnection(netConn)
	remote, err := t.handshake(conn)
	if err != nil {
		atomic.AddInt64(&t.stats.ErrorCount, 1)
		log.Warningf("%s: handshake with %s failed: %v", t.opts.Worker, netConn.RemoteAddr(), err)
		conn.close()
		return
	}
	conn.peer = remote.Worker
	conn.session = remote.Session

	t.connMu.Lock()
	if atomic.LoadInt32(&t.started) == 0 {
		t.connMu.Unlock()
		conn.close()
		return
	}
	t.inbound[conn] = struct{}{}
	t.connMu.Unlock()

	t.startConnection(conn)
}

func (t *tcpTransport) readLoop(conn *connection) {
	defer t.wg.Done()

	var err error
	defer func() {
		conn.close()
		if t.removeConnection(conn) {
			if h := t.getHandler(); h != nil {
				h.HandleConnectionLost(conn.peer, err)
			}
		}
	}()

	for {
		var env message.Envelope
		if err = conn.decoder.Decode(&env); err != nil {
			if err == io.EOF {
				err = ErrDisconnected
			} else {
				atomic.AddInt64(&t.stats.ErrorCount, 1)
			}
			return
		}
		atomic.AddInt64(&t.stats.EnvelopesReceived, 1)

		// Envelopes name the worker of the connection they arrived on
		env.From = conn.peer

		if h := t.getHandler(); h != nil {
			if herr := h.HandleEnvelope(t.ctx, &env); herr != nil {
				atomic.AddInt64(&t.stats.ErrorCount, 1)
				log.Warningf("%s: failed to handle %s from %s: %v", t.opts.Worker, env.Message, conn.peer, herr)
			}
		}
	}
}

func (t *tcpTransport) sendLoop(conn *connection) {
	defer t.wg.Done()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case env := <-conn.sendChan:
			conn.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			if err := conn.encoder.Encode(env); err != nil {
				atomic.AddInt64(&t.stats.ErrorCount, 1)
				log.Warningf("%s: failed to send %s to %s: %v", t.opts.Worker, env.Message, conn.peer, err)
				conn.close()
				return
			}
		}
	}
}

// Connection methods

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	atomic.AddInt64(cw.n, int64(n))
	return n, err
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	atomic.AddInt64(cr.n, int64(n))
	return n, err
}
