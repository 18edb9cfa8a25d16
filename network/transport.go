package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler processes one inbound request payload and produces the response
// payload. It runs on a transport goroutine; implementations must be safe
// for concurrent use.
type Handler func(ctx context.Context, src int, payload []byte) ([]byte, error)

// Options configures a Transport.
type Options struct {
	SelfRank       int
	ListenAddress  string
	AddressOf      func(rank int) (string, error)
	Encrypt        bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	DialTimeout    time.Duration
}

// Transport delivers request/response and one-way messages between workers
// addressed by rank. Self-addressed traffic takes the same asynchronous path
// as remote traffic, minus the socket.
type Transport struct {
	opts Options

	handler   Handler
	handlerMu sync.RWMutex

	listener net.Listener

	// Outbound connections by rank
	peers   map[int]*Conn
	peersMu sync.Mutex

	// Inbound connections, tracked for shutdown
	inbound sync.Map // *Conn -> struct{}

	// In-flight request sessions
	pending     sync.Map // uint64 -> chan *Message
	nextSession atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started int32 // atomic
}

// NewTransport creates a transport from options.
func NewTransport(opts Options) *Transport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Transport{
		opts:  opts,
		peers: make(map[int]*Conn),
	}
}

// SetHandler sets the inbound request handler. Must be called before Start.
func (t *Transport) SetHandler(h Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

func (t *Transport) getHandler() Handler {
	t.handlerMu.RLock()
	defer t.handlerMu.RUnlock()
	return t.handler
}

// Start begins listening for peer connections.
func (t *Transport) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return fmt.Errorf("transport already started")
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", t.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.opts.ListenAddress, err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	Logger().Info("transport listening",
		zap.Int("rank", t.opts.SelfRank),
		zap.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the actual listen address, useful when listening on ":0".
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop closes the listener and all connections.
func (t *Transport) Stop() error {
	if !atomic.CompareAndSwapInt32(&t.started, 1, 0) {
		return nil
	}

	t.cancel()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	t.peersMu.Lock()
	for rank, conn := range t.peers {
		conn.Close()
		delete(t.peers, rank)
	}
	t.peersMu.Unlock()

	t.inbound.Range(func(key, _ interface{}) bool {
		key.(*Conn).Close()
		return true
	})

	t.wg.Wait()
	return err
}

// Request sends a payload to dst and blocks until the response arrives or
// the context is done. A self-addressed request runs the handler on a fresh
// goroutine, preserving the asynchronous semantics of a remote call.
func (t *Transport) Request(ctx context.Context, dst int, payload []byte) ([]byte, error) {
	if dst == t.opts.SelfRank {
		return t.selfRequest(ctx, payload)
	}

	conn, err := t.peer(dst)
	if err != nil {
		return nil, err
	}

	session := t.nextSession.Add(1)
	respChan := make(chan *Message, 1)
	t.pending.Store(session, respChan)
	defer t.pending.Delete(session)

	msg := &Message{
		Type:    MessageTypeRequest,
		Session: session,
		SrcRank: int32(t.opts.SelfRank),
		DstRank: int32(dst),
		Data:    payload,
	}
	if err := conn.WriteMessage(msg); err != nil {
		t.dropPeer(dst, conn)
		return nil, fmt.Errorf("failed to send request to rank %d: %w", dst, err)
	}

	select {
	case resp := <-respChan:
		if resp.Type == MessageTypeError {
			return nil, errors.New(string(resp.Data))
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, fmt.Errorf("transport shutting down")
	}
}

// Notify sends a one-way payload to dst; no response is expected.
func (t *Transport) Notify(ctx context.Context, dst int, payload []byte) error {
	if dst == t.opts.SelfRank {
		handler := t.getHandler()
		go handler(t.ctx, t.opts.SelfRank, payload)
		return nil
	}

	conn, err := t.peer(dst)
	if err != nil {
		return err
	}

	msg := &Message{
		Type:    MessageTypeNotify,
		SrcRank: int32(t.opts.SelfRank),
		DstRank: int32(dst),
		Data:    payload,
	}
	if err := conn.WriteMessage(msg); err != nil {
		t.dropPeer(dst, conn)
		return fmt.Errorf("failed to notify rank %d: %w", dst, err)
	}
	return nil
}

type selfResult struct {
	data []byte
	err  error
}

func (t *Transport) selfRequest(ctx context.Context, payload []byte) ([]byte, error) {
	handler := t.getHandler()
	if handler == nil {
		return nil, fmt.Errorf("no handler installed")
	}

	ch := make(chan selfResult, 1)
	go func() {
		data, err := handler(t.ctx, t.opts.SelfRank, payload)
		ch <- selfResult{data: data, err: err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, fmt.Errorf("transport shutting down")
	}
}

// peer returns the outbound connection to dst, dialing it if needed.
func (t *Transport) peer(dst int) (*Conn, error) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	if conn, ok := t.peers[dst]; ok {
		return conn, nil
	}

	addr, err := t.opts.AddressOf(dst)
	if err != nil {
		return nil, err
	}

	raw, err := net.DialTimeout("tcp", addr, t.opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rank %d at %s: %w", dst, addr, err)
	}

	conn := NewConn(raw, t.opts.ReadTimeout, t.opts.WriteTimeout, t.opts.MaxMessageSize)
	if err := ClientHandshake(conn, t.opts.SelfRank, t.opts.Encrypt); err != nil {
		raw.Close()
		return nil, err
	}
	// Response loops block indefinitely between frames
	conn.readTimeout = 0

	t.peers[dst] = conn

	t.wg.Add(1)
	go t.responseLoop(dst, conn)

	return conn, nil
}

func (t *Transport) dropPeer(dst int, conn *Conn) {
	t.peersMu.Lock()
	if t.peers[dst] == conn {
		delete(t.peers, dst)
	}
	t.peersMu.Unlock()
	conn.Close()
}

// responseLoop reads responses arriving on an outbound connection and routes
// them to the pending sessions that opened them.
func (t *Transport) responseLoop(dst int, conn *Conn) {
	defer t.wg.Done()
	defer t.dropPeer(dst, conn)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				Logger().Debug("peer connection closed",
					zap.Int("rank", dst),
					zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MessageTypeResponse, MessageTypeError:
			if ch, ok := t.pending.Load(msg.Session); ok {
				select {
				case ch.(chan *Message) <- msg:
				default:
				}
			}
		default:
			Logger().Warn("unexpected message on outbound connection",
				zap.Int("rank", dst),
				zap.String("type", msg.Type.String()))
		}
	}
}

// acceptLoop accepts inbound peer connections.
func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		raw, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			Logger().Warn("accept failed", zap.Error(err))
			continue
		}

		t.wg.Add(1)
		go t.serveConn(raw)
	}
}

// serveConn performs the handshake and dispatches inbound requests.
func (t *Transport) serveConn(raw net.Conn) {
	defer t.wg.Done()

	conn := NewConn(raw, t.opts.ReadTimeout, t.opts.WriteTimeout, t.opts.MaxMessageSize)
	peerRank, err := ServerHandshake(conn, t.opts.Encrypt)
	if err != nil {
		Logger().Warn("handshake failed",
			zap.String("remote", raw.RemoteAddr().String()),
			zap.Error(err))
		raw.Close()
		return
	}
	conn.readTimeout = 0

	t.inbound.Store(conn, struct{}{})
	defer t.inbound.Delete(conn)
	defer conn.Close()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				Logger().Debug("inbound connection closed",
					zap.Int("rank", peerRank),
					zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MessageTypeRequest:
			go t.handleRequest(conn, peerRank, msg)
		case MessageTypeNotify:
			if handler := t.getHandler(); handler != nil {
				go handler(t.ctx, peerRank, msg.Data)
			}
		default:
			Logger().Warn("unexpected message on inbound connection",
				zap.Int("rank", peerRank),
				zap.String("type", msg.Type.String()))
		}
	}
}

func (t *Transport) handleRequest(conn *Conn, peerRank int, msg *Message) {
	handler := t.getHandler()

	resp := &Message{
		Type:    MessageTypeResponse,
		Session: msg.Session,
		SrcRank: int32(t.opts.SelfRank),
		DstRank: int32(peerRank),
	}

	if handler == nil {
		resp.Type = MessageTypeError
		resp.Data = []byte("no handler installed")
	} else {
		data, err := handler(t.ctx, peerRank, msg.Data)
		if err != nil {
			resp.Type = MessageTypeError
			resp.Data = []byte(err.Error())
		} else {
			resp.Data = data
		}
	}

	if err := conn.WriteMessage(resp); err != nil {
		Logger().Warn("failed to write response",
			zap.Int("rank", peerRank),
			zap.Error(err))
	}
}
