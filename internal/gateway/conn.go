package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/core"
)

var (
	ErrNotReady         = errors.New("gateway not ready")
	ErrBackpressure     = errors.New("backpressure")
	ErrDisposed         = errors.New("gateway disposed")
	ErrConnectionClosed = errors.New("gateway connection closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

type Config struct {
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatFallback time.Duration
	SendQueue         int
	DialLimit         int
	DialInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatFallback <= 0 {
		c.HeartbeatFallback = 30 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 32
	}
	if c.DialLimit <= 0 {
		c.DialLimit = 8
	}
	if c.DialInterval <= 0 {
		c.DialInterval = 30 * time.Second
	}
	return c
}

// Conn maintains one logical duplex connection for a gateway domain,
// cycling through the candidate list with exponential backoff. It knows
// nothing about voice semantics; inbound dispatches go to OnDispatch.
type Conn struct {
	cfg      Config
	cands    *CandidateList
	identify any
	dialer   websocket.Dialer

	onDispatch func(core.Dispatch)
	onClose    func(error)

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	send    chan []byte
	readyCh chan struct{}

	started  atomic.Bool
	disposed atomic.Bool
	cancel   context.CancelFunc
}

func NewConn(cfg Config, cands *CandidateList, identify any) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:      cfg,
		cands:    cands,
		identify: identify,
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		readyCh:  make(chan struct{}),
	}
}

// OnDispatch sets the inbound event callback. Set before Connect.
func (c *Conn) OnDispatch(fn func(core.Dispatch)) { c.onDispatch = fn }

// OnClose fires once per lost connection, after pending state is torn
// down, so owners can reject correlated waits. Set before Connect.
func (c *Conn) OnClose(fn func(error)) { c.onClose = fn }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the reconnect loop. Returns immediately; use
// WaitUntilReady to block for a usable connection.
func (c *Conn) Connect(ctx context.Context) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	if c.started.Swap(true) {
		return errors.New("gateway already connected")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx)
	return nil
}

// WaitUntilReady blocks until the connection is usable or the timeout
// elapses.
func (c *Conn) WaitUntilReady(timeout time.Duration) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	ch := c.readyCh
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrNotReady
	}
}

// Send pushes a dispatch onto the wire. Fails fast when the connection
// is not ready or the send queue is full.
func (c *Conn) Send(d core.Dispatch) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	send := c.send
	c.mu.Unlock()

	b, err := encodeDispatch(d)
	if err != nil {
		return err
	}
	select {
	case send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Dispose stops reconnection, closes the socket and clears timers.
// Idempotent.
func (c *Conn) Dispose() {
	if c.disposed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	ws := c.ws
	c.state = StateDisconnected
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	log.Info().Str("module", "gateway").Msg("disposed")
}

func (c *Conn) run(ctx context.Context) {
	limiter := NewDialLimiter(c.cfg.DialLimit, c.cfg.DialInterval)
	backoff := NewBackoff(c.cfg.BackoffBase, c.cfg.BackoffCap)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil || c.disposed.Load() {
			return
		}
		for !limiter.Allow() {
			log.Warn().Str("module", "gateway").Msg("dial limit reached, holding off")
			if !sleepCtx(ctx, c.cfg.DialInterval) {
				return
			}
		}

		url := c.cands.Pick(attempt)
		err := c.runOnce(ctx, url, backoff)
		if ctx.Err() != nil || c.disposed.Load() {
			return
		}

		delay := backoff.Next()
		log.Warn().Err(err).
			Str("module", "gateway").
			Str("url", url).
			Dur("retry_in", delay).
			Msg("connection lost, reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// runOnce owns one socket cycle: dial, identify, hello/heartbeat, ready,
// then the read loop until the connection dies.
func (c *Conn) runOnce(ctx context.Context, url string, backoff *Backoff) error {
	log.Info().Str("module", "gateway").Str("url", url).Msg("dialing")
	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-cctx.Done()
		_ = ws.Close()
	}()

	send := make(chan []byte, c.cfg.SendQueue)
	c.mu.Lock()
	c.state = StateConnecting
	c.ws = ws
	c.send = send
	c.mu.Unlock()

	go c.writePump(cctx, ws, send, cancel)

	identify, err := encodeFrame(opIdentify, c.identify)
	if err != nil {
		c.teardown(err)
		return err
	}
	send <- identify

	heartbeatStarted := false
	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "gateway").Msg("bad frame")
			continue
		}
		switch f.Op {
		case opHello:
			var h helloBody
			if err := json.Unmarshal(f.D, &h); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("bad hello")
				continue
			}
			interval := time.Duration(h.HeartbeatIntervalMs) * time.Millisecond
			if interval <= 0 {
				interval = c.cfg.HeartbeatFallback
			}
			if !heartbeatStarted {
				heartbeatStarted = true
				go c.heartbeatLoop(cctx, send, interval)
			}
		case opReady:
			c.markReady(url, backoff)
		case opDispatch:
			var d core.Dispatch
			if err := json.Unmarshal(f.D, &d); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("bad dispatch")
				continue
			}
			if c.onDispatch != nil {
				c.onDispatch(d)
			}
		case opHeartbeat:
			// server ack, nothing to do
		default:
			log.Warn().Str("module", "gateway").Str("op", f.Op).Msg("unknown op")
		}
	}

	c.teardown(readErr)
	return readErr
}

func (c *Conn) markReady(url string, backoff *Backoff) {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	ch := c.readyCh
	c.mu.Unlock()

	c.cands.MarkGood(url)
	backoff.Reset()
	close(ch)
	log.Info().Str("module", "gateway").Str("url", url).Msg("ready")
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	wasReady := c.state == StateReady
	c.state = StateDisconnected
	c.ws = nil
	c.send = nil
	if wasReady {
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()

	if c.disposed.Load() {
		return
	}
	if c.onClose != nil {
		c.onClose(fmt.Errorf("%w: %v", ErrConnectionClosed, cause))
	}
}

func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn, send <-chan []byte, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump set deadline")
				cancel()
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump write error")
				cancel()
				return
			}
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, send chan<- []byte, interval time.Duration) {
	b, err := encodeFrame(opHeartbeat, nil)
	if err != nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case send <- b:
			default:
				log.Warn().Str("module", "gateway").Msg("heartbeat dropped, send queue full")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
