package yeelight

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives connection events. OnProps is called from the session's
// reader goroutine, one frame at a time; OnConnectivity from the run loop.
type Handler interface {
	OnConnectivity(connected bool)
	OnProps(attrs map[string]string)
}

// ConnectionConfig contains connection tuning.
type ConnectionConfig struct {
	MinBackoff        time.Duration // Reconnect delay floor
	MaxBackoff        time.Duration // Reconnect delay ceiling
	Multiplier        float64       // Backoff growth per failure
	DialTimeout       time.Duration
	KeepAlive         time.Duration // TCP keep-alive period
	CommandTimeout    time.Duration // Max wait for a command acknowledgment
	Effect            Effect
	CommandsPerMinute int // 0 = unlimited
}

// DefaultConnectionConfig returns the defaults used by the daemon.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MinBackoff:        1 * time.Second,
		MaxBackoff:        30 * time.Second,
		Multiplier:        2.0,
		DialTimeout:       5 * time.Second,
		KeepAlive:         30 * time.Second,
		CommandTimeout:    5 * time.Second,
		Effect:            DefaultEffect,
		CommandsPerMinute: 60,
	}
}

// maxFrameSize bounds a single inbound line.
const maxFrameSize = 64 * 1024

// Connection is a persistent, self-healing control session to one lamp.
//
// Run drives the state machine until the context is cancelled or Close is
// called. Every session owns its reader goroutine; the session is torn down
// and its reader joined before the next dial, so at most one reader is ever
// attached.
type Connection struct {
	id      string
	address string
	cfg     ConnectionConfig
	handler Handler
	limiter *rate.Limiter
	backoff *Backoff

	dialContext func(ctx context.Context, network, address string) (net.Conn, error)
	onBackoff   func(time.Duration) // observes every reconnect delay, nil in production

	state     atomic.Int32
	observers atomic.Int32

	mu     sync.Mutex
	sess   *session
	nextID int
	closed bool

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection creates a connection for the lamp at address. It does not
// dial until Run is called.
func NewConnection(id, address string, cfg ConnectionConfig, handler Handler) *Connection {
	limit := rate.Inf
	burst := 1
	if cfg.CommandsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.CommandsPerMinute))
		burst = max(1, cfg.CommandsPerMinute/6)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConnectionConfig().CommandTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConnectionConfig().DialTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	return &Connection{
		id:          id,
		address:     address,
		cfg:         cfg,
		handler:     handler,
		limiter:     rate.NewLimiter(limit, burst),
		backoff:     NewBackoff(cfg.MinBackoff, cfg.MaxBackoff, cfg.Multiplier),
		dialContext: dialer.DialContext,
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Observers returns the number of reader goroutines attached to a socket.
func (c *Connection) Observers() int {
	return int(c.observers.Load())
}

// Done is closed once Run has returned.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		log.Trace().Str("device", c.id).Str("from", prev.String()).Str("to", s.String()).Msg("Connection state changed")
	}
}

// Run connects and keeps the connection alive, reconnecting with backoff.
// Network failures never end the loop; it returns only when ctx is cancelled
// or Close is called.
func (c *Connection) Run(ctx context.Context) error {
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	stopped := func() bool {
		return ctx.Err() != nil || c.isClosed()
	}

	online := false
	setOnline := func(v bool) {
		if online != v {
			online = v
			c.handler.OnConnectivity(v)
		}
	}

	for {
		if stopped() {
			c.setState(StateClosed)
			return nil
		}

		c.setState(StateConnecting)
		sess, err := c.connect(ctx)
		if err == nil {
			c.backoff.Reset()
			c.setState(StateConnected)
			setOnline(true)

			log.Info().
				Str("device", c.id).
				Str("address", c.address).
				Str("session", sess.id).
				Msg("Connected to device")

			err = c.serve(ctx, sess)
		}

		if stopped() {
			c.setState(StateClosed)
			return nil
		}

		c.setState(StateReconnecting)
		setOnline(false)

		delay := c.backoff.Next()
		if c.onBackoff != nil {
			c.onBackoff(delay)
		}
		log.Warn().
			Err(err).
			Str("device", c.id).
			Str("address", c.address).
			Dur("backoff", delay).
			Msg("Device connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

// connect dials the lamp and attaches a fresh session.
func (c *Connection) connect(ctx context.Context) (*session, error) {
	conn, err := c.dialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	sess := newSession(conn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.sess = sess
	c.mu.Unlock()

	c.observers.Add(1)
	go c.read(sess)

	return sess, nil
}

// serve blocks until the session dies or ctx is cancelled, then detaches it.
func (c *Connection) serve(ctx context.Context, sess *session) error {
	select {
	case <-ctx.Done():
		sess.fail(ErrClosed)
	case <-sess.dead:
	}

	c.detach(sess)
	return sess.err
}

// detach closes the session socket, joins its reader and forgets it. Pending
// commands on the session observe sess.dead and fail.
func (c *Connection) detach(sess *session) {
	sess.fail(ErrNotConnected)
	<-sess.readerDone

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
}

func (c *Connection) read(sess *session) {
	defer close(sess.readerDone)
	defer c.observers.Add(-1)

	r := bufio.NewReaderSize(sess.conn, maxFrameSize)
	for {
		raw, err := readLine(r)
		if errors.Is(err, errFrameTooLong) {
			log.Debug().Str("device", c.id).Msg("Discarding oversized frame")
			continue
		}

		if line := bytes.TrimSpace(raw); len(line) > 0 {
			c.dispatch(sess, line)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("connection closed by device")
			}
			sess.fail(err)
			return
		}
	}
}

func (c *Connection) dispatch(sess *session, line []byte) {
	frame, ok := ParseFrame(line)
	if !ok {
		log.Debug().Str("device", c.id).Bytes("frame", line).Msg("Discarding unrecognized frame")
		return
	}

	switch frame.Kind {
	case FrameNotification:
		c.handler.OnProps(frame.Params)
	case FrameResult:
		sess.resolve(frame)
	}
}

var errFrameTooLong = errors.New("frame exceeds maximum size")

// readLine returns the next newline terminated line. A line longer than the
// reader's buffer is consumed up to its newline and reported as
// errFrameTooLong. The returned slice is valid until the next read.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = r.ReadSlice('\n')
	}
	if err != nil {
		return nil, err
	}
	return nil, errFrameTooLong
}

// Send issues cmd and waits for the lamp to acknowledge it. Failures are
// returned to the caller and never retried here.
func (c *Connection) Send(ctx context.Context, cmd Command) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", cmd.Method, ErrNotConnected)
	}
	c.nextID++
	cmd.ID = c.nextID
	c.mu.Unlock()

	data, err := cmd.Encode()
	if err != nil {
		return nil, err
	}

	reply := sess.register(cmd.ID)
	defer sess.unregister(cmd.ID)

	if err := sess.write(data, c.cfg.CommandTimeout); err != nil {
		sess.fail(err)
		return nil, fmt.Errorf("failed to send %s: %w", cmd.Method, err)
	}

	log.Debug().Str("device", c.id).Int("id", cmd.ID).Str("method", string(cmd.Method)).Interface("params", cmd.Params).Msg("Command sent")

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case frame := <-reply:
		if frame.Err != nil {
			frame.Err.Method = cmd.Method
			return nil, frame.Err
		}
		return frame.Result, nil
	case <-sess.dead:
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%s: %w", cmd.Method, ErrNotConnected)
	case <-timer.C:
		// An unanswered command means the session is unusable; force a reconnect.
		sess.fail(ErrCommandTimeout)
		return nil, fmt.Errorf("%s: %w", cmd.Method, ErrCommandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the connection: a pending backoff is cancelled, the socket is
// closed and in-flight commands fail with ErrClosed. Safe to call repeatedly.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.closing)
	})
	if sess != nil {
		sess.fail(ErrClosed)
	}
	return nil
}

// session is the state of one TCP connection attempt.
type session struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int]chan Frame

	dead       chan struct{}
	failOnce   sync.Once
	err        error
	readerDone chan struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		id:         uuid.NewString(),
		conn:       conn,
		pending:    make(map[int]chan Frame),
		dead:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// fail marks the session dead with err and closes its socket. Only the first
// call has any effect.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.dead)
		s.conn.Close()
	})
}

func (s *session) register(id int) chan Frame {
	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) unregister(id int) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) resolve(frame Frame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.ID]
	s.mu.Unlock()

	if !ok {
		log.Debug().Int("id", frame.ID).Msg("Dropping response for unknown request")
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

func (s *session) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}
