package yeelight

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLamp is a loopback TCP listener standing in for a lamp.
type fakeLamp struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeLamp(t *testing.T) *fakeLamp {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeLamp{ln: ln, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeLamp) Addr() string {
	return f.ln.Addr().String()
}

func (f *fakeLamp) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("lamp was never dialed")
		return nil
	}
}

// readCommand reads one request frame from the controller.
func readCommand(t *testing.T, r *bufio.Reader) Command {
	t.Helper()
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)

	var cmd Command
	require.NoError(t, json.Unmarshal(line, &cmd))
	return cmd
}

type recordingHandler struct {
	mu           sync.Mutex
	connectivity []bool
	props        []map[string]string
}

func (h *recordingHandler) OnConnectivity(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectivity = append(h.connectivity, connected)
}

func (h *recordingHandler) OnProps(attrs map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.props = append(h.props, attrs)
}

func (h *recordingHandler) Connectivity() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.connectivity...)
}

func (h *recordingHandler) Props() []map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]string(nil), h.props...)
}

func testConfig() ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 40 * time.Millisecond
	cfg.CommandTimeout = 2 * time.Second
	cfg.CommandsPerMinute = 0
	return cfg
}

func startConnection(t *testing.T, addr string, cfg ConnectionConfig) (*Connection, *recordingHandler) {
	t.Helper()

	h := &recordingHandler{}
	c := NewConnection("yeelight-test", addr, cfg, h)
	go c.Run(context.Background())
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return c, h
}

func waitConnected(t *testing.T, c *Connection) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 3*time.Second, 5*time.Millisecond)
}

func TestConnection_ConnectNotifiesObserver(t *testing.T) {
	lamp := newFakeLamp(t)
	c, h := startConnection(t, lamp.Addr(), testConfig())

	lamp.accept(t)
	waitConnected(t, c)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]bool{true}, h.Connectivity())
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Observers())
}

func TestConnection_PushDelivered(t *testing.T) {
	lamp := newFakeLamp(t)
	_, h := startConnection(t, lamp.Addr(), testConfig())

	conn := lamp.accept(t)
	_, err := conn.Write([]byte(`{"method":"props","params":{"power":"on","bright":55}}` + "\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.Props()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"power": "on", "bright": "55"}, h.Props()[0])
}

func TestConnection_MalformedFramesDiscarded(t *testing.T) {
	lamp := newFakeLamp(t)
	c, h := startConnection(t, lamp.Addr(), testConfig())

	conn := lamp.accept(t)
	frames := []string{
		`not json at all`,
		`{"method":"props","params":`,
		`{"method":"other","params":{"power":"off"}}`,
		`{"method":"props"}`,
		`[1,2,3]`,
		`{"method":"props","params":{"power":"on"}}`,
	}
	for _, f := range frames {
		_, err := conn.Write([]byte(f + "\r\n"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(h.Props()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"power": "on"}, h.Props()[0])
	assert.Equal(t, StateConnected, c.State())
}

func TestConnection_OversizedFrameKeepsSession(t *testing.T) {
	lamp := newFakeLamp(t)
	c, h := startConnection(t, lamp.Addr(), testConfig())

	conn := lamp.accept(t)
	waitConnected(t, c)

	big := `{"method":"foo","params":{"x":"` + strings.Repeat("a", 70*1024) + `"}}`
	_, err := conn.Write([]byte(big + "\r\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"method":"props","params":{"bright":"12"}}` + "\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.Props()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"bright": "12"}, h.Props()[0])
	assert.Equal(t, []bool{true}, h.Connectivity())
	assert.Equal(t, StateConnected, c.State())
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("x", 40)+"\nnext\ntail"), 16)

	line, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(line))

	_, err = readLine(r)
	assert.ErrorIs(t, err, errFrameTooLong)

	line, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "next\n", string(line))

	line, err = readLine(r)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "tail", string(line))
}

func TestConnection_SendAcknowledged(t *testing.T) {
	lamp := newFakeLamp(t)
	c, _ := startConnection(t, lamp.Addr(), testConfig())

	conn := lamp.accept(t)
	waitConnected(t, c)

	received := make(chan Command, 1)
	go func() {
		r := bufio.NewReader(conn)
		cmd := readCommand(t, r)
		received <- cmd
		fmt.Fprintf(conn, `{"id":%d,"result":["ok"]}`+"\r\n", cmd.ID)
	}()

	result, err := c.Send(context.Background(), NewCommand(MethodSetBright, 40, DefaultEffect))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, result)

	cmd := <-received
	assert.Equal(t, MethodSetBright, cmd.Method)
	assert.Equal(t, []any{float64(40), "smooth", float64(500)}, cmd.Params)
}

func TestConnection_SendRejected(t *testing.T) {
	lamp := newFakeLamp(t)
	c, _ := startConnection(t, lamp.Addr(), testConfig())

	conn := lamp.accept(t)
	waitConnected(t, c)

	go func() {
		cmd := readCommand(t, bufio.NewReader(conn))
		fmt.Fprintf(conn, `{"id":%d,"error":{"code":-1,"message":"unsupported method"}}`+"\r\n", cmd.ID)
	}()

	_, err := c.Send(context.Background(), NewCommand(MethodSetCTAbx, 3000, DefaultEffect))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandRejected)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, MethodSetCTAbx, cmdErr.Method)
	assert.Equal(t, "unsupported method", cmdErr.Message)
	assert.Equal(t, StateConnected, c.State())
}

func TestConnection_SendNotConnected(t *testing.T) {
	c := NewConnection("yeelight-test", "127.0.0.1:1", testConfig(), &recordingHandler{})

	_, err := c.Send(context.Background(), NewCommand(MethodSetPower, "on", DefaultEffect))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnection_NoObserverLeakAcrossReconnects(t *testing.T) {
	lamp := newFakeLamp(t)
	c, h := startConnection(t, lamp.Addr(), testConfig())

	const cycles = 5
	for i := 0; i < cycles; i++ {
		conn := lamp.accept(t)
		waitConnected(t, c)
		assert.Equal(t, 1, c.Observers(), "cycle %d", i)

		conn.Close()
		require.Eventually(t, func() bool {
			return c.State() != StateConnected
		}, 3*time.Second, 5*time.Millisecond)
	}

	conn := lamp.accept(t)
	waitConnected(t, c)
	assert.Equal(t, 1, c.Observers())

	// A push on the final session is delivered exactly once.
	_, err := conn.Write([]byte(`{"method":"props","params":{"power":"off"}}` + "\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.Props()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.Props(), 1)

	events := h.Connectivity()
	require.Len(t, events, 2*cycles+1)
	for i, e := range events {
		assert.Equal(t, i%2 == 0, e, "event %d", i)
	}
}

func TestConnection_CommandTimeoutForcesReconnect(t *testing.T) {
	lamp := newFakeLamp(t)
	cfg := testConfig()
	cfg.CommandTimeout = 100 * time.Millisecond
	c, _ := startConnection(t, lamp.Addr(), cfg)

	lamp.accept(t)
	waitConnected(t, c)

	_, err := c.Send(context.Background(), NewCommand(MethodSetPower, "on", DefaultEffect))
	assert.ErrorIs(t, err, ErrCommandTimeout)

	// The silent session is dropped and a new one dialed.
	lamp.accept(t)
	waitConnected(t, c)
	assert.Equal(t, 1, c.Observers())
}

func TestConnection_CloseCancelsBackoff(t *testing.T) {
	// Grab a free port and release it so dials are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig()
	cfg.MinBackoff = 10 * time.Second
	cfg.MaxBackoff = 30 * time.Second

	h := &recordingHandler{}
	c := NewConnection("yeelight-test", addr, cfg, h)
	go c.Run(context.Background())

	require.Eventually(t, func() bool {
		return c.State() == StateReconnecting
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, h.Connectivity())
}

func TestConnection_CloseFailsInFlightCommand(t *testing.T) {
	lamp := newFakeLamp(t)
	c, _ := startConnection(t, lamp.Addr(), testConfig())

	lamp.accept(t)
	waitConnected(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), NewCommand(MethodSetPower, "off", DefaultEffect))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("in-flight command was not released")
	}

	_, err := c.Send(context.Background(), NewCommand(MethodSetPower, "off", DefaultEffect))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateClosed, "closed"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConnection_CommandsPaced(t *testing.T) {
	lamp := newFakeLamp(t)
	cfg := testConfig()
	cfg.CommandsPerMinute = 6 // one command per 10s, burst of one
	c, _ := startConnection(t, lamp.Addr(), cfg)

	conn := lamp.accept(t)
	waitConnected(t, c)

	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			var cmd Command
			if json.Unmarshal(line, &cmd) == nil {
				fmt.Fprintf(conn, `{"id":%d,"result":["ok"]}`+"\r\n", cmd.ID)
			}
		}
	}()

	_, err := c.Send(context.Background(), NewCommand(MethodSetPower, "on", DefaultEffect))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Send(ctx, NewCommand(MethodSetPower, "off", DefaultEffect))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnection_BackoffResetsOnlyAfterConnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBackoff = time.Second

	c := NewConnection("yeelight-test", "lamp:55443", cfg, &recordingHandler{})

	// Dials 1, 2 and 4+ are refused; dial 3 connects and drops at once.
	var attempts atomic.Int32
	c.dialContext = func(context.Context, string, string) (net.Conn, error) {
		if attempts.Add(1) == 3 {
			local, remote := net.Pipe()
			remote.Close()
			return local, nil
		}
		return nil, errors.New("connection refused")
	}
	delays := make(chan time.Duration, 16)
	c.onBackoff = func(d time.Duration) {
		select {
		case delays <- d:
		default:
		}
	}

	go c.Run(context.Background())
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})

	var got []time.Duration
	for len(got) < 4 {
		select {
		case d := <-delays:
			got = append(got, d)
		case <-time.After(3 * time.Second):
			t.Fatalf("backoff delays so far: %v", got)
		}
	}

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 10 * ms, 20 * ms}, got)
}
