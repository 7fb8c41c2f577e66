package hubsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// Transport selects how the live event stream is carried.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// ConnectionConfig configures the ConnectionManager.
type ConnectionConfig struct {
	// BaseURL is the API root; /ws and /sse are resolved against it.
	BaseURL           string
	Transport         Transport
	MaxRetries        int
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// SSEIdleTimeout drops an SSE stream that has been silent this long.
	SSEIdleTimeout time.Duration
	// HTTPClient must not carry a Timeout; streams are long-lived.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *ConnectionConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Transport == "" {
		c.Transport = TransportWebSocket
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SSEIdleTimeout == 0 {
		c.SSEIdleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState is the state of the live connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	// StateErrored means retries are exhausted; only a new Start dials again.
	StateErrored ConnState = "errored"
)

// ConnectionStatus is what status listeners receive on every transition.
type ConnectionStatus struct {
	State   ConnState
	Attempt int
	Err     error
}

var errStreamEnded = errors.New("stream ended")

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single live event stream of the current
// session. Start and Stop are its only lifecycle entry points; nothing
// re-derives the connection from observed state.
//
// Inbound frames are handed to the Router in arrival order. Status
// listeners run on the connection goroutine and must not call Start or Stop
// synchronously.
type ConnectionManager struct {
	cfg    ConnectionConfig
	router *Router
	logger *slog.Logger

	// opMu serializes Start and Stop.
	opMu sync.Mutex

	mu      sync.Mutex
	state   ConnState
	token   string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	smu       sync.RWMutex
	nextID    int
	listeners map[int]func(ConnectionStatus)
}

// NewConnectionManager creates a disconnected manager that publishes inbound
// events to router.
func NewConnectionManager(cfg ConnectionConfig, router *Router) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:       cfg,
		router:    router,
		logger:    cfg.Logger.With(slog.String("transport", string(cfg.Transport))),
		state:     StateDisconnected,
		listeners: make(map[int]func(ConnectionStatus)),
	}
}

// OnStatus registers a status listener and returns its unsubscribe func.
func (m *ConnectionManager) OnStatus(fn func(ConnectionStatus)) func() {
	m.smu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.smu.Unlock()
	return func() {
		m.smu.Lock()
		delete(m.listeners, id)
		m.smu.Unlock()
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Trusted reports whether push delivery is live right now. Callers use it to
// decide how much to lean on polling; they never wait on it.
func (m *ConnectionManager) Trusted() bool {
	return m.State() == StateConnected
}

// Start connects for s. If the manager is already serving s's token it does
// nothing; otherwise the current connection is torn down first.
func (m *ConnectionManager) Start(s *Session) error {
	if !s.Valid(time.Now()) {
		return ErrNoSession
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	same := m.running && m.token == s.Token
	m.mu.Unlock()
	if same {
		return nil
	}

	m.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.token = s.Token
	m.running = true
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, s.Token, done)
	return nil
}

// Stop tears the connection down. Nothing reconnects until the next Start.
func (m *ConnectionManager) Stop() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.teardown() {
		return
	}
	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	m.logger.Info("connection stopped")
	m.notify(ConnectionStatus{State: StateDisconnected})
}

// teardown cancels the run goroutine and waits for it to exit. It reports
// whether there was anything to tear down.
func (m *ConnectionManager) teardown() bool {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	wasUp := m.cancel != nil || m.state != StateDisconnected
	m.cancel = nil
	m.done = nil
	m.token = ""
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return wasUp
}

func (m *ConnectionManager) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		m.transition(ctx, ConnectionStatus{State: StateConnecting, Attempt: failures})

		var (
			connected bool
			err       error
		)
		switch m.cfg.Transport {
		case TransportSSE:
			connected, err = m.streamSSE(ctx, token)
		default:
			connected, err = m.streamWebSocket(ctx, token)
		}
		if ctx.Err() != nil {
			return
		}

		if connected {
			// A connection that came up earns a fresh retry budget.
			failures = 0
		}
		failures++

		if errors.Is(err, ErrUnauthorized) || failures > m.cfg.MaxRetries {
			m.logger.Warn("connection gave up",
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			m.mu.Lock()
			if m.done == done {
				m.running = false
			}
			m.mu.Unlock()
			m.transition(ctx, ConnectionStatus{State: StateErrored, Attempt: failures, Err: err})
			return
		}

		m.logger.Info("connection lost, retrying",
			slog.Int("attempt", failures),
			slog.Duration("backoff", m.cfg.RetryBackoff),
			slog.String("error", err.Error()),
		)
		m.transition(ctx, ConnectionStatus{State: StateDisconnected, Attempt: failures, Err: err})

		timer := time.NewTimer(m.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// transition records and announces a state change unless the run that made
// it has been torn down.
func (m *ConnectionManager) transition(ctx context.Context, st ConnectionStatus) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = st.State
	m.mu.Unlock()
	m.notify(st)
}

func (m *ConnectionManager) notify(st ConnectionStatus) {
	for _, fn := range snapshotHandlers(&m.smu, m.listeners) {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("status listener panicked", slog.Any("panic", rec))
				}
			}()
			fn(st)
		}()
	}
}

// ============================================================================
// WebSocket transport
// ============================================================================

// streamWebSocket dials, then reads frames until the connection drops. It
// reports whether the handshake succeeded.
func (m *ConnectionManager) streamWebSocket(ctx context.Context, token string) (bool, error) {
	wsURL := strings.Replace(m.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: m.cfg.HTTPClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, errorFromResponse(resp.StatusCode, nil)
		}
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	m.logger.Info("connected")
	m.transition(ctx, ConnectionStatus{State: StateConnected})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "client disconnect")
			} else {
				conn.Close(websocket.StatusGoingAway, "read failed")
			}
			return true, fmt.Errorf("websocket read: %w", err)
		}
		if err := m.router.PublishRaw(connCtx, data); err != nil {
			conn.Close(websocket.StatusGoingAway, "router closed")
			return true, err
		}
	}
}

// heartbeat pings on an interval. A ping that goes unanswered closes the
// connection, which ends the read loop and goes through retry.
func (m *ConnectionManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// SSE transport
// ============================================================================

// streamSSE opens /sse and feeds every event's data to the router until the
// stream ends or goes idle.
func (m *ConnectionManager) streamSSE(ctx context.Context, token string) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, m.cfg.BaseURL+"/sse", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("sse connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return false, errorFromResponse(resp.StatusCode, nil)
		}
		return false, fmt.Errorf("sse connect: HTTP %d", resp.StatusCode)
	}

	m.logger.Info("connected")
	m.transition(ctx, ConnectionStatus{State: StateConnected})

	var lastData atomic.Int64
	lastData.Store(time.Now().UnixNano())
	go m.idleWatchdog(connCtx, cancel, &lastData)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	for scanner.Scan() {
		lastData.Store(time.Now().UnixNano())
		line := scanner.Text()

		switch {
		case line == "":
			// Blank line ends an event.
			if data.Len() == 0 {
				continue
			}
			frame := data.String()
			data.Reset()
			if err := m.router.PublishRaw(connCtx, []byte(frame)); err != nil {
				return true, err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	err = scanner.Err()
	if err == nil {
		err = errStreamEnded
	}
	return true, fmt.Errorf("sse read: %w", err)
}

func (m *ConnectionManager) idleWatchdog(ctx context.Context, cancel context.CancelFunc, lastData *atomic.Int64) {
	interval := m.cfg.SSEIdleTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastData.Load()))
			if idle > m.cfg.SSEIdleTimeout {
				m.logger.Warn("sse stream idle, reconnecting", slog.Duration("idle", idle))
				cancel()
				return
			}
		}
	}
}
