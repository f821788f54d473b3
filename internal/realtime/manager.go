// Package realtime maintains the live push channel to the server.
//
// The manager dials a private per-tenant-per-user websocket channel,
// re-dials with exponential backoff on unexpected close, and treats every
// received message as an invalidation signal: it shortens the interval
// until the next pull by requesting an opportunistic sync. Malformed
// payloads are dropped and logged, never fatal.
//
// Connectivity transitions come in through SetOnline: going online
// triggers an immediate sync request and resumes reconnecting; going
// offline suppresses reconnect attempts until back online. The queue is
// untouched either way.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// State is the observable channel state.
type State int32

const (
	// StateConnecting means a dial or redial is in progress.
	StateConnecting State = iota
	// StateOpen means the channel is live.
	StateOpen
	// StateClosing means Stop was called and teardown is in progress.
	StateClosing
	// StateClosed means the channel is down: stopped, offline, or the
	// reconnect budget is exhausted (persistent disconnect).
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultMaxAttempts is the reconnect ceiling: after this many consecutive
// failures the manager stops retrying and surfaces a persistent disconnect.
const DefaultMaxAttempts = 10

// maxBackoff caps the reconnect delay.
const maxBackoff = 30 * time.Second

// Backoff returns the reconnect delay for the given attempt number:
// min(1s * 2^attempt, 30s).
func Backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	return time.Second << attempt
}

// Message is the wire shape of a push notification.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Config holds manager configuration.
type Config struct {
	// URL is the websocket base, e.g. "wss://erp.example.com/realtime".
	URL string

	// TenantID and UserID scope the private channel.
	TenantID string
	UserID   string

	// Token is the bearer token presented on dial.
	Token string

	// MaxAttempts overrides the reconnect ceiling. Default DefaultMaxAttempts.
	MaxAttempts int

	// RequestSync is called whenever the manager wants an opportunistic
	// resync: on (re)connect, on an online transition, and on every
	// invalidation message. Must not block.
	RequestSync func(reason string)

	// OnDown is called once when the reconnect budget is exhausted.
	OnDown func()

	// Logger for channel activity. Default stderr.
	Logger *log.Logger
}

// Manager runs the realtime channel lifecycle.
type Manager struct {
	config Config

	state  atomic.Int32
	online atomic.Bool

	// wake interrupts backoff sleeps and give-up parking when
	// connectivity returns.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger

	// backoffFn is swapped in tests to avoid multi-second sleeps.
	backoffFn func(int) time.Duration
}

// NewManager creates a manager. Use Start to open the channel.
func NewManager(config Config) *Manager {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	if config.RequestSync == nil {
		config.RequestSync = func(string) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:    config,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
		backoffFn: Backoff,
	}
	m.state.Store(int32(StateClosed))
	m.online.Store(true)
	return m
}

// State returns the current observable channel state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Online reports the last known connectivity.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// SetOnline feeds a connectivity transition into the manager.
//
// Going online requests an immediate sync and resumes reconnecting with a
// fresh attempt budget. Going offline suppresses reconnect attempts; queued
// mutations are untouched.
func (m *Manager) SetOnline(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}

	if online {
		m.logger.Printf("network online")
		m.config.RequestSync("online")
		m.signalWake()
	} else {
		m.logger.Printf("network offline, suspending reconnects")
	}
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ChannelPath returns the private channel path for the configured
// tenant and user.
func (m *Manager) ChannelPath() string {
	return fmt.Sprintf("tenant.%s.user.%s", m.config.TenantID, m.config.UserID)
}

// Start opens the channel and keeps it alive until Stop. Non-blocking.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop tears the channel down and waits for the run loop to exit.
func (m *Manager) Stop() {
	m.state.Store(int32(StateClosing))
	m.cancel()
	m.wg.Wait()
	m.state.Store(int32(StateClosed))
}

func (m *Manager) run() {
	defer m.wg.Done()

	attempt := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		// Reconnects are suspended while offline; the queue keeps
		// accumulating locally and nothing is lost.
		if !m.online.Load() {
			m.state.Store(int32(StateClosed))
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
				attempt = 0
				continue
			}
		}

		m.state.Store(int32(StateConnecting))
		conn, err := m.dial()
		if err != nil {
			m.logger.Printf("dial failed (attempt %d): %v", attempt, err)
			attempt++
			if attempt >= m.config.MaxAttempts {
				// Persistent disconnect: stop retrying until
				// connectivity returns or Stop is called.
				m.logger.Printf("giving up after %d attempts", attempt)
				m.state.Store(int32(StateClosed))
				if m.config.OnDown != nil {
					m.config.OnDown()
				}
				select {
				case <-m.ctx.Done():
					return
				case <-m.wake:
					attempt = 0
					continue
				}
			}

			delay := m.backoffFn(attempt - 1)
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
				attempt = 0
			case <-time.After(delay):
			}
			continue
		}

		// Connected: reset the attempt counter and resync opportunistically.
		attempt = 0
		m.state.Store(int32(StateOpen))
		m.logger.Printf("channel open: %s", m.ChannelPath())
		m.config.RequestSync("reconnect")

		m.readLoop(conn)

		if m.ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		// Unexpected close: fall through into the redial path.
		_ = conn.Close(websocket.StatusAbnormalClosure, "")
		m.logger.Printf("channel closed unexpectedly, reconnecting")
		attempt = 1
		m.state.Store(int32(StateConnecting))

		delay := m.backoffFn(0)
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
			attempt = 0
		case <-time.After(delay):
		}
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if m.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + m.config.Token}}
	}

	conn, _, err := websocket.Dial(dialCtx, m.config.URL+"/"+m.ChannelPath(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial channel: %w", err)
	}
	return conn, nil
}

// readLoop consumes messages until the connection drops or Stop is called.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(m.ctx)
		if err != nil {
			return
		}
		m.handleMessage(data)
	}
}

// handleMessage parses one push payload. Malformed payloads are dropped
// and logged; they never crash the channel.
func (m *Manager) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		m.logger.Printf("WARNING: dropping malformed realtime message: %.100s", data)
		return
	}

	m.logger.Printf("invalidation: %s", msg.Type)
	m.config.RequestSync("message:" + msg.Type)
}
