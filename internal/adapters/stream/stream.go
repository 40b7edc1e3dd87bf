// Package stream maintains the live market data feed. It keeps one
// WebSocket connection to the venue, remembers the subscribed tokens,
// reconnects with a fixed delay when the link drops and republishes
// every tick as a Tick event on the bus.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

const (
	writeTimeout = 10 * time.Second

	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 5 * time.Second
)

// Config carries the feed endpoint and reconnect policy.
type Config struct {
	URL         string
	APIKey      string
	AccessToken string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// Stats is a point-in-time snapshot of feed health.
type Stats struct {
	Connected        bool
	TicksReceived    int64
	SubscribedTokens int
	ReconnectCount   int
	ConnectedAt      time.Time
	LastTickAt       time.Time
}

// command is the venue's wire format for subscription management.
type command struct {
	Action string `json:"a"`
	Values any    `json:"v"`
}

// TickStream is the WebSocket tick feed. Subscriptions survive
// reconnects; the remembered token set and mode are resubmitted after
// every successful redial.
type TickStream struct {
	cfg Config
	pub ports.Publisher
	log *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool

	subscribed map[int64]struct{}
	mode       domain.StreamMode

	onTicks   []func([]domain.Tick)
	onConnect []func()
	onClose   []func(reason string)
	onError   []func(error)

	ticksReceived  int64
	reconnectCount int
	connectedAt    time.Time
	lastTickAt     time.Time

	wg sync.WaitGroup
}

// New builds a disconnected stream. pub may be nil when only callbacks
// are wanted.
func New(cfg Config, pub ports.Publisher) *TickStream {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &TickStream{
		cfg:        cfg,
		pub:        pub,
		log:        slog.Default().With("component", "stream"),
		subscribed: make(map[int64]struct{}),
		mode:       domain.ModeQuote,
	}
}

// OnTicks registers a callback invoked with each received tick batch.
func (s *TickStream) OnTicks(fn func([]domain.Tick)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTicks = append(s.onTicks, fn)
}

// OnConnect registers a callback invoked after every successful dial.
func (s *TickStream) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnClose registers a callback invoked when the feed shuts down.
func (s *TickStream) OnClose(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// OnError registers a callback invoked on read or protocol errors.
func (s *TickStream) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *TickStream) tickCallbacks() []func([]domain.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func([]domain.Tick){}, s.onTicks...)
}

func (s *TickStream) connectCallbacks() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(){}, s.onConnect...)
}

func (s *TickStream) closeCallbacks() []func(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(string){}, s.onClose...)
}

func (s *TickStream) errorCallbacks() []func(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(error){}, s.onError...)
}

// Connect dials the feed and starts the read loop in the background.
func (s *TickStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.closing = false
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		return fmt.Errorf("stream.Connect: %w", err)
	}

	s.wg.Add(1)
	go s.readLoop(ctx)
	return nil
}

// Close tears the connection down and waits for the read loop to exit.
func (s *TickStream) Close() error {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	return nil
}

// IsConnected reports whether the feed currently has a live connection.
func (s *TickStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Subscribe adds tokens to the remembered set and submits the
// subscription. The mode applies to the whole set; the last mode wins.
func (s *TickStream) Subscribe(tokens []int64, mode domain.StreamMode) error {
	s.mu.Lock()
	for _, t := range tokens {
		s.subscribed[t] = struct{}{}
	}
	s.mode = mode
	s.mu.Unlock()

	if err := s.writeJSON(command{Action: "subscribe", Values: tokens}); err != nil {
		return fmt.Errorf("stream.Subscribe: %w", err)
	}
	if err := s.writeJSON(command{Action: "mode", Values: []any{string(mode), tokens}}); err != nil {
		return fmt.Errorf("stream.Subscribe: set mode: %w", err)
	}
	s.log.Info("subscribed", "tokens", len(tokens), "mode", mode)
	return nil
}

// Unsubscribe drops tokens from the feed and the remembered set.
func (s *TickStream) Unsubscribe(tokens []int64) error {
	s.mu.Lock()
	for _, t := range tokens {
		delete(s.subscribed, t)
	}
	s.mu.Unlock()

	if err := s.writeJSON(command{Action: "unsubscribe", Values: tokens}); err != nil {
		return fmt.Errorf("stream.Unsubscribe: %w", err)
	}
	return nil
}

// Stats returns feed counters.
func (s *TickStream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Connected:        s.connected,
		TicksReceived:    s.ticksReceived,
		SubscribedTokens: len(s.subscribed),
		ReconnectCount:   s.reconnectCount,
		ConnectedAt:      s.connectedAt,
		LastTickAt:       s.lastTickAt,
	}
}

func (s *TickStream) dial(ctx context.Context) error {
	endpoint := s.cfg.URL
	if s.cfg.APIKey != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("parse url %q: %w", endpoint, err)
		}
		q := u.Query()
		q.Set("api_key", s.cfg.APIKey)
		q.Set("access_token", s.cfg.AccessToken)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.log.Info("connected", "url", s.cfg.URL)
	for _, fn := range s.connectCallbacks() {
		safeCall(s.log, fn)
	}
	if s.pub != nil {
		ev := domain.NewEvent(domain.EventSystemStart, domain.PrioritySystem, "stream",
			map[string]any{"component": "stream", "status": "connected"})
		if err := s.pub.Publish(ev); err != nil {
			s.log.Warn("publish connect event", "error", err)
		}
	}
	return nil
}

// readLoop pumps messages until Close is called or reconnection is
// exhausted.
func (s *TickStream) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.connected = false
			closing := s.closing
			s.mu.Unlock()

			if closing || ctx.Err() != nil {
				s.fireClose("closed")
				return
			}

			s.fireError(fmt.Errorf("stream: read: %w", err))
			if !s.reconnect(ctx) {
				return
			}
			continue
		}
		s.handleMessage(msg)
	}
}

// reconnect redials with a fixed delay between attempts. It returns
// false once the policy is exhausted, after publishing SystemStop.
func (s *TickStream) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.fireClose("context cancelled")
			return false
		case <-time.After(s.cfg.ReconnectDelay):
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			s.fireClose("closed")
			return false
		}
		s.reconnectCount++
		s.mu.Unlock()

		s.log.Warn("reconnecting", "attempt", attempt, "max", s.cfg.MaxReconnectAttempts)
		if err := s.dial(ctx); err != nil {
			s.log.Error("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if err := s.resubscribe(); err != nil {
			s.log.Error("resubscribe failed", "error", err)
			continue
		}
		return true
	}

	s.log.Error("reconnect attempts exhausted", "attempts", s.cfg.MaxReconnectAttempts)
	if s.pub != nil {
		ev := domain.NewEvent(domain.EventSystemStop, domain.PrioritySystem, "stream",
			map[string]any{
				"component": "stream",
				"reason":    "reconnect attempts exhausted",
				"attempts":  s.cfg.MaxReconnectAttempts,
			})
		if err := s.pub.Publish(ev); err != nil {
			s.log.Warn("publish stop event", "error", err)
		}
	}
	s.fireClose("reconnect attempts exhausted")
	return false
}

// resubscribe replays the remembered token set and mode.
func (s *TickStream) resubscribe() error {
	s.mu.Lock()
	tokens := make([]int64, 0, len(s.subscribed))
	for t := range s.subscribed {
		tokens = append(tokens, t)
	}
	mode := s.mode
	s.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}
	s.log.Info("resubscribing", "tokens", len(tokens), "mode", mode)
	return s.Subscribe(tokens, mode)
}

// handleMessage decodes a tick batch. The venue sends either a single
// tick object or an array of them per frame.
func (s *TickStream) handleMessage(data []byte) {
	var frames []json.RawMessage
	if err := json.Unmarshal(data, &frames); err != nil {
		frames = []json.RawMessage{data}
	}

	ticks := make([]domain.Tick, 0, len(frames))
	for _, frame := range frames {
		var tick domain.Tick
		if err := json.Unmarshal(frame, &tick); err != nil || tick.Token == 0 {
			s.log.Debug("ignoring unrecognized frame", "data", string(frame))
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(frame, &raw); err == nil {
			tick.Raw = raw
		}
		ticks = append(ticks, tick)
	}
	if len(ticks) == 0 {
		return
	}

	s.mu.Lock()
	s.ticksReceived += int64(len(ticks))
	s.lastTickAt = time.Now()
	s.mu.Unlock()

	for _, fn := range s.tickCallbacks() {
		safeCall(s.log, func() { fn(ticks) })
	}
	if s.pub != nil {
		for _, tick := range ticks {
			ev := domain.NewEvent(domain.EventTick, domain.PriorityTick, "stream", tick)
			if err := s.pub.Publish(ev); err != nil {
				s.log.Warn("publish tick", "token", tick.Token, "error", err)
			}
		}
	}
}

func (s *TickStream) fireError(err error) {
	s.log.Error("stream error", "error", err)
	for _, fn := range s.errorCallbacks() {
		safeCall(s.log, func() { fn(err) })
	}
	if s.pub != nil {
		ev := domain.NewEvent(domain.EventSystemError, domain.PrioritySystem, "stream",
			map[string]any{"component": "stream", "error": err.Error()})
		if pubErr := s.pub.Publish(ev); pubErr != nil {
			s.log.Warn("publish error event", "error", pubErr)
		}
	}
}

func (s *TickStream) fireClose(reason string) {
	s.log.Info("stream closed", "reason", reason)
	for _, fn := range s.closeCallbacks() {
		safeCall(s.log, func() { fn(reason) })
	}
}

func safeCall(log *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stream callback panicked", "panic", r)
		}
	}()
	fn()
}

// writeJSON serializes one command under the connection lock.
func (s *TickStream) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return ports.ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
