// Package ingest maintains venue websocket connections, normalizes raw
// frames, and pushes the resulting events into the dispatch core. One
// supervisor owns one connection, its subscription set, and its readers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/quantmill/strand/config"
	"github.com/quantmill/strand/errs"
	"github.com/quantmill/strand/internal/observability"
	"github.com/quantmill/strand/internal/schema"
	"github.com/quantmill/strand/lib/async"
)

// State is the supervisor connection state.
type State int32

const (
	// StateDisconnected is the initial state.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is up but subscriptions are not yet restored.
	StateConnected
	// StateSubscribing means the subscription set is being replayed.
	StateSubscribing
	// StateReading means the read loop is consuming frames.
	StateReading
	// StateReconnecting means the connection dropped and the retry budget is live.
	StateReconnecting
	// StateClosed is terminal: explicit shutdown or exhausted retry budget.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateReading:
		return "reading"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventSink accepts normalized events. Both the single and the sharded
// dispatcher satisfy it.
type EventSink interface {
	Put(evt *schema.Event, block bool, timeout time.Duration) bool
}

// MessageCallback observes every normalized event. Callbacks run on a
// bounded worker pool; a fault in one never interrupts the read loop.
type MessageCallback func(evt *schema.Event)

// Conn is the subset of the websocket connection the supervisor drives.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens one websocket connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Venues limit control messages per connection; Binance allows 5 per second.
const controlMessagesPerSecond = 5

const maxStreamsPerRequest = 100

const controlWriteTimeout = 5 * time.Second

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	ID    uint64 `json:"id"`
	Error *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error,omitempty"`
}

// Supervisor runs the per-connection state machine: connect, subscribe,
// read, reconnect with linear backoff, restore subscriptions, repeat.
type Supervisor struct {
	cfg        config.IngestConfig
	sink       EventSink
	dialer     Dialer
	normalizer Normalizer
	metrics    *Metrics
	limiter    *rate.Limiter
	pool       *async.Pool

	subs  *subscriptionSet
	msgID atomic.Uint64

	callbackMu sync.RWMutex
	callbacks  []MessageCallback

	connMu sync.RWMutex
	conn   Conn

	state atomic.Int32

	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames      atomic.Uint64
	parseErrors atomic.Uint64
	emitted     atomic.Uint64
	reconnects  atomic.Uint64
}

// SupervisorOption configures optional collaborators.
type SupervisorOption func(*Supervisor)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) SupervisorOption {
	return func(s *Supervisor) { s.dialer = d }
}

// WithNormalizer replaces the venue normalizer.
func WithNormalizer(n Normalizer) SupervisorOption {
	return func(s *Supervisor) { s.normalizer = n }
}

// WithMetrics attaches ingestion telemetry.
func WithMetrics(m *Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// NewSupervisor validates the configuration and builds a supervisor. The
// sink receives every normalized event.
func NewSupervisor(cfg config.IngestConfig, sink EventSink, opts ...SupervisorOption) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errs.New("ingest/supervisor", errs.CodeInvalid, errs.WithMessage("event sink required"))
	}

	workers := cfg.CallbackWorkers
	if workers <= 0 {
		workers = 1
	}
	pool, err := async.NewPool(workers, cfg.CallbackQueue)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		sink:       sink,
		dialer:     defaultDialer,
		normalizer: NewBinanceNormalizer(),
		limiter:    rate.NewLimiter(rate.Limit(controlMessagesPerSecond), 1),
		pool:       pool,
		subs:       newSubscriptionSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect dials the venue, restores any prior subscriptions, and starts the
// read and heartbeat loops.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	switch State(s.state.Load()) {
	case StateClosed:
		return errs.New("ingest/supervisor", errs.CodeUnavailable, errs.WithMessage("supervisor closed"),
			errs.WithVenue(s.cfg.Venue))
	case StateDisconnected:
	default:
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateConnecting)

	conn, err := s.dialer(s.ctx, s.cfg.URL)
	if err != nil {
		s.cancel()
		s.setState(StateDisconnected)
		return errs.New("ingest/supervisor", errs.CodeConnection,
			errs.WithMessage(fmt.Sprintf("dial %s", s.cfg.URL)),
			errs.WithVenue(s.cfg.Venue), errs.WithCause(err))
	}
	s.setConn(conn)
	s.setState(StateConnected)

	s.setState(StateSubscribing)
	if err := s.restoreSubscriptions(); err != nil {
		observability.Log().Warn("initial subscription replay failed",
			observability.F("venue", s.cfg.Venue),
			observability.F("error", err.Error()),
		)
	}
	s.setState(StateReading)

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeat()
	return nil
}

// Close is terminal: it cancels the loops, drains the callback pool, and
// releases the connection.
func (s *Supervisor) Close() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.setState(StateClosed)
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn(websocket.StatusNormalClosure, "shutdown")
	s.wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.pool.Shutdown(drainCtx)
}

// Subscribe parses the channels, adds the new ones to the live set, and
// issues the venue subscribe request. Already-live channels are skipped, so
// the call is idempotent.
func (s *Supervisor) Subscribe(ctx context.Context, channels []string) error {
	parsed, err := parseAll(channels)
	if err != nil {
		return err
	}
	fresh := s.subs.add(parsed)
	if len(fresh) == 0 {
		return nil
	}
	if s.currentConn() == nil {
		return nil
	}
	return s.sendControl(ctx, "SUBSCRIBE", fresh)
}

// Unsubscribe mirrors Subscribe.
func (s *Supervisor) Unsubscribe(ctx context.Context, channels []string) error {
	parsed, err := parseAll(channels)
	if err != nil {
		return err
	}
	removed := s.subs.remove(parsed)
	if len(removed) == 0 {
		return nil
	}
	if s.currentConn() == nil {
		return nil
	}
	return s.sendControl(ctx, "UNSUBSCRIBE", removed)
}

// AddMessageCallback registers an observer for every normalized event.
func (s *Supervisor) AddMessageCallback(fn MessageCallback) {
	if fn == nil {
		return
	}
	s.callbackMu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.callbackMu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// IsHealthy reports whether the supervisor is connected and reading.
func (s *Supervisor) IsHealthy() bool {
	switch s.State() {
	case StateConnected, StateSubscribing, StateReading:
		return true
	default:
		return false
	}
}

// Stats is the connection-state inspector snapshot.
type Stats struct {
	State         string `json:"state"`
	Frames        uint64 `json:"frames"`
	ParseErrors   uint64 `json:"parseErrors"`
	EventsEmitted uint64 `json:"eventsEmitted"`
	Reconnects    uint64 `json:"reconnects"`
	Subscriptions int    `json:"subscriptions"`
}

// GetStats returns a snapshot of ingestion counters.
func (s *Supervisor) GetStats() Stats {
	return Stats{
		State:         s.State().String(),
		Frames:        s.frames.Load(),
		ParseErrors:   s.parseErrors.Load(),
		EventsEmitted: s.emitted.Load(),
		Reconnects:    s.reconnects.Load(),
		Subscriptions: s.subs.len(),
	}
}

// Subscriptions returns the live channel set in wire form.
func (s *Supervisor) Subscriptions() []string {
	snapshot := s.subs.snapshot()
	out := make([]string, len(snapshot))
	for i, ch := range snapshot {
		out[i] = ch.Wire()
	}
	return out
}

func (s *Supervisor) readLoop() {
	defer s.wg.Done()
	consecutive := 0

	for {
		if s.ctx.Err() != nil {
			return
		}
		conn := s.currentConn()
		if conn == nil {
			if !s.reconnect("connection lost") {
				return
			}
			consecutive = 0
			continue
		}

		frameCtx, cancel := context.WithTimeout(s.ctx, s.cfg.FrameTimeout.Std())
		_, data, err := conn.Read(frameCtx)
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Idle stream; keep observing the stop signal.
				continue
			}
			if !s.reconnect(err.Error()) {
				return
			}
			consecutive = 0
			continue
		}

		s.frames.Add(1)
		s.metrics.addFrame(s.ctx)

		if s.handleFrame(data) {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive >= s.cfg.MaxFrameErrors {
			if !s.reconnect(fmt.Sprintf("%d consecutive frame errors", consecutive)) {
				return
			}
			consecutive = 0
		}
	}
}

// handleFrame reports whether the frame was consumed cleanly. Control
// responses count as clean; malformed market frames do not.
func (s *Supervisor) handleFrame(data []byte) bool {
	var resp controlResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
		if resp.Error != nil {
			observability.Log().Warn("venue control error",
				observability.F("venue", s.cfg.Venue),
				observability.F("code", resp.Error.Code),
				observability.F("msg", resp.Error.Msg),
			)
		}
		return true
	}

	evt, err := s.normalizer.Normalize(data, time.Now())
	if err != nil {
		s.parseErrors.Add(1)
		s.metrics.addParseError(s.ctx)
		observability.Log().Debug("dropped malformed frame",
			observability.F("venue", s.cfg.Venue),
			observability.F("error", err.Error()),
		)
		return false
	}

	s.sink.Put(evt, false, 0)
	s.emitted.Add(1)
	s.metrics.addEvent(s.ctx)
	s.fanOut(evt)
	return true
}

func (s *Supervisor) fanOut(evt *schema.Event) {
	s.callbackMu.RLock()
	callbacks := s.callbacks
	s.callbackMu.RUnlock()
	for _, cb := range callbacks {
		if err := s.pool.Submit(s.ctx, func(context.Context) error {
			cb(evt)
			return nil
		}); err != nil {
			observability.Log().Debug("callback dropped",
				observability.F("venue", s.cfg.Venue),
				observability.F("error", err.Error()),
			)
		}
	}
}

// reconnect runs the retry budget: linear delay (reconnect_delay times the
// attempt number) bounded by max_reconnect_attempts. Subscriptions are
// restored before the read loop resumes. It reports whether reading may
// continue; on exhaustion the supervisor closes and emits a critical
// connection event.
func (s *Supervisor) reconnect(reason string) bool {
	s.setState(StateReconnecting)
	s.closeConn(websocket.StatusGoingAway, "reconnecting")
	observability.Log().Warn("connection lost",
		observability.F("venue", s.cfg.Venue),
		observability.F("reason", reason),
	)

	attempts := 0
	operation := func() (Conn, error) {
		attempts++
		s.reconnects.Add(1)
		s.metrics.addReconnect(s.ctx)
		return s.dialer(s.ctx, s.cfg.URL)
	}
	conn, err := backoff.Retry(s.ctx, operation,
		backoff.WithBackOff(&linearBackOff{step: s.cfg.ReconnectDelay.Std()}),
		backoff.WithMaxTries(uint(s.cfg.MaxReconnectAttempts)),
	)
	if err != nil {
		if s.ctx.Err() != nil && s.State() == StateClosed {
			return false
		}
		s.giveUp(attempts, reason)
		return false
	}

	s.setConn(conn)
	s.setState(StateSubscribing)
	if err := s.restoreSubscriptions(); err != nil {
		observability.Log().Warn("subscription replay failed",
			observability.F("venue", s.cfg.Venue),
			observability.F("error", err.Error()),
		)
	}
	s.setState(StateReading)
	s.sink.Put(schema.NewEvent(schema.EventTypeConnection, schema.ConnectionPayload{
		Exchange: s.cfg.Venue,
		State:    StateReading.String(),
		Attempts: attempts,
		At:       time.Now().UTC(),
	}, schema.PriorityNormal, ""), false, 0)
	return true
}

// giveUp transitions to CLOSED and notifies the dispatcher with a critical
// event so the outage is observable downstream.
func (s *Supervisor) giveUp(attempts int, reason string) {
	s.setState(StateClosed)
	s.sink.Put(schema.NewEvent(schema.EventTypeConnection, schema.ConnectionPayload{
		Exchange: s.cfg.Venue,
		State:    StateClosed.String(),
		Attempts: attempts,
		Reason:   reason,
		At:       time.Now().UTC(),
	}, schema.PriorityCritical, ""), true, time.Second)
	observability.Log().Error("reconnect budget exhausted",
		observability.F("venue", s.cfg.Venue),
		observability.F("attempts", attempts),
		observability.F("reason", reason),
	)
	if s.cancel != nil {
		s.cancel()
	}
}

// restoreSubscriptions replays the live set. Runs before readers resume so
// no frame arrives for a channel the venue does not know about.
func (s *Supervisor) restoreSubscriptions() error {
	snapshot := s.subs.snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	return s.sendControl(s.ctx, "SUBSCRIBE", snapshot)
}

// sendControl writes SUBSCRIBE/UNSUBSCRIBE requests, chunked and paced to
// the venue control-message budget.
func (s *Supervisor) sendControl(ctx context.Context, method string, channels []Channel) error {
	conn := s.currentConn()
	if conn == nil {
		return errs.New("ingest/supervisor", errs.CodeConnection,
			errs.WithMessage("not connected"), errs.WithVenue(s.cfg.Venue))
	}

	params := make([]string, len(channels))
	for i, ch := range channels {
		params[i] = ch.Wire()
	}

	for start := 0; start < len(params); start += maxStreamsPerRequest {
		end := min(start+maxStreamsPerRequest, len(params))
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pace %s: %w", method, err)
		}
		req := controlRequest{Method: method, Params: params[start:end], ID: s.msgID.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}
		writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return errs.New("ingest/supervisor", errs.CodeConnection,
				errs.WithMessage(fmt.Sprintf("write %s", method)),
				errs.WithVenue(s.cfg.Venue), errs.WithCause(err))
		}
	}
	return nil
}

// heartbeat pings at the configured interval; a failed ping closes the
// connection so the read loop enters the reconnect path.
func (s *Supervisor) heartbeat() {
	defer s.wg.Done()
	interval := s.cfg.PingInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		conn := s.currentConn()
		if conn == nil {
			continue
		}
		pingCtx, cancel := context.WithTimeout(s.ctx, s.cfg.FrameTimeout.Std())
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil && s.ctx.Err() == nil {
			observability.Log().Warn("heartbeat failed",
				observability.F("venue", s.cfg.Venue),
				observability.F("error", err.Error()),
			)
			s.closeConn(websocket.StatusGoingAway, "pong timeout")
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Supervisor) setConn(conn Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Supervisor) currentConn() Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Supervisor) closeConn(code websocket.StatusCode, reason string) {
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(code, reason)
		s.conn = nil
	}
	s.connMu.Unlock()
}

func parseAll(raw []string) ([]Channel, error) {
	out := make([]Channel, 0, len(raw))
	for _, r := range raw {
		ch, err := ParseChannel(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// linearBackOff grows the wait linearly with the attempt number.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return l.step * time.Duration(l.attempt)
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}
