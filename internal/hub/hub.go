// Package hub fans initialization progress out to every live channel
// watching a study.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"study-init/backend/internal/observability"
	"study-init/backend/pkg/models"
)

// Admission errors. Each maps to a close code sent before the channel is
// torn down.
var (
	ErrNoCredential      = errors.New("no credential provided")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrForbidden         = errors.New("access to study denied")
	ErrStudyNotFound     = errors.New("study not found")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("hub is closed")
)

// Close codes sent to clients.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	CloseInternalError     = 1011
	CloseTryAgainLater     = 1013
	CloseNoCredential      = 4001
	CloseInvalidCredential = 4002
	CloseForbidden         = 4003
	CloseStudyNotFound     = 4004
)

// CloseCode returns the close code for an admission error.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, ErrNoCredential):
		return CloseNoCredential
	case errors.Is(err, ErrInvalidCredential):
		return CloseInvalidCredential
	case errors.Is(err, ErrForbidden):
		return CloseForbidden
	case errors.Is(err, ErrStudyNotFound):
		return CloseStudyNotFound
	}
	return CloseInternalError
}

// Conn is the transport under a channel. WriteMessage is only called from
// the channel's writer goroutine; Close may be called from any goroutine.
type Conn interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// StateSource provides the status snapshot sent on connect.
type StateSource interface {
	GetInitState(ctx context.Context, studyID string) (*models.StudyInitState, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config tunes channel buffering and keepalive.
type Config struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

// DefaultConfig returns the stock channel settings.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   32,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// Hub is the registry study -> user -> channels.
type Hub struct {
	states  StateSource
	logger  Logger
	metrics *observability.Metrics
	cfg     Config

	mu      sync.RWMutex
	studies map[string]*bucket
	closed  bool
}

// bucket holds the channels of one study.
type bucket struct {
	mu    sync.Mutex
	users map[string]map[*Channel]struct{}
}

// New creates a Hub.
func New(states StateSource, logger Logger, metrics *observability.Metrics, cfg Config) *Hub {
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	return &Hub{
		states:  states,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		studies: make(map[string]*bucket),
	}
}

// Connect admits and registers a channel. authorize runs first; on failure
// the connection is closed with the matching close code. On success the
// client receives a connection ack followed by a current_status snapshot.
func (h *Hub) Connect(ctx context.Context, conn Conn, studyID, userID string, authorize func(context.Context) error) (*Channel, error) {
	if authorize != nil {
		if err := authorize(ctx); err != nil {
			code := CloseCode(err)
			h.logger.Info("Channel rejected", "study_id", studyID, "user_id", userID, "code", code, "error", err)
			_ = conn.Close(code, err.Error())
			return nil, err
		}
	}

	ch := newChannel(h, conn, studyID, userID, h.cfg.SendBuffer)
	h.send(ch, models.Event{
		Type:      models.EventConnection,
		Timestamp: time.Now().UTC(),
		StudyID:   studyID,
		UserID:    userID,
		Message:   "Connected to study progress",
	})

	if err := h.register(ch); err != nil {
		_ = conn.Close(CloseGoingAway, err.Error())
		return nil, err
	}
	h.metrics.ChannelOpened(ctx)
	go ch.writeLoop()

	h.logger.Debug("Channel connected", "study_id", studyID, "user_id", userID)
	h.sendStatus(ctx, ch)
	return ch, nil
}

// Disconnect closes a channel normally. It is safe to call more than once.
func (h *Hub) Disconnect(ch *Channel) {
	ch.close(CloseNormal, "")
}

// Broadcast delivers an event to every channel of the study in the order
// Broadcast is called. Channels whose queue is full are disconnected.
func (h *Hub) Broadcast(studyID string, event models.Event) {
	h.mu.RLock()
	b, ok := h.studies[studyID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.mu.RUnlock()
		h.logger.Error("Failed to encode event", "study_id", studyID, "type", event.Type, "error", err)
		return
	}

	var slow []*Channel
	b.mu.Lock()
	for _, chans := range b.users {
		for ch := range chans {
			if !ch.enqueue(data) {
				slow = append(slow, ch)
			}
		}
	}
	b.mu.Unlock()
	h.mu.RUnlock()

	for _, ch := range slow {
		h.logger.Warn("Dropping slow channel", "study_id", studyID, "user_id", ch.userID)
		h.metrics.SendDropped(context.Background())
		ch.close(CloseTryAgainLater, "send queue full")
	}
}

// HandleMessage answers a client message.
func (h *Hub) HandleMessage(ctx context.Context, ch *Channel, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.send(ch, models.NewErrorEvent(ch.studyID, "", "invalid message: "+err.Error()))
		return
	}
	switch msg.Type {
	case models.ClientPing:
		h.send(ch, models.Event{Type: models.EventPong, Timestamp: time.Now().UTC(), StudyID: ch.studyID})
	case models.ClientRequestStatus:
		h.sendStatus(ctx, ch)
	default:
		h.send(ch, models.NewErrorEvent(ch.studyID, "", fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

// Close disconnects every channel and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Channel
	for _, b := range h.studies {
		b.mu.Lock()
		for _, chans := range b.users {
			for ch := range chans {
				all = append(all, ch)
			}
		}
		b.mu.Unlock()
	}
	h.mu.Unlock()

	for _, ch := range all {
		ch.close(CloseGoingAway, "server shutting down")
	}
	h.logger.Info("Progress hub closed", "channels", len(all))
}

// StudyCount returns the number of studies with at least one channel.
func (h *Hub) StudyCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.studies)
}

// UserCount returns the number of users watching a study.
func (h *Hub) UserCount(studyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.studies[studyID]
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users)
}

// ChannelCount returns the number of channels watching a study.
func (h *Hub) ChannelCount(studyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.studies[studyID]
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, chans := range b.users {
		n += len(chans)
	}
	return n
}

func (h *Hub) register(ch *Channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	b, ok := h.studies[ch.studyID]
	if !ok {
		b = &bucket{users: make(map[string]map[*Channel]struct{})}
		h.studies[ch.studyID] = b
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	chans, ok := b.users[ch.userID]
	if !ok {
		chans = make(map[*Channel]struct{})
		b.users[ch.userID] = chans
	}
	chans[ch] = struct{}{}
	return nil
}

// unregister removes a channel and prunes empty users and studies.
func (h *Hub) unregister(ch *Channel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.studies[ch.studyID]
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	chans, ok := b.users[ch.userID]
	if !ok {
		return false
	}
	if _, ok := chans[ch]; !ok {
		return false
	}
	delete(chans, ch)
	if len(chans) == 0 {
		delete(b.users, ch.userID)
	}
	if len(b.users) == 0 {
		delete(h.studies, ch.studyID)
	}
	return true
}

func (h *Hub) sendStatus(ctx context.Context, ch *Channel) {
	state, err := h.states.GetInitState(ctx, ch.studyID)
	if err != nil {
		h.logger.Warn("Failed to load status snapshot", "study_id", ch.studyID, "error", err)
		h.send(ch, models.NewErrorEvent(ch.studyID, "", "status unavailable"))
		return
	}
	h.send(ch, models.NewCurrentStatusEvent(state))
}

// send queues an event for a single channel.
func (h *Hub) send(ch *Channel, event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to encode event", "study_id", ch.studyID, "type", event.Type, "error", err)
		return
	}
	if !ch.enqueue(data) {
		h.metrics.SendDropped(context.Background())
		ch.close(CloseTryAgainLater, "send queue full")
	}
}
