// Package send turns a "send this text" intent into an optimistic message
// and a delivery attempt over the live transport, falling back to the
// request/response API.
package send

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"Tradechat/internal/clock"
	"Tradechat/internal/event"
	"Tradechat/internal/model"
	"Tradechat/internal/repo"
	"Tradechat/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEmptyContent = errors.New("send: content is empty")
	ErrClosed       = errors.New("send: pipeline closed")
	ErrNotPersisted = errors.New("send: message not found in history")
	ErrNoFallback   = errors.New("send: no fallback configured")
)

// Path is the delivery route of a pending send.
type Path string

const (
	PathTransport Path = "transport"
	PathFallback  Path = "fallback"
)

// Session is the part of the live transport the pipeline publishes on.
type Session interface {
	Publish(ctx context.Context, name string, payload any) bool
	IsConnected() bool
}

// Store is the message store operations the pipeline drives.
type Store interface {
	Append(msg model.Message) (bool, error)
	Get(id string) (model.Message, bool)
	UpdateStatus(id string, status model.MessageStatus) (bool, error)
	Reconcile(tempID string, confirmed model.Message) (bool, error)
	Resend(failedID string, fresh model.Message) error
}

// Config tunes the pipeline.
type Config struct {
	// ConfirmTimeout is how long a published send may wait for the
	// server's correlated newMessage before history is checked.
	ConfirmTimeout time.Duration
}

// DefaultConfig returns a 10s confirmation window.
func DefaultConfig() Config {
	return Config{ConfirmTimeout: 10 * time.Second}
}

// PendingSend links an optimistic message to its delivery attempt. It
// lives only until the message is reconciled or failed.
type PendingSend struct {
	TempID    string
	Content   string
	Path      Path
	StartedAt time.Time

	timer *clock.Timer
}

// Stats counts pipeline outcomes for diagnostics.
type Stats struct {
	Pending   int
	Confirmed int
	Failed    int
	Fallbacks int
	Verified  int
}

// Pipeline is per conversation.
type Pipeline struct {
	conversationID string
	selfID         string
	cfg            Config
	session        Session
	fallback       repo.MessageRepository
	store          Store
	clock          clock.Clock
	logger         *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingSend
	stats   Stats
	closed  bool

	wg sync.WaitGroup
}

// NewPipeline wires a pipeline for one conversation.
func NewPipeline(conversationID, selfID string, cfg Config, session Session, fallback repo.MessageRepository, st Store, c clock.Clock, logger *zap.Logger) *Pipeline {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		conversationID: conversationID,
		selfID:         selfID,
		cfg:            cfg,
		session:        session,
		fallback:       fallback,
		store:          st,
		clock:          c,
		logger:         logger.Named("send").With(zap.String("conversation_id", conversationID)),
		pending:        make(map[string]*PendingSend),
	}
}

// Send appends an optimistic message for content and starts delivery in
// the background. It returns the temporary id right away.
func (p *Pipeline) Send(ctx context.Context, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}

	tempID := newTempID()
	msg := model.Message{
		ID:             tempID,
		ClientTempID:   tempID,
		ConversationID: p.conversationID,
		SenderID:       p.selfID,
		Content:        content,
		SentAt:         p.clock.Now(),
		Status:         model.MessageStatusSending,
		Pending:        true,
	}

	ps, err := p.track(tempID, content)
	if err != nil {
		return "", err
	}
	if _, err := p.store.Append(msg); err != nil {
		p.untrack(tempID)
		return "", err
	}

	p.spawn(ctx, func(ctx context.Context) { p.deliver(ctx, ps) })
	return tempID, nil
}

// Retry replaces the failed message failedID in place with a fresh
// optimistic copy and delivers it again. The new temporary id is returned.
func (p *Pipeline) Retry(ctx context.Context, failedID string) (string, error) {
	old, ok := p.store.Get(failedID)
	if !ok {
		return "", store.ErrNotFound
	}
	if old.Status != model.MessageStatusFailed {
		return "", store.ErrNotFailed
	}

	tempID := newTempID()
	fresh := old
	fresh.ID = tempID
	fresh.ClientTempID = tempID
	fresh.SentAt = p.clock.Now()

	ps, err := p.track(tempID, old.Content)
	if err != nil {
		return "", err
	}
	if err := p.store.Resend(failedID, fresh); err != nil {
		p.untrack(tempID)
		return "", err
	}

	p.logger.Info("retrying failed message",
		zap.String("failed_id", failedID),
		zap.String("temp_id", tempID),
	)
	p.spawn(ctx, func(ctx context.Context) { p.deliver(ctx, ps) })
	return tempID, nil
}

// HandleConfirmed consumes an inbound newMessage. Messages authored by
// the local user that carry a client temp id reconcile the optimistic
// entry; HandleConfirmed returns false for anything else so the caller
// can append it.
func (p *Pipeline) HandleConfirmed(msg model.Message) bool {
	if msg.ClientTempID == "" || !msg.IsFrom(p.selfID) {
		return false
	}
	if msg.ConversationID != "" && msg.ConversationID != p.conversationID {
		return false
	}
	p.confirm(msg.ClientTempID, msg)
	return true
}

// Pending returns a snapshot of sends awaiting confirmation.
func (p *Pipeline) Pending() []PendingSend {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PendingSend, 0, len(p.pending))
	for _, ps := range p.pending {
		out = append(out, PendingSend{TempID: ps.TempID, Content: ps.Content, Path: ps.Path, StartedAt: ps.StartedAt})
	}
	return out
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Pending = len(p.pending)
	return st
}

// Wait blocks until background delivery work has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close stops confirmation timers and rejects new sends. Requests already
// in flight are not cancelled.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	for _, ps := range p.pending {
		if ps.timer != nil {
			ps.timer.Stop()
		}
	}
	p.mu.Unlock()
}

func (p *Pipeline) track(tempID, content string) (*PendingSend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	ps := &PendingSend{TempID: tempID, Content: content, StartedAt: p.clock.Now()}
	p.pending[tempID] = ps
	return ps, nil
}

func (p *Pipeline) untrack(tempID string) *PendingSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.pending[tempID]
	if !ok {
		return nil
	}
	delete(p.pending, tempID)
	if ps.timer != nil {
		ps.timer.Stop()
	}
	return ps
}

func (p *Pipeline) isPending(tempID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[tempID]
	return ok
}

// spawn runs fn in the background with a context that outlives the
// caller's cancellation.
func (p *Pipeline) spawn(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ctx)
	}()
}

func (p *Pipeline) deliver(ctx context.Context, ps *PendingSend) {
	if p.session != nil && p.session.IsConnected() {
		sent := p.session.Publish(ctx, event.EventSendMessage, event.SendMessagePayload{
			ConversationID: p.conversationID,
			Content:        ps.Content,
			ClientTempID:   ps.TempID,
		})
		if sent {
			p.awaitConfirmation(ps)
			return
		}
		p.logger.Warn("live publish failed, using fallback", zap.String("temp_id", ps.TempID))
	}
	p.sendFallback(ctx, ps)
}

// awaitConfirmation arms the confirmation timer. Only the correlated
// newMessage moves the message past sending.
func (p *Pipeline) awaitConfirmation(ps *PendingSend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[ps.TempID]; !ok {
		return
	}
	ps.Path = PathTransport
	if p.closed {
		return
	}
	tempID := ps.TempID
	ps.timer = p.clock.AfterFunc(p.cfg.ConfirmTimeout, func() {
		p.spawn(context.Background(), func(ctx context.Context) {
			if !p.isPending(tempID) {
				return
			}
			p.logger.Warn("no confirmation in time, checking history", zap.String("temp_id", tempID))
			p.verify(ctx, tempID)
		})
	})
}

func (p *Pipeline) sendFallback(ctx context.Context, ps *PendingSend) {
	p.mu.Lock()
	ps.Path = PathFallback
	p.stats.Fallbacks++
	p.mu.Unlock()

	if p.fallback == nil {
		p.fail(ps.TempID, ErrNoFallback)
		return
	}
	msg, err := p.fallback.SendMessage(ctx, p.conversationID, ps.Content, ps.TempID)
	switch {
	case err == nil:
		if msg.ClientTempID == "" {
			msg.ClientTempID = ps.TempID
		}
		p.confirm(ps.TempID, msg)
	case repo.IsNotificationSideEffect(err):
		p.logger.Info("send hit notification side effect, verifying persistence",
			zap.String("temp_id", ps.TempID),
			zap.Error(err),
		)
		p.verify(ctx, ps.TempID)
	default:
		p.fail(ps.TempID, err)
	}
}

// verify looks the optimistic message up in the persisted history by its
// client temp id.
func (p *Pipeline) verify(ctx context.Context, tempID string) {
	if p.fallback == nil {
		p.fail(tempID, ErrNoFallback)
		return
	}
	history, err := p.fallback.GetMessages(ctx, p.conversationID)
	if err != nil {
		p.fail(tempID, err)
		return
	}
	for _, m := range history {
		if m.ClientTempID == tempID {
			p.mu.Lock()
			p.stats.Verified++
			p.mu.Unlock()
			p.confirm(tempID, m)
			return
		}
	}
	p.fail(tempID, ErrNotPersisted)
}

func (p *Pipeline) confirm(tempID string, msg model.Message) {
	if p.untrack(tempID) != nil {
		p.mu.Lock()
		p.stats.Confirmed++
		p.mu.Unlock()
	}

	if _, err := p.store.Reconcile(tempID, msg); err != nil {
		p.logger.Warn("could not reconcile confirmed message",
			zap.String("temp_id", tempID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// fail marks the message failed unless it was confirmed meanwhile.
func (p *Pipeline) fail(tempID string, cause error) {
	if p.untrack(tempID) == nil {
		return
	}
	p.mu.Lock()
	p.stats.Failed++
	p.mu.Unlock()

	if _, err := p.store.UpdateStatus(tempID, model.MessageStatusFailed); err != nil {
		p.logger.Debug("failed message no longer in store", zap.String("temp_id", tempID), zap.Error(err))
	}
	p.logger.Error("message send failed", zap.String("temp_id", tempID), zap.Error(cause))
}

func newTempID() string {
	return "tmp-" + uuid.NewString()
}
