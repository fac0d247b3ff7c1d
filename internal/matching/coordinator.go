package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/metrics"
)

// Config holds the coordinator's timing policy.
type Config struct {
	MaxWait           time.Duration // how long an entry may wait before the sweep evicts it
	SweepInterval     time.Duration // how often Run calls Tick
	FinishedRetention time.Duration // how long finished sessions stay in the current view
	HistoryWindow     time.Duration // how far back in-process history reaches; zero keeps everything
	Matcher           Matcher
}

// maxPending caps the sessions held back for a failing Archiver. The oldest
// are dropped first.
const maxPending = 10000

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:           15 * time.Minute,
		SweepInterval:     5 * time.Second,
		FinishedRetention: 10 * time.Minute,
		HistoryWindow:     30 * 24 * time.Hour,
		Matcher:           DefaultMatcher(),
	}
}

// Archiver persists sessions that left the current view.
type Archiver interface {
	Archive(ctx context.Context, sessions []Session) error
}

// SearchResult is the outcome of a Search call.
type SearchResult struct {
	Status  MeetStatus    `json:"status"`
	Session *Session      `json:"session,omitempty"`
	Entry   *WaitingEntry `json:"entry,omitempty"`
}

// StatusView is a point-in-time view of a user's meet state.
type StatusView struct {
	Status  MeetStatus    `json:"status"`
	Session *Session      `json:"session,omitempty"`
	Entry   *WaitingEntry `json:"entry,omitempty"`
}

// Coordinator owns the SearchPool and SessionRegistry and is the only place
// where meet statuses change. A single RWMutex serializes every pairing step,
// cancellation and sweep; read-only queries share the read lock.
type Coordinator struct {
	cfg      Config
	mu       sync.RWMutex
	pool     *SearchPool
	registry *SessionRegistry
	notifier Notifier
	archiver Archiver

	archiveMu sync.Mutex
	pending   []Session // archived sessions the Archiver has not accepted yet

	now    func() time.Time
	log    zerolog.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator. notifier and archiver may be nil.
func NewCoordinator(cfg Config, notifier Notifier, archiver Archiver) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		registry: NewSessionRegistry(),
		notifier: notifier,
		archiver: archiver,
		now:      time.Now,
		log:      logging.For("matcher"),
		tracer:   otel.Tracer("github.com/coffeemeet/meet-app/internal/matching"),
	}
	c.pool = NewSearchPool(c.registry.IsActive)
	return c
}

// Seed loads archived FINISHED sessions so ListFinished covers them.
func (c *Coordinator) Seed(sessions []Session) {
	c.mu.Lock()
	c.registry.Seed(sessions)
	c.mu.Unlock()
	c.log.Info().Int("sessions", len(sessions)).Msg("history seeded")
}

// Status returns ACTIVE if the user is in a live session, SEARCH if waiting in
// the pool and NONE otherwise.
func (c *Coordinator) Status(user UserID) MeetStatus {
	return c.Snapshot(user).Status
}

// Snapshot is Status plus the live session or waiting entry behind it.
func (c *Coordinator) Snapshot(user UserID) StatusView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.registry.StatusOf(user); ok && s.Status == StatusActive {
		return StatusView{Status: StatusActive, Session: &s}
	}
	if entry, ok := c.pool.Lookup(user); ok {
		return StatusView{Status: StatusSearch, Entry: &entry}
	}
	return StatusView{Status: StatusNone}
}

// Search admits the user into the pool and makes one pairing attempt. It
// never waits for a future partner. The only error is ErrInvalidParams;
// internal failures are reported as StatusError with nothing half-applied.
func (c *Coordinator) Search(ctx context.Context, user UserID, params SearchParams) (SearchResult, error) {
	if err := params.Validate(); err != nil {
		return SearchResult{}, err
	}
	params = params.Normalize()

	_, span := c.tracer.Start(ctx, "matching.search", trace.WithAttributes(
		attribute.String("user.id", string(user)),
		attribute.String("building", params.Building),
	))
	defer span.End()

	c.mu.Lock()
	now := c.now()

	if s, ok := c.registry.StatusOf(user); ok && s.Status == StatusActive {
		c.mu.Unlock()
		span.SetAttributes(attribute.String("meet.status", string(StatusActive)))
		metrics.SearchTotal.WithLabelValues("already_active").Inc()
		return SearchResult{Status: StatusActive, Session: &s}, nil
	}

	self, err := c.pool.Admit(user, params, now)
	if err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Str("user", string(user)).Time("at", now).
			Msg("admit refused for user without active session")
		span.SetStatus(codes.Error, err.Error())
		metrics.SearchTotal.WithLabelValues("error").Inc()
		return SearchResult{Status: StatusError}, nil
	}

	partner, score, found := c.cfg.Matcher.SelectPartner(self, c.candidates(self, now))
	if !found {
		poolSize := c.pool.Len()
		c.mu.Unlock()
		metrics.SearchPoolSize.Set(float64(poolSize))
		metrics.SearchTotal.WithLabelValues("waiting").Inc()
		span.SetAttributes(attribute.String("meet.status", string(StatusSearch)))
		c.log.Debug().Str("user", string(user)).Int("pool", poolSize).Msg("waiting for partner")
		return SearchResult{Status: StatusSearch, Entry: &self}, nil
	}

	session, err := c.pair(self, partner, now)
	poolSize, active := c.pool.Len(), c.registry.ActiveCount()
	c.mu.Unlock()

	metrics.SearchPoolSize.Set(float64(poolSize))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.SearchTotal.WithLabelValues("error").Inc()
		return SearchResult{Status: StatusError}, nil
	}

	metrics.ActiveSessions.Set(float64(active))
	metrics.SearchTotal.WithLabelValues("matched").Inc()
	metrics.MatchWait.Observe(now.Sub(partner.EnteredAt).Seconds())
	span.SetAttributes(
		attribute.String("meet.status", string(StatusActive)),
		attribute.String("session.id", session.ID),
		attribute.Float64("match.score", score),
	)
	c.log.Info().
		Str("session", session.ID).
		Str("user_a", string(session.ParticipantA)).
		Str("user_b", string(session.ParticipantB)).
		Float64("score", score).
		Msg("match found")

	c.emit(ctx, matchedEvents(session)...)
	return SearchResult{Status: StatusActive, Session: &session}, nil
}

// candidates returns the waiting entries self may be paired with: everyone
// but self, oldest first, excluding entries the next sweep would evict.
func (c *Coordinator) candidates(self WaitingEntry, now time.Time) []WaitingEntry {
	snapshot := c.pool.Snapshot()
	out := snapshot[:0]
	for _, entry := range snapshot {
		if entry.UserID == self.UserID {
			continue
		}
		if c.cfg.MaxWait > 0 && now.Sub(entry.EnteredAt) >= c.cfg.MaxWait {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// pair withdraws both entries and opens their session. If the registry
// refuses, both entries are put back exactly as they were. Must be called
// with c.mu held.
func (c *Coordinator) pair(self, partner WaitingEntry, now time.Time) (Session, error) {
	withdrewSelf := c.pool.Withdraw(self.UserID)
	if !withdrewSelf || !c.pool.Withdraw(partner.UserID) {
		if withdrewSelf {
			c.pool.restore(self)
		}
		c.log.Error().
			Str("user_a", string(self.UserID)).
			Str("user_b", string(partner.UserID)).
			Time("entered_a", self.EnteredAt).
			Time("entered_b", partner.EnteredAt).
			Msg("pairing selected an entry missing from the pool")
		return Session{}, ErrDuplicateParticipant
	}

	session, err := c.registry.Open(self.UserID, partner.UserID, now)
	if err != nil {
		c.pool.restore(self)
		c.pool.restore(partner)
		c.log.Error().Err(err).
			Str("user_a", string(self.UserID)).
			Str("user_b", string(partner.UserID)).
			Time("entered_a", self.EnteredAt).
			Time("entered_b", partner.EnteredAt).
			Time("at", now).
			Msg("pairing aborted")
		return Session{}, err
	}
	return session, nil
}

// Cancel withdraws a waiting user. FAILURE means the user was not searching,
// which includes users already in an active session.
func (c *Coordinator) Cancel(ctx context.Context, user UserID) CancelStatus {
	c.mu.Lock()
	removed := c.pool.Withdraw(user)
	poolSize := c.pool.Len()
	c.mu.Unlock()

	if !removed {
		metrics.CancelTotal.WithLabelValues(string(CancelFailure)).Inc()
		return CancelFailure
	}

	metrics.CancelTotal.WithLabelValues(string(CancelSuccess)).Inc()
	metrics.SearchPoolSize.Set(float64(poolSize))
	c.log.Info().Str("user", string(user)).Msg("search cancelled")
	c.emit(ctx, Event{Type: EventCancelled, UserID: user, Status: StatusNone, At: c.now()})
	return CancelSuccess
}

// Finish ends the user's ACTIVE session with outcome. It returns false if the
// user has no active session.
func (c *Coordinator) Finish(ctx context.Context, user UserID, outcome MeetStatus) bool {
	c.mu.Lock()
	now := c.now()
	s, ok := c.registry.StatusOf(user)
	if !ok || s.Status != StatusActive || !c.registry.Finish(s.ID, outcome, now) {
		c.mu.Unlock()
		return false
	}
	active := c.registry.ActiveCount()
	s, _ = c.registry.StatusOf(user)
	c.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))
	metrics.FinishedTotal.WithLabelValues(string(outcome)).Inc()
	c.log.Info().
		Str("session", s.ID).
		Str("by", string(user)).
		Str("outcome", string(outcome)).
		Msg("session finished")

	c.emit(ctx, finishedEvents(s)...)
	return true
}

// ListFinished returns the user's finished sessions, most recent first.
func (c *Coordinator) ListFinished(user UserID) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.HistoryOf(user)
}

// Tick evicts stale searchers and archives finished sessions. Evicted users
// are owed nothing beyond removal; their next status query reports NONE.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) []UserID {
	c.mu.Lock()
	var expired []UserID
	if c.cfg.MaxWait > 0 {
		expired = c.pool.Expire(now, c.cfg.MaxWait)
	}
	archived := c.registry.Archive(now, c.cfg.FinishedRetention)
	if c.cfg.HistoryWindow > 0 {
		c.registry.TrimHistory(now.Add(-c.cfg.HistoryWindow))
	}
	poolSize := c.pool.Len()
	c.mu.Unlock()

	metrics.SearchPoolSize.Set(float64(poolSize))
	if len(expired) > 0 {
		metrics.ExpiredTotal.Add(float64(len(expired)))
		c.log.Info().Int("expired", len(expired)).Msg("sweep: evicted stale searchers")
		events := make([]Event, 0, len(expired))
		for _, user := range expired {
			events = append(events, Event{Type: EventExpired, UserID: user, Status: StatusNone, At: now})
		}
		c.emit(ctx, events...)
	}

	c.archive(ctx, archived)
	return expired
}

// archive hands sessions to the Archiver, retrying earlier failures first.
func (c *Coordinator) archive(ctx context.Context, sessions []Session) {
	if c.archiver == nil {
		return
	}

	c.archiveMu.Lock()
	defer c.archiveMu.Unlock()

	batch := append(c.pending, sessions...)
	if len(batch) == 0 {
		return
	}
	if err := c.archiver.Archive(ctx, batch); err != nil {
		if over := len(batch) - maxPending; over > 0 {
			c.log.Error().Int("dropped", over).Msg("sweep: archive backlog full, dropping oldest sessions")
			batch = batch[over:]
		}
		c.pending = batch
		c.log.Error().Err(err).Int("sessions", len(batch)).Msg("sweep: archive failed, will retry")
		return
	}
	c.pending = nil
	c.log.Debug().Int("sessions", len(batch)).Msg("sweep: sessions archived")
}

// Run calls Tick every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.log.Info().
		Dur("interval", c.cfg.SweepInterval).
		Dur("max_wait", c.cfg.MaxWait).
		Msg("sweep loop started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("sweep loop stopped")
			return
		case <-ticker.C:
			c.Tick(ctx, c.now())
		}
	}
}

// Flush archives every FINISHED and ERROR session still in the current view,
// regardless of retention, together with any earlier failed batch. It is
// meant for shutdown, after Run has returned. The in-process history keeps
// the flushed FINISHED sessions.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	flushed := c.registry.Archive(c.now(), 0)
	c.mu.Unlock()

	c.archive(ctx, flushed)

	c.archiveMu.Lock()
	left := len(c.pending)
	c.archiveMu.Unlock()
	if left > 0 {
		return fmt.Errorf("matching: %d sessions could not be archived", left)
	}
	c.log.Info().Int("sessions", len(flushed)).Msg("finished sessions flushed")
	return nil
}

func (c *Coordinator) emit(ctx context.Context, events ...Event) {
	if c.notifier == nil {
		return
	}
	for _, ev := range events {
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.log.Warn().Err(err).
				Str("event", string(ev.Type)).
				Str("user", string(ev.UserID)).
				Msg("notify failed")
		}
	}
}
