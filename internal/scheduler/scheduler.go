// Package scheduler serialises turns per session. A session is either idle
// or has exactly one turn in flight; the goroutine that moved it to running
// owns its warm handle until the turn settles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/beanpuppy/retrobot/internal/affordance"
	"github.com/beanpuppy/retrobot/internal/chat"
	"github.com/beanpuppy/retrobot/internal/codec"
	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/corecache"
	"github.com/beanpuppy/retrobot/internal/emulator"
	"github.com/beanpuppy/retrobot/internal/model"
	"github.com/beanpuppy/retrobot/internal/store"
)

type Outcome string

const (
	OutcomeSelected  Outcome = "selected"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeQueued    Outcome = "queued"
)

// Request is one button press on a session's control row.
type Request struct {
	SessionID  string
	Label      string
	Multiplier int
	Message    chat.MessageRef
	Actor      string
}

type Deps struct {
	Sessions *store.Sessions
	Cache    *corecache.Cache
	Engine   emulator.Engine
	Platform chat.Platform
	Observer Observer
	Logger   *zap.Logger
}

type turn struct {
	req     Request
	session model.Session
	event   model.InputEvent
	seq     uint64
}

type slot struct {
	running   bool
	current   turn
	startedAt time.Time
	queue     []turn
}

type Scheduler struct {
	sessions  *store.Sessions
	cache     *corecache.Cache
	engine    emulator.Engine
	platform  chat.Platform
	observer  Observer
	logger    *zap.Logger
	policy    string
	uiTimeout time.Duration
	now       func() time.Time

	seq   atomic.Uint64
	mu    sync.Mutex
	slots map[string]*slot
}

func New(deps Deps, cfg config.Config) (*Scheduler, error) {
	if deps.Sessions == nil || deps.Cache == nil || deps.Engine == nil || deps.Platform == nil {
		return nil, errors.New("scheduler requires sessions, cache, engine and platform")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := deps.Observer
	if observer == nil {
		observer = ObserverFunc(func(TurnEvent) {})
	}
	uiTimeout := cfg.UITimeout
	if uiTimeout <= 0 {
		uiTimeout = 10 * time.Second
	}
	policy := cfg.TurnPolicy
	if policy == "" {
		policy = config.PolicyReject
	}
	return &Scheduler{
		sessions:  deps.Sessions,
		cache:     deps.Cache,
		engine:    deps.Engine,
		platform:  deps.Platform,
		observer:  observer,
		logger:    logger.Named("scheduler"),
		policy:    policy,
		uiTimeout: uiTimeout,
		now:       time.Now,
		slots:     map[string]*slot{},
	}, nil
}

// Submit handles one button press. Control presses block until the turn,
// and any turns queued behind it, have settled.
func (s *Scheduler) Submit(ctx context.Context, req Request) (Outcome, error) {
	session, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return OutcomeFailed, err
	}
	if codec.IsMultiplier(req.Label) {
		return s.selectMultiplier(ctx, session, req)
	}
	ev, ok := codec.InputFor(session.Platform, req.Label)
	if !ok {
		return OutcomeFailed, fmt.Errorf("%w: %q on %s", model.ErrUnrecognized, req.Label, session.Platform)
	}
	if req.Multiplier < 1 {
		req.Multiplier = 1
	}

	t := turn{req: req, session: session, event: ev}
	acquired, outcome := s.acquire(&t)
	if !acquired {
		s.publish(t, eventFor(outcome), nil)
		s.logger.Debug("turn not started",
			zap.String("session", req.SessionID),
			zap.String("label", req.Label),
			zap.String("outcome", string(outcome)),
		)
		return outcome, nil
	}

	// A started turn runs to completion regardless of the caller.
	runCtx := context.WithoutCancel(ctx)
	err = s.run(runCtx, t)
	for {
		next, ok := s.next(req.SessionID)
		if !ok {
			break
		}
		_ = s.run(runCtx, next)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeCompleted, nil
}

// selectMultiplier edits the control row to the chosen repeat count. It
// holds the session like a turn so it cannot re-enable a row mid-step.
func (s *Scheduler) selectMultiplier(ctx context.Context, session model.Session, req Request) (Outcome, error) {
	t := turn{req: req, session: session}
	s.mu.Lock()
	sl := s.slotLocked(session.ID)
	if sl.running {
		s.mu.Unlock()
		s.publish(t, EventRejected, nil)
		return OutcomeRejected, nil
	}
	t.seq = s.seq.Add(1)
	sl.running = true
	sl.current = t
	sl.startedAt = s.now()
	s.mu.Unlock()

	mult := codec.SelectedMultiplier(req.Label)
	err := s.editRow(ctx, req.Message, session, model.Affordance{
		SessionID:  session.ID,
		Enabled:    true,
		Highlight:  req.Label,
		Multiplier: mult,
	})

	runCtx := context.WithoutCancel(ctx)
	for {
		next, ok := s.next(session.ID)
		if !ok {
			break
		}
		_ = s.run(runCtx, next)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	s.publish(turn{req: Request{SessionID: session.ID, Label: req.Label, Multiplier: mult, Actor: req.Actor}, seq: t.seq}, EventSelected, nil)
	return OutcomeSelected, nil
}

// acquire moves the session to running or, when it already is, rejects or
// queues t according to the policy.
func (s *Scheduler) acquire(t *turn) (bool, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.seq = s.seq.Add(1)
	sl := s.slotLocked(t.req.SessionID)
	if !sl.running {
		sl.running = true
		sl.current = *t
		sl.startedAt = s.now()
		return true, ""
	}
	if s.policy == config.PolicyQueue {
		sl.queue = append(sl.queue, *t)
		return false, OutcomeQueued
	}
	return false, OutcomeRejected
}

// next pops the oldest queued turn, keeping the session running, or moves
// the session back to idle.
func (s *Scheduler) next(sessionID string) (turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[sessionID]
	if !ok {
		return turn{}, false
	}
	if len(sl.queue) == 0 {
		delete(s.slots, sessionID)
		return turn{}, false
	}
	t := sl.queue[0]
	sl.queue = sl.queue[1:]
	sl.current = t
	sl.startedAt = s.now()
	return t, true
}

func (s *Scheduler) slotLocked(sessionID string) *slot {
	sl, ok := s.slots[sessionID]
	if !ok {
		sl = &slot{}
		s.slots[sessionID] = sl
	}
	return sl
}

// run executes one turn while the session is held.
func (s *Scheduler) run(ctx context.Context, t turn) error {
	id := t.session.ID
	logger := s.logger.With(
		zap.String("session", id),
		zap.String("label", t.req.Label),
		zap.Int("multiplier", t.req.Multiplier),
		zap.Uint64("seq", t.seq),
	)
	s.publish(t, EventStarted, nil)

	if err := s.editRow(ctx, t.req.Message, t.session, model.Affordance{
		SessionID:  id,
		Enabled:    false,
		Highlight:  t.req.Label,
		Multiplier: t.req.Multiplier,
	}); err != nil {
		logger.Warn("disable controls failed", zap.Error(err))
	}

	engineReq := emulator.Request{
		Platform: t.session.Platform,
		Events:   codec.Expand(t.event, t.req.Multiplier),
	}
	if h, ok := s.cache.Take(id); ok {
		engineReq.Handle = h
	} else {
		rom, err := s.sessions.ROM(ctx, id)
		if err != nil {
			return s.fail(ctx, logger, t, err)
		}
		state, err := s.sessions.State(ctx, id)
		if err != nil {
			return s.fail(ctx, logger, t, err)
		}
		engineReq.ROM = rom
		engineReq.State = state
		logger.Debug("cold load")
	}

	res, err := s.engine.Run(ctx, engineReq)
	if err != nil {
		releaseHandle(logger, engineReq.Handle)
		return s.fail(ctx, logger, t, err)
	}
	if err := s.sessions.WriteState(ctx, id, res.State); err != nil {
		releaseHandle(logger, res.Handle)
		return s.fail(ctx, logger, t, err)
	}
	if res.Handle != nil {
		s.cache.Put(id, res.Handle)
	}

	if err := s.post(ctx, t, res.Recording); err != nil {
		// The new state is committed; only the announcement failed.
		logger.Warn("post result failed", zap.Error(err))
		if err := s.editRow(ctx, t.req.Message, t.session, model.Idle(id)); err != nil {
			logger.Warn("re-enable controls failed", zap.Error(err))
		}
	}
	s.publish(t, EventCompleted, nil)
	logger.Info("turn completed", zap.Int("state_bytes", len(res.State)))
	return nil
}

func (s *Scheduler) post(ctx context.Context, t turn, rec model.Recording) error {
	uiCtx, cancel := context.WithTimeout(ctx, s.uiTimeout)
	defer cancel()
	actor := t.req.Actor
	if actor == "" {
		actor = "Someone"
	}
	_, err := s.platform.Send(uiCtx, t.req.Message.ChannelID, chat.Outgoing{
		Content: fmt.Sprintf("%s pressed %s...", actor, t.event.Button),
		Files:   []chat.File{{Name: rec.Name, Data: rec.Data}},
		Rows:    affordance.Render(t.session.Platform, model.Idle(t.session.ID)),
	})
	return err
}

// fail leaves the session usable: the row is re-enabled with the default
// multiplier and no artifact is posted.
func (s *Scheduler) fail(ctx context.Context, logger *zap.Logger, t turn, cause error) error {
	fields := []zap.Field{zap.Error(cause)}
	var engErr *emulator.EngineError
	if errors.As(cause, &engErr) && engErr.Diagnostic != "" {
		fields = append(fields, zap.String("diagnostic", engErr.Diagnostic))
	}
	logger.Error("turn failed", fields...)
	if err := s.editRow(ctx, t.req.Message, t.session, model.Idle(t.session.ID)); err != nil {
		logger.Warn("re-enable controls failed", zap.Error(err))
	}
	s.publish(t, EventFailed, cause)
	return cause
}

func (s *Scheduler) editRow(ctx context.Context, ref chat.MessageRef, session model.Session, a model.Affordance) error {
	if ref.MessageID == "" {
		return nil
	}
	uiCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.uiTimeout)
	defer cancel()
	return s.platform.EditButtons(uiCtx, ref, affordance.Render(session.Platform, a))
}

func releaseHandle(logger *zap.Logger, h emulator.Handle) {
	if h == nil {
		return
	}
	if err := h.Release(); err != nil {
		logger.Warn("release core failed", zap.Error(err))
	}
}

func (s *Scheduler) publish(t turn, kind EventKind, err error) {
	ev := TurnEvent{
		Kind:       kind,
		SessionID:  t.req.SessionID,
		Label:      t.req.Label,
		Multiplier: t.req.Multiplier,
		Actor:      t.req.Actor,
		Seq:        t.seq,
		At:         s.now().UTC(),
	}
	if ev.SessionID == "" {
		ev.SessionID = t.session.ID
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.observer.Observe(ev)
}

func eventFor(o Outcome) EventKind {
	if o == OutcomeQueued {
		return EventQueued
	}
	return EventRejected
}

// SlotStatus is the scheduler's view of a busy session.
type SlotStatus struct {
	SessionID string
	Label     string
	Seq       uint64
	StartedAt time.Time
	Queued    int
}

// Snapshot lists sessions that currently have a turn in flight. Sessions
// not listed are idle.
func (s *Scheduler) Snapshot() map[string]SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SlotStatus, len(s.slots))
	for id, sl := range s.slots {
		if !sl.running {
			continue
		}
		out[id] = SlotStatus{
			SessionID: id,
			Label:     sl.current.req.Label,
			Seq:       sl.current.seq,
			StartedAt: sl.startedAt,
			Queued:    len(sl.queue),
		}
	}
	return out
}
