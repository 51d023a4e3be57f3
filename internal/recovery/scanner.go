// Package recovery repairs control rows left disabled by a process that
// stopped mid-turn. It only restores clickability; it never replays a step.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beanpuppy/retrobot/internal/affordance"
	"github.com/beanpuppy/retrobot/internal/chat"
	"github.com/beanpuppy/retrobot/internal/codec"
	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/model"
)

type SessionLister interface {
	List(ctx context.Context) ([]model.Session, error)
}

type Status string

const (
	// StatusRepaired: the newest control row was disabled and has been re-enabled.
	StatusRepaired Status = "repaired"
	// StatusStale: a dry run found a disabled row that would be repaired.
	StatusStale       Status = "stale"
	StatusCurrent     Status = "current"
	StatusMissing     Status = "missing"
	StatusUnreachable Status = "unreachable"
	StatusFailed      Status = "failed"
)

type Result struct {
	SessionID string
	ChannelID string
	Status    Status
	Message   chat.MessageRef
	Err       error
}

type Report struct {
	Results []Result
}

func (r Report) Count(status Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

type Scanner struct {
	sessions SessionLister
	platform chat.Platform
	window   int
	fetchers int
	logger   *zap.Logger

	// DryRun reports stale rows without editing them.
	DryRun bool
}

func NewScanner(sessions SessionLister, platform chat.Platform, cfg config.Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.RecoveryWindow
	if window < 1 {
		window = 100
	}
	fetchers := cfg.RecoveryFetchers
	if fetchers < 1 {
		fetchers = 1
	}
	return &Scanner{
		sessions: sessions,
		platform: platform,
		window:   window,
		fetchers: fetchers,
		logger:   logger.Named("recovery"),
	}
}

type history struct {
	messages []chat.Message
	err      error
}

// Run scans every known session once. It fails only when the session list
// cannot be read; per-channel and per-message problems end up in the report.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sessions for recovery: %w", err)
	}

	histories := s.fetch(ctx, sessions)
	self := s.platform.SelfID()

	report := Report{Results: make([]Result, 0, len(sessions))}
	for _, session := range sessions {
		res := Result{SessionID: session.ID, ChannelID: session.ChannelID}
		logger := s.logger.With(zap.String("session", session.ID), zap.String("channel", session.ChannelID))

		h := histories[session.ChannelID]
		if h.err != nil {
			res.Status = StatusUnreachable
			res.Err = h.err
			report.Results = append(report.Results, res)
			continue
		}
		msg, ok := newestControlRow(h.messages, self, session.ID)
		if !ok {
			res.Status = StatusMissing
			logger.Debug("no control row within window", zap.Int("window", s.window))
			report.Results = append(report.Results, res)
			continue
		}
		res.Message = msg.Ref

		current, _ := affordance.Parse(msg.Rows)
		switch {
		case current.Enabled:
			res.Status = StatusCurrent
		case s.DryRun:
			res.Status = StatusStale
		default:
			if err := s.platform.EditButtons(ctx, msg.Ref, affordance.Render(session.Platform, model.Idle(session.ID))); err != nil {
				res.Status = StatusFailed
				res.Err = err
				logger.Warn("re-enable controls failed", zap.Error(err))
			} else {
				res.Status = StatusRepaired
				logger.Info("re-enabled controls", zap.String("game", session.Game), zap.String("message", msg.Ref.MessageID))
			}
		}
		report.Results = append(report.Results, res)
	}

	s.logger.Info("recovery finished",
		zap.Int("sessions", len(sessions)),
		zap.Int("repaired", report.Count(StatusRepaired)),
		zap.Int("stale", report.Count(StatusStale)),
		zap.Int("missing", report.Count(StatusMissing)),
		zap.Int("unreachable", report.Count(StatusUnreachable)),
		zap.Bool("dry_run", s.DryRun),
	)
	return report, nil
}

// fetch reads each distinct origin channel once.
func (s *Scanner) fetch(ctx context.Context, sessions []model.Session) map[string]history {
	channels := make(map[string]struct{})
	for _, session := range sessions {
		channels[session.ChannelID] = struct{}{}
	}

	var (
		mu  sync.Mutex
		out = make(map[string]history, len(channels))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchers)
	for channelID := range channels {
		channelID := channelID
		g.Go(func() error {
			msgs, err := s.platform.RecentMessages(gctx, channelID, s.window)
			if err != nil {
				s.logger.Warn("fetch channel history failed", zap.String("channel", channelID), zap.Error(err))
			}
			sort.SliceStable(msgs, func(i, j int) bool {
				return msgs[i].SentAt.After(msgs[j].SentAt)
			})
			mu.Lock()
			out[channelID] = history{messages: msgs, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// newestControlRow returns the first bot message in msgs whose first button
// belongs to sessionID. msgs must be ordered newest first.
func newestControlRow(msgs []chat.Message, selfID, sessionID string) (chat.Message, bool) {
	for _, msg := range msgs {
		if msg.AuthorID != selfID {
			continue
		}
		first, ok := msg.FirstButton()
		if !ok {
			continue
		}
		token, err := codec.Decode(first.CustomID)
		if err != nil || token.SessionID != sessionID {
			continue
		}
		return msg, true
	}
	return chat.Message{}, false
}
