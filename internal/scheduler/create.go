package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beanpuppy/retrobot/internal/affordance"
	"github.com/beanpuppy/retrobot/internal/chat"
	"github.com/beanpuppy/retrobot/internal/codec"
	"github.com/beanpuppy/retrobot/internal/emulator"
	"github.com/beanpuppy/retrobot/internal/model"
)

const (
	sessionIDLength = 5
	maxIDAttempts   = 8
)

// Upload is a game file posted to a channel.
type Upload struct {
	Name      string
	Data      []byte
	GuildID   string
	ChannelID string
	Actor     string
}

// Create starts a session from an uploaded ROM: it stores the ROM, runs a
// cold step with no prior state and no inputs, and posts the first
// recording with the control row.
func (s *Scheduler) Create(ctx context.Context, up Upload) (model.Session, error) {
	platform, ok := codec.PlatformForFile(up.Name)
	if !ok {
		return model.Session{}, fmt.Errorf("%w: file %q", model.ErrUnrecognized, up.Name)
	}
	if len(up.Data) == 0 {
		return model.Session{}, fmt.Errorf("empty game file %q", up.Name)
	}
	id, err := s.newSessionID(ctx)
	if err != nil {
		return model.Session{}, err
	}
	session := model.Session{
		ID:        id,
		Platform:  platform,
		Game:      up.Name,
		GuildID:   up.GuildID,
		ChannelID: up.ChannelID,
		CreatedAt: s.now().UTC(),
	}
	logger := s.logger.With(zap.String("session", id), zap.String("platform", string(platform)), zap.String("game", up.Name))

	t := turn{req: Request{SessionID: id, Actor: up.Actor}, session: session}
	if acquired, _ := s.acquire(&t); !acquired {
		return model.Session{}, fmt.Errorf("session %s is busy", id)
	}
	defer func() {
		for {
			next, ok := s.next(id)
			if !ok {
				return
			}
			_ = s.run(context.WithoutCancel(ctx), next)
		}
	}()

	if err := s.sessions.Create(ctx, session, up.Data); err != nil {
		return model.Session{}, err
	}
	res, err := s.engine.Run(ctx, emulator.Request{Platform: platform, ROM: up.Data})
	if err != nil {
		logger.Error("cold start failed", zap.Error(err))
		s.publish(t, EventFailed, err)
		return session, err
	}
	if err := s.sessions.WriteState(ctx, id, res.State); err != nil {
		releaseHandle(logger, res.Handle)
		s.publish(t, EventFailed, err)
		return session, err
	}
	if res.Handle != nil {
		s.cache.Put(id, res.Handle)
	}

	uiCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.uiTimeout)
	defer cancel()
	if _, err := s.platform.Send(uiCtx, up.ChannelID, chat.Outgoing{
		Files: []chat.File{{Name: res.Recording.Name, Data: res.Recording.Data}},
		Rows:  affordance.Render(platform, model.Idle(id)),
	}); err != nil {
		s.publish(t, EventFailed, err)
		return session, fmt.Errorf("post first recording: %w", err)
	}
	s.publish(t, EventCreated, nil)
	logger.Info("session created")
	return session, nil
}

func (s *Scheduler) newSessionID(ctx context.Context) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:sessionIDLength]
		exists, err := s.sessions.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free session id after %d attempts", maxIDAttempts)
}
