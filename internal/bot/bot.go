// Package bot is the request boundary between the chat platform and the
// scheduler. Every per-request failure stops here as a log line; the
// scheduler has already left the session's controls usable.
package bot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/beanpuppy/retrobot/internal/chat"
	"github.com/beanpuppy/retrobot/internal/codec"
	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/model"
	"github.com/beanpuppy/retrobot/internal/scheduler"
)

type Turns interface {
	Submit(ctx context.Context, req scheduler.Request) (scheduler.Outcome, error)
	Create(ctx context.Context, up scheduler.Upload) (model.Session, error)
}

type Bot struct {
	turns         Turns
	platform      chat.Platform
	downloadLimit int64
	logger        *zap.Logger
}

var _ chat.Handlers = (*Bot)(nil)

func New(turns Turns, platform chat.Platform, cfg config.Config, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		turns:         turns,
		platform:      platform,
		downloadLimit: cfg.DownloadLimit,
		logger:        logger.Named("bot"),
	}
}

// HandleMessage creates a session from the first attachment that looks like
// a supported game file. Other messages are ignored.
func (b *Bot) HandleMessage(ctx context.Context, msg chat.Incoming) {
	if msg.AuthorID == b.platform.SelfID() {
		return
	}
	att, ok := gameAttachment(msg.Attachments)
	if !ok {
		return
	}
	logger := b.logger.With(
		zap.String("channel", msg.Ref.ChannelID),
		zap.String("author", msg.AuthorID),
		zap.String("file", att.Name),
	)
	if b.downloadLimit > 0 && int64(att.Size) > b.downloadLimit {
		logger.Warn("game file too large", zap.Int("size", att.Size), zap.Int64("limit", b.downloadLimit))
		return
	}
	data, err := b.platform.Download(ctx, att.URL)
	if err != nil {
		logger.Error("download game file failed", zap.Error(err))
		return
	}
	if b.downloadLimit > 0 && int64(len(data)) > b.downloadLimit {
		logger.Warn("game file too large", zap.Int("size", len(data)), zap.Int64("limit", b.downloadLimit))
		return
	}
	session, err := b.turns.Create(ctx, scheduler.Upload{
		Name:      att.Name,
		Data:      data,
		GuildID:   msg.GuildID,
		ChannelID: msg.Ref.ChannelID,
		Actor:     msg.AuthorID,
	})
	if err != nil {
		b.logFailure(logger, "create session", err)
		return
	}
	logger.Info("session started", zap.String("session", session.ID), zap.String("platform", string(session.Platform)))
}

// HandleInteraction turns a button click into a scheduler request.
func (b *Bot) HandleInteraction(ctx context.Context, in chat.Interaction) {
	token, err := codec.Decode(in.CustomID)
	if err != nil {
		b.logger.Debug("drop interaction", zap.String("custom_id", in.CustomID), zap.Error(err))
		return
	}
	logger := b.logger.With(
		zap.String("session", token.SessionID),
		zap.String("label", token.Label),
		zap.String("user", in.UserID),
	)
	outcome, err := b.turns.Submit(ctx, scheduler.Request{
		SessionID:  token.SessionID,
		Label:      token.Label,
		Multiplier: token.Multiplier,
		Message:    in.Message,
		Actor:      in.UserName,
	})
	if err != nil {
		b.logFailure(logger, "turn", err)
		return
	}
	logger.Debug("interaction handled", zap.String("outcome", string(outcome)))
}

func (b *Bot) logFailure(logger *zap.Logger, what string, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownSession):
		logger.Info(what+" dropped: unknown session", zap.Error(err))
	case errors.Is(err, model.ErrUnrecognized), errors.Is(err, model.ErrMalformedToken):
		logger.Debug(what+" dropped", zap.Error(err))
	case errors.Is(err, model.ErrEngine):
		logger.Warn(what+" failed in engine", zap.Error(err))
	case errors.Is(err, model.ErrStoreIO):
		logger.Error(what+" failed on store", zap.Error(err))
	default:
		logger.Error(fmt.Sprintf("%s failed", what), zap.Error(err))
	}
}

func gameAttachment(atts []chat.Attachment) (chat.Attachment, bool) {
	for _, att := range atts {
		if _, ok := codec.PlatformForFile(att.Name); ok {
			return att, true
		}
	}
	return chat.Attachment{}, false
}
