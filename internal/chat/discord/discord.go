// Package discord adapts a discordgo session to chat.Platform.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/beanpuppy/retrobot/internal/chat"
)

// Discord returns at most this many messages per history request.
const pageSize = 100

type Client struct {
	session *discordgo.Session
	logger  *zap.Logger

	mu     sync.RWMutex
	selfID string
}

var _ chat.Platform = (*Client)(nil)

func New(token string, logger *zap.Logger) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	return &Client{session: s, logger: logger.Named("discord")}, nil
}

// Identify loads the bot's own user id. It only needs the REST API, so it
// can run before the gateway is opened.
func (c *Client) Identify(ctx context.Context) error {
	u, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("fetch bot user: %w", err)
	}
	c.mu.Lock()
	c.selfID = u.ID
	c.mu.Unlock()
	c.logger.Info("identified", zap.String("user", u.Username), zap.String("id", u.ID))
	return nil
}

func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// Run registers h, opens the gateway and blocks until ctx is done.
// discordgo dispatches each event on its own goroutine.
func (c *Client) Run(ctx context.Context, h chat.Handlers) error {
	removeMsg := c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		h.HandleMessage(ctx, incoming(m.Message))
	})
	removeInteraction := c.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionMessageComponent || i.Message == nil {
			return
		}
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		}, discordgo.WithContext(ctx))
		if err != nil {
			c.logger.Warn("acknowledge interaction failed", zap.Error(err))
		}
		h.HandleInteraction(ctx, interaction(i))
	})
	defer removeMsg()
	defer removeInteraction()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.logger.Info("gateway connected")
	<-ctx.Done()
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord gateway: %w", err)
	}
	return nil
}

// RecentMessages pages backwards through the channel history, newest first.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]chat.Message, error) {
	out := make([]chat.Message, 0, limit)
	before := ""
	for len(out) < limit {
		n := min(limit-len(out), pageSize)
		page, err := c.session.ChannelMessages(channelID, n, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetch messages in %s: %w", channelID, err)
		}
		for _, m := range page {
			out = append(out, message(m))
		}
		if len(page) < n {
			break
		}
		before = page[len(page)-1].ID
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, channelID string, msg chat.Outgoing) (chat.MessageRef, error) {
	files := make([]*discordgo.File, 0, len(msg.Files))
	for _, f := range msg.Files {
		files = append(files, &discordgo.File{
			Name:        f.Name,
			ContentType: http.DetectContentType(f.Data),
			Reader:      bytes.NewReader(f.Data),
		})
	}
	sent, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    msg.Content,
		Files:      files,
		Components: components(msg.Rows),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("send message to %s: %w", channelID, err)
	}
	return chat.MessageRef{ChannelID: sent.ChannelID, MessageID: sent.ID}, nil
}

func (c *Client) EditButtons(ctx context.Context, ref chat.MessageRef, rows []chat.ButtonRow) error {
	comps := components(rows)
	_, err := c.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         ref.MessageID,
		Channel:    ref.ChannelID,
		Components: &comps,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("edit message %s: %w", ref.MessageID, err)
	}
	return nil
}

func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.session.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}

func components(rows []chat.ButtonRow) []discordgo.MessageComponent {
	out := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			style := discordgo.SecondaryButton
			if b.Style == chat.StyleSuccess {
				style = discordgo.SuccessButton
			}
			buttons = append(buttons, discordgo.Button{
				CustomID: b.CustomID,
				Emoji:    &discordgo.ComponentEmoji{Name: b.Emoji},
				Style:    style,
				Disabled: b.Disabled,
			})
		}
		out = append(out, discordgo.ActionsRow{Components: buttons})
	}
	return out
}

func rows(comps []discordgo.MessageComponent) []chat.ButtonRow {
	var out []chat.ButtonRow
	for _, comp := range comps {
		var children []discordgo.MessageComponent
		switch r := comp.(type) {
		case *discordgo.ActionsRow:
			children = r.Components
		case discordgo.ActionsRow:
			children = r.Components
		default:
			continue
		}
		var row chat.ButtonRow
		for _, child := range children {
			var b discordgo.Button
			switch v := child.(type) {
			case *discordgo.Button:
				b = *v
			case discordgo.Button:
				b = v
			default:
				continue
			}
			cb := chat.Button{CustomID: b.CustomID, Style: chat.StyleSecondary, Disabled: b.Disabled}
			if b.Style == discordgo.SuccessButton {
				cb.Style = chat.StyleSuccess
			}
			if b.Emoji != nil {
				cb.Emoji = b.Emoji.Name
			}
			row = append(row, cb)
		}
		out = append(out, row)
	}
	return out
}

func message(m *discordgo.Message) chat.Message {
	out := chat.Message{
		Ref:     chat.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID},
		SentAt:  m.Timestamp,
		Content: m.Content,
		Rows:    rows(m.Components),
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
	}
	return out
}

func incoming(m *discordgo.Message) chat.Incoming {
	in := chat.Incoming{
		Ref:     chat.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID},
		GuildID: m.GuildID,
	}
	if m.Author != nil {
		in.AuthorID = m.Author.ID
	}
	for _, a := range m.Attachments {
		in.Attachments = append(in.Attachments, chat.Attachment{Name: a.Filename, URL: a.URL, Size: a.Size})
	}
	return in
}

func interaction(i *discordgo.InteractionCreate) chat.Interaction {
	out := chat.Interaction{
		CustomID: i.MessageComponentData().CustomID,
		Message:  chat.MessageRef{ChannelID: i.ChannelID, MessageID: i.Message.ID},
		GuildID:  i.GuildID,
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		out.UserID = i.Member.User.ID
		out.UserName = displayName(i.Member.Nick, i.Member.User)
	case i.User != nil:
		out.UserID = i.User.ID
		out.UserName = displayName("", i.User)
	}
	return out
}

func displayName(nick string, u *discordgo.User) string {
	switch {
	case nick != "":
		return nick
	case u.GlobalName != "":
		return u.GlobalName
	default:
		return u.Username
	}
}
