// Package chat describes what the bot needs from a chat platform: reading
// recent history, posting and editing messages with button rows, and
// downloading attachments.
package chat

import (
	"context"
	"time"
)

type ButtonStyle string

const (
	StyleSecondary ButtonStyle = "secondary"
	StyleSuccess   ButtonStyle = "success"
)

type Button struct {
	CustomID string
	Emoji    string
	Style    ButtonStyle
	Disabled bool
}

type ButtonRow []Button

// MessageRef identifies a posted message.
type MessageRef struct {
	ChannelID string
	MessageID string
}

type Message struct {
	Ref      MessageRef
	AuthorID string
	SentAt   time.Time
	Content  string
	Rows     []ButtonRow
}

// FirstButton returns the first button of the first row, if any.
func (m Message) FirstButton() (Button, bool) {
	for _, row := range m.Rows {
		if len(row) > 0 {
			return row[0], true
		}
	}
	return Button{}, false
}

type File struct {
	Name string
	Data []byte
}

type Outgoing struct {
	Content string
	Files   []File
	Rows    []ButtonRow
}

type Attachment struct {
	Name string
	URL  string
	Size int
}

// Incoming is a message posted by a user.
type Incoming struct {
	Ref         MessageRef
	GuildID     string
	AuthorID    string
	Attachments []Attachment
}

// Interaction is a button click.
type Interaction struct {
	CustomID string
	Message  MessageRef
	GuildID  string
	UserID   string
	UserName string
}

type Platform interface {
	SelfID() string
	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	Send(ctx context.Context, channelID string, msg Outgoing) (MessageRef, error)
	EditButtons(ctx context.Context, ref MessageRef, rows []ButtonRow) error
	Download(ctx context.Context, url string) ([]byte, error)
}

// Handlers receive inbound events from a platform adapter.
type Handlers interface {
	HandleMessage(ctx context.Context, msg Incoming)
	HandleInteraction(ctx context.Context, in Interaction)
}
