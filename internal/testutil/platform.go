package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beanpuppy/retrobot/internal/chat"
)

var errStore = errors.New("store unavailable")

const BotID = "bot-user"

type SentMessage struct {
	ChannelID string
	Message   chat.Outgoing
	Ref       chat.MessageRef
}

type Edit struct {
	Ref  chat.MessageRef
	Rows []chat.ButtonRow
}

// FakePlatform is an in-memory chat.Platform. Channel history is kept
// newest first; Send and EditButtons update it the way a real channel would.
type FakePlatform struct {
	mu        sync.Mutex
	seq       int
	history   map[string][]chat.Message
	sent      []SentMessage
	edits     []Edit
	fetches   map[string]int
	files     map[string][]byte
	FailFetch map[string]bool
	FailSend  bool
	FailEdit  bool
}

func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		history:   map[string][]chat.Message{},
		fetches:   map[string]int{},
		files:     map[string][]byte{},
		FailFetch: map[string]bool{},
	}
}

func (p *FakePlatform) SelfID() string {
	return BotID
}

// Post appends a message to a channel's history as its newest entry.
func (p *FakePlatform) Post(channelID, authorID string, rows []chat.ButtonRow) chat.MessageRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.postLocked(channelID, authorID, "", rows)
}

func (p *FakePlatform) postLocked(channelID, authorID, content string, rows []chat.ButtonRow) chat.MessageRef {
	p.seq++
	ref := chat.MessageRef{ChannelID: channelID, MessageID: fmt.Sprintf("m%04d", p.seq)}
	msg := chat.Message{
		Ref:      ref,
		AuthorID: authorID,
		SentAt:   time.Unix(int64(p.seq), 0).UTC(),
		Content:  content,
		Rows:     cloneRows(rows),
	}
	p.history[channelID] = append([]chat.Message{msg}, p.history[channelID]...)
	return ref
}

func (p *FakePlatform) RecentMessages(_ context.Context, channelID string, limit int) ([]chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches[channelID]++
	if p.FailFetch[channelID] {
		return nil, fmt.Errorf("fetch %s: missing access", channelID)
	}
	msgs := p.history[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		m.Rows = cloneRows(m.Rows)
		out[i] = m
	}
	return out, nil
}

func (p *FakePlatform) Send(_ context.Context, channelID string, msg chat.Outgoing) (chat.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSend {
		return chat.MessageRef{}, errors.New("send failed")
	}
	ref := p.postLocked(channelID, BotID, msg.Content, msg.Rows)
	p.sent = append(p.sent, SentMessage{ChannelID: channelID, Message: msg, Ref: ref})
	return ref, nil
}

func (p *FakePlatform) EditButtons(_ context.Context, ref chat.MessageRef, rows []chat.ButtonRow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailEdit {
		return errors.New("edit failed")
	}
	p.edits = append(p.edits, Edit{Ref: ref, Rows: cloneRows(rows)})
	for i, m := range p.history[ref.ChannelID] {
		if m.Ref.MessageID == ref.MessageID {
			p.history[ref.ChannelID][i].Rows = cloneRows(rows)
		}
	}
	return nil
}

func (p *FakePlatform) AddFile(url string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[url] = data
}

func (p *FakePlatform) Download(_ context.Context, url string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.files[url]
	if !ok {
		return nil, fmt.Errorf("download %s: 404", url)
	}
	return data, nil
}

func (p *FakePlatform) Sent() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SentMessage(nil), p.sent...)
}

func (p *FakePlatform) Edits() []Edit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Edit(nil), p.edits...)
}

func (p *FakePlatform) Fetches(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches[channelID]
}

// Message returns the current version of a posted message.
func (p *FakePlatform) Message(ref chat.MessageRef) (chat.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.history[ref.ChannelID] {
		if m.Ref.MessageID == ref.MessageID {
			m.Rows = cloneRows(m.Rows)
			return m, true
		}
	}
	return chat.Message{}, false
}

func cloneRows(rows []chat.ButtonRow) []chat.ButtonRow {
	if rows == nil {
		return nil
	}
	out := make([]chat.ButtonRow, len(rows))
	for i, row := range rows {
		out[i] = append(chat.ButtonRow(nil), row...)
	}
	return out
}
