package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/beanpuppy/retrobot/internal/model"
)

var ErrNotFound = errors.New("not found")

// Kind names one of the blobs kept per session.
type Kind string

const (
	KindROM   Kind = "rom"
	KindState Kind = "state"
	KindMeta  Kind = "meta"
)

func (k Kind) Valid() bool {
	switch k {
	case KindROM, KindState, KindMeta:
		return true
	default:
		return false
	}
}

// Blobs is key→bytes persistence keyed by session id and blob kind. Writes
// are last-write-wins; only the latest value of each blob is kept.
type Blobs interface {
	Write(ctx context.Context, sessionID string, kind Kind, data []byte) error
	Read(ctx context.Context, sessionID string, kind Kind) ([]byte, error)
	IDs(ctx context.Context) ([]string, error)
	Close() error
}

type meta struct {
	Platform  string `json:"platform"`
	Game      string `json:"game"`
	GuildID   string `json:"guild"`
	ChannelID string `json:"channel"`
	CreatedAt string `json:"created_at"`
}

// Sessions is the typed view over Blobs used by the scheduler and the
// recovery scanner.
type Sessions struct {
	blobs Blobs
}

func NewSessions(blobs Blobs) *Sessions {
	return &Sessions{blobs: blobs}
}

func (s *Sessions) Blobs() Blobs {
	return s.blobs
}

func (s *Sessions) Close() error {
	if s == nil || s.blobs == nil {
		return nil
	}
	return s.blobs.Close()
}

// Create writes the ROM first and the metadata last so that a session is
// only listed once its ROM is durable.
func (s *Sessions) Create(ctx context.Context, session model.Session, rom []byte) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if !session.Platform.Valid() {
		return fmt.Errorf("invalid platform %q", session.Platform)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if err := s.blobs.Write(ctx, session.ID, KindROM, rom); err != nil {
		return fmt.Errorf("%w: write rom: %v", model.ErrStoreIO, err)
	}
	raw, err := json.MarshalIndent(meta{
		Platform:  string(session.Platform),
		Game:      session.Game,
		GuildID:   session.GuildID,
		ChannelID: session.ChannelID,
		CreatedAt: session.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	if err := s.blobs.Write(ctx, session.ID, KindMeta, raw); err != nil {
		return fmt.Errorf("%w: write meta: %v", model.ErrStoreIO, err)
	}
	return nil
}

func (s *Sessions) Get(ctx context.Context, sessionID string) (model.Session, error) {
	raw, err := s.blobs.Read(ctx, sessionID, KindMeta)
	if errors.Is(err, ErrNotFound) {
		return model.Session{}, fmt.Errorf("%w: %s", model.ErrUnknownSession, sessionID)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: read meta: %v", model.ErrStoreIO, err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Session{}, fmt.Errorf("%w: decode meta for %s: %v", model.ErrStoreIO, sessionID, err)
	}
	session := model.Session{
		ID:        sessionID,
		Platform:  model.Platform(m.Platform),
		Game:      m.Game,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
	}
	if m.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			session.CreatedAt = ts
		}
	}
	return session, nil
}

func (s *Sessions) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.blobs.Read(ctx, sessionID, KindMeta)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreIO, err)
	}
	return true, nil
}

// List returns every session with readable metadata, ordered by id.
func (s *Sessions) List(ctx context.Context) ([]model.Session, error) {
	ids, err := s.blobs.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", model.ErrStoreIO, err)
	}
	sort.Strings(ids)
	out := make([]model.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if errors.Is(err, model.ErrUnknownSession) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *Sessions) ROM(ctx context.Context, sessionID string) ([]byte, error) {
	return s.read(ctx, sessionID, KindROM)
}

// State returns the current save state. A session whose first turn never
// completed has none, which reads as empty.
func (s *Sessions) State(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := s.blobs.Read(ctx, sessionID, KindState)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read state: %v", model.ErrStoreIO, err)
	}
	return data, nil
}

func (s *Sessions) WriteState(ctx context.Context, sessionID string, state []byte) error {
	if err := s.blobs.Write(ctx, sessionID, KindState, state); err != nil {
		return fmt.Errorf("%w: write state: %v", model.ErrStoreIO, err)
	}
	return nil
}

func (s *Sessions) read(ctx context.Context, sessionID string, kind Kind) ([]byte, error) {
	data, err := s.blobs.Read(ctx, sessionID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrStoreIO, kind, err)
	}
	return data, nil
}
