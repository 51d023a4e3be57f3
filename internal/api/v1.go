package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type SessionItem struct {
	SessionID    string     `json:"session_id"`
	Platform     string     `json:"platform"`
	Game         string     `json:"game"`
	GuildID      string     `json:"guild_id,omitempty"`
	ChannelID    string     `json:"channel_id"`
	CreatedAt    string     `json:"created_at,omitempty"`
	State        string     `json:"state"`
	CurrentLabel string     `json:"current_label,omitempty"`
	TurnStarted  *time.Time `json:"turn_started_at,omitempty"`
	Queued       int        `json:"queued"`
	Warm         bool       `json:"warm"`
}

type ListSummary struct {
	ByPlatform map[string]int `json:"by_platform,omitempty"`
	ByState    map[string]int `json:"by_state,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Sessions      []SessionItem `json:"sessions"`
	Summary       ListSummary   `json:"summary"`
}

type SessionEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Session       SessionItem `json:"session"`
}

type TurnEventItem struct {
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label,omitempty"`
	Multiplier int       `json:"multiplier,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Seq        uint64    `json:"seq,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// WatchLine is one websocket frame of /v1/watch. The first frame of a
// connection has type "hello"; each later frame carries one turn event.
type WatchLine struct {
	SchemaVersion string         `json:"schema_version"`
	EmittedAt     time.Time      `json:"emitted_at"`
	StreamID      string         `json:"stream_id"`
	Cursor        string         `json:"cursor"`
	Sequence      int64          `json:"sequence"`
	Type          string         `json:"type"`
	Event         *TurnEventItem `json:"event,omitempty"`
}
