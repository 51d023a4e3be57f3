package model

import (
	"errors"
	"time"
)

// Platform is the emulated system a session runs on.
type Platform string

const (
	PlatformNES  Platform = "nes"
	PlatformSNES Platform = "snes"
	PlatformGB   Platform = "gb"
	PlatformGBA  Platform = "gba"
)

var Platforms = []Platform{PlatformNES, PlatformSNES, PlatformGB, PlatformGBA}

func (p Platform) Valid() bool {
	switch p {
	case PlatformNES, PlatformSNES, PlatformGB, PlatformGBA:
		return true
	default:
		return false
	}
}

// Button is a joypad bit. An InputEvent presses exactly one.
type Button uint16

const (
	ButtonA Button = 1 << iota
	ButtonB
	ButtonX
	ButtonY
	ButtonL
	ButtonR
	ButtonUp
	ButtonDown
	ButtonLeft
	ButtonRight
	ButtonSelect
	ButtonStart
)

var buttonNames = map[Button]string{
	ButtonA:      "A",
	ButtonB:      "B",
	ButtonX:      "X",
	ButtonY:      "Y",
	ButtonL:      "L",
	ButtonR:      "R",
	ButtonUp:     "Up",
	ButtonDown:   "Down",
	ButtonLeft:   "Left",
	ButtonRight:  "Right",
	ButtonSelect: "Select",
	ButtonStart:  "Start",
}

func (b Button) String() string {
	if name, ok := buttonNames[b]; ok {
		return name
	}
	return "?"
}

// InputEvent is one button press, applied Step simulated steps after the
// start of a turn.
type InputEvent struct {
	Button Button `json:"button"`
	Step   int    `json:"step"`
}

type Session struct {
	ID        string
	Platform  Platform
	Game      string
	GuildID   string
	ChannelID string
	CreatedAt time.Time
}

// Affordance is the chat-visible control row of a session. It is derived
// from scheduler state and never authoritative.
type Affordance struct {
	SessionID  string
	Enabled    bool
	Highlight  string
	Multiplier int
}

// Idle returns the affordance posted after a turn settles.
func Idle(sessionID string) Affordance {
	return Affordance{SessionID: sessionID, Enabled: true, Multiplier: 1}
}

type Recording struct {
	Name string
	Data []byte
}

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrUnknownSession = errors.New("unknown session")
	ErrUnrecognized   = errors.New("unrecognized control")
	ErrEngine         = errors.New("engine error")
	ErrStoreIO        = errors.New("store io")
)

// Error codes used by the admin API.
const (
	ErrCodeSessionNotFound  = "E_SESSION_NOT_FOUND"
	ErrCodeStoreUnavailable = "E_STORE_UNAVAILABLE"
	ErrCodeMethodNotAllowed = "E_METHOD_NOT_ALLOWED"
)
