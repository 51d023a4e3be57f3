package codec

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/beanpuppy/retrobot/internal/model"
)

const delimiter = "-"

// MultiplierChoices are the repeat counts offered next to the controls.
var MultiplierChoices = []int{5, 10}

var numericPattern = regexp.MustCompile(`^[0-9]+$`)

// Token is the decoded form of a button custom id.
type Token struct {
	SessionID  string
	Label      string
	Multiplier int
}

func Encode(sessionID, label string, multiplier int) string {
	return sessionID + delimiter + label + delimiter + strconv.Itoa(multiplier)
}

func Decode(token string) (Token, error) {
	parts := strings.Split(token, delimiter)
	if len(parts) != 3 {
		return Token{}, fmt.Errorf("%w: %q has %d fields", model.ErrMalformedToken, token, len(parts))
	}
	for _, part := range parts {
		if part == "" {
			return Token{}, fmt.Errorf("%w: %q has an empty field", model.ErrMalformedToken, token)
		}
	}
	if !IsMultiplier(parts[2]) {
		return Token{}, fmt.Errorf("%w: multiplier %q is not numeric", model.ErrMalformedToken, parts[2])
	}
	multiplier, err := strconv.Atoi(parts[2])
	if err != nil || multiplier < 1 {
		return Token{}, fmt.Errorf("%w: multiplier %q out of range", model.ErrMalformedToken, parts[2])
	}
	return Token{SessionID: parts[0], Label: parts[1], Multiplier: multiplier}, nil
}

// IsMultiplier reports whether label selects a repeat count rather than a
// control.
func IsMultiplier(label string) bool {
	return numericPattern.MatchString(label)
}

// SelectedMultiplier parses a multiplier label. Zero and unparsable values
// fall back to 1.
func SelectedMultiplier(label string) int {
	n, err := strconv.Atoi(label)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

var (
	dpad    = []string{"up", "down", "left", "right"}
	face    = []string{"a", "b"}
	system  = []string{"select", "start"}
	buttons = map[string]model.Button{
		"a":      model.ButtonA,
		"b":      model.ButtonB,
		"x":      model.ButtonX,
		"y":      model.ButtonY,
		"l":      model.ButtonL,
		"r":      model.ButtonR,
		"up":     model.ButtonUp,
		"down":   model.ButtonDown,
		"left":   model.ButtonLeft,
		"right":  model.ButtonRight,
		"select": model.ButtonSelect,
		"start":  model.ButtonStart,
	}
)

// Layout groups a platform's control labels into the rows they are rendered in.
type Layout struct {
	Face     []string
	Shoulder []string
	DPad     []string
	System   []string
}

func (l Layout) Labels() []string {
	out := make([]string, 0, len(l.Face)+len(l.Shoulder)+len(l.DPad)+len(l.System))
	out = append(out, l.Face...)
	out = append(out, l.Shoulder...)
	out = append(out, l.DPad...)
	out = append(out, l.System...)
	return out
}

var layouts = map[model.Platform]Layout{
	model.PlatformNES:  {Face: face, DPad: dpad, System: system},
	model.PlatformGB:   {Face: face, DPad: dpad, System: system},
	model.PlatformGBA:  {Face: face, Shoulder: []string{"l", "r"}, DPad: dpad, System: system},
	model.PlatformSNES: {Face: []string{"a", "b", "x", "y"}, Shoulder: []string{"l", "r"}, DPad: dpad, System: system},
}

func LayoutFor(platform model.Platform) Layout {
	return layouts[platform]
}

// InputFor maps a control label to the platform's input event. Labels outside
// the platform's layout are not an error; callers drop them.
func InputFor(platform model.Platform, label string) (model.InputEvent, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	layout, ok := layouts[platform]
	if !ok {
		return model.InputEvent{}, false
	}
	for _, candidate := range layout.Labels() {
		if candidate == label {
			return model.InputEvent{Button: buttons[label]}, true
		}
	}
	return model.InputEvent{}, false
}

// Expand repeats event multiplier times, one simulated step apart.
func Expand(event model.InputEvent, multiplier int) []model.InputEvent {
	if multiplier < 1 {
		multiplier = 1
	}
	out := make([]model.InputEvent, multiplier)
	for i := range out {
		out[i] = model.InputEvent{Button: event.Button, Step: i}
	}
	return out
}

var extensions = map[string]model.Platform{
	".nes": model.PlatformNES,
	".sfc": model.PlatformSNES,
	".smc": model.PlatformSNES,
	".gb":  model.PlatformGB,
	".gbc": model.PlatformGB,
	".gba": model.PlatformGBA,
}

// PlatformForFile resolves the platform of a ROM from its file name.
func PlatformForFile(name string) (model.Platform, bool) {
	p, ok := extensions[strings.ToLower(filepath.Ext(name))]
	return p, ok
}
