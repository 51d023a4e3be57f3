package affordance

import (
	"strconv"
	"strings"

	"github.com/beanpuppy/retrobot/internal/chat"
	"github.com/beanpuppy/retrobot/internal/codec"
	"github.com/beanpuppy/retrobot/internal/model"
)

var emojis = map[string]string{
	"a":      "🇦",
	"b":      "🇧",
	"x":      "🇽",
	"y":      "🇾",
	"l":      "🇱",
	"r":      "🇷",
	"up":     "⬆️",
	"down":   "⬇️",
	"left":   "⬅️",
	"right":  "➡️",
	"select": "⏺️",
	"start":  "▶️",
	"5":      "5️⃣",
	"10":     "🔟",
}

func emojiFor(label string) string {
	if e, ok := emojis[label]; ok {
		return e
	}
	return label
}

// Render projects an affordance onto the button rows of a platform. Every
// button carries the session id and the selected multiplier in its token.
func Render(platform model.Platform, a model.Affordance) []chat.ButtonRow {
	multiplier := a.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	button := func(label string) chat.Button {
		style := chat.StyleSecondary
		if a.Highlight != "" && strings.EqualFold(a.Highlight, label) {
			style = chat.StyleSuccess
		}
		return chat.Button{
			CustomID: codec.Encode(a.SessionID, label, multiplier),
			Emoji:    emojiFor(label),
			Style:    style,
			Disabled: !a.Enabled,
		}
	}
	row := func(labels ...string) chat.ButtonRow {
		out := make(chat.ButtonRow, 0, len(labels))
		for _, label := range labels {
			out = append(out, button(label))
		}
		return out
	}

	layout := codec.LayoutFor(platform)
	rows := []chat.ButtonRow{row(layout.Face...)}
	if len(layout.Shoulder) > 0 {
		rows = append(rows, row(layout.Shoulder...))
	}
	rows = append(rows, row(layout.DPad...))
	last := append([]string{}, layout.System...)
	for _, m := range codec.MultiplierChoices {
		last = append(last, strconv.Itoa(m))
	}
	rows = append(rows, row(last...))
	return rows
}

// Parse reads the affordance back from a posted message. The session id and
// multiplier come from the first button's token; ok is false when the
// message carries no decodable button.
func Parse(rows []chat.ButtonRow) (model.Affordance, bool) {
	msg := chat.Message{Rows: rows}
	first, ok := msg.FirstButton()
	if !ok {
		return model.Affordance{}, false
	}
	token, err := codec.Decode(first.CustomID)
	if err != nil {
		return model.Affordance{}, false
	}
	a := model.Affordance{
		SessionID:  token.SessionID,
		Enabled:    !first.Disabled,
		Multiplier: token.Multiplier,
	}
	for _, row := range rows {
		for _, b := range row {
			if b.Style != chat.StyleSuccess {
				continue
			}
			if t, err := codec.Decode(b.CustomID); err == nil {
				a.Highlight = t.Label
			}
		}
	}
	return a, true
}
