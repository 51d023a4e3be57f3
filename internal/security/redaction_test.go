package security_test

import (
	"strings"
	"testing"

	"github.com/beanpuppy/retrobot/internal/security"
)

func TestRedactPayload(t *testing.T) {
	in := `DISCORD_TOKEN=abc123 access_token="quoted-token" password:supersecret Authorization: Bot xyz {"api_key":"jsonkey"}`
	out := security.RedactPayload(in)
	for _, leaked := range []string{"abc123", "quoted-token", "supersecret", "xyz", "jsonkey"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("secret %q leaked after redaction: %q", leaked, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %q", out)
	}
}

func TestRedactPayloadBareDiscordToken(t *testing.T) {
	token := "MTA5ODc2NTQzMjEwOTg3NjU0Mw.GabcDE.abcdefghijklmnopqrstuvwxyz012345"
	out := security.RedactPayload("core dump: env " + token + " end")
	if strings.Contains(out, token) {
		t.Fatalf("bare token leaked: %q", out)
	}
	if !strings.HasSuffix(out, " end") {
		t.Fatalf("surrounding text should survive: %q", out)
	}
}

func TestRedactPayloadWebhookURL(t *testing.T) {
	out := security.RedactPayload("posting to https://discord.com/api/webhooks/123/SeCrEt-Value")
	if strings.Contains(out, "SeCrEt-Value") || !strings.Contains(out, "webhooks/123/") {
		t.Fatalf("unexpected webhook redaction: %q", out)
	}
}

func TestRedactPayloadLeavesPlainDiagnostics(t *testing.T) {
	in := "invalid rom header at 0x7FB0"
	if out := security.RedactPayload(in); out != in {
		t.Fatalf("plain diagnostic changed: %q", out)
	}
	if security.RedactPayload("") != "" {
		t.Fatalf("empty input should stay empty")
	}
}
