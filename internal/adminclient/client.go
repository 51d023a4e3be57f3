// Package adminclient talks to the admin API served by `retrobot serve`.
package adminclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beanpuppy/retrobot/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	dialer       *websocket.Dialer
	unaryTimeout time.Duration
}

// New returns a client for an admin address such as "127.0.0.1:8787".
func New(addr string) *Client {
	base := strings.TrimSpace(addr)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return NewWithClient(base, nil)
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		dialer:       websocket.DefaultDialer,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "" && e.StatusCode > 0:
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	case e.StatusCode > 0:
		return fmt.Sprintf("http %d", e.StatusCode)
	default:
		return "http error"
	}
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", &resp)
	return resp, err
}

func (c *Client) ListSessions(ctx context.Context) (api.SessionsEnvelope, error) {
	var resp api.SessionsEnvelope
	err := c.getJSON(ctx, "/v1/sessions", &resp)
	return resp, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (api.SessionItem, error) {
	var resp api.SessionEnvelope
	if err := c.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID), &resp); err != nil {
		return api.SessionItem{}, err
	}
	return resp.Session, nil
}

// Watch streams watch lines to fn until ctx is done, the server closes the
// connection or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(api.WatchLine) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/watch"
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return &RequestError{StatusCode: resp.StatusCode, Message: "watch upgrade refused"}
		}
		return fmt.Errorf("dial watch: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read watch: %w", err)
		}
		var line api.WatchLine
		if err := json.Unmarshal(payload, &line); err != nil || line.Type == "" {
			return fmt.Errorf("%w: %s", ErrWatchPayloadInvalid, strings.TrimSpace(string(payload)))
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.request(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string) ([]byte, error) {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
