package imgur

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

const (
	// DefaultAPIBase is the public Imgur API.
	DefaultAPIBase = "https://api.imgur.com"
	// DefaultTimeout bounds one API call.
	DefaultTimeout = 30 * time.Second
	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 4096
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API host.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Client posts comments. It satisfies dispatch.Client.
type Client struct {
	http    *http.Client
	base    string
	timeout time.Duration
}

// NewClient builds a Client from a credential provider.
func NewClient(ctx context.Context, creds CredentialProvider, opts ...ClientOption) (*Client, error) {
	hc, err := creds.HTTPClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("imgur credentials failed: %w", err)
	}
	c := &Client{http: hc, base: DefaultAPIBase, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// apiResponse is Imgur's response envelope.
type apiResponse struct {
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
	Status  int             `json:"status"`
}

// Post publishes the action's chunk as a comment on the target image.
func (c *Client) Post(ctx context.Context, a models.PendingAction) error {
	if a.Target == "" {
		return &models.PermanentDispatchError{Reason: "action has no target image"}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("image_id", a.Target)
	form.Set("comment", a.Chunk.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/3/comment", strings.NewReader(form.Encode()))
	if err != nil {
		return &models.PermanentDispatchError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.TransientDispatchError{Reason: "transport", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if err := classify(resp.StatusCode, body); err != nil {
		slog.Debug("Client.Post: rejected", "actionID", a.ID, "target", a.Target, "status", resp.StatusCode, "error", err)
		return err
	}
	slog.Debug("Client.Post: comment posted", "actionID", a.ID, "target", a.Target)
	return nil
}

// classify maps an HTTP status to a dispatch outcome: 2xx succeeds, 429 and
// 5xx are transient, other statuses are permanent.
func classify(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &models.TransientDispatchError{Reason: describe(status, body)}
	default:
		return &models.PermanentDispatchError{Reason: describe(status, body)}
	}
}

// describe extracts Imgur's error message from body.
func describe(status int, body []byte) string {
	msg := http.StatusText(status)
	var env apiResponse
	if json.Unmarshal(body, &env) == nil && len(env.Data) > 0 {
		var data struct {
			Error json.RawMessage `json:"error"`
		}
		if json.Unmarshal(env.Data, &data) == nil && len(data.Error) > 0 {
			var s string
			if json.Unmarshal(data.Error, &s) == nil {
				msg = s
			} else {
				var obj struct {
					Message string `json:"message"`
				}
				if json.Unmarshal(data.Error, &obj) == nil && obj.Message != "" {
					msg = obj.Message
				}
			}
		}
	}
	return fmt.Sprintf("imgur status %d: %s", status, msg)
}
