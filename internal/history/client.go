package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/timeline"
)

const maxResponseBytes = 8 << 20

// Client reads conversation threads from the thread service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a thread-service client.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ChapterHistory returns the learner's persisted messages for a chapter.
func (c *Client) ChapterHistory(ctx context.Context, q Query) ([]timeline.PersistedMessage, error) {
	params := url.Values{}
	params.Set("identity", q.Identity)
	params.Set("subject", q.Subject)
	params.Set("chapter", q.Chapter)
	return c.get(ctx, c.baseURL+"/threads?"+params.Encode())
}

// Thread returns the persisted messages of one thread.
func (c *Client) Thread(ctx context.Context, threadID string) ([]timeline.PersistedMessage, error) {
	return c.get(ctx, c.baseURL+"/threads/"+url.PathEscape(threadID))
}

func (c *Client) get(ctx context.Context, endpoint string) ([]timeline.PersistedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build thread request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: thread request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read thread response: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: thread service returned %d", domain.ErrNetwork, resp.StatusCode)
	}
	return c.decode(body), nil
}

type envelope struct {
	Status bool            `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type threadData struct {
	ThreadData []timeline.PersistedMessage `json:"thread_data"`
}

// decode treats a false status or any malformed body as no history.
func (c *Client) decode(body []byte) []timeline.PersistedMessage {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Warn("Malformed thread response", "error", err)
		return nil
	}
	if !env.Status {
		return nil
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '[':
		var msgs []timeline.PersistedMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			c.logger.Warn("Malformed thread message list", "error", err)
			return nil
		}
		return msgs
	case '{':
		var td threadData
		if err := json.Unmarshal(data, &td); err != nil {
			c.logger.Warn("Malformed thread data", "error", err)
			return nil
		}
		return td.ThreadData
	default:
		return nil
	}
}
