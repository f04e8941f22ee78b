// Package credentials requests connection grants for the real-time transport.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

// Request identifies the learner and chapter a call is for. A non-empty
// ThreadID asks for a grant that continues that thread.
type Request struct {
	Identity string `json:"identity"`
	Subject  string `json:"subject"`
	Chapter  string `json:"chapter"`
	Board    string `json:"board,omitempty"`
	Grade    string `json:"grade,omitempty"`
	ThreadID string `json:"thread,omitempty"`
}

// Grant is a transport connection descriptor.
type Grant struct {
	ServerURL        string `json:"serverUrl"`
	ParticipantToken string `json:"participantToken"`
	ThreadID         string `json:"thread,omitempty"`
}

// Issuer issues transport grants.
type Issuer interface {
	Issue(ctx context.Context, req Request) (Grant, error)
}

// Client calls the credential service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a credential-service client.
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

// Issue requests a grant for req.
func (c *Client) Issue(ctx context.Context, req Request) (Grant, error) {
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Chapter) == "" {
		return Grant{}, fmt.Errorf("%w: subject and chapter are required", domain.ErrValidation)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Grant{}, fmt.Errorf("encode credential request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", bytes.NewReader(payload))
	if err != nil {
		return Grant{}, fmt.Errorf("build credential request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Grant{}, ctx.Err()
		}
		return Grant{}, fmt.Errorf("%w: credential request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: read credential response: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Credential service rejected request",
			"status", resp.StatusCode,
			"subject", req.Subject,
			"chapter", req.Chapter,
		)
		return Grant{}, fmt.Errorf("%w: credential service returned %d", domain.ErrNetwork, resp.StatusCode)
	}

	var grant Grant
	if err := json.Unmarshal(body, &grant); err != nil {
		return Grant{}, fmt.Errorf("%w: decode credential response: %v", domain.ErrNetwork, err)
	}
	if grant.ServerURL == "" || grant.ParticipantToken == "" {
		return Grant{}, fmt.Errorf("%w: credential response missing server url or token", domain.ErrNetwork)
	}
	if grant.ThreadID == "" {
		grant.ThreadID = req.ThreadID
	}
	return grant, nil
}
