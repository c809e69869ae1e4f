package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const userAgent = "pagesync-go/0.1"

// TokenSource provides bearer tokens for cloud requests. Defined at the
// consumer per Go convention "accept interfaces, return structs"; the auth
// file provides implementations backed by golang.org/x/oauth2.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the page-sync cloud store. It handles
// request construction, authentication, and error classification. It does
// NOT retry: each call is exactly one attempt, and the caller (the upload
// or download state machine) decides whether the classified failure is
// worth retrying.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
}

// NewClient creates a cloud store client.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// do executes a single HTTP request against the cloud store and classifies
// any non-2xx response into a *Error wrapping a sentinel.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("cloud: creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("cloud: obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cloud: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("cloud: %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return nil, &Error{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// UploadBatch uploads one encrypted batch envelope as a single unit. The
// cloud store acknowledges the whole batch or rejects it; there is no
// partial acceptance.
func (c *Client) UploadBatch(ctx context.Context, env *BatchEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cloud: marshaling batch envelope: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/batches", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.logger.Debug("batch uploaded", slog.Int("commits", len(env.CommitIDs)))

	return nil
}

// commitPage is the wire response of the commit fetch endpoint.
type commitPage struct {
	Envelopes []BatchEnvelope `json:"envelopes"`
	NextToken string          `json:"next_token"`
}

// FetchCommits retrieves batch envelopes added to the cloud store after
// sinceToken. An empty token fetches from the beginning of the remote log.
// Returns the envelopes and the token to use for the next fetch.
func (c *Client) FetchCommits(ctx context.Context, sinceToken string) ([]BatchEnvelope, string, error) {
	path := "/v1/batches"
	if sinceToken != "" {
		path += "?since=" + sinceToken
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var page commitPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("cloud: decoding commit page: %w", err)
	}

	return page.Envelopes, page.NextToken, nil
}
