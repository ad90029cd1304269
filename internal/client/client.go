// Package client is a typed HTTP client for the inbox API plus a Poller that
// keeps a conversation's history in sync by polling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"inbox-service/internal/model"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/service"
)

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("inbox api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("inbox api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsInvalidCursor reports whether err asks the caller to restart pagination.
func IsInvalidCursor(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == string(registrystore.KindInvalidCursor)
}

// Client calls the inbox API as one principal.
type Client struct {
	baseURL    string
	token      string
	role       string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRole sends X-Principal-Role, which servers only honor in testing mode.
func WithRole(role string) Option {
	return func(c *Client) { c.role = role }
}

// New creates a Client for the server at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage is the payload of a send.
type SendMessage struct {
	Text           string  `json:"text,omitempty"`
	AttachmentURL  *string `json:"attachmentUrl,omitempty"`
	AttachmentName *string `json:"attachmentName,omitempty"`
	// IdempotencyKey is generated when empty. Reuse it to retry the same send.
	IdempotencyKey string `json:"-"`
}

// SendResult is the accepted message and whether it was an idempotent replay.
type SendResult struct {
	Message  model.Message
	Replayed bool
}

// SendMessage posts a message to a conversation id or pair key.
func (c *Client) SendMessage(ctx context.Context, ref string, msg SendMessage) (*SendResult, error) {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = uuid.NewString()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	header := http.Header{}
	header.Set("Idempotency-Key", msg.IdempotencyKey)

	var out SendResult
	resp, err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(ref)+"/messages", nil, body, header, &out.Message)
	if err != nil {
		return nil, err
	}
	out.Replayed = resp.Header.Get("Idempotent-Replayed") == "true"
	return &out, nil
}

// ListMessages returns one page of history after cursor. It marks the served
// messages read for the caller.
func (c *Client) ListMessages(ctx context.Context, ref, cursor string, pageSize int) (*service.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	var page service.Page
	if _, err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(ref)+"/messages", q, nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListConversations returns the caller's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context, cursor string, pageSize int) (*service.ConversationPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	var page service.ConversationPage
	if _, err := c.do(ctx, http.MethodGet, "/v1/conversations", q, nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetConversation returns the caller's summary of one conversation.
func (c *Client) GetConversation(ctx context.Context, ref string) (*registrystore.ConversationSummary, error) {
	var summary registrystore.ConversationSummary
	if _, err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(ref), nil, nil, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// MarkRead advances the caller's read position to messageID.
func (c *Client) MarkRead(ctx context.Context, ref string, messageID uuid.UUID) (*service.ReadState, error) {
	body, err := json.Marshal(map[string]string{"uptoMessageId": messageID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	var state service.ReadState
	if _, err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(ref)+"/read", nil, body, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, header http.Header, out any) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.role != "" {
		req.Header.Set("X-Principal-Role", c.role)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && (body.Code != "" || body.Error != "") {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
