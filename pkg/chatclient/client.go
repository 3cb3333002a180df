// Package chatclient is a Go client for the conversation HTTP and
// websocket API, with an optimistic send pipeline for interactive use.
package chatclient

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
	"time"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/models"
)

// ErrTransport marks failures where the request may not have reached the
// server or the response was lost. Only these are worth retrying.
var ErrTransport = errors.New("transport failure")

// APIError is a non-2xx response. It unwraps to the matching apperr sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return apperr.FromCode(e.Code)
}

// IsRetryable reports whether err came from the transport rather than a
// server decision.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New returns a client for baseURL authenticating with a bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) StartConversation(ctx context.Context, initiatorID, counterpartID int64) (models.Conversation, error) {
	var conv models.Conversation
	body := map[string]int64{"initiator_id": initiatorID, "counterpart_id": counterpartID}
	err := c.do(ctx, http.MethodPost, "/conversations", body, &conv)
	return conv, err
}

func (c *Client) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID, ""), nil, &conv)
	return conv, err
}

func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/conversations", nil, &resp)
	return resp.Conversations, err
}

// SendMessage posts text. A non-empty clientToken makes retries of the
// same logical send idempotent.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, text, clientToken string) (models.Message, error) {
	var msg models.Message
	body := map[string]string{"text": text, "client_token": clientToken}
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), body, &msg)
	return msg, err
}

// ListMessages fetches one page walking backward from cursor. Pages come
// back oldest first; prepend older pages to keep the log ascending.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, cursor string, limit int, markRead bool) (models.MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !markRead {
		q.Set("mark_read", "false")
	}
	path := conversationPath(conversationID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page models.MessagePage
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64) (int64, error) {
	var resp struct {
		Marked int64 `json:"marked"`
	}
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, &resp)
	return resp.Marked, err
}

func (c *Client) UnreadCount(ctx context.Context, conversationID int64) (int, error) {
	var resp struct {
		Unread int `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/unread"), nil, &resp)
	return resp.Unread, err
}

func (c *Client) MarkContract(ctx context.Context, conversationID int64, validUntil time.Time) (models.Conversation, error) {
	var conv models.Conversation
	body := map[string]time.Time{"valid_until": validUntil}
	err := c.do(ctx, http.MethodPut, conversationPath(conversationID, "/contract"), body, &conv)
	return conv, err
}

func (c *Client) CancelContract(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, http.MethodDelete, conversationPath(conversationID, "/contract"), nil, &conv)
	return conv, err
}

func conversationPath(conversationID int64, suffix string) string {
	return "/conversations/" + strconv.FormatInt(conversationID, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Code: apperr.CodeInternal, Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if resp.Body != nil && json.NewDecoder(resp.Body).Decode(&payload) == nil {
		if payload.Code != "" {
			apiErr.Code = payload.Code
		}
		if payload.Error != "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}
