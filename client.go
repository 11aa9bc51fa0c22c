// Package chatsync keeps a chat client's message timelines, conversation list
// and typing presence consistent across optimistic local mutations, server
// acknowledgements and an asynchronous change-feed.
//
// Example:
//
//	api := chatsync.NewHTTPClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	feed := chatsync.NewWSFeed("https://chat.example.com", chatsync.RealtimeConfig{Token: token})
//	engine := chatsync.NewEngine(actorID, api, api, feed)
//
//	engine.Start(ctx)
//	engine.Mount(ctx, "conv-123")
//	engine.Send(ctx, "conv-123", "hi", chatsync.SendOptions{})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3200"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// HTTPClient
// ============================================================================

// HTTPClient implements CommandAPI and ReadAPI over the chat server's REST
// API. Every response is an {ok, data, error} envelope.
type HTTPClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*HTTPClient)

func WithBaseURL(u string) ClientOption {
	return func(c *HTTPClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) { c.httpClient = client }
}

// NewHTTPClient creates a client authenticated with token.
func NewHTTPClient(token string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server address requests are sent to.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *apiResult) decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*apiResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}

	var result apiResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 400 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	// A bodiless 2xx (204 No Content) is a success with no data.
	if resp.StatusCode >= 400 || (len(data) > 0 && !result.OK) {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return &result, nil
}

func esc(s string) string { return url.PathEscape(s) }

type messageData struct {
	ConversationID string   `json:"conversationId,omitempty"`
	Message        *Message `json:"message"`
}

func (c *HTTPClient) message(ctx context.Context, method, path string, body any) (*Message, error) {
	res, err := c.doRequest(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	var d messageData
	if err := res.decode(&d); err != nil {
		return nil, err
	}
	if d.Message != nil {
		d.Message.State = DeliverySent
		if d.Message.ConversationID == "" {
			d.Message.ConversationID = d.ConversationID
		}
	}
	return d.Message, nil
}

// ============================================================================
// CommandAPI
// ============================================================================

type sendRequest struct {
	Content  string   `json:"content"`
	Type     string   `json:"type"`
	ParentID string   `json:"parentId,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	MediaIDs []string `json:"mediaIds,omitempty"`
}

func (c *HTTPClient) SendMessage(ctx context.Context, conversationID, content string, opts SendOptions) (*Message, error) {
	body := sendRequest{
		Content:  content,
		Type:     "text",
		ParentID: opts.ReplyToMessageID,
		ClientID: opts.ClientID,
		MediaIDs: opts.MediaIDs,
	}
	return c.message(ctx, http.MethodPost, "/api/im/messages/"+esc(conversationID), body)
}

func (c *HTTPClient) EditMessage(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	return c.message(ctx, http.MethodPatch, "/api/im/messages/"+esc(conversationID)+"/"+esc(messageID), map[string]string{"content": content})
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/im/messages/"+esc(conversationID)+"/"+esc(messageID), nil, nil)
	return err
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	body := map[string][]string{"messageIds": messageIDs}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/im/conversations/"+esc(conversationID)+"/read", body, nil)
	return err
}

// ============================================================================
// ReadAPI
// ============================================================================

func (c *HTTPClient) ListMessages(ctx context.Context, conversationID, cursor string) (*Page, error) {
	var query map[string]string
	if cursor != "" {
		query = map[string]string{"cursor": cursor}
	}
	res, err := c.doRequest(ctx, http.MethodGet, "/api/im/messages/"+esc(conversationID), nil, query)
	if err != nil {
		return nil, err
	}
	var page Page
	if err := res.decode(&page); err != nil {
		return nil, err
	}
	for i := range page.Messages {
		page.Messages[i].State = DeliverySent
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
	}
	return &page, nil
}

// GetMessage returns nil, nil when the message does not exist or is not
// visible to the actor.
func (c *HTTPClient) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	msg, err := c.message(ctx, http.MethodGet, "/api/im/message/"+esc(messageID), nil)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusForbidden) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

func (c *HTTPClient) ListConversations(ctx context.Context) (*ConversationList, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/im/conversations", nil, map[string]string{"withUnread": "true"})
	if err != nil {
		return nil, err
	}
	var list ConversationList
	if err := res.decode(&list); err != nil {
		return nil, err
	}
	return &list, nil
}
