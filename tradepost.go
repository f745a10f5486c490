// Package tradepost provides the Go client for Tradepost marketplace
// messaging: the per-user real-time notification socket and the reconciled
// conversation view it feeds.
//
// The package covers only the messaging layer. Listings, categories, and the
// rest of the marketplace API are consumed through the same GraphQL endpoint
// but are not modeled here.
//
// Example:
//
//	client := tradepost.NewClient("user-123",
//		tradepost.WithBaseURL("https://tradepost.example"),
//		tradepost.WithTokenSource(tradepost.StaticToken(jwt)))
//
//	inbox := client.NewInbox()
//	rt, _ := client.Realtime(tradepost.RealtimeConfig{
//		OnMessage: func(m tradepost.Message) { inbox.Add(m) },
//	})
//	rt.Connect(ctx)
//	defer rt.Disconnect()
package tradepost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://tradepost.example"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is a thin consumer of the Tradepost GraphQL API for the messaging
// operations the notification layer needs: the poll query and the send and
// mark-read mutations. It also acts as the factory for RealtimeClient and
// Inbox instances bound to the same user and credential.
type Client struct {
	userID     string
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        *zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = &log }
}

// NewClient creates a client for the given current user.
func NewClient(userID string, opts ...ClientOption) *Client {
	nop := zerolog.Nop()
	c := &Client{
		userID:  userID,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserID returns the user this client acts as.
func (c *Client) UserID() string { return c.userID }

// NewInbox creates an empty reconciled inbox for this client's user.
func (c *Client) NewInbox() *Inbox {
	return NewInbox(c.userID)
}

// Realtime creates a notification-socket client bound to this client's user,
// credential, and logger. Zero fields in cfg inherit those defaults; call
// Connect on the result to establish the socket.
func (c *Client) Realtime(cfg RealtimeConfig) (*RealtimeClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = c.baseURL
	}
	if cfg.UserID == "" {
		cfg.UserID = c.userID
	}
	if cfg.Tokens == nil {
		cfg.Tokens = c.tokens
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return NewRealtimeClient(cfg)
}

// ============================================================================
// GraphQL plumbing
// ============================================================================

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

func (c *Client) gql(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("token lookup: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql endpoint returned HTTP %d", resp.StatusCode)
	}

	var gr gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return &APIError{Code: "GRAPHQL_ERROR", Message: gr.Errors[0].Message}
	}
	if out != nil && gr.Data != nil {
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}
	return nil
}

// ============================================================================
// Messaging operations
// ============================================================================

const messageFields = `id senderId receiverId listingId body isRead createdAt`

// Messages fetches the current user's full message list. The hosting
// application polls this periodically (see Syncer) and merges the result into
// an Inbox; results are additive there, never authoritative overwrites.
func (c *Client) Messages(ctx context.Context) ([]Message, error) {
	query := fmt.Sprintf(`query { myMessages { %s } }`, messageFields)
	var data struct {
		MyMessages []Message `json:"myMessages"`
	}
	if err := c.gql(ctx, query, nil, &data); err != nil {
		return nil, err
	}
	return data.MyMessages, nil
}

// SendMessage sends a message about a listing and returns the server-assigned
// record, which callers merge into their Inbox like any poll result.
func (c *Client) SendMessage(ctx context.Context, receiverID, listingID, body string) (*Message, error) {
	query := fmt.Sprintf(`mutation SendMessage($receiverId: ID!, $listingId: ID!, $body: String!, $clientMutationId: String) {
		sendMessage(receiverId: $receiverId, listingId: $listingId, body: $body, clientMutationId: $clientMutationId) { message { %s } }
	}`, messageFields)
	var data struct {
		SendMessage struct {
			Message *Message `json:"message"`
		} `json:"sendMessage"`
	}
	// The mutation id lets the server deduplicate retried sends.
	err := c.gql(ctx, query, map[string]any{
		"receiverId":       receiverID,
		"listingId":        listingID,
		"body":             body,
		"clientMutationId": uuid.NewString(),
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.SendMessage.Message == nil {
		return nil, &APIError{Code: "EMPTY_RESULT", Message: "sendMessage returned no message"}
	}
	return data.SendMessage.Message, nil
}

// MarkMessageRead confirms a read flag with the server and returns the updated
// record. The local flip happens optimistically in the Inbox before this call.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) (*Message, error) {
	query := fmt.Sprintf(`mutation MarkMessageRead($id: ID!) {
		markMessageRead(id: $id) { message { %s } }
	}`, messageFields)
	var data struct {
		MarkMessageRead struct {
			Message *Message `json:"message"`
		} `json:"markMessageRead"`
	}
	if err := c.gql(ctx, query, map[string]any{"id": messageID}, &data); err != nil {
		return nil, err
	}
	if data.MarkMessageRead.Message == nil {
		return nil, &APIError{Code: "EMPTY_RESULT", Message: "markMessageRead returned no message"}
	}
	return data.MarkMessageRead.Message, nil
}
