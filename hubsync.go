// Package hubsync is the real-time synchronization core of the Hub client:
// job board, marketplace, social feed and messenger.
//
// It owns one live event stream per authenticated session, routes pushed
// events to per-feature reconciliation stores, applies optimistic mutations
// with revert or resync on failure, and backs the surfaces without push
// delivery with a polling fallback.
//
// Example:
//
//	hub, _ := hubsync.NewHub(ctx, hubsync.HubConfig{BaseURL: "https://hub.example.com"})
//	defer hub.Close()
//
//	if _, err := hub.Login(ctx, "ada", "secret"); err != nil { ... }
//
//	conv, err := hub.OpenConversation(ctx, "user-42")
//	if err != nil { ... }
//	defer conv.Close()
//	conv.Send(ctx, "Hello!")
package hubsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized []func(error)

	Auth          *AuthClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
	Favorites     *FavoritesClient
	Jobs          *JobsClient
	Applications  *ApplicationsClient
	Listings      *ListingsClient
	Friends       *FriendsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the request timeout on a copy of the HTTP client, so a
// client passed to WithHTTPClient and shared with streams keeps its own.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = timeout
		c.httpClient = &hc
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new client. token may be "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Favorites = &FavoritesClient{c: c}
	c.Jobs = &JobsClient{c: c}
	c.Applications = &ApplicationsClient{c: c}
	c.Listings = &ListingsClient{c: c}
	c.Friends = &FriendsClient{c: c}
	return c
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken sets or clears the bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnUnauthorized registers a hook fired whenever a request is rejected with 401.
func (c *Client) OnUnauthorized(h func(error)) {
	c.mu.Lock()
	c.onUnauthorized = append(c.onUnauthorized, h)
	c.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", slog.String("method", method), slog.String("path", path), slog.String("error", err.Error()))
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(err)
	}

	var result Result
	decodeErr := json.Unmarshal(data, &result)

	if resp.StatusCode >= 300 || decodeErr != nil || !result.OK {
		apiErr := errorFromResponse(resp.StatusCode, result.Error)
		if apiErr.Kind == KindUnauthorized {
			c.fireUnauthorized(apiErr)
		}
		return nil, apiErr
	}
	return &result, nil
}

func (c *Client) fireUnauthorized(err error) {
	c.mu.RLock()
	hooks := append([]func(error){}, c.onUnauthorized...)
	c.mu.RUnlock()
	for _, h := range hooks {
		h(err)
	}
}

func decodeData[T any](res *Result) (T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return v, nil
}

func escape(id string) string {
	return url.PathEscape(id)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles login and identity.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, username, password string) (*LoginData, error) {
	res, err := a.c.do(ctx, "POST", "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	data, err := decodeData[LoginData](res)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	res, err := a.c.do(ctx, "GET", "/api/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	u, err := decodeData[User](res)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// MessagesClient handles direct messages.
type MessagesClient struct{ c *Client }

// History returns the full message history with a counterpart, oldest first.
func (m *MessagesClient) History(ctx context.Context, userID string) ([]Message, error) {
	res, err := m.c.do(ctx, "GET", "/api/messages/"+escape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Message](res)
}

// Send creates a message. The created message is also pushed back over the
// event stream as a new_message echo.
func (m *MessagesClient) Send(ctx context.Context, receiverID, content string) (*Message, error) {
	res, err := m.c.do(ctx, "POST", "/api/messages", map[string]string{
		"receiverId": receiverID,
		"content":    content,
	}, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeData[Message](res)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks every message from userID to the current user as read.
func (m *MessagesClient) MarkRead(ctx context.Context, userID string) error {
	_, err := m.c.do(ctx, "POST", "/api/messages/"+escape(userID)+"/read", nil, nil)
	return err
}

// Conversations lists the inbox.
func (m *MessagesClient) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	res, err := m.c.do(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]ConversationSummary](res)
}

// NotificationsClient handles the notification feed.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context) ([]NotificationItem, error) {
	res, err := n.c.do(ctx, "GET", "/api/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]NotificationItem](res)
}

func (n *NotificationsClient) MarkRead(ctx context.Context, ids []string) error {
	_, err := n.c.do(ctx, "POST", "/api/notifications/read", map[string][]string{"ids": ids}, nil)
	return err
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.c.do(ctx, "POST", "/api/notifications/read-all", nil, nil)
	return err
}

func (n *NotificationsClient) Delete(ctx context.Context, id string) error {
	_, err := n.c.do(ctx, "DELETE", "/api/notifications/"+escape(id), nil, nil)
	return err
}

// FavoritesClient handles the favorite listing ids.
type FavoritesClient struct{ c *Client }

func (f *FavoritesClient) List(ctx context.Context) ([]string, error) {
	res, err := f.c.do(ctx, "GET", "/api/favorites", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]string](res)
}

func (f *FavoritesClient) Add(ctx context.Context, id string) error {
	_, err := f.c.do(ctx, "POST", "/api/favorites/"+escape(id), nil, nil)
	return err
}

func (f *FavoritesClient) Remove(ctx context.Context, id string) error {
	_, err := f.c.do(ctx, "DELETE", "/api/favorites/"+escape(id), nil, nil)
	return err
}

// JobsClient handles job board listings.
type JobsClient struct{ c *Client }

func (j *JobsClient) List(ctx context.Context, opts *JobSearchOptions) ([]Job, error) {
	var query url.Values
	if opts != nil {
		query = url.Values{}
		if opts.Query != "" {
			query.Set("q", opts.Query)
		}
		if opts.Location != "" {
			query.Set("location", opts.Location)
		}
		if opts.Type != "" {
			query.Set("type", opts.Type)
		}
		if opts.Limit > 0 {
			query.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	res, err := j.c.do(ctx, "GET", "/api/jobs", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Job](res)
}

func (j *JobsClient) Get(ctx context.Context, id string) (*Job, error) {
	res, err := j.c.do(ctx, "GET", "/api/jobs/"+escape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	job, err := decodeData[Job](res)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ApplicationsClient handles job applications.
type ApplicationsClient struct{ c *Client }

// ForJob lists the applications an employer received for one posting.
func (a *ApplicationsClient) ForJob(ctx context.Context, jobID string) ([]Application, error) {
	res, err := a.c.do(ctx, "GET", "/api/jobs/"+escape(jobID)+"/applications", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Application](res)
}

// Mine lists the current user's own applications.
func (a *ApplicationsClient) Mine(ctx context.Context) ([]Application, error) {
	res, err := a.c.do(ctx, "GET", "/api/applications", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Application](res)
}

// ListingsClient handles marketplace listings.
type ListingsClient struct{ c *Client }

func (l *ListingsClient) List(ctx context.Context) ([]Listing, error) {
	res, err := l.c.do(ctx, "GET", "/api/listings", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Listing](res)
}

func (l *ListingsClient) Create(ctx context.Context, opts *CreateListingOptions) (*Listing, error) {
	res, err := l.c.do(ctx, "POST", "/api/listings", opts, nil)
	if err != nil {
		return nil, err
	}
	listing, err := decodeData[Listing](res)
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// FriendsClient handles friend requests.
type FriendsClient struct{ c *Client }

func (f *FriendsClient) Requests(ctx context.Context) ([]FriendRequest, error) {
	res, err := f.c.do(ctx, "GET", "/api/friends/requests", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]FriendRequest](res)
}

func (f *FriendsClient) Accept(ctx context.Context, requestID string) error {
	_, err := f.c.do(ctx, "POST", "/api/friends/requests/"+escape(requestID)+"/accept", nil, nil)
	return err
}
