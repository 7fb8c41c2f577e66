package hubsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const reloadTimeout = 15 * time.Second

// HubConfig configures a Hub. Zero values fall back to defaults.
type HubConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// KV holds the session and cart across restarts. Defaults to MemoryKV.
	KV KV
	// Broadcaster shares cart updates between Hubs. Defaults to a private
	// LocalBroadcaster.
	Broadcaster  Broadcaster
	Logger       *slog.Logger
	Connection   ConnectionConfig
	PollInterval time.Duration
	QueueSize    int
}

// Hub wires the client, session, connection, router and stores of one
// signed-in user together. Session changes drive the connection: a new
// session starts it, losing the session stops it and resets every
// per-user store.
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	client   *Client
	sessions *SessionManager
	router   *Router
	conn     *ConnectionManager
	cart     *Cart

	mu            sync.Mutex
	userID        string
	notifications *NotificationFeed
	favorites     *Favorites
	inbox         *ConversationList
	detach        []func()
	conversations map[*Conversation]struct{}
	pollers       []interface{ Stop() }
	closed        bool

	rmu     sync.RWMutex
	nextID  int
	onReset map[int]func()
	unsubs  []func()
}

// NewHub builds a signed-out Hub and loads the persisted cart.
func NewHub(ctx context.Context, cfg HubConfig) (*Hub, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.KV == nil {
		cfg.KV = NewMemoryKV()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NewLocalBroadcaster()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Connection.BaseURL == "" {
		cfg.Connection.BaseURL = cfg.BaseURL
	}
	if cfg.Connection.Logger == nil {
		cfg.Connection.Logger = cfg.Logger
	}

	opts := []ClientOption{WithBaseURL(cfg.BaseURL), WithLogger(cfg.Logger)}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}

	cart, err := NewCart(ctx, cfg.KV, cfg.Broadcaster, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	router := NewRouter(cfg.Logger, cfg.QueueSize)
	h := &Hub{
		cfg:           cfg,
		logger:        cfg.Logger,
		client:        NewClient("", opts...),
		sessions:      NewSessionManager(cfg.KV, cfg.Logger),
		router:        router,
		conn:          NewConnectionManager(cfg.Connection, router),
		cart:          cart,
		conversations: make(map[*Conversation]struct{}),
		onReset:       make(map[int]func()),
	}

	h.client.OnUnauthorized(h.onUnauthorized)
	h.unsubs = append(h.unsubs,
		h.sessions.Observe(h.onSession),
		h.conn.OnStatus(h.onStatus),
	)
	return h, nil
}

// Client returns the REST client. Its token follows the session.
func (h *Hub) Client() *Client { return h.client }

func (h *Hub) Router() *Router { return h.router }

func (h *Hub) Connection() *ConnectionManager { return h.conn }

// Cart is shared by every session of this Hub.
func (h *Hub) Cart() *Cart { return h.cart }

// Session returns the active session.
func (h *Hub) Session() (*Session, bool) { return h.sessions.Current() }

// Notifications returns the signed-in user's feed, nil while signed out.
func (h *Hub) Notifications() *NotificationFeed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notifications
}

// Favorites returns the signed-in user's favorites, nil while signed out.
func (h *Hub) Favorites() *Favorites {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.favorites
}

// Inbox returns the signed-in user's conversation list, nil while signed out.
func (h *Hub) Inbox() *ConversationList {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inbox
}

// OnReset registers fn to run whenever the per-user state is thrown away
// (logout, expiry, or a rejected credential).
func (h *Hub) OnReset(fn func()) func() {
	h.rmu.Lock()
	id := h.nextID
	h.nextID++
	h.onReset[id] = fn
	h.rmu.Unlock()
	return func() {
		h.rmu.Lock()
		delete(h.onReset, id)
		h.rmu.Unlock()
	}
}

// Login authenticates and starts the session.
func (h *Hub) Login(ctx context.Context, username, password string) (*Session, error) {
	data, err := h.client.Auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	s := NewSession(data.Token, data.User)
	if err := h.sessions.Set(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume restores the persisted session and checks it with the backend. A
// rejected credential ends the session; a network failure keeps it.
func (h *Hub) Resume(ctx context.Context) (*Session, error) {
	s, err := h.sessions.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.client.Auth.Me(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		h.logger.Warn("could not verify restored session", slog.String("error", err.Error()))
	}
	return s, nil
}

// Logout ends the session. The connection is torn down before it returns.
func (h *Hub) Logout(ctx context.Context) {
	h.sessions.Clear(ctx, "logout")
}

// OpenConversation opens and loads the thread with counterpart. The
// Conversation is returned even when the load fails, so it can be retried.
func (h *Hub) OpenConversation(ctx context.Context, counterpart string) (*Conversation, error) {
	h.mu.Lock()
	if h.userID == "" {
		h.mu.Unlock()
		return nil, ErrNoSession
	}
	inbox := h.inbox
	c := NewConversation(h.client.Messages, h.userID, counterpart, h.logger)
	c.readHook = inbox.markLocalRead
	c.closeHook = func() {
		inbox.setOpen(counterpart, -1)
		h.mu.Lock()
		delete(h.conversations, c)
		h.mu.Unlock()
	}
	h.conversations[c] = struct{}{}
	h.mu.Unlock()

	inbox.setOpen(counterpart, 1)
	c.Attach(h.router)
	return c, c.Load(ctx)
}

// WatchJobs polls the job board for query until the poller is stopped or the
// session ends.
func (h *Hub) WatchJobs(query *JobSearchOptions) (*Poller[Job], error) {
	p := NewPoller("jobs", h.cfg.PollInterval, func(ctx context.Context) ([]Job, error) {
		return h.client.Jobs.List(ctx, query)
	}, h.logger)
	return p, h.track(p)
}

// WatchApplications polls the applications received for jobID.
func (h *Hub) WatchApplications(jobID string) (*Poller[Application], error) {
	p := NewPoller("applications", h.cfg.PollInterval, func(ctx context.Context) ([]Application, error) {
		return h.client.Applications.ForJob(ctx, jobID)
	}, h.logger)
	return p, h.track(p)
}

// WatchMyApplications polls the signed-in user's own applications and
// their status.
func (h *Hub) WatchMyApplications() (*Poller[Application], error) {
	p := NewPoller("my_applications", h.cfg.PollInterval, h.client.Applications.Mine, h.logger)
	return p, h.track(p)
}

// WatchFriendRequests polls pending friend requests.
func (h *Hub) WatchFriendRequests() (*Poller[FriendRequest], error) {
	p := NewPoller("friend_requests", h.cfg.PollInterval, h.client.Friends.Requests, h.logger)
	return p, h.track(p)
}

// WatchListings polls the marketplace.
func (h *Hub) WatchListings() (*Poller[Listing], error) {
	p := NewPoller("listings", h.cfg.PollInterval, h.client.Listings.List, h.logger)
	return p, h.track(p)
}

// Close stops everything. The persisted session survives for Resume.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	for _, unsub := range h.unsubs {
		unsub()
	}
	h.conn.Stop()
	h.resetStores()
	h.cart.Close()
	h.router.Close()
}

// track starts p and ties it to the current session.
func (h *Hub) track(p interface {
	Start()
	Stop()
}) error {
	h.mu.Lock()
	if h.userID == "" {
		h.mu.Unlock()
		return ErrNoSession
	}
	h.pollers = append(h.pollers, p)
	h.mu.Unlock()
	p.Start()
	return nil
}

// ============================================================================
// Session and connection wiring
// ============================================================================

func (h *Hub) onSession(s *Session) {
	if s == nil {
		h.client.SetToken("")
		h.conn.Stop()
		if h.resetStores() {
			h.fireReset()
		}
		return
	}

	h.client.SetToken(s.Token)

	h.mu.Lock()
	switched := h.userID != s.UserID
	h.mu.Unlock()
	if switched {
		if h.resetStores() {
			h.fireReset()
		}
		h.buildStores(s.UserID)
	}

	if err := h.conn.Start(s); err != nil {
		h.logger.Warn("start connection failed", slog.String("error", err.Error()))
	}
	go h.reload("session_start")
}

func (h *Hub) onStatus(st ConnectionStatus) {
	switch st.State {
	case StateConnected:
		// Anything pushed while we were not listening is only visible to a fetch.
		go h.reload("connected")
	case StateErrored:
		if errors.Is(st.Err, ErrUnauthorized) {
			go h.onUnauthorized(st.Err)
		}
	}
}

func (h *Hub) onUnauthorized(err error) {
	if _, ok := h.sessions.Current(); !ok {
		return
	}
	h.logger.Warn("credential rejected, signing out", slog.String("error", err.Error()))
	h.sessions.Clear(context.Background(), "unauthorized")
}

func (h *Hub) buildStores(userID string) {
	feed := NewNotificationFeed(h.client.Notifications, h.logger)
	favorites := NewFavorites(h.client.Favorites, h.logger)
	inbox := NewConversationList(h.client.Messages, userID, h.logger)

	h.mu.Lock()
	h.userID = userID
	h.notifications = feed
	h.favorites = favorites
	h.inbox = inbox
	h.detach = []func(){
		feed.Attach(h.router),
		h.router.OnMessage(inbox.OnInboundMessage),
	}
	h.mu.Unlock()
}

// resetStores closes every per-user store and reports whether there were any.
func (h *Hub) resetStores() bool {
	h.mu.Lock()
	if h.userID == "" {
		h.mu.Unlock()
		return false
	}
	feed, favorites, inbox := h.notifications, h.favorites, h.inbox
	detach, pollers := h.detach, h.pollers
	conversations := make([]*Conversation, 0, len(h.conversations))
	for c := range h.conversations {
		conversations = append(conversations, c)
	}
	h.userID = ""
	h.notifications, h.favorites, h.inbox = nil, nil, nil
	h.detach, h.pollers = nil, nil
	h.mu.Unlock()

	for _, d := range detach {
		d()
	}
	for _, p := range pollers {
		p.Stop()
	}
	for _, c := range conversations {
		c.Close()
	}
	feed.Close()
	favorites.Close()
	inbox.Close()
	return true
}

func (h *Hub) fireReset() {
	for _, fn := range snapshotHandlers(&h.rmu, h.onReset) {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					h.logger.Error("reset listener panicked", slog.Any("panic", rec))
				}
			}()
			fn()
		}()
	}
}

// reload refetches the notification feed, favorites, inbox and every open
// conversation.
func (h *Hub) reload(why string) {
	h.mu.Lock()
	feed, favorites, inbox := h.notifications, h.favorites, h.inbox
	loads := []func(context.Context) error{}
	if feed != nil {
		loads = append(loads, feed.Load, favorites.Load, inbox.Load)
		for c := range h.conversations {
			if c.State() == ConversationLoaded {
				loads = append(loads, c.Load)
			}
		}
	}
	h.mu.Unlock()
	if len(loads) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	h.logger.Debug("reloading stores", slog.String("reason", why))
	for _, load := range loads {
		if err := load(ctx); err != nil && !errors.Is(err, ErrClosed) {
			h.logger.Debug("reload failed", slog.String("reason", why), slog.String("error", err.Error()))
			if errors.Is(err, ErrUnauthorized) {
				return
			}
		}
	}
}
