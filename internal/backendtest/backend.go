// Package backendtest is an in-memory backend for exercising hubsync end to
// end: the REST endpoints, JWT bearer auth, and the /ws and /sse event
// streams, with hooks to inject failures and suppress echoes.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/Prismer-AI/hubsync"
)

type contextKey string

const userKey contextKey = "user_id"

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type account struct {
	user     hubsync.User
	password string
	revoked  bool
}

type failure struct {
	status    int
	remaining int
}

// Server is a running fake backend. Its zero value is not usable; call New.
type Server struct {
	*httptest.Server
	secret   []byte
	tokenTTL time.Duration

	mu            sync.Mutex
	accounts      map[string]*account // by username
	byID          map[string]*account
	messages      []hubsync.Message
	notifications map[string][]hubsync.NotificationItem
	favorites     map[string]map[string]struct{}
	jobs          []hubsync.Job
	applications  []hubsync.Application
	listings      []hubsync.Listing
	friends       map[string][]hubsync.FriendRequest
	failures      map[string]*failure
	counts        map[string]int
	suppressEcho  bool
	streams       int
	nextSub       int
	subs          map[string]map[int]chan []byte
}

// New starts a backend that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		secret:        []byte("backendtest-" + uuid.NewString()),
		tokenTTL:      time.Hour,
		accounts:      make(map[string]*account),
		byID:          make(map[string]*account),
		notifications: make(map[string][]hubsync.NotificationItem),
		favorites:     make(map[string]map[string]struct{}),
		friends:       make(map[string][]hubsync.FriendRequest),
		failures:      make(map[string]*failure),
		counts:        make(map[string]int),
		subs:          make(map[string]map[int]chan []byte),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		// Open streams would keep Close waiting.
		s.DropStreams()
		s.Server.CloseClientConnections()
		s.Server.Close()
	})
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.inject)

	r.Post("/api/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/ws", s.serveWS)
		r.Get("/sse", s.serveSSE)

		r.Get("/api/auth/me", s.me)

		r.Get("/api/conversations", s.listConversations)
		r.Get("/api/messages/{userID}", s.history)
		r.Post("/api/messages", s.sendMessage)
		r.Post("/api/messages/{userID}/read", s.markMessagesRead)

		r.Get("/api/notifications", s.listNotifications)
		r.Post("/api/notifications/read", s.markNotificationsRead)
		r.Post("/api/notifications/read-all", s.markAllNotificationsRead)
		r.Delete("/api/notifications/{id}", s.deleteNotification)

		r.Get("/api/favorites", s.listFavorites)
		r.Post("/api/favorites/{id}", s.addFavorite)
		r.Delete("/api/favorites/{id}", s.removeFavorite)

		r.Get("/api/jobs", s.listJobs)
		r.Get("/api/jobs/{id}", s.getJob)
		r.Get("/api/jobs/{id}/applications", s.jobApplications)
		r.Get("/api/applications", s.myApplications)

		r.Get("/api/listings", s.listListings)
		r.Post("/api/listings", s.createListing)

		r.Get("/api/friends/requests", s.listFriendRequests)
		r.Post("/api/friends/requests/{id}/accept", s.acceptFriendRequest)
	})
	return r
}

// ============================================================================
// Test controls
// ============================================================================

// AddUser registers an account and returns it.
func (s *Server) AddUser(username, password string) hubsync.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &account{
		user:     hubsync.User{ID: "u-" + username, Username: username},
		password: password,
	}
	s.accounts[username] = a
	s.byID[a.user.ID] = a
	return a.user
}

// Token mints a valid bearer token for userID.
func (s *Server) Token(userID string) string {
	s.mu.Lock()
	a, ttl := s.byID[userID], s.tokenTTL
	s.mu.Unlock()
	if a == nil {
		return ""
	}
	return s.mint(a.user, ttl)
}

// SetTokenTTL changes the lifetime of tokens issued from now on.
func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	s.tokenTTL = d
	s.mu.Unlock()
}

// Revoke makes every token of userID answer 401 and drops its streams.
func (s *Server) Revoke(userID string) {
	s.mu.Lock()
	if a := s.byID[userID]; a != nil {
		a.revoked = true
	}
	for id, ch := range s.subs[userID] {
		close(ch)
		delete(s.subs[userID], id)
	}
	s.mu.Unlock()
}

// Fail makes the next times requests to method+path answer status.
func (s *Server) Fail(method, path string, status, times int) {
	s.mu.Lock()
	s.failures[method+" "+path] = &failure{status: status, remaining: times}
	s.mu.Unlock()
}

// SuppressEcho stops new_message pushes for messages created over REST.
func (s *Server) SuppressEcho(on bool) {
	s.mu.Lock()
	s.suppressEcho = on
	s.mu.Unlock()
}

// Count returns how many requests method+path has received.
func (s *Server) Count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method+" "+path]
}

// Streams returns how many event streams have been opened in total.
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

// Subscribers returns how many event streams userID has open now.
func (s *Server) Subscribers(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[userID])
}

// DropStreams closes every open stream without revoking anything.
func (s *Server) DropStreams() {
	s.mu.Lock()
	for user, subs := range s.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subs, user)
	}
	s.mu.Unlock()
}

// Push sends an event to every open stream of userID.
func (s *Server) Push(userID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	frame, _ := json.Marshal(hubsync.Envelope{Type: eventType, Payload: data})
	s.mu.Lock()
	s.pushLocked(userID, frame)
	s.mu.Unlock()
}

// AddMessage stores a message and pushes it to both participants, like a
// message sent from another client.
func (s *Server) AddMessage(from, to, content string) hubsync.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.storeMessageLocked(from, to, content)
	s.echoLocked(m)
	return m
}

// AddNotification stores item for userID and pushes it.
func (s *Server) AddNotification(userID string, item hubsync.NotificationItem, push bool) hubsync.NotificationItem {
	if item.ID == "" {
		item.ID = "n-" + uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.notifications[userID] = append([]hubsync.NotificationItem{item}, s.notifications[userID]...)
	s.mu.Unlock()
	if push {
		s.Push(userID, hubsync.EventNotification, item)
	}
	return item
}

// Notifications returns the stored feed of userID.
func (s *Server) Notifications(userID string) []hubsync.NotificationItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hubsync.NotificationItem(nil), s.notifications[userID]...)
}

// Favorites returns the stored favorite ids of userID, sorted.
func (s *Server) Favorites(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.favorites[userID])
}

func (s *Server) AddJob(j hubsync.Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
}

func (s *Server) AddApplication(a hubsync.Application) {
	s.mu.Lock()
	s.applications = append(s.applications, a)
	s.mu.Unlock()
}

func (s *Server) AddListing(l hubsync.Listing) {
	s.mu.Lock()
	s.listings = append(s.listings, l)
	s.mu.Unlock()
}

func (s *Server) AddFriendRequest(userID string, fr hubsync.FriendRequest) {
	s.mu.Lock()
	s.friends[userID] = append(s.friends[userID], fr)
	s.mu.Unlock()
}

// ============================================================================
// Middleware
// ============================================================================

// inject counts requests and applies configured failures.
func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.counts[key]++
		f := s.failures[key]
		status := 0
		if f != nil && f.remaining > 0 {
			f.remaining--
			status = f.status
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected", "injected failure", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}

		var c claims
		parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token", nil)
			return
		}

		s.mu.Lock()
		a := s.byID[c.Subject]
		revoked := a == nil || a.revoked
		s.mu.Unlock()
		if revoked {
			writeError(w, http.StatusUnauthorized, "unauthorized", "token revoked", nil)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, c.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) mint(u hubsync.User, ttl time.Duration) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    "backendtest",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	ss, err := token.SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return ss
}

func currentUser(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// ============================================================================
// Streams
// ============================================================================

func (s *Server) subscribe(userID string) (int, chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan []byte, 64)
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[int]chan []byte)
	}
	s.subs[userID][id] = ch
	s.streams++
	return id, ch
}

func (s *Server) unsubscribe(userID string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[userID][id]; ok {
		close(ch)
		delete(s.subs[userID], id)
	}
}

func (s *Server) pushLocked(userID string, frame []byte) {
	for _, ch := range s.subs[userID] {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	userID := currentUser(r)
	id, ch := s.subscribe(userID)
	defer s.unsubscribe(userID, id)

	// CloseRead answers pings and notices when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream dropped")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	userID := currentUser(r)
	id, ch := s.subscribe(userID)
	defer s.unsubscribe(userID, id)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

// ============================================================================
// Handlers: auth and messages
// ============================================================================

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}
	if req.Username == "" || req.Password == "" {
		details := map[string]string{}
		if req.Username == "" {
			details["username"] = "required"
		}
		if req.Password == "" {
			details["password"] = "required"
		}
		writeError(w, http.StatusUnprocessableEntity, "validation", "invalid credentials payload", details)
		return
	}

	s.mu.Lock()
	a := s.accounts[req.Username]
	ttl := s.tokenTTL
	s.mu.Unlock()
	if a == nil || a.password != req.Password {
		writeError(w, http.StatusUnauthorized, "unauthorized", "wrong username or password", nil)
		return
	}
	writeData(w, http.StatusOK, hubsync.LoginData{Token: s.mint(a.user, ttl), User: a.user})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	a := s.byID[currentUser(r)]
	s.mu.Unlock()
	writeData(w, http.StatusOK, a.user)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	self, other := currentUser(r), chi.URLParam(r, "userID")
	s.mu.Lock()
	out := []hubsync.Message{}
	for _, m := range s.messages {
		if between(m, self, other) {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "content is required", map[string]string{"content": "required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[req.ReceiverID] == nil {
		writeError(w, http.StatusNotFound, "not_found", "receiver not found", nil)
		return
	}
	m := s.storeMessageLocked(currentUser(r), req.ReceiverID, req.Content)
	if !s.suppressEcho {
		s.echoLocked(m)
	}
	writeData(w, http.StatusCreated, m)
}

func (s *Server) markMessagesRead(w http.ResponseWriter, r *http.Request) {
	self, other := currentUser(r), chi.URLParam(r, "userID")
	s.mu.Lock()
	for i, m := range s.messages {
		if m.SenderID == other && m.ReceiverID == self {
			s.messages[i].IsRead = true
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, nil)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r)
	s.mu.Lock()
	byUser := map[string]*hubsync.ConversationSummary{}
	var order []string
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		var other string
		switch self {
		case m.SenderID:
			other = m.ReceiverID
		case m.ReceiverID:
			other = m.SenderID
		default:
			continue
		}
		sum := byUser[other]
		if sum == nil {
			msg := m
			sum = &hubsync.ConversationSummary{UserID: other, LastMessage: &msg}
			if a := s.byID[other]; a != nil {
				sum.Username = a.user.Username
			}
			byUser[other] = sum
			order = append(order, other)
		}
		if m.ReceiverID == self && !m.IsRead {
			sum.UnreadCount++
		}
	}
	s.mu.Unlock()

	out := make([]hubsync.ConversationSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byUser[id])
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) storeMessageLocked(from, to, content string) hubsync.Message {
	m := hubsync.Message{
		ID:         "m-" + uuid.NewString(),
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *Server) echoLocked(m hubsync.Message) {
	data, _ := json.Marshal(m)
	frame, _ := json.Marshal(hubsync.Envelope{Type: hubsync.EventNewMessage, Payload: data})
	s.pushLocked(m.SenderID, frame)
	if m.ReceiverID != m.SenderID {
		s.pushLocked(m.ReceiverID, frame)
	}
}

// ============================================================================
// Handlers: notifications and favorites
// ============================================================================

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]hubsync.NotificationItem{}, s.notifications[currentUser(r)]...)
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) markNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}
	want := make(map[string]struct{}, len(req.IDs))
	for _, id := range req.IDs {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	items := s.notifications[currentUser(r)]
	for i := range items {
		if _, ok := want[items[i].ID]; ok {
			items[i].IsRead = true
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, nil)
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := s.notifications[currentUser(r)]
	for i := range items {
		items[i].IsRead = true
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, nil)
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	self, id := currentUser(r), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.notifications[self]
	for i, it := range items {
		if it.ID == id {
			s.notifications[self] = append(items[:i:i], items[i+1:]...)
			writeData(w, http.StatusOK, nil)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "notification not found", nil)
}

func (s *Server) listFavorites(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Favorites(currentUser(r)))
}

func (s *Server) addFavorite(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r)
	s.mu.Lock()
	if s.favorites[self] == nil {
		s.favorites[self] = make(map[string]struct{})
	}
	s.favorites[self][chi.URLParam(r, "id")] = struct{}{}
	s.mu.Unlock()
	writeData(w, http.StatusOK, nil)
}

func (s *Server) removeFavorite(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.favorites[currentUser(r)], chi.URLParam(r, "id"))
	s.mu.Unlock()
	writeData(w, http.StatusOK, nil)
}

// ============================================================================
// Handlers: jobs, listings, friends
// ============================================================================

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.mu.Lock()
	out := []hubsync.Job{}
	for _, j := range s.jobs {
		if q != "" && !strings.Contains(strings.ToLower(j.Title), q) {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			writeData(w, http.StatusOK, j)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "job not found", nil)
}

func (s *Server) jobApplications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	out := []hubsync.Application{}
	for _, a := range s.applications {
		if a.JobID == id {
			out = append(out, a)
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) myApplications(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r)
	s.mu.Lock()
	out := []hubsync.Application{}
	for _, a := range s.applications {
		if a.ApplicantID == self {
			out = append(out, a)
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) listListings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]hubsync.Listing{}, s.listings...)
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) createListing(w http.ResponseWriter, r *http.Request) {
	var req hubsync.CreateListingOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
		return
	}
	details := map[string]string{}
	if strings.TrimSpace(req.Title) == "" {
		details["title"] = "required"
	}
	if req.Price < 0 {
		details["price"] = "must not be negative"
	}
	if len(details) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation", "invalid listing", details)
		return
	}
	l := hubsync.Listing{
		ID:       "l-" + uuid.NewString(),
		Title:    req.Title,
		Price:    req.Price,
		Currency: req.Currency,
		SellerID: currentUser(r),
	}
	s.AddListing(l)
	writeData(w, http.StatusCreated, l)
}

func (s *Server) listFriendRequests(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := []hubsync.FriendRequest{}
	for _, fr := range s.friends[currentUser(r)] {
		if fr.Status == "" || fr.Status == "pending" {
			out = append(out, fr)
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) acceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	self, id := currentUser(r), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, fr := range s.friends[self] {
		if fr.ID == id {
			s.friends[self][i].Status = "accepted"
			writeData(w, http.StatusOK, nil)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "friend request not found", nil)
}

// ============================================================================
// Envelope helpers
// ============================================================================

type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: message, Details: details}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func between(m hubsync.Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
