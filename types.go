package hubsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Chat Types
// ============================================================================

// Message is a single direct message. Messages are immutable once created.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	IsRead     bool      `json:"isRead"`
}

// ConversationSummary is one row of the inbox, keyed by counterpart user id.
type ConversationSummary struct {
	UserID      string   `json:"userId"`
	Username    string   `json:"username,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationItem is one entry of the notification feed.
type NotificationItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	RelatedID string    `json:"relatedId,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Account Types
// ============================================================================

// User identifies an authenticated account.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// LoginData is returned by the login endpoint.
type LoginData struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// FriendRequest is a pending friend request addressed to the current user.
type FriendRequest struct {
	ID        string    `json:"id"`
	From      User      `json:"from"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Job Board Types
// ============================================================================

// Job is a job board posting.
type Job struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Company   string    `json:"company"`
	Location  string    `json:"location,omitempty"`
	Type      string    `json:"type,omitempty"`
	Salary    string    `json:"salary,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobSearchOptions filters a job listing fetch.
type JobSearchOptions struct {
	Query    string
	Location string
	Type     string
	Limit    int
}

// Application is a candidate's application to a job, as seen by the employer.
type Application struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	ApplicantID string    `json:"applicantId"`
	Status      string    `json:"status"`
	CoverLetter string    `json:"coverLetter,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ============================================================================
// Marketplace Types
// ============================================================================

// Listing is a marketplace item. Price is in minor currency units.
type Listing struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Currency string `json:"currency,omitempty"`
	SellerID string `json:"sellerId,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// CreateListingOptions is the payload for creating a marketplace listing.
type CreateListingOptions struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency,omitempty"`
	Category    string `json:"category,omitempty"`
}

// ============================================================================
// Envelope
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
