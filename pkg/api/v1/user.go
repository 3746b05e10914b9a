package v1

import "time"

// User represents a chat user account
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Admin      bool      `json:"admin"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ListUsersResponse carries every user known to the service
type ListUsersResponse struct {
	Users []User `json:"users"`
	Total int    `json:"total"`
}

// SessionMessage is one turn of a user's conversation history
type SessionMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionResponse is a user's current conversation window
type SessionResponse struct {
	UserID   string           `json:"user_id"`
	Messages []SessionMessage `json:"messages"`
}
