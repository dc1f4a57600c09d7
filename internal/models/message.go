package models

// ChatMessage represents an ephemeral chat record. It lives in the store only
// until its TTL elapses.
type ChatMessage struct {
	ID        string `json:"id"`        // ULID
	UserID    string `json:"userId"`    // Presence identity
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"` // Unix ms
}
