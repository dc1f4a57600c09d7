package models

// Presence represents a connected avatar as seen by every client.
type Presence struct {
	ID            string `json:"id"`
	Position      int    `json:"position"`
	Hair          int    `json:"hair"`
	Dress         int    `json:"dress"`
	ChatThrottled bool   `json:"chatThrottled"`
	ChatCount     int    `json:"chatCount"`
}

// ResetThrottle clears the chat throttle pair.
func (p *Presence) ResetThrottle() {
	p.ChatCount = 0
	p.ChatThrottled = false
}

// RecordChat advances the chat counter and applies the throttle pair once the
// threshold is reached. It reports whether this call applied the throttle.
func (p *Presence) RecordChat(threshold int) bool {
	if p.ChatThrottled {
		return false
	}
	p.ChatCount++
	if threshold > 0 && p.ChatCount >= threshold {
		p.ChatCount = threshold
		p.ChatThrottled = true
		return true
	}
	return false
}
