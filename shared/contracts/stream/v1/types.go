package v1

import (
	"strings"
	"time"
)

// Session statuses (wire-stable).
const (
	StatusActive   = "ACTIVE"
	StatusArchived = "ARCHIVED"
	StatusClosed   = "CLOSED"
)

// Senders (wire-stable).
const (
	SenderUser = "USER"
	SenderAI   = "AI"
)

// ChatTypes lists the advising topics a session may belong to.
var ChatTypes = []string{
	"GENERAL",
	"ESSAY_REVIEW",
	"COLLEGE_LIST",
	"FINANCIAL_AID",
	"TEST_PREP",
	"INTERVIEW_PREP",
}

// NormalizeChatType upper-cases s and reports whether it names a known topic.
func NormalizeChatType(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, t := range ChatTypes {
		if t == s {
			return s, true
		}
	}
	return "", false
}

// SessionDTO is the REST representation of a session.
type SessionDTO struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title"`
	ChatType  string    `json:"chat_type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageDTO is the REST representation of a persisted message.
type MessageDTO struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorBody is the REST error envelope: {"error":{"code","message"}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the payload of ErrorBody.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HistoryEntry is one prior turn sent to the relay.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RelayRequest is the body of POST /chat on the relay.
type RelayRequest struct {
	Message string         `json:"message"`
	History []HistoryEntry `json:"history"`
}

// RelayResponse is the relay's reply.
type RelayResponse struct {
	Replay    string    `json:"replay"`
	Timestamp time.Time `json:"timestamp"`
}
