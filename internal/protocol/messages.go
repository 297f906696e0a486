// Package protocol defines the JSON payloads exchanged with clients
// over the WebSocket and HTTP endpoints, and the validation rules
// applied to client input before it reaches session state.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/coursechat/backend/internal/fault"
)

const (
	// MaxQueryBytes is the byte limit for a single query payload.
	MaxQueryBytes = 4096

	// MaxQueryChars is the character limit for a single query.
	MaxQueryChars = 2000

	// IdentityLength is the exact length of a valid identity string.
	IdentityLength = 13

	// IdentityPrefix is the required identity prefix, matched
	// case-insensitively.
	IdentityPrefix = "PES"

	// MinSecretLength is the minimum secret length accepted at login.
	MinSecretLength = 6
)

// SessionCreated is the first server-to-client WebSocket message.
type SessionCreated struct {
	SessionID string `json:"session_id"`
}

// ClientQuery is a query sent by the client over the WebSocket.
type ClientQuery struct {
	Query string `json:"query"`
}

// QueryResult is the server's reply to a successfully handled query.
type QueryResult struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Response  string `json:"response"`
}

// ErrorMessage is the structured error envelope sent to clients.
type ErrorMessage struct {
	Error string `json:"error"`
}

// LoginRequest is the identity issuance request body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the issued user identity.
type LoginResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ChatRequest is the request/response chat endpoint body.
type ChatRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
}

// ChatResponse carries the answer for a ChatRequest.
type ChatResponse struct {
	Response string `json:"response"`
}

// HistoryEntry is one persisted query/response pair.
type HistoryEntry struct {
	Query     string `json:"query"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// HistoryResponse is the session history payload.
type HistoryResponse struct {
	SessionID           string         `json:"session_id"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

// StatusResponse is a generic status acknowledgement.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewError marshals an ErrorMessage for the given error. It never
// fails; a marshalling problem degrades to a fixed payload.
func NewError(err error) []byte {
	data, merr := json.Marshal(ErrorMessage{Error: err.Error()})
	if merr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return data
}

// ValidateQuery checks a client query before any session state is
// touched. All failures carry the validation error class.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return fault.Validation("empty query not allowed")
	}
	if len(query) > MaxQueryBytes {
		return fault.Validation(fmt.Sprintf("query exceeds %d byte limit", MaxQueryBytes))
	}
	if utf8.RuneCountInString(query) > MaxQueryChars {
		return fault.Validation(fmt.Sprintf("query exceeds %d character limit", MaxQueryChars))
	}
	if !utf8.ValidString(query) {
		return fault.Validation("query contains invalid UTF-8")
	}
	return nil
}

// ValidateIdentity checks the identity string and secret submitted at
// login. The identity must be exactly IdentityLength characters and
// start with IdentityPrefix; the secret must be at least
// MinSecretLength characters. This is input shape validation only, not
// credential verification.
func ValidateIdentity(identity, secret string) error {
	if identity == "" || secret == "" {
		return fault.Validation("email and password are required")
	}
	if len(identity) != IdentityLength || !strings.HasPrefix(strings.ToUpper(identity), IdentityPrefix) {
		return fault.Validation(fmt.Sprintf("identity must be %d characters starting with %q", IdentityLength, IdentityPrefix))
	}
	if len(secret) < MinSecretLength {
		return fault.Validation(fmt.Sprintf("password must be at least %d characters", MinSecretLength))
	}
	return nil
}
