package session

import "time"

// IssueRequest carries the optional per-session overrides a client may send.
type IssueRequest struct {
	Language          string `json:"language"`
	Voice             string `json:"voice"`
	SystemInstruction string `json:"systemInstruction"`
}

// IssueResponse is returned to the client after issuance.
type IssueResponse struct {
	SessionID string    `json:"sessionId"`
	WSURL     string    `json:"wsUrl"`
	Language  string    `json:"language"`
	Voice     string    `json:"voice"`
	ExpiresAt time.Time `json:"expiresAt"`
}
