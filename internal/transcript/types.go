package transcript

import (
	"context"
	"time"
)

// Caption is the text of one model turn as seen by live captioning. It is not
// an authoritative transcript.
type Caption struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Interrupted bool      `json:"interrupted"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves captions.
type Store interface {
	SaveCaption(ctx context.Context, c Caption) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Caption, error)
	Close() error
}
