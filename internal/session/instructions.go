package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// DefaultPersona is used when neither the environment nor an asset file
// provides a system instruction.
const DefaultPersona = `
Role: Rev, Revolt Motors AI assistant.
- Only discuss Revolt Motors: RV400 variants, specs, pricing guidance, financing, booking, test rides, app features, charging, service, warranty, dealerships, delivery, and support.
- Decline unrelated topics and steer back to Revolt Motors.
- Be concise, friendly, and professional.
- If uncertain, avoid fabrications; suggest official resources or support.
- Prefer answers under ~3 sentences unless details are necessary.
`

// InstructionSource resolves the system instruction for new sessions.
type InstructionSource interface {
	Resolve(ctx context.Context) (string, error)
}

// LayeredInstructions prefers Override, then the contents of File, then Fallback.
// The file is read on every Resolve so edits apply to the next session.
type LayeredInstructions struct {
	Override string
	File     string
	Fallback string
}

func (l LayeredInstructions) Resolve(ctx context.Context) (string, error) {
	if strings.TrimSpace(l.Override) != "" {
		return l.Override, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path := strings.TrimSpace(l.File); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if text := strings.TrimSpace(string(data)); text != "" {
				return string(data), nil
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return "", fmt.Errorf("read system instruction %q: %w", path, err)
		}
	}
	if strings.TrimSpace(l.Fallback) != "" {
		return l.Fallback, nil
	}
	return DefaultPersona, nil
}
