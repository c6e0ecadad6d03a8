package prompt

import "time"

// Prompt is the raw natural-language app description submitted by a user.
// Prompts are immutable once created and are removed only when their app is
// deleted.
type Prompt struct {
	ID        string
	OwnerID   string
	Text      string
	Metadata  map[string]string
	CreatedAt time.Time
}
