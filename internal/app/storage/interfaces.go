package storage

import (
	"context"
	"errors"
	"time"

	appdom "github.com/appforge-dev/appforge/internal/app/domain/app"
	"github.com/appforge-dev/appforge/internal/app/domain/build"
	"github.com/appforge-dev/appforge/internal/app/domain/prompt"
)

// ErrNotFound is returned (wrapped) when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned when a compare-and-swap status update lost the race:
// the row exists but its current status no longer matches the expected one.
var ErrStale = errors.New("stale status")

// ErrConflict is returned when build number allocation exhausted its retry
// budget under concurrent inserts.
var ErrConflict = errors.New("allocation conflict")

// PromptStore persists prompt records.
type PromptStore interface {
	// CreatePromptWithApp writes the prompt and its app as one atomic unit.
	// Either both records commit or neither does.
	CreatePromptWithApp(ctx context.Context, p prompt.Prompt, a appdom.App) (prompt.Prompt, appdom.App, error)
	GetPrompt(ctx context.Context, id string) (prompt.Prompt, error)
	ListPrompts(ctx context.Context, ownerID string) ([]prompt.Prompt, error)
}

// AppStore persists app aggregates.
type AppStore interface {
	GetApp(ctx context.Context, id string) (appdom.App, error)
	ListApps(ctx context.Context, ownerID string) ([]appdom.App, error)
	// UpdateAppMeta overwrites name and description only; lifecycle status
	// is never touched through this path.
	UpdateAppMeta(ctx context.Context, id, name, description string) (appdom.App, error)
	// UpdateAppStatus applies from -> to only if the stored status still
	// equals from, returning ErrStale otherwise.
	UpdateAppStatus(ctx context.Context, id string, from, to appdom.Status) (appdom.App, error)
	// DeleteApp removes the app together with its prompt, builds and build
	// logs as one batch.
	DeleteApp(ctx context.Context, id string) error
}

// BuildStore persists build attempts and allocates their numbers.
type BuildStore interface {
	// AllocateBuilds assigns consecutive per-app build numbers (starting at
	// 1) to the given template rows and inserts them as one atomic unit.
	// Numbers are unique per app and strictly increasing even under
	// concurrent allocation; on exhausted retries it returns ErrConflict.
	AllocateBuilds(ctx context.Context, appID string, builds []build.Build) ([]build.Build, error)
	GetBuild(ctx context.Context, id string) (build.Build, error)
	ListBuilds(ctx context.Context, appID string) ([]build.Build, error)
	ListBuildsByOwner(ctx context.Context, ownerID string) ([]build.Build, error)
	// ListQueuedBefore returns builds still QUEUED whose last update is
	// older than cutoff, for re-dispatch sweeps.
	ListQueuedBefore(ctx context.Context, cutoff time.Time) ([]build.Build, error)
	// UpdateBuildStatus applies from -> to only if the stored status still
	// equals from, returning ErrStale otherwise. The store stamps
	// StartedAt on entering RUNNING and FinishedAt on terminal states.
	UpdateBuildStatus(ctx context.Context, id string, from, to build.Status) (build.Build, error)
}

// BuildLogStore persists append-only build logs.
type BuildLogStore interface {
	AppendBuildLogs(ctx context.Context, buildID string, lines []build.LogLine) error
	// ListBuildLogs returns log lines ordered by timestamp ascending.
	ListBuildLogs(ctx context.Context, buildID string) ([]build.LogLine, error)
}
