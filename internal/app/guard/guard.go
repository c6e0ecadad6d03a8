// Package guard centralises ownership checks. Every user-facing operation
// resolves the entity through the guard before acting, and a denied check is
// indistinguishable from a missing entity so existence never leaks across
// owners.
package guard

import (
	"context"
	"errors"

	appdom "github.com/appforge-dev/appforge/internal/app/domain/app"
	"github.com/appforge-dev/appforge/internal/app/domain/build"
	"github.com/appforge-dev/appforge/internal/app/domain/prompt"
	"github.com/appforge-dev/appforge/internal/app/fault"
	"github.com/appforge-dev/appforge/internal/app/storage"
)

// Principal is the authenticated identity supplied by the external identity
// collaborator. The orchestrator trusts it as-is.
type Principal struct {
	ID   string
	Role string
}

// Guard resolves ownership chains against the entity store.
type Guard struct {
	prompts storage.PromptStore
	apps    storage.AppStore
	builds  storage.BuildStore
}

// New constructs a guard over the given stores.
func New(prompts storage.PromptStore, apps storage.AppStore, builds storage.BuildStore) *Guard {
	return &Guard{prompts: prompts, apps: apps, builds: builds}
}

// App returns the app when the principal owns it, fault.NotFound otherwise.
func (g *Guard) App(ctx context.Context, principal Principal, appID string) (appdom.App, error) {
	a, err := g.apps.GetApp(ctx, appID)
	if err != nil {
		return appdom.App{}, translate(err, "app", appID)
	}
	if a.OwnerID != principal.ID {
		return appdom.App{}, fault.NotFound("app", appID)
	}
	return a, nil
}

// Build returns the build when the principal owns its app, resolving the
// Build -> App -> owner chain.
func (g *Guard) Build(ctx context.Context, principal Principal, buildID string) (build.Build, error) {
	b, err := g.builds.GetBuild(ctx, buildID)
	if err != nil {
		return build.Build{}, translate(err, "build", buildID)
	}
	a, err := g.apps.GetApp(ctx, b.AppID)
	if err != nil {
		return build.Build{}, translate(err, "build", buildID)
	}
	if a.OwnerID != principal.ID {
		return build.Build{}, fault.NotFound("build", buildID)
	}
	return b, nil
}

// Prompt returns the prompt when the principal owns it.
func (g *Guard) Prompt(ctx context.Context, principal Principal, promptID string) (prompt.Prompt, error) {
	p, err := g.prompts.GetPrompt(ctx, promptID)
	if err != nil {
		return prompt.Prompt{}, translate(err, "prompt", promptID)
	}
	if p.OwnerID != principal.ID {
		return prompt.Prompt{}, fault.NotFound("prompt", promptID)
	}
	return p, nil
}

func translate(err error, entity, id string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fault.NotFound(entity, id)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Timeout("lookup " + entity)
	default:
		return err
	}
}
