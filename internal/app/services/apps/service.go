// Package apps implements prompt submission and the app lifecycle engine.
package apps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appdom "github.com/appforge-dev/appforge/internal/app/domain/app"
	"github.com/appforge-dev/appforge/internal/app/domain/prompt"
	"github.com/appforge-dev/appforge/internal/app/fault"
	"github.com/appforge-dev/appforge/internal/app/guard"
	"github.com/appforge-dev/appforge/internal/app/storage"
	"github.com/appforge-dev/appforge/pkg/logger"
)

// transitionRetries bounds the compare-and-swap loop when a lifecycle
// transition races a concurrent one.
const transitionRetries = 3

// defaultStoreTimeout caps every store round-trip so callers receive a
// retryable Timeout instead of blocking indefinitely.
const defaultStoreTimeout = 5 * time.Second

// Service manages apps and their originating prompts.
type Service struct {
	prompts storage.PromptStore
	apps    storage.AppStore
	guard   *guard.Guard
	log     *logger.Logger
	timeout time.Duration
}

// New constructs the app service.
func New(prompts storage.PromptStore, apps storage.AppStore, g *guard.Guard, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("apps")
	}
	return &Service{prompts: prompts, apps: apps, guard: g, log: log, timeout: defaultStoreTimeout}
}

// Submit creates the prompt and its app atomically. The app starts in
// PLANNING with a placeholder name until generation picks a real one.
func (s *Service) Submit(ctx context.Context, principal guard.Principal, text string, metadata map[string]string) (appdom.App, prompt.Prompt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return appdom.App{}, prompt.Prompt{}, fault.InvalidInput("prompt text is required")
	}

	p := prompt.Prompt{
		OwnerID:  principal.ID,
		Text:     text,
		Metadata: metadata,
	}
	a := appdom.App{
		OwnerID: principal.ID,
		Name:    fmt.Sprintf("App %d", time.Now().UnixMilli()),
		Status:  appdom.StatusPlanning,
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	createdPrompt, createdApp, err := s.prompts.CreatePromptWithApp(opCtx, p, a)
	if err != nil {
		return appdom.App{}, prompt.Prompt{}, translate(err, "submit prompt")
	}

	s.log.Infof("app %s created from prompt %s", createdApp.ID, createdPrompt.ID)
	return createdApp, createdPrompt, nil
}

// List returns the principal's apps, newest first.
func (s *Service) List(ctx context.Context, principal guard.Principal) ([]appdom.App, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	apps, err := s.apps.ListApps(opCtx, principal.ID)
	if err != nil {
		return nil, translate(err, "list apps")
	}
	return apps, nil
}

// Get returns one app owned by the principal.
func (s *Service) Get(ctx context.Context, principal guard.Principal, id string) (appdom.App, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.guard.App(opCtx, principal, id)
}

// Prompt returns one prompt owned by the principal.
func (s *Service) Prompt(ctx context.Context, principal guard.Principal, id string) (prompt.Prompt, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.guard.Prompt(opCtx, principal, id)
}

// ListPrompts returns the principal's prompts, newest first.
func (s *Service) ListPrompts(ctx context.Context, principal guard.Principal) ([]prompt.Prompt, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	prompts, err := s.prompts.ListPrompts(opCtx, principal.ID)
	if err != nil {
		return nil, translate(err, "list prompts")
	}
	return prompts, nil
}

// Update overwrites the app's name and description. Lifecycle status is
// untouched by metadata edits.
func (s *Service) Update(ctx context.Context, principal guard.Principal, id string, name, description *string) (appdom.App, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	existing, err := s.guard.App(opCtx, principal, id)
	if err != nil {
		return appdom.App{}, err
	}

	newName := existing.Name
	if name != nil && strings.TrimSpace(*name) != "" {
		newName = strings.TrimSpace(*name)
	}
	newDescription := existing.Description
	if description != nil {
		newDescription = *description
	}

	updated, err := s.apps.UpdateAppMeta(opCtx, id, newName, newDescription)
	if err != nil {
		return appdom.App{}, translate(err, "update app")
	}
	s.log.Infof("app %s updated", id)
	return updated, nil
}

// Delete removes the app and cascades to its prompt, builds and build logs.
func (s *Service) Delete(ctx context.Context, principal guard.Principal, id string) error {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	if _, err := s.guard.App(opCtx, principal, id); err != nil {
		return err
	}
	if err := s.apps.DeleteApp(opCtx, id); err != nil {
		return translate(err, "delete app")
	}
	s.log.Infof("app %s deleted", id)
	return nil
}

// Advance applies a generator-reported lifecycle transition. The generator is
// a trusted collaborator, so no ownership check applies here. Reporting
// GENERATING for an app already GENERATING is an idempotent no-op.
func (s *Service) Advance(ctx context.Context, id string, target appdom.Status) (appdom.App, error) {
	if !target.Valid() || target == appdom.StatusPlanning {
		return appdom.App{}, fault.InvalidInput("invalid target status %q", target)
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	for attempt := 0; attempt < transitionRetries; attempt++ {
		current, err := s.apps.GetApp(opCtx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return appdom.App{}, fault.NotFound("app", id)
			}
			return appdom.App{}, translate(err, "advance app")
		}
		if current.Status == target && target == appdom.StatusGenerating {
			return current, nil
		}
		if !current.Status.CanTransition(target) {
			return appdom.App{}, fault.InvalidTransition(string(current.Status), string(target))
		}

		updated, err := s.apps.UpdateAppStatus(opCtx, id, current.Status, target)
		if err == nil {
			s.log.Infof("app %s advanced %s -> %s", id, current.Status, target)
			return updated, nil
		}
		if !errors.Is(err, storage.ErrStale) {
			return appdom.App{}, translate(err, "advance app")
		}
		// Lost the race; re-read and re-evaluate against the fresh state.
	}
	return appdom.App{}, fault.Conflict("app %s transition to %s kept racing", id, target)
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func translate(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Timeout(op)
	}
	return err
}
