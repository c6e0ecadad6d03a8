package app

import (
	"context"
	"fmt"
	"time"

	"github.com/appforge-dev/appforge/internal/app/guard"
	"github.com/appforge-dev/appforge/internal/app/services/apps"
	"github.com/appforge-dev/appforge/internal/app/services/builds"
	"github.com/appforge-dev/appforge/internal/app/storage"
	"github.com/appforge-dev/appforge/internal/app/storage/memory"
	"github.com/appforge-dev/appforge/internal/app/system"
	"github.com/appforge-dev/appforge/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to one
// shared in-memory implementation.
type Stores struct {
	Prompts   storage.PromptStore
	Apps      storage.AppStore
	Builds    storage.BuildStore
	BuildLogs storage.BuildLogStore
}

// Options tunes optional collaborators. A nil Queue defaults to an in-memory
// queue suitable for tests and local development.
type Options struct {
	Queue builds.Queue

	// Zero values keep the redispatcher defaults.
	DispatchInterval  time.Duration
	DispatchStaleness time.Duration
}

// Application ties the orchestrator services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Apps   *apps.Service
	Builds *builds.Service
	Queue  builds.Queue
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Prompts == nil {
		stores.Prompts = mem
	}
	if stores.Apps == nil {
		stores.Apps = mem
	}
	if stores.Builds == nil {
		stores.Builds = mem
	}
	if stores.BuildLogs == nil {
		stores.BuildLogs = mem
	}

	queue := opts.Queue
	if queue == nil {
		queue = builds.NewMemoryQueue(0)
	}

	g := guard.New(stores.Prompts, stores.Apps, stores.Builds)
	appService := apps.New(stores.Prompts, stores.Apps, g, log)
	buildService := builds.New(stores.Apps, stores.Builds, stores.BuildLogs, g, queue, log)

	manager := system.NewManager()
	for _, name := range []string{"apps", "builds"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	redispatcher := builds.NewRedispatcher(stores.Builds, queue, log).
		WithIntervals(opts.DispatchInterval, opts.DispatchStaleness)
	if err := manager.Register(redispatcher); err != nil {
		return nil, fmt.Errorf("register %s: %w", redispatcher.Name(), err)
	}

	return &Application{
		manager: manager,
		log:     log,
		Apps:    appService,
		Builds:  buildService,
		Queue:   queue,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
