// Package builds implements the build job dispatcher and the worker status
// reporter.
package builds

import (
	"context"
	"errors"
	"time"

	"github.com/appforge-dev/appforge/internal/app/domain/build"
	"github.com/appforge-dev/appforge/internal/app/fault"
	"github.com/appforge-dev/appforge/internal/app/guard"
	"github.com/appforge-dev/appforge/internal/app/storage"
	"github.com/appforge-dev/appforge/pkg/logger"
)

const defaultStoreTimeout = 5 * time.Second

// Service creates builds, hands them to the worker queue and applies worker
// status reports.
type Service struct {
	apps    storage.AppStore
	store   storage.BuildStore
	logs    storage.BuildLogStore
	guard   *guard.Guard
	queue   Queue
	log     *logger.Logger
	timeout time.Duration
}

// New constructs the build service.
func New(apps storage.AppStore, store storage.BuildStore, logs storage.BuildLogStore, g *guard.Guard, queue Queue, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("builds")
	}
	return &Service{
		apps:    apps,
		store:   store,
		logs:    logs,
		guard:   g,
		queue:   queue,
		log:     log,
		timeout: defaultStoreTimeout,
	}
}

// Request allocates one build, or two when platform is BOTH, and enqueues
// each exactly once. The pair shares one atomic allocation: callers never
// observe half a fan-out. A failed enqueue leaves the build QUEUED for the
// redispatch sweep rather than losing it.
func (s *Service) Request(ctx context.Context, principal guard.Principal, appID string, platform build.Platform, buildType build.Type) ([]build.Build, error) {
	if appID == "" {
		return nil, fault.InvalidInput("appId is required")
	}
	if platform == "" {
		return nil, fault.InvalidInput("platform is required (one of %v)", build.Platforms())
	}
	if !platform.Valid() {
		return nil, fault.InvalidInput("unknown platform %q (one of %v)", platform, build.Platforms())
	}
	if buildType == "" {
		buildType = build.TypeDebug
	}
	if !buildType.Valid() {
		return nil, fault.InvalidInput("unknown build type %q", buildType)
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	a, err := s.guard.App(opCtx, principal, appID)
	if err != nil {
		return nil, err
	}
	if !a.Status.Buildable() {
		return nil, fault.AppNotReady(string(a.Status))
	}

	var templates []build.Build
	if platform == build.PlatformBoth {
		templates = []build.Build{
			{Platform: build.PlatformAndroid, Type: buildType},
			{Platform: build.PlatformIOS, Type: buildType},
		}
	} else {
		templates = []build.Build{{Platform: platform, Type: buildType}}
	}

	allocated, err := s.store.AllocateBuilds(opCtx, appID, templates)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return nil, fault.Conflict("build number allocation for app %s kept racing", appID)
		case errors.Is(err, storage.ErrNotFound):
			return nil, fault.NotFound("app", appID)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fault.Timeout("allocate builds")
		default:
			return nil, err
		}
	}

	for _, b := range allocated {
		job := Job{BuildID: b.ID, AppID: b.AppID, Platform: b.Platform, Type: b.Type}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			// The row is committed; the redispatcher will pick it up.
			s.log.WithError(err).Warnf("enqueue build %s failed, left QUEUED", b.ID)
			continue
		}
		s.log.Infof("build %s (#%d, %s) queued for app %s", b.ID, b.BuildNumber, b.Platform, b.AppID)
	}
	return allocated, nil
}

// List returns all builds of the principal's apps, newest first.
func (s *Service) List(ctx context.Context, principal guard.Principal) ([]build.Build, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	result, err := s.store.ListBuildsByOwner(opCtx, principal.ID)
	if err != nil {
		return nil, translate(err, "list builds")
	}
	return result, nil
}

// ListForApp returns the builds of one owned app, newest first.
func (s *Service) ListForApp(ctx context.Context, principal guard.Principal, appID string) ([]build.Build, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	if _, err := s.guard.App(opCtx, principal, appID); err != nil {
		return nil, err
	}
	result, err := s.store.ListBuilds(opCtx, appID)
	if err != nil {
		return nil, translate(err, "list builds")
	}
	return result, nil
}

// Get returns one owned build together with its log lines in timestamp
// order.
func (s *Service) Get(ctx context.Context, principal guard.Principal, id string) (build.Build, []build.LogLine, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	b, err := s.guard.Build(opCtx, principal, id)
	if err != nil {
		return build.Build{}, nil, err
	}
	lines, err := s.logs.ListBuildLogs(opCtx, id)
	if err != nil {
		return build.Build{}, nil, translate(err, "list build logs")
	}
	return b, lines, nil
}

// Cancel requests CANCELLED on behalf of the owner. It races legitimately
// with worker reports; whoever commits first wins and the loser sees
// InvalidTransition.
func (s *Service) Cancel(ctx context.Context, principal guard.Principal, id string) (build.Build, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	b, err := s.guard.Build(opCtx, principal, id)
	if err != nil {
		return build.Build{}, err
	}
	return s.transition(opCtx, b, build.StatusCancelled, nil)
}

// Report applies a worker status report. Log lines are persisted before the
// transition so a terminal status is never visible without its logs.
// Repeating a terminal status is a no-op success so workers can retry
// delivery.
func (s *Service) Report(ctx context.Context, buildID string, status build.Status, lines []string) (build.Build, error) {
	if !status.Valid() || status == build.StatusQueued {
		return build.Build{}, fault.InvalidInput("invalid reported status %q", status)
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	b, err := s.store.GetBuild(opCtx, buildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return build.Build{}, fault.NotFound("build", buildID)
		}
		return build.Build{}, translate(err, "report status")
	}

	if len(lines) > 0 {
		logLines := make([]build.LogLine, 0, len(lines))
		now := time.Now().UTC()
		for i, line := range lines {
			// Nanosecond offsets keep reported batches ordered even on
			// coarse clocks.
			logLines = append(logLines, build.LogLine{
				Timestamp: now.Add(time.Duration(i) * time.Nanosecond),
				Line:      line,
			})
		}
		if err := s.logs.AppendBuildLogs(opCtx, buildID, logLines); err != nil {
			return build.Build{}, translate(err, "append build logs")
		}
	}

	return s.transition(opCtx, b, status, func(current build.Build) (build.Build, bool) {
		// Idempotent terminal repeat.
		if current.Status == status && status.Terminal() {
			return current, true
		}
		return build.Build{}, false
	})
}

// transition drives one CAS status update. noop, when non-nil, may short-
// circuit with a success before and after losing a race.
func (s *Service) transition(ctx context.Context, b build.Build, target build.Status, noop func(build.Build) (build.Build, bool)) (build.Build, error) {
	id := b.ID
	for {
		if noop != nil {
			if done, ok := noop(b); ok {
				return done, nil
			}
		}
		if !b.Status.CanTransition(target) {
			return build.Build{}, fault.InvalidTransition(string(b.Status), string(target))
		}

		updated, err := s.store.UpdateBuildStatus(ctx, id, b.Status, target)
		if err == nil {
			s.log.Infof("build %s %s -> %s", id, b.Status, target)
			return updated, nil
		}
		if !errors.Is(err, storage.ErrStale) {
			if errors.Is(err, storage.ErrNotFound) {
				return build.Build{}, fault.NotFound("build", id)
			}
			return build.Build{}, translate(err, "update build status")
		}

		// Lost the race; the fresh state decides between no-op and
		// InvalidTransition.
		b, err = s.store.GetBuild(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return build.Build{}, fault.NotFound("build", id)
			}
			return build.Build{}, translate(err, "update build status")
		}
	}
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
