package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appdom "github.com/appforge-dev/appforge/internal/app/domain/app"
	"github.com/appforge-dev/appforge/internal/app/domain/build"
	"github.com/appforge-dev/appforge/internal/app/domain/prompt"
	"github.com/appforge-dev/appforge/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. Builds are indexed under their owning app so cascade delete
// removes the whole arena in one batch.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	prompts     map[string]prompt.Prompt
	apps        map[string]appdom.App
	appOrder    []string
	builds      map[string]build.Build
	buildOrder  []string
	buildsByApp map[string][]string
	nextBuildNo map[string]int
	buildLogs   map[string][]build.LogLine
}

var _ storage.PromptStore = (*Store)(nil)
var _ storage.AppStore = (*Store)(nil)
var _ storage.BuildStore = (*Store)(nil)
var _ storage.BuildLogStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		prompts:     make(map[string]prompt.Prompt),
		apps:        make(map[string]appdom.App),
		builds:      make(map[string]build.Build),
		buildsByApp: make(map[string][]string),
		nextBuildNo: make(map[string]int),
		buildLogs:   make(map[string][]build.LogLine),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// PromptStore implementation ------------------------------------------------

func (s *Store) CreatePromptWithApp(_ context.Context, p prompt.Prompt, a appdom.App) (prompt.Prompt, appdom.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.OwnerID != a.OwnerID {
		return prompt.Prompt{}, appdom.App{}, fmt.Errorf("prompt owner %s does not match app owner %s", p.OwnerID, a.OwnerID)
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = s.nextIDLocked()
	}
	p.CreatedAt = now
	p.Metadata = cloneMap(p.Metadata)

	if a.ID == "" {
		a.ID = s.nextIDLocked()
	}
	a.PromptID = p.ID
	a.CreatedAt = now
	a.UpdatedAt = now

	s.prompts[p.ID] = p
	s.apps[a.ID] = a
	s.appOrder = append(s.appOrder, a.ID)
	return p, a, nil
}

func (s *Store) GetPrompt(_ context.Context, id string) (prompt.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prompts[id]
	if !ok {
		return prompt.Prompt{}, fmt.Errorf("prompt %s: %w", id, storage.ErrNotFound)
	}
	return clonePrompt(p), nil
}

func (s *Store) ListPrompts(_ context.Context, ownerID string) ([]prompt.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []prompt.Prompt
	for _, p := range s.prompts {
		if p.OwnerID == ownerID {
			result = append(result, clonePrompt(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// AppStore implementation ---------------------------------------------------

func (s *Store) GetApp(_ context.Context, id string) (appdom.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.apps[id]
	if !ok {
		return appdom.App{}, fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListApps(_ context.Context, ownerID string) ([]appdom.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []appdom.App
	for i := len(s.appOrder) - 1; i >= 0; i-- {
		a := s.apps[s.appOrder[i]]
		if a.OwnerID == ownerID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *Store) UpdateAppMeta(_ context.Context, id, name, description string) (appdom.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apps[id]
	if !ok {
		return appdom.App{}, fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
	}
	a.Name = name
	a.Description = description
	a.UpdatedAt = time.Now().UTC()
	s.apps[id] = a
	return a, nil
}

func (s *Store) UpdateAppStatus(_ context.Context, id string, from, to appdom.Status) (appdom.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apps[id]
	if !ok {
		return appdom.App{}, fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
	}
	if a.Status != from {
		return appdom.App{}, fmt.Errorf("app %s is %s, expected %s: %w", id, a.Status, from, storage.ErrStale)
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	s.apps[id] = a
	return a, nil
}

func (s *Store) DeleteApp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apps[id]
	if !ok {
		return fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
	}

	for _, buildID := range s.buildsByApp[id] {
		delete(s.builds, buildID)
		delete(s.buildLogs, buildID)
	}
	delete(s.buildsByApp, id)
	delete(s.nextBuildNo, id)
	delete(s.prompts, a.PromptID)
	delete(s.apps, id)
	s.appOrder = removeID(s.appOrder, id)
	s.buildOrder = filterBuildOrder(s.buildOrder, s.builds)
	return nil
}

// BuildStore implementation -------------------------------------------------

func (s *Store) AllocateBuilds(_ context.Context, appID string, builds []build.Build) ([]build.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[appID]; !ok {
		return nil, fmt.Errorf("app %s: %w", appID, storage.ErrNotFound)
	}

	next := s.nextBuildNo[appID]
	if next == 0 {
		next = 1
	}

	now := time.Now().UTC()
	allocated := make([]build.Build, 0, len(builds))
	for _, b := range builds {
		b.ID = s.nextIDLocked()
		b.AppID = appID
		b.BuildNumber = next
		b.Status = build.StatusQueued
		b.CreatedAt = now
		b.UpdatedAt = now
		next++

		s.builds[b.ID] = b
		s.buildOrder = append(s.buildOrder, b.ID)
		s.buildsByApp[appID] = append(s.buildsByApp[appID], b.ID)
		allocated = append(allocated, cloneBuild(b))
	}
	s.nextBuildNo[appID] = next
	return allocated, nil
}

func (s *Store) GetBuild(_ context.Context, id string) (build.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.builds[id]
	if !ok {
		return build.Build{}, fmt.Errorf("build %s: %w", id, storage.ErrNotFound)
	}
	return cloneBuild(b), nil
}

func (s *Store) ListBuilds(_ context.Context, appID string) ([]build.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.buildsByApp[appID]
	result := make([]build.Build, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, cloneBuild(s.builds[ids[i]]))
	}
	return result, nil
}

func (s *Store) ListBuildsByOwner(_ context.Context, ownerID string) ([]build.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []build.Build
	for i := len(s.buildOrder) - 1; i >= 0; i-- {
		b, ok := s.builds[s.buildOrder[i]]
		if !ok {
			continue
		}
		if a, ok := s.apps[b.AppID]; ok && a.OwnerID == ownerID {
			result = append(result, cloneBuild(b))
		}
	}
	return result, nil
}

func (s *Store) ListQueuedBefore(_ context.Context, cutoff time.Time) ([]build.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []build.Build
	for _, id := range s.buildOrder {
		b, ok := s.builds[id]
		if ok && b.Status == build.StatusQueued && b.UpdatedAt.Before(cutoff) {
			result = append(result, cloneBuild(b))
		}
	}
	return result, nil
}

func (s *Store) UpdateBuildStatus(_ context.Context, id string, from, to build.Status) (build.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return build.Build{}, fmt.Errorf("build %s: %w", id, storage.ErrNotFound)
	}
	if b.Status != from {
		return build.Build{}, fmt.Errorf("build %s is %s, expected %s: %w", id, b.Status, from, storage.ErrStale)
	}

	now := time.Now().UTC()
	b.Status = to
	b.UpdatedAt = now
	if to == build.StatusRunning && b.StartedAt == nil {
		b.StartedAt = cloneTime(now)
	}
	if to.Terminal() && b.FinishedAt == nil {
		b.FinishedAt = cloneTime(now)
	}
	s.builds[id] = b
	return cloneBuild(b), nil
}

// BuildLogStore implementation ----------------------------------------------

func (s *Store) AppendBuildLogs(_ context.Context, buildID string, lines []build.LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builds[buildID]; !ok {
		return fmt.Errorf("build %s: %w", buildID, storage.ErrNotFound)
	}
	for _, line := range lines {
		if line.ID == "" {
			line.ID = s.nextIDLocked()
		}
		line.BuildID = buildID
		if line.Timestamp.IsZero() {
			line.Timestamp = time.Now().UTC()
		}
		s.buildLogs[buildID] = append(s.buildLogs[buildID], line)
	}
	return nil
}

func (s *Store) ListBuildLogs(_ context.Context, buildID string) ([]build.LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.buildLogs[buildID]
	result := make([]build.LogLine, len(lines))
	copy(result, lines)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// helpers --------------------------------------------------------------------

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePrompt(p prompt.Prompt) prompt.Prompt {
	p.Metadata = cloneMap(p.Metadata)
	return p
}

func cloneBuild(b build.Build) build.Build {
	if b.StartedAt != nil {
		b.StartedAt = cloneTime(*b.StartedAt)
	}
	if b.FinishedAt != nil {
		b.FinishedAt = cloneTime(*b.FinishedAt)
	}
	return b
}

func cloneTime(t time.Time) *time.Time {
	return &t
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

func filterBuildOrder(order []string, builds map[string]build.Build) []string {
	out := order[:0]
	for _, id := range order {
		if _, ok := builds[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
