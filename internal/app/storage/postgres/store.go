package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appdom "github.com/appforge-dev/appforge/internal/app/domain/app"
	"github.com/appforge-dev/appforge/internal/app/domain/build"
	"github.com/appforge-dev/appforge/internal/app/domain/prompt"
	"github.com/appforge-dev/appforge/internal/app/storage"
)

// allocRetries bounds the compare-and-swap loop for build number allocation.
const allocRetries = 3

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.PromptStore = (*Store)(nil)
var _ storage.AppStore = (*Store)(nil)
var _ storage.BuildStore = (*Store)(nil)
var _ storage.BuildLogStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- PromptStore ------------------------------------------------------------

func (s *Store) CreatePromptWithApp(ctx context.Context, p prompt.Prompt, a appdom.App) (prompt.Prompt, appdom.App, error) {
	if p.OwnerID != a.OwnerID {
		return prompt.Prompt{}, appdom.App{}, fmt.Errorf("prompt owner %s does not match app owner %s", p.OwnerID, a.OwnerID)
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.PromptID = p.ID
	a.CreatedAt = now
	a.UpdatedAt = now

	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return prompt.Prompt{}, appdom.App{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return prompt.Prompt{}, appdom.App{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prompts (id, owner_id, text, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.OwnerID, p.Text, metadataJSON, p.CreatedAt)
	if err != nil {
		return prompt.Prompt{}, appdom.App{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO apps (id, owner_id, prompt_id, name, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.OwnerID, a.PromptID, a.Name, a.Description, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return prompt.Prompt{}, appdom.App{}, err
	}

	if err := tx.Commit(); err != nil {
		return prompt.Prompt{}, appdom.App{}, err
	}
	return p, a, nil
}

func (s *Store) GetPrompt(ctx context.Context, id string) (prompt.Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, text, metadata, created_at
		FROM prompts
		WHERE id = $1
	`, id)
	return scanPrompt(row)
}

func (s *Store) ListPrompts(ctx context.Context, ownerID string) ([]prompt.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, text, metadata, created_at
		FROM prompts
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []prompt.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- AppStore ---------------------------------------------------------------

const appColumns = `id, owner_id, prompt_id, name, description, status, created_at, updated_at`

func (s *Store) GetApp(ctx context.Context, id string) (appdom.App, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+appColumns+` FROM apps WHERE id = $1
	`, id)
	return scanApp(row)
}

func (s *Store) ListApps(ctx context.Context, ownerID string) ([]appdom.App, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+appColumns+` FROM apps
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []appdom.App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) UpdateAppMeta(ctx context.Context, id, name, description string) (appdom.App, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE apps
		SET name = $2, description = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+appColumns+`
	`, id, name, description, time.Now().UTC())

	a, err := scanApp(row)
	if errors.Is(err, storage.ErrNotFound) {
		return appdom.App{}, fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
	}
	return a, err
}

func (s *Store) UpdateAppStatus(ctx context.Context, id string, from, to appdom.Status) (appdom.App, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE apps
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+appColumns+`
	`, id, from, to, time.Now().UTC())

	a, err := scanApp(row)
	if errors.Is(err, storage.ErrNotFound) {
		// Row missing or the guard lost the race; read back to tell apart.
		if _, getErr := s.GetApp(ctx, id); getErr != nil {
			return appdom.App{}, fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
		}
		return appdom.App{}, fmt.Errorf("app %s expected %s: %w", id, from, storage.ErrStale)
	}
	return a, err
}

func (s *Store) DeleteApp(ctx context.Context, id string) error {
	// Deleting the prompt cascades through apps, builds and build_logs.
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM prompts
		WHERE id = (SELECT prompt_id FROM apps WHERE id = $1)
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- BuildStore -------------------------------------------------------------

const buildColumns = `id, app_id, platform, build_type, build_number, status, created_at, updated_at, started_at, finished_at`

func (s *Store) AllocateBuilds(ctx context.Context, appID string, builds []build.Build) ([]build.Build, error) {
	var lastErr error
	for attempt := 0; attempt < allocRetries; attempt++ {
		allocated, err := s.allocateOnce(ctx, appID, builds)
		if err == nil {
			return allocated, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		// Another allocation for this app won the race; re-read the
		// maximum and try again.
		lastErr = err
	}
	return nil, fmt.Errorf("allocate builds for app %s: %v: %w", appID, lastErr, storage.ErrConflict)
}

func (s *Store) allocateOnce(ctx context.Context, appID string, builds []build.Build) ([]build.Build, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM apps WHERE id = $1)`, appID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("app %s: %w", appID, storage.ErrNotFound)
	}

	var maxNumber int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(build_number), 0) FROM builds WHERE app_id = $1
	`, appID).Scan(&maxNumber); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	allocated := make([]build.Build, 0, len(builds))
	for i, b := range builds {
		b.ID = uuid.NewString()
		b.AppID = appID
		b.BuildNumber = maxNumber + i + 1
		b.Status = build.StatusQueued
		b.CreatedAt = now
		b.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO builds (id, app_id, platform, build_type, build_number, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, b.ID, b.AppID, b.Platform, b.Type, b.BuildNumber, b.Status, b.CreatedAt, b.UpdatedAt)
		if err != nil {
			return nil, err
		}
		allocated = append(allocated, b)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return allocated, nil
}

func (s *Store) GetBuild(ctx context.Context, id string) (build.Build, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+buildColumns+` FROM builds WHERE id = $1
	`, id)
	return scanBuild(row)
}

func (s *Store) ListBuilds(ctx context.Context, appID string) ([]build.Build, error) {
	return s.listBuilds(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE app_id = $1
		ORDER BY created_at DESC, build_number DESC
	`, appID)
}

func (s *Store) ListBuildsByOwner(ctx context.Context, ownerID string) ([]build.Build, error) {
	return s.listBuilds(ctx, `
		SELECT b.id, b.app_id, b.platform, b.build_type, b.build_number, b.status,
		       b.created_at, b.updated_at, b.started_at, b.finished_at
		FROM builds b
		JOIN apps a ON a.id = b.app_id
		WHERE a.owner_id = $1
		ORDER BY b.created_at DESC, b.build_number DESC
	`, ownerID)
}

func (s *Store) ListQueuedBefore(ctx context.Context, cutoff time.Time) ([]build.Build, error) {
	return s.listBuilds(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status = 'QUEUED' AND updated_at < $1
		ORDER BY updated_at
	`, cutoff)
}

func (s *Store) listBuilds(ctx context.Context, query string, arg interface{}) ([]build.Build, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []build.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) UpdateBuildStatus(ctx context.Context, id string, from, to build.Status) (build.Build, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE builds
		SET status = $3,
		    updated_at = $4,
		    started_at = CASE WHEN $3 = 'RUNNING' AND started_at IS NULL THEN $4 ELSE started_at END,
		    finished_at = CASE WHEN $3 IN ('SUCCEEDED', 'FAILED', 'CANCELLED') AND finished_at IS NULL THEN $4 ELSE finished_at END
		WHERE id = $1 AND status = $2
		RETURNING `+buildColumns+`
	`, id, from, to, now)

	b, err := scanBuild(row)
	if errors.Is(err, storage.ErrNotFound) {
		if _, getErr := s.GetBuild(ctx, id); getErr != nil {
			return build.Build{}, fmt.Errorf("build %s: %w", id, storage.ErrNotFound)
		}
		return build.Build{}, fmt.Errorf("build %s expected %s: %w", id, from, storage.ErrStale)
	}
	return b, err
}

// --- BuildLogStore ----------------------------------------------------------

func (s *Store) AppendBuildLogs(ctx context.Context, buildID string, lines []build.LogLine) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, line := range lines {
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		if line.Timestamp.IsZero() {
			line.Timestamp = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_logs (id, build_id, ts, line)
			VALUES ($1, $2, $3, $4)
		`, line.ID, buildID, line.Timestamp, line.Line)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("build %s: %w", buildID, storage.ErrNotFound)
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListBuildLogs(ctx context.Context, buildID string) ([]build.LogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, build_id, ts, line
		FROM build_logs
		WHERE build_id = $1
		ORDER BY ts
	`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []build.LogLine
	for rows.Next() {
		var line build.LogLine
		if err := rows.Scan(&line.ID, &line.BuildID, &line.Timestamp, &line.Line); err != nil {
			return nil, err
		}
		result = append(result, line)
	}
	return result, rows.Err()
}

// --- scanning helpers -------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrompt(row rowScanner) (prompt.Prompt, error) {
	var (
		p           prompt.Prompt
		metadataRaw []byte
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Text, &metadataRaw, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return prompt.Prompt{}, fmt.Errorf("prompt: %w", storage.ErrNotFound)
		}
		return prompt.Prompt{}, err
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &p.Metadata)
	}
	return p, nil
}

func scanApp(row rowScanner) (appdom.App, error) {
	var a appdom.App
	err := row.Scan(&a.ID, &a.OwnerID, &a.PromptID, &a.Name, &a.Description, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return appdom.App{}, fmt.Errorf("app: %w", storage.ErrNotFound)
	}
	return a, err
}

func scanBuild(row rowScanner) (build.Build, error) {
	var (
		b        build.Build
		started  sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(&b.ID, &b.AppID, &b.Platform, &b.Type, &b.BuildNumber, &b.Status,
		&b.CreatedAt, &b.UpdatedAt, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return build.Build{}, fmt.Errorf("build: %w", storage.ErrNotFound)
		}
		return build.Build{}, err
	}
	if started.Valid {
		t := started.Time
		b.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		b.FinishedAt = &t
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
