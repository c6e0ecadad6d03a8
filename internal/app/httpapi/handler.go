package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	app "github.com/appforge-dev/appforge/internal/app"
	appdom "github.com/appforge-dev/appforge/internal/app/domain/app"
	"github.com/appforge-dev/appforge/internal/app/domain/build"
	"github.com/appforge-dev/appforge/internal/app/domain/prompt"
	"github.com/appforge-dev/appforge/internal/app/fault"
	"github.com/appforge-dev/appforge/internal/app/guard"
)

// handler bundles HTTP endpoints for the orchestrator services. backend names
// the configured store for the health report.
type handler struct {
	app     *app.Application
	audit   *auditLog
	backend string
}

// New returns the full HTTP surface: routes wrapped with identity and audit
// middleware. serviceToken authenticates generator and build worker
// callbacks; backend names the store reported by /health.
func New(application *app.Application, serviceToken, backend string) http.Handler {
	audit := newAuditLog(0, nil)
	h := newHandler(application, audit, backend)
	h = wrapWithAudit(h, audit)
	return wrapWithIdentity(h, serviceToken)
}

// newHandler returns the bare route mux without middleware.
func newHandler(application *app.Application, audit *auditLog, backend string) http.Handler {
	if backend == "" {
		backend = "memory"
	}
	h := &handler{app: application, audit: audit, backend: backend}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/prompts", h.prompts)
	mux.HandleFunc("/prompts/", h.promptResource)
	mux.HandleFunc("/apps", h.apps)
	mux.HandleFunc("/apps/", h.appResources)
	mux.HandleFunc("/builds", h.builds)
	mux.HandleFunc("/builds/", h.buildResources)
	mux.HandleFunc("/audit", h.auditEntries)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  h.backend,
	})
}

// --- prompts ----------------------------------------------------------------

func (h *handler) prompts(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Text     string            `json:"text"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		created, p, err := h.app.Apps.Submit(r.Context(), principal, payload.Text, payload.Metadata)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "Prompt submitted successfully",
			"app": map[string]any{
				"id":        created.ID,
				"name":      created.Name,
				"status":    created.Status,
				"prompt":    map[string]any{"id": p.ID, "text": p.Text},
				"createdAt": created.CreatedAt,
			},
		})

	case http.MethodGet:
		prompts, err := h.app.Apps.ListPrompts(r.Context(), principal)
		if err != nil {
			writeFault(w, err)
			return
		}
		apps, err := h.app.Apps.List(r.Context(), principal)
		if err != nil {
			writeFault(w, err)
			return
		}
		byPrompt := make(map[string]appdom.App, len(apps))
		for _, a := range apps {
			byPrompt[a.PromptID] = a
		}

		out := make([]map[string]any, 0, len(prompts))
		for _, p := range prompts {
			entry := apiPrompt(p)
			if a, ok := byPrompt[p.ID]; ok {
				entry["app"] = map[string]any{"id": a.ID, "name": a.Name, "status": a.Status}
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompts": out})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) promptResource(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/prompts"), "/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, err := h.app.Apps.Prompt(r.Context(), principal, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	entry := apiPrompt(p)
	apps, err := h.app.Apps.List(r.Context(), principal)
	if err != nil {
		writeFault(w, err)
		return
	}
	for _, a := range apps {
		if a.PromptID == p.ID {
			entry["app"] = apiApp(a)
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt": entry})
}

// --- apps -------------------------------------------------------------------

func (h *handler) apps(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	apps, err := h.app.Apps.List(r.Context(), principal)
	if err != nil {
		writeFault(w, err)
		return
	}
	prompts, err := h.app.Apps.ListPrompts(r.Context(), principal)
	if err != nil {
		writeFault(w, err)
		return
	}
	promptByID := make(map[string]prompt.Prompt, len(prompts))
	for _, p := range prompts {
		promptByID[p.ID] = p
	}

	out := make([]map[string]any, 0, len(apps))
	for _, a := range apps {
		entry := apiApp(a)
		if p, ok := promptByID[a.PromptID]; ok {
			entry["prompt"] = map[string]any{"id": p.ID, "text": p.Text}
		}
		appBuilds, err := h.app.Builds.ListForApp(r.Context(), principal, a.ID)
		if err != nil {
			writeFault(w, err)
			return
		}
		if len(appBuilds) > 0 {
			latest := appBuilds[0]
			entry["builds"] = []map[string]any{{
				"id":        latest.ID,
				"platform":  latest.Platform,
				"status":    latest.Status,
				"createdAt": latest.CreatedAt,
			}}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": out})
}

func (h *handler) appResources(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/apps"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	appID := parts[0]

	if len(parts) == 1 {
		h.appResource(w, r, principal, appID)
		return
	}

	switch parts[1] {
	case "builds":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		appBuilds, err := h.app.Builds.ListForApp(r.Context(), principal, appID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"builds": apiBuilds(appBuilds)})

	case "status":
		h.appStatus(w, r, principal, appID)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) appResource(w http.ResponseWriter, r *http.Request, principal guard.Principal, appID string) {
	switch r.Method {
	case http.MethodGet:
		a, err := h.app.Apps.Get(r.Context(), principal, appID)
		if err != nil {
			writeFault(w, err)
			return
		}
		entry := apiApp(a)
		if p, err := h.app.Apps.Prompt(r.Context(), principal, a.PromptID); err == nil {
			entry["prompt"] = apiPrompt(p)
		}
		appBuilds, err := h.app.Builds.ListForApp(r.Context(), principal, appID)
		if err != nil {
			writeFault(w, err)
			return
		}
		entry["builds"] = apiBuilds(appBuilds)
		writeJSON(w, http.StatusOK, map[string]any{"app": entry})

	case http.MethodPatch:
		var payload struct {
			Name        *string `json:"name"`
			Description *string `json:"description"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := h.app.Apps.Update(r.Context(), principal, appID, payload.Name, payload.Description)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "App updated successfully",
			"app":     apiApp(updated),
		})

	case http.MethodDelete:
		if err := h.app.Apps.Delete(r.Context(), principal, appID); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "App deleted successfully"})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// appStatus is the generator callback advancing the app lifecycle.
func (h *handler) appStatus(w http.ResponseWriter, r *http.Request, principal guard.Principal, appID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if principal.Role != RoleService {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.app.Apps.Advance(r.Context(), appID, appdom.Status(payload.Status))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app": apiApp(updated)})
}

// --- builds -----------------------------------------------------------------

func (h *handler) builds(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload struct {
			AppID     string `json:"appId"`
			Platform  string `json:"platform"`
			BuildType string `json:"buildType"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.AppID == "" || payload.Platform == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":          "appId and platform are required",
				"validPlatforms": build.Platforms(),
			})
			return
		}

		created, err := h.app.Builds.Request(r.Context(), principal, payload.AppID,
			build.Platform(payload.Platform), build.Type(payload.BuildType))
		if err != nil {
			writeFault(w, err)
			return
		}
		body := map[string]any{"message": "Build queued successfully"}
		if len(created) == 1 {
			body["build"] = apiBuild(created[0])
		} else {
			body["builds"] = apiBuilds(created)
		}
		writeJSON(w, http.StatusCreated, body)

	case http.MethodGet:
		userBuilds, err := h.app.Builds.List(r.Context(), principal)
		if err != nil {
			writeFault(w, err)
			return
		}
		out := make([]map[string]any, 0, len(userBuilds))
		appNames := make(map[string]string)
		for _, b := range userBuilds {
			entry := apiBuild(b)
			name, ok := appNames[b.AppID]
			if !ok {
				if a, err := h.app.Apps.Get(r.Context(), principal, b.AppID); err == nil {
					name = a.Name
				}
				appNames[b.AppID] = name
			}
			entry["app"] = map[string]any{"id": b.AppID, "name": name}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"builds": out})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) buildResources(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/builds"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	buildID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		b, lines, err := h.app.Builds.Get(r.Context(), principal, buildID)
		if err != nil {
			writeFault(w, err)
			return
		}
		entry := apiBuild(b)
		if a, err := h.app.Apps.Get(r.Context(), principal, b.AppID); err == nil {
			entry["app"] = map[string]any{"id": a.ID, "name": a.Name}
		}
		entry["logs"] = apiLogs(lines)
		writeJSON(w, http.StatusOK, map[string]any{"build": entry})
		return
	}

	switch parts[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cancelled, err := h.app.Builds.Cancel(r.Context(), principal, buildID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Build cancelled",
			"build":   apiBuild(cancelled),
		})

	case "status":
		h.buildStatus(w, r, principal, buildID)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// buildStatus is the build worker callback reporting progress and outcome.
func (h *handler) buildStatus(w http.ResponseWriter, r *http.Request, principal guard.Principal, buildID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if principal.Role != RoleService {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var payload struct {
		Status string   `json:"status"`
		Logs   []string `json:"logs"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.app.Builds.Report(r.Context(), buildID, build.Status(payload.Status), payload.Logs)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"build": apiBuild(updated)})
}

// --- audit ------------------------------------------------------------------

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if principal.Role != "admin" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []auditEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.audit.list()})
}

// --- serialization ----------------------------------------------------------

func apiPrompt(p prompt.Prompt) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"text":      p.Text,
		"metadata":  p.Metadata,
		"createdAt": p.CreatedAt,
	}
}

func apiApp(a appdom.App) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"name":        a.Name,
		"description": a.Description,
		"status":      a.Status,
		"promptId":    a.PromptID,
		"createdAt":   a.CreatedAt,
		"updatedAt":   a.UpdatedAt,
	}
}

func apiBuild(b build.Build) map[string]any {
	entry := map[string]any{
		"id":          b.ID,
		"appId":       b.AppID,
		"platform":    b.Platform,
		"buildType":   b.Type,
		"buildNumber": b.BuildNumber,
		"status":      b.Status,
		"createdAt":   b.CreatedAt,
		"updatedAt":   b.UpdatedAt,
	}
	if b.StartedAt != nil {
		entry["startedAt"] = b.StartedAt
	}
	if b.FinishedAt != nil {
		entry["finishedAt"] = b.FinishedAt
	}
	return entry
}

func apiBuilds(list []build.Build) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, b := range list {
		out = append(out, apiBuild(b))
	}
	return out
}

func apiLogs(lines []build.LogLine) []map[string]any {
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"id":        line.ID,
			"timestamp": line.Timestamp,
			"line":      line.Line,
		})
	}
	return out
}

// --- helpers ----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeFault maps the error taxonomy onto HTTP statuses with enough context
// for the caller to act.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindInvalidInput:
		status = http.StatusBadRequest
	case fault.KindAppNotReady, fault.KindInvalidTransition, fault.KindConflict:
		status = http.StatusConflict
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	body := map[string]any{"error": err.Error()}
	if kind != "" {
		body["kind"] = kind
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.Current != "" {
			body["currentStatus"] = fe.Current
		}
		if fe.Requested != "" {
			body["requestedStatus"] = fe.Requested
		}
	}
	writeJSON(w, status, body)
}
