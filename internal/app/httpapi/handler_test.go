package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/appforge-dev/appforge/internal/app"
)

const testToken = "worker-secret"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	return New(application, testToken, "memory")
}

type call struct {
	method string
	path   string
	body   any
	userID string
	role   string
	token  string
}

func do(t *testing.T, h http.Handler, c call) (int, map[string]any) {
	t.Helper()
	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if c.body != nil {
		data, err := json.Marshal(c.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewBuffer(data)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	if c.role != "" {
		req.Header.Set("X-User-Role", c.role)
	}
	if c.token != "" {
		req.Header.Set("X-Service-Token", c.token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", c.method, c.path, err, rec.Body.String())
		}
	}
	return rec.Code, decoded
}

func field(t *testing.T, m map[string]any, keys ...string) any {
	t.Helper()
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("field %v: not an object at %q (%+v)", keys, k, cur)
		}
		cur, ok = obj[k]
		if !ok {
			t.Fatalf("field %v: missing %q in %+v", keys, k, obj)
		}
	}
	return cur
}

func TestHealthIsOpen(t *testing.T) {
	h := newTestHandler(t)
	code, body := do(t, h, call{method: http.MethodGet, path: "/health"})
	if code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if body["status"] != "ok" || body["database"] != "memory" {
		t.Fatalf("body = %+v", body)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	h := newTestHandler(t)
	code, _ := do(t, h, call{method: http.MethodGet, path: "/apps"})
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", code)
	}
}

func TestPromptToBuildScenario(t *testing.T) {
	h := newTestHandler(t)

	// Submit a prompt; the app starts in PLANNING.
	code, body := do(t, h, call{
		method: http.MethodPost, path: "/prompts", userID: "alice",
		body: map[string]any{"text": "build me a recipe app", "metadata": map[string]string{"theme": "dark"}},
	})
	if code != http.StatusCreated {
		t.Fatalf("submit = %d (%+v)", code, body)
	}
	appID := field(t, body, "app", "id").(string)
	if got := field(t, body, "app", "status"); got != "PLANNING" {
		t.Fatalf("status = %v", got)
	}

	// PLANNING apps cannot take builds yet.
	code, body = do(t, h, call{
		method: http.MethodPost, path: "/builds", userID: "alice",
		body: map[string]any{"appId": appID, "platform": "ANDROID"},
	})
	if code != http.StatusConflict {
		t.Fatalf("build on PLANNING = %d (%+v)", code, body)
	}
	if body["kind"] != "app_not_ready" {
		t.Fatalf("kind = %v", body["kind"])
	}

	// Users may not drive the lifecycle callback.
	code, _ = do(t, h, call{
		method: http.MethodPost, path: "/apps/" + appID + "/status", userID: "alice",
		body: map[string]any{"status": "GENERATING"},
	})
	if code != http.StatusForbidden {
		t.Fatalf("user lifecycle callback = %d, want 403", code)
	}

	// The generator advances PLANNING -> GENERATING -> READY.
	for _, status := range []string{"GENERATING", "READY"} {
		code, body = do(t, h, call{
			method: http.MethodPost, path: "/apps/" + appID + "/status", token: testToken,
			body: map[string]any{"status": status},
		})
		if code != http.StatusOK {
			t.Fatalf("advance to %s = %d (%+v)", status, code, body)
		}
	}
	if got := field(t, body, "app", "status"); got != "READY" {
		t.Fatalf("status = %v", got)
	}

	// First build gets number 1.
	code, body = do(t, h, call{
		method: http.MethodPost, path: "/builds", userID: "alice",
		body: map[string]any{"appId": appID, "platform": "ANDROID"},
	})
	if code != http.StatusCreated {
		t.Fatalf("build = %d (%+v)", code, body)
	}
	buildID := field(t, body, "build", "id").(string)
	if n := field(t, body, "build", "buildNumber").(float64); n != 1 {
		t.Fatalf("build number = %v", n)
	}
	if typ := field(t, body, "build", "buildType"); typ != "DEBUG" {
		t.Fatalf("default build type = %v", typ)
	}

	// BOTH fans out into two builds numbered 2 and 3.
	code, body = do(t, h, call{
		method: http.MethodPost, path: "/builds", userID: "alice",
		body: map[string]any{"appId": appID, "platform": "BOTH", "buildType": "RELEASE"},
	})
	if code != http.StatusCreated {
		t.Fatalf("both = %d (%+v)", code, body)
	}
	pair := body["builds"].([]any)
	if len(pair) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(pair))
	}
	numbers := []float64{
		pair[0].(map[string]any)["buildNumber"].(float64),
		pair[1].(map[string]any)["buildNumber"].(float64),
	}
	if numbers[0] != 2 || numbers[1] != 3 {
		t.Fatalf("numbers = %v", numbers)
	}

	// The worker reports progress with logs, then success.
	code, body = do(t, h, call{
		method: http.MethodPost, path: "/builds/" + buildID + "/status", token: testToken,
		body: map[string]any{"status": "RUNNING", "logs": []string{"checkout", "assemble"}},
	})
	if code != http.StatusOK {
		t.Fatalf("report running = %d (%+v)", code, body)
	}
	code, body = do(t, h, call{
		method: http.MethodPost, path: "/builds/" + buildID + "/status", token: testToken,
		body: map[string]any{"status": "SUCCEEDED", "logs": []string{"artifact uploaded"}},
	})
	if code != http.StatusOK {
		t.Fatalf("report succeeded = %d (%+v)", code, body)
	}

	// Terminal repeat delivery stays a success.
	code, body = do(t, h, call{
		method: http.MethodPost, path: "/builds/" + buildID + "/status", token: testToken,
		body: map[string]any{"status": "SUCCEEDED"},
	})
	if code != http.StatusOK {
		t.Fatalf("terminal repeat = %d (%+v)", code, body)
	}

	// A conflicting terminal report is a state machine violation.
	code, body = do(t, h, call{
		method: http.MethodPost, path: "/builds/" + buildID + "/status", token: testToken,
		body: map[string]any{"status": "FAILED"},
	})
	if code != http.StatusConflict {
		t.Fatalf("conflicting report = %d (%+v)", code, body)
	}
	if body["kind"] != "invalid_transition" {
		t.Fatalf("kind = %v", body["kind"])
	}

	// The owner sees the build with its logs in order.
	code, body = do(t, h, call{method: http.MethodGet, path: "/builds/" + buildID, userID: "alice"})
	if code != http.StatusOK {
		t.Fatalf("get build = %d", code)
	}
	logs := field(t, body, "build", "logs").([]any)
	if len(logs) != 3 {
		t.Fatalf("expected 3 log lines, got %d", len(logs))
	}
	if first := logs[0].(map[string]any)["line"]; first != "checkout" {
		t.Fatalf("first log line = %v", first)
	}
	if field(t, body, "build", "status") != "SUCCEEDED" {
		t.Fatalf("status = %v", field(t, body, "build", "status"))
	}
}

func TestOwnershipHidesForeignEntities(t *testing.T) {
	h := newTestHandler(t)

	_, body := do(t, h, call{
		method: http.MethodPost, path: "/prompts", userID: "alice",
		body: map[string]any{"text": "a journaling app"},
	})
	appID := field(t, body, "app", "id").(string)

	// Another user sees neither the app nor any trace of it.
	code, _ := do(t, h, call{method: http.MethodGet, path: "/apps/" + appID, userID: "bob"})
	if code != http.StatusNotFound {
		t.Fatalf("foreign get = %d, want 404", code)
	}
	code, _ = do(t, h, call{method: http.MethodDelete, path: "/apps/" + appID, userID: "bob"})
	if code != http.StatusNotFound {
		t.Fatalf("foreign delete = %d, want 404", code)
	}
	code, body = do(t, h, call{method: http.MethodGet, path: "/apps", userID: "bob"})
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if apps := body["apps"].([]any); len(apps) != 0 {
		t.Fatalf("bob should see no apps, got %d", len(apps))
	}
}

func TestUpdateAndDeleteApp(t *testing.T) {
	h := newTestHandler(t)

	_, body := do(t, h, call{
		method: http.MethodPost, path: "/prompts", userID: "alice",
		body: map[string]any{"text": "a fitness app"},
	})
	appID := field(t, body, "app", "id").(string)

	code, body := do(t, h, call{
		method: http.MethodPatch, path: "/apps/" + appID, userID: "alice",
		body: map[string]any{"name": "FitTrack", "description": "tracks workouts"},
	})
	if code != http.StatusOK {
		t.Fatalf("patch = %d (%+v)", code, body)
	}
	if field(t, body, "app", "name") != "FitTrack" {
		t.Fatalf("name = %v", field(t, body, "app", "name"))
	}

	code, _ = do(t, h, call{method: http.MethodDelete, path: "/apps/" + appID, userID: "alice"})
	if code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	code, _ = do(t, h, call{method: http.MethodGet, path: "/apps/" + appID, userID: "alice"})
	if code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	h := newTestHandler(t)

	_, body := do(t, h, call{
		method: http.MethodPost, path: "/prompts", userID: "alice",
		body: map[string]any{"text": "a podcast app"},
	})
	appID := field(t, body, "app", "id").(string)
	for _, status := range []string{"GENERATING", "READY"} {
		do(t, h, call{
			method: http.MethodPost, path: "/apps/" + appID + "/status", token: testToken,
			body: map[string]any{"status": status},
		})
	}
	_, body = do(t, h, call{
		method: http.MethodPost, path: "/builds", userID: "alice",
		body: map[string]any{"appId": appID, "platform": "IOS"},
	})
	buildID := field(t, body, "build", "id").(string)

	code, body := do(t, h, call{method: http.MethodPost, path: "/builds/" + buildID + "/cancel", userID: "alice"})
	if code != http.StatusOK {
		t.Fatalf("cancel = %d (%+v)", code, body)
	}
	if field(t, body, "build", "status") != "CANCELLED" {
		t.Fatalf("status = %v", field(t, body, "build", "status"))
	}
}

func TestBuildValidationResponse(t *testing.T) {
	h := newTestHandler(t)
	code, body := do(t, h, call{
		method: http.MethodPost, path: "/builds", userID: "alice",
		body: map[string]any{"appId": "", "platform": ""},
	})
	if code != http.StatusBadRequest {
		t.Fatalf("missing fields = %d", code)
	}
	if _, ok := body["validPlatforms"]; !ok {
		t.Fatalf("expected validPlatforms hint, got %+v", body)
	}
}

func TestAuditRequiresAdmin(t *testing.T) {
	h := newTestHandler(t)

	do(t, h, call{method: http.MethodGet, path: "/apps", userID: "alice"})

	code, _ := do(t, h, call{method: http.MethodGet, path: "/audit", userID: "alice"})
	if code != http.StatusForbidden {
		t.Fatalf("user audit access = %d, want 403", code)
	}

	code, body := do(t, h, call{method: http.MethodGet, path: "/audit", userID: "root", role: "admin"})
	if code != http.StatusOK {
		t.Fatalf("admin audit access = %d", code)
	}
	entries := body["entries"].([]any)
	if len(entries) == 0 {
		t.Fatalf("expected audit entries")
	}
	found := false
	for _, e := range entries {
		entry := e.(map[string]any)
		if entry["path"] == "/apps" && entry["user"] == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the /apps request in the trail: %+v", entries)
	}
}

func TestUnknownRoutes(t *testing.T) {
	h := newTestHandler(t)
	for _, path := range []string{"/apps/123/unknown", "/builds/123/unknown", "/prompts/1/2"} {
		code, _ := do(t, h, call{method: http.MethodGet, path: path, userID: "alice"})
		if code != http.StatusNotFound {
			t.Fatalf("%s = %d, want 404", path, code)
		}
	}
	code, _ := do(t, h, call{method: http.MethodPut, path: "/apps", userID: "alice"})
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT /apps = %d, want 405", code)
	}
}
