package apps

import (
	"context"
	"strings"
	"testing"

	appdom "github.com/appforge-dev/appforge/internal/app/domain/app"
	"github.com/appforge-dev/appforge/internal/app/fault"
	"github.com/appforge-dev/appforge/internal/app/guard"
	"github.com/appforge-dev/appforge/internal/app/storage/memory"
)

func newService() (*Service, *memory.Store) {
	store := memory.New()
	g := guard.New(store, store, store)
	return New(store, store, g, nil), store
}

var alice = guard.Principal{ID: "alice", Role: "user"}
var bob = guard.Principal{ID: "bob", Role: "user"}

func TestSubmit(t *testing.T) {
	svc, _ := newService()

	a, p, err := svc.Submit(context.Background(), alice, "  build me a todo app  ", map[string]string{"theme": "dark"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != appdom.StatusPlanning {
		t.Fatalf("status = %s, want PLANNING", a.Status)
	}
	if p.Text != "build me a todo app" {
		t.Fatalf("text not trimmed: %q", p.Text)
	}
	if a.PromptID != p.ID {
		t.Fatalf("app not linked to prompt")
	}
	if !strings.HasPrefix(a.Name, "App ") {
		t.Fatalf("placeholder name = %q", a.Name)
	}

	if _, _, err := svc.Submit(context.Background(), alice, "   ", nil); !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("expected InvalidInput for blank text, got %v", err)
	}
}

func TestUpdateKeepsUnsetFields(t *testing.T) {
	svc, _ := newService()
	a, _, err := svc.Submit(context.Background(), alice, "a recipe app", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	desc := "collects recipes"
	updated, err := svc.Update(context.Background(), alice, a.ID, nil, &desc)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != a.Name {
		t.Fatalf("name changed unexpectedly: %q", updated.Name)
	}
	if updated.Description != desc {
		t.Fatalf("description = %q", updated.Description)
	}

	name := "Recipes"
	blank := ""
	updated, err = svc.Update(context.Background(), alice, a.ID, &name, nil)
	if err != nil {
		t.Fatalf("update name: %v", err)
	}
	if updated.Name != "Recipes" || updated.Description != desc {
		t.Fatalf("got %q / %q", updated.Name, updated.Description)
	}

	// Blank name is ignored rather than erasing the current one.
	updated, err = svc.Update(context.Background(), alice, a.ID, &blank, nil)
	if err != nil {
		t.Fatalf("update blank name: %v", err)
	}
	if updated.Name != "Recipes" {
		t.Fatalf("blank name should be ignored, got %q", updated.Name)
	}

	if _, err := svc.Update(context.Background(), bob, a.ID, &name, nil); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("foreign update should be NotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc, _ := newService()
	a, _, err := svc.Submit(context.Background(), alice, "a chat app", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Delete(context.Background(), bob, a.ID); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("foreign delete should be NotFound, got %v", err)
	}
	if err := svc.Delete(context.Background(), alice, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), alice, a.ID); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestAdvanceLifecycle(t *testing.T) {
	svc, _ := newService()
	a, _, err := svc.Submit(context.Background(), alice, "a weather app", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	generating, err := svc.Advance(context.Background(), a.ID, appdom.StatusGenerating)
	if err != nil {
		t.Fatalf("to generating: %v", err)
	}
	if generating.Status != appdom.StatusGenerating {
		t.Fatalf("status = %s", generating.Status)
	}

	// Repeating GENERATING is an idempotent no-op.
	again, err := svc.Advance(context.Background(), a.ID, appdom.StatusGenerating)
	if err != nil {
		t.Fatalf("repeat generating: %v", err)
	}
	if again.Status != appdom.StatusGenerating {
		t.Fatalf("status = %s", again.Status)
	}

	ready, err := svc.Advance(context.Background(), a.ID, appdom.StatusReady)
	if err != nil {
		t.Fatalf("to ready: %v", err)
	}
	if ready.Status != appdom.StatusReady {
		t.Fatalf("status = %s", ready.Status)
	}

	// READY -> FAILED is not an edge.
	if _, err := svc.Advance(context.Background(), a.ID, appdom.StatusFailed); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}

	// Regeneration re-enters GENERATING from READY.
	regen, err := svc.Advance(context.Background(), a.ID, appdom.StatusGenerating)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if regen.Status != appdom.StatusGenerating {
		t.Fatalf("status = %s", regen.Status)
	}

	if _, err := svc.Advance(context.Background(), a.ID, appdom.StatusPlanning); !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("PLANNING target should be InvalidInput, got %v", err)
	}
	if _, err := svc.Advance(context.Background(), a.ID, appdom.Status("DONE")); !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("unknown target should be InvalidInput, got %v", err)
	}
	if _, err := svc.Advance(context.Background(), "missing", appdom.StatusGenerating); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("missing app should be NotFound, got %v", err)
	}
}

func TestFailedIsTerminal(t *testing.T) {
	svc, _ := newService()
	a, _, err := svc.Submit(context.Background(), alice, "an app that will fail", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.Advance(context.Background(), a.ID, appdom.StatusFailed); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	for _, target := range []appdom.Status{appdom.StatusGenerating, appdom.StatusReady} {
		if _, err := svc.Advance(context.Background(), a.ID, target); !fault.Is(err, fault.KindInvalidTransition) {
			t.Fatalf("FAILED -> %s should be InvalidTransition, got %v", target, err)
		}
	}
}

func TestListScopedToOwner(t *testing.T) {
	svc, _ := newService()
	if _, _, err := svc.Submit(context.Background(), alice, "app one", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.Submit(context.Background(), bob, "app two", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	apps, err := svc.List(context.Background(), alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("expected 1 app for alice, got %d", len(apps))
	}

	prompts, err := svc.ListPrompts(context.Background(), alice)
	if err != nil {
		t.Fatalf("list prompts: %v", err)
	}
	if len(prompts) != 1 || prompts[0].Text != "app one" {
		t.Fatalf("unexpected prompts: %+v", prompts)
	}
}
