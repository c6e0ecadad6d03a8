// Package app defines the App aggregate: one user's generated application and
// its lifecycle through the generation pipeline.
package app

import "time"

// Status is the lifecycle state of an app.
type Status string

const (
	StatusPlanning   Status = "PLANNING"
	StatusGenerating Status = "GENERATING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
)

// transitions is the closed set of legal lifecycle edges. READY apps may
// re-enter GENERATING on an explicit regenerate request; FAILED is terminal
// and is only recovered by a fresh planning cycle.
var transitions = map[Status][]Status{
	StatusPlanning:   {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusReady, StatusFailed},
	StatusReady:      {StatusGenerating},
	StatusFailed:     {},
}

// Valid reports whether s is a known app status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the edge s -> to is in the lifecycle table.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Buildable reports whether an app in this status may accept build requests.
// GENERATING is included so preview builds can run before generation
// completes.
func (s Status) Buildable() bool {
	return s == StatusReady || s == StatusGenerating
}

// App is the central aggregate. Exactly one prompt originates each app, and
// the app's owner always equals that prompt's owner.
type App struct {
	ID          string
	OwnerID     string
	PromptID    string
	Name        string
	Description string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
