// Package build defines build attempts, their platform targets and the build
// status machine driven by worker reports.
package build

import "time"

// Platform is the compilation target of a build request.
type Platform string

const (
	PlatformAndroid Platform = "ANDROID"
	PlatformIOS     Platform = "IOS"
	// PlatformBoth fans out into one ANDROID and one IOS build.
	PlatformBoth Platform = "BOTH"
)

// Platforms lists the accepted request values.
func Platforms() []Platform {
	return []Platform{PlatformAndroid, PlatformIOS, PlatformBoth}
}

// Valid reports whether p is an accepted platform value.
func (p Platform) Valid() bool {
	return p == PlatformAndroid || p == PlatformIOS || p == PlatformBoth
}

// Type selects debug or release output.
type Type string

const (
	TypeDebug   Type = "DEBUG"
	TypeRelease Type = "RELEASE"
)

// Valid reports whether t is an accepted build type.
func (t Type) Valid() bool {
	return t == TypeDebug || t == TypeRelease
}

// Status is the state of one build attempt.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// transitions is the closed set of legal build edges. QUEUED builds may be
// cancelled without ever starting.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// Valid reports whether s is a known build status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the edge s -> to is legal.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// Build is one compilation attempt for one platform target of one app.
// BuildNumber is unique per app and strictly increasing with creation order.
type Build struct {
	ID          string
	AppID       string
	Platform    Platform
	Type        Type
	BuildNumber int
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// LogLine is one append-only log entry of a build, ordered by timestamp.
type LogLine struct {
	ID        string
	BuildID   string
	Timestamp time.Time
	Line      string
}
