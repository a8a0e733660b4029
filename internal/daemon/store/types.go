// Package store provides the in-memory state store for the monitor daemon.
package store

import (
	"time"

	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
)

// RunfileStatus is the monitor's latest view of one runfile.
type RunfileStatus struct {
	PID     string            `json:"pid"`
	Session string            `json:"session"` // "" for the default session
	Runfile string            `json:"runfile"`
	Path    string            `json:"path"`
	State   dispatch.RunState `json:"state"`
	Jobs    []string          `json:"jobs,omitempty"`
	// Completion is the last scheduler answer for a Running runfile.
	Completion string    `json:"completion,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Stamp identifies the sidecar revision the status was derived from.
	Stamp string `json:"-"`
}

// Transition records a runfile changing state between two scans.
type Transition struct {
	PID      string            `json:"pid"`
	Session  string            `json:"session"`
	Runfile  string            `json:"runfile"`
	From     dispatch.RunState `json:"from"`
	To       dispatch.RunState `json:"to"`
	Jobs     []string          `json:"jobs,omitempty"`
	Notified bool              `json:"notified"`
}

// State represents the complete world view of the daemon.
type State struct {
	Runfiles map[string]*RunfileStatus `json:"runfiles"` // Keyed by path
	Fleet    *fleet.Summary            `json:"fleet,omitempty"`
}

// UpdateType defines what kind of data changed.
type UpdateType string

const (
	UpdateRunfiles       UpdateType = "runfiles"
	UpdateRunfile        UpdateType = "runfile"
	UpdateTransition     UpdateType = "transition"
	UpdateFleet          UpdateType = "fleet"
	UpdateRegistryReload UpdateType = "registry_reload"
)

// Update represents a change to the state.
type Update struct {
	ID      string      `json:"id"`
	Type    UpdateType  `json:"type"`
	Source  string      `json:"source,omitempty"`  // Which collector sent this update
	Scanned int         `json:"scanned,omitempty"` // Number of items scanned
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}
