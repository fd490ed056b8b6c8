// Package engine provides the hydraulic solver abstraction for the digital
// twin. The actual solver sits behind the Backend interface, allowing clean
// testing with mock implementations. The production backend is a simplified
// steady-state solver over EPANET-style INP definitions.
package engine

import (
	"github.com/hydrotwin/hydrotwin/internal/domain"
)

// ─── Backend Interface ──────────────────────────────────────────────────────

// Backend constructs Engine instances from network definitions.
type Backend interface {
	// Load parses a network definition and returns a solver instance.
	Load(definition []byte) (Engine, error)
}

// Engine is one loaded hydraulic model. An Engine is owned by exactly one
// goroutine; it is not safe for concurrent use. SolveComplete runs a full
// extended-period solve; the accessor maps reflect the state at the solved
// horizon's current step and stay self-consistent between solves.
type Engine interface {
	// SolveComplete runs a complete hydraulic solve.
	SolveComplete() error

	// Item enumeration, stable across solves.
	Junctions() []string
	Pipes() []string
	Tanks() []string

	// Solved state by location id.
	Pressures() map[string]float64
	Flows() map[string]float64
	TankInitialLevels() map[string]float64
	Elevations() map[string]float64

	// SetTankInitialLevel overrides a tank's level; effective on the next
	// SolveComplete.
	SetTankInitialLevel(locationID string, level float64) error

	// Close releases solver resources. Safe to call more than once.
	Close() error
}

// ValueFor reads the solved value matching a sensor kind: node pressure for
// pressure sensors, link flow for flow sensors, tank level for level
// sensors. The second return is false when the location is unknown to the
// solved model.
func ValueFor(e Engine, locationID string, kind domain.SensorKind) (float64, bool) {
	switch kind {
	case domain.SensorPressure:
		v, ok := e.Pressures()[locationID]
		return v, ok
	case domain.SensorFlow:
		v, ok := e.Flows()[locationID]
		return v, ok
	case domain.SensorLevel:
		v, ok := e.TankInitialLevels()[locationID]
		return v, ok
	default:
		return 0, false
	}
}
