// internal/models/prematch.go
package models

// PreMatchState is the derived state of a pre-match ready check.
type PreMatchState string

const (
	StatePreStart  PreMatchState = "pre_start"
	StateLockIn    PreMatchState = "lock_in"
	StateReady     PreMatchState = "ready"
	StateCancelled PreMatchState = "cancelled"
	StateIdle      PreMatchState = "idle"
)

// Expired reports whether the pre-match timed out.
func (s PreMatchState) Expired() bool {
	return s == StateCancelled || s == StateIdle
}
