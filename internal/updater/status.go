package updater

// State is the update-all run state machine.
type State string

const (
	// StateIdle means no run is active.
	StateIdle State = "idle"
	// StateRunningUserApps is phase A: per-app updates, strictly in order.
	StateRunningUserApps State = "running_user_apps"
	// StateRunningSystemUpdates is phase B: one system-wide update pass.
	StateRunningSystemUpdates State = "running_system_updates"
	// StateSuccess is the terminal state of a run with zero errors.
	StateSuccess State = "success"
	// StateCompletedWithErrors is the terminal state of a run where at
	// least one operation failed. The run still attempted everything.
	StateCompletedWithErrors State = "completed_with_errors"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateCompletedWithErrors
}

// IndeterminateProgress marks progress that cannot be quantified yet.
const IndeterminateProgress = -1

// Status is an observable snapshot of the current (or last) run.
type Status struct {
	State State `json:"state"`

	// Apps are the run's targets in update order.
	Apps []string `json:"apps"`
	// CurrentAppIndex counts completed steps: one per app, plus one for
	// the system phase when it runs.
	CurrentAppIndex int `json:"current_app_index"`
	// CurrentAppProgress is the active app's percentage, -1 when
	// indeterminate.
	CurrentAppProgress int `json:"current_app_progress"`

	// SystemUpdating is true while phase B's update pass is running.
	SystemUpdating bool `json:"system_updating"`
	// SystemProgress is phase B's percentage, -1 when indeterminate.
	SystemProgress int `json:"system_progress"`
	// SystemSatisfied is set when phase A's app updates pulled in every
	// pending system update, so phase B was skipped.
	SystemSatisfied bool `json:"system_satisfied"`

	// Output is the accumulated line-by-line terminal output of the run.
	Output []string `json:"output"`
	// Errors counts failed operations. The run never aborts early; it
	// reports this aggregate at the end.
	Errors int `json:"errors"`
}
