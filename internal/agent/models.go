// internal/agent/models.go
package agent

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/browser"
)

// State identifies the phase of the hunt loop the machine is in. Transitions
// are explicit; there are no callbacks.
type State string

const (
	StateInit             State = "INIT"              // Acquire the session, zero the run state.
	StateDecide           State = "DECIDE"            // Ask the policy for the next action.
	StateExecute          State = "EXECUTE"           // Drive the browser.
	StateEvaluate         State = "EVALUATE"          // Score the resulting observation.
	StateCheckTermination State = "CHECK_TERMINATION" // Threshold, budget and loop checks.
	StateReport           State = "REPORT"            // Emit trajectory, findings, summary.
	StateTerminated       State = "TERMINATED"        // Fatal exit after best-effort flush.
)

// ActionKind enumerates the browser actions the policy may choose from.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"       // Load a URL. Target is the URL.
	ActionFill     ActionKind = "fill"           // Type into a field. Target is the selector, Payload the value.
	ActionClick    ActionKind = "click"          // Click an element. Target is the selector.
	ActionSubmit   ActionKind = "submit"         // Submit the form containing Target.
	ActionWait     ActionKind = "waitAndObserve" // Pause briefly and re-observe.
)

// Action is a single concrete step decided by the policy. Rationale is
// mandatory; an action without a reason is treated as a parse failure.
type Action struct {
	ID        string     `json:"id"`
	Kind      ActionKind `json:"kind"`
	Target    string     `json:"target,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	Rationale string     `json:"rationale"`
	Timestamp time.Time  `json:"timestamp"`
}

// Validate checks that the action carries the parameters its kind requires.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionNavigate:
		if a.Target == "" {
			return fmt.Errorf("navigate action requires a target URL")
		}
	case ActionFill:
		if a.Target == "" {
			return fmt.Errorf("fill action requires a target selector")
		}
	case ActionClick, ActionSubmit:
		if a.Target == "" {
			return fmt.Errorf("%s action requires a target selector", a.Kind)
		}
	case ActionWait:
		// No parameters.
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.Rationale == "" {
		return fmt.Errorf("action is missing a rationale")
	}
	return nil
}

// Observation is what the agent perceives after executing an action: the page
// snapshot plus any recoverable execution error that occurred on the way.
type Observation struct {
	browser.Snapshot
	ExecError    string `json:"exec_error,omitempty"`
	EvidencePath string `json:"evidence_path,omitempty"`
}

// StepRecord is the immutable account of one completed loop iteration.
type StepRecord struct {
	Step         int       `json:"step"`
	Action       Action    `json:"action"`
	Summary      string    `json:"summary"`
	Reward       float64   `json:"reward"`
	Reason       string    `json:"reason"`
	Finding      string    `json:"finding,omitempty"`
	EvidencePath string    `json:"evidence_path,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TerminationReason explains why a run stopped.
type TerminationReason string

const (
	ReasonMissionComplete    TerminationReason = "mission_complete"
	ReasonBudgetExhausted    TerminationReason = "budget_exhausted"
	ReasonRateLimitExhausted TerminationReason = "rate_limit_exhausted"
	ReasonLoopAbort          TerminationReason = "loop_abort"
	ReasonFatalError         TerminationReason = "fatal_error"
	ReasonCanceled           TerminationReason = "canceled"
)

// RunState is the mutable state of one hunt. It is owned by the state machine
// and mutated only between transitions.
type RunState struct {
	RunID            string
	TargetURL        string
	CurrentURL       string
	Step             int
	CumulativeReward float64
	// History is the bounded window of recent steps fed back into the policy
	// prompt. The full trajectory lives in the recorder.
	History         []StepRecord
	MissionComplete bool
	LoopDetected    bool
	Visited         map[string]bool
}

// RunResult is the final output of a run, handed to the reporting layer.
type RunResult struct {
	RunID            string            `json:"run_id"`
	Target           string            `json:"target"`
	Reason           TerminationReason `json:"reason"`
	Steps            []StepRecord      `json:"steps"`
	Findings         []schemas.Finding `json:"findings"`
	CumulativeReward float64           `json:"cumulative_reward"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}
