// internal/agent/machine.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/config"
	"github.com/xkilldash9x/blackbox-cli/internal/keypool"
	"github.com/xkilldash9x/blackbox-cli/internal/trajectory"
)

// Machine runs the hunt loop: INIT, then DECIDE, EXECUTE, EVALUATE and
// CHECK_TERMINATION repeated until a terminal state. The loop is strictly
// sequential; cancellation is checked at the decide boundary, and a
// cancellation that interrupts an in-flight step ends the run with a
// canceled result rather than a failure.
type Machine struct {
	cfg      config.AgentConfig
	policy   *Policy
	exec     *Executor
	eval     *Evaluator
	recorder *trajectory.Recorder
	// findings, when non-nil, receives each newly confirmed finding as it
	// happens for batching and persistence.
	findings chan<- schemas.Finding
	detector *loopDetector
	logger   *zap.Logger
}

// NewMachine wires the loop components together. recorder and findings are
// optional; a nil recorder disables trajectory persistence.
func NewMachine(cfg config.AgentConfig, policy *Policy, exec *Executor, eval *Evaluator, recorder *trajectory.Recorder, findings chan<- schemas.Finding, logger *zap.Logger) *Machine {
	return &Machine{
		cfg:      cfg,
		policy:   policy,
		exec:     exec,
		eval:     eval,
		recorder: recorder,
		findings: findings,
		detector: newLoopDetector(cfg.LoopWindow),
		logger:   logger.Named("machine"),
	}
}

// Run executes one hunt against the target and returns the run result. The
// caller owns the run identity; an empty runID gets a fresh one. The error is
// non-nil only for fatal terminations; budget exhaustion, mission completion,
// rate limit exhaustion and cancellation are all regular results.
func (m *Machine) Run(ctx context.Context, runID, target string) (*RunResult, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	st := &RunState{
		RunID:     runID,
		TargetURL: target,
		Visited:   make(map[string]bool),
	}
	result := &RunResult{
		RunID:     st.RunID,
		Target:    target,
		StartedAt: time.Now().UTC(),
	}

	m.logger.Info("Hunt started",
		zap.String("run_id", st.RunID),
		zap.String("target", target),
		zap.Int("step_budget", m.cfg.StepBudget()),
		zap.Float64("mission_threshold", m.cfg.MissionThreshold))

	var (
		state    = StateInit
		act      Action
		obs      Observation
		fatalErr error
	)

	for {
		switch state {
		case StateInit:
			initialAct := Action{
				Kind:      ActionNavigate,
				Target:    target,
				Rationale: "open the target application",
				Timestamp: time.Now().UTC(),
			}
			var err error
			obs, err = m.exec.Execute(ctx, initialAct, false)
			if err != nil {
				if stepCanceled(ctx, err) {
					result.Reason = ReasonCanceled
					state = StateReport
					continue
				}
				fatalErr = fmt.Errorf("initial navigation: %w", err)
				state = StateTerminated
				continue
			}
			st.CurrentURL = obs.URL
			st.Visited[normalizeURL(obs.URL)] = true
			state = StateDecide

		case StateDecide:
			// Iteration boundary: cancellation between steps lands here.
			if ctx.Err() != nil {
				result.Reason = ReasonCanceled
				state = StateReport
				continue
			}

			var err error
			act, err = m.policy.Decide(ctx, st, obs)
			if err != nil {
				if errors.Is(err, keypool.ErrExhausted) {
					m.logger.Warn("Decision credentials exhausted, reporting partial results")
					result.Reason = ReasonRateLimitExhausted
					state = StateReport
					continue
				}
				if errors.Is(err, ErrNoEscape) {
					m.logger.Warn("Stagnation loop with no unvisited route left, concluding run")
					result.Reason = ReasonLoopAbort
					state = StateReport
					continue
				}
				// The policy degrades everything else internally; treat an
				// unexpected error like a parse failure.
				m.logger.Error("Unexpected decision failure", zap.Error(err))
				act = Action{Kind: ActionWait, Rationale: "fallback: decision failure", Timestamp: time.Now().UTC()}
			}
			act.ID = uuid.New().String()
			state = StateExecute

		case StateExecute:
			significant := act.Payload != "" ||
				(act.Kind == ActionNavigate && !st.Visited[normalizeURL(act.Target)])
			var err error
			obs, err = m.exec.Execute(ctx, act, significant)
			if err != nil {
				if stepCanceled(ctx, err) {
					result.Reason = ReasonCanceled
					state = StateReport
					continue
				}
				fatalErr = err
				state = StateTerminated
				continue
			}
			state = StateEvaluate

		case StateEvaluate:
			looping := m.detector.observe(act)
			verdict := m.eval.Evaluate(ctx, st, act, obs)
			if looping && verdict.Finding == nil {
				// Forced stagnation penalty overrides whatever the step would
				// have earned, unless it just confirmed a vulnerability.
				verdict = Verdict{Reward: rewardStagnation, Reason: "stagnation: repeated action"}
			}
			st.LoopDetected = looping

			st.Step++
			st.CumulativeReward += verdict.Reward
			st.CurrentURL = obs.URL
			st.Visited[normalizeURL(obs.URL)] = true

			rec := StepRecord{
				Step:         st.Step,
				Action:       act,
				Summary:      truncate(obs.Title+" @ "+obs.URL, 160),
				Reward:       verdict.Reward,
				Reason:       verdict.Reason,
				EvidencePath: obs.EvidencePath,
				Timestamp:    time.Now().UTC(),
			}
			if verdict.Finding != nil {
				rec.Finding = verdict.Finding.VulnerabilityName
				result.Findings = append(result.Findings, *verdict.Finding)
				if m.findings != nil {
					m.findings <- *verdict.Finding
				}
			}
			result.Steps = append(result.Steps, rec)
			m.appendHistory(st, rec)
			m.record(rec)

			m.logger.Info("Step evaluated",
				zap.Int("step", st.Step),
				zap.String("kind", string(act.Kind)),
				zap.Float64("reward", verdict.Reward),
				zap.Float64("cumulative", st.CumulativeReward),
				zap.String("reason", verdict.Reason))

			state = StateCheckTermination

		case StateCheckTermination:
			switch {
			case st.CumulativeReward >= m.cfg.MissionThreshold:
				st.MissionComplete = true
				result.Reason = ReasonMissionComplete
				state = StateReport
			case st.Step >= m.cfg.StepBudget():
				result.Reason = ReasonBudgetExhausted
				state = StateReport
			default:
				state = StateDecide
			}

		case StateReport:
			m.finish(result, st)
			m.logger.Info("Hunt finished",
				zap.String("run_id", st.RunID),
				zap.String("reason", string(result.Reason)),
				zap.Float64("cumulative_reward", result.CumulativeReward),
				zap.Int("findings", len(result.Findings)))
			return result, nil

		case StateTerminated:
			result.Reason = ReasonFatalError
			m.finish(result, st)
			m.logger.Error("Hunt terminated fatally",
				zap.String("run_id", st.RunID),
				zap.Error(fatalErr))
			return result, fatalErr

		default:
			fatalErr = fmt.Errorf("machine entered unknown state %q", state)
			state = StateTerminated
		}
	}
}

// stepCanceled reports whether a step error stems from the run context being
// canceled rather than from a genuine browser failure. Cancellation can
// surface either as context.Canceled from the executor or as a crash-shaped
// error from an operation the cancellation tore down mid-flight.
func stepCanceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}

// appendHistory keeps the policy's context window bounded.
func (m *Machine) appendHistory(st *RunState, rec StepRecord) {
	st.History = append(st.History, rec)
	if len(st.History) > m.cfg.HistoryWindow {
		st.History = st.History[len(st.History)-m.cfg.HistoryWindow:]
	}
}

// record persists the step; trajectory durability is best-effort and never
// stops the run.
func (m *Machine) record(rec StepRecord) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Append(rec); err != nil {
		m.logger.Error("Failed to persist trajectory step", zap.Error(err))
	}
}

// finish stamps the result and flushes the trajectory outcome.
func (m *Machine) finish(result *RunResult, st *RunState) {
	result.CumulativeReward = st.CumulativeReward
	result.FinishedAt = time.Now().UTC()
	if m.recorder != nil {
		if err := m.recorder.Finalize(string(result.Reason), st.CumulativeReward); err != nil {
			m.logger.Error("Failed to finalize trajectory", zap.Error(err))
		}
	}
}
