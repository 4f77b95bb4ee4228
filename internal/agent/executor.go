// internal/agent/executor.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/blackbox-cli/internal/browser"
)

// Browser is the surface the executor needs from the session. A run owns
// exactly one implementation and drives it from a single goroutine.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Submit(ctx context.Context, selector string) error
	Snapshot(ctx context.Context) (browser.Snapshot, error)
	CaptureEvidence(ctx context.Context, label string) (string, error)
}

// Executor performs exactly one action against the browser and reports the
// resulting observation. Recoverable failures (missing element, bad URL,
// timeout) are folded into the observation; only a crashed session is
// returned as an error.
type Executor struct {
	b        Browser
	postWait time.Duration
	logger   *zap.Logger
}

// NewExecutor wires an executor over the given browser. postWait is the pause
// used by waitAndObserve actions.
func NewExecutor(b Browser, postWait time.Duration, logger *zap.Logger) *Executor {
	if postWait <= 0 {
		postWait = time.Second
	}
	return &Executor{b: b, postWait: postWait, logger: logger.Named("executor")}
}

// Execute runs the action and snapshots the page afterwards. captureEvidence
// requests a screenshot for significant actions (payload deliveries, first
// visits to a route).
func (e *Executor) Execute(ctx context.Context, act Action, captureEvidence bool) (Observation, error) {
	var execErr error

	switch act.Kind {
	case ActionNavigate:
		execErr = e.b.Navigate(ctx, act.Target)
	case ActionFill:
		execErr = e.b.Fill(ctx, act.Target, act.Payload)
	case ActionClick:
		execErr = e.b.Click(ctx, act.Target)
	case ActionSubmit:
		execErr = e.b.Submit(ctx, act.Target)
	case ActionWait:
		select {
		case <-time.After(e.postWait):
		case <-ctx.Done():
			return Observation{}, ctx.Err()
		}
	default:
		execErr = fmt.Errorf("unknown action kind %q", act.Kind)
	}

	if errors.Is(execErr, browser.ErrBrowserCrashed) {
		return Observation{}, execErr
	}

	snap, snapErr := e.b.Snapshot(ctx)
	if errors.Is(snapErr, browser.ErrBrowserCrashed) {
		return Observation{}, snapErr
	}

	obs := Observation{Snapshot: snap}
	if execErr != nil {
		obs.ExecError = execErr.Error()
		e.logger.Debug("Action failed, continuing",
			zap.String("kind", string(act.Kind)),
			zap.String("target", act.Target),
			zap.Error(execErr))
	} else if snapErr != nil {
		obs.ExecError = snapErr.Error()
	}

	if captureEvidence && execErr == nil {
		label := fmt.Sprintf("%s_%s", act.Kind, act.Target)
		if path, err := e.b.CaptureEvidence(ctx, label); err == nil {
			obs.EvidencePath = path
		} else if errors.Is(err, browser.ErrBrowserCrashed) {
			return Observation{}, err
		} else {
			e.logger.Warn("Evidence capture failed", zap.Error(err))
		}
	}

	return obs, nil
}
