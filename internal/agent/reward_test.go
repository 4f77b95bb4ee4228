package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/browser"
)

func newTestState(visited ...string) *RunState {
	st := &RunState{
		RunID:     "run-test",
		TargetURL: "http://victim.local",
		Visited:   make(map[string]bool),
	}
	for _, u := range visited {
		st.Visited[normalizeURL(u)] = true
	}
	return st
}

func obsWith(url, bodyText, rawHTML string) Observation {
	return Observation{Snapshot: browser.Snapshot{URL: url, BodyText: bodyText, HTML: rawHTML}}
}

func TestEvaluateFailedAction(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))

	obs := obsWith("http://victim.local/login", "login page", "")
	obs.ExecError = "element not found: #missing"

	v := e.Evaluate(context.Background(), newTestState("http://victim.local/login"), Action{Kind: ActionClick, Target: "#missing"}, obs)
	assert.InDelta(t, rewardFailed, v.Reward, 1e-9)
	assert.Nil(t, v.Finding)
}

func TestEvaluateAuthBypassRequiresPayload(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/dashboard")
	obs := obsWith("http://victim.local/dashboard", "Welcome back, admin!", "")

	// Same page without a delivered payload is not evidence of a bypass.
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionClick, Target: "#login"}, obs)
	assert.Nil(t, v.Finding)

	v = e.Evaluate(context.Background(), st, Action{
		Kind:    ActionSubmit,
		Target:  "#login-form",
		Payload: "' OR '1'='1' --",
	}, obs)
	require.NotNil(t, v.Finding)
	assert.InDelta(t, rewardCritical, v.Reward, 1e-9)
	assert.Equal(t, schemas.SeverityCritical, v.Finding.Severity)
	assert.Equal(t, "SQL Injection Authentication Bypass", v.Finding.VulnerabilityName)
	assert.Contains(t, v.Finding.CWE, "CWE-89")
	assert.Equal(t, "' OR '1'='1' --", v.Finding.Payload)
}

func TestEvaluateBulkDataExposure(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/users")

	obs := obsWith("http://victim.local/users", "id | username | password_hash\n1 | alice | 5f4dcc...", "")
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionNavigate, Target: "http://victim.local/users"}, obs)
	require.NotNil(t, v.Finding)
	assert.InDelta(t, rewardCritical, v.Reward, 1e-9)
	assert.Equal(t, "Bulk Sensitive Data Exposure", v.Finding.VulnerabilityName)
}

func TestEvaluateCleartextPasswordDump(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/users")

	obs := obsWith("http://victim.local/users", "admin : password hunter2 (plaintext)", "")
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionNavigate, Target: "http://victim.local/users"}, obs)
	require.NotNil(t, v.Finding)
	assert.Equal(t, "Bulk Sensitive Data Exposure", v.Finding.VulnerabilityName)
}

func TestEvaluateDatabaseErrorDisclosure(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/search")

	obs := obsWith("http://victim.local/search", "Error: unclosed quotation mark after the character string", "")
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionFill, Target: "#q", Payload: "'"}, obs)
	require.NotNil(t, v.Finding)
	assert.InDelta(t, rewardDisclosure, v.Reward, 1e-9)
	assert.Equal(t, schemas.SeverityMedium, v.Finding.Severity)
	assert.Contains(t, v.Finding.CWE, "CWE-209")
}

func TestEvaluateDeduplicatesFindings(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/users")
	obs := obsWith("http://victim.local/users", "full users table with api_key column", "")
	act := Action{Kind: ActionNavigate, Target: "http://victim.local/users"}

	first := e.Evaluate(context.Background(), st, act, obs)
	require.NotNil(t, first.Finding)

	second := e.Evaluate(context.Background(), st, act, obs)
	assert.Nil(t, second.Finding)
	assert.InDelta(t, first.Reward, second.Reward, 1e-9)
	assert.Contains(t, second.Reason, "duplicate")
}

func TestEvaluateReflectedScriptPayload(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/search")
	payload := "<script>alert(1)</script>"

	rawHTML := "<html><body><p>Results for " + payload + "</p></body></html>"
	obs := obsWith("http://victim.local/search", "Results for", rawHTML)

	v := e.Evaluate(context.Background(), st, Action{Kind: ActionFill, Target: "#q", Payload: payload}, obs)
	require.NotNil(t, v.Finding)
	assert.InDelta(t, rewardHigh, v.Reward, 1e-9)
	assert.Equal(t, "Reflected Cross-Site Scripting", v.Finding.VulnerabilityName)
	assert.Contains(t, v.Finding.CWE, "CWE-79")
}

func TestEvaluateEscapedPayloadIsNotReflection(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/search")
	payload := "<script>alert(1)</script>"

	rawHTML := "<html><body><p>Results for &lt;script&gt;alert(1)&lt;/script&gt;</p></body></html>"
	obs := obsWith("http://victim.local/search", "Results for", rawHTML)

	v := e.Evaluate(context.Background(), st, Action{Kind: ActionFill, Target: "#q", Payload: payload}, obs)
	assert.Nil(t, v.Finding)
}

func TestEvaluateNewRoute(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/")

	obs := obsWith("http://victim.local/about", "about us", "")
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionNavigate, Target: "http://victim.local/about"}, obs)
	assert.InDelta(t, rewardNewRoute, v.Reward, 1e-9)
	assert.Nil(t, v.Finding)
}

func TestEvaluateNewElementsBonus(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/")

	obs := obsWith("http://victim.local/", "home", "")
	obs.Elements = []browser.Element{{Tag: "form", Selector: "#search-form"}}

	// A click on the same page revealing a new element earns the small bonus.
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionClick, Target: "#menu"}, obs)
	assert.InDelta(t, rewardNewElements, v.Reward, 1e-9)

	// Seeing the same element again does not.
	v = e.Evaluate(context.Background(), st, Action{Kind: ActionClick, Target: "#menu"}, obs)
	assert.InDelta(t, rewardNeutral, v.Reward, 1e-9)
}

func TestEvaluateWaitIsNeutral(t *testing.T) {
	e := NewEvaluator("run-test", nil, false, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/")

	obs := obsWith("http://victim.local/", "home", "")
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionWait}, obs)
	assert.InDelta(t, rewardNeutral, v.Reward, 1e-9)
}

func TestEvaluateJudgeScoreClamped(t *testing.T) {
	judge := &scriptedLLM{responses: []string{"1.8"}}
	e := NewEvaluator("run-test", judge, true, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/profile")

	obs := obsWith("http://victim.local/profile", "interesting debug header", "")
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionClick, Target: "#debug"}, obs)
	assert.InDelta(t, 0.99, v.Reward, 1e-9)
	assert.Nil(t, v.Finding)
}

func TestEvaluateJudgeFailureIsNeutral(t *testing.T) {
	judge := &scriptedLLM{responses: []string{"not a number"}}
	e := NewEvaluator("run-test", judge, true, zaptest.NewLogger(t))
	st := newTestState("http://victim.local/profile")

	obs := obsWith("http://victim.local/profile", "nothing here", "")
	v := e.Evaluate(context.Background(), st, Action{Kind: ActionClick, Target: "#noop"}, obs)
	assert.InDelta(t, rewardNeutral, v.Reward, 1e-9)
}
