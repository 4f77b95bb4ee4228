package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/browser"
	"github.com/xkilldash9x/blackbox-cli/internal/config"
	"github.com/xkilldash9x/blackbox-cli/internal/keypool"
)

// scriptedLLM replays canned responses in order; the last entry repeats once
// the script runs out. Shared by the policy, reward and machine tests.
type scriptedLLM struct {
	responses []string
	errs      []error
	calls     int
	lastReq   schemas.GenerationRequest
}

func (s *scriptedLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	s.lastReq = req
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) Close() error { return nil }

func newTestPolicy(t *testing.T, llm schemas.LLMClient) *Policy {
	t.Helper()
	cfg := config.NewDefaultConfig().Agent
	routes := []string{"/", "/login", "/users", "/search"}
	return NewPolicy(llm, cfg, routes, zaptest.NewLogger(t))
}

func TestDecideParsesFencedJSON(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"Here is my decision:\n```json\n{\"kind\": \"fill\", \"target\": \"#username\", \"payload\": \"' OR '1'='1' --\", \"rationale\": \"probe the login for sql injection\"}\n```",
	}}
	p := newTestPolicy(t, llm)

	act, err := p.Decide(context.Background(), newTestState(), Observation{})
	require.NoError(t, err)
	assert.Equal(t, ActionFill, act.Kind)
	assert.Equal(t, "#username", act.Target)
	assert.Equal(t, "' OR '1'='1' --", act.Payload)
	assert.False(t, act.Timestamp.IsZero())
}

func TestDecideParsesBareJSON(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"kind": "navigate", "target": "http://victim.local/users", "rationale": "enumerate user records"}`,
	}}
	p := newTestPolicy(t, llm)

	act, err := p.Decide(context.Background(), newTestState(), Observation{})
	require.NoError(t, err)
	assert.Equal(t, ActionNavigate, act.Kind)
	assert.Equal(t, "http://victim.local/users", act.Target)
}

func TestDecideFallsBackOnGarbage(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"I think we should try the login form next."}}
	p := newTestPolicy(t, llm)

	act, err := p.Decide(context.Background(), newTestState(), Observation{})
	require.NoError(t, err)
	assert.Equal(t, ActionWait, act.Kind)
	assert.Contains(t, act.Rationale, "fallback")
}

func TestDecideFallsBackOnServiceError(t *testing.T) {
	llm := &scriptedLLM{errs: []error{errors.New("connection refused")}}
	p := newTestPolicy(t, llm)

	act, err := p.Decide(context.Background(), newTestState(), Observation{})
	require.NoError(t, err)
	assert.Equal(t, ActionWait, act.Kind)
}

func TestDecidePropagatesPoolExhaustion(t *testing.T) {
	llm := &scriptedLLM{errs: []error{keypool.ErrExhausted}}
	p := newTestPolicy(t, llm)

	_, err := p.Decide(context.Background(), newTestState(), Observation{})
	assert.ErrorIs(t, err, keypool.ErrExhausted)
}

func TestDecideEscapesLoopsWithoutCallingLLM(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"kind": "click", "target": "#x", "rationale": "never used"}`}}
	p := newTestPolicy(t, llm)

	st := newTestState("http://victim.local/", "http://victim.local/login")
	st.LoopDetected = true

	act, err := p.Decide(context.Background(), st, Observation{})
	require.NoError(t, err)
	assert.Equal(t, ActionNavigate, act.Kind)
	assert.Equal(t, "http://victim.local/users", act.Target)
	assert.Zero(t, llm.calls)
}

func TestEscapeConcludesWhenAllRoutesVisited(t *testing.T) {
	p := newTestPolicy(t, &scriptedLLM{})

	st := newTestState(
		"http://victim.local/",
		"http://victim.local/login",
		"http://victim.local/users",
		"http://victim.local/search",
	)
	st.LoopDetected = true

	_, err := p.Decide(context.Background(), st, Observation{})
	assert.ErrorIs(t, err, ErrNoEscape)
}

func TestUserPromptCarriesStateAndWarnings(t *testing.T) {
	p := newTestPolicy(t, &scriptedLLM{})

	st := newTestState()
	st.CurrentURL = "http://victim.local/login"
	st.Step = 3
	st.History = []StepRecord{
		{Step: 3, Action: Action{Kind: ActionClick, Target: "#submit"}, Reward: -1.0, Reason: "action failed"},
	}
	obs := Observation{
		Snapshot: browser.Snapshot{
			URL:   "http://victim.local/login",
			Title: "Login",
			Elements: []browser.Element{
				{Tag: "input", Selector: "#username", Type: "text"},
			},
			BodyText: "Sign in to continue",
		},
		ExecError: "element not found: #submit",
	}

	prompt := p.userPrompt(st, obs)
	assert.Contains(t, prompt, "http://victim.local/login")
	assert.Contains(t, prompt, "WARNING")
	assert.Contains(t, prompt, "#username")
	assert.Contains(t, prompt, "element not found: #submit")
}

func TestParseActionRejectsInvalidShapes(t *testing.T) {
	cases := []struct {
		name     string
		response string
	}{
		{"empty", ""},
		{"no json", "sure, let me click the button"},
		{"missing kind", `{"target": "#x", "rationale": "r"}`},
		{"unknown kind", `{"kind": "teleport", "rationale": "r"}`},
		{"fill without target", `{"kind": "fill", "payload": "x", "rationale": "r"}`},
		{"missing rationale", `{"kind": "click", "target": "#x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseAction(tc.response)
			assert.ErrorIs(t, err, ErrDecisionParse)
		})
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	long := strings.Repeat("héllo wörld ", 20)
	for n := 1; n < 24; n++ {
		got := truncate(long, n)
		assert.True(t, utf8.ValidString(got), "cut at %d produced invalid UTF-8: %q", n, got)
		assert.LessOrEqual(t, len(got), n+len("..."))
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, normalizeURL("http://victim.local/users"), normalizeURL("http://victim.local/users/"))
	assert.Equal(t, normalizeURL("http://victim.local/users"), normalizeURL("http://victim.local/users#frag"))
	assert.NotEqual(t, normalizeURL("http://victim.local/users"), normalizeURL("http://victim.local/login"))
}
