// internal/agent/reward.go
package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
)

// Reward values. A confirmed critical crosses the default mission threshold
// on its own; exploration earns small positives; waste is penalized.
const (
	rewardCritical    = 2.0
	rewardHigh        = 1.5
	rewardDisclosure  = 0.5
	rewardNewRoute    = 0.3
	rewardNewElements = 0.1
	rewardNeutral     = 0.0
	rewardStagnation  = -0.5
	rewardFailed      = -1.0
)

// Verdict is the outcome of evaluating one observation. Finding is nil for
// non-findings and for duplicates of already-confirmed findings; the reward
// still counts in both cases.
type Verdict struct {
	Reward  float64
	Reason  string
	Finding *schemas.Finding
}

// signature is one deterministic vulnerability matcher.
type signature struct {
	name           string
	severity       schemas.Severity
	reward         float64
	cwe            []string
	recommendation string
	indicators     []string
	// requiresPayload limits the matcher to steps that actually delivered one.
	requiresPayload bool
}

// signatures are checked in order; the first match wins. Indicator vocabulary
// follows what vulnerable demo applications and real stacks actually emit.
var signatures = []signature{
	{
		name:            "SQL Injection Authentication Bypass",
		severity:        schemas.SeverityCritical,
		reward:          rewardCritical,
		cwe:             []string{"CWE-89", "CWE-287"},
		recommendation:  "Use parameterized queries for authentication lookups and never concatenate user input into SQL.",
		indicators:      []string{"login successful", "welcome back", "authentication successful", "logged in as admin"},
		requiresPayload: true,
	},
	{
		name:           "Bulk Sensitive Data Exposure",
		severity:       schemas.SeverityCritical,
		reward:         rewardCritical,
		cwe:            []string{"CWE-200", "CWE-359"},
		recommendation: "Restrict result sets server-side, enforce authorization on record queries, and never return credential columns.",
		indicators:     []string{"users table", "api_key", "session_token", "password_hash"},
	},
	{
		name:           "Database Error Disclosure",
		severity:       schemas.SeverityMedium,
		reward:         rewardDisclosure,
		cwe:            []string{"CWE-209"},
		recommendation: "Return generic error pages and log database errors server-side only.",
		indicators: []string{
			"you have an error in your sql syntax",
			"sqlite3.operationalerror",
			"unclosed quotation mark",
			"warning: mysql",
			"pg::syntaxerror",
			"psycopg2.errors",
		},
	},
}

// cleartextSecretMarkers confirm the bulk-dump matcher when "password"
// appears next to recognizable credential material.
var cleartextSecretMarkers = []string{"admin", "cleartext", "plaintext", "secret"}

// Evaluator scores observations. Deterministic signature matchers run first;
// an optional LLM judge scores whatever they do not recognize. Findings are
// deduplicated by fingerprint, so re-evaluating the same evidence is
// idempotent.
type Evaluator struct {
	runID        string
	judge        schemas.LLMClient
	judgeEnabled bool
	seen         map[string]struct{}
	// elements tracks interactive elements already observed, keyed by
	// normalized URL plus selector, so surfacing new ones earns a small bonus.
	elements map[string]struct{}
	logger   *zap.Logger
}

// NewEvaluator builds an evaluator for one run. judge may be nil, which
// disables the secondary scoring path regardless of judgeEnabled.
func NewEvaluator(runID string, judge schemas.LLMClient, judgeEnabled bool, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		runID:        runID,
		judge:        judge,
		judgeEnabled: judgeEnabled && judge != nil,
		seen:         make(map[string]struct{}),
		elements:     make(map[string]struct{}),
		logger:       logger.Named("reward"),
	}
}

// Evaluate scores the observation produced by act. st is read-only here; the
// machine applies the verdict afterwards.
func (e *Evaluator) Evaluate(ctx context.Context, st *RunState, act Action, obs Observation) Verdict {
	if obs.ExecError != "" {
		return Verdict{Reward: rewardFailed, Reason: "action failed: " + obs.ExecError}
	}

	newElements := e.registerElements(obs)
	body := strings.ToLower(obs.BodyText)

	for _, sig := range signatures {
		if sig.requiresPayload && act.Payload == "" {
			continue
		}
		if indicator, ok := matchIndicators(body, sig.indicators); ok {
			return e.confirm(sig, indicator, act, obs)
		}
	}

	// The bulk-dump matcher has a second trigger: password data alongside
	// credential markers, the shape of a dumped user table.
	if strings.Contains(body, "password") {
		if marker, ok := matchIndicators(body, cleartextSecretMarkers); ok {
			return e.confirm(signatures[1], "password+"+marker, act, obs)
		}
	}

	if act.Payload != "" && payloadReflected(obs.HTML, act.Payload) {
		sig := signature{
			name:           "Reflected Cross-Site Scripting",
			severity:       schemas.SeverityHigh,
			reward:         rewardHigh,
			cwe:            []string{"CWE-79"},
			recommendation: "Encode user input for the HTML context it is rendered into, and set a restrictive Content-Security-Policy.",
		}
		return e.confirm(sig, "payload echoed unescaped", act, obs)
	}

	if !st.Visited[normalizeURL(obs.URL)] && obs.URL != "" {
		return Verdict{Reward: rewardNewRoute, Reason: "explored new route " + obs.URL}
	}

	if newElements > 0 {
		return Verdict{Reward: rewardNewElements, Reason: fmt.Sprintf("surfaced %d new interactive elements", newElements)}
	}

	if act.Kind == ActionWait {
		return Verdict{Reward: rewardNeutral, Reason: "observed, no change"}
	}

	if e.judgeEnabled {
		if score, ok := e.judgeScore(ctx, act, obs); ok {
			return Verdict{Reward: score, Reason: "judge-scored observation"}
		}
	}

	return Verdict{Reward: rewardNeutral, Reason: "no new signal"}
}

// registerElements records the observation's interactive elements and reports
// how many were not seen before on this page.
func (e *Evaluator) registerElements(obs Observation) int {
	page := normalizeURL(obs.URL)
	newCount := 0
	for _, el := range obs.Elements {
		key := page + "|" + el.Selector
		if _, ok := e.elements[key]; !ok {
			e.elements[key] = struct{}{}
			newCount++
		}
	}
	return newCount
}

// confirm builds the verdict and, if the evidence is new, the finding for a
// matched signature.
func (e *Evaluator) confirm(sig signature, indicator string, act Action, obs Observation) Verdict {
	evidence, err := json.Marshal(map[string]string{
		"indicator": indicator,
		"url":       obs.URL,
		"excerpt":   excerptAround(obs.BodyText, indicator),
	})
	if err != nil {
		evidence = []byte(fmt.Sprintf(`{"indicator":%q}`, indicator))
	}

	fingerprint := schemas.ComputeFingerprint(sig.name, evidence)
	reason := fmt.Sprintf("confirmed %s (%s)", sig.name, indicator)

	if _, dup := e.seen[fingerprint]; dup {
		// Duplicates still earn their reward but do not produce a second finding.
		return Verdict{Reward: sig.reward, Reason: reason + " [duplicate]"}
	}
	e.seen[fingerprint] = struct{}{}

	f := &schemas.Finding{
		ID:                uuid.New().String(),
		RunID:             e.runID,
		ObservedAt:        time.Now().UTC(),
		Target:            obs.URL,
		Module:            "reward_evaluator",
		VulnerabilityName: sig.name,
		Severity:          sig.severity,
		Description:       fmt.Sprintf("%s confirmed at %s via indicator %q.", sig.name, obs.URL, indicator),
		Payload:           act.Payload,
		Evidence:          evidence,
		Recommendation:    sig.recommendation,
		CWE:               sig.cwe,
		Fingerprint:       fingerprint,
	}
	if obs.EvidencePath != "" {
		f.Description += " Screenshot: " + obs.EvidencePath
	}

	e.logger.Info("Vulnerability confirmed",
		zap.String("vulnerability", sig.name),
		zap.String("severity", string(sig.severity)),
		zap.String("indicator", indicator),
		zap.String("url", obs.URL))

	return Verdict{Reward: sig.reward, Reason: reason, Finding: f}
}

// judgeScore asks the secondary model for an exploratory score in [0, 1).
func (e *Evaluator) judgeScore(ctx context.Context, act Action, obs Observation) (float64, bool) {
	judgeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req := schemas.GenerationRequest{
		SystemPrompt: "You score the progress of a web security test. Reply with a single number between 0 and 1: 0 means the step revealed nothing, values near 1 mean it surfaced a promising security signal that is not yet a confirmed vulnerability. Reply with the number only.",
		UserPrompt: fmt.Sprintf("Action: %s %s (payload %q)\nResulting page title: %s\nPage text excerpt:\n%s",
			act.Kind, act.Target, act.Payload, obs.Title, truncate(obs.BodyText, 1500)),
		Options: schemas.GenerationOptions{Temperature: 0},
	}

	resp, err := e.judge.Generate(judgeCtx, req)
	if err != nil {
		e.logger.Debug("Judge call failed, treating step as neutral", zap.Error(err))
		return 0, false
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, false
	}
	// Clamp below the confirmed band: only deterministic matchers may push a
	// run over the mission threshold.
	if score < 0 {
		score = 0
	}
	if score >= 1 {
		score = 0.99
	}
	return score, true
}

// matchIndicators reports the first indicator contained in body.
func matchIndicators(body string, indicators []string) (string, bool) {
	for _, ind := range indicators {
		if strings.Contains(body, ind) {
			return ind, true
		}
	}
	return "", false
}

// payloadReflected reports whether the submitted payload survived into the
// response HTML unescaped. A payload carrying markup counts only if the raw
// markup is present; for script payloads the document is parsed to confirm an
// actual script element carries the injected body.
func payloadReflected(rawHTML, payload string) bool {
	if rawHTML == "" || payload == "" {
		return false
	}
	if !strings.Contains(rawHTML, payload) {
		return false
	}
	if !strings.Contains(payload, "<") {
		// Plain text payloads echo back legitimately all the time.
		return false
	}
	if !strings.Contains(strings.ToLower(payload), "<script") {
		// Markup present verbatim (e.g. an img/svg handler) is already
		// unescaped reflection.
		return true
	}

	inner := scriptBody(payload)
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return false
	}
	return hasScriptWithBody(doc, inner)
}

// scriptBody extracts the script element content from a payload like
// <script>alert('XSS')</script>.
func scriptBody(payload string) string {
	lower := strings.ToLower(payload)
	start := strings.Index(lower, ">")
	end := strings.LastIndex(lower, "</script")
	if start == -1 || end == -1 || end <= start {
		return payload
	}
	return payload[start+1 : end]
}

func hasScriptWithBody(n *html.Node, body string) bool {
	if n.Type == html.ElementNode && n.Data == "script" {
		if c := n.FirstChild; c != nil && c.Type == html.TextNode && strings.Contains(c.Data, body) {
			return true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasScriptWithBody(c, body) {
			return true
		}
	}
	return false
}

// excerptAround returns a short context window around the indicator's first
// occurrence in the body text.
func excerptAround(body, indicator string) string {
	lower := strings.ToLower(body)
	idx := strings.Index(lower, strings.ToLower(indicator))
	if idx == -1 {
		return truncate(body, 200)
	}
	start := idx - 80
	if start < 0 {
		start = 0
	}
	end := idx + len(indicator) + 80
	if end > len(body) {
		end = len(body)
	}
	return body[start:end]
}
