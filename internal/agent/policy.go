// internal/agent/policy.go
package agent

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/config"
	"github.com/xkilldash9x/blackbox-cli/internal/keypool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDecisionParse marks a malformed or schema-violating policy reply. It is
// recovered locally with a fallback action and never aborts the run.
var ErrDecisionParse = errors.New("policy: unparseable decision")

// ErrNoEscape signals that a stagnation loop cannot be broken because every
// configured route has already been visited. The run concludes.
var ErrNoEscape = errors.New("policy: no unvisited route left to escape to")

// sqliProbes and xssProbes are the payload vocabulary offered to the model.
var sqliProbes = []string{
	`' OR '1'='1' --`,
	`admin' --`,
	`' OR 1=1 --`,
	`' UNION SELECT username, password FROM users --`,
}

var xssProbes = []string{
	`<script>alert('XSS')</script>`,
	`<img src=x onerror=alert(1)>`,
	`"><svg onload=alert(document.domain)>`,
}

// Policy decides the next browser action. It wraps the LLM call, enforces the
// reply schema, and short-circuits to a deterministic escape action when the
// loop detector has flagged stagnation.
type Policy struct {
	llm    schemas.LLMClient
	cfg    config.AgentConfig
	routes []string
	logger *zap.Logger
}

// NewPolicy builds a policy over the given decision client. routes are the
// known application paths used as escape destinations.
func NewPolicy(llm schemas.LLMClient, cfg config.AgentConfig, routes []string, logger *zap.Logger) *Policy {
	return &Policy{
		llm:    llm,
		cfg:    cfg,
		routes: routes,
		logger: logger.Named("policy"),
	}
}

// Decide returns the next action for the run. Credential pool exhaustion is
// propagated so the machine can terminate gracefully; every other failure
// degrades to a waitAndObserve fallback.
func (p *Policy) Decide(ctx context.Context, st *RunState, obs Observation) (Action, error) {
	if st.LoopDetected {
		a, err := p.escapeAction(st)
		if err != nil {
			return Action{}, err
		}
		p.logger.Warn("Loop detected, forcing escape action",
			zap.String("kind", string(a.Kind)),
			zap.String("target", a.Target))
		return a, nil
	}

	timeout := p.cfg.DecideTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	apiCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := schemas.GenerationRequest{
		SystemPrompt: p.systemPrompt(),
		UserPrompt:   p.userPrompt(st, obs),
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	}

	response, err := p.llm.Generate(apiCtx, req)
	if err != nil {
		if errors.Is(err, keypool.ErrExhausted) {
			return Action{}, err
		}
		p.logger.Warn("Decision service unavailable, falling back to observation", zap.Error(err))
		return p.fallbackAction("decision service unavailable"), nil
	}

	action, err := parseAction(response)
	if err != nil {
		p.logger.Warn("Failed to parse policy decision",
			zap.String("raw_response", truncate(response, 500)),
			zap.Error(err))
		return p.fallbackAction("previous decision was unparseable"), nil
	}

	action.Timestamp = time.Now().UTC()
	return action, nil
}

// fallbackAction is the safe default when no valid decision is available.
func (p *Policy) fallbackAction(why string) Action {
	return Action{
		Kind:      ActionWait,
		Rationale: "fallback: " + why,
		Timestamp: time.Now().UTC(),
	}
}

// escapeAction breaks a stagnation loop by navigating to a known route the
// agent has not visited yet. With every route exhausted there is nowhere
// productive left to go and it returns ErrNoEscape.
func (p *Policy) escapeAction(st *RunState) (Action, error) {
	base, err := neturl.Parse(st.TargetURL)
	if err != nil {
		return Action{}, fmt.Errorf("%w: bad target URL %q", ErrNoEscape, st.TargetURL)
	}
	for _, route := range p.routes {
		ref, err := neturl.Parse(route)
		if err != nil {
			continue
		}
		dest := base.ResolveReference(ref).String()
		if !st.Visited[normalizeURL(dest)] {
			return Action{
				Kind:      ActionNavigate,
				Target:    dest,
				Rationale: "escaping repeated actions via unvisited route " + route,
				Timestamp: time.Now().UTC(),
			}, nil
		}
	}
	return Action{}, ErrNoEscape
}

func (p *Policy) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You are the decision engine of 'blackbox-cli', an autonomous black-box web vulnerability hunter.
Your goal is to discover and confirm vulnerabilities (SQL injection, XSS, authentication bypass, sensitive data exposure) in the target web application.
Each turn you receive the current page state and your recent history with rewards, and you must reply with a single JSON object describing the next browser action.

Available action kinds:
- navigate: load a URL. {"kind": "navigate", "target": "<url>", "rationale": "..."}
- fill: type into a field. {"kind": "fill", "target": "<css selector>", "payload": "<text>", "rationale": "..."}
- click: click an element. {"kind": "click", "target": "<css selector>", "rationale": "..."}
- submit: submit the form containing an element. {"kind": "submit", "target": "<css selector>", "rationale": "..."}
- waitAndObserve: pause and re-observe the page. {"kind": "waitAndObserve", "rationale": "..."}

Reward model: confirmed high-severity vulnerabilities score highest, new pages and signals score a little, repeated or failed actions score negative. Maximize cumulative reward.

Useful probe payloads:
SQL injection: `)
	for i, pr := range sqliProbes {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(pr)
	}
	b.WriteString("\nXSS: ")
	for i, pr := range xssProbes {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(pr)
	}
	b.WriteString(`

Probing guidance: start with a single quote to look for database errors, then escalate to boolean and union payloads. Try login forms for authentication bypass and search fields for bulk data dumps. Vary your payloads between attempts on the same field.

Your response must be only the JSON object for your chosen action. The "rationale" field is required.`)
	return b.String()
}

func (p *Policy) userPrompt(st *RunState, obs Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\nCurrent URL: %s\nStep %d of %d. Cumulative reward: %.2f\n",
		st.TargetURL, obs.URL, st.Step+1, p.cfg.StepBudget(), st.CumulativeReward)

	if len(st.History) > 0 {
		b.WriteString("\nRecent steps (oldest first):\n")
		for _, h := range st.History {
			fmt.Fprintf(&b, "- step %d: %s %s reward=%.2f (%s)\n",
				h.Step, h.Action.Kind, h.Action.Target, h.Reward, h.Reason)
		}
		last := st.History[len(st.History)-1]
		if last.Reward <= 0 {
			b.WriteString("\nWARNING: your last action earned no reward. Do not repeat it; try a different element, payload class, or page.\n")
		}
	}

	fmt.Fprintf(&b, "\nPage title: %s\n", obs.Title)
	if obs.ExecError != "" {
		fmt.Fprintf(&b, "Previous action failed: %s\n", obs.ExecError)
	}

	b.WriteString("Visible interactive elements:\n")
	if len(obs.Elements) == 0 {
		b.WriteString("(none found)\n")
	}
	for _, el := range obs.Elements {
		fmt.Fprintf(&b, "- %s selector=%q type=%q text=%q placeholder=%q\n",
			el.Tag, el.Selector, el.Type, truncate(el.Text, 60), el.Placeholder)
	}

	fmt.Fprintf(&b, "\nPage text excerpt:\n%s\n\nDecide the next action. Respond with a single JSON object.", truncate(obs.BodyText, 2500))
	return b.String()
}

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// parseAction extracts and validates an Action from the model's free-text
// reply, tolerating markdown fences and surrounding prose.
func parseAction(response string) (Action, error) {
	response = strings.TrimSpace(response)
	var jsonStringToParse string

	matches := jsonBlockRegex.FindStringSubmatch(response)
	if len(matches) > 1 {
		jsonStringToParse = strings.TrimSpace(matches[1])
	} else {
		firstBracket := strings.Index(response, "{")
		lastBracket := strings.LastIndex(response, "}")
		if firstBracket != -1 && lastBracket > firstBracket {
			jsonStringToParse = response[firstBracket : lastBracket+1]
		} else {
			jsonStringToParse = response
		}
	}

	if jsonStringToParse == "" {
		return Action{}, fmt.Errorf("%w: no JSON in response", ErrDecisionParse)
	}

	var action Action
	if err := json.Unmarshal([]byte(jsonStringToParse), &action); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrDecisionParse, err)
	}

	if action.Kind == "" {
		return Action{}, fmt.Errorf("%w: missing required 'kind' field", ErrDecisionParse)
	}
	if err := action.Validate(); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrDecisionParse, err)
	}
	return action, nil
}

// normalizeURL strips fragments and trailing slashes so visited-set lookups
// treat trivially different URLs as the same page.
func normalizeURL(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	s := u.String()
	return strings.TrimSuffix(s, "/")
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
