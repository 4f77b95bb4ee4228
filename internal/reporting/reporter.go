// Package reporting renders the final artifacts of a hunt: a machine-readable
// report.json and a human-readable report.md, side by side in the output
// directory.
package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reporter writes run reports into a fixed output directory.
type Reporter struct {
	outputDir string
	logger    *zap.Logger
}

// NewReporter creates the output directory if needed.
func NewReporter(outputDir string, logger *zap.Logger) (*Reporter, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	return &Reporter{outputDir: outputDir, logger: logger.Named("reporting")}, nil
}

// Write renders both report formats and returns the path of the JSON report.
func (r *Reporter) Write(result *agent.RunResult) (string, error) {
	jsonPath := filepath.Join(r.outputDir, "report.json")
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing json report: %w", err)
	}

	mdPath := filepath.Join(r.outputDir, "report.md")
	if err := os.WriteFile(mdPath, []byte(renderMarkdown(result)), 0o644); err != nil {
		return "", fmt.Errorf("writing markdown report: %w", err)
	}

	r.logger.Info("Reports written",
		zap.String("json", jsonPath),
		zap.String("markdown", mdPath),
		zap.Int("findings", len(result.Findings)))
	return jsonPath, nil
}

func renderMarkdown(result *agent.RunResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Hunt Report: %s\n\n", result.Target)
	fmt.Fprintf(&b, "- Run ID: `%s`\n", result.RunID)
	fmt.Fprintf(&b, "- Started: %s\n", result.StartedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- Finished: %s\n", result.FinishedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- Termination: **%s**\n", result.Reason)
	fmt.Fprintf(&b, "- Steps taken: %d\n", len(result.Steps))
	fmt.Fprintf(&b, "- Cumulative reward: %.2f\n\n", result.CumulativeReward)

	b.WriteString("## Findings\n\n")
	if len(result.Findings) == 0 {
		b.WriteString("No vulnerabilities were confirmed during this run.\n\n")
	}
	for i, f := range bySeverity(result.Findings) {
		fmt.Fprintf(&b, "### %d. %s (%s)\n\n", i+1, f.VulnerabilityName, strings.ToUpper(string(f.Severity)))
		fmt.Fprintf(&b, "%s\n\n", f.Description)
		if f.Payload != "" {
			fmt.Fprintf(&b, "- Payload: `%s`\n", f.Payload)
		}
		if len(f.CWE) > 0 {
			fmt.Fprintf(&b, "- CWE: %s\n", strings.Join(f.CWE, ", "))
		}
		if len(f.Evidence) > 0 {
			fmt.Fprintf(&b, "- Evidence: `%s`\n", compactEvidence(f.Evidence))
		}
		if f.Recommendation != "" {
			fmt.Fprintf(&b, "- Recommendation: %s\n", f.Recommendation)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Step Log\n\n")
	b.WriteString("| Step | Action | Target | Reward | Outcome |\n")
	b.WriteString("|-----:|--------|--------|-------:|---------|\n")
	for _, s := range result.Steps {
		fmt.Fprintf(&b, "| %d | %s | %s | %.2f | %s |\n",
			s.Step, s.Action.Kind, mdEscape(s.Action.Target), s.Reward, mdEscape(s.Reason))
	}
	b.WriteString("\n")

	return b.String()
}

// compactEvidence renders raw evidence JSON on one line for the table-free
// findings section.
func compactEvidence(evidence []byte) string {
	var v any
	if err := json.Unmarshal(evidence, &v); err != nil {
		return string(evidence)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(evidence)
	}
	return string(out)
}

// mdEscape keeps user-controlled strings from breaking the markdown table.
func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

// bySeverity orders findings for display, most severe first.
func bySeverity(findings []schemas.Finding) []schemas.Finding {
	rank := map[schemas.Severity]int{
		schemas.SeverityCritical: 0,
		schemas.SeverityHigh:     1,
		schemas.SeverityMedium:   2,
		schemas.SeverityLow:      3,
		schemas.SeverityInfo:     4,
	}
	out := make([]schemas.Finding, len(findings))
	copy(out, findings)
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Severity] < rank[out[j].Severity]
	})
	return out
}
