package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// -- Finding Schemas --

// Severity represents the severity level of a security finding, ranging from
// critical to informational. The values are lowercase to align with database ENUMs.
type Severity string

// Constants defining the standard severity levels for findings.
const (
	SeverityCritical Severity = "critical" // Represents a critical vulnerability.
	SeverityHigh     Severity = "high"     // Represents a high-severity vulnerability.
	SeverityMedium   Severity = "medium"   // Represents a medium-severity vulnerability.
	SeverityLow      Severity = "low"      // Represents a low-severity vulnerability.
	SeverityInfo     Severity = "info"     // Represents an informational finding.
)

// Finding encapsulates all the details of a single vulnerability confirmed
// during a hunt. It includes the vulnerability class, where it was observed,
// the payload that triggered it, and the evidence that confirmed it. This
// struct maps directly to the `findings` table in the database.
type Finding struct {
	ID    string `json:"id"`     // Unique identifier for the finding.
	RunID string `json:"run_id"` // The ID of the hunt run that produced this finding.

	// ObservedAt is the timestamp when the finding was discovered.
	ObservedAt time.Time `json:"observed_at"`

	Target string `json:"target"` // The URL where the vulnerability was observed.
	Module string `json:"module"` // The name of the component that reported the finding.

	// VulnerabilityName is a descriptive name for the type of vulnerability
	// (e.g., "SQL Injection Authentication Bypass").
	VulnerabilityName string `json:"vulnerability_name"`

	Severity    Severity `json:"severity"`    // The severity level of the finding.
	Description string   `json:"description"` // A detailed description of the vulnerability.

	// Payload is the input that triggered the vulnerable behavior, if any.
	Payload string `json:"payload,omitempty"`

	// Evidence provides structured, machine-readable proof of the vulnerability,
	// stored as JSONB in the database.
	Evidence json.RawMessage `json:"evidence,omitempty"`

	Recommendation string   `json:"recommendation"` // Suggested steps for remediation.
	CWE            []string `json:"cwe,omitempty"`  // Relevant Common Weakness Enumeration identifiers.

	// Fingerprint is a stable content hash over the vulnerability name and
	// evidence. Two findings with the same fingerprint describe the same issue.
	Fingerprint string `json:"fingerprint"`
}

// ComputeFingerprint derives the stable dedup hash for a finding from its
// vulnerability name and evidence. The payload is deliberately excluded so
// that different payloads confirming the same issue collapse into one finding.
func ComputeFingerprint(vulnerabilityName string, evidence []byte) string {
	h := sha256.New()
	h.Write([]byte(vulnerabilityName))
	h.Write([]byte{0})
	h.Write(evidence)
	return hex.EncodeToString(h.Sum(nil))
}
