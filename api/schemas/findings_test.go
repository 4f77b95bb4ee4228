package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeFingerprintDeterministic(t *testing.T) {
	a := ComputeFingerprint("SQL Injection Authentication Bypass", []byte(`{"indicator":"welcome back"}`))
	b := ComputeFingerprint("SQL Injection Authentication Bypass", []byte(`{"indicator":"welcome back"}`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestComputeFingerprintDistinguishesInputs(t *testing.T) {
	base := ComputeFingerprint("Reflected Cross-Site Scripting", []byte("evidence"))

	assert.NotEqual(t, base, ComputeFingerprint("Reflected Cross-Site Scripting", []byte("other evidence")))
	assert.NotEqual(t, base, ComputeFingerprint("Database Error Disclosure", []byte("evidence")))
}

func TestComputeFingerprintSeparatesNameFromEvidence(t *testing.T) {
	// The separator prevents ambiguous name/evidence concatenations from
	// colliding.
	a := ComputeFingerprint("ab", []byte("c"))
	b := ComputeFingerprint("a", []byte("bc"))
	assert.NotEqual(t, a, b)
}
