package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopDetectorTriggersOnThreeIdenticalActions(t *testing.T) {
	d := newLoopDetector(4)

	a := Action{Kind: ActionClick, Target: "#submit"}
	assert.False(t, d.observe(a))
	assert.False(t, d.observe(a))
	assert.True(t, d.observe(a))
}

func TestLoopDetectorIgnoresPayloadDifferences(t *testing.T) {
	d := newLoopDetector(4)

	assert.False(t, d.observe(Action{Kind: ActionFill, Target: "#user", Payload: "a"}))
	assert.False(t, d.observe(Action{Kind: ActionFill, Target: "#user", Payload: "b"}))
	assert.True(t, d.observe(Action{Kind: ActionFill, Target: "#user", Payload: "c"}))
}

func TestLoopDetectorResetsOnDifferentAction(t *testing.T) {
	d := newLoopDetector(4)

	a := Action{Kind: ActionClick, Target: "#submit"}
	assert.False(t, d.observe(a))
	assert.False(t, d.observe(a))
	assert.False(t, d.observe(Action{Kind: ActionNavigate, Target: "/users"}))
	assert.False(t, d.observe(a))
	assert.False(t, d.observe(a))
	assert.True(t, d.observe(a))
}

func TestLoopDetectorMinimumWindow(t *testing.T) {
	// Window sizes below three still require three repeats to trigger.
	d := newLoopDetector(1)

	a := Action{Kind: ActionWait}
	assert.False(t, d.observe(a))
	assert.False(t, d.observe(a))
	assert.True(t, d.observe(a))
}
