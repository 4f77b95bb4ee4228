// internal/agent/loopdetect.go
package agent

// actionSig is the identity a repeated action is judged by. Payload is not
// part of it, so varying payloads against the same element still count as
// repetition.
type actionSig struct {
	kind   ActionKind
	target string
}

// loopDetector keeps a sliding window of recent action signatures and flags
// stagnation when the three most recent entries are identical.
type loopDetector struct {
	window []actionSig
	size   int
}

func newLoopDetector(size int) *loopDetector {
	if size < 3 {
		size = 3
	}
	return &loopDetector{size: size}
}

// observe records the action and reports whether the agent is looping.
func (d *loopDetector) observe(a Action) bool {
	d.window = append(d.window, actionSig{kind: a.Kind, target: a.Target})
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
	if len(d.window) < 3 {
		return false
	}
	last := d.window[len(d.window)-1]
	return d.window[len(d.window)-2] == last && d.window[len(d.window)-3] == last
}
