package findings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testFinding(id string) schemas.Finding {
	return schemas.Finding{
		ID:                id,
		RunID:             "run-test",
		Target:            "http://victim.local/users",
		Module:            "reward_evaluator",
		VulnerabilityName: "Bulk Sensitive Data Exposure",
		Severity:          schemas.SeverityCritical,
		Evidence:          []byte(`{"indicator":"users table"}`),
	}
}

func TestCollectorCollectsWithoutDatabase(t *testing.T) {
	in := make(chan schemas.Finding, 8)
	c := NewCollector(in, nil, zaptest.NewLogger(t), config.FindingsConfig{BatchSize: 2, FlushInterval: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(context.Background())
	}()

	in <- testFinding("f1")
	in <- testFinding("f2")
	in <- testFinding("f3")

	c.Stop()
	<-done

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "f1", snap[0].ID)
	assert.Equal(t, "f3", snap[2].ID)
	assert.False(t, snap[0].ObservedAt.IsZero(), "ObservedAt should be stamped on ingest")
}

func TestCollectorStopDrainsQueuedFindings(t *testing.T) {
	in := make(chan schemas.Finding, 8)
	c := NewCollector(in, nil, zaptest.NewLogger(t), config.FindingsConfig{BatchSize: 50, FlushInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(context.Background())
	}()

	// Give the loop a moment to pick up the first finding, then queue more
	// that only the drain path will see.
	in <- testFinding("f1")
	time.Sleep(20 * time.Millisecond)
	in <- testFinding("f2")
	in <- testFinding("f3")

	c.Stop()
	<-done

	assert.Len(t, c.Snapshot(), 3)
}

func TestCollectorStopIsIdempotent(t *testing.T) {
	in := make(chan schemas.Finding)
	c := NewCollector(in, nil, zaptest.NewLogger(t), config.FindingsConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(context.Background())
	}()

	c.Stop()
	c.Stop()
	<-done
}

func TestCollectorStopsOnContextCancel(t *testing.T) {
	in := make(chan schemas.Finding, 4)
	c := NewCollector(in, nil, zaptest.NewLogger(t), config.FindingsConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx)
	}()

	in <- testFinding("f1")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop on context cancellation")
	}
	// Stop after cancellation must not hang even though the loop exited.
	c.Stop()
	assert.Len(t, c.Snapshot(), 1)
}

func TestCollectorSnapshotIsACopy(t *testing.T) {
	in := make(chan schemas.Finding, 2)
	c := NewCollector(in, nil, zaptest.NewLogger(t), config.FindingsConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(context.Background())
	}()

	in <- testFinding("f1")
	c.Stop()
	<-done

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	snap[0].ID = "mutated"
	assert.Equal(t, "f1", c.Snapshot()[0].ID)
}
