package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2}

	assert.Equal(t, time.Second, b.Delay("t1", 0))
	assert.Equal(t, time.Second, b.Delay("t1", 1))
	assert.Equal(t, 2*time.Second, b.Delay("t1", 2))
	assert.Equal(t, 8*time.Second, b.Delay("t1", 4))
	assert.Equal(t, time.Minute, b.Delay("t1", 30))
	assert.Equal(t, time.Minute, b.Delay("t1", 5000), "huge exponents stay capped")
}

func TestBackoff_JitterIsDeterministicAndBounded(t *testing.T) {
	b := Backoff{Base: 10 * time.Second, Max: time.Hour, Multiplier: 2, Jitter: 0.5}

	for attempt := 1; attempt <= 5; attempt++ {
		d := b.Delay("task-a", attempt)
		assert.Equal(t, d, b.Delay("task-a", attempt))

		plain := Backoff{Base: b.Base, Max: b.Max, Multiplier: b.Multiplier}.Delay("task-a", attempt)
		assert.GreaterOrEqual(t, d, plain)
		assert.Less(t, d, plain+plain/2+time.Nanosecond)
	}

	var differ bool
	for _, id := range []string{"task-b", "task-c", "task-d", "task-e"} {
		if b.Delay(id, 1) != b.Delay("task-a", 1) {
			differ = true
		}
	}
	assert.True(t, differ, "jitter should spread tasks apart")
}

func TestBackoff_Defaults(t *testing.T) {
	assert.Equal(t, DefaultBackoff, Backoff{}.withDefaults())

	b := Backoff{Base: time.Second}.withDefaults()
	assert.Equal(t, DefaultBackoff.Max, b.Max)
	assert.Equal(t, 2.0, b.Multiplier)
	assert.Zero(t, b.Jitter)
}

func TestErrorFingerprint(t *testing.T) {
	assert.Equal(t, errorFingerprint("Disk Full"), errorFingerprint("  disk full\n"))
	assert.NotEqual(t, errorFingerprint("disk full"), errorFingerprint("disk empty"))
}
