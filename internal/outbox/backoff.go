package outbox

import (
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"time"
)

// Backoff is the retry delay curve: Base·Multiplier^(attempt-1), capped at
// Max, plus up to Jitter·delay of jitter derived from the task id.
type Backoff struct {
	Base       time.Duration `koanf:"base"`
	Max        time.Duration `koanf:"max"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     float64       `koanf:"jitter"`
}

// DefaultBackoff is used for zero fields.
var DefaultBackoff = Backoff{Base: time.Second, Max: 5 * time.Minute, Multiplier: 2, Jitter: 0.2}

func (b Backoff) withDefaults() Backoff {
	if b == (Backoff{}) {
		return DefaultBackoff
	}
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before attempt number attempt (1-based) of a
// task. The jitter is a function of taskID and attempt, so two workers
// computing the delay for the same failure agree.
func (b Backoff) Delay(taskID string, attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * unitHash(taskID+":"+strconv.Itoa(attempt))
	}
	return min(time.Duration(d), b.Max)
}

// unitHash maps s to [0, 1).
func unitHash(s string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// errorFingerprint normalizes an error message so repeats of the same
// failure compare equal.
func errorFingerprint(msg string) string {
	normalized := strings.ToLower(strings.TrimSpace(msg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64(), 16)
}
