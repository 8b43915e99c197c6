package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/durable/internal/testutil/testlog"
)

func TestNextDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := Config{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := Next(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := Next(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := Next(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := Next(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextJitterStaysInBounds(t *testing.T) {
	testlog.Start(t)
	cfg := Config{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		got := Next(cfg, 3, rng)
		if got < 2*time.Second || got > 6*time.Second {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
	if got := Next(cfg, 3, nil); got != 2*time.Second {
		t.Fatalf("nil rng jitter should halve: %v", got)
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	testlog.Start(t)
	cfg := Config{InitialDelay: 10 * time.Millisecond}.WithDefaults()
	if cfg.InitialDelay != 10*time.Millisecond {
		t.Fatalf("initial delay overwritten: %v", cfg.InitialDelay)
	}
	if cfg.Multiplier != 2.0 || cfg.MaxDelay != time.Minute {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
