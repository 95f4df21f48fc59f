package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"
)

const (
	// breakerConsecutiveFailures is the number of failures before a
	// volume's circuit opens
	breakerConsecutiveFailures = 3

	// breakerTimeout is how long an open circuit stays open before
	// allowing a retry
	breakerTimeout = 5 * time.Minute

	// breakerInterval is the cyclic period of the closed state used to
	// clear failure counts
	breakerInterval = 1 * time.Minute
)

// volumeBreakers manages per-volume circuit breakers so a volume whose
// attach/mount keeps failing does not turn the docker daemon's retries
// into an rbd CLI hammering session.
type volumeBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newVolumeBreakers() *volumeBreakers {
	return &volumeBreakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns or creates the breaker for name.
func (vb *volumeBreakers) get(name string) *gobreaker.CircuitBreaker {
	vb.mu.RLock()
	cb, exists := vb.breakers[name]
	vb.mu.RUnlock()

	if exists {
		return cb
	}

	vb.mu.Lock()
	defer vb.mu.Unlock()

	// Double-check after acquiring the write lock
	if cb, exists := vb.breakers[name]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Circuit breaker for volume %s: %s -> %s", name, from, to)
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	vb.breakers[name] = cb
	return cb
}

// Execute runs fn under the volume's circuit breaker. An open circuit
// fails fast with a caller-readable error instead of running fn.
func (vb *volumeBreakers) Execute(name string, fn func() error) error {
	cb := vb.get(name)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("volume %s is failing fast after %d consecutive attach/mount failures; next retry allowed within %s",
			name, breakerConsecutiveFailures, breakerTimeout)
	}
	return err
}
