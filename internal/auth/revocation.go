package auth

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Revocations tracks revoked token ids until they would have expired
// anyway, so the set stays bounded.
type Revocations struct {
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	tokens   map[string]time.Time // token id -> expiry, zero means never
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRevocations creates an empty revocation set that sweeps expired
// entries every interval once started.
func NewRevocations(interval time.Duration, logger *zap.Logger) *Revocations {
	return &Revocations{
		logger:   logger.Named("revocations"),
		interval: interval,
		now:      time.Now,
		tokens:   make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
}

// Start begins the cleanup worker
func (r *Revocations) Start() {
	r.wg.Add(1)
	go r.cleanupLoop()
}

// Stop stops the cleanup worker. It is safe to call more than once.
func (r *Revocations) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *Revocations) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

func (r *Revocations) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, expiry := range r.tokens {
		if !expiry.IsZero() && now.After(expiry) {
			delete(r.tokens, id)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Debug("Cleaned up expired revocations",
			zap.Int("removed", removed),
			zap.Int("remaining", len(r.tokens)),
		)
	}
}

// Add revokes id until expiry. A zero expiry revokes for the life of the
// process.
func (r *Revocations) Add(id string, expiry time.Time) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[id] = expiry
}

// IsRevoked reports whether id is currently revoked.
func (r *Revocations) IsRevoked(id string) bool {
	if id == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	expiry, ok := r.tokens[id]
	if !ok {
		return false
	}
	return expiry.IsZero() || !r.now().After(expiry)
}

// Count returns the number of tracked revocations
func (r *Revocations) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
