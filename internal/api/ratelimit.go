package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool holds one token bucket per client key. Idle entries are
// swept after ttl.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int

	ttl          time.Duration
	startCleanup sync.Once
	stopOnce     sync.Once
	stopCh       chan struct{}
	now          func() time.Time
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &limiterPool{
		m:      make(map[string]*limiterEntry),
		rps:    rate.Limit(rps),
		burst:  burst,
		ttl:    10 * time.Minute,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// get returns the limiter for key, creating it if missing.
func (p *limiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() { go p.cleanupLoop(time.Minute) })

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = p.now()
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: p.now()}
	return l
}

func (p *limiterPool) allow(key string) bool {
	return p.get(key).Allow()
}

func (p *limiterPool) shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *limiterPool) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

// sweep removes limiters unused for longer than ttl.
func (p *limiterPool) sweep() {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// clientKey identifies the caller by the first X-Forwarded-For hop or the
// remote address.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
