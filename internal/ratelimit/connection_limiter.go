package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/riverfork/syncd/internal/metrics"
)

// ConnectionLimiterConfig configures NewConnectionLimiter. Zero values
// fall back to conservative defaults.
type ConnectionLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c *ConnectionLimiterConfig) applyDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionLimiter gates new connection admission with two levels: a
// system-wide limiter that bounds total connection churn, and a
// per-IP limiter that bounds any single source. A connection must
// clear both.
type ConnectionLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stop          chan struct{}
}

// NewConnectionLimiter builds a limiter from cfg and starts its
// background cleanup goroutine; call Stop on shutdown.
func NewConnectionLimiter(cfg ConnectionLimiterConfig, logger zerolog.Logger) *ConnectionLimiter {
	cfg.applyDefaults()

	l := &ConnectionLimiter{
		ipLimiters: make(map[string]*ipLimiterEntry),
		ipBurst:    cfg.IPBurst,
		ipRate:     cfg.IPRate,
		ipTTL:      cfg.IPTTL,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:     logger.With().Str("component", "connection_limiter").Logger(),
		stop:       make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a new connection from ip should be admitted,
// checking the global limiter first (cheap, no map lookup) before the
// per-IP limiter.
func (l *ConnectionLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		metrics.ConnectionRateLimited.WithLabelValues("global").Inc()
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		metrics.ConnectionRateLimited.WithLabelValues("per_ip").Inc()
		return false
	}
	return true
}

func (l *ConnectionLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, ok := l.ipLimiters[ip]
	l.ipMu.RUnlock()
	if ok {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok = l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		lastAccess: time.Now(),
	}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *ConnectionLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stop:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// Stop halts the cleanup goroutine.
func (l *ConnectionLimiter) Stop() {
	close(l.stop)
}
