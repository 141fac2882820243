package server

import (
	"net"
	"sync"
	"time"
)

// RateLimitConfig bounds connection and authentication abuse per source IP.
type RateLimitConfig struct {
	// MaxFailedAttempts is the number of failed auth attempts before banning.
	MaxFailedAttempts int
	// FailedAttemptWindow is the time window for counting failed attempts.
	FailedAttemptWindow time.Duration
	// BanDuration is how long an IP stays banned.
	BanDuration time.Duration
	// MaxConnectionsPerIP caps concurrent connections per IP (0 = unlimited).
	MaxConnectionsPerIP int
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxFailedAttempts:   5,
		FailedAttemptWindow: 5 * time.Minute,
		BanDuration:         15 * time.Minute,
		MaxConnectionsPerIP: 100,
	}
}

type ipRecord struct {
	failedAttempts []time.Time
	bannedUntil    time.Time
	activeConns    int
}

// RateLimiter tracks connection and failed-auth counts per IP.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	records map[string]*ipRecord
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  cfg,
		records: make(map[string]*ipRecord),
	}
	go rl.cleanupLoop()
	return rl
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// RegisterConnection admits or rejects a new connection from addr. A
// non-empty reject reason means the connection must be refused; otherwise the
// returned release function must be called when the connection ends.
func (rl *RateLimiter) RegisterConnection(addr net.Addr) (release func(), rejectReason string) {
	ip := extractIP(addr)
	if ip == "" {
		return func() {}, ""
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record := rl.getOrCreateRecord(ip)

	if !record.bannedUntil.IsZero() && time.Now().Before(record.bannedUntil) {
		rateLimitRejectsCounter.Inc()
		remaining := time.Until(record.bannedUntil).Round(time.Second)
		return nil, "too many failed authentication attempts, try again in " + remaining.String()
	}
	if rl.config.MaxConnectionsPerIP > 0 && record.activeConns >= rl.config.MaxConnectionsPerIP {
		rateLimitRejectsCounter.Inc()
		return nil, "too many connections from your IP address"
	}

	record.activeConns++
	return func() { rl.unregister(ip) }, ""
}

func (rl *RateLimiter) unregister(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if record, ok := rl.records[ip]; ok {
		record.activeConns--
		if record.activeConns < 0 {
			record.activeConns = 0
		}
	}
}

// RecordFailedAuth counts one failed authentication. Returns true when this
// failure bans the source IP.
func (rl *RateLimiter) RecordFailedAuth(addr net.Addr) bool {
	authFailuresCounter.Inc()
	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record := rl.getOrCreateRecord(ip)
	now := time.Now()
	record.failedAttempts = append(record.failedAttempts, now)

	windowStart := now.Add(-rl.config.FailedAttemptWindow)
	recent := 0
	for _, t := range record.failedAttempts {
		if t.After(windowStart) {
			recent++
		}
	}
	if recent >= rl.config.MaxFailedAttempts {
		record.bannedUntil = now.Add(rl.config.BanDuration)
		return true
	}
	return false
}

// RecordSuccessfulAuth clears failure tracking for addr.
func (rl *RateLimiter) RecordSuccessfulAuth(addr net.Addr) {
	ip := extractIP(addr)
	if ip == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if record, ok := rl.records[ip]; ok {
		record.failedAttempts = nil
		record.bannedUntil = time.Time{}
	}
}

// IsBanned reports whether addr is currently banned.
func (rl *RateLimiter) IsBanned(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record, ok := rl.records[ip]
	if !ok {
		return false
	}
	return !record.bannedUntil.IsZero() && time.Now().Before(record.bannedUntil)
}

func (rl *RateLimiter) getOrCreateRecord(ip string) *ipRecord {
	record, ok := rl.records[ip]
	if !ok {
		record = &ipRecord{}
		rl.records[ip] = record
	}
	return record
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.cleanup()
	}
}

// cleanup drops expired attempts, bans and empty records.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.config.FailedAttemptWindow)

	for ip, record := range rl.records {
		var valid []time.Time
		for _, t := range record.failedAttempts {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		record.failedAttempts = valid

		if !record.bannedUntil.IsZero() && now.After(record.bannedUntil) {
			record.bannedUntil = time.Time{}
		}

		if len(record.failedAttempts) == 0 && record.bannedUntil.IsZero() && record.activeConns == 0 {
			delete(rl.records, ip)
		}
	}
}
