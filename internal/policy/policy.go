// Package policy implements per-IP connection banning and rate limiting
// for the miner-facing listener: malformed-command tracking, invalid
// RESULT-ratio tracking, a connection-rate limiter, and a
// Redis-persisted blacklist/whitelist.
package policy

import (
	"context"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cfsworks/mmpd/internal/account"
	"github.com/cfsworks/mmpd/internal/config"
	"github.com/cfsworks/mmpd/internal/util"
)

// invalidResultPercent is the share of invalid RESULT submissions, in
// percent of all submissions once checkThreshold is reached, at or above
// which an IP is banned.
const invalidResultPercent = 50.0

// checkThreshold is the minimum number of RESULT submissions from an IP
// before its invalid ratio is evaluated.
const checkThreshold = 20

// ipStats tracks per-IP counters used to decide bans and connection limits.
type ipStats struct {
	mu             sync.Mutex
	lastBeat       int64
	bannedAt       int64
	validResults   int32
	invalidResults int32
	malformed      int32
	connLimit      int32
	banned         int32
}

// Server tracks per-IP connection and result statistics and decides bans,
// consulted by mmp.Server before accepting a connection and by
// mmp.Connection while servicing one.
type Server struct {
	cfg      config.PolicyConfig
	accounts *account.Store

	statsMu sync.RWMutex
	stats   map[string]*ipStats

	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	banChan   chan string
	startedAt int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a policy Server. accounts may be nil, in which case the
// blacklist/whitelist are kept in memory only and never persisted.
func New(cfg config.PolicyConfig, accounts *account.Store) *Server {
	return &Server{
		cfg:       cfg,
		accounts:  accounts,
		stats:     make(map[string]*ipStats),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		banChan:   make(chan string, 64),
		startedAt: time.Now().UnixMilli(),
		quit:      make(chan struct{}),
	}
}

// Start loads the persisted blacklist/whitelist and begins the background
// reset/refresh/ban-worker loops.
func (s *Server) Start() {
	util.Info("policy: starting")
	s.refreshLists()

	s.wg.Add(1)
	go s.resetLoop()

	s.wg.Add(1)
	go s.refreshLoop()

	s.wg.Add(1)
	go s.banWorker()

	util.Info("policy: started")
}

// Stop shuts down the background loops.
func (s *Server) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Server) resetLoop() {
	defer s.wg.Done()
	interval := s.cfg.ResetInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.resetStats()
		}
	}
}

func (s *Server) refreshLoop() {
	defer s.wg.Done()
	interval := s.cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.refreshLists()
		}
	}
}

func (s *Server) banWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case ip := <-s.banChan:
			s.executeBan(ip)
		}
	}
}

func (s *Server) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := s.cfg.BanTimeout.Milliseconds()
	staleTimeout := s.cfg.ResetInterval.Milliseconds()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	for ip, st := range s.stats {
		st.mu.Lock()
		if st.bannedAt > 0 && banTimeout > 0 && now-st.bannedAt >= banTimeout {
			st.bannedAt = 0
			if atomic.CompareAndSwapInt32(&st.banned, 1, 0) {
				util.Infof("policy: ban expired for %s", ip)
			}
		}
		stale := staleTimeout > 0 && now-st.lastBeat >= staleTimeout && st.banned == 0
		st.connLimit = s.cfg.ConnectionLimit
		st.mu.Unlock()
		if stale {
			delete(s.stats, ip)
		}
	}
}

func (s *Server) refreshLists() {
	if s.accounts == nil {
		return
	}
	ctx := context.Background()

	if blacklist, err := s.accounts.GetBlacklist(ctx); err != nil {
		util.Warnf("policy: load blacklist: %v", err)
	} else {
		s.listMu.Lock()
		s.blacklist = make(map[string]struct{}, len(blacklist))
		for _, ip := range blacklist {
			s.blacklist[ip] = struct{}{}
		}
		s.listMu.Unlock()
	}

	if whitelist, err := s.accounts.GetWhitelist(ctx); err != nil {
		util.Warnf("policy: load whitelist: %v", err)
	} else {
		s.listMu.Lock()
		s.whitelist = make(map[string]struct{}, len(whitelist))
		for _, ip := range whitelist {
			s.whitelist[ip] = struct{}{}
		}
		s.listMu.Unlock()
	}
}

func (s *Server) getStats(ip string) *ipStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st, ok := s.stats[ip]
	if !ok {
		st = &ipStats{lastBeat: time.Now().UnixMilli(), connLimit: s.cfg.ConnectionLimit}
		s.stats[ip] = st
	} else {
		st.lastBeat = time.Now().UnixMilli()
	}
	return st
}

// IsBanned reports whether ip is currently banned.
func (s *Server) IsBanned(ip string) bool {
	if !s.cfg.BanningEnabled {
		return false
	}
	return atomic.LoadInt32(&s.getStats(ip).banned) > 0
}

// ApplyConnectionLimit decrements ip's remaining connection allowance for
// this reset interval and reports whether another connection is allowed.
func (s *Server) ApplyConnectionLimit(ip string) bool {
	if !s.cfg.RateLimitEnabled {
		return true
	}
	if time.Now().UnixMilli()-s.startedAt < s.cfg.ConnectionGrace.Milliseconds() {
		return true
	}

	st := s.getStats(ip)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connLimit--
	return st.connLimit >= 0
}

// ApplyMalformedPolicy records a malformed-command event from ip, banning
// it once the configured threshold is reached.
func (s *Server) ApplyMalformedPolicy(ip string) {
	if !s.cfg.BanningEnabled {
		return
	}

	st := s.getStats(ip)
	st.mu.Lock()
	st.malformed++
	exceeded := st.malformed >= s.cfg.BanThreshold
	st.mu.Unlock()

	if exceeded {
		s.Ban(ip)
	}
}

// ApplyResultPolicy records a RESULT submission's validity, banning ip if
// its invalid share reaches invalidResultPercent once enough submissions
// have been observed.
func (s *Server) ApplyResultPolicy(ip string, valid bool) {
	if !s.cfg.BanningEnabled {
		return
	}

	st := s.getStats(ip)
	st.mu.Lock()
	if valid {
		st.validResults++
	} else {
		st.invalidResults++
	}
	total := st.validResults + st.invalidResults
	if total < checkThreshold {
		st.mu.Unlock()
		return
	}
	ratio := float64(st.invalidResults) / float64(total) * 100
	st.validResults, st.invalidResults = 0, 0
	st.mu.Unlock()

	if ratio >= invalidResultPercent {
		util.Warnf("policy: banning %s, invalid RESULT ratio %.1f%%", ip, ratio)
		s.Ban(ip)
	}
}

// Ban bans ip unless it is whitelisted.
func (s *Server) Ban(ip string) {
	if !s.cfg.BanningEnabled {
		return
	}
	s.listMu.RLock()
	_, whitelisted := s.whitelist[ip]
	s.listMu.RUnlock()
	if whitelisted {
		return
	}

	st := s.getStats(ip)
	st.mu.Lock()
	st.bannedAt = time.Now().UnixMilli()
	st.mu.Unlock()

	if atomic.CompareAndSwapInt32(&st.banned, 0, 1) {
		util.Infof("policy: banned %s", ip)
		if s.accounts != nil {
			s.accounts.AddToBlacklist(context.Background(), ip)
		}
		if s.cfg.UseIPSet {
			select {
			case s.banChan <- ip:
			default:
				util.Warnf("policy: ban channel full, skipping ipset for %s", ip)
			}
		}
	}
}

func (s *Server) executeBan(ip string) {
	if s.cfg.IPSetName == "" {
		return
	}
	timeout := int(s.cfg.BanTimeout.Seconds())
	cmd := exec.Command("ipset", "add", s.cfg.IPSetName, ip, "timeout", strconv.Itoa(timeout), "-!")
	if err := cmd.Run(); err != nil {
		util.Warnf("policy: ipset add %s: %v", ip, err)
	}
}

// IsWhitelisted reports whether ip is exempt from banning.
func (s *Server) IsWhitelisted(ip string) bool {
	s.listMu.RLock()
	defer s.listMu.RUnlock()
	_, ok := s.whitelist[ip]
	return ok
}

// Stats returns the total number of tracked IPs and how many are banned.
func (s *Server) Stats() (total, banned int) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	total = len(s.stats)
	for _, st := range s.stats {
		if atomic.LoadInt32(&st.banned) > 0 {
			banned++
		}
	}
	return
}
