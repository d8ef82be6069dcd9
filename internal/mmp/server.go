// Package mmp implements the miner-facing line protocol server: accepting
// TCP connections, running each through the LOGIN/META/MORE/RESULT state
// machine, and dispatching work assigned by the provider.
package mmp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cfsworks/mmpd/internal/account"
	"github.com/cfsworks/mmpd/internal/util"
	"github.com/cfsworks/mmpd/internal/workunit"
)

// WorkSource is the subset of the WorkProvider the protocol layer needs.
type WorkSource interface {
	GetWork(ctx context.Context, desiredMask uint32) (*workunit.WorkUnit, error)
	SendResult(result []byte) (bool, error)
	Block() int
}

// Policy is the subset of the connection-policy layer the server consults
// before accepting or servicing a connection.
type Policy interface {
	IsBanned(ip string) bool
	ApplyConnectionLimit(ip string) bool
	ApplyMalformedPolicy(ip string)
	ApplyResultPolicy(ip string, valid bool)
}

// Server listens for miner connections and runs the MMP protocol.
type Server struct {
	Accounts *account.Store
	Work     WorkSource
	Policy   Policy

	listener net.Listener

	mu         sync.RWMutex
	conns      map[int64]*Connection
	sessionSeq int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a Server. accounts, work and policy may not be nil except
// policy, which is optional.
func New(accounts *account.Store, work WorkSource, policy Policy) *Server {
	return &Server{
		Accounts: accounts,
		Work:     work,
		Policy:   policy,
		conns:    make(map[int64]*Connection),
		quit:     make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ip string, port int) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mmp: listen %s: %w", addr, err)
	}
	s.listener = ln

	util.Infof("mmp: listening on %s", addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every active connection.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.Kick()
	}

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("mmp: accept error: %v", err)
				continue
			}
		}

		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if s.Policy != nil {
			if s.Policy.IsBanned(ip) {
				conn.Close()
				continue
			}
			if !s.Policy.ApplyConnectionLimit(ip) {
				conn.Close()
				continue
			}
		}

		sessionNo := atomic.AddInt64(&s.sessionSeq, 1)
		c := newConnection(s, conn, sessionNo)

		s.mu.Lock()
		s.conns[sessionNo] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, sessionNo)
			s.mu.Unlock()
		}()
	}
}

// BroadcastSendWork implements provider.Notifier: every authenticated
// connection is told to (re)send its work.
func (s *Server) BroadcastSendWork() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.invalidateAndSendWork()
	}
}

// BroadcastBlock implements provider.Notifier.
func (s *Server) BroadcastBlock(height int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.sendBlock(height)
	}
}

// GetConnection returns the connection with the given session number, or
// nil if none is active.
func (s *Server) GetConnection(sessionNo int64) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[sessionNo]
}

// ListAccountConnections returns every active connection logged in as
// username (case-sensitive, matching the account-store lookup rules).
func (s *Server) ListAccountConnections(username string) []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Connection
	for _, c := range s.conns {
		if c.Username() == username {
			out = append(out, c)
		}
	}
	return out
}

// ListConnections returns every active connection.
func (s *Server) ListConnections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// countConnections returns how many active connections are logged into
// username, used to enforce an account's clone limit.
func (s *Server) countConnections(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.conns {
		if c.Username() == username {
			n++
		}
	}
	return n
}
