package mmp

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/cfsworks/mmpd/internal/workunit"
)

type fakePolicy struct {
	bannedIPs map[string]bool
	denyConn  bool
	malformed int
	results   []bool
}

func (p *fakePolicy) IsBanned(ip string) bool { return p.bannedIPs[ip] }
func (p *fakePolicy) ApplyConnectionLimit(ip string) bool {
	return !p.denyConn
}
func (p *fakePolicy) ApplyMalformedPolicy(ip string) { p.malformed++ }
func (p *fakePolicy) ApplyResultPolicy(ip string, valid bool) {
	p.results = append(p.results, valid)
}

func startTestServerWithPolicy(t *testing.T, work WorkSource, pol Policy) (*Server, net.Listener) {
	t.Helper()
	accounts := newTestAccounts(t)
	s := New(accounts, work, pol)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return s, ln
}

func TestAcceptLoopRejectsBannedIP(t *testing.T) {
	pol := &fakePolicy{bannedIPs: map[string]bool{"127.0.0.1": true}}
	s, ln := startTestServerWithPolicy(t, &fakeWork{}, pol)
	defer s.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed immediately for a banned IP")
	}
}

func TestAcceptLoopRejectsOverConnectionLimit(t *testing.T) {
	pol := &fakePolicy{denyConn: true}
	s, ln := startTestServerWithPolicy(t, &fakeWork{}, pol)
	defer s.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed when over the connection limit")
	}
}

func TestListConnectionsAndAccountLookup(t *testing.T) {
	unit := workunit.New(header(1), make([]byte, 32), 32)
	s, ln := startTestServer(t, &fakeWork{unit: unit})
	defer s.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	w := bufio.NewWriter(conn)
	w.WriteString("LOGIN miner1 secret\n")
	w.Flush()

	r := bufio.NewScanner(conn)
	for r.Scan() {
		if len(r.Text()) >= 4 && r.Text()[:4] == "WORK" {
			break
		}
	}

	time.Sleep(50 * time.Millisecond)

	conns := s.ListConnections()
	if len(conns) != 1 {
		t.Fatalf("ListConnections() returned %d connections, want 1", len(conns))
	}

	byAccount := s.ListAccountConnections("miner1")
	if len(byAccount) != 1 {
		t.Fatalf("ListAccountConnections(miner1) returned %d, want 1", len(byAccount))
	}

	got := s.GetConnection(byAccount[0].SessionNo())
	if got == nil || got.Username() != "miner1" {
		t.Fatalf("GetConnection() = %+v, want the logged-in connection", got)
	}
}

func TestBroadcastBlockSendsToEveryConnection(t *testing.T) {
	unit := workunit.New(header(1), make([]byte, 32), 32)
	s, ln := startTestServer(t, &fakeWork{unit: unit})
	defer s.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	w := bufio.NewWriter(conn)
	w.WriteString("LOGIN miner1 secret\n")
	w.Flush()

	r := bufio.NewScanner(conn)
	for r.Scan() {
		if len(r.Text()) >= 4 && r.Text()[:4] == "WORK" {
			break
		}
	}

	s.BroadcastBlock(42)

	for r.Scan() {
		if len(r.Text()) >= 5 && r.Text()[:5] == "BLOCK" {
			return
		}
	}
	t.Fatal("never received a second BLOCK frame after BroadcastBlock")
}
