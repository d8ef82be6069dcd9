package mmp

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cfsworks/mmpd/internal/account"
	"github.com/cfsworks/mmpd/internal/util"
	"github.com/cfsworks/mmpd/internal/workunit"
)

// defaultWorkMask is used when an account has no work_mask override.
const defaultWorkMask = 32

// defaultMaxClones of 0 means unlimited simultaneous connections.
const defaultMaxClones = 0

// Connection represents one authenticated or pre-auth miner TCP session and
// runs the LOGIN/META/MORE/RESULT state machine against it.
type Connection struct {
	server    *Server
	conn      net.Conn
	sessionNo int64
	writer    *bufio.Writer

	mu          sync.Mutex
	account     *account.Account
	meta        map[string]string
	connectedAt int64
	target      []byte
	held        []*workunit.WorkUnit
	sendingWork bool
	kicked      bool
}

func newConnection(s *Server, conn net.Conn, sessionNo int64) *Connection {
	return &Connection{
		server:      s,
		conn:        conn,
		sessionNo:   sessionNo,
		writer:      bufio.NewWriter(conn),
		meta:        make(map[string]string),
		connectedAt: time.Now().Unix(),
	}
}

// Username returns the logged-in username, or "" if not authenticated.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account == nil {
		return ""
	}
	return c.account.Username
}

// SessionNo returns the connection's unique session number.
func (c *Connection) SessionNo() int64 { return c.sessionNo }

// RemoteAddr returns the connection's remote address string.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// ConnectedAt returns the unix timestamp the connection was accepted.
func (c *Connection) ConnectedAt() int64 { return c.connectedAt }

// Meta returns a copy of the connection's metadata map.
func (c *Connection) Meta() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// SetMeta records a META var/value pair set by rpc_setconnectionmeta.
func (c *Connection) SetMeta(key, value string) {
	c.mu.Lock()
	c.meta[key] = value
	c.mu.Unlock()
}

// SendMsg sends an MSG frame to the miner.
func (c *Connection) SendMsg(text string) {
	c.writeLine("MSG", text)
}

// Kick closes the underlying connection.
func (c *Connection) Kick() {
	c.mu.Lock()
	c.kicked = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Connection) illegalCommand(reason string) {
	c.SendMsg("Illegal command: " + reason)
	if c.server.Policy != nil {
		ip, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
		c.server.Policy.ApplyMalformedPolicy(ip)
	}
	c.Kick()
}

func (c *Connection) writeLine(fields ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kicked {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.writer.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
		return
	}
	c.writer.Flush()
}

func (c *Connection) serve() {
	defer c.conn.Close()

	reader := bufio.NewReader(c.conn)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024), 1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !c.dispatch(line) {
			return
		}
	}
}

func (c *Connection) dispatch(line string) bool {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	var rest string
	if len(fields) == 2 {
		rest = fields[1]
	}

	switch cmd {
	case "LOGIN":
		return c.cmdLogin(rest)
	case "META":
		return c.cmdMeta(rest)
	case "MORE":
		return c.cmdMore()
	case "RESULT":
		return c.cmdResult(rest)
	default:
		c.illegalCommand("unknown command " + cmd)
		return false
	}
}

func (c *Connection) cmdLogin(rest string) bool {
	c.mu.Lock()
	alreadyLoggedIn := c.account != nil
	c.mu.Unlock()
	if alreadyLoggedIn {
		c.illegalCommand("duplicate LOGIN")
		return false
	}

	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		c.illegalCommand("LOGIN requires username and password")
		return false
	}
	username, password := parts[0], parts[1]

	ctx := context.Background()
	acc, err := c.server.Accounts.Lookup(ctx, username)
	if err != nil {
		util.Warnf("mmp: account lookup failed: %v", err)
		c.illegalCommand("internal error")
		return false
	}
	ok, err := acc.CheckPassword(ctx, password)
	if err != nil {
		util.Warnf("mmp: password check failed: %v", err)
	}
	if !acc.Exists() || !ok {
		c.SendMsg("Invalid username or password.")
		c.Kick()
		return false
	}

	maxClonesStr, err := acc.GetConfig(ctx, "max_clones", strconv.Itoa(defaultMaxClones))
	if err == nil {
		if maxClones, err := strconv.Atoi(maxClonesStr); err == nil && maxClones > 0 {
			if c.server.countConnections(username) >= maxClones {
				c.SendMsg("Too many connections for this account.")
				c.Kick()
				return false
			}
		}
	}

	c.mu.Lock()
	c.account = acc
	c.mu.Unlock()

	c.sendMOTD(ctx, acc)
	c.sendBlock(c.server.Work.Block())
	c.sendWorkAsync()

	return true
}

func (c *Connection) sendMOTD(ctx context.Context, acc *account.Account) {
	path, err := acc.GetConfig(ctx, "motd", "")
	if err != nil || path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			c.SendMsg(line)
		}
	}
}

func (c *Connection) cmdMeta(rest string) bool {
	c.mu.Lock()
	authed := c.account != nil
	c.mu.Unlock()
	if !authed {
		c.illegalCommand("META before LOGIN")
		return false
	}

	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		c.illegalCommand("META requires key and value")
		return false
	}
	c.SetMeta(parts[0], parts[1])
	return true
}

func (c *Connection) cmdMore() bool {
	c.mu.Lock()
	authed := c.account != nil
	c.mu.Unlock()
	if !authed {
		c.illegalCommand("MORE before LOGIN")
		return false
	}
	c.sendWorkAsync()
	return true
}

func (c *Connection) cmdResult(rest string) bool {
	c.mu.Lock()
	authed := c.account != nil
	held := append([]*workunit.WorkUnit{}, c.held...)
	c.mu.Unlock()
	if !authed {
		c.illegalCommand("RESULT before LOGIN")
		return false
	}

	result, err := hex.DecodeString(strings.TrimSpace(rest))
	if err != nil || len(result) != workunit.Size {
		c.writeLine("RESULT", "REJECTED")
		c.applyResultPolicy(false)
		return true
	}

	for _, unit := range held {
		if unit.CheckResult(result, nil) {
			if _, err := c.server.Work.SendResult(result); err != nil {
				util.Warnf("mmp: SendResult failed: %v", err)
			}
			c.writeLine("RESULT", "ACCEPTED")
			c.applyResultPolicy(true)
			return true
		}
	}
	c.writeLine("RESULT", "REJECTED")
	c.applyResultPolicy(false)
	return true
}

func (c *Connection) applyResultPolicy(valid bool) {
	if c.server.Policy == nil {
		return
	}
	ip, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
	c.server.Policy.ApplyResultPolicy(ip, valid)
}

// sendBlock sends a BLOCK frame unconditionally; used on login and on
// every provider block-height change.
func (c *Connection) sendBlock(height int) {
	c.writeLine("BLOCK", strconv.Itoa(height))
}

// sendWorkAsync dispatches work in the background so a slow or blocked
// miner socket cannot stall the provider's broadcast loop.
func (c *Connection) sendWorkAsync() {
	go c.sendWork()
}

// invalidateAndSendWork drops any work held from a now-stale template
// before dispatching fresh work, used when the provider resets its buffer
// because a dissimilar unit arrived upstream.
func (c *Connection) invalidateAndSendWork() {
	c.mu.Lock()
	c.held = nil
	c.mu.Unlock()
	c.sendWorkAsync()
}

// sendWork requests a WorkUnit from the provider and dispatches TARGET (on
// change) and WORK to the miner. Only one dispatch may be in flight per
// connection at a time.
func (c *Connection) sendWork() {
	c.mu.Lock()
	if c.sendingWork {
		c.mu.Unlock()
		return
	}
	c.sendingWork = true
	acc := c.account
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sendingWork = false
		c.mu.Unlock()
	}()

	if acc == nil {
		return
	}

	ctx := context.Background()
	maskStr, err := acc.GetConfig(ctx, "work_mask", strconv.Itoa(defaultWorkMask))
	mask := uint32(defaultWorkMask)
	if err == nil {
		if m, err := strconv.ParseUint(maskStr, 10, 32); err == nil {
			mask = uint32(m)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	unit, err := c.server.Work.GetWork(reqCtx, mask)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.target == nil || !sameTarget(c.target, unit.Target[:]) {
		c.target = append([]byte{}, unit.Target[:]...)
		c.mu.Unlock()
		c.writeLine("TARGET", hex.EncodeToString(unit.Target[:]))
	} else {
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.held = append(c.held, unit)
	c.mu.Unlock()

	c.writeLine("WORK", hex.EncodeToString(unit.Data[:]), fmt.Sprintf("%d", unit.Mask))
}

func sameTarget(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
