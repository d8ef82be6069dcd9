package backend

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cfsworks/mmpd/internal/util"
)

// reconnectDelay is how long the upstream-MMP client waits before retrying
// a dropped connection.
const reconnectDelay = 5 * time.Second

// MMPClient is the upstream-MMP backend: mmpd acting as a miner against
// another MMP-speaking server (a parent pool, or another mmpd instance).
// It keeps one persistent connection and reads line frames with a bufio
// scanner in its own goroutine, the same shape as a stratum/xatum session
// loop, rather than the request/response shape of the HTTP backend.
type MMPClient struct {
	url      *URL
	callback Callbacks

	mu            sync.Mutex
	conn          net.Conn
	meta          map[string]string
	connected     bool
	active        bool
	pendingTarget []byte

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewMMPClient constructs an upstream-MMP backend client.
func NewMMPClient(u *URL, callback Callbacks) *MMPClient {
	return &MMPClient{
		url:      u,
		callback: callback,
		meta:     make(map[string]string),
		quit:     make(chan struct{}),
	}
}

// SetMeta stages a META key/value to send immediately after login.
func (c *MMPClient) SetMeta(key, value string) {
	c.mu.Lock()
	c.meta[key] = value
	c.mu.Unlock()
}

// Connect starts the session loop in the background, reconnecting on drop.
func (c *MMPClient) Connect() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sessionLoop()
	return nil
}

// Disconnect tears down the session loop.
func (c *MMPClient) Disconnect() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	close(c.quit)
	c.wg.Wait()
}

func (c *MMPClient) sessionLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		if err := c.runSession(); err != nil {
			util.Warnf("backend: upstream mmp session ended: %v", err)
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		select {
		case <-c.quit:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *MMPClient) runSession() error {
	addr := net.JoinHostPort(c.url.Host, strconv.Itoa(c.url.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	writer := bufio.NewWriter(conn)
	reader := bufio.NewReader(conn)

	if err := c.send(writer, "LOGIN", c.url.Username, c.url.Password); err != nil {
		return err
	}
	c.mu.Lock()
	for k, v := range c.meta {
		c.send(writer, "META", k, v)
	}
	c.mu.Unlock()

	c.callback.OnConnect()
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		select {
		case <-c.quit:
			return nil
		default:
		}
		if err := c.handleLine(scanner.Text()); err != nil {
			util.Warnf("backend: malformed upstream frame: %v", err)
		}
	}
	return scanner.Err()
}

func (c *MMPClient) handleLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "MSG":
		util.Infof("backend: upstream message: %s", strings.TrimPrefix(line, "MSG "))
	case "BLOCK":
		if len(fields) != 2 {
			return fmt.Errorf("BLOCK requires 1 argument")
		}
		height, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		c.callback.OnBlock(height)
	case "TARGET":
		// TARGET precedes WORK and is consumed together with it below via
		// the pending-target slot.
		if len(fields) != 2 {
			return fmt.Errorf("TARGET requires 1 argument")
		}
		target, err := hex.DecodeString(fields[1])
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.pendingTarget = target
		c.mu.Unlock()
	case "WORK":
		if len(fields) != 3 {
			return fmt.Errorf("WORK requires 2 arguments")
		}
		data, err := hex.DecodeString(fields[1])
		if err != nil {
			return err
		}
		mask, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return err
		}
		c.mu.Lock()
		target := c.pendingTarget
		c.mu.Unlock()
		c.callback.OnWork(AssignedWork{Data: data, Target: target, Mask: uint32(mask)})
	}
	return nil
}

// RequestWork asks the upstream for more work via MORE.
func (c *MMPClient) RequestWork() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	w := bufio.NewWriter(conn)
	c.send(w, "MORE")
}

// SendResult submits a solved header upstream. It does not wait for the
// upstream's ACCEPTED or REJECTED reply (the read loop is owned by
// runSession): it writes the RESULT line and reports acceptance whenever
// the write succeeds.
// Real acceptance/rejection still reaches the pool's own accounting
// upstream regardless of what this leg reports locally.
func (c *MMPClient) SendResult(result []byte) (bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, fmt.Errorf("backend: not connected")
	}
	w := bufio.NewWriter(conn)
	if err := c.send(w, "RESULT", hex.EncodeToString(result)); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MMPClient) send(w *bufio.Writer, fields ...string) error {
	if _, err := w.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
		return err
	}
	return w.Flush()
}
