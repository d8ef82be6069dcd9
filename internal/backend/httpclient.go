package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cfsworks/mmpd/internal/util"
)

// DefaultAskRate is how often the HTTP client polls for work when it is not
// long-polling.
const DefaultAskRate = 10 * time.Second

// resultPaddingLen pads a submitted result to the traditional 128-byte
// getwork submission size; only the first 80 bytes are meaningful.
const resultPaddingLen = 48

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type rpcError struct {
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type getworkResult struct {
	Data   string `json:"data"`
	Target string `json:"target"`
	Mask   uint32 `json:"mask"`
}

// HTTPClient is the classic Bitcoin getwork HTTP/JSON-RPC backend: short
// polling at AskRate, long-polling via the X-Long-Polling response header,
// and block-height change detection via X-Blocknum.
type HTTPClient struct {
	url      *URL
	callback Callbacks
	client   *http.Client
	AskRate  time.Duration

	mu             sync.Mutex
	active         bool
	connected      bool
	requesting     int32
	longPollPath   string
	block          int
	blockKnown     bool
	cancelLongPoll context.CancelFunc

	quit     chan struct{}
	wg       sync.WaitGroup
	pollOnce sync.Once
}

// NewHTTPClient constructs an HTTP getwork client for the given backend URL.
func NewHTTPClient(u *URL, callback Callbacks) *HTTPClient {
	return &HTTPClient{
		url:      u,
		callback: callback,
		client:   &http.Client{Timeout: 0},
		AskRate:  DefaultAskRate,
		quit:     make(chan struct{}),
	}
}

// Connect starts periodic polling.
func (c *HTTPClient) Connect() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.mu.Unlock()

	c.callback.OnConnect()

	c.wg.Add(1)
	go c.pollLoop()
	return nil
}

// Disconnect stops polling and any active long-poll.
func (c *HTTPClient) Disconnect() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	if c.cancelLongPoll != nil {
		c.cancelLongPoll()
	}
	c.mu.Unlock()

	close(c.quit)
	c.wg.Wait()
}

// RequestWork issues an immediate getwork request outside the polling cadence.
func (c *HTTPClient) RequestWork() {
	go c.doRequest(true)
}

// SetMeta is a no-op: HTTP getwork miners do not accept metadata.
func (c *HTTPClient) SetMeta(string, string) {}

func (c *HTTPClient) pollLoop() {
	defer c.wg.Done()

	rate := c.AskRate
	if rate <= 0 {
		rate = 15 * time.Second
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	c.doRequest(true)

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.mu.Lock()
			lpActive := c.longPollPath != ""
			c.mu.Unlock()
			if !lpActive {
				c.doRequest(true)
			}
		}
	}
}

// doRequest performs one short-poll RPC round trip, guarded against overlap.
func (c *HTTPClient) doRequest(rpc bool) {
	if rpc {
		if !atomic.CompareAndSwapInt32(&c.requesting, 0, 1) {
			return
		}
		defer atomic.StoreInt32(&c.requesting, 0)
	}

	body, _ := json.Marshal(rpcRequest{Method: "getwork", Params: []interface{}{}, ID: 1})
	urlStr := fmt.Sprintf("http://%s:%d%s", c.url.Host, c.url.Port, c.url.Path)

	req, err := http.NewRequest(http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		c.onFailure("")
		return
	}
	req.SetBasicAuth(c.url.Username, c.url.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.onFailure("")
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.onFailure("")
		return
	}

	c.processResponse(raw, false)
	c.readHeaders(resp, true)
}

// processResponse decodes a getwork JSON-RPC response and fires OnWork.
func (c *HTTPClient) processResponse(body []byte, push bool) {
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		c.onFailure("")
		return
	}
	if rpcResp.Error != nil {
		c.onFailure(rpcResp.Error.Message)
		return
	}

	var gw getworkResult
	if err := json.Unmarshal(rpcResp.Result, &gw); err != nil {
		c.onFailure("")
		return
	}

	data, err := hex.DecodeString(gw.Data)
	if err != nil || len(data) < 80 {
		c.onFailure("")
		return
	}
	target, err := hex.DecodeString(gw.Target)
	if err != nil {
		c.onFailure("")
		return
	}
	mask := gw.Mask
	if mask == 0 {
		mask = 32
	}

	c.onSuccess()

	work := AssignedWork{Data: data[:80], Target: target, Mask: mask}
	c.callback.OnWork(work)
	_ = push
}

// readHeaders inspects X-Long-Polling and X-Blocknum on an RPC response.
func (c *HTTPClient) readHeaders(resp *http.Response, rpc bool) {
	longpoll := resp.Header.Get("X-Long-Polling")
	if blockStr := resp.Header.Get("X-Blocknum"); blockStr != "" {
		if block, err := strconv.Atoi(blockStr); err == nil {
			c.mu.Lock()
			changed := !c.blockKnown || block != c.block
			c.block = block
			c.blockKnown = true
			c.mu.Unlock()
			if changed {
				c.callback.OnBlock(block)
			}
		}
	}
	if rpc {
		c.setLongPollPath(longpoll)
	}
}

func (c *HTTPClient) setLongPollPath(path string) {
	c.mu.Lock()
	changed := path != c.longPollPath
	prevCancel := c.cancelLongPoll
	c.longPollPath = path
	if path != "" {
		c.cancelLongPoll = nil
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	if prevCancel != nil {
		prevCancel()
	}
	if path != "" {
		go c.longPollLoop(path)
	}
}

func (c *HTTPClient) longPollLoop(path string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelLongPoll = cancel
	c.mu.Unlock()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		default:
		}

		c.mu.Lock()
		active := c.longPollPath == path
		c.mu.Unlock()
		if !active {
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return
		}
		req.SetBasicAuth(c.url.Username, c.url.Password)

		resp, err := c.client.Do(req)
		if err != nil {
			util.Debugf("backend: long-poll request failed: %v", err)
			// Unless this long-poll was cancelled on purpose, drop it so
			// short polling resumes.
			if ctx.Err() == nil {
				c.onFailure("")
			}
			return
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if ctx.Err() == nil {
				c.onFailure("")
			}
			return
		}

		c.processResponse(raw, true)
		c.readHeaders(resp, false)
	}
}

func (c *HTTPClient) onFailure(msg string) {
	if msg != "" {
		util.Warnf("backend: getwork failure: %s", msg)
	}
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		util.Warn("backend: lost connection to upstream")
	}
	c.setLongPollPath("")
}

func (c *HTTPClient) onSuccess() {
	c.mu.Lock()
	already := c.connected
	c.connected = true
	c.mu.Unlock()
	if !already {
		util.Info("backend: connected to upstream")
	}
}

// SendResult submits a solved header, 128-byte zero-padded, and reports
// whether the upstream accepted it.
func (c *HTTPClient) SendResult(result []byte) (bool, error) {
	padded := make([]byte, len(result)+resultPaddingLen)
	copy(padded, result)

	body, _ := json.Marshal(rpcRequest{
		Method: "getwork",
		Params: []interface{}{hex.EncodeToString(padded)},
		ID:     1,
	})

	urlStr := fmt.Sprintf("http://%s:%d%s", c.url.Host, c.url.Port, c.url.Path)
	req, err := http.NewRequest(http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(c.url.Username, c.url.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return false, err
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("backend: %s", rpcResp.Error.Message)
	}

	var accepted bool
	if err := json.Unmarshal(rpcResp.Result, &accepted); err != nil {
		return false, nil
	}
	return accepted, nil
}
