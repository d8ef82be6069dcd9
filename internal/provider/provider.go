// Package provider implements the WorkProvider: the buffer of upstream
// WorkUnits, the backend connection it manages, and the fan-in of worker
// requests for more work.
package provider

import (
	"context"
	"sync"

	"github.com/cfsworks/mmpd/internal/backend"
	"github.com/cfsworks/mmpd/internal/util"
	"github.com/cfsworks/mmpd/internal/workunit"
)

// Notifier is implemented by the server root to fan events out to every
// connected worker.
type Notifier interface {
	BroadcastSendWork()
	BroadcastBlock(height int)
}

// waiter is a parked GetWork request, the Go analogue of a Twisted
// Deferred: instead of attaching callbacks to a promise object, the caller
// blocks reading from a channel that drainWaiters writes to (or closes)
// exactly once, under whichever goroutine delivered the work via OnWork.
type waiter struct {
	mask  uint32
	reply chan *workunit.WorkUnit
}

// Provider owns the work buffer and the backend connection.
type Provider struct {
	mu       sync.Mutex
	buffer   *workunit.Buffer
	template *workunit.WorkUnit
	backend  backend.Backend
	notifier Notifier

	workReserve   uint64
	workRequested bool
	waiters       []waiter
	block         int
}

// New creates a Provider with an empty buffer. fifo selects oldest-first
// instead of newest-first timestamp ordering (see workunit.Buffer);
// workReserve is the minimum buffered hash
// space (in nonces) the provider tries to keep in reserve.
func New(notifier Notifier, fifo bool, workReserve uint64) *Provider {
	return &Provider{
		buffer:      workunit.NewBuffer(fifo),
		notifier:    notifier,
		workReserve: workReserve,
	}
}

// SetBackend attaches the backend client. Must be called before Start.
func (p *Provider) SetBackend(b backend.Backend) {
	p.mu.Lock()
	p.backend = b
	p.mu.Unlock()
}

// Start connects the backend. The backend will call OnConnect/OnWork/OnBlock
// as events occur.
func (p *Provider) Start() error {
	p.mu.Lock()
	b := p.backend
	p.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Connect()
}

// Stop disconnects the backend.
func (p *Provider) Stop() {
	p.mu.Lock()
	b := p.backend
	p.mu.Unlock()
	if b != nil {
		b.Disconnect()
	}
}

// OnConnect implements backend.Callbacks: the buffer and template are reset
// whenever the backend (re)establishes a connection.
func (p *Provider) OnConnect() {
	p.mu.Lock()
	p.buffer.Clear()
	p.template = nil
	p.mu.Unlock()
}

// OnWork implements backend.Callbacks.
func (p *Provider) OnWork(aw backend.AssignedWork) {
	work := workunit.New(aw.Data, aw.Target, aw.Mask)

	p.mu.Lock()
	p.workRequested = false

	reset := p.template == nil || !p.template.IsSimilarTo(work)
	if reset {
		p.template = work
		p.buffer.Reset(work)
	} else {
		p.buffer.Add(work)
	}
	p.mu.Unlock()

	if reset {
		p.notifier.BroadcastSendWork()
	}

	p.checkWork()
	p.drainWaiters()
}

// OnBlock implements backend.Callbacks.
func (p *Provider) OnBlock(height int) {
	p.mu.Lock()
	p.block = height
	p.mu.Unlock()
	p.notifier.BroadcastBlock(height)
}

// Block returns the most recently announced block height.
func (p *Provider) Block() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.block
}

// HashSpace returns the buffered hash space remaining, for metrics reporting.
func (p *Provider) HashSpace() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.HashSpace()
}

// checkWork requests more upstream work if the buffered hash space has
// fallen under the configured reserve, at most one outstanding request at
// a time.
func (p *Provider) checkWork() {
	p.mu.Lock()
	if p.workRequested {
		p.mu.Unlock()
		return
	}
	low := p.buffer.HashSpace() < p.workReserve
	b := p.backend
	if low && b != nil {
		p.workRequested = true
	}
	p.mu.Unlock()

	if low && b != nil {
		b.RequestWork()
	}
}

// drainWaiters hands buffered work to parked GetWork callers, FIFO, for as
// long as the buffer and the waiter queue both remain non-empty.
func (p *Provider) drainWaiters() {
	for {
		p.mu.Lock()
		if len(p.waiters) == 0 || p.buffer.Len() == 0 {
			p.mu.Unlock()
			return
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		unit, ok := p.buffer.Take(w.mask)
		p.mu.Unlock()

		if ok {
			w.reply <- unit
		} else {
			close(w.reply)
		}
		p.checkWork()
	}
}

// GetWork retrieves a WorkUnit sized as close to desiredMask as the buffer
// allows. If the buffer is empty it blocks until work arrives or ctx is
// done.
func (p *Provider) GetWork(ctx context.Context, desiredMask uint32) (*workunit.WorkUnit, error) {
	p.mu.Lock()
	unit, ok := p.buffer.Take(desiredMask)
	if ok {
		p.mu.Unlock()
		p.checkWork()
		return unit, nil
	}

	reply := make(chan *workunit.WorkUnit, 1)
	p.waiters = append(p.waiters, waiter{mask: desiredMask, reply: reply})
	p.mu.Unlock()

	select {
	case unit, ok := <-reply:
		if !ok {
			return nil, context.Canceled
		}
		return unit, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResult forwards an accepted solution to the backend.
func (p *Provider) SendResult(result []byte) (bool, error) {
	p.mu.Lock()
	b := p.backend
	p.mu.Unlock()
	if b == nil {
		util.Warn("provider: SendResult called with no backend attached")
		return false, nil
	}
	return b.SendResult(result)
}
