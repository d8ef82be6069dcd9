package provider

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/cfsworks/mmpd/internal/backend"
	"github.com/cfsworks/mmpd/internal/workunit"
)

type fakeBackend struct {
	mu           sync.Mutex
	requestCount int
	results      [][]byte
}

func (f *fakeBackend) Connect() error    { return nil }
func (f *fakeBackend) Disconnect()       {}
func (f *fakeBackend) SetMeta(_, _ string) {}
func (f *fakeBackend) RequestWork() {
	f.mu.Lock()
	f.requestCount++
	f.mu.Unlock()
}
func (f *fakeBackend) SendResult(result []byte) (bool, error) {
	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
	return true, nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	sendWorkN   int
	blockHeight int
}

func (n *fakeNotifier) BroadcastSendWork() {
	n.mu.Lock()
	n.sendWorkN++
	n.mu.Unlock()
}
func (n *fakeNotifier) BroadcastBlock(height int) {
	n.mu.Lock()
	n.blockHeight = height
	n.mu.Unlock()
}

func header(ts uint32) []byte {
	d := make([]byte, workunit.Size)
	binary.BigEndian.PutUint32(d[68:72], ts)
	return d
}

func TestOnWorkBuffersAndServesWaiter(t *testing.T) {
	notifier := &fakeNotifier{}
	fb := &fakeBackend{}
	p := New(notifier, false, 0x100000000)
	p.SetBackend(fb)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *workunit.WorkUnit, 1)
	go func() {
		unit, err := p.GetWork(ctx, 8)
		if err != nil {
			t.Error(err)
			return
		}
		done <- unit
	}()

	time.Sleep(10 * time.Millisecond) // let GetWork park as a waiter
	p.OnWork(backend.AssignedWork{Data: header(1), Target: make([]byte, 32), Mask: 8})

	select {
	case unit := <-done:
		if unit.Mask != 8 {
			t.Errorf("got mask %d, want 8", unit.Mask)
		}
	case <-time.After(time.Second):
		t.Fatal("GetWork did not resolve after OnWork")
	}

	if notifier.sendWorkN != 1 {
		t.Errorf("expected one BroadcastSendWork on first (template-reset) unit, got %d", notifier.sendWorkN)
	}
}

func TestOnWorkResetsOnDissimilarTemplate(t *testing.T) {
	notifier := &fakeNotifier{}
	fb := &fakeBackend{}
	p := New(notifier, false, 0)
	p.SetBackend(fb)

	first := header(1)
	p.OnWork(backend.AssignedWork{Data: first, Target: make([]byte, 32), Mask: 32})

	dissimilar := header(2)
	dissimilar[10] ^= 0xFF // change prev-hash region
	p.OnWork(backend.AssignedWork{Data: dissimilar, Target: make([]byte, 32), Mask: 32})

	if notifier.sendWorkN != 2 {
		t.Errorf("expected BroadcastSendWork on every template reset, got %d", notifier.sendWorkN)
	}

	ctx := context.Background()
	unit, err := p.GetWork(ctx, 32)
	if err != nil {
		t.Fatalf("GetWork() error = %v", err)
	}
	if !unit.IsSimilarTo(workunit.New(dissimilar, make([]byte, 32), 32)) {
		t.Error("buffer should only contain the latest template after a reset")
	}
}

func TestCheckWorkRequestsWhenBelowReserve(t *testing.T) {
	notifier := &fakeNotifier{}
	fb := &fakeBackend{}
	p := New(notifier, false, 0x200000000)
	p.SetBackend(fb)

	p.OnWork(backend.AssignedWork{Data: header(1), Target: make([]byte, 32), Mask: 8})

	fb.mu.Lock()
	n := fb.requestCount
	fb.mu.Unlock()
	if n == 0 {
		t.Error("expected checkWork to request more work when under reserve")
	}
}

func TestOnBlockBroadcasts(t *testing.T) {
	notifier := &fakeNotifier{}
	p := New(notifier, false, 0)
	p.OnBlock(42)
	if p.Block() != 42 {
		t.Errorf("Block() = %d, want 42", p.Block())
	}
	if notifier.blockHeight != 42 {
		t.Errorf("notifier block height = %d, want 42", notifier.blockHeight)
	}
}

func TestSendResultForwardsToBackend(t *testing.T) {
	notifier := &fakeNotifier{}
	fb := &fakeBackend{}
	p := New(notifier, false, 0)
	p.SetBackend(fb)

	ok, err := p.SendResult(make([]byte, 80))
	if err != nil || !ok {
		t.Fatalf("SendResult() = %v, %v", ok, err)
	}
	if len(fb.results) != 1 {
		t.Errorf("expected backend to record one result, got %d", len(fb.results))
	}
}

func TestGetWorkCancelledByContext(t *testing.T) {
	notifier := &fakeNotifier{}
	p := New(notifier, false, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.GetWork(ctx, 32)
	if err == nil {
		t.Error("expected GetWork to return an error when context expires with no work")
	}
}
