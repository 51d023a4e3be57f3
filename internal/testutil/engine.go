package testutil

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/beanpuppy/retrobot/internal/emulator"
	"github.com/beanpuppy/retrobot/internal/model"
)

// FakeHandle is a warm handle that remembers the state it was left in.
type FakeHandle struct {
	State    []byte
	released atomic.Bool
}

func (h *FakeHandle) Release() error {
	h.released.Store(true)
	return nil
}

func (h *FakeHandle) Released() bool {
	return h.released.Load()
}

// FakeEngine is a deterministic engine: the new state is the prior state
// followed by "<button>;" for every event.
type FakeEngine struct {
	mu      sync.Mutex
	calls   []emulator.Request
	handles []*FakeHandle
	active  atomic.Int32
	peak    atomic.Int32

	// Err, when set, fails every run.
	Err error
	// Gate, when set, blocks each run until it yields a value.
	Gate chan struct{}
	// Started receives the request of every run once it has begun.
	Started chan emulator.Request
}

func (e *FakeEngine) Run(_ context.Context, req emulator.Request) (emulator.Result, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	e.mu.Lock()
	e.calls = append(e.calls, req)
	err := e.Err
	e.mu.Unlock()

	if e.Started != nil {
		e.Started <- req
	}
	if e.Gate != nil {
		<-e.Gate
	}
	if err != nil {
		return emulator.Result{}, &emulator.EngineError{Diagnostic: "fake crash", Err: err}
	}

	prior := req.State
	h, _ := req.Handle.(*FakeHandle)
	if h != nil {
		prior = h.State
	} else {
		h = &FakeHandle{}
		e.mu.Lock()
		e.handles = append(e.handles, h)
		e.mu.Unlock()
	}
	var b strings.Builder
	b.Write(prior)
	for _, ev := range req.Events {
		b.WriteString(strings.ToLower(ev.Button.String()))
		b.WriteString(";")
	}
	h.State = []byte(b.String())
	return emulator.Result{
		State:     append([]byte(nil), h.State...),
		Recording: model.Recording{Name: "recording.gif", Data: []byte("GIF89a")},
		Handle:    h,
	}, nil
}

func (e *FakeEngine) Calls() []emulator.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emulator.Request(nil), e.calls...)
}

func (e *FakeEngine) Handles() []*FakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeHandle(nil), e.handles...)
}

// Peak is the highest number of runs observed in flight at once.
func (e *FakeEngine) Peak() int {
	return int(e.peak.Load())
}

func (e *FakeEngine) SetErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Err = err
}
