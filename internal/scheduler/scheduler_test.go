package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/beanpuppy/retrobot/internal/affordance"
	"github.com/beanpuppy/retrobot/internal/chat"
	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/corecache"
	"github.com/beanpuppy/retrobot/internal/emulator"
	"github.com/beanpuppy/retrobot/internal/model"
	"github.com/beanpuppy/retrobot/internal/store"
	"github.com/beanpuppy/retrobot/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []TurnEvent
}

func (r *recorder) Observe(ev TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	sched    *Scheduler
	sessions *store.Sessions
	cache    *corecache.Cache
	engine   *testutil.FakeEngine
	platform *testutil.FakePlatform
	events   *recorder
	ctx      context.Context
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	sessions, ctx := testutil.NewStore(t)
	return newHarnessWithSessions(t, ctx, sessions, policy)
}

func newHarnessWithSessions(t *testing.T, ctx context.Context, sessions *store.Sessions, policy string) *harness {
	t.Helper()
	cache, err := corecache.New(corecache.DefaultCapacity, zap.NewNop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	h := &harness{
		sessions: sessions,
		cache:    cache,
		engine:   &testutil.FakeEngine{},
		platform: testutil.NewFakePlatform(),
		events:   &recorder{},
		ctx:      ctx,
	}
	cfg := config.DefaultConfig()
	cfg.TurnPolicy = policy
	sched, err := New(Deps{
		Sessions: sessions,
		Cache:    cache,
		Engine:   h.engine,
		Platform: h.platform,
		Observer: h.events,
		Logger:   zap.NewNop(),
	}, cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h.sched = sched
	return h
}

// seed creates a session and posts its idle control row.
func (h *harness) seed(t *testing.T, id string, platform model.Platform, state []byte) chat.MessageRef {
	t.Helper()
	testutil.SeedSessionWithState(t, h.sessions, h.ctx, id, platform, "chan-1", state)
	return h.platform.Post("chan-1", testutil.BotID, affordance.Render(platform, model.Idle(id)))
}

func (h *harness) lastEdit(t *testing.T) model.Affordance {
	t.Helper()
	edits := h.platform.Edits()
	if len(edits) == 0 {
		t.Fatalf("expected at least one edit")
	}
	a, ok := affordance.Parse(edits[len(edits)-1].Rows)
	if !ok {
		t.Fatalf("last edit has no control row")
	}
	return a
}

func (h *harness) state(t *testing.T, id string) string {
	t.Helper()
	state, err := h.sessions.State(h.ctx, id)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return string(state)
}

func TestControlPressAppliesRepeatedEvents(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	ref := h.seed(t, "a1b2c", model.PlatformGB, []byte("s;"))

	outcome, err := h.sched.Submit(h.ctx, Request{SessionID: "a1b2c", Label: "a", Multiplier: 5, Message: ref, Actor: "ann"})
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("submit: outcome=%s err=%v", outcome, err)
	}

	calls := h.engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one engine call, got %d", len(calls))
	}
	call := calls[0]
	if call.Handle != nil || string(call.ROM) != "ROM:a1b2c" || string(call.State) != "s;" {
		t.Fatalf("expected cold load from store, got %+v", call)
	}
	if len(call.Events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(call.Events))
	}
	for i, ev := range call.Events {
		if ev.Button != model.ButtonA || ev.Step != i {
			t.Fatalf("event %d: unexpected %+v", i, ev)
		}
	}
	if got := h.state(t, "a1b2c"); got != "s;a;a;a;a;a;" {
		t.Fatalf("unexpected committed state %q", got)
	}

	edits := h.platform.Edits()
	if len(edits) != 1 {
		t.Fatalf("expected one edit before the step, got %d", len(edits))
	}
	disabled, _ := affordance.Parse(edits[0].Rows)
	want := model.Affordance{SessionID: "a1b2c", Enabled: false, Highlight: "a", Multiplier: 5}
	if disabled != want {
		t.Fatalf("expected %+v before step, got %+v", want, disabled)
	}

	sent := h.platform.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one result message, got %d", len(sent))
	}
	if sent[0].Message.Content != "ann pressed A..." {
		t.Fatalf("unexpected content %q", sent[0].Message.Content)
	}
	if len(sent[0].Message.Files) != 1 || sent[0].Message.Files[0].Name != "recording.gif" {
		t.Fatalf("expected recording attachment, got %+v", sent[0].Message.Files)
	}
	idle, _ := affordance.Parse(sent[0].Message.Rows)
	if idle != model.Idle("a1b2c") {
		t.Fatalf("expected idle affordance on result, got %+v", idle)
	}
	if !h.cache.Contains("a1b2c") {
		t.Fatalf("expected warm handle cached after turn")
	}
	kinds := h.events.kinds()
	if len(kinds) != 2 || kinds[0] != EventStarted || kinds[1] != EventCompleted {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestSecondTurnReusesWarmHandle(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	ref := h.seed(t, "warm1", model.PlatformNES, nil)

	for _, label := range []string{"up", "B"} {
		if _, err := h.sched.Submit(h.ctx, Request{SessionID: "warm1", Label: label, Multiplier: 1, Message: ref}); err != nil {
			t.Fatalf("submit %s: %v", label, err)
		}
	}
	calls := h.engine.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(calls))
	}
	if calls[1].Handle == nil || calls[1].ROM != nil {
		t.Fatalf("second turn should use the cached handle, got %+v", calls[1])
	}
	if got := h.state(t, "warm1"); got != "up;b;" {
		t.Fatalf("unexpected state %q", got)
	}
	if got := h.platform.Sent()[1].Message.Content; got != "Someone pressed B..." {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestMultiplierSelectionIsUIOnly(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	ref := h.seed(t, "a1b2c", model.PlatformGB, []byte("s;"))

	outcome, err := h.sched.Submit(h.ctx, Request{SessionID: "a1b2c", Label: "10", Multiplier: 1, Message: ref})
	if err != nil || outcome != OutcomeSelected {
		t.Fatalf("select: outcome=%s err=%v", outcome, err)
	}
	if n := len(h.engine.Calls()); n != 0 {
		t.Fatalf("selection must not run the engine, got %d calls", n)
	}
	got := h.lastEdit(t)
	want := model.Affordance{SessionID: "a1b2c", Enabled: true, Highlight: "10", Multiplier: 10}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if state := h.state(t, "a1b2c"); state != "s;" {
		t.Fatalf("selection must not touch state, got %q", state)
	}
	if len(h.platform.Sent()) != 0 {
		t.Fatalf("selection must not post a message")
	}
	if snap := h.sched.Snapshot(); len(snap) != 0 {
		t.Fatalf("session should be idle after selection, got %+v", snap)
	}
}

func TestEngineFailureReenablesControls(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	ref := h.seed(t, "boom1", model.PlatformGBA, []byte("s;"))

	if _, err := h.sched.Submit(h.ctx, Request{SessionID: "boom1", Label: "l", Multiplier: 1, Message: ref}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	warm := h.engine.Handles()[0]

	h.engine.SetErr(errors.New("core dumped"))
	outcome, err := h.sched.Submit(h.ctx, Request{SessionID: "boom1", Label: "a", Multiplier: 10, Message: ref})
	if outcome != OutcomeFailed || !errors.Is(err, model.ErrEngine) {
		t.Fatalf("expected engine failure, got outcome=%s err=%v", outcome, err)
	}
	if got := h.lastEdit(t); got != model.Idle("boom1") {
		t.Fatalf("expected controls re-enabled, got %+v", got)
	}
	if len(h.platform.Sent()) != 1 {
		t.Fatalf("failed turn must not post an artifact")
	}
	if got := h.state(t, "boom1"); got != "s;l;" {
		t.Fatalf("failed turn must not change state, got %q", got)
	}
	if !warm.Released() || h.cache.Contains("boom1") {
		t.Fatalf("handle used by a failed step must be released, not cached")
	}

	h.engine.SetErr(nil)
	if _, err := h.sched.Submit(h.ctx, Request{SessionID: "boom1", Label: "a", Multiplier: 1, Message: ref}); err != nil {
		t.Fatalf("session should stay usable: %v", err)
	}
	calls := h.engine.Calls()
	if last := calls[len(calls)-1]; last.Handle != nil || string(last.State) != "s;l;" {
		t.Fatalf("turn after failure should cold load, got %+v", last)
	}
}

func TestStoreFailureReenablesControls(t *testing.T) {
	base, ctx := testutil.NewStore(t)
	testutil.SeedSessionWithState(t, base, ctx, "io001", model.PlatformGB, "chan-1", []byte("s;"))
	failing := store.NewSessions(&testutil.FailingBlobs{Blobs: base.Blobs(), FailWrite: true})
	h := newHarnessWithSessions(t, ctx, failing, config.PolicyReject)
	ref := h.platform.Post("chan-1", testutil.BotID, affordance.Render(model.PlatformGB, model.Idle("io001")))

	outcome, err := h.sched.Submit(ctx, Request{SessionID: "io001", Label: "start", Multiplier: 1, Message: ref})
	if outcome != OutcomeFailed || !errors.Is(err, model.ErrStoreIO) {
		t.Fatalf("expected store failure, got outcome=%s err=%v", outcome, err)
	}
	if got := h.lastEdit(t); got != model.Idle("io001") {
		t.Fatalf("expected controls re-enabled, got %+v", got)
	}
	if h.cache.Contains("io001") || !h.engine.Handles()[0].Released() {
		t.Fatalf("handle from an uncommitted step must be released")
	}
}

func TestUnknownSessionIsDropped(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	ref := h.platform.Post("chan-1", testutil.BotID, affordance.Render(model.PlatformGB, model.Idle("gone1")))

	_, err := h.sched.Submit(h.ctx, Request{SessionID: "gone1", Label: "a", Multiplier: 1, Message: ref})
	if !errors.Is(err, model.ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}
	if len(h.platform.Edits()) != 0 || len(h.engine.Calls()) != 0 {
		t.Fatalf("unknown session must not touch chat or engine")
	}
}

func TestUnrecognizedLabelIsDropped(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	ref := h.seed(t, "nes01", model.PlatformNES, nil)

	_, err := h.sched.Submit(h.ctx, Request{SessionID: "nes01", Label: "l", Multiplier: 1, Message: ref})
	if !errors.Is(err, model.ErrUnrecognized) {
		t.Fatalf("expected unrecognized, got %v", err)
	}
	if len(h.platform.Edits()) != 0 || len(h.engine.Calls()) != 0 {
		t.Fatalf("unrecognized label must not touch chat or engine")
	}
}

func TestRejectPolicyExcludesConcurrentTurns(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	h.engine.Gate = make(chan struct{})
	h.engine.Started = make(chan emulator.Request, 64)
	ref := h.seed(t, "busy1", model.PlatformGB, nil)

	first := make(chan error, 1)
	go func() {
		_, err := h.sched.Submit(h.ctx, Request{SessionID: "busy1", Label: "a", Multiplier: 1, Message: ref})
		first <- err
	}()
	<-h.engine.Started

	if snap := h.sched.Snapshot(); snap["busy1"].Label != "a" {
		t.Fatalf("expected running slot in snapshot, got %+v", snap)
	}

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		label := "b"
		if i%5 == 0 {
			label = "5"
		}
		go func() {
			defer wg.Done()
			o, err := h.sched.Submit(h.ctx, Request{SessionID: "busy1", Label: label, Multiplier: 1, Message: ref})
			if err != nil {
				t.Errorf("submit during turn: %v", err)
			}
			outcomes <- o
		}()
	}
	wg.Wait()
	close(outcomes)
	for o := range outcomes {
		if o != OutcomeRejected {
			t.Fatalf("expected rejection while running, got %s", o)
		}
	}

	close(h.engine.Gate)
	if err := <-first; err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if n := len(h.engine.Calls()); n != 1 {
		t.Fatalf("expected exactly one engine call, got %d", n)
	}
	if h.engine.Peak() != 1 {
		t.Fatalf("turns overlapped: peak %d", h.engine.Peak())
	}
	if got := h.state(t, "busy1"); got != "a;" {
		t.Fatalf("unexpected state %q", got)
	}
}

func TestQueuePolicyRunsTurnsInArrivalOrder(t *testing.T) {
	h := newHarness(t, config.PolicyQueue)
	h.engine.Gate = make(chan struct{})
	h.engine.Started = make(chan emulator.Request, 64)
	ref := h.seed(t, "fifo1", model.PlatformSNES, nil)

	first := make(chan error, 1)
	go func() {
		_, err := h.sched.Submit(h.ctx, Request{SessionID: "fifo1", Label: "a", Multiplier: 1, Message: ref})
		first <- err
	}()
	<-h.engine.Started

	for _, label := range []string{"b", "x", "up", "y"} {
		o, err := h.sched.Submit(h.ctx, Request{SessionID: "fifo1", Label: label, Multiplier: 2, Message: ref})
		if err != nil || o != OutcomeQueued {
			t.Fatalf("submit %s: outcome=%s err=%v", label, o, err)
		}
	}
	if snap := h.sched.Snapshot(); snap["fifo1"].Queued != 4 {
		t.Fatalf("expected 4 queued, got %+v", snap["fifo1"])
	}
	if o, _ := h.sched.Submit(h.ctx, Request{SessionID: "fifo1", Label: "10", Multiplier: 1, Message: ref}); o != OutcomeRejected {
		t.Fatalf("multiplier selection while running should be rejected, got %s", o)
	}

	close(h.engine.Gate)
	if err := <-first; err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if got := h.state(t, "fifo1"); got != "a;b;b;x;x;up;up;y;y;" {
		t.Fatalf("turns applied out of order: %q", got)
	}
	if h.engine.Peak() != 1 {
		t.Fatalf("turns overlapped: peak %d", h.engine.Peak())
	}
	if n := len(h.platform.Sent()); n != 5 {
		t.Fatalf("expected a result per turn, got %d", n)
	}
	if snap := h.sched.Snapshot(); len(snap) != 0 {
		t.Fatalf("session should be idle after draining, got %+v", snap)
	}
}

func TestQueuePolicyBurstNeverOverlaps(t *testing.T) {
	h := newHarness(t, config.PolicyQueue)
	ref := h.seed(t, "burst", model.PlatformGB, nil)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sched.Submit(h.ctx, Request{SessionID: "burst", Label: "a", Multiplier: 1, Message: ref}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if h.engine.Peak() != 1 {
		t.Fatalf("turns overlapped: peak %d", h.engine.Peak())
	}
	if got := h.state(t, "burst"); got != strings.Repeat("a;", 30) {
		t.Fatalf("expected every accepted turn applied once, got %q", got)
	}
	var lastSeq uint64
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	for _, ev := range h.events.events {
		if ev.Kind != EventStarted {
			continue
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("turn %d started after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	h.engine.Gate = make(chan struct{})
	h.engine.Started = make(chan emulator.Request, 64)
	refA := h.seed(t, "sesa1", model.PlatformGB, nil)
	refB := h.seed(t, "sesb1", model.PlatformGB, nil)

	var wg sync.WaitGroup
	for _, r := range []Request{
		{SessionID: "sesa1", Label: "a", Multiplier: 1, Message: refA},
		{SessionID: "sesb1", Label: "b", Multiplier: 1, Message: refB},
	} {
		wg.Add(1)
		go func(r Request) {
			defer wg.Done()
			if _, err := h.sched.Submit(h.ctx, r); err != nil {
				t.Errorf("submit %s: %v", r.SessionID, err)
			}
		}(r)
	}
	<-h.engine.Started
	<-h.engine.Started
	close(h.engine.Gate)
	wg.Wait()
	if h.engine.Peak() != 2 {
		t.Fatalf("expected both sessions in flight at once, peak %d", h.engine.Peak())
	}
}

func TestCreateStartsSessionFromUpload(t *testing.T) {
	h := newHarness(t, config.PolicyReject)

	session, err := h.sched.Create(h.ctx, Upload{Name: "Tetris.GB", Data: []byte("ROMDATA"), GuildID: "g", ChannelID: "chan-9"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.Platform != model.PlatformGB || len(session.ID) != 5 || session.ChannelID != "chan-9" {
		t.Fatalf("unexpected session %+v", session)
	}
	calls := h.engine.Calls()
	if len(calls) != 1 || string(calls[0].ROM) != "ROMDATA" || len(calls[0].State) != 0 || len(calls[0].Events) != 0 {
		t.Fatalf("expected one cold call with empty state and no events, got %+v", calls)
	}
	stored, err := h.sessions.Get(h.ctx, session.ID)
	if err != nil || stored.Game != "Tetris.GB" {
		t.Fatalf("session not stored: %+v err=%v", stored, err)
	}
	rom, err := h.sessions.ROM(h.ctx, session.ID)
	if err != nil || string(rom) != "ROMDATA" {
		t.Fatalf("rom not stored: %q err=%v", rom, err)
	}
	if _, err := h.sessions.Blobs().Read(h.ctx, session.ID, store.KindState); err != nil {
		t.Fatalf("expected state blob after cold start: %v", err)
	}
	sent := h.platform.Sent()
	if len(sent) != 1 || sent[0].ChannelID != "chan-9" || len(sent[0].Message.Files) != 1 {
		t.Fatalf("expected first recording posted, got %+v", sent)
	}
	a, ok := affordance.Parse(sent[0].Message.Rows)
	if !ok || a != model.Idle(session.ID) {
		t.Fatalf("expected idle affordance, got %+v", a)
	}
	if !h.cache.Contains(session.ID) {
		t.Fatalf("expected warm handle after creation")
	}
}

func TestCreateRejectsUnknownFiles(t *testing.T) {
	h := newHarness(t, config.PolicyReject)
	if _, err := h.sched.Create(h.ctx, Upload{Name: "notes.txt", Data: []byte("x"), ChannelID: "c"}); !errors.Is(err, model.ErrUnrecognized) {
		t.Fatalf("expected unrecognized, got %v", err)
	}
	if ids, _ := h.sessions.List(h.ctx); len(ids) != 0 {
		t.Fatalf("no session should be stored, got %v", ids)
	}
}
