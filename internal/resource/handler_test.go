package resource

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/danmuck/fencectl/internal/testutil/testlog"
)

type recordedRemoval struct {
	ID      ID
	Message string
}

type recordingListener struct {
	mu    sync.Mutex
	calls []recordedRemoval
}

func (l *recordingListener) ResourceRemoved(id ID, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, recordedRemoval{ID: id, Message: message})
}

func (l *recordingListener) snapshot() []recordedRemoval {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]recordedRemoval, len(l.calls))
	copy(out, l.calls)
	return out
}

func newLive(ids ...ID) *LiveSet {
	live := NewLiveSet(testclock.NewClock(time.Unix(1760000000, 0)))
	for _, id := range ids {
		live.Add(id)
	}
	return live
}

func TestApplyIsIdempotent(t *testing.T) {
	testlog.Start(t)

	listener := &recordingListener{}
	live := newLive("c-123", "c-456")
	h := NewRemovalHandler("coord.test", live, listener)

	if got := h.Apply("c-123", "container exited"); got != OutcomeRemoved {
		t.Fatalf("first apply: got %q", got)
	}
	once := live.IDs()

	if got := h.Apply("c-123", "container exited"); got != OutcomeAlreadyAbsent {
		t.Fatalf("second apply: got %q", got)
	}
	if twice := live.IDs(); !reflect.DeepEqual(once, twice) {
		t.Fatalf("live set changed on second apply: %v -> %v", once, twice)
	}

	calls := listener.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one downstream call, got %d", len(calls))
	}
	if calls[0] != (recordedRemoval{ID: "c-123", Message: "container exited"}) {
		t.Fatalf("unexpected downstream call: %+v", calls[0])
	}
}

func TestApplyOrderIndependentAcrossResources(t *testing.T) {
	testlog.Start(t)

	ab := newLive("a", "b", "c")
	NewRemovalHandler("coord.ab", ab, nil).Apply("a", "")
	NewRemovalHandler("coord.ab", ab, nil).Apply("b", "")

	ba := newLive("a", "b", "c")
	NewRemovalHandler("coord.ba", ba, nil).Apply("b", "")
	NewRemovalHandler("coord.ba", ba, nil).Apply("a", "")

	if !reflect.DeepEqual(ab.IDs(), ba.IDs()) {
		t.Fatalf("order dependent result: %v vs %v", ab.IDs(), ba.IDs())
	}
	if !reflect.DeepEqual(ab.IDs(), []ID{"c"}) {
		t.Fatalf("unexpected remaining set: %v", ab.IDs())
	}
}

func TestApplyConcurrentSameResourceRemovesOnce(t *testing.T) {
	testlog.Start(t)

	var downstream atomic.Int64
	live := newLive("c-1")
	h := NewRemovalHandler("coord.race", live, HealthListenerFunc(func(ID, string) {
		downstream.Add(1)
	}))

	var removed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Apply("c-1", "retry") == OutcomeRemoved {
				removed.Add(1)
			}
		}()
	}
	wg.Wait()

	if removed.Load() != 1 || downstream.Load() != 1 {
		t.Fatalf("expected exactly one removal, got removed=%d downstream=%d", removed.Load(), downstream.Load())
	}
	if live.Contains("c-1") {
		t.Fatalf("resource should be absent")
	}
}

func TestRegisterAddsOnce(t *testing.T) {
	testlog.Start(t)

	live := newLive()
	h := NewRemovalHandler("coord.reg", live, nil)
	if !h.Register("c-9") {
		t.Fatalf("expected first register to add")
	}
	if h.Register("c-9") {
		t.Fatalf("expected second register to be a no-op")
	}
	if h.Register("  ") {
		t.Fatalf("blank id must not be registered")
	}
	if live.Len() != 1 {
		t.Fatalf("unexpected live count %d", live.Len())
	}
}

type registrationRecorder struct {
	recordingListener
	registered []ID
}

func (l *registrationRecorder) ResourceRegistered(id ID) {
	l.registered = append(l.registered, id)
}

func TestRegisterNotifiesRegistrationListener(t *testing.T) {
	testlog.Start(t)

	listener := &registrationRecorder{}
	h := NewRemovalHandler("coord.reg", newLive(), listener)
	h.Register("c-9")
	h.Register("c-9")
	h.Apply("c-9", "oom")
	h.Register("c-9")

	want := []ID{"c-9", "c-9"}
	if !reflect.DeepEqual(listener.registered, want) {
		t.Fatalf("registered=%v want %v", listener.registered, want)
	}

	// a plain HealthListener is never asked about registrations
	plain := NewRemovalHandler("coord.plain", newLive(), &recordingListener{})
	if !plain.Register("c-1") {
		t.Fatalf("expected register to add")
	}
}

func TestLiveSetSnapshotUsesClock(t *testing.T) {
	now := time.Unix(1760000000, 0)
	clk := testclock.NewClock(now)
	live := NewLiveSet(clk)
	live.Add("b")
	clk.Advance(time.Second)
	live.Add("a")

	snap := live.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
	if !snap[1].AddedAt.Equal(now) || !snap[0].AddedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected timestamps: %+v", snap)
	}
	if _, ok := live.Remove("missing"); ok {
		t.Fatalf("remove of missing id should report false")
	}
}

func TestParseID(t *testing.T) {
	if id, ok := ParseID("  c-123 "); !ok || id != "c-123" {
		t.Fatalf("unexpected parse: %q %v", id, ok)
	}
	if _, ok := ParseID("   "); ok {
		t.Fatalf("blank id should not parse")
	}
}
