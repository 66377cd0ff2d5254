package event

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/laprincesa/almabot/internal/logging"
)

// recorder collects the labels of delivered events in order.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) handler(label string) Handler {
	return func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, label+":"+e.EventType())
	}
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

func TestBus_DeliversTypedEvent(t *testing.T) {
	bus := NewBus()

	var got StateChangedEvent
	id := bus.Subscribe(TypeStateChanged, func(e Event) {
		got = e.(StateChangedEvent)
	})
	if id == "" {
		t.Fatal("Subscribe returned an empty ID")
	}

	bus.Publish(NewStateChangedEvent("IDLE", "INITIALIZING", 1))

	if got.From != "IDLE" || got.To != "INITIALIZING" || got.Generation != 1 {
		t.Errorf("delivered %+v", got)
	}
	if got.Timestamp().IsZero() {
		t.Error("event has no timestamp")
	}
}

func TestBus_Routing(t *testing.T) {
	var rec recorder
	bus := NewBus()
	bus.SubscribeAll(rec.handler("all"))
	bus.Subscribe(TypeLockLost, rec.handler("lock"))
	bus.Subscribe(TypeDisconnected, rec.handler("disc1"))
	bus.Subscribe(TypeDisconnected, rec.handler("disc2"))

	bus.Publish(NewDisconnectedEvent(2, "LOGOUT", true))
	bus.Publish(NewConnectedEvent(3))

	want := []string{
		"disc1:" + TypeDisconnected,
		"disc2:" + TypeDisconnected,
		"all:" + TypeDisconnected,
		"all:" + TypeConnected,
	}
	if got := rec.calls(); !slices.Equal(got, want) {
		t.Errorf("delivery order\n got %v\nwant %v", got, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	var rec recorder
	bus := NewBus()
	first := bus.Subscribe(TypePairingIssued, rec.handler("first"))
	bus.Subscribe(TypePairingIssued, rec.handler("second"))

	if !bus.Unsubscribe(first) {
		t.Error("Unsubscribe of a live ID returned false")
	}
	if bus.Unsubscribe(first) {
		t.Error("Unsubscribe of a removed ID returned true")
	}

	bus.Publish(NewPairingIssuedEvent(1, "2@abc", []byte{0x89}))

	if got := rec.calls(); !slices.Equal(got, []string{"second:" + TypePairingIssued}) {
		t.Errorf("calls = %v", got)
	}
}

func TestBus_HandlerMaySubscribe(t *testing.T) {
	bus := NewBus()

	var late atomic.Int32
	bus.Subscribe(TypeConnected, func(Event) {
		bus.Subscribe(TypeConnected, func(Event) { late.Add(1) })
	})

	bus.Publish(NewConnectedEvent(1))
	if late.Load() != 0 {
		t.Error("listener added during delivery saw the same event")
	}
	bus.Publish(NewConnectedEvent(2))
	if late.Load() != 1 {
		t.Errorf("late listener calls = %d, want 1", late.Load())
	}
}

func TestBus_SubscriptionCount(t *testing.T) {
	bus := NewBus()
	ids := []string{
		bus.Subscribe(TypeConnected, func(Event) {}),
		bus.Subscribe(TypeInitFailed, func(Event) {}),
		bus.SubscribeAll(func(Event) {}),
	}

	if n := bus.SubscriptionCount(); n != 3 {
		t.Fatalf("SubscriptionCount = %d, want 3", n)
	}
	for _, id := range ids {
		bus.Unsubscribe(id)
	}
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount after detaching all = %d", n)
	}
	bus.Publish(NewConnectedEvent(1))
}

func TestBus_PanickingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: logging.LevelDebug, Writer: &buf})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	bus := NewBus(WithLogger(logger))

	var rec recorder
	bus.Subscribe(TypeSessionWiped, func(Event) { panic("boom") })
	bus.Subscribe(TypeSessionWiped, rec.handler("after"))

	bus.Publish(NewSessionWipedEvent("/tmp/session", nil))

	if len(rec.calls()) != 1 {
		t.Error("handler after the panicking one was skipped")
	}
	out := buf.String()
	if !strings.Contains(out, "event handler panicked") || !strings.Contains(out, TypeSessionWiped) {
		t.Errorf("panic not logged: %s", out)
	}
}

func TestBus_Concurrency(t *testing.T) {
	bus := NewBus()

	var delivered atomic.Int64
	bus.Subscribe(TypeConnected, func(Event) { delivered.Add(1) })

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Go(func() { bus.Publish(NewConnectedEvent(uint64(i))) })
		wg.Go(func() {
			id := bus.Subscribe(TypeLockLost, func(Event) {})
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()

	if delivered.Load() != 100 {
		t.Errorf("delivered %d events, want 100", delivered.Load())
	}
	if n := bus.SubscriptionCount(); n != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", n)
	}
}

func TestBus_IDsAreUnique(t *testing.T) {
	bus := NewBus()
	seen := make(map[string]bool)
	for range 100 {
		id := bus.SubscribeAll(func(Event) {})
		if seen[id] {
			t.Fatalf("duplicate ID %s", id)
		}
		seen[id] = true
	}
}

func TestEventTypes(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		event Event
		want  string
	}{
		{NewStateChangedEvent("A", "B", 1), TypeStateChanged},
		{NewPairingIssuedEvent(1, "raw", nil), TypePairingIssued},
		{NewConnectedEvent(1), TypeConnected},
		{NewDisconnectedEvent(1, "NAVIGATION", false), TypeDisconnected},
		{NewInitFailedEvent(1, cause), TypeInitFailed},
		{NewSessionWipedEvent("/dir", cause), TypeSessionWiped},
		{NewLockLostEvent("/dir/.lock"), TypeLockLost},
	}
	for _, tt := range tests {
		if got := tt.event.EventType(); got != tt.want {
			t.Errorf("EventType() = %q, want %q", got, tt.want)
		}
	}
}
