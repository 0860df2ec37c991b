package broadcast

import (
	"testing"
)

func TestPublishReachesMatchingObservers(t *testing.T) {
	h := NewHub()
	var got []EventType
	h.Subscribe("obs-1", Filter{}, func(evt Event) { got = append(got, evt.Type) })
	h.Subscribe("obs-2", Filter{EntityID: "feed-3"}, func(evt Event) { got = append(got, "scoped:"+evt.Type) })

	h.Publish(Event{Type: StageMoved, EntityKind: "item", EntityID: "feed-3"})
	h.Publish(Event{Type: TaskUpdated, EntityKind: "task", EntityID: "t1"})

	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", got)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	h := NewHub()
	n := 0
	f := Filter{EntityID: "brief-7"}
	h.Subscribe("obs", f, func(Event) { n++ })
	h.Subscribe("obs", f, func(Event) { n += 100 })
	h.Publish(Event{Type: BriefFrozen, EntityKind: "brief", EntityID: "brief-7"})
	if n != 1 {
		t.Fatalf("duplicate subscribe must be a no-op, n=%d", n)
	}
}

func TestOneDeliveryPerObserver(t *testing.T) {
	h := NewHub()
	n := 0
	h.Subscribe("obs", Filter{}, func(Event) { n++ })
	h.Subscribe("obs", Filter{EntityID: "e"}, func(Event) { n++ })
	h.Publish(Event{Type: SessionUpdated, EntityKind: "session", EntityID: "e"})
	if n != 1 {
		t.Fatalf("observer with overlapping filters must get one delivery, n=%d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub()
	n := 0
	f := Filter{EntityID: "t1"}
	h.Subscribe("obs", f, func(Event) { n++ })
	h.Unsubscribe("obs", f)
	h.Publish(Event{Type: TaskProgress, EntityKind: "task", EntityID: "t1"})
	if n != 0 {
		t.Fatalf("unsubscribed observer received event")
	}
	if h.Observers() != 0 {
		t.Fatalf("observer registry not emptied")
	}
}

func TestPanickingObserverIsolated(t *testing.T) {
	h := NewHub()
	h.logf = func(string, ...any) {}
	ok := false
	h.Subscribe("bad", Filter{}, func(Event) { panic("boom") })
	h.Subscribe("good", Filter{}, func(Event) { ok = true })
	h.Publish(Event{Type: StageMoved, EntityKind: "item", EntityID: "x"})
	if !ok {
		t.Fatal("panic in one observer must not stop delivery to others")
	}
}
