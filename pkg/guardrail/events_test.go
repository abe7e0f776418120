package guardrail

import (
	"testing"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/telemetry"
)

func newBusForTest() *eventBus {
	return newEventBus(telemetry.NewMetrics())
}

func TestEventBusFansOut(t *testing.T) {
	bus := newBusForTest()
	defer bus.close()

	first, cancelFirst := bus.subscribe(4)
	defer cancelFirst()
	second, cancelSecond := bus.subscribe(4)
	defer cancelSecond()

	bus.publish(Event{Type: EventDecisionDenied, Rule: "limit", At: time.Unix(1700000000, 0)})

	for name, ch := range map[string]<-chan Event{"first": first, "second": second} {
		select {
		case ev := <-ch:
			if ev.Type != EventDecisionDenied || ev.Rule != "limit" {
				t.Errorf("%s subscriber got %+v", name, ev)
			}
		default:
			t.Errorf("%s subscriber got nothing", name)
		}
	}
}

func TestEventBusDropsWhenSubscriberLags(t *testing.T) {
	bus := newBusForTest()
	defer bus.close()

	ch, cancel := bus.subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.publish(Event{Type: EventDecisionAllowed})
		bus.publish(Event{Type: EventDecisionDenied}) // buffer full, must not block
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if len(ch) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(ch))
	}
	if ev := <-ch; ev.Type != EventDecisionAllowed {
		t.Errorf("kept event = %s, want the first one", ev.Type)
	}
}

func TestEventBusCancelStopsDelivery(t *testing.T) {
	bus := newBusForTest()
	defer bus.close()

	ch, cancel := bus.subscribe(4)
	cancel()
	cancel() // second call is a no-op

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	bus.publish(Event{Type: EventDecisionAllowed}) // must not panic on the closed channel
}

func TestEventBusSubscribeAfterClose(t *testing.T) {
	bus := newBusForTest()
	bus.close()
	bus.close() // idempotent

	ch, cancel := bus.subscribe(4)
	cancel()

	if _, open := <-ch; open {
		t.Error("post-close subscription delivered an event")
	}
	bus.publish(Event{Type: EventDecisionAllowed}) // dropped silently
}

func TestEventBusCloseClosesSubscribers(t *testing.T) {
	bus := newBusForTest()
	ch, _ := bus.subscribe(2)

	bus.publish(Event{Type: EventDecisionAllowed})
	bus.close()

	// The buffered event is still readable, then the channel reports closed.
	if ev, open := <-ch; !open || ev.Type != EventDecisionAllowed {
		t.Errorf("first read = (%v, %v)", ev.Type, open)
	}
	if _, open := <-ch; open {
		t.Error("channel not closed after bus close")
	}
}
