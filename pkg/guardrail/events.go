package guardrail

import (
	"sync"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/telemetry"
)

// EventType classifies engine events.
type EventType string

const (
	EventDecisionAllowed EventType = "decision.allowed"
	EventDecisionDenied  EventType = "decision.denied"
	// EventDryRunDenied fires when a DRY_RUN rule would have denied.
	EventDryRunDenied EventType = "dry_run.denied"
	// EventRuleError fires when a rule evaluation fails, whichever error
	// mode then resolves it.
	EventRuleError EventType = "rule.error"
)

// Event is one engine occurrence. Decision is set on decision events;
// Rule, Reason and Err on rule events.
type Event struct {
	Type     EventType
	Decision *domain.Decision
	Rule     string
	Reason   *domain.Reason
	Err      error
	At       time.Time
}

const defaultEventBuffer = 64

// eventBus fans events out to subscribers. Delivery is best effort: a full
// subscriber channel drops the event and counts the drop rather than
// blocking evaluation.
type eventBus struct {
	metrics *telemetry.Metrics

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEventBus(metrics *telemetry.Metrics) *eventBus {
	return &eventBus{metrics: metrics, subs: make(map[int]chan Event)}
}

// subscribe registers a listener. buffer <= 0 selects the default depth.
// The cancel function is idempotent and closes the returned channel.
func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if live, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(live)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			b.metrics.RecordEventPublished(string(ev.Type))
		default:
			b.metrics.RecordEventDropped()
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
