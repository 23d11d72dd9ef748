// Package bus implements Kennel's inter-component queues and the router
// broadcast bus (spec.md §5). The build/deploy/teardown queues are plain
// bounded channels; the router bus is a small broadcast fan-out with a
// bounded buffer per subscriber, since Go's own channel primitives are
// exactly what spec.md §5 describes and no library improves on them.
package bus

import "sync"

// DeploymentRequest is emitted by the Builder on a successful Build
// (spec.md §4.2 step 8).
type DeploymentRequest struct {
	BuildID string
	Project string
	GitRef  string
}

// TeardownRequest is emitted by Ingress (branch delete / PR close) or by
// the Deployer's sweepers (spec.md §4.3.2).
type TeardownRequest struct {
	DeploymentID string
}

// RouterEvent is published on the router bus by the Deployer on a
// deployment state change (spec.md §4.3.1 step i).
type RouterEvent struct {
	Kind         RouterEventKind
	DeploymentID string
	Project      string
	ServiceName  string
	Branch       string
	BranchSlug   string
	GitRef       string
	Port         int
	Domain       string
	CustomDomain string
	StaticPath   string
	IsStatic     bool
	SPA          bool
	HealthCheck  string
}

type RouterEventKind int

const (
	RouterEventActive RouterEventKind = iota
	RouterEventRemoved
)

// Queues bundles the three work queues. Bounded channels implement the
// "back-pressures the producer" behaviour spec.md §5 calls for: a full
// build queue makes Ingress return 503 rather than block.
type Queues struct {
	BuildIDs  chan string
	Deploys   chan DeploymentRequest
	Teardowns chan TeardownRequest
}

// NewQueues builds the three bounded queues with the given capacities.
func NewQueues(buildCap, deployCap, teardownCap int) *Queues {
	return &Queues{
		BuildIDs:  make(chan string, buildCap),
		Deploys:   make(chan DeploymentRequest, deployCap),
		Teardowns: make(chan TeardownRequest, teardownCap),
	}
}

// TryEnqueueBuild attempts a non-blocking send; it reports false if the
// queue is full or closed, letting Ingress answer 503 (spec.md §4.1 step 5).
func (q *Queues) TryEnqueueBuild(id string) bool {
	defer func() { recover() }() // send on closed channel during shutdown
	select {
	case q.BuildIDs <- id:
		return true
	default:
		return false
	}
}

// TryEnqueueTeardown attempts a non-blocking send; it reports false if the
// queue is full or closed, letting Ingress answer 503 instead of blocking
// the handler goroutine indefinitely (same backpressure treatment as
// TryEnqueueBuild).
func (q *Queues) TryEnqueueTeardown(req TeardownRequest) bool {
	defer func() { recover() }() // send on closed channel during shutdown
	select {
	case q.Teardowns <- req:
		return true
	default:
		return false
	}
}

// RouterBus is a broadcast fan-out of RouterEvents to any number of
// subscribers (the Router keeps exactly one, but the shape supports more).
type RouterBus struct {
	mu   sync.Mutex
	subs []chan RouterEvent
}

func NewRouterBus() *RouterBus { return &RouterBus{} }

// Subscribe returns a buffered channel of events. Buffer overflow drops
// the oldest pending event rather than blocking the Deployer — acceptable
// per spec.md §5 because of the Router's 60s full-reload safety net.
func (b *RouterBus) Subscribe(buffer int) <-chan RouterEvent {
	ch := make(chan RouterEvent, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *RouterBus) Publish(ev RouterEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop oldest, then push, so a slow/idle subscriber doesn't
			// block the publisher; the next 60s reload heals any gap.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
