package actor

import (
	"sync"
	"time"
)

// Transport moves envelopes between actors. The production transport is a
// straight channel send; tests wrap it to exercise at-least-once delivery
// (drops, delays, duplicates) without touching actor code.
type Transport interface {
	Deliver(to *Ref, env Envelope)
}

// DirectTransport delivers envelopes straight into the destination mailbox.
type DirectTransport struct{}

// Deliver enqueues the envelope, blocking if the mailbox is full so per-pair
// FIFO order is preserved.
func (DirectTransport) Deliver(to *Ref, env Envelope) {
	to.mbox <- env
}

// Fault selects the failure a chaos rule injects.
type Fault int

const (
	// FaultDropRequest discards the message before delivery; the caller
	// observes a timeout and the destination never sees the request.
	FaultDropRequest Fault = iota
	// FaultDropReply delivers the request but discards the reply; the
	// destination applies the mutation while the caller observes a timeout.
	FaultDropReply
	// FaultDuplicate delivers the message twice, simulating at-least-once
	// redelivery by the underlying transport.
	FaultDuplicate
	// FaultDelay holds the message for the rule's Delay before delivering.
	FaultDelay
)

// Rule matches messages headed for a named actor and injects a fault a
// limited number of times.
type Rule struct {
	To    string
	Match func(msg any) bool
	Fault Fault
	Delay time.Duration
	Count int
}

// ChaosTransport wraps another transport with fault-injection rules. It is a
// test harness: production wiring never constructs one.
type ChaosTransport struct {
	next Transport

	mu    sync.Mutex
	rules []*Rule
}

// NewChaosTransport creates a chaos transport over direct delivery.
func NewChaosTransport() *ChaosTransport {
	return &ChaosTransport{next: DirectTransport{}}
}

// Inject adds a rule. A zero Count means the rule fires once.
func (c *ChaosTransport) Inject(rule Rule) {
	if rule.Count <= 0 {
		rule.Count = 1
	}
	c.mu.Lock()
	c.rules = append(c.rules, &rule)
	c.mu.Unlock()
}

func (c *ChaosTransport) take(to *Ref, msg any) *Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rules {
		if r.Count <= 0 || r.To != to.Name() {
			continue
		}
		if r.Match != nil && !r.Match(msg) {
			continue
		}
		r.Count--
		return r
	}
	return nil
}

// Deliver applies at most one matching rule, then hands the envelope to the
// underlying transport.
func (c *ChaosTransport) Deliver(to *Ref, env Envelope) {
	rule := c.take(to, env.Msg)
	if rule == nil {
		c.next.Deliver(to, env)
		return
	}

	switch rule.Fault {
	case FaultDropRequest:
		// Message lost in transit.
	case FaultDropReply:
		muted := Envelope{Msg: env.Msg, reply: make(chan any, 1)}
		c.next.Deliver(to, muted)
	case FaultDuplicate:
		c.next.Deliver(to, env)
		c.next.Deliver(to, env)
	case FaultDelay:
		delayed := env
		time.AfterFunc(rule.Delay, func() {
			c.next.Deliver(to, delayed)
		})
	default:
		c.next.Deliver(to, env)
	}
}
