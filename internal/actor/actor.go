package actor

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCallTimeout is returned when a request/reply call exceeds its bounded wait.
// The remote actor may or may not have processed the request; callers must
// reconcile through an idempotent probe rather than resend the mutation.
var ErrCallTimeout = errors.New("actor call timed out")

const mailboxSize = 64

// Envelope pairs a message with the channel its reply travels back on.
type Envelope struct {
	Msg   any
	reply chan any
}

// Reply delivers the handler's response. Replies are best-effort: if the
// caller already timed out, or a duplicate delivery raced the original, the
// value is dropped on the floor.
func (e Envelope) Reply(v any) {
	if e.reply == nil {
		return
	}
	select {
	case e.reply <- v:
	default:
	}
}

// Handler processes one envelope. It runs on the actor's own goroutine; state
// owned by the actor may be touched without locks. A handler that needs to
// wait on another actor must hand the continuation to a new goroutine so the
// mailbox keeps draining (see logic.Orchestrator).
type Handler func(env Envelope)

// Ref is the addressable handle of a spawned actor.
type Ref struct {
	name string
	mbox chan Envelope
}

// Name returns the actor's registered name.
func (r *Ref) Name() string { return r.name }

// System owns a set of actors and the transport that carries their messages.
// Delivery between a fixed pair of actors is FIFO; there is no ordering
// guarantee across pairs.
type System struct {
	transport Transport
	logger    *slog.Logger

	mu   sync.Mutex
	refs []*Ref
	wg   sync.WaitGroup
}

// NewSystem creates an actor system using the given transport. A nil
// transport means direct in-process delivery.
func NewSystem(transport Transport, logger *slog.Logger) *System {
	if transport == nil {
		transport = DirectTransport{}
	}
	return &System{transport: transport, logger: logger}
}

// Spawn starts an actor goroutine draining a fresh mailbox through handle.
func (s *System) Spawn(name string, handle Handler) *Ref {
	ref := &Ref{name: name, mbox: make(chan Envelope, mailboxSize)}

	s.mu.Lock()
	s.refs = append(s.refs, ref)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for env := range ref.mbox {
			handle(env)
		}
	}()

	return ref
}

// Call sends msg to the destination actor and waits up to timeout for a
// reply. There is no cancellation of the in-flight request: on timeout the
// message may still be delivered and processed.
func (s *System) Call(to *Ref, msg any, timeout time.Duration) (any, error) {
	env := Envelope{Msg: msg, reply: make(chan any, 1)}
	s.transport.Deliver(to, env)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-env.reply:
		return v, nil
	case <-timer.C:
		if s.logger != nil {
			s.logger.Warn("actor call timed out", slog.String("to", to.Name()))
		}
		return nil, ErrCallTimeout
	}
}

// Send delivers msg without waiting for a reply.
func (s *System) Send(to *Ref, msg any) {
	s.transport.Deliver(to, Envelope{Msg: msg})
}

// Stop closes every mailbox and waits for the actors to drain.
func (s *System) Stop() {
	s.mu.Lock()
	refs := s.refs
	s.refs = nil
	s.mu.Unlock()

	for _, ref := range refs {
		close(ref.mbox)
	}
	s.wg.Wait()
}
