package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kivu-pay/kivu_pay/internal/actor"
	"github.com/kivu-pay/kivu_pay/internal/events"
	"github.com/kivu-pay/kivu_pay/internal/logic"
	"github.com/kivu-pay/kivu_pay/internal/router"
	"github.com/kivu-pay/kivu_pay/internal/shard"
	"github.com/kivu-pay/kivu_pay/internal/txlog"
)

var (
	// ErrNotAuthorized rejects privileged actions from unprivileged callers.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrValidation marks a malformed request; nothing was admitted or
	// mutated.
	ErrValidation = errors.New("invalid request")
)

// PendingError reports that the orchestrator did not answer within the
// bounded wait. The front door never retries on behalf of the caller: the
// transaction id is handed back for an explicit status query, which resolves
// the ambiguity through reconciliation.
type PendingError struct {
	TxID uint64
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %d pending, reconcile via status query", e.TxID)
}

// Principal describes the caller as established by the transport layer.
type Principal struct {
	Admin bool
}

type transferMsg struct {
	from    string
	to      string
	posting shard.Posting
	idemRef string
}

type mintMsg struct {
	to      string
	posting shard.Posting
	caller  Principal
}

type burnMsg struct {
	from    string
	posting shard.Posting
	caller  Principal
}

type balanceMsg struct {
	owner   string
	tokenID string
}

type statusMsg struct {
	txID uint64
}

type opReply struct {
	result txlog.Result
	err    error
}

type balanceReply struct {
	amount uint64
	err    error
}

// Gateway is the front door actor. It validates and admits external actions,
// assigns monotonically increasing transaction ids, forwards orchestration
// requests to Logic with a bounded wait, and relays terminal results and
// events back out. Id assignment runs on the actor's own goroutine, so the
// counter needs no lock; the waits on Logic run on per-request goroutines so
// the mailbox keeps draining.
type Gateway struct {
	sys         *actor.System
	self        *actor.Ref
	logicRef    *actor.Ref
	router      *router.Router
	shards      []*actor.Ref
	publisher   events.Publisher
	counter     uint64
	callTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
}

// New wires the front door. lastTxID seeds the monotonic counter, typically
// from txlog.Log.LastTxID at boot.
func New(sys *actor.System, rt *router.Router, shards []*actor.Ref, publisher events.Publisher, lastTxID uint64, callTimeout, waitTimeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		sys:         sys,
		router:      rt,
		shards:      shards,
		publisher:   publisher,
		counter:     lastTxID,
		callTimeout: callTimeout,
		waitTimeout: waitTimeout,
		logger:      logger,
	}
}

// Emit publishes a domain event upward. Handed to the orchestrator so
// terminal saga states surface through the front door.
func (g *Gateway) Emit(ctx context.Context, event events.Event) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(ctx, event); err != nil && g.logger != nil {
		g.logger.Warn("event publish failed", slog.Uint64("tx_id", event.TxID), slog.Any("error", err))
	}
}

// AttachLogic connects the orchestrator and spawns the front door actor.
func (g *Gateway) AttachLogic(logicRef *actor.Ref) {
	g.logicRef = logicRef
	g.self = g.sys.Spawn("main", g.handle)
}

func (g *Gateway) handle(env actor.Envelope) {
	switch msg := env.Msg.(type) {
	case transferMsg:
		g.counter++
		rec := txlog.Record{
			TxID:    g.counter,
			Kind:    txlog.KindTransfer,
			From:    msg.from,
			To:      msg.to,
			Lines:   msg.posting.Lines(),
			IdemRef: msg.idemRef,
		}
		go g.forward(env, rec)
	case mintMsg:
		if !msg.caller.Admin {
			env.Reply(opReply{err: ErrNotAuthorized})
			return
		}
		g.counter++
		rec := txlog.Record{
			TxID:  g.counter,
			Kind:  txlog.KindMint,
			To:    msg.to,
			Lines: msg.posting.Lines(),
		}
		go g.forward(env, rec)
	case burnMsg:
		if !msg.caller.Admin {
			env.Reply(opReply{err: ErrNotAuthorized})
			return
		}
		g.counter++
		rec := txlog.Record{
			TxID:  g.counter,
			Kind:  txlog.KindBurn,
			From:  msg.from,
			Lines: msg.posting.Lines(),
		}
		go g.forward(env, rec)
	case balanceMsg:
		go g.readBalance(env, msg)
	case statusMsg:
		go g.forwardStatus(env, msg.txID)
	default:
		if g.logger != nil {
			g.logger.Warn("front door received unknown message")
		}
	}
}

// forward hands the admitted record to Logic and waits a bounded time for the
// terminal result. A timeout becomes an explicit pending reply carrying the
// tx id; the original request is never resent.
func (g *Gateway) forward(env actor.Envelope, rec txlog.Record) {
	reply, err := g.sys.Call(g.logicRef, logic.ExecuteReq{Rec: rec}, g.waitTimeout)
	if errors.Is(err, actor.ErrCallTimeout) {
		env.Reply(opReply{
			result: txlog.Result{TxID: rec.TxID, Status: txlog.StatusUnknown},
			err:    &PendingError{TxID: rec.TxID},
		})
		return
	}
	if err != nil {
		env.Reply(opReply{err: err})
		return
	}
	outcome, ok := reply.(logic.Outcome)
	if !ok {
		env.Reply(opReply{err: fmt.Errorf("unexpected orchestrator reply %T", reply)})
		return
	}
	env.Reply(opReply{result: outcome.Result, err: outcome.Err})
}

func (g *Gateway) forwardStatus(env actor.Envelope, txID uint64) {
	reply, err := g.sys.Call(g.logicRef, logic.ReconcileReq{TxID: txID}, g.waitTimeout)
	if errors.Is(err, actor.ErrCallTimeout) {
		env.Reply(opReply{
			result: txlog.Result{TxID: txID, Status: txlog.StatusUnknown},
			err:    &PendingError{TxID: txID},
		})
		return
	}
	if err != nil {
		env.Reply(opReply{err: err})
		return
	}
	outcome, ok := reply.(logic.Outcome)
	if !ok {
		env.Reply(opReply{err: fmt.Errorf("unexpected orchestrator reply %T", reply)})
		return
	}
	env.Reply(opReply{result: outcome.Result, err: outcome.Err})
}

// readBalance resolves the owner's shard and reads the balance there. Pure
// read: no transaction id is consumed.
func (g *Gateway) readBalance(env actor.Envelope, msg balanceMsg) {
	ctx := context.Background()
	shardID, err := g.router.ShardOf(ctx, msg.owner)
	if err != nil {
		env.Reply(balanceReply{err: err})
		return
	}
	if shardID < 0 || shardID >= len(g.shards) {
		env.Reply(balanceReply{err: fmt.Errorf("shard %d out of range", shardID)})
		return
	}
	reply, err := g.sys.Call(g.shards[shardID], shard.BalanceReq{Owner: msg.owner, TokenID: msg.tokenID}, g.callTimeout)
	if err != nil {
		env.Reply(balanceReply{err: err})
		return
	}
	res, ok := reply.(shard.BalanceResult)
	if !ok {
		env.Reply(balanceReply{err: fmt.Errorf("unexpected shard reply %T", reply)})
		return
	}
	env.Reply(balanceReply{amount: res.Amount})
}

// Transfer admits a transfer action.
func (g *Gateway) Transfer(ctx context.Context, from, to string, posting shard.Posting, idemRef string) (txlog.Result, error) {
	if err := validateParties(from, to); err != nil {
		return txlog.Result{}, err
	}
	if err := validatePosting(posting); err != nil {
		return txlog.Result{}, err
	}
	if idemRef == "" {
		// Callers that skip the reference forfeit replay detection for this
		// request but still get a unique one for the status query path.
		idemRef = uuid.NewString()
	}
	return g.callSelf(transferMsg{from: from, to: to, posting: posting, idemRef: idemRef})
}

// Mint credits freshly issued funds to an owner. Privileged.
func (g *Gateway) Mint(ctx context.Context, caller Principal, to string, posting shard.Posting) (txlog.Result, error) {
	if to == "" {
		return txlog.Result{}, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if err := validatePosting(posting); err != nil {
		return txlog.Result{}, err
	}
	return g.callSelf(mintMsg{to: to, posting: posting, caller: caller})
}

// Burn removes funds from an owner. Privileged.
func (g *Gateway) Burn(ctx context.Context, caller Principal, from string, posting shard.Posting) (txlog.Result, error) {
	if from == "" {
		return txlog.Result{}, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if err := validatePosting(posting); err != nil {
		return txlog.Result{}, err
	}
	return g.callSelf(burnMsg{from: from, posting: posting, caller: caller})
}

// BalanceOf reads an owner's balance for one token id (native when empty).
func (g *Gateway) BalanceOf(ctx context.Context, owner, tokenID string) (uint64, error) {
	if owner == "" {
		return 0, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	reply, err := g.sys.Call(g.self, balanceMsg{owner: owner, tokenID: tokenID}, g.waitTimeout)
	if err != nil {
		return 0, err
	}
	res, ok := reply.(balanceReply)
	if !ok {
		return 0, fmt.Errorf("unexpected front door reply %T", reply)
	}
	return res.amount, res.err
}

// Status returns the current state of a transaction, reconciling an
// ambiguous one along the way.
func (g *Gateway) Status(ctx context.Context, txID uint64) (txlog.Result, error) {
	if txID == 0 {
		return txlog.Result{}, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	return g.callSelf(statusMsg{txID: txID})
}

func (g *Gateway) callSelf(msg any) (txlog.Result, error) {
	reply, err := g.sys.Call(g.self, msg, g.waitTimeout+g.callTimeout)
	if err != nil {
		return txlog.Result{}, err
	}
	res, ok := reply.(opReply)
	if !ok {
		return txlog.Result{}, fmt.Errorf("unexpected front door reply %T", reply)
	}
	return res.result, res.err
}

func validateParties(from, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: payer and payee are required", ErrValidation)
	}
	if from == to {
		return fmt.Errorf("%w: payer and payee must differ", ErrValidation)
	}
	return nil
}

func validatePosting(posting shard.Posting) error {
	if posting == nil {
		return fmt.Errorf("%w: posting is required", ErrValidation)
	}
	lines := posting.Lines()
	if len(lines) == 0 {
		return fmt.Errorf("%w: posting moves nothing", ErrValidation)
	}
	total := uint64(0)
	for _, l := range lines {
		if l.TokenID == "" {
			return fmt.Errorf("%w: token id is required", ErrValidation)
		}
		total += l.Amount
	}
	if total == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return nil
}
