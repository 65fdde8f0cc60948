package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kivu-pay/kivu_pay/internal/actor"
	"github.com/kivu-pay/kivu_pay/internal/events"
	"github.com/kivu-pay/kivu_pay/internal/router"
	"github.com/kivu-pay/kivu_pay/internal/shard"
	"github.com/kivu-pay/kivu_pay/internal/txlog"
)

var (
	// ErrInsufficientBalance occurs when the payer cannot cover the posting.
	// Nothing was mutated, so no compensation is needed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrProtocolInvariant indicates a shard reported AlreadyApplied for a
	// step this orchestrator never issued. Fatal for the single transaction
	// only; unrelated transactions are unaffected.
	ErrProtocolInvariant = errors.New("protocol invariant violation")
)

const (
	reasonInsufficientBalance = "insufficient balance"
	reasonCreditUndone        = "credit failed, debit compensated"
	reasonDebitLost           = "debit never applied"
	reasonCreditLost          = "credit never applied"
)

// ExecuteReq asks the orchestrator to run a transaction saga. The record must
// carry the tx id assigned by the front door.
type ExecuteReq struct {
	Rec txlog.Record
}

// ReconcileReq asks the orchestrator to resolve a possibly in-flight
// transaction by probing shard state, never by blind retry of a mutation.
type ReconcileReq struct {
	TxID uint64
}

// Outcome is the orchestrator's reply. Err is set for business rejections and
// internal inconsistencies; a non-terminal Result status means the
// transaction is still ambiguous and needs a later reconciliation.
type Outcome struct {
	Result txlog.Result
	Err    error
}

// Orchestrator executes the multi-shard transfer saga:
//
//	Initiated → DebitSent → DebitConfirmed → CreditSent → Committed
//	DebitSent → Aborted                    (no funds moved)
//	CreditSent → Compensating → CompensatedAborted (debit reverted)
//
// Every step result is written to the transaction log before it is acted on,
// so a restart resumes from the last durable step. Each saga runs on its own
// goroutine; the orchestrator's mailbox keeps draining while sagas wait on
// shard replies, so independent transactions interleave freely. All durable
// state lives in the transaction log, which carries its own synchronization.
type Orchestrator struct {
	sys         *actor.System
	log         txlog.Log
	router      *router.Router
	shards      []*actor.Ref
	emit        func(ctx context.Context, event events.Event)
	callTimeout time.Duration
	logger      *slog.Logger
}

// New wires an orchestrator. emit relays terminal-state events upward through
// the front door; it may be nil.
func New(sys *actor.System, log txlog.Log, rt *router.Router, shards []*actor.Ref, emit func(ctx context.Context, event events.Event), callTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sys:         sys,
		log:         log,
		router:      rt,
		shards:      shards,
		emit:        emit,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Start spawns the orchestrator actor and returns its ref.
func (o *Orchestrator) Start() *actor.Ref {
	return o.sys.Spawn("logic", func(env actor.Envelope) {
		switch msg := env.Msg.(type) {
		case ExecuteReq:
			go o.execute(env, msg.Rec)
		case ReconcileReq:
			go o.reconcile(env, msg.TxID)
		default:
			if o.logger != nil {
				o.logger.Warn("orchestrator received unknown message")
			}
		}
	})
}

func (o *Orchestrator) execute(env actor.Envelope, rec txlog.Record) {
	ctx := context.Background()

	// Idempotence: a resubmitted reference returns the cached result without
	// re-executing. An in-flight duplicate returns the current status.
	if rec.IdemRef != "" {
		if prev, err := o.log.FindByIdemRef(ctx, rec.Kind, rec.IdemRef); err == nil {
			env.Reply(Outcome{Result: prev.Result()})
			return
		} else if !errors.Is(err, txlog.ErrNotFound) {
			env.Reply(Outcome{Err: err})
			return
		}
	}

	// Write-ahead: the record is durable before any cross-shard call.
	if err := o.log.Begin(ctx, rec); err != nil {
		if errors.Is(err, txlog.ErrDuplicateTransaction) {
			if prev, ferr := o.log.FindByIdemRef(ctx, rec.Kind, rec.IdemRef); ferr == nil {
				env.Reply(Outcome{Result: prev.Result()})
				return
			}
		}
		env.Reply(Outcome{Err: err})
		return
	}
	rec.Status = txlog.StatusInitiated

	outcome := o.run(ctx, rec, false)
	env.Reply(outcome)
	o.emitTerminal(ctx, rec, outcome.Result)
}

func (o *Orchestrator) reconcile(env actor.Envelope, txID uint64) {
	ctx := context.Background()

	rec, err := o.log.Get(ctx, txID)
	if err != nil {
		env.Reply(Outcome{Err: err})
		return
	}
	if rec.Status.Terminal() {
		env.Reply(Outcome{Result: rec.Result()})
		return
	}

	outcome := o.resume(ctx, rec)
	env.Reply(outcome)
	o.emitTerminal(ctx, rec, outcome.Result)
}

// run drives a transaction forward from its current durable status.
// tolerateApplied marks a resumed execution, where AlreadyApplied replies are
// expected echoes of work the shard already accepted.
func (o *Orchestrator) run(ctx context.Context, rec txlog.Record, tolerateApplied bool) Outcome {
	switch rec.Kind {
	case txlog.KindTransfer:
		return o.transfer(ctx, rec, tolerateApplied)
	case txlog.KindMint:
		return o.mint(ctx, rec, tolerateApplied)
	case txlog.KindBurn:
		return o.burn(ctx, rec, tolerateApplied)
	default:
		return o.fail(ctx, rec.TxID, fmt.Errorf("unknown transaction kind %q", rec.Kind))
	}
}

func (o *Orchestrator) transfer(ctx context.Context, rec txlog.Record, tolerateApplied bool) Outcome {
	posting := shard.PostingFromLines(rec.Lines)

	srcID, err := o.router.ShardOf(ctx, rec.From)
	if err != nil {
		return o.fail(ctx, rec.TxID, err)
	}
	dstID, err := o.router.ShardOf(ctx, rec.To)
	if err != nil {
		return o.fail(ctx, rec.TxID, err)
	}

	if srcID == dstID {
		return o.localMove(ctx, rec, posting, srcID, tolerateApplied)
	}

	// Debit leg.
	if err := o.log.SetStatus(ctx, rec.TxID, txlog.StatusDebitSent); err != nil {
		return o.fail(ctx, rec.TxID, err)
	}
	res, err := o.callShard(srcID, shard.DebitReq{Owner: rec.From, Posting: posting, TxID: rec.TxID})
	switch {
	case errors.Is(err, actor.ErrCallTimeout):
		applied, perr := o.probeStage(srcID, rec.TxID, shard.StageDebit)
		if perr != nil {
			return o.unknown(ctx, rec.TxID)
		}
		if !applied {
			// Message or shard lost before the debit landed; nothing moved.
			return o.finalize(ctx, rec.TxID, txlog.StatusAborted, reasonDebitLost, nil)
		}
	case err != nil:
		return o.fail(ctx, rec.TxID, err)
	case res.Code == shard.InsufficientBalance:
		return o.finalize(ctx, rec.TxID, txlog.StatusAborted, reasonInsufficientBalance, ErrInsufficientBalance)
	case res.Code == shard.AlreadyApplied && !tolerateApplied:
		return o.invariant(ctx, rec.TxID, "debit")
	}

	if err := o.log.SetStatus(ctx, rec.TxID, txlog.StatusDebitConfirmed); err != nil {
		return o.fail(ctx, rec.TxID, err)
	}

	return o.creditLeg(ctx, rec, posting, srcID, dstID, tolerateApplied)
}

// creditLeg issues the forward credit and, on destination failure,
// compensates the already-applied debit.
func (o *Orchestrator) creditLeg(ctx context.Context, rec txlog.Record, posting shard.Posting, srcID, dstID int, tolerateApplied bool) Outcome {
	if err := o.log.SetStatus(ctx, rec.TxID, txlog.StatusCreditSent); err != nil {
		return o.fail(ctx, rec.TxID, err)
	}
	res, err := o.callShard(dstID, shard.CreditReq{Owner: rec.To, Posting: posting, TxID: rec.TxID, Stage: shard.StageCredit})
	switch {
	case errors.Is(err, actor.ErrCallTimeout):
		applied, perr := o.probeStage(dstID, rec.TxID, shard.StageCredit)
		if perr != nil {
			return o.unknown(ctx, rec.TxID)
		}
		if applied {
			return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
		}
		return o.compensate(ctx, rec, posting, srcID)
	case err != nil:
		return o.compensate(ctx, rec, posting, srcID)
	case res.Code == shard.AlreadyApplied && !tolerateApplied:
		return o.invariant(ctx, rec.TxID, "credit")
	case res.Code != shard.Ok && res.Code != shard.AlreadyApplied:
		return o.compensate(ctx, rec, posting, srcID)
	}

	return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
}

// compensate reverts a confirmed debit with a credit back to the payer. The
// compensating credit carries the original tx id under its own stage, so the
// shard's applied record keeps it distinct from the forward credit and safe
// to re-issue.
func (o *Orchestrator) compensate(ctx context.Context, rec txlog.Record, posting shard.Posting, srcID int) Outcome {
	if err := o.log.SetStatus(ctx, rec.TxID, txlog.StatusCompensating); err != nil {
		return o.fail(ctx, rec.TxID, err)
	}

	res, err := o.callShard(srcID, shard.CreditReq{Owner: rec.From, Posting: posting, TxID: rec.TxID, Stage: shard.StageCompensate})
	if errors.Is(err, actor.ErrCallTimeout) {
		// Status stays Compensating; reconciliation re-issues the credit,
		// which the stage-keyed applied record makes idempotent.
		rec2, gerr := o.log.Get(ctx, rec.TxID)
		if gerr != nil {
			return Outcome{Err: gerr}
		}
		return Outcome{Result: rec2.Result()}
	}
	if err != nil {
		return o.fail(ctx, rec.TxID, err)
	}
	if res.Code != shard.Ok && res.Code != shard.AlreadyApplied {
		return o.fail(ctx, rec.TxID, fmt.Errorf("compensating credit rejected with code %d", res.Code))
	}
	return o.finalize(ctx, rec.TxID, txlog.StatusCompensatedAborted, reasonCreditUndone, nil)
}

func (o *Orchestrator) localMove(ctx context.Context, rec txlog.Record, posting shard.Posting, shardID int, tolerateApplied bool) Outcome {
	// Same-shard fast path: a single atomic debit+credit, still carrying the
	// tx id so the shard rejects replays.
	if err := o.log.SetStatus(ctx, rec.TxID, txlog.StatusDebitSent); err != nil {
		return o.fail(ctx, rec.TxID, err)
	}
	res, err := o.callShard(shardID, shard.MoveReq{From: rec.From, To: rec.To, Posting: posting, TxID: rec.TxID})
	switch {
	case errors.Is(err, actor.ErrCallTimeout):
		applied, perr := o.probeStage(shardID, rec.TxID, shard.StageMove)
		if perr != nil {
			return o.unknown(ctx, rec.TxID)
		}
		if !applied {
			return o.finalize(ctx, rec.TxID, txlog.StatusAborted, reasonDebitLost, nil)
		}
	case err != nil:
		return o.fail(ctx, rec.TxID, err)
	case res.Code == shard.InsufficientBalance:
		return o.finalize(ctx, rec.TxID, txlog.StatusAborted, reasonInsufficientBalance, ErrInsufficientBalance)
	case res.Code == shard.AlreadyApplied && !tolerateApplied:
		return o.invariant(ctx, rec.TxID, "move")
	}
	return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
}

func (o *Orchestrator) mint(ctx context.Context, rec txlog.Record, tolerateApplied bool) Outcome {
	posting := shard.PostingFromLines(rec.Lines)
	dstID, err := o.router.ShardOf(ctx, rec.To)
	if err != nil {
		return o.fail(ctx, rec.TxID, err)
	}

	if err := o.log.SetStatus(ctx, rec.TxID, txlog.StatusCreditSent); err != nil {
		return o.fail(ctx, rec.TxID, err)
	}
	res, err := o.callShard(dstID, shard.CreditReq{Owner: rec.To, Posting: posting, TxID: rec.TxID, Stage: shard.StageCredit})
	switch {
	case errors.Is(err, actor.ErrCallTimeout):
		applied, perr := o.probeStage(dstID, rec.TxID, shard.StageCredit)
		if perr != nil {
			return o.unknown(ctx, rec.TxID)
		}
		if !applied {
			return o.finalize(ctx, rec.TxID, txlog.StatusAborted, reasonCreditLost, nil)
		}
	case err != nil:
		return o.fail(ctx, rec.TxID, err)
	case res.Code == shard.AlreadyApplied && !tolerateApplied:
		return o.invariant(ctx, rec.TxID, "mint credit")
	}
	return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
}

func (o *Orchestrator) burn(ctx context.Context, rec txlog.Record, tolerateApplied bool) Outcome {
	posting := shard.PostingFromLines(rec.Lines)
	srcID, err := o.router.ShardOf(ctx, rec.From)
	if err != nil {
		return o.fail(ctx, rec.TxID, err)
	}

	if err := o.log.SetStatus(ctx, rec.TxID, txlog.StatusDebitSent); err != nil {
		return o.fail(ctx, rec.TxID, err)
	}
	res, err := o.callShard(srcID, shard.DebitReq{Owner: rec.From, Posting: posting, TxID: rec.TxID})
	switch {
	case errors.Is(err, actor.ErrCallTimeout):
		applied, perr := o.probeStage(srcID, rec.TxID, shard.StageDebit)
		if perr != nil {
			return o.unknown(ctx, rec.TxID)
		}
		if !applied {
			return o.finalize(ctx, rec.TxID, txlog.StatusAborted, reasonDebitLost, nil)
		}
	case err != nil:
		return o.fail(ctx, rec.TxID, err)
	case res.Code == shard.InsufficientBalance:
		return o.finalize(ctx, rec.TxID, txlog.StatusAborted, reasonInsufficientBalance, ErrInsufficientBalance)
	case res.Code == shard.AlreadyApplied && !tolerateApplied:
		return o.invariant(ctx, rec.TxID, "burn debit")
	}
	return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
}

// resume picks an ambiguous transaction up from its last durable step and
// drives it to a terminal state. Resolution starts with idempotent probes;
// the only mutations re-issued are ones the stage-keyed applied records make
// safe.
func (o *Orchestrator) resume(ctx context.Context, rec txlog.Record) Outcome {
	posting := shard.PostingFromLines(rec.Lines)

	switch rec.Status {
	case txlog.StatusInitiated:
		// Nothing was sent; run forward, tolerating applied echoes.
		return o.run(ctx, rec, true)

	case txlog.StatusDebitSent, txlog.StatusUnknown:
		if rec.Kind == txlog.KindMint {
			return o.run(ctx, rec, true)
		}
		srcID, err := o.router.ShardOf(ctx, rec.From)
		if err != nil {
			return o.fail(ctx, rec.TxID, err)
		}
		stage := shard.StageDebit
		sameShard := false
		dstID := -1
		if rec.Kind == txlog.KindTransfer {
			dstID, err = o.router.ShardOf(ctx, rec.To)
			if err != nil {
				return o.fail(ctx, rec.TxID, err)
			}
			sameShard = srcID == dstID
			if sameShard {
				stage = shard.StageMove
			}
		}
		applied, perr := o.probeStage(srcID, rec.TxID, stage)
		if perr != nil {
			return o.unknown(ctx, rec.TxID)
		}
		if !applied {
			// The mutation never landed; re-drive the whole saga. The shard
			// either applies it now or answers AlreadyApplied.
			return o.run(ctx, rec, true)
		}
		if rec.Kind == txlog.KindBurn || sameShard {
			return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
		}
		// dstID was resolved above; re-querying the shard map here could
		// return a different answer on a transient store error and send the
		// credit to the wrong shard.
		return o.creditLeg(ctx, rec, posting, srcID, dstID, true)

	case txlog.StatusDebitConfirmed, txlog.StatusCreditSent:
		if rec.Kind == txlog.KindMint {
			dstID, err := o.router.ShardOf(ctx, rec.To)
			if err != nil {
				return o.fail(ctx, rec.TxID, err)
			}
			applied, perr := o.probeStage(dstID, rec.TxID, shard.StageCredit)
			if perr != nil {
				return o.unknown(ctx, rec.TxID)
			}
			if applied {
				return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
			}
			return o.run(ctx, rec, true)
		}
		srcID, err := o.router.ShardOf(ctx, rec.From)
		if err != nil {
			return o.fail(ctx, rec.TxID, err)
		}
		dstID, err := o.router.ShardOf(ctx, rec.To)
		if err != nil {
			return o.fail(ctx, rec.TxID, err)
		}
		applied, perr := o.probeStage(dstID, rec.TxID, shard.StageCredit)
		if perr != nil {
			return o.unknown(ctx, rec.TxID)
		}
		if applied {
			// The shard had in fact applied the credit; the reply was lost.
			return o.finalize(ctx, rec.TxID, txlog.StatusCommitted, "", nil)
		}
		// The credit never landed: undo the debit rather than re-risk it.
		return o.compensate(ctx, rec, posting, srcID)

	case txlog.StatusCompensating:
		srcID, err := o.router.ShardOf(ctx, rec.From)
		if err != nil {
			return o.fail(ctx, rec.TxID, err)
		}
		return o.compensate(ctx, rec, posting, srcID)

	default:
		return Outcome{Result: rec.Result()}
	}
}

func (o *Orchestrator) callShard(id int, msg any) (shard.OpResult, error) {
	if id < 0 || id >= len(o.shards) {
		return shard.OpResult{}, fmt.Errorf("shard %d out of range", id)
	}
	reply, err := o.sys.Call(o.shards[id], msg, o.callTimeout)
	if err != nil {
		return shard.OpResult{}, err
	}
	res, ok := reply.(shard.OpResult)
	if !ok {
		return shard.OpResult{}, fmt.Errorf("unexpected shard reply %T", reply)
	}
	return res, nil
}

func (o *Orchestrator) probeStage(id int, txID uint64, stage shard.Stage) (bool, error) {
	if id < 0 || id >= len(o.shards) {
		return false, fmt.Errorf("shard %d out of range", id)
	}
	reply, err := o.sys.Call(o.shards[id], shard.ProbeReq{TxID: txID}, o.callTimeout)
	if err != nil {
		return false, err
	}
	res, ok := reply.(shard.ProbeResult)
	if !ok {
		return false, fmt.Errorf("unexpected probe reply %T", reply)
	}
	return res.Applied[stage], nil
}

func (o *Orchestrator) finalize(ctx context.Context, txID uint64, status txlog.Status, reason string, businessErr error) Outcome {
	if err := o.log.Finalize(ctx, txID, status, reason); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{
		Result: txlog.Result{TxID: txID, Status: status, Reason: reason},
		Err:    businessErr,
	}
}

func (o *Orchestrator) unknown(ctx context.Context, txID uint64) Outcome {
	if err := o.log.SetStatus(ctx, txID, txlog.StatusUnknown); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Result: txlog.Result{TxID: txID, Status: txlog.StatusUnknown}}
}

func (o *Orchestrator) invariant(ctx context.Context, txID uint64, step string) Outcome {
	reason := fmt.Sprintf("unexpected AlreadyApplied at %s step", step)
	if o.logger != nil {
		o.logger.Error("protocol invariant violated", slog.Uint64("tx_id", txID), slog.String("step", step))
	}
	out := o.finalize(ctx, txID, txlog.StatusAborted, reason, ErrProtocolInvariant)
	if out.Err == nil {
		out.Err = ErrProtocolInvariant
	}
	return out
}

func (o *Orchestrator) fail(ctx context.Context, txID uint64, cause error) Outcome {
	if o.logger != nil {
		o.logger.Error("transaction failed", slog.Uint64("tx_id", txID), slog.Any("error", cause))
	}
	if err := o.log.Finalize(ctx, txID, txlog.StatusAborted, cause.Error()); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{
		Result: txlog.Result{TxID: txID, Status: txlog.StatusAborted, Reason: cause.Error()},
		Err:    cause,
	}
}

func (o *Orchestrator) emitTerminal(ctx context.Context, rec txlog.Record, result txlog.Result) {
	if o.emit == nil || !result.Status.Terminal() {
		return
	}

	event := events.Event{
		TxID:  rec.TxID,
		From:  rec.From,
		To:    rec.To,
		Lines: rec.Lines,
		At:    time.Now().UTC(),
	}
	if result.Status == txlog.StatusCommitted {
		switch rec.Kind {
		case txlog.KindMint:
			event.Kind = events.KindMinted
		case txlog.KindBurn:
			event.Kind = events.KindBurned
		default:
			event.Kind = events.KindTransferred
		}
	} else {
		event.Kind = events.KindTransactionFailed
		event.Reason = result.Reason
	}
	o.emit(ctx, event)
}
