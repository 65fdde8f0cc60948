// Package cluster assembles the Main / Logic / Storage actor triad and owns
// its runtime lifecycle.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kivu-pay/kivu_pay/internal/actor"
	"github.com/kivu-pay/kivu_pay/internal/events"
	"github.com/kivu-pay/kivu_pay/internal/gateway"
	"github.com/kivu-pay/kivu_pay/internal/logging"
	"github.com/kivu-pay/kivu_pay/internal/logic"
	"github.com/kivu-pay/kivu_pay/internal/router"
	"github.com/kivu-pay/kivu_pay/internal/shard"
	"github.com/kivu-pay/kivu_pay/internal/txlog"
	"github.com/kivu-pay/kivu_pay/internal/view"
)

// Options selects the backends the triad runs on. Zero values fall back to
// in-memory backends, direct transport and log-only events.
type Options struct {
	ShardCount  int
	CallTimeout time.Duration
	Transport   actor.Transport
	Log         txlog.Log
	MapStore    router.MapStore
	Publisher   events.Publisher
	Logger      *slog.Logger
}

// Cluster is a running triad: a fixed set of shard actors, the saga
// orchestrator and the front door. The shard set is fixed at initialization;
// there is no rebalancing protocol.
type Cluster struct {
	sys       *actor.System
	gw        *gateway.Gateway
	logicRef  *actor.Ref
	shardRefs []*actor.Ref
	log       txlog.Log
	router    *router.Router
	logger    *slog.Logger
}

// New spawns the actors and wires them together.
func New(opts Options) (*Cluster, error) {
	if opts.ShardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", opts.ShardCount)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	log := opts.Log
	if log == nil {
		log = txlog.NewInMemory()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NewLoggerPublisher(logger)
	}

	sys := actor.NewSystem(opts.Transport, logging.Component(logger, "actors"))

	shardRefs := make([]*actor.Ref, opts.ShardCount)
	for i := 0; i < opts.ShardCount; i++ {
		name := fmt.Sprintf("shard-%d", i)
		core := shard.New(i, logging.Component(logger, name))
		shardRefs[i] = sys.Spawn(name, core.Handle)
	}

	rt, err := router.New(opts.ShardCount, opts.MapStore)
	if err != nil {
		sys.Stop()
		return nil, err
	}

	lastTxID, err := log.LastTxID(context.Background())
	if err != nil {
		sys.Stop()
		return nil, fmt.Errorf("seed tx counter: %w", err)
	}

	// The front door waits long enough for a full saga round trip, probes
	// included, before declaring a transaction pending.
	waitTimeout := 4 * opts.CallTimeout

	gw := gateway.New(sys, rt, shardRefs, publisher, lastTxID, opts.CallTimeout, waitTimeout, logging.Component(logger, "main"))
	orch := logic.New(sys, log, rt, shardRefs, gw.Emit, opts.CallTimeout, logging.Component(logger, "logic"))
	logicRef := orch.Start()
	gw.AttachLogic(logicRef)

	return &Cluster{
		sys:       sys,
		gw:        gw,
		logicRef:  logicRef,
		shardRefs: shardRefs,
		log:       log,
		router:    rt,
		logger:    logger,
	}, nil
}

// Gateway returns the front door.
func (c *Cluster) Gateway() *gateway.Gateway { return c.gw }

// Recover reconciles every non-terminal transaction left in the log, e.g.
// after a restart. Each transaction resolves independently; one failure does
// not stop the sweep.
func (c *Cluster) Recover(ctx context.Context) error {
	inflight, err := c.log.InFlight(ctx)
	if err != nil {
		return fmt.Errorf("scan in-flight transactions: %w", err)
	}

	for _, rec := range inflight {
		if _, err := c.gw.Status(ctx, rec.TxID); err != nil {
			c.logger.Warn("recovery reconciliation unresolved",
				slog.Uint64("tx_id", rec.TxID), slog.Any("error", err))
		}
	}
	return nil
}

// Snapshot copies the cluster state for read-only projections. Each shard
// serializes the copy through its own mailbox, so per-shard tables are
// internally consistent.
func (c *Cluster) Snapshot(ctx context.Context) (view.GlobalState, error) {
	state := view.GlobalState{}

	last, err := c.log.LastTxID(ctx)
	if err != nil {
		return view.GlobalState{}, err
	}
	state.TxCounter = last

	inflight, err := c.log.InFlight(ctx)
	if err != nil {
		return view.GlobalState{}, err
	}
	state.InFlight = len(inflight)

	for _, ref := range c.shardRefs {
		reply, err := c.sys.Call(ref, shard.SnapshotReq{}, 2*time.Second)
		if err != nil {
			return view.GlobalState{}, fmt.Errorf("snapshot %s: %w", ref.Name(), err)
		}
		snap, ok := reply.(shard.SnapshotResult)
		if !ok {
			return view.GlobalState{}, fmt.Errorf("unexpected snapshot reply %T", reply)
		}
		state.Shards = append(state.Shards, view.ShardState{ID: snap.ID, Balances: snap.Balances})
	}
	return state, nil
}

// Stop drains and stops every actor.
func (c *Cluster) Stop() {
	c.sys.Stop()
}
