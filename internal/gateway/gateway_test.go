package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kivu-pay/kivu_pay/internal/actor"
	"github.com/kivu-pay/kivu_pay/internal/events"
	"github.com/kivu-pay/kivu_pay/internal/logic"
	"github.com/kivu-pay/kivu_pay/internal/router"
	"github.com/kivu-pay/kivu_pay/internal/shard"
	"github.com/kivu-pay/kivu_pay/internal/txlog"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

func newGateway(t *testing.T, chaos *actor.ChaosTransport, lastTxID uint64) (*Gateway, *capturePublisher) {
	t.Helper()

	var transport actor.Transport = actor.DirectTransport{}
	if chaos != nil {
		transport = chaos
	}
	sys := actor.NewSystem(transport, nil)
	t.Cleanup(sys.Stop)

	shards := []*actor.Ref{
		sys.Spawn("shard-0", shard.New(0, nil).Handle),
		sys.Spawn("shard-1", shard.New(1, nil).Handle),
	}

	rt, err := router.New(2, router.NewMemoryMapStore())
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	pub := &capturePublisher{}
	callTimeout := 50 * time.Millisecond
	gw := New(sys, rt, shards, pub, lastTxID, callTimeout, 4*callTimeout, nil)
	orch := logic.New(sys, txlog.NewInMemory(), rt, shards, gw.Emit, callTimeout, nil)
	gw.AttachLogic(orch.Start())
	return gw, pub
}

var admin = Principal{Admin: true}

func TestTransferEndToEnd(t *testing.T) {
	gw, pub := newGateway(t, nil, 0)
	ctx := context.Background()

	if _, err := gw.Mint(ctx, admin, "alice", shard.FungiblePosting(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	res, err := gw.Transfer(ctx, "alice", "bob", shard.FungiblePosting(400), "ref-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != txlog.StatusCommitted {
		t.Fatalf("status = %s, want %s", res.Status, txlog.StatusCommitted)
	}

	alice, err := gw.BalanceOf(ctx, "alice", "")
	if err != nil {
		t.Fatalf("balance alice: %v", err)
	}
	bob, err := gw.BalanceOf(ctx, "bob", "")
	if err != nil {
		t.Fatalf("balance bob: %v", err)
	}
	if alice != 600 || bob != 400 {
		t.Fatalf("balances = %d/%d, want 600/400", alice, bob)
	}

	kinds := pub.kinds()
	if len(kinds) != 2 || kinds[0] != events.KindMinted || kinds[1] != events.KindTransferred {
		t.Fatalf("published kinds = %v", kinds)
	}
}

func TestMintAndBurnRequireAdmin(t *testing.T) {
	gw, _ := newGateway(t, nil, 0)
	ctx := context.Background()

	if _, err := gw.Mint(ctx, Principal{}, "alice", shard.FungiblePosting(100)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("mint as non-admin: err = %v, want %v", err, ErrNotAuthorized)
	}
	if _, err := gw.Burn(ctx, Principal{}, "alice", shard.FungiblePosting(100)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("burn as non-admin: err = %v, want %v", err, ErrNotAuthorized)
	}

	// The rejected requests must not have consumed funds or ids.
	if _, err := gw.Mint(ctx, admin, "alice", shard.FungiblePosting(100)); err != nil {
		t.Fatalf("mint as admin: %v", err)
	}
	got, err := gw.BalanceOf(ctx, "alice", "")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

func TestValidationRejectsBeforeAdmission(t *testing.T) {
	gw, _ := newGateway(t, nil, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"self transfer", func() error {
			_, err := gw.Transfer(ctx, "alice", "alice", shard.FungiblePosting(10), "")
			return err
		}},
		{"missing payer", func() error {
			_, err := gw.Transfer(ctx, "", "bob", shard.FungiblePosting(10), "")
			return err
		}},
		{"zero amount", func() error {
			_, err := gw.Transfer(ctx, "alice", "bob", shard.FungiblePosting(0), "")
			return err
		}},
		{"nil posting", func() error {
			_, err := gw.Transfer(ctx, "alice", "bob", nil, "")
			return err
		}},
		{"empty token id", func() error {
			_, err := gw.Transfer(ctx, "alice", "bob", shard.MultiTokenPosting{"": 5}, "")
			return err
		}},
		{"mint without owner", func() error {
			_, err := gw.Mint(ctx, admin, "", shard.FungiblePosting(10))
			return err
		}},
		{"status without id", func() error {
			_, err := gw.Status(ctx, 0)
			return err
		}},
	}
	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, ErrValidation)
		}
	}
}

func TestTransactionIDsAreMonotonic(t *testing.T) {
	gw, _ := newGateway(t, nil, 41)
	ctx := context.Background()

	first, err := gw.Mint(ctx, admin, "alice", shard.FungiblePosting(100))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if first.TxID != 42 {
		t.Fatalf("first tx id = %d, want 42 after seeding with 41", first.TxID)
	}

	second, err := gw.Transfer(ctx, "alice", "bob", shard.FungiblePosting(10), "ref-m")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if second.TxID != 43 {
		t.Fatalf("second tx id = %d, want 43", second.TxID)
	}
}

func TestReplayedIdemRefReturnsOriginalResult(t *testing.T) {
	gw, _ := newGateway(t, nil, 0)
	ctx := context.Background()

	if _, err := gw.Mint(ctx, admin, "alice", shard.FungiblePosting(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	first, err := gw.Transfer(ctx, "alice", "bob", shard.FungiblePosting(200), "ref-r")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	replay, err := gw.Transfer(ctx, "alice", "bob", shard.FungiblePosting(200), "ref-r")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay != first {
		t.Fatalf("replay result = %+v, want %+v", replay, first)
	}

	alice, _ := gw.BalanceOf(ctx, "alice", "")
	if alice != 300 {
		t.Fatalf("alice = %d, want 300 (charged once)", alice)
	}
}

func TestUnansweredForwardReportsPending(t *testing.T) {
	chaos := actor.NewChaosTransport()
	gw, _ := newGateway(t, chaos, 0)
	ctx := context.Background()

	// The orchestrator never sees the request; the front door replies with an
	// explicit pending error instead of retrying.
	chaos.Inject(actor.Rule{
		To:    "logic",
		Match: func(msg any) bool { _, ok := msg.(logic.ExecuteReq); return ok },
		Fault: actor.FaultDropRequest,
	})

	res, err := gw.Transfer(ctx, "alice", "bob", shard.FungiblePosting(10), "ref-p")
	var pending *PendingError
	if !errors.As(err, &pending) {
		t.Fatalf("err = %v, want PendingError", err)
	}
	if res.Status != txlog.StatusUnknown {
		t.Fatalf("status = %s, want %s", res.Status, txlog.StatusUnknown)
	}
	if pending.TxID != res.TxID {
		t.Fatalf("pending tx id %d != result tx id %d", pending.TxID, res.TxID)
	}
}

func TestStatusResolvesCommittedTransaction(t *testing.T) {
	gw, _ := newGateway(t, nil, 0)
	ctx := context.Background()

	if _, err := gw.Mint(ctx, admin, "alice", shard.FungiblePosting(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	res, err := gw.Transfer(ctx, "alice", "bob", shard.FungiblePosting(200), "ref-s")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	got, err := gw.Status(ctx, res.TxID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != txlog.StatusCommitted {
		t.Fatalf("status = %s, want %s", got.Status, txlog.StatusCommitted)
	}
}

func TestStatusOfUnknownTransaction(t *testing.T) {
	gw, _ := newGateway(t, nil, 0)

	_, err := gw.Status(context.Background(), 999)
	if !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, txlog.ErrNotFound)
	}
}

func TestMultiTokenBalances(t *testing.T) {
	gw, _ := newGateway(t, nil, 0)
	ctx := context.Background()

	posting := shard.MultiTokenPosting{"gold": 30, "silver": 70}
	if _, err := gw.Mint(ctx, admin, "alice", posting); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := gw.Transfer(ctx, "alice", "bob", shard.MultiTokenPosting{"gold": 10}, "ref-t"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	gold, err := gw.BalanceOf(ctx, "alice", "gold")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	silver, err := gw.BalanceOf(ctx, "alice", "silver")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	bobGold, err := gw.BalanceOf(ctx, "bob", "gold")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if gold != 20 || silver != 70 || bobGold != 10 {
		t.Fatalf("balances gold=%d silver=%d bobGold=%d", gold, silver, bobGold)
	}
}
