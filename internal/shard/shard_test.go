package shard

import (
	"testing"
)

func newTestShard() *Shard {
	return New(0, nil)
}

func TestCreditCreatesAccount(t *testing.T) {
	s := newTestShard()

	res := s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(500), TxID: 1, Stage: StageCredit})
	if res.Code != Ok {
		t.Fatalf("expected Ok, got %v", res.Code)
	}

	if got := s.balance("alice", NativeToken); got != 500 {
		t.Fatalf("expected balance 500, got %d", got)
	}
}

func TestDebitInsufficientBalanceMutatesNothing(t *testing.T) {
	s := newTestShard()
	s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(100), TxID: 1, Stage: StageCredit})

	res := s.debit(DebitReq{Owner: "alice", Posting: FungiblePosting(500), TxID: 2})
	if res.Code != InsufficientBalance {
		t.Fatalf("expected InsufficientBalance, got %v", res.Code)
	}
	if got := s.balance("alice", NativeToken); got != 100 {
		t.Fatalf("balance changed on failed debit: %d", got)
	}

	// A failed debit is not recorded as applied; a later retry with enough
	// funds succeeds under the same tx id.
	s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(1000), TxID: 3, Stage: StageCredit})
	res = s.debit(DebitReq{Owner: "alice", Posting: FungiblePosting(500), TxID: 2})
	if res.Code != Ok {
		t.Fatalf("expected Ok on retry, got %v", res.Code)
	}
}

func TestReplayReturnsAlreadyApplied(t *testing.T) {
	s := newTestShard()
	s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(100), TxID: 1, Stage: StageCredit})

	if res := s.debit(DebitReq{Owner: "alice", Posting: FungiblePosting(40), TxID: 2}); res.Code != Ok {
		t.Fatalf("first debit failed: %v", res.Code)
	}
	if res := s.debit(DebitReq{Owner: "alice", Posting: FungiblePosting(40), TxID: 2}); res.Code != AlreadyApplied {
		t.Fatalf("expected AlreadyApplied on replay, got %v", res.Code)
	}
	if got := s.balance("alice", NativeToken); got != 60 {
		t.Fatalf("replay double-charged: balance %d", got)
	}
}

func TestCompensatingCreditIsDistinctFromForwardCredit(t *testing.T) {
	s := newTestShard()
	s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(100), TxID: 1, Stage: StageCredit})

	if res := s.debit(DebitReq{Owner: "alice", Posting: FungiblePosting(70), TxID: 2}); res.Code != Ok {
		t.Fatalf("debit failed: %v", res.Code)
	}

	// The compensating credit reuses the tx id but its own stage, so it is
	// applied once and only once.
	if res := s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(70), TxID: 2, Stage: StageCompensate}); res.Code != Ok {
		t.Fatalf("compensating credit rejected: %v", res.Code)
	}
	if res := s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(70), TxID: 2, Stage: StageCompensate}); res.Code != AlreadyApplied {
		t.Fatalf("expected AlreadyApplied on repeated compensation, got %v", res.Code)
	}
	if got := s.balance("alice", NativeToken); got != 100 {
		t.Fatalf("expected balance restored to 100, got %d", got)
	}
}

func TestMoveAppliesBothLegsAtomically(t *testing.T) {
	s := newTestShard()
	s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(1000), TxID: 1, Stage: StageCredit})

	if res := s.move(MoveReq{From: "alice", To: "bob", Posting: FungiblePosting(400), TxID: 2}); res.Code != Ok {
		t.Fatalf("move failed: %v", res.Code)
	}
	if got := s.balance("alice", NativeToken); got != 600 {
		t.Fatalf("expected alice 600, got %d", got)
	}
	if got := s.balance("bob", NativeToken); got != 400 {
		t.Fatalf("expected bob 400, got %d", got)
	}

	if res := s.move(MoveReq{From: "alice", To: "bob", Posting: FungiblePosting(400), TxID: 2}); res.Code != AlreadyApplied {
		t.Fatalf("expected AlreadyApplied on replayed move, got %v", res.Code)
	}
}

func TestMultiTokenPostingAllOrNothing(t *testing.T) {
	s := newTestShard()
	s.credit(CreditReq{Owner: "alice", Posting: MultiTokenPosting{"gold": 10, "silver": 3}, TxID: 1, Stage: StageCredit})

	// Silver cannot cover the posting, so gold must be untouched too.
	res := s.debit(DebitReq{Owner: "alice", Posting: MultiTokenPosting{"gold": 5, "silver": 5}, TxID: 2})
	if res.Code != InsufficientBalance {
		t.Fatalf("expected InsufficientBalance, got %v", res.Code)
	}
	if got := s.balance("alice", "gold"); got != 10 {
		t.Fatalf("gold mutated on failed multi-token debit: %d", got)
	}

	if res := s.debit(DebitReq{Owner: "alice", Posting: MultiTokenPosting{"gold": 5, "silver": 3}, TxID: 3}); res.Code != Ok {
		t.Fatalf("covered multi-token debit failed: %v", res.Code)
	}
	if got := s.balance("alice", "silver"); got != 0 {
		t.Fatalf("expected silver 0, got %d", got)
	}
}

func TestProbeReportsAppliedStages(t *testing.T) {
	s := newTestShard()
	s.credit(CreditReq{Owner: "alice", Posting: FungiblePosting(100), TxID: 1, Stage: StageCredit})
	s.debit(DebitReq{Owner: "alice", Posting: FungiblePosting(30), TxID: 2})

	probe := s.probe(2)
	if !probe.Applied[StageDebit] {
		t.Fatalf("expected debit stage applied for tx 2")
	}
	if probe.Applied[StageCredit] {
		t.Fatalf("credit stage must not be applied for tx 2")
	}

	probe = s.probe(99)
	if len(probe.Applied) != 0 {
		t.Fatalf("expected empty probe for unknown tx, got %v", probe.Applied)
	}
}

func TestBalanceOfUnknownOwnerIsZero(t *testing.T) {
	s := newTestShard()
	if got := s.balance("nobody", NativeToken); got != 0 {
		t.Fatalf("expected 0 for unknown owner, got %d", got)
	}
}

func TestPostingFromLinesRoundTrip(t *testing.T) {
	fungible := PostingFromLines(FungiblePosting(42).Lines())
	if _, ok := fungible.(FungiblePosting); !ok {
		t.Fatalf("expected fungible posting, got %T", fungible)
	}

	multi := PostingFromLines(MultiTokenPosting{"gold": 1, "silver": 2}.Lines())
	mt, ok := multi.(MultiTokenPosting)
	if !ok {
		t.Fatalf("expected multi-token posting, got %T", multi)
	}
	if mt["gold"] != 1 || mt["silver"] != 2 {
		t.Fatalf("unexpected amounts: %v", mt)
	}
}
