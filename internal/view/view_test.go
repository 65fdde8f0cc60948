package view

import (
	"reflect"
	"testing"
)

func sampleState() GlobalState {
	return GlobalState{
		TxCounter: 7,
		InFlight:  1,
		Shards: []ShardState{
			{ID: 0, Balances: map[string]map[string]uint64{
				"alice": {"native": 600, "gold": 20},
				"carol": {"native": 50},
			}},
			{ID: 1, Balances: map[string]map[string]uint64{
				"bob": {"native": 400, "gold": 10},
			}},
			{ID: 2, Balances: map[string]map[string]uint64{}},
		},
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize(sampleState())

	if got.TxCounter != 7 || got.InFlight != 1 {
		t.Fatalf("counters = %d/%d, want 7/1", got.TxCounter, got.InFlight)
	}
	if got.AccountCount != 3 {
		t.Fatalf("account count = %d, want 3", got.AccountCount)
	}
	wantShards := map[int]int{0: 2, 1: 1, 2: 0}
	if !reflect.DeepEqual(got.ShardAccounts, wantShards) {
		t.Fatalf("shard accounts = %v, want %v", got.ShardAccounts, wantShards)
	}
	wantSupplies := []TokenSupply{{TokenID: "gold", Total: 30}, {TokenID: "native", Total: 1050}}
	if !reflect.DeepEqual(got.Supplies, wantSupplies) {
		t.Fatalf("supplies = %v, want %v", got.Supplies, wantSupplies)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	got := Summarize(GlobalState{})
	if got.AccountCount != 0 || len(got.Supplies) != 0 {
		t.Fatalf("empty summary = %+v", got)
	}
}

func TestOwnerBalance(t *testing.T) {
	state := sampleState()

	if got := OwnerBalance(state, "alice", "native"); got != 600 {
		t.Fatalf("alice native = %d, want 600", got)
	}
	if got := OwnerBalance(state, "bob", "gold"); got != 10 {
		t.Fatalf("bob gold = %d, want 10", got)
	}
	if got := OwnerBalance(state, "nobody", "native"); got != 0 {
		t.Fatalf("unknown owner = %d, want 0", got)
	}
}

func TestTotalSupply(t *testing.T) {
	state := sampleState()

	if got := TotalSupply(state, "native"); got != 1050 {
		t.Fatalf("native supply = %d, want 1050", got)
	}
	if got := TotalSupply(state, "gold"); got != 30 {
		t.Fatalf("gold supply = %d, want 30", got)
	}
	if got := TotalSupply(state, "copper"); got != 0 {
		t.Fatalf("missing token supply = %d, want 0", got)
	}
}
