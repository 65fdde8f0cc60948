// Package view holds read-only projections over a snapshot of cluster state.
// Projections are pure functions: they never mutate ledger state and consume
// only the copied GlobalState handed to them.
package view

import "sort"

// ShardState is one shard's copied account table.
type ShardState struct {
	ID       int                          `json:"id"`
	Balances map[string]map[string]uint64 `json:"balances"`
}

// GlobalState is a point-in-time copy of the cluster for off-chain queries.
type GlobalState struct {
	TxCounter uint64       `json:"tx_counter"`
	InFlight  int          `json:"in_flight"`
	Shards    []ShardState `json:"shards"`
}

// TokenSupply is the total of one token across all shards.
type TokenSupply struct {
	TokenID string `json:"token_id"`
	Total   uint64 `json:"total"`
}

// Summary is the projection served to external clients.
type Summary struct {
	TxCounter     uint64        `json:"tx_counter"`
	InFlight      int           `json:"in_flight"`
	AccountCount  int           `json:"account_count"`
	ShardAccounts map[int]int   `json:"shard_accounts"`
	Supplies      []TokenSupply `json:"supplies"`
}

// Summarize reduces a snapshot to per-token supplies and account counts.
func Summarize(state GlobalState) Summary {
	supplies := make(map[string]uint64)
	shardAccounts := make(map[int]int, len(state.Shards))
	accounts := 0

	for _, s := range state.Shards {
		shardAccounts[s.ID] = len(s.Balances)
		accounts += len(s.Balances)
		for _, tokens := range s.Balances {
			for tokenID, amount := range tokens {
				supplies[tokenID] += amount
			}
		}
	}

	out := Summary{
		TxCounter:     state.TxCounter,
		InFlight:      state.InFlight,
		AccountCount:  accounts,
		ShardAccounts: shardAccounts,
	}
	for tokenID, total := range supplies {
		out.Supplies = append(out.Supplies, TokenSupply{TokenID: tokenID, Total: total})
	}
	sort.Slice(out.Supplies, func(i, j int) bool { return out.Supplies[i].TokenID < out.Supplies[j].TokenID })
	return out
}

// OwnerBalance sums an owner's holdings of one token across shards. With a
// stable shard map at most one shard contributes, but the projection does not
// rely on that.
func OwnerBalance(state GlobalState, owner, tokenID string) uint64 {
	var total uint64
	for _, s := range state.Shards {
		total += s.Balances[owner][tokenID]
	}
	return total
}

// TotalSupply returns the cross-shard total for one token.
func TotalSupply(state GlobalState, tokenID string) uint64 {
	var total uint64
	for _, s := range state.Shards {
		for _, tokens := range s.Balances {
			total += tokens[tokenID]
		}
	}
	return total
}
