package shard

import (
	"log/slog"
	"sort"

	"github.com/kivu-pay/kivu_pay/internal/actor"
)

// NativeToken is the token id used by plain fungible postings.
const NativeToken = "native"

// Line is one token movement inside a posting.
type Line struct {
	TokenID string `json:"token_id"`
	Amount  uint64 `json:"amount"`
}

// Posting is the per-shard mutation payload. Fungible and multi-token
// postings run through identical saga and idempotency machinery; only the
// shape of the lines differs.
type Posting interface {
	Lines() []Line
}

// FungiblePosting moves a single amount of the native token.
type FungiblePosting uint64

// Lines implements Posting.
func (p FungiblePosting) Lines() []Line {
	return []Line{{TokenID: NativeToken, Amount: uint64(p)}}
}

// MultiTokenPosting moves an amount per token id.
type MultiTokenPosting map[string]uint64

// Lines implements Posting. Lines are sorted by token id so the application
// order inside a shard is deterministic.
func (p MultiTokenPosting) Lines() []Line {
	lines := make([]Line, 0, len(p))
	for tokenID, amount := range p {
		lines = append(lines, Line{TokenID: tokenID, Amount: amount})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].TokenID < lines[j].TokenID })
	return lines
}

// PostingFromLines rebuilds a posting from stored lines, e.g. when resuming a
// transaction from the transaction log.
func PostingFromLines(lines []Line) Posting {
	if len(lines) == 1 && lines[0].TokenID == NativeToken {
		return FungiblePosting(lines[0].Amount)
	}
	p := make(MultiTokenPosting, len(lines))
	for _, l := range lines {
		p[l.TokenID] = l.Amount
	}
	return p
}

// Stage identifies which saga step a shard-side application belongs to. The
// applied record is keyed by (tx id, stage) so a compensating credit carrying
// the original tx id is not mistaken for a replay of the forward credit.
type Stage string

const (
	StageDebit      Stage = "debit"
	StageCredit     Stage = "credit"
	StageCompensate Stage = "compensate"
	StageMove       Stage = "move"
)

// Code is the outcome of a shard mutation.
type Code int

const (
	// Ok means the mutation was applied.
	Ok Code = iota
	// InsufficientBalance means the source account could not cover the
	// posting; nothing was mutated.
	InsufficientBalance
	// AlreadyApplied means this (tx id, stage) was accepted earlier; the
	// mutation was not re-applied. Not an error: it is what makes replays
	// and probes safe under at-least-once delivery.
	AlreadyApplied
)

// DebitReq removes a posting from an owner's balances.
type DebitReq struct {
	Owner   string
	Posting Posting
	TxID    uint64
}

// CreditReq adds a posting to an owner's balances. Stage distinguishes a
// forward credit from a compensating one.
type CreditReq struct {
	Owner   string
	Posting Posting
	TxID    uint64
	Stage   Stage
}

// MoveReq applies debit and credit in one local step when payer and payee
// live on the same shard.
type MoveReq struct {
	From    string
	To      string
	Posting Posting
	TxID    uint64
}

// BalanceReq reads one owner/token balance. Pure read, no tx id.
type BalanceReq struct {
	Owner   string
	TokenID string
}

// ProbeReq asks which stages of a transaction this shard has applied. It is
// the idempotent reconciliation primitive: probing never mutates anything.
type ProbeReq struct {
	TxID uint64
}

// SnapshotReq requests a copy of the shard's balances for read-only
// projections.
type SnapshotReq struct{}

// OpResult is the reply to debit/credit/move requests.
type OpResult struct {
	Code Code
}

// BalanceResult is the reply to BalanceReq.
type BalanceResult struct {
	Amount uint64
}

// ProbeResult reports the stages this shard has accepted for a tx id.
type ProbeResult struct {
	Applied map[Stage]bool
}

// SnapshotResult carries a deep copy of the shard's account table.
type SnapshotResult struct {
	ID       int
	Balances map[string]map[string]uint64
}

type appliedKey struct {
	txID  uint64
	stage Stage
}

// Shard owns one partition of the account table. All mutation happens inside
// Handle, which runs on the shard actor's single goroutine, so no locking is
// needed. Accounts are created implicitly on first credit and balances never
// go negative.
type Shard struct {
	id       int
	balances map[string]map[string]uint64
	applied  map[appliedKey]struct{}
	logger   *slog.Logger
}

// New creates an empty shard.
func New(id int, logger *slog.Logger) *Shard {
	return &Shard{
		id:       id,
		balances: make(map[string]map[string]uint64),
		applied:  make(map[appliedKey]struct{}),
		logger:   logger,
	}
}

// Handle processes one shard message and replies with the matching result
// type. Unknown messages are dropped.
func (s *Shard) Handle(env actor.Envelope) {
	switch msg := env.Msg.(type) {
	case DebitReq:
		env.Reply(s.debit(msg))
	case CreditReq:
		env.Reply(s.credit(msg))
	case MoveReq:
		env.Reply(s.move(msg))
	case BalanceReq:
		env.Reply(BalanceResult{Amount: s.balance(msg.Owner, msg.TokenID)})
	case ProbeReq:
		env.Reply(s.probe(msg.TxID))
	case SnapshotReq:
		env.Reply(s.snapshot())
	default:
		if s.logger != nil {
			s.logger.Warn("shard received unknown message", slog.Int("shard", s.id))
		}
	}
}

func (s *Shard) debit(req DebitReq) OpResult {
	key := appliedKey{txID: req.TxID, stage: StageDebit}
	if _, dup := s.applied[key]; dup {
		return OpResult{Code: AlreadyApplied}
	}

	lines := req.Posting.Lines()
	if !s.covers(req.Owner, lines) {
		return OpResult{Code: InsufficientBalance}
	}
	for _, l := range lines {
		if l.Amount == 0 {
			continue
		}
		s.balances[req.Owner][l.TokenID] -= l.Amount
	}
	s.applied[key] = struct{}{}
	return OpResult{Code: Ok}
}

func (s *Shard) credit(req CreditReq) OpResult {
	stage := req.Stage
	if stage == "" {
		stage = StageCredit
	}
	key := appliedKey{txID: req.TxID, stage: stage}
	if _, dup := s.applied[key]; dup {
		return OpResult{Code: AlreadyApplied}
	}

	for _, l := range req.Posting.Lines() {
		s.add(req.Owner, l.TokenID, l.Amount)
	}
	s.applied[key] = struct{}{}
	return OpResult{Code: Ok}
}

func (s *Shard) move(req MoveReq) OpResult {
	key := appliedKey{txID: req.TxID, stage: StageMove}
	if _, dup := s.applied[key]; dup {
		return OpResult{Code: AlreadyApplied}
	}

	lines := req.Posting.Lines()
	if !s.covers(req.From, lines) {
		return OpResult{Code: InsufficientBalance}
	}
	for _, l := range lines {
		if l.Amount == 0 {
			continue
		}
		s.balances[req.From][l.TokenID] -= l.Amount
		s.add(req.To, l.TokenID, l.Amount)
	}
	s.applied[key] = struct{}{}
	return OpResult{Code: Ok}
}

func (s *Shard) probe(txID uint64) ProbeResult {
	applied := make(map[Stage]bool)
	for _, stage := range []Stage{StageDebit, StageCredit, StageCompensate, StageMove} {
		if _, ok := s.applied[appliedKey{txID: txID, stage: stage}]; ok {
			applied[stage] = true
		}
	}
	return ProbeResult{Applied: applied}
}

func (s *Shard) snapshot() SnapshotResult {
	out := make(map[string]map[string]uint64, len(s.balances))
	for owner, tokens := range s.balances {
		cp := make(map[string]uint64, len(tokens))
		for tokenID, amount := range tokens {
			cp[tokenID] = amount
		}
		out[owner] = cp
	}
	return SnapshotResult{ID: s.id, Balances: out}
}

func (s *Shard) balance(owner, tokenID string) uint64 {
	if tokenID == "" {
		tokenID = NativeToken
	}
	return s.balances[owner][tokenID]
}

// covers reports whether the owner can pay every line of the posting. Checked
// before any line is applied so a failed debit mutates nothing.
func (s *Shard) covers(owner string, lines []Line) bool {
	tokens := s.balances[owner]
	for _, l := range lines {
		if tokens[l.TokenID] < l.Amount {
			return false
		}
	}
	return true
}

func (s *Shard) add(owner, tokenID string, amount uint64) {
	tokens, ok := s.balances[owner]
	if !ok {
		tokens = make(map[string]uint64)
		s.balances[owner] = tokens
	}
	tokens[tokenID] += amount
}
