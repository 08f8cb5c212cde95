// Package consensus implements Soulprint's NullifierConsensus component:
// round-based agreement that a nullifier maps to exactly one identity
// across the fleet. The round bookkeeping is grounded on the reference
// node's vote-tallying/quorum-math helpers; the PROPOSE broadcast reuses
// pkg/attestation/service.go's per-peer goroutine plus WaitGroup fan-out.
package consensus

import "time"

// RoundState is the per-nullifier round state machine of §4.4.
type RoundState int

const (
	RoundProposed RoundState = iota
	RoundVoting
	RoundCommitted
	RoundAborted
	RoundTimedOut
)

func (s RoundState) String() string {
	switch s {
	case RoundProposed:
		return "PROPOSED"
	case RoundVoting:
		return "VOTING"
	case RoundCommitted:
		return "COMMITTED"
	case RoundAborted:
		return "ABORTED"
	case RoundTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// VoteChoice is a single voter's decision.
type VoteChoice string

const (
	VoteAccept VoteChoice = "accept"
	VoteReject VoteChoice = "reject"
)

// Vote is the wire shape of a single VOTE message.
type Vote struct {
	ProtocolHash string     `json:"protocol_hash"`
	Nullifier    string     `json:"nullifier"`
	Choice       VoteChoice `json:"vote"`
	VoterDID     string     `json:"voter_did"`
	TS           int64      `json:"ts"`
	Signature    string     `json:"signature"`
	// BLSPub/BLSSig are an accept-voter's optional BLS12-381 public key and
	// its signature over (protocol_hash, nullifier) — identical across every
	// accept vote in a round, so a committer can fold them into one
	// aggregate co-signature (Commit.AggSig) instead of N individual ones.
	// Self-reported and outside the Ed25519 signature's coverage, so a
	// receiver treats AggSig as a supplemental, best-effort check, never a
	// substitute for the per-vote Ed25519 signature above.
	BLSPub string `json:"bls_pub,omitempty"`
	BLSSig string `json:"bls_sig,omitempty"`
}

// Propose is the wire shape of a PROPOSE message.
type Propose struct {
	ProtocolHash string `json:"protocol_hash"`
	Nullifier    string `json:"nullifier"`
	DID          string `json:"did"`
	ZKProof      string `json:"zk_proof"`
	ProposerDID  string `json:"proposer_did"`
	TS           int64  `json:"ts"`
	Signature    string `json:"signature"`
}

// Commit is the wire shape of a COMMIT message.
type Commit struct {
	ProtocolHash string `json:"protocol_hash"`
	Nullifier    string `json:"nullifier"`
	DID          string `json:"did"`
	Votes        []Vote `json:"votes"`
	CommitDID    string `json:"commit_did"`
	TS           int64  `json:"ts"`
	Signature    string `json:"signature"`
	// AggSig is an optional BLS-aggregated co-signature over the accept
	// votes, letting a receiver verify a quorum's worth of vote signatures
	// in one pairing check instead of replaying every individual Ed25519
	// signature. See DESIGN.md's open-question decision for §9's "SHOULD
	// verify at least a quorum's worth of vote signatures" note.
	AggSig string `json:"agg_sig,omitempty"`
}

// CommitEntry is the durable record of a committed nullifier.
type CommitEntry struct {
	Nullifier   string `json:"nullifier"`
	DID         string `json:"did"`
	CommittedMs int64  `json:"committed_ms"`
	CommitDID   string `json:"commit_did"`
	VoteCount   int    `json:"vote_count"`
	Votes       []Vote `json:"votes"`
}

// round is in-memory bookkeeping for an in-flight proposal.
type round struct {
	nullifier   string
	did         string
	proposerDID string
	state       RoundState
	accept      map[string]Vote
	reject      map[string]Vote
	startedAt   time.Time
	deadline    time.Time
	done        chan struct{}
	closed      bool
}

// requiredVotes returns the quorum size ⌈2·minPeers/3⌉, reproducing the
// reference node's CalculateRequiredCount/IsByzantineFaultTolerant
// threshold-math shape specialized to the spec's fixed 2/3 fraction.
func requiredVotes(minPeers int) int {
	if minPeers <= 0 {
		return 0
	}
	return (2*minPeers + 2) / 3
}
