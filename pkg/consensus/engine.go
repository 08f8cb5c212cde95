package consensus

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/consensys/gnark/backend/groth16"

	"github.com/soulprint-network/validator/pkg/crypto/bls"
	"github.com/soulprint-network/validator/pkg/soulcrypto"
	"github.com/soulprint-network/validator/pkg/soulerr"
	"github.com/soulprint-network/validator/pkg/zkverify"
)

// DefaultRoundTimeout is the default per-round hard timeout (§4.4).
const DefaultRoundTimeout = 3 * time.Second

// Transport fans PROPOSE/VOTE/COMMIT messages out to the current peer set.
// Sends are fire-and-forget from the Engine's perspective: a transport
// failure to one peer must never block quorum from the rest, matching
// pkg/attestation/service.go's per-peer goroutine fan-out.
type Transport interface {
	Peers() []string
	SendPropose(ctx context.Context, peerDID string, msg Propose) error
	SendVote(ctx context.Context, peerDID string, msg Vote) error
	SendCommit(ctx context.Context, peerDID string, msg Commit) error
}

// Store persists committed entries across restarts, implemented by
// pkg/nodestate.
type Store interface {
	SaveCommitted(map[string]*CommitEntry) error
	LoadCommitted() (map[string]*CommitEntry, error)
}

// Engine is one node's NullifierConsensus state machine.
type Engine struct {
	mu sync.Mutex

	selfDID      string
	selfPriv     ed25519.PrivateKey
	minPeers     int
	roundTimeout time.Duration
	protocolHash [32]byte

	committed     map[string]*CommitEntry
	rounds        map[string]*round
	seenMsgHashes map[string]struct{}
	peerPubkeys   map[string]ed25519.PublicKey

	transport Transport
	store     Store
	zkPool    *zkverify.Pool
	vk        groth16.VerifyingKey

	// blsPriv, if configured, is used to co-sign this node's accept votes;
	// blsPubkeys caches each voter's self-reported BLS key (see Vote.BLSPub)
	// so a committer can fold accept votes into one aggregate signature.
	blsPriv    *bls.PrivateKey
	blsPubkeys map[string]*bls.PublicKey

	logger *log.Logger
}

// Config configures a new Engine.
type Config struct {
	SelfDID      string
	SelfPriv     ed25519.PrivateKey
	MinPeers     int
	RoundTimeout time.Duration
	ProtocolHash [32]byte
	Transport    Transport
	Store        Store
	ZKPool       *zkverify.Pool
	VerifyingKey groth16.VerifyingKey
	BLSPriv      *bls.PrivateKey
	Logger       *log.Logger
}

// New constructs an Engine, loading any previously committed entries from
// cfg.Store.
func New(cfg Config) (*Engine, error) {
	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Consensus] ", log.LstdFlags)
	}
	e := &Engine{
		selfDID:       cfg.SelfDID,
		selfPriv:      cfg.SelfPriv,
		minPeers:      cfg.MinPeers,
		roundTimeout:  cfg.RoundTimeout,
		protocolHash:  cfg.ProtocolHash,
		committed:     make(map[string]*CommitEntry),
		rounds:        make(map[string]*round),
		seenMsgHashes: make(map[string]struct{}),
		peerPubkeys:   make(map[string]ed25519.PublicKey),
		transport:     cfg.Transport,
		store:         cfg.Store,
		zkPool:        cfg.ZKPool,
		vk:            cfg.VerifyingKey,
		blsPriv:       cfg.BLSPriv,
		blsPubkeys:    make(map[string]*bls.PublicKey),
		logger:        cfg.Logger,
	}
	if cfg.Store != nil {
		loaded, err := cfg.Store.LoadCommitted()
		if err != nil {
			return nil, fmt.Errorf("load committed state: %w", err)
		}
		if loaded != nil {
			e.committed = loaded
		}
	}
	return e, nil
}

// RegisterPeer adds a peer DID's public key, required to verify its signed
// VOTE/COMMIT messages.
func (e *Engine) RegisterPeer(did string, pub ed25519.PublicKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerPubkeys[did] = pub
}

func msgHash(parts ...string) string {
	h := soulcrypto.SHA256([]byte(fmt.Sprintf("%v", parts)))
	return hex.EncodeToString(h[:])
}

// IsRegistered reports whether nullifier has a committed entry.
func (e *Engine) IsRegistered(nullifier string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.committed[nullifier]
	return ok
}

// Get returns the committed entry for nullifier, if any.
func (e *Engine) Get(nullifier string) (*CommitEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.committed[nullifier]
	return entry, ok
}

// IdentityScoreOf satisfies attestation.ScoreProvider: a DID with at least
// one committed nullifier scores at the ceiling; an unregistered DID floors
// to 0, so it can never clear attestation's MinAttesterScore gate.
func (e *Engine) IdentityScoreOf(did string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.committed {
		if entry.DID == did {
			return 100
		}
	}
	return 0
}

// Propose runs §4.4's propose protocol to completion (commit, abort, or
// timeout) and returns the resulting entry.
func (e *Engine) Propose(ctx context.Context, nullifier, did string, zkProof []byte, signals zkverify.PublicSignals) (*CommitEntry, error) {
	e.mu.Lock()
	if existing, ok := e.committed[nullifier]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	if e.zkPool != nil && e.vk != nil {
		ok, err := e.zkPool.Verify(ctx, e.vk, zkProof, signals)
		if err != nil {
			return nil, soulerr.InvalidProof(err.Error())
		}
		if !ok {
			return nil, soulerr.InvalidProof("zk proof rejected")
		}
	}

	now := time.Now()

	if e.minPeers == 0 {
		entry := &CommitEntry{
			Nullifier:   nullifier,
			DID:         did,
			CommittedMs: now.UnixMilli(),
			CommitDID:   e.selfDID,
			VoteCount:   1,
		}
		e.mu.Lock()
		e.committed[nullifier] = entry
		e.mu.Unlock()
		e.persist()
		return entry, nil
	}

	e.mu.Lock()
	if existing, active := e.rounds[nullifier]; active {
		done := existing.done
		e.mu.Unlock()
		<-done
		return e.Get(nullifier)
	}
	r := &round{
		nullifier:   nullifier,
		did:         did,
		proposerDID: e.selfDID,
		state:       RoundProposed,
		accept:      map[string]Vote{e.selfDID: {Choice: VoteAccept, VoterDID: e.selfDID}},
		reject:      make(map[string]Vote),
		startedAt:   now,
		deadline:    now.Add(e.roundTimeout),
		done:        make(chan struct{}),
	}
	r.state = RoundVoting
	e.rounds[nullifier] = r
	e.mu.Unlock()

	msg := Propose{
		ProtocolHash: hex.EncodeToString(e.protocolHash[:]),
		Nullifier:    nullifier,
		DID:          did,
		ZKProof:      hex.EncodeToString(zkProof),
		ProposerDID:  e.selfDID,
		TS:           now.Unix(),
	}
	msg.Signature = e.signMessage(msg.ProtocolHash, msg.Nullifier, msg.DID, msg.ProposerDID, fmt.Sprint(msg.TS))

	e.broadcastPropose(ctx, msg)

	timer := time.NewTimer(e.roundTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return e.finishPropose(nullifier, did)
	case <-timer.C:
		e.mu.Lock()
		cur, stillActive := e.rounds[nullifier]
		alreadyResolved := stillActive && cur == r && r.closed
		if stillActive && cur == r && !r.closed {
			r.closed = true
			cur.state = RoundTimedOut
			delete(e.rounds, nullifier)
			close(r.done)
		}
		resolvedElsewhere := !stillActive
		e.mu.Unlock()
		if alreadyResolved || resolvedElsewhere {
			return e.finishPropose(nullifier, did)
		}
		return nil, soulerr.QuorumNotReached("round timed out before quorum")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) finishPropose(nullifier, wantDID string) (*CommitEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.committed[nullifier]
	if !ok {
		return nil, soulerr.Conflict("round resolved without a local commit")
	}
	if entry.DID != wantDID {
		return nil, soulerr.Conflict(fmt.Sprintf("nullifier %s committed to a different did: %s", nullifier, entry.DID))
	}
	return entry, nil
}

func (e *Engine) broadcastPropose(ctx context.Context, msg Propose) {
	if e.transport == nil {
		return
	}
	var wg sync.WaitGroup
	for _, peer := range e.transport.Peers() {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.transport.SendPropose(ctx, peer, msg); err != nil {
				e.logger.Printf("propose send to %s failed: %v", peer, err)
			}
		}()
	}
	wg.Wait()
}

// signMessage signs fields, as a JSON string array, with the node's own key,
// over sha256(canonical_json(fields)) per §4.1.
func (e *Engine) signMessage(fields ...string) string {
	canon, _ := soulcrypto.Canonical(fields)
	digest := soulcrypto.SHA256(canon)
	sig := soulcrypto.Sign(e.selfPriv, digest[:])
	return hex.EncodeToString(sig)
}

// blsAcceptMessage is what every accept vote in a round co-signs: unlike
// the Ed25519 vote signature, it deliberately omits voter_did and ts so
// every accept voter's BLS signature is over the identical message,
// letting AggregateSignatures/VerifyAggregateSignature apply directly
// instead of needing per-signer aggregate verification.
func blsAcceptMessage(protocolHash, nullifier string) []byte {
	return []byte(protocolHash + "|" + nullifier)
}

// HandleProposal is called when a peer's PROPOSE arrives. It verifies the
// proof and current local state, then sends a VOTE back to the proposer.
func (e *Engine) HandleProposal(ctx context.Context, msg Propose, signals zkverify.PublicSignals) {
	if hex.EncodeToString(e.protocolHash[:]) != msg.ProtocolHash {
		e.logger.Printf("dropping PROPOSE with mismatched protocol hash from %s", msg.ProposerDID)
		return
	}

	choice := VoteAccept
	e.mu.Lock()
	if existing, ok := e.committed[msg.Nullifier]; ok && existing.DID != msg.DID {
		choice = VoteReject
	}
	e.mu.Unlock()

	if choice == VoteAccept && e.zkPool != nil && e.vk != nil {
		zkProof, err := hex.DecodeString(msg.ZKProof)
		if err != nil {
			choice = VoteReject
		} else {
			ok, err := e.zkPool.Verify(ctx, e.vk, zkProof, signals)
			if err != nil || !ok {
				choice = VoteReject
			}
		}
	}

	vote := Vote{
		ProtocolHash: msg.ProtocolHash,
		Nullifier:    msg.Nullifier,
		Choice:       choice,
		VoterDID:     e.selfDID,
		TS:           time.Now().Unix(),
	}
	vote.Signature = e.signMessage(vote.ProtocolHash, vote.Nullifier, string(vote.Choice), vote.VoterDID, fmt.Sprint(vote.TS))

	if choice == VoteAccept && e.blsPriv != nil {
		sig := e.blsPriv.SignWithDomain(blsAcceptMessage(vote.ProtocolHash, vote.Nullifier), bls.DomainAttestation)
		vote.BLSPub = e.blsPriv.PublicKey().Hex()
		vote.BLSSig = sig.Hex()
	}

	if e.transport != nil {
		if err := e.transport.SendVote(ctx, msg.ProposerDID, vote); err != nil {
			e.logger.Printf("vote send to proposer %s failed: %v", msg.ProposerDID, err)
		}
	}
}

// HandleVote processes an inbound VOTE for an in-flight round this node
// proposed.
func (e *Engine) HandleVote(msg Vote) {
	pub, ok := e.peerPubkeys[msg.VoterDID]
	if !ok {
		e.logger.Printf("warn: dropping VOTE from unknown peer %s", msg.VoterDID)
		return
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return
	}
	canon, _ := soulcrypto.Canonical([]string{msg.ProtocolHash, msg.Nullifier, string(msg.Choice), msg.VoterDID, fmt.Sprint(msg.TS)})
	digest := soulcrypto.SHA256(canon)
	if !soulcrypto.Verify(pub, digest[:], sig) {
		e.logger.Printf("dropping VOTE with bad signature from %s", msg.VoterDID)
		return
	}

	if msg.Choice == VoteAccept && msg.BLSPub != "" {
		if pub, err := bls.PublicKeyFromHex(msg.BLSPub); err == nil {
			e.mu.Lock()
			e.blsPubkeys[msg.VoterDID] = pub
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	r, active := e.rounds[msg.Nullifier]
	if !active || r.closed {
		e.mu.Unlock()
		return
	}
	switch msg.Choice {
	case VoteAccept:
		if _, dup := r.accept[msg.VoterDID]; !dup {
			r.accept[msg.VoterDID] = msg
		}
	default:
		if _, dup := r.reject[msg.VoterDID]; !dup {
			r.reject[msg.VoterDID] = msg
		}
	}

	need := requiredVotes(e.minPeers)
	if len(r.accept) < need {
		e.mu.Unlock()
		return
	}

	votes := make([]Vote, 0, len(r.accept))
	for _, v := range r.accept {
		votes = append(votes, v)
	}
	entry := &CommitEntry{
		Nullifier:   r.nullifier,
		DID:         r.did,
		CommittedMs: time.Now().UnixMilli(),
		CommitDID:   e.selfDID,
		VoteCount:   len(votes),
		Votes:       votes,
	}
	e.committed[r.nullifier] = entry
	r.closed = true
	r.state = RoundCommitted
	delete(e.rounds, r.nullifier)
	close(r.done)
	e.mu.Unlock()

	e.persist()

	commit := Commit{
		ProtocolHash: msg.ProtocolHash,
		Nullifier:    entry.Nullifier,
		DID:          entry.DID,
		Votes:        votes,
		CommitDID:    entry.CommitDID,
		TS:           time.Now().Unix(),
	}
	commit.Signature = e.signMessage(commit.ProtocolHash, commit.Nullifier, commit.DID, commit.CommitDID, fmt.Sprint(commit.TS))
	commit.AggSig = aggregateAcceptSignatures(votes)

	if e.transport != nil {
		for _, peer := range e.transport.Peers() {
			peer := peer
			go func() {
				if err := e.transport.SendCommit(context.Background(), peer, commit); err != nil {
					e.logger.Printf("commit broadcast to %s failed: %v", peer, err)
				}
			}()
		}
	}
}

// aggregateAcceptSignatures folds every accept vote's BLS signature into
// one aggregate, returning "" if any vote lacks one (a mixed Ed25519-only
// quorum just skips the supplemental check entirely).
func aggregateAcceptSignatures(votes []Vote) string {
	sigs := make([]*bls.Signature, 0, len(votes))
	for _, v := range votes {
		if v.BLSSig == "" {
			return ""
		}
		sig, err := bls.SignatureFromHex(v.BLSSig)
		if err != nil {
			return ""
		}
		sigs = append(sigs, sig)
	}
	agg, err := bls.AggregateSignatures(sigs)
	if err != nil {
		return ""
	}
	return agg.Hex()
}

// verifyAggregateAccept checks a COMMIT's optional AggSig against the BLS
// public keys its own Votes self-report. Best-effort: any parse or
// verification failure just means the supplemental check is skipped — the
// per-vote Ed25519 signatures already checked in HandleVote remain the
// authoritative trust path.
func verifyAggregateAccept(msg Commit) bool {
	if msg.AggSig == "" {
		return true
	}
	aggSig, err := bls.SignatureFromHex(msg.AggSig)
	if err != nil {
		return false
	}
	pubs := make([]*bls.PublicKey, 0, len(msg.Votes))
	for _, v := range msg.Votes {
		if v.BLSPub == "" {
			return false
		}
		pub, err := bls.PublicKeyFromHex(v.BLSPub)
		if err != nil {
			return false
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) == 0 {
		return false
	}
	return bls.VerifyAggregateSignatureWithDomain(aggSig, pubs, blsAcceptMessage(msg.ProtocolHash, msg.Nullifier), bls.DomainAttestation)
}

// HandleCommit applies an inbound COMMIT per §4.4's handle(COMMIT) rules.
func (e *Engine) HandleCommit(msg Commit) error {
	if hex.EncodeToString(e.protocolHash[:]) != msg.ProtocolHash {
		e.logger.Printf("warn: dropping COMMIT with mismatched protocol hash")
		return soulerr.ProtocolHashMismatch("commit protocol hash mismatch")
	}

	if msg.AggSig != "" && !verifyAggregateAccept(msg) {
		e.logger.Printf("warn: COMMIT for %s carries an AggSig that failed verification; accepting on Ed25519 vote signatures alone", msg.Nullifier)
	}

	hash := msgHash(msg.ProtocolHash, msg.Nullifier, msg.DID, msg.CommitDID, fmt.Sprint(msg.TS))

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.seenMsgHashes[hash]; dup {
		return nil
	}
	e.seenMsgHashes[hash] = struct{}{}

	incoming := &CommitEntry{
		Nullifier:   msg.Nullifier,
		DID:         msg.DID,
		CommittedMs: msg.TS * 1000,
		CommitDID:   msg.CommitDID,
		VoteCount:   len(msg.Votes),
		Votes:       msg.Votes,
	}

	existing, ok := e.committed[msg.Nullifier]
	if !ok {
		e.committed[msg.Nullifier] = incoming
		e.abortRoundLocked(msg.Nullifier, incoming.DID)
		e.persistLocked()
		return nil
	}
	if existing.DID == incoming.DID {
		return nil
	}

	// Conflict: prefer the earlier commit, tie-break by lexicographically
	// smaller commit_did.
	winner := existing
	if incoming.CommittedMs < existing.CommittedMs ||
		(incoming.CommittedMs == existing.CommittedMs && incoming.CommitDID < existing.CommitDID) {
		winner = incoming
	}
	e.committed[msg.Nullifier] = winner
	e.abortRoundLocked(msg.Nullifier, winner.DID)
	e.persistLocked()
	return soulerr.Conflict(fmt.Sprintf("nullifier %s has competing commits; resolved to %s", msg.Nullifier, winner.CommitDID))
}

// abortRoundLocked releases any in-flight round for nullifier now that an
// external COMMIT has settled it, per §4.4's "a conflicting commit arriving
// during the round" rule. Callers must hold e.mu.
func (e *Engine) abortRoundLocked(nullifier, winningDID string) {
	r, active := e.rounds[nullifier]
	if !active || r.closed {
		return
	}
	r.closed = true
	if r.did == winningDID {
		r.state = RoundCommitted
	} else {
		r.state = RoundAborted
	}
	delete(e.rounds, nullifier)
	close(r.done)
}

// ImportState merges committed entries from a peer, applying the same
// conflict-resolution rule as HandleCommit. It is idempotent: re-importing
// the same set adds no new entries.
func (e *Engine) ImportState(entries []*CommitEntry) int {
	imported := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, incoming := range entries {
		existing, ok := e.committed[incoming.Nullifier]
		if !ok {
			e.committed[incoming.Nullifier] = incoming
			imported++
			continue
		}
		if existing.DID == incoming.DID {
			continue
		}
		winner := existing
		if incoming.CommittedMs < existing.CommittedMs ||
			(incoming.CommittedMs == existing.CommittedMs && incoming.CommitDID < existing.CommitDID) {
			winner = incoming
		}
		if winner != existing {
			e.committed[incoming.Nullifier] = winner
			imported++
		}
	}
	if imported > 0 {
		e.persistLocked()
	}
	return imported
}

// CommittedKeys returns the sorted nullifier keys of every committed entry,
// the input AntiEntropySync hashes for /state/hash.
func (e *Engine) CommittedKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.committed))
	for k := range e.committed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns every committed entry in a new slice, for /state paging.
// The entries themselves are shared with the engine, not copied.
func (e *Engine) Snapshot() []*CommitEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*CommitEntry, 0, len(e.committed))
	for _, v := range e.committed {
		out = append(out, v)
	}
	return out
}

func (e *Engine) persist() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistLocked()
}

func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.SaveCommitted(e.committed); err != nil {
		e.logger.Printf("persist committed state failed: %v", err)
	}
}
