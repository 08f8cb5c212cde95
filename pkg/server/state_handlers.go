package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/soulprint-network/validator/pkg/antientropy"
	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
)

const nodeVersion = version

// HandleStateHash serves GET /state/hash: the single hash a peer's
// AntiEntropySync.Tick compares against its own before fetching anything
// more, computed identically to pkg/antientropy.ComputeStateHash so the two
// sides never disagree about what "in sync" means.
func (h *Handlers) HandleStateHash(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	keys := []string{}
	if h.Consensus != nil {
		keys = h.Consensus.CommittedKeys()
	}
	json.NewEncoder(w).Encode(antientropy.StateHash{Hash: antientropy.ComputeStateHash(keys)})
}

// HandleStateInfo serves GET /state/info.
func (h *Handlers) HandleStateInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	nullifierCount := 0
	var latest int64
	if h.Consensus != nil {
		for _, entry := range h.Consensus.Snapshot() {
			nullifierCount++
			if entry.CommittedMs/1000 > latest {
				latest = entry.CommittedMs / 1000
			}
		}
	}
	attestationCount := 0
	if h.Attestation != nil {
		attestationCount = len(h.Attestation.AllEntries())
	}
	json.NewEncoder(w).Encode(antientropy.StateInfo{
		NullifierCount:   nullifierCount,
		AttestationCount: attestationCount,
		LatestTS:         latest,
		ProtocolHash:     hex.EncodeToString(h.ProtocolHash[:]),
		NodeVersion:      nodeVersion,
	})
}

// HandleState serves GET /state?page&limit&since: a paged snapshot of
// committed nullifiers and attestation history, the payload a peer's
// syncWithPeer loop consumes via ImportState.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", antientropy.PageLimit)
	if limit < 1 {
		limit = antientropy.PageLimit
	}
	since := int64(queryInt(r, "since", 0))

	var nullifiers []*consensus.CommitEntry
	if h.Consensus != nil {
		for _, entry := range h.Consensus.Snapshot() {
			if entry.CommittedMs/1000 >= since {
				nullifiers = append(nullifiers, entry)
			}
		}
	}

	attestations := map[string][]attestation.Entry{}
	reps := map[string]attestation.Rep{}
	if h.Attestation != nil {
		for _, entry := range h.Attestation.AllEntries() {
			if entry.TS < since {
				continue
			}
			attestations[entry.TargetDID] = append(attestations[entry.TargetDID], entry)
		}
		for did := range attestations {
			reps[did] = h.Attestation.GetReputation(did)
		}
	}

	totalPages := (len(nullifiers) + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * limit
	end := start + limit
	if start > len(nullifiers) {
		start = len(nullifiers)
	}
	if end > len(nullifiers) {
		end = len(nullifiers)
	}

	json.NewEncoder(w).Encode(antientropy.StatePage{
		Nullifiers:   nullifiers[start:end],
		Attestations: attestations,
		Reps:         reps,
		Page:         page,
		TotalPages:   totalPages,
		ProtocolHash: hex.EncodeToString(h.ProtocolHash[:]),
	})
}

// stateMergeRequest is POST /state/merge's body: a push-based counterpart to
// the pull-based AntiEntropySync loop, for an operator or peer to hand this
// node a batch of state directly rather than waiting for the next tick.
type stateMergeRequest struct {
	Nullifiers   []*consensus.CommitEntry       `json:"nullifiers"`
	Attestations map[string][]attestation.Entry `json:"attestations"`
	ProtocolHash string                          `json:"protocol_hash"`
}

// stateMergeResponse reports how much of the pushed batch was new.
type stateMergeResponse struct {
	ImportedNullifiers   int   `json:"imported_nullifiers"`
	ImportedAttestations int   `json:"imported_attestations"`
	MergedAt             int64 `json:"merged_at"`
}

// HandleStateMerge serves POST /state/merge.
func (h *Handlers) HandleStateMerge(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req stateMergeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProtocolHash != hex.EncodeToString(h.ProtocolHash[:]) {
		writeSoulErr(w, protocolHashMismatch())
		return
	}

	importedN, importedA := 0, 0
	if h.Consensus != nil {
		importedN = h.Consensus.ImportState(req.Nullifiers)
	}
	if h.Attestation != nil {
		flat := make([]attestation.Entry, 0)
		for _, entries := range req.Attestations {
			flat = append(flat, entries...)
		}
		importedA = h.Attestation.ImportState(flat)
	}
	if h.Metrics != nil && importedN+importedA > 0 {
		h.Metrics.AntiEntropyImportedItems.Add(float64(importedN + importedA))
	}

	json.NewEncoder(w).Encode(stateMergeResponse{
		ImportedNullifiers:   importedN,
		ImportedAttestations: importedA,
		MergedAt:             time.Now().Unix(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
