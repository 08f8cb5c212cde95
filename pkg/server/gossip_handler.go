package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
	"github.com/soulprint-network/validator/pkg/gossip"
)

// HandleGossip serves POST /internal/gossip: a peer-pushed, epoch-keyed
// gossip envelope (see pkg/gossip.Broadcaster) carrying a single freshly
// committed nullifier or attestation. A node with no Gossip cipher
// configured, or that fails to decrypt the envelope (stale epoch, wrong
// protocol hash), treats the message as a no-op rather than an error: the
// next AntiEntropySync tick will still converge the state.
func (h *Handlers) HandleGossip(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.Gossip == nil {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "ignored"})
		return
	}

	var env gossip.Envelope
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&env); err != nil {
		writeJSONError(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	var msg gossip.CommitGossip
	ok, err := h.Gossip.Decrypt(&env, time.Now().UnixMilli(), &msg)
	if err != nil || !ok {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "rejected"})
		return
	}

	switch msg.Kind {
	case "nullifier":
		var entry consensus.CommitEntry
		if err := json.Unmarshal(msg.Entry, &entry); err == nil {
			h.Consensus.ImportState([]*consensus.CommitEntry{&entry})
		}
	case "attestation":
		var entry attestation.Entry
		if err := json.Unmarshal(msg.Entry, &entry); err == nil {
			h.Attestation.ImportState([]attestation.Entry{entry})
			if h.Mirror != nil {
				h.Mirror.MirrorReputation(entry.TargetDID, h.Attestation.GetReputation(entry.TargetDID))
			}
		}
	}

	if h.Metrics != nil {
		h.Metrics.AntiEntropyImportedItems.Inc()
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "applied"})
}
