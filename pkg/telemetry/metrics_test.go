package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	m := New()
	m.ConsensusRoundsCommitted.Inc()
	m.AttestationsRejected.WithLabelValues("CooldownActive").Inc()
	m.LedgerAnchorQueueDepth.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"soulprint_consensus_rounds_committed_total 1",
		`soulprint_attestations_rejected_total{reason="CooldownActive"} 1`,
		"soulprint_ledgeranchor_queue_depth 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected scrape output to contain %q, got:\n%s", want, body)
		}
	}
}
