package httpapi

import (
	"net/http"
	"strings"
)

// handlePerfLatency serves the rolling latency window. ?reset=1 clears it
// after the snapshot is taken; ?stage=a,b limits the stages returned.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.LatencySnapshot()
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		want := make(map[string]bool)
		for _, name := range strings.Split(raw, ",") {
			want[strings.TrimSpace(name)] = true
		}
		kept := snap.Stages[:0]
		for _, st := range snap.Stages {
			if want[st.Stage] {
				kept = append(kept, st)
			}
		}
		snap.Stages = kept
	}
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetLatency()
	}
	respondJSON(w, http.StatusOK, snap)
}
