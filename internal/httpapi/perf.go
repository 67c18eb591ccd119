package httpapi

import "net/http"

// handlePerfLatency reports the recent per-stage latencies and which stages
// miss their p95 target.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.StageSnapshot()
	over := []string{}
	for _, st := range snap.Stages {
		if st.OverTarget {
			over = append(over, st.Stage)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"window":      snap,
		"over_target": over,
		"within_slo":  len(over) == 0,
	})
}
