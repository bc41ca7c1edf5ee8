package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const healthProbeTimeout = 3 * time.Second

// HealthResponse is the /health body
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Checks  map[string]interface{} `json:"checks,omitempty"`
	Errors  map[string]string      `json:"errors,omitempty"`
}

// handleHealth runs every registered probe. Any probe error answers 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Service: "sdk-batch-processor",
		Checks:  make(map[string]interface{}, len(s.probes)),
	}

	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		detail, err := s.probes[name](ctx)
		if err != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		if detail != nil {
			resp.Checks[name] = detail
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
