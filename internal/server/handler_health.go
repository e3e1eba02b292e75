package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	GoVersion string   `json:"go_version"`
	Uptime    string   `json:"uptime"`
	Dispatch  string   `json:"dispatch"`
	Handlers  []string `json:"handlers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	dispatch := "disabled"
	if s.loop != nil {
		dispatch = "running"
	}
	var handlers []string
	if s.registry != nil {
		handlers = s.registry.Types()
	}

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Dispatch:  dispatch,
		Handlers:  handlers,
	})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, map[string]any{
		"name":    "flowq",
		"version": "0.1.0",
		"endpoints": []string{
			"/api/v1/health",
			"/api/v1/jobs",
			"/api/v1/queue/stats",
			"/api/v1/workflows",
			"/api/v1/runs",
		},
	})
}
