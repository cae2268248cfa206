package chshare

import (
	"encoding/json"
	"net/http"
	"strings"
)

// RelayPath is where NewStatusHandler mounts the relay upgrade endpoint
const RelayPath = "/relay"

// NewStatusHandler returns the management endpoints of s: /health, /version
// and /stats. If relay is not nil it is served at RelayPath and also receives
// any websocket upgrade, wherever it is addressed.
func NewStatusHandler(s *Server, relay http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(BuildVersion))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
			s.DLogf("Failed to write stats: %s", err)
		}
	})
	if relay == nil {
		return mux
	}
	mux.Handle(RelayPath, relay)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			relay.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}
