package main

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/montylab/simorch/internal/events"
)

const streamKeepAlive = 15 * time.Second

// handleSocket serves /ws (every run) and /ws/{run_id} (one run).
func (api *orchestratorAPI) handleSocket(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID != "" {
		if _, err := api.runs.Get(runID); err != nil {
			api.writeLookupError(w, r, err)
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     api.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		api.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	observer := events.NewSocketObserver(conn, runID, api.stream.ObserverBuffer)
	api.broadcaster.Add(observer)
	defer api.broadcaster.Remove(observer.ID())

	api.logger.Info("live feed attached", "observer_id", observer.ID(), "run_id", runID, "transport", "websocket")
	observer.Serve()
	api.logger.Info("live feed detached", "observer_id", observer.ID(), "run_id", runID)
}

func (api *orchestratorAPI) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, err := api.runs.Get(runID); err != nil {
		api.writeLookupError(w, r, err)
		return
	}

	observer := events.NewStreamObserver(runID, api.stream.ObserverBuffer)
	api.broadcaster.Add(observer)
	defer api.broadcaster.Remove(observer.ID())

	if err := observer.Serve(w, r, streamKeepAlive); err != nil {
		api.logger.Warn("event stream ended", "observer_id", observer.ID(), "run_id", runID, "error", err)
	}
}

// checkOrigin accepts same-host requests and any origin listed in
// SIMORCH_WS_ALLOWED_ORIGINS. "*" accepts everything.
func (api *orchestratorAPI) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range api.stream.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
