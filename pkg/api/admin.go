package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"twinchat/pkg/logger"
	"twinchat/pkg/utils"
)

type broadcastRequest struct {
	Content string `json:"content"`
}

func (a *api) adminBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		utils.JSONError(w, http.StatusBadRequest, "content required")
		return
	}
	if a.deps.Gateway == nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "gateway not running")
		return
	}
	n := a.deps.Gateway.Broadcast(req.Content)
	logger.Info("admin_broadcast", "sessions", n)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"sessions": n})
}

func (a *api) adminLimitReset(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["id"]
	a.deps.Limiter.Reset(participantID)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"participant": participantID, "status": "reset"})
}

func (a *api) adminRetentionRun(w http.ResponseWriter, r *http.Request) {
	if a.deps.Sweeper == nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "retention not configured")
		return
	}
	report := a.deps.Sweeper.RunOnce(r.Context())
	_ = utils.JSONWrite(w, http.StatusOK, report)
}
