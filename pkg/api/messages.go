package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"twinchat/pkg/logger"
	"twinchat/pkg/models"
	"twinchat/pkg/utils"
)

func (a *api) markDelivered(w http.ResponseWriter, r *http.Request) {
	m, err := a.deps.Store.MarkDelivered(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	m, err := a.deps.Store.MarkRead(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (a *api) listReactions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.deps.Store.GetMessage(id); err != nil {
		writeErr(w, err)
		return
	}
	reactions, err := a.deps.Store.ListReactions(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		MessageID string            `json:"message_id"`
		Reactions []models.Reaction `json:"reactions"`
	}{MessageID: id, Reactions: reactions})
}

type addReactionRequest struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

func (a *api) addReaction(w http.ResponseWriter, r *http.Request) {
	var req addReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	reaction, err := a.deps.Store.AddReaction(mux.Vars(r)["id"], req.UserID, req.Emoji)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, reaction)
}

func (a *api) removeReaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.deps.Store.RemoveReaction(vars["id"], vars["user"], vars["emoji"]); err != nil {
		writeErr(w, err)
		return
	}
	logger.Debug("reaction_removed_via_api", "msg_id", vars["id"], "user", vars["user"])
	w.WriteHeader(http.StatusNoContent)
}
