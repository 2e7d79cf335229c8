package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
	"twinchat/pkg/store"
	"twinchat/pkg/utils"
)

// writeErr maps sentinel errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errdefs.ErrValidation):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errdefs.ErrAuthorization):
		utils.JSONError(w, http.StatusForbidden, "forbidden")
	default:
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
	}
}

type createPairRequest struct {
	ID           string               `json:"id,omitempty"`
	Participants [2]models.Participant `json:"participants"`
}

func (a *api) createPair(w http.ResponseWriter, r *http.Request) {
	var req createPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" {
		req.ID = utils.GenPairID()
	}
	pair, err := a.deps.Store.CreatePair(models.TwinPair{
		ID:           req.ID,
		Participants: req.Participants,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	logger.Info("pair_created", "pair", pair.ID)
	_ = utils.JSONWrite(w, http.StatusCreated, pair)
}

func (a *api) getPair(w http.ResponseWriter, r *http.Request) {
	pair, err := a.deps.Store.GetPair(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, pair)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	pairID := mux.Vars(r)["id"]
	q := r.URL.Query()
	opts := store.HistoryOptions{Type: models.MessageType(q.Get("type"))}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("before"); v != "" {
		opts.Before, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("after"); v != "" {
		opts.After, _ = strconv.ParseInt(v, 10, 64)
	}

	// a pair that was never created is a 404, not an empty page
	if _, err := a.deps.Store.GetPair(pairID); err != nil {
		writeErr(w, err)
		return
	}
	msgs, hasMore, err := a.deps.Store.History(pairID, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Pair     string           `json:"pair"`
		Messages []models.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}{Pair: pairID, Messages: msgs, HasMore: hasMore})
}

func (a *api) queueStats(w http.ResponseWriter, r *http.Request) {
	pairID := mux.Vars(r)["id"]
	if _, err := a.deps.Store.GetPair(pairID); err != nil {
		writeErr(w, err)
		return
	}
	stats, err := a.deps.Queue.Stats(pairID)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, stats)
}

func (a *api) undelivered(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["id"]
	msgs, err := a.deps.Store.Undelivered(participantID, r.URL.Query().Get("pair"))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Participant string           `json:"participant"`
		Messages    []models.Message `json:"messages"`
	}{Participant: participantID, Messages: msgs})
}
