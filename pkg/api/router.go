package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"twinchat/internal/retention"
	"twinchat/pkg/queue"
	"twinchat/pkg/ratelimit"
	"twinchat/pkg/store"
	"twinchat/pkg/utils"
)

// Broadcaster pushes a system message to every live session. Implemented by
// the gateway.
type Broadcaster interface {
	Broadcast(content string) int
}

// Deps are the wired dependencies for the REST surface.
type Deps struct {
	Store   *store.Store
	Queue   *queue.Manager
	Limiter *ratelimit.Limiter
	Gateway Broadcaster
	Sweeper *retention.Sweeper
	ServeWS http.HandlerFunc
}

// Handler builds the REST router. Authentication, CORS and ingress limiting
// are layered on by auth.Middleware in the app bootstrap.
func Handler(d Deps) http.Handler {
	a := &api{d}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if d.ServeWS != nil {
		r.HandleFunc("/ws", d.ServeWS)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/pairs", a.createPair).Methods(http.MethodPost)
	v1.HandleFunc("/pairs/{id}", a.getPair).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{id}/messages", a.history).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{id}/queue/stats", a.queueStats).Methods(http.MethodGet)
	v1.HandleFunc("/participants/{id}/undelivered", a.undelivered).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/delivered", a.markDelivered).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/read", a.markRead).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/reactions", a.listReactions).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/reactions", a.addReaction).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/reactions/{user}/{emoji}", a.removeReaction).Methods(http.MethodDelete)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/broadcast", a.adminBroadcast).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/{id}/reset", a.adminLimitReset).Methods(http.MethodPost)
	admin.HandleFunc("/retention/run", a.adminRetentionRun).Methods(http.MethodPost)

	return r
}

type api struct {
	deps Deps
}

func (a *api) ready(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Store == nil || !a.deps.Store.Ready() {
		utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
}
