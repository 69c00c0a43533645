package httpapi

import (
	"net/http"
	"net/url"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/app"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
	"github.com/go-chi/chi/v5"
)

type SubscriptionsHandler struct {
	subs *app.SubscriptionService
}

func NewSubscriptionsHandler(subs *app.SubscriptionService) *SubscriptionsHandler {
	return &SubscriptionsHandler{subs: subs}
}

func (h *SubscriptionsHandler) Routes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Patch("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/pause", h.pause(true))
			r.Post("/resume", h.pause(false))
			r.Post("/check-now", h.checkNow)
			r.Post("/clear-delay", h.clearDelay)
			r.Post("/retry-failed", h.retryFailed)

			r.Post("/queries", h.addQueries)
			r.Route("/queries/{query}", func(r chi.Router) {
				r.Delete("/", h.removeQuery)
				r.Get("/log", h.queryLog)
				r.Post("/pause", h.pauseQuery(true))
				r.Post("/resume", h.pauseQuery(false))
				r.Post("/check-now", h.checkNow)
				r.Post("/reset", h.resetQuery)
				r.Post("/retry-failed", h.retryFailed)
			})
		})
	})
}

// params renvoie le nom et la query (vide hors /queries/{query}), déséchappés.
func params(r *http.Request) (name, query string) {
	name = chi.URLParam(r, "name")
	if v, err := url.PathUnescape(name); err == nil {
		name = v
	}
	query = chi.URLParam(r, "query")
	if v, err := url.PathUnescape(query); err == nil {
		query = v
	}
	return name, query
}

func (h *SubscriptionsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req app.CreateSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.subs.Create(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, sub)
}

func (h *SubscriptionsHandler) list(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, subs)
}

func (h *SubscriptionsHandler) get(w http.ResponseWriter, r *http.Request) {
	name, _ := params(r)
	sub, err := h.subs.Get(r.Context(), name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) update(w http.ResponseWriter, r *http.Request) {
	name, _ := params(r)
	var req app.UpdateSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := h.subs.Update(r.Context(), name, req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, updated)
}

func (h *SubscriptionsHandler) delete(w http.ResponseWriter, r *http.Request) {
	name, _ := params(r)
	if err := h.subs.Delete(r.Context(), name); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionsHandler) pause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, _ := params(r)
		sub, err := h.subs.SetPaused(r.Context(), name, paused)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		httpjson.Write(w, http.StatusOK, sub)
	}
}

func (h *SubscriptionsHandler) pauseQuery(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, query := params(r)
		sub, err := h.subs.SetQueryPaused(r.Context(), name, query, paused)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		httpjson.Write(w, http.StatusOK, sub)
	}
}

func (h *SubscriptionsHandler) checkNow(w http.ResponseWriter, r *http.Request) {
	name, query := params(r)
	sub, err := h.subs.CheckNow(r.Context(), name, query)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) clearDelay(w http.ResponseWriter, r *http.Request) {
	name, _ := params(r)
	sub, err := h.subs.ClearDelay(r.Context(), name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sub)
}

type retryFailedResponse struct {
	Subscription app.SubscriptionDTO `json:"subscription"`
	Retried      int                 `json:"retried"`
}

func (h *SubscriptionsHandler) retryFailed(w http.ResponseWriter, r *http.Request) {
	name, query := params(r)
	sub, n, err := h.subs.RetryFailed(r.Context(), name, query)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, retryFailedResponse{Subscription: sub, Retried: n})
}

type addQueriesRequest struct {
	Queries []string `json:"queries" validate:"required,min=1,dive,required,max=500"`
}

func (h *SubscriptionsHandler) addQueries(w http.ResponseWriter, r *http.Request) {
	name, _ := params(r)
	var req addQueriesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.subs.AddQueries(r.Context(), name, req.Queries)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) removeQuery(w http.ResponseWriter, r *http.Request) {
	name, query := params(r)
	sub, err := h.subs.RemoveQuery(r.Context(), name, query)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) resetQuery(w http.ResponseWriter, r *http.Request) {
	name, query := params(r)
	sub, err := h.subs.ResetQuery(r.Context(), name, query)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) queryLog(w http.ResponseWriter, r *http.Request) {
	name, query := params(r)
	log, err := h.subs.QueryLog(r.Context(), name, query, queryInt(r, "limit"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, log)
}
