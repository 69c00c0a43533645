package httpapi

import (
	"net/http"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
	"github.com/go-chi/chi/v5"
)

// JobCanceller est optionnel: sans lui, les jobs sont en lecture seule.
type JobCanceller interface {
	Cancel(id string) error
}

// JobsHandler expose les NetworkJobs vivants et récents.
type JobsHandler struct {
	jobs   ports.JobRegistry
	cancel JobCanceller
}

func NewJobsHandler(jobs ports.JobRegistry, cancel JobCanceller) *JobsHandler {
	return &JobsHandler{jobs: jobs, cancel: cancel}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Route("/network/jobs", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/cancel", h.cancelJob)
	})
}

func (h *JobsHandler) list(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.JobSnapshot{}
	}
	httpjson.Write(w, http.StatusOK, jobs)
}

func (h *JobsHandler) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, job)
}

func (h *JobsHandler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if h.cancel == nil {
		httpjson.WriteError(w, http.StatusMethodNotAllowed, "jobs are read-only")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.cancel.Cancel(id); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
