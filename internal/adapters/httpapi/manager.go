package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/app"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
)

type ManagerControl interface {
	Status() app.ManagerStatus
	SetPaused(paused bool)
	SetEditing(editing bool)
	Wake()
}

// ManagerHandler: la pause passe par les settings quand ils sont disponibles,
// pour survivre à un redémarrage.
type ManagerHandler struct {
	manager  ManagerControl
	settings *app.SettingsService
}

func NewManagerHandler(manager ManagerControl, settings *app.SettingsService) *ManagerHandler {
	return &ManagerHandler{manager: manager, settings: settings}
}

func (h *ManagerHandler) Routes(r chi.Router) {
	r.Route("/manager", func(r chi.Router) {
		r.Get("/", h.status)
		r.Post("/pause", h.pause(true))
		r.Post("/resume", h.pause(false))
		r.Post("/wake", h.wake)
		r.Put("/editing", h.editing)
		r.Post("/editing", h.editing)
	})
}

func (h *ManagerHandler) status(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, h.manager.Status())
}

func (h *ManagerHandler) pause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.settings != nil {
			if _, err := h.settings.SetSubscriptionsPaused(r.Context(), paused); err != nil {
				writeErr(w, r, err)
				return
			}
		}
		h.manager.SetPaused(paused)
		httpjson.Write(w, http.StatusOK, h.manager.Status())
	}
}

func (h *ManagerHandler) wake(w http.ResponseWriter, r *http.Request) {
	h.manager.Wake()
	w.WriteHeader(http.StatusAccepted)
}

type editingRequest struct {
	Editing *bool `json:"editing" validate:"required"`
}

func (h *ManagerHandler) editing(w http.ResponseWriter, r *http.Request) {
	var req editingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.manager.SetEditing(*req.Editing)
	httpjson.Write(w, http.StatusOK, h.manager.Status())
}
