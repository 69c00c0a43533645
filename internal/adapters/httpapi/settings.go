package httpapi

import (
	"net/http"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/app"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
	"github.com/go-chi/chi/v5"
)

// SettingsHandler: les composants dépendants sont notifiés par SettingsService.OnChange.
type SettingsHandler struct {
	settings *app.SettingsService
}

func NewSettingsHandler(settings *app.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/settings", h.get)
	r.Put("/settings", h.put)
	// Variante avec slash final (utile selon reverse-proxy / clients).
	r.Get("/settings/", h.get)
	r.Put("/settings/", h.put)
}

func (h *SettingsHandler) get(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Get(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, s)
}

func (h *SettingsHandler) put(w http.ResponseWriter, r *http.Request) {
	var s domain.Settings
	if !decodeOnly(w, r, &s) {
		return
	}
	// Les champs absents prennent leur valeur par défaut avant validation.
	s = s.Normalize()
	if !validBody(w, &s) {
		return
	}
	updated, err := h.settings.Put(r.Context(), s)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, updated)
}
