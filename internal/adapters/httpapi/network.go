package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/bandwidth"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/login"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
)

type BandwidthStatus interface {
	Snapshot() []bandwidth.Usage
	Paused() bool
	SetPaused(paused bool)
}

type DomainStatus interface {
	UnhealthyDomains() []string
}

type LoginStatus interface {
	Status() []login.Status
	Invalidate(domainKey string)
}

// Waker relance le manager d'abonnements sans attendre son prochain tick.
type Waker interface {
	Wake()
}

// NetworkHandler: état de la bande passante, des domaines et des logins.
type NetworkHandler struct {
	bw      BandwidthStatus
	domains DomainStatus
	logins  LoginStatus
	waker   Waker
}

func NewNetworkHandler(bw BandwidthStatus, domains DomainStatus, logins LoginStatus, waker Waker) *NetworkHandler {
	return &NetworkHandler{bw: bw, domains: domains, logins: logins, waker: waker}
}

func (h *NetworkHandler) wake() {
	if h.waker != nil {
		h.waker.Wake()
	}
}

type networkStatus struct {
	Paused           bool              `json:"paused"`
	Usage            []bandwidth.Usage `json:"usage"`
	UnhealthyDomains []string          `json:"unhealthyDomains"`
	Logins           []login.Status    `json:"logins"`
}

func (h *NetworkHandler) Routes(r chi.Router) {
	r.Get("/network", h.status)
	r.Post("/network/pause", h.pause(true))
	r.Post("/network/resume", h.pause(false))
	r.Post("/network/logins/{domain}/invalidate", h.invalidateLogin)
}

func (h *NetworkHandler) status(w http.ResponseWriter, r *http.Request) {
	st := networkStatus{Usage: []bandwidth.Usage{}, UnhealthyDomains: []string{}, Logins: []login.Status{}}
	if h.bw != nil {
		st.Paused = h.bw.Paused()
		st.Usage = h.bw.Snapshot()
	}
	if h.domains != nil {
		st.UnhealthyDomains = h.domains.UnhealthyDomains()
	}
	if h.logins != nil {
		st.Logins = h.logins.Status()
	}
	httpjson.Write(w, http.StatusOK, st)
}

func (h *NetworkHandler) pause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.bw == nil {
			httpjson.WriteError(w, http.StatusNotImplemented, "no bandwidth manager")
			return
		}
		h.bw.SetPaused(paused)
		if !paused {
			h.wake()
		}
		h.status(w, r)
	}
}

func (h *NetworkHandler) invalidateLogin(w http.ResponseWriter, r *http.Request) {
	if h.logins == nil {
		httpjson.WriteError(w, http.StatusNotImplemented, "no login manager")
		return
	}
	h.logins.Invalidate(chi.URLParam(r, "domain"))
	h.wake()
	w.WriteHeader(http.StatusNoContent)
}
