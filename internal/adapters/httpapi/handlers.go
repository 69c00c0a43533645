package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/app"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/buildinfo"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
)

const defaultRequestTimeout = 30 * time.Second

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Les messages citent les noms JSON, pas les noms Go.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, buildinfo.Current())
}

func accessLogFn(r *http.Request, status, size int, duration time.Duration) {
	logger := hlog.FromRequest(r)
	logger.Info().
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("http")
}

// decodeJSON lit le corps puis valide les tags `validate`.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeOnly(w, r, dst) && validBody(w, dst)
}

func decodeOnly(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func validBody(w http.ResponseWriter, v any) bool {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			httpjson.WriteCodedError(w, http.StatusBadRequest, app.CodeInvalid, strings.Join(msgs, "; "))
			return false
		}
		httpjson.WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeErr traduit les erreurs du domaine en statuts HTTP.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ce *app.CodedError
	switch {
	case errors.Is(err, app.ErrNotFound):
		httpjson.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrBusy):
		httpjson.WriteCodedError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, app.ErrConflict):
		httpjson.WriteCodedError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &ce) && ce.Code == app.CodeInvalid:
		httpjson.WriteCodedError(w, http.StatusBadRequest, ce.Code, ce.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		httpjson.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
