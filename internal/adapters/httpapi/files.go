package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/importer"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/httpjson"
)

type FileOpener interface {
	Open(hash string) (afero.File, string, error)
}

// FilesHandler sert les fichiers importés par hash sha256.
type FilesHandler struct {
	files FileOpener
}

func NewFilesHandler(files FileOpener) *FilesHandler {
	return &FilesHandler{files: files}
}

func (h *FilesHandler) Routes(r chi.Router) {
	r.Get("/files/{hash}", h.get)
	r.Head("/files/{hash}", h.get)
}

func (h *FilesHandler) get(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	f, mime, err := h.files.Open(hash)
	if errors.Is(err, importer.ErrBadHash) {
		httpjson.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	modTime := time.Time{}
	if st, err := f.Stat(); err == nil {
		modTime = st.ModTime()
	}
	w.Header().Set("Content-Type", mime)
	// le contenu est adressé par son hash
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+hash+`"`)
	http.ServeContent(w, r, "", modTime, f)
}
