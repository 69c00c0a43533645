// Package importer stocke les fichiers téléchargés par hash de contenu.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

const NoteAlreadyInDB = "already in db"

var ErrBadHash = errors.New("invalid sha256 hash")

// Store implémente ports.FileImporter sur un afero.Fs: files/<hh>/<sha256>.
type Store struct {
	fs     afero.Fs
	logger zerolog.Logger
}

func NewStore(fs afero.Fs, logger zerolog.Logger) *Store {
	return &Store{fs: fs, logger: logger}
}

// NewDiskStore enracine le stockage dans dir.
func NewDiskStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return NewStore(afero.NewBasePathFs(afero.NewOsFs(), dir), logger), nil
}

func filePath(hash string) string {
	return path.Join("files", hash[:2], hash)
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// sniffWriter garde les 512 premiers octets pour http.DetectContentType.
type sniffWriter struct {
	head []byte
	n    int64
}

func (w *sniffWriter) Write(p []byte) (int, error) {
	if room := 512 - len(w.head); room > 0 {
		w.head = append(w.head, p[:min(room, len(p))]...)
	}
	w.n += int64(len(p))
	return len(p), nil
}

func (s *Store) Import(ctx context.Context, seed *domain.FileSeed, opts domain.ImportOptions, r io.Reader) (ports.ImportResult, error) {
	if err := s.fs.MkdirAll("tmp", 0o755); err != nil {
		return ports.ImportResult{}, err
	}
	tmp, err := afero.TempFile(s.fs, "tmp", "import-*")
	if err != nil {
		return ports.ImportResult{}, err
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = s.fs.Remove(tmpName)
		}
	}()

	h := sha256.New()
	sniff := &sniffWriter{}
	_, err = io.Copy(io.MultiWriter(tmp, h, sniff), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.ImportResult{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return ports.ImportResult{}, err
	}

	hash := hex.EncodeToString(h.Sum(nil))
	size := sniff.n
	mime := http.DetectContentType(sniff.head)

	if note := veto(opts, size, mime); note != "" {
		return ports.ImportResult{Status: domain.SeedVetoed, Hash: hash, Note: note, Size: size}, nil
	}

	dst := filePath(hash)
	if ok, _ := afero.Exists(s.fs, dst); ok {
		return ports.ImportResult{Status: domain.SeedSuccess, Hash: hash, Note: NoteAlreadyInDB, Size: size}, nil
	}
	if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return ports.ImportResult{}, err
	}
	if err := s.fs.Rename(tmpName, dst); err != nil {
		return ports.ImportResult{}, fmt.Errorf("store %s: %w", hash, err)
	}
	keep = true

	src := ""
	if seed != nil {
		src = seed.URL
	}
	s.logger.Debug().Str("hash", hash).Int64("size", size).Str("mime", mime).Str("url", src).Msg("file imported")
	return ports.ImportResult{Status: domain.SeedSuccess, Hash: hash, Size: size}, nil
}

func veto(opts domain.ImportOptions, size int64, mime string) string {
	if opts.MinSize > 0 && size < opts.MinSize {
		return fmt.Sprintf("file too small: %d < %d bytes", size, opts.MinSize)
	}
	if opts.MaxSize > 0 && size > opts.MaxSize {
		return fmt.Sprintf("file too big: %d > %d bytes", size, opts.MaxSize)
	}
	if len(opts.AllowedMIMEs) > 0 {
		for _, prefix := range opts.AllowedMIMEs {
			if strings.HasPrefix(mime, strings.ToLower(strings.TrimSpace(prefix))) {
				return ""
			}
		}
		return "mime not allowed: " + mime
	}
	return ""
}

func (s *Store) Has(hash string) bool {
	hash = strings.ToLower(hash)
	if !validHash(hash) {
		return false
	}
	ok, _ := afero.Exists(s.fs, filePath(hash))
	return ok
}

// Open renvoie le fichier stocké et son type sniffé.
func (s *Store) Open(hash string) (afero.File, string, error) {
	hash = strings.ToLower(hash)
	if !validHash(hash) {
		return nil, "", ErrBadHash
	}
	f, err := s.fs.Open(filePath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ports.ErrNotFound
		}
		return nil, "", err
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, "", err
	}
	return f, http.DetectContentType(head[:n]), nil
}
