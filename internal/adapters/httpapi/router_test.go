package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/bandwidth"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/importer"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/memorybus"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/sqlite"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/app"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

type fakeManager struct {
	st    app.ManagerStatus
	wakes int
}

func (f *fakeManager) Status() app.ManagerStatus { return f.st }
func (f *fakeManager) SetPaused(p bool)          { f.st.Paused = p }
func (f *fakeManager) SetEditing(e bool)         { f.st.Editing = e }
func (f *fakeManager) Wake()                     { f.wakes++ }

func TestRouter_HealthAndOpenAPI(t *testing.T) {
	h := NewServer(zerolog.Nop(), Deps{}).Router()

	rr := do(t, h, http.MethodGet, "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/api/v1/openapi.json", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/api/v1/subscriptions/{name}/queries/{query}/log") {
		t.Fatalf("openapi: %d", rr.Code)
	}
	// sans composant, les routes ne sont pas montées
	if rr := do(t, h, http.MethodGet, "/api/v1/subscriptions", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unmounted subscriptions: want 404, got %d", rr.Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	h := NewServer(zerolog.Nop(), Deps{CORSOrigins: []string{"http://localhost:5173"}}).Router()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin: got %q", got)
	}
}

func TestManagerHandler_PauseAndEditing(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	settings := app.NewSettingsService(sqlite.NewSettingsRepository(db.SQL))
	mgr := &fakeManager{}
	h := NewServer(zerolog.Nop(), Deps{Settings: settings, Manager: mgr}).Router()

	rr := do(t, h, http.MethodPost, "/api/v1/manager/pause", "")
	if rr.Code != http.StatusOK || !mgr.st.Paused {
		t.Fatalf("pause: %d paused=%v", rr.Code, mgr.st.Paused)
	}
	s, err := settings.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !s.PauseSubscriptions {
		t.Fatalf("pause not persisted")
	}

	if rr := do(t, h, http.MethodPut, "/api/v1/manager/editing", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("editing without body field: want 400, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodPut, "/api/v1/manager/editing", `{"editing":true}`)
	if rr.Code != http.StatusOK || !mgr.st.Editing {
		t.Fatalf("editing: %d editing=%v", rr.Code, mgr.st.Editing)
	}

	if rr := do(t, h, http.MethodPost, "/api/v1/manager/wake", ""); rr.Code != http.StatusAccepted || mgr.wakes != 1 {
		t.Fatalf("wake: %d wakes=%d", rr.Code, mgr.wakes)
	}
}

func TestNetworkHandler_StatusAndPause(t *testing.T) {
	bw := bandwidth.New(bandwidth.DefaultConfig())
	mgr := &fakeManager{}
	h := NewServer(zerolog.Nop(), Deps{Bandwidth: bw, Manager: mgr, Jobs: app.NewJobRegistry(nil, 10)}).Router()

	rr := do(t, h, http.MethodPost, "/api/v1/network/pause", "")
	if rr.Code != http.StatusOK || !bw.Paused() || mgr.wakes != 0 {
		t.Fatalf("pause: %d paused=%v wakes=%d", rr.Code, bw.Paused(), mgr.wakes)
	}
	var st networkStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Paused || st.UnhealthyDomains == nil || st.Logins == nil {
		t.Fatalf("unexpected status: %+v", st)
	}

	rr = do(t, h, http.MethodPost, "/api/v1/network/resume", "")
	if rr.Code != http.StatusOK || bw.Paused() || mgr.wakes != 1 {
		t.Fatalf("resume: %d paused=%v wakes=%d", rr.Code, bw.Paused(), mgr.wakes)
	}

	rr = do(t, h, http.MethodGet, "/api/v1/network/jobs", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("jobs: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/api/v1/network/jobs/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown job: want 404, got %d", rr.Code)
	}
	// sans canceller, lecture seule
	if rr := do(t, h, http.MethodPost, "/api/v1/network/jobs/nope/cancel", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("cancel read-only: want 405, got %d", rr.Code)
	}
}

func TestFilesHandler_ServesImportedFile(t *testing.T) {
	store := importer.NewStore(afero.NewMemMapFs(), zerolog.Nop())
	content := []byte("GIF89a fake image bytes")
	res, err := store.Import(context.Background(), &domain.FileSeed{URL: "https://example.com/a.gif"}, domain.ImportOptions{}, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	h := NewServer(zerolog.Nop(), Deps{Files: store}).Router()

	rr := do(t, h, http.MethodGet, "/api/v1/files/"+res.Hash, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(rr.Body.Bytes(), content) {
		t.Fatalf("body mismatch")
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/gif" {
		t.Fatalf("content-type: %q", ct)
	}

	if rr := do(t, h, http.MethodGet, "/api/v1/files/not-a-hash", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad hash: want 400, got %d", rr.Code)
	}
	missing := strings.Repeat("0", 64)
	if rr := do(t, h, http.MethodGet, "/api/v1/files/"+missing, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing: want 404, got %d", rr.Code)
	}
}

func TestEvents_FiltersByTopic(t *testing.T) {
	bus := memorybus.New()
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(NewServer(zerolog.Nop(), Deps{Bus: bus}).Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?topic=subscription.", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type: %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var b strings.Builder
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return b.String()
				}
				t.Fatalf("read: %v", err)
			}
			if line == "\n" {
				return b.String()
			}
			b.WriteString(line)
		}
	}
	if ev := readEvent(); !strings.Contains(ev, "event: hello") {
		t.Fatalf("first event: %q", ev)
	}

	bus.Publish("job.updated", []byte(`{"id":"x"}`))
	bus.Publish("subscription.updated", []byte(`{"name":"cats"}`))

	ev := readEvent()
	if !strings.Contains(ev, "event: subscription.updated") || !strings.Contains(ev, `"name":"cats"`) {
		t.Fatalf("event: %q", ev)
	}
	if !strings.Contains(ev, "id: ") {
		t.Fatalf("missing id: %q", ev)
	}
}
