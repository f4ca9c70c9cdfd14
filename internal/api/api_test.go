package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-fts/internal/attendance"
	"github.com/technosupport/ts-fts/internal/capture"
	"github.com/technosupport/ts-fts/internal/config"
	"github.com/technosupport/ts-fts/internal/fts"
	"github.com/technosupport/ts-fts/internal/model"
)

type stubStore struct {
	events []attendance.Event
}

func (s *stubStore) Append(ctx context.Context, ev attendance.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *stubStore) ListByEmployee(ctx context.Context, id string, from, to time.Time) ([]attendance.Event, error) {
	var out []attendance.Event
	for _, ev := range s.events {
		if ev.EmployeeID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *stubStore) ListByRange(ctx context.Context, from, to time.Time) ([]attendance.Event, error) {
	return s.events, nil
}

func newTestServer(t *testing.T, cameras ...config.CameraDescriptor) (*Server, *stubStore) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Cameras = cameras
	cfg.Models = config.ModelsConfig{Backend: "mock", EmbeddingDim: 16, InferenceSlots: 2}
	cfg.IndexPath = filepath.Join(dir, "identities.idx")
	cfg.SpillPath = filepath.Join(dir, "spill.ndjson")
	cfg.ShutdownDeadlineSeconds = 5
	cfg.Store.Password = "sekret"

	store := &stubStore{}
	ctrl := fts.NewController(cfg, fts.Deps{
		Backend: capture.NewSyntheticBackend(),
		Models:  model.NewRegistry(cfg.Models),
		Store:   store,
	})
	t.Cleanup(func() { ctrl.Stop(context.Background()) })

	srv := NewServer(ctrl)
	srv.Store = store
	return srv, store
}

func doRequest(h http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), "GET", "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(router, "POST", "/api/v1/fts/start", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, "GET", "/api/v1/fts/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st fts.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)

	// Second start is an idempotent success.
	rec = doRequest(router, "POST", "/api/v1/fts/start", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already running")

	rec = doRequest(router, "POST", "/api/v1/fts/stop", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, "GET", "/api/v1/fts/status", nil, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Running)
}

func enrollForm(t *testing.T, employeeID, name string) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, img, nil))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("employee_id", employeeID))
	require.NoError(t, mw.WriteField("name", name))
	part, err := mw.CreateFormFile("image", "face.jpg")
	require.NoError(t, err)
	_, err = part.Write(jpg.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestEnrollAndRemoveEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	require.Equal(t, http.StatusOK, doRequest(router, "POST", "/api/v1/fts/start", nil, "").Code)

	body, ct := enrollForm(t, "E001", "Priya")
	rec := doRequest(router, "POST", "/api/v1/identities", body, ct)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate enrollment conflicts.
	body, ct = enrollForm(t, "E001", "Priya")
	rec = doRequest(router, "POST", "/api/v1/identities", body, ct)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(router, "DELETE", "/api/v1/identities/E001", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, "DELETE", "/api/v1/identities/E001", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrollRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	require.Equal(t, http.StatusOK, doRequest(router, "POST", "/api/v1/fts/start", nil, "").Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "No ID"))
	require.NoError(t, mw.Close())

	rec := doRequest(router, "POST", "/api/v1/identities", &body, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollWhileStoppedConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	body, ct := enrollForm(t, "E001", "Priya")
	rec := doRequest(srv.Router(), "POST", "/api/v1/identities", body, ct)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetConfigRedactsSecrets(t *testing.T) {
	cam := config.CameraDescriptor{
		ID: "cam-a", Kind: config.SourceRTSP, URL: "rtsp://10.0.0.9/stream",
		Username: "svc", Password: "hunter2", Enabled: true,
	}
	srv, _ := newTestServer(t, cam)

	rec := doRequest(srv.Router(), "GET", "/api/v1/config", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotContains(t, rec.Body.String(), "sekret")

	var got config.Config
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Cameras, 1)
	assert.Equal(t, "svc", got.Cameras[0].Username)
	assert.Empty(t, got.Cameras[0].Password)
}

func TestPutConfigValidates(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	bad := bytes.NewBufferString("detect_threshold: 7.5\n")
	rec := doRequest(router, "PUT", "/api/v1/config", bad, "application/x-yaml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	good := bytes.NewBufferString(strings.Join([]string{
		"models:",
		"  backend: mock",
		"  embedding_dim: 16",
		"cameras:",
		"  - id: cam-z",
		"    kind: builtin",
		"    enabled: true",
	}, "\n"))
	rec = doRequest(router, "PUT", "/api/v1/config", good, "application/x-yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, srv.Controller.Snapshot().Cameras, 1)
}

func TestAttendanceEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	store.events = []attendance.Event{
		{EmployeeID: "E001", CameraID: "cam-a", TripwireID: "tw-1", Direction: "enter", Timestamp: time.Now()},
		{EmployeeID: "E002", CameraID: "cam-a", TripwireID: "tw-1", Direction: "exit", Timestamp: time.Now()},
	}
	router := srv.Router()

	rec := doRequest(router, "GET", "/api/v1/attendance", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	rec = doRequest(router, "GET", "/api/v1/attendance/E001", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "E001")
	assert.NotContains(t, rec.Body.String(), "E002")

	rec = doRequest(router, "GET", "/api/v1/attendance?from=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttendanceWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Store = nil
	rec := doRequest(srv.Router(), "GET", "/api/v1/attendance", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamUnknownCamera(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), "GET", "/stream/cam-nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamServesMultipart(t *testing.T) {
	cam := config.CameraDescriptor{ID: "cam-a", Kind: config.SourceBuiltin, Enabled: true}
	srv, _ := newTestServer(t, cam)
	router := srv.Router()
	require.Equal(t, http.StatusOK, doRequest(router, "POST", "/api/v1/fts/start", nil, "").Code)

	ts := httptest.NewServer(router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream/cam-a", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")

	buf := make([]byte, 16)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "--frame")
}

func TestDetectionsDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), "GET", "/ws/detections/cam-a", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
