package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunamismax/magickflow/internal/artifact"
	"github.com/dunamismax/magickflow/internal/command"
	"github.com/dunamismax/magickflow/internal/domain"
	"github.com/dunamismax/magickflow/internal/store"
	"github.com/dunamismax/magickflow/internal/transform"
)

type fakeRunner struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeRunner) Run(_ context.Context, spec command.Spec) (string, error) {
	f.calls.Add(1)
	if f.fail {
		return "", &domain.ProcessError{ExitCode: 1, Stderr: "convert: no decode delegate"}
	}

	out, err := os.Create(spec.OutputPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if err := png.Encode(out, image.NewGray(image.Rect(0, 0, 40, 30))); err != nil {
		return "", err
	}
	return spec.OutputPath, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	urls   []string
	events []domain.TransformEvent
}

func (n *recordingNotifier) Notify(_ context.Context, endpoint string, evt domain.TransformEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, endpoint)
	n.events = append(n.events, evt)
	return nil
}

type fixture struct {
	server    *Server
	handler   http.Handler
	runner    *fakeRunner
	notifier  *recordingNotifier
	artifacts *artifact.Store
	jobs      *store.MemoryJobStore
	inputDir  string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	root := t.TempDir()
	inputDir := filepath.Join(root, "uploads")
	artifacts, err := artifact.NewStore(artifact.Config{
		InputDir:  inputDir,
		OutputDir: filepath.Join(root, "output"),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	reg := prometheus.NewRegistry()
	runner := &fakeRunner{}
	notifier := &recordingNotifier{}
	jobs := store.NewMemoryJobStore()
	svc := transform.NewService(nil, artifacts, runner, transform.WithRegisterer(reg))

	opts = append([]Option{WithRegistry(reg), WithNotifier(notifier)}, opts...)
	server := NewServer(nil, svc, artifacts, jobs, opts...)
	return &fixture{
		server:    server,
		handler:   server.Handler(),
		runner:    runner,
		notifier:  notifier,
		artifacts: artifacts,
		jobs:      jobs,
		inputDir:  inputDir,
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func (f *fixture) upload(t *testing.T) string {
	t.Helper()

	body, contentType := multipartBody(t, "holiday photo.png", []byte("source-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	rec, resp := f.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	fileID, _ := resp["file_id"].(string)
	if fileID == "" {
		t.Fatalf("expected file_id in %v", resp)
	}
	return fileID
}

func TestUploadTransformDownload(t *testing.T) {
	f := newFixture(t)
	fileID := f.upload(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/transforms/resize?file_id="+fileID+"&width=40&height=30&webhook_url=https://hooks.example.com/done", nil)
	rec, resp := f.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	outputID, _ := resp["file_id"].(string)
	if !strings.HasSuffix(outputID, "-resized.jpg") {
		t.Fatalf("unexpected output id %q", outputID)
	}
	if resp["download_url"] != "/v1/downloads/"+outputID {
		t.Fatalf("unexpected download_url %v", resp["download_url"])
	}
	if resp["width"] != float64(40) || resp["height"] != float64(30) {
		t.Fatalf("expected probed 40x30, got %vx%v", resp["width"], resp["height"])
	}

	if _, err := f.artifacts.Resolve(fileID, domain.RoleInput); err == nil {
		t.Fatal("expected input to be consumed after a successful transform")
	}

	download := httptest.NewRequest(http.MethodGet, "/v1/downloads/"+outputID, nil)
	drec := httptest.NewRecorder()
	f.handler.ServeHTTP(drec, download)
	if drec.Code != http.StatusOK {
		t.Fatalf("expected download 200, got %d", drec.Code)
	}
	if _, err := png.DecodeConfig(drec.Body); err != nil {
		t.Fatalf("downloaded body is not the produced image: %v", err)
	}
	if !strings.Contains(drec.Header().Get("Content-Disposition"), outputID) {
		t.Fatalf("unexpected content disposition %q", drec.Header().Get("Content-Disposition"))
	}

	jobID := rec.Header().Get("X-Job-ID")
	jrec, job := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil))
	if jrec.Code != http.StatusOK {
		t.Fatalf("expected job 200, got %d", jrec.Code)
	}
	if job["status"] != domain.JobStatusSucceeded || job["output_id"] != outputID || job["input_id"] != fileID {
		t.Fatalf("unexpected job record %v", job)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.server.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].OutputID != outputID {
		t.Fatalf("expected one completion event, got %+v", f.notifier.events)
	}
	if f.notifier.urls[0] != "https://hooks.example.com/done" {
		t.Fatalf("unexpected webhook url %q", f.notifier.urls[0])
	}
}

func TestTransformInlineUpload(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartBody(t, "in.png", []byte("source-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/transforms/convert?format=webp", body)
	req.Header.Set("Content-Type", contentType)

	rec, resp := f.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if id, _ := resp["file_id"].(string); !strings.HasSuffix(id, ".webp") {
		t.Fatalf("expected webp output, got %q", id)
	}
	if resp["format"] != "webp" {
		t.Fatalf("expected format webp, got %v", resp["format"])
	}
}

func TestTransformErrorKinds(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		target string
		status int
		kind   string
	}{
		{"unknown operation", "/v1/transforms/explode", http.StatusBadRequest, domain.KindValidation},
		{"no input", "/v1/transforms/rotate", http.StatusBadRequest, domain.KindMissingInput},
		{"unknown file id", "/v1/transforms/rotate?file_id=1700000000000-abcd-gone.png", http.StatusBadRequest, domain.KindMissingInput},
		{"traversal file id", "/v1/transforms/rotate?file_id=..%2F..%2Fetc%2Fpasswd", http.StatusBadRequest, domain.KindValidation},
		{"bad webhook", "/v1/transforms/rotate?webhook_url=ftp://example.com", http.StatusBadRequest, domain.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := f.do(t, httptest.NewRequest(http.MethodPost, tc.target, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if resp["kind"] != tc.kind {
				t.Fatalf("expected kind %s, got %v", tc.kind, resp["kind"])
			}
		})
	}
	if f.runner.calls.Load() != 0 {
		t.Fatalf("expected the tool never to run, ran %d times", f.runner.calls.Load())
	}
}

func TestTransformInvalidParamRecordsFailedJob(t *testing.T) {
	f := newFixture(t)
	fileID := f.upload(t)

	rec, resp := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/transforms/resize?file_id="+fileID+"&width=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(resp["error"].(string), "width") {
		t.Fatalf("expected error to name the width field, got %v", resp["error"])
	}
	if f.runner.calls.Load() != 0 {
		t.Fatal("validation failure must not run the tool")
	}

	job, ok, err := f.jobs.Get(context.Background(), rec.Header().Get("X-Job-ID"))
	if err != nil || !ok {
		t.Fatalf("expected recorded job, ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusFailed || job.ErrorKind != domain.KindValidation {
		t.Fatalf("unexpected job %+v", job)
	}
	if _, err := f.artifacts.Resolve(fileID, domain.RoleInput); err != nil {
		t.Fatalf("input must survive a rejected request: %v", err)
	}
}

func TestTransformProcessFailureHidesStderr(t *testing.T) {
	f := newFixture(t)
	f.runner.fail = true
	fileID := f.upload(t)

	rec, resp := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/transforms/rotate?file_id="+fileID+"&webhook_url=http://hooks.local/x", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp["kind"] != domain.KindProcess {
		t.Fatalf("expected process kind, got %v", resp["kind"])
	}
	if strings.Contains(rec.Body.String(), "delegate") {
		t.Fatal("tool stderr must not leak to clients")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.server.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Status != domain.JobStatusFailed {
		t.Fatalf("expected one failed event, got %+v", f.notifier.events)
	}
}

func TestDownloadRejectsUnsafeAndUnknownIDs(t *testing.T) {
	f := newFixture(t)

	cases := map[string]int{
		"/v1/downloads/.env":                           http.StatusBadRequest,
		"/v1/downloads/a%5Cb.jpg":                      http.StatusBadRequest,
		"/v1/downloads/1700000000000-abcd-resized.jpg": http.StatusNotFound,
	}
	for target, want := range cases {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", target, want, rec.Code)
		}
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, WithMaxUploadBytes(512))

	body, contentType := multipartBody(t, "big.png", bytes.Repeat([]byte("x"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	rec, _ := f.do(t, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}

	entries, err := os.ReadDir(f.inputDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read input dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected partial upload to be removed, found %d entries", len(entries))
	}
}

func TestUploadRequiresMultipart(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/uploads", io.NopCloser(strings.NewReader("{}"))))
	if rec.Code != http.StatusBadRequest || resp["kind"] != domain.KindValidation {
		t.Fatalf("expected validation 400, got %d %v", rec.Code, resp)
	}
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIndexAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || resp["service"] != "magickflow" {
		t.Fatalf("unexpected index response %d %v", rec.Code, resp)
	}

	mrec := httptest.NewRecorder()
	f.handler.ServeHTTP(mrec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if mrec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", mrec.Code)
	}
	if !strings.Contains(mrec.Body.String(), "magickflow_api_requests_total") {
		t.Fatal("expected api request counter in metrics output")
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		domain.KindValidation:       http.StatusBadRequest,
		domain.KindMissingInput:     http.StatusBadRequest,
		domain.KindArtifactNotFound: http.StatusNotFound,
		domain.KindProcess:          http.StatusInternalServerError,
		domain.KindStoreIO:          http.StatusInternalServerError,
		domain.KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("statusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/transforms/resize":  "/v1/transforms/{operation}",
		"/v1/downloads/abc.jpg":  "/v1/downloads/{id}",
		"/v1/jobs/123":           "/v1/jobs/{id}",
		"/v1/uploads":            "/v1/uploads",
		"/wp-admin/setup-config": "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%s) = %s, want %s", path, got, want)
		}
	}
}
