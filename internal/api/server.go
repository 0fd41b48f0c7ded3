package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/magickflow/internal/domain"
	"github.com/dunamismax/magickflow/internal/id"
	"github.com/dunamismax/magickflow/internal/store"
)

const (
	defaultMaxUploadBytes = 32 << 20
	uploadField           = "file"
	fileIDParam           = "file_id"
	webhookParam          = "webhook_url"
	notifyTimeout         = 2 * time.Minute
)

type Transformer interface {
	Transform(ctx context.Context, req domain.TransformRequest) (domain.TransformResult, error)
}

type ArtifactStore interface {
	SaveInput(originalName string, r io.Reader) (domain.Artifact, error)
	Resolve(artifactID string, role domain.Role) (domain.Artifact, error)
}

type Notifier interface {
	Notify(ctx context.Context, endpoint string, evt domain.TransformEvent) error
}

type Server struct {
	logger         *log.Logger
	transformer    Transformer
	artifacts      ArtifactStore
	jobStore       store.JobStore
	notifier       Notifier
	maxUploadBytes int64
	registry       *prometheus.Registry
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
	notifications  sync.WaitGroup
}

type Option func(*Server)

func WithNotifier(n Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

// WithRegistry shares a metrics registry with the core packages so /metrics serves all of them.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

func NewServer(logger *log.Logger, transformer Transformer, artifacts ArtifactStore, jobStore store.JobStore, opts ...Option) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if jobStore == nil {
		jobStore = store.NewMemoryJobStore()
	}

	s := &Server{
		logger:         logger,
		transformer:    transformer,
		artifacts:      artifacts,
		jobStore:       jobStore,
		maxUploadBytes: defaultMaxUploadBytes,
		tracer:         otel.Tracer("magickflow/api"),
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

// Close waits for in-flight webhook deliveries or until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.notifications.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/uploads", s.handleUpload)
	s.mux.HandleFunc("POST /v1/transforms/{operation}", s.handleTransform)
	s.mux.HandleFunc("GET /v1/downloads/{id}", s.handleDownload)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    "magickflow",
		"status":     "ok",
		"operations": domain.Operations(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	input, err := s.receiveUpload(r)
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	if input == nil {
		s.writeError(w, r, "", fmt.Errorf("%w: multipart field %q is required", domain.ErrMissingInput, uploadField))
		return
	}

	s.logger.Printf("upload stored file_id=%s", input.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"file_id":    input.ID,
		"created_at": input.CreatedAt,
	})
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	op, err := domain.ParseOperation(r.PathValue("operation"))
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}

	query := r.URL.Query()
	webhookURL, err := parseWebhookURL(query.Get(webhookParam))
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}

	input, err := s.transformInput(w, r, query.Get(fileIDParam))
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}

	req := domain.TransformRequest{
		Operation: op,
		Input:     input,
		Params:    operationParams(query),
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Operation:  op,
		Status:     domain.JobStatusRunning,
		Params:     req.Params,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if input != nil {
		job.InputID = input.ID
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record job"})
		return
	}
	w.Header().Set("X-Job-ID", job.ID)

	result, err := s.transformer.Transform(r.Context(), req)
	job.Settle(result, err, time.Now().UTC())
	if updateErr := s.jobStore.Update(context.WithoutCancel(r.Context()), job); updateErr != nil {
		s.logger.Printf("update job failed job_id=%s err=%v", job.ID, updateErr)
	}
	s.notify(r.Context(), job)

	if err != nil {
		s.writeError(w, r, job.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"operation":    result.Operation,
		"file_id":      result.Output.ID,
		"download_url": downloadURL(result.Output.ID),
		"filter":       result.Filter,
		"format":       result.Format,
		"width":        result.Width,
		"height":       result.Height,
	})
}

// transformInput resolves a prior upload by id or stores the multipart file
// sent with the request. It returns nil when neither is present so the
// service reports the missing input.
func (s *Server) transformInput(w http.ResponseWriter, r *http.Request, fileID string) (*domain.Artifact, error) {
	if fileID = strings.TrimSpace(fileID); fileID != "" {
		input, err := s.artifacts.Resolve(fileID, domain.RoleInput)
		if err != nil {
			if errors.Is(err, domain.ErrArtifactNotFound) {
				return nil, fmt.Errorf("%w: %w", domain.ErrMissingInput, err)
			}
			return nil, err
		}
		return &input, nil
	}

	if !isMultipart(r) {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	return s.receiveUpload(r)
}

// receiveUpload streams the first "file" part of a multipart body into the input directory.
func (s *Server) receiveUpload(r *http.Request) (*domain.Artifact, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, &domain.ValidationError{Field: uploadField, Reason: "expected a multipart/form-data body"}
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, uploadError(err)
		}

		if part.FormName() != uploadField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		input, err := s.artifacts.SaveInput(part.FileName(), part)
		_ = part.Close()
		if err != nil {
			return nil, uploadError(err)
		}
		return &input, nil
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	output, err := s.artifacts.Resolve(r.PathValue("id"), domain.RoleOutput)
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}

	f, err := os.Open(output.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, r, "", domain.NotFound(output.ID))
			return
		}
		s.writeError(w, r, "", &domain.StoreIOError{Op: "open", Path: output.Path, Err: err})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", output.ID))
	http.ServeContent(w, r, output.ID, output.CreatedAt, f)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found", "kind": domain.KindArtifactNotFound})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) notify(ctx context.Context, job domain.Job) {
	if s.notifier == nil || job.WebhookURL == "" {
		return
	}

	evt := domain.TransformEvent{
		JobID:      job.ID,
		Operation:  job.Operation,
		Status:     job.Status,
		OutputID:   job.OutputID,
		ErrorKind:  job.ErrorKind,
		Error:      job.Error,
		OccurredAt: job.UpdatedAt,
	}
	if job.OutputID != "" {
		evt.DownloadURL = downloadURL(job.OutputID)
	}

	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, job.WebhookURL, evt); err != nil {
			s.metrics.webhookFailures.Inc()
			s.logger.Printf("webhook delivery failed job_id=%s err=%v", job.ID, err)
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, jobID string, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed method=%s path=%s job_id=%s kind=%s err=%v", r.Method, r.URL.Path, jobID, kind, err)
		message = "image processing failed"
		if kind == domain.KindStoreIO || kind == domain.KindInternal {
			message = "internal error"
		}
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
		message = fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)
	}

	body := map[string]string{"error": message, "kind": kind}
	if jobID != "" {
		body["job_id"] = jobID
	}
	writeJSON(w, status, body)
}

func statusForKind(kind string) int {
	switch kind {
	case domain.KindValidation, domain.KindMissingInput:
		return http.StatusBadRequest
	case domain.KindArtifactNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %w", domain.ErrValidation, tooLarge)
	}
	return fmt.Errorf("read upload: %w", err)
}

func operationParams(query url.Values) map[string]string {
	params := make(map[string]string, len(query))
	for key, values := range query {
		if key == fileIDParam || key == webhookParam || len(values) == 0 {
			continue
		}
		params[key] = values[0]
	}
	return params
}

func parseWebhookURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &domain.ValidationError{Field: webhookParam, Reason: "must be an absolute http or https URL"}
	}
	return u.String(), nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/")
}

func downloadURL(fileID string) string {
	return "/v1/downloads/" + url.PathEscape(fileID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
