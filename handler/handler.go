package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/afero"

	"manimatic/internal/domain"
	"manimatic/internal/usecase"
)

const (
	correlationHeader   = "X-Correlation-Id"
	defaultMaxBodyBytes = 1 << 20
	defaultRetryAfter   = 10 * time.Second
)

// videoTypes covers renderer outputs the system mime table may not know.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".gif":  "image/gif",
}

type GenerateUseCase interface {
	Generate(ctx context.Context, in usecase.GenerateInput) (usecase.GenerateOutput, error)
}

type Handler struct {
	uc         GenerateUseCase
	logger     *slog.Logger
	maxBody    int64
	retryAfter time.Duration

	artifacts      http.Handler
	artifactFs     afero.Fs
	artifactDir    string
	artifactPrefix string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithArtifacts serves files from dir on fs under urlPrefix.
func WithArtifacts(files afero.Fs, dir, urlPrefix string) Option {
	return func(h *Handler) {
		h.artifactPrefix = "/" + strings.Trim(urlPrefix, "/")
		h.artifactFs = files
		h.artifactDir = dir
		h.artifacts = http.FileServer(afero.NewHttpFs(files).Dir(dir))
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithRetryAfter sets the Retry-After hint sent when the renderer is busy.
func WithRetryAfter(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.retryAfter = d
		}
	}
}

func NewHandler(uc GenerateUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{
		uc:         uc,
		logger:     slog.Default(),
		maxBody:    defaultMaxBodyBytes,
		retryAfter: defaultRetryAfter,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type generateResponse struct {
	Message string `json:"message"`
	URL     string `json:"url"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// result is a transport-neutral response shared by the HTTP and Lambda paths.
// raw, when set, is sent as-is instead of a JSON body.
type result struct {
	status  int
	body    any
	headers map[string]string
	raw     []byte
}

// Router returns the HTTP surface: POST /generate, GET /healthz and, when
// configured, the published artifacts.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(h.cors, h.correlate, h.logRequests)

	r.HandleFunc("/generate", h.serveGenerate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if h.artifacts != nil {
		files := http.StripPrefix(h.artifactPrefix, h.artifacts)
		r.PathPrefix(h.artifactPrefix + "/").Handler(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// no directory listings
			if strings.HasSuffix(req.URL.Path, "/") {
				http.NotFound(w, req)
				return
			}
			files.ServeHTTP(w, req)
		})).Methods(http.MethodGet, http.MethodHead)
	}
	return r
}

func (h *Handler) serveGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	corrID := correlationIDFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeResult(w, bodyTooLarge())
			return
		}
		h.logger.Warn("failed to read request body", "correlation_id", corrID, "err", err)
		writeResult(w, invalidBody())
		return
	}
	writeResult(w, h.generate(r.Context(), corrID, body))
}

// Handle adapts the HTTP surface to API Gateway proxy events: POST /generate,
// GET /healthz and, when configured, the published artifacts.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	res := h.route(ctx, corrID, req)
	h.logger.Info("request",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", res.status,
		"correlation_id", corrID,
	)

	headers := map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: corrID,
	}
	for k, v := range corsHeaders {
		headers[k] = v
	}
	for k, v := range res.headers {
		headers[k] = v
	}
	out := events.APIGatewayProxyResponse{StatusCode: res.status, Headers: headers}
	switch {
	case res.raw != nil:
		out.Body = base64.StdEncoding.EncodeToString(res.raw)
		out.IsBase64Encoded = true
	case res.body != nil:
		b, err := json.Marshal(res.body)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		out.Body = string(b)
	}
	return out, nil
}

func (h *Handler) route(ctx context.Context, corrID string, req events.APIGatewayProxyRequest) result {
	path := "/" + strings.TrimLeft(req.Path, "/")
	if req.HTTPMethod == http.MethodOptions {
		return result{status: http.StatusNoContent}
	}

	switch {
	case path == "/generate":
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed()
		}
		body := []byte(req.Body)
		if req.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				h.logger.Warn("invalid base64 body", "correlation_id", corrID, "err", err)
				return invalidBody()
			}
			body = decoded
		}
		if int64(len(body)) > h.maxBody {
			return bodyTooLarge()
		}
		return h.generate(ctx, corrID, body)
	case path == "/healthz":
		if req.HTTPMethod != http.MethodGet {
			return methodNotAllowed()
		}
		return result{status: http.StatusOK, body: map[string]string{"status": "ok"}}
	case h.artifactFs != nil && strings.HasPrefix(path, h.artifactPrefix+"/"):
		if req.HTTPMethod != http.MethodGet && req.HTTPMethod != http.MethodHead {
			return methodNotAllowed()
		}
		return h.readArtifact(corrID, strings.TrimPrefix(path, h.artifactPrefix+"/"), req.HTTPMethod == http.MethodHead)
	}
	return notFound()
}

// readArtifact loads a published file for the Lambda path. Only plain names
// directly inside the artifact directory are served; hidden files such as
// in-flight staging copies are not.
func (h *Handler) readArtifact(corrID, name string, headOnly bool) result {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return notFound()
	}
	data, err := afero.ReadFile(h.artifactFs, filepath.Join(h.artifactDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound()
	}
	if err != nil {
		h.logger.Error("failed to read artifact", "correlation_id", corrID, "name", name, "err", err)
		return result{status: http.StatusInternalServerError, body: errorResponse{Message: "Internal server error"}}
	}

	ext := strings.ToLower(filepath.Ext(name))
	contentType := videoTypes[ext]
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	headers := map[string]string{
		"Content-Type":   contentType,
		"Content-Length": strconv.Itoa(len(data)),
	}
	if headOnly {
		return result{status: http.StatusOK, headers: headers}
	}
	return result{status: http.StatusOK, headers: headers, raw: data}
}

func (h *Handler) generate(ctx context.Context, corrID string, body []byte) result {
	var req domain.GenerationRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.logger.Warn("invalid request body", "correlation_id", corrID, "err", err)
			return invalidBody()
		}
	}

	out, err := h.uc.Generate(ctx, usecase.GenerateInput{Prompt: req.Prompt, CorrelationID: corrID})
	if err != nil {
		return h.errorResult(corrID, err)
	}
	return result{status: http.StatusOK, body: generateResponse{Message: "Success", URL: out.URL}}
}

func (h *Handler) errorResult(corrID string, err error) result {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected error", "correlation_id", corrID, "err", err)
		return result{status: http.StatusInternalServerError, body: errorResponse{Message: "Internal server error", Error: err.Error()}}
	}

	stage := string(ucErr.Stage)
	switch {
	case ucErr.Busy():
		return result{
			status:  http.StatusServiceUnavailable,
			body:    errorResponse{Message: "Renderer is busy, try again later", Stage: stage},
			headers: map[string]string{"Retry-After": strconv.Itoa(int((h.retryAfter + time.Second - 1) / time.Second))},
		}
	case ucErr.Timeout():
		return result{status: http.StatusGatewayTimeout, body: errorResponse{Message: "Timed out generating animation", Error: ucErr.Detail(), Stage: stage}}
	}

	switch ucErr.Stage {
	case usecase.StageValidation:
		msg := "Prompt is required"
		if ucErr.Reason == "prompt_too_long" {
			msg = "Prompt is too long"
		}
		return result{status: http.StatusBadRequest, body: errorResponse{Message: msg, Stage: stage}}
	case usecase.StageRender:
		return result{status: http.StatusInternalServerError, body: errorResponse{Message: "Failed to generate animation", Error: ucErr.Detail(), Stage: stage}}
	default:
		return result{status: http.StatusInternalServerError, body: errorResponse{Message: "Internal server error", Error: ucErr.Detail(), Stage: stage}}
	}
}

func methodNotAllowed() result {
	return result{status: http.StatusMethodNotAllowed, body: errorResponse{Message: "Method not allowed"}}
}

func notFound() result {
	return result{status: http.StatusNotFound, body: errorResponse{Message: "Not found"}}
}

func invalidBody() result {
	return result{status: http.StatusBadRequest, body: errorResponse{Message: "Invalid request body", Stage: string(usecase.StageValidation)}}
}

func bodyTooLarge() result {
	return result{status: http.StatusRequestEntityTooLarge, body: errorResponse{Message: "Request body too large", Stage: string(usecase.StageValidation)}}
}

func writeResult(w http.ResponseWriter, res result) {
	for k, v := range res.headers {
		w.Header().Set(k, v)
	}
	if res.body == nil {
		w.WriteHeader(res.status)
		return
	}
	writeJSON(w, res.status, res.body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
