package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"coedit/api/internal/metrics"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	validate   *validator.Validate
	socket     http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger,
		validate:   validate,
	}
}

// MountSocket serves the awareness WebSocket at /ws/files/{id}.
func (s *HTTPServer) MountSocket(handler http.Handler) {
	s.socket = handler
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/session/start", s.handleSessionStart).Methods(http.MethodPost)
	r.HandleFunc("/session/end", s.handleSessionEnd).Methods(http.MethodPost)
	r.HandleFunc("/session/status", s.handleSessionStatus).Methods(http.MethodGet)

	r.HandleFunc("/changes/propose", s.handlePropose).Methods(http.MethodPost)
	r.HandleFunc("/changes/list", s.handleListProposals).Methods(http.MethodGet)
	r.HandleFunc("/changes/status", s.handleProposalStatus).Methods(http.MethodGet)
	r.HandleFunc("/changes/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/changes/reject", s.handleReject).Methods(http.MethodPost)

	r.HandleFunc("/files/{id}", s.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}", s.handlePutFile).Methods(http.MethodPut)
	r.HandleFunc("/files/{id}/name", s.handleFileName).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}/history", s.handleFileHistory).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}/snapshots", s.handleFileSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/collaborations/check-role", s.handleCheckRole).Methods(http.MethodGet)

	r.HandleFunc("/version-control/create", s.handleCreateVersion).Methods(http.MethodPost)
	r.HandleFunc("/version-control/list", s.handleListVersions).Methods(http.MethodGet)
	r.HandleFunc("/version-control/search", s.handleSearchVersions).Methods(http.MethodGet)

	r.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications/read", s.handleMarkNotificationsRead).Methods(http.MethodPost)

	if s.socket != nil {
		r.Handle("/ws/files/{id}", s.socket).Methods(http.MethodGet)
	}

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type sessionRequest struct {
	FileID    string `json:"fileId" validate:"required"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
}

func (s *HTTPServer) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	record, err := s.service.StartSession(r.Context(), body.FileID, body.UserID, body.UserEmail)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": record})
}

func (s *HTTPServer) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	record, err := s.service.EndSession(r.Context(), body.FileID, firstNonBlank(body.UserID, body.UserEmail))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": record})
}

func (s *HTTPServer) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.SessionStatus(r.Context(), r.URL.Query().Get("fileId"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *HTTPServer) handlePropose(w http.ResponseWriter, r *http.Request) {
	var body SubmitProposalInput
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	result, err := s.service.SubmitProposal(r.Context(), body)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": result.ID, "created": result.Created})
}

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListProposals(r.Context(), r.URL.Query().Get("fileId"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": items})
}

func (s *HTTPServer) handleProposalStatus(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.service.ProposalStatus(r.Context(), r.URL.Query().Get("proposalId"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

type reviewRequest struct {
	ProposalID    string `json:"proposalId" validate:"required"`
	ReviewerID    string `json:"reviewerId"`
	ReviewerEmail string `json:"reviewerEmail"`
	Message       string `json:"message"`
}

func (s *HTTPServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	proposal, err := s.service.ApproveProposal(r.Context(), body.ProposalID, firstNonBlank(body.ReviewerID, body.ReviewerEmail))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "proposal": proposal})
}

func (s *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	result, err := s.service.RejectProposal(r.Context(), body.ProposalID, firstNonBlank(body.ReviewerID, body.ReviewerEmail), body.Message)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"proposal":        result.Proposal,
		"restoredContent": result.RestoredContent,
		"misses":          result.Misses,
	})
}

func (s *HTTPServer) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.service.GetFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

type putFileRequest struct {
	Content *string `json:"content" validate:"required"`
}

func (s *HTTPServer) handlePutFile(w http.ResponseWriter, r *http.Request) {
	var body putFileRequest
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	if err := s.service.SaveFile(r.Context(), mux.Vars(r)["id"], *body.Content); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleFileName(w http.ResponseWriter, r *http.Request) {
	name, err := s.service.FileName(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, name)
}

func (s *HTTPServer) handleFileHistory(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.FileHistory(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleFileSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.service.Snapshots(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *HTTPServer) handleCheckRole(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	check, err := s.service.CheckRole(r.Context(), query.Get("fileId"), query.Get("userId"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var body RecordVersionInput
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	version, err := s.service.RecordVersion(r.Context(), body)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "versionId": version.ID})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.Context(), r.URL.Query().Get("projectId"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "versions": versions})
}

func (s *HTTPServer) handleSearchVersions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	response, err := s.service.SearchVersions(r.Context(), query.Get("projectId"), query.Get("q"), queryInt(r, "limit"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListNotifications(r.Context(), r.URL.Query().Get("userId"), queryInt(r, "limit"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

type markReadRequest struct {
	UserID string   `json:"userId" validate:"required"`
	IDs    []string `json:"ids"`
}

func (s *HTTPServer) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var body markReadRequest
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	updated, err := s.service.MarkNotificationsRead(r.Context(), body.UserID, body.IDs)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

// decodeAndValidate writes the failure response itself and reports whether
// the handler may continue.
func (s *HTTPServer) decodeAndValidate(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fieldErrs[0].Field()+" is required", nil)
			return false
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", nil)
		return false
	}
	return true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return value
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.HTTPDuration.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Observe(elapsed.Seconds())
		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the awareness socket upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
