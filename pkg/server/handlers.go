package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mizanlabs/mizan/pkg/ingest"
	"github.com/mizanlabs/mizan/pkg/llm"
	"github.com/mizanlabs/mizan/pkg/orchestrator"
	"github.com/mizanlabs/mizan/pkg/store"
)

var allowedExtensions = map[string]bool{
	".csv":  true,
	".xls":  true,
	".xlsx": true,
	".pdf":  true,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart file, stores it, and kicks off
// ingestion in the background. The client polls the upload status.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize())

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "file exceeds size limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		s.writeError(w, http.StatusUnprocessableEntity, "unsupported file type: "+ext)
		return
	}

	uploadID := uuid.NewString()
	path := filepath.Join(s.cfg.Storage.UploadsDir(), uploadID+ext)
	if err := saveFile(file, path); err != nil {
		s.logger.Error("failed to store upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	uid := userID(r)
	upload := &store.Upload{ID: uploadID, UserID: uid, Filename: header.Filename}
	if err := s.store.CreateUpload(r.Context(), upload); err != nil {
		s.mapError(w, err)
		return
	}

	// Ingestion outlives the request; vision PDFs can take minutes.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.orch.ProcessUpload(ctx, uid, uploadID, path, header.Filename)
	}()

	writeJSON(w, http.StatusOK, upload)
}

// uploadIDFrom resolves the upload a request targets. Nested routes
// carry it in the path; the flat aliases pass ?upload_id=.
func uploadIDFrom(r *http.Request) string {
	if id := chi.URLParam(r, "uploadID"); id != "" {
		return id
	}
	return r.URL.Query().Get("upload_id")
}

func saveFile(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	uploads, err := s.store.ListUploads(r.Context(), userID(r), limit, offset)
	if err != nil {
		s.mapError(w, err)
		return
	}
	if uploads == nil {
		uploads = []store.Upload{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": uploads})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	uploadID := uploadIDFrom(r)

	upload, err := s.store.GetUpload(r.Context(), uid, uploadID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	if upload.Status != store.StatusCompleted {
		writeJSON(w, http.StatusOK, upload)
		return
	}

	// Completed uploads carry summary metadata for the poller.
	var payload orchestrator.ParsedPayload
	if err := s.store.GetParsedData(r.Context(), uid, uploadID, &payload); err != nil {
		writeJSON(w, http.StatusOK, upload)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*store.Upload
		SummaryMetadata any `json:"summary_metadata,omitempty"`
	}{upload, summaryMetadata(payload)})
}

// summaryMetadata condenses the parsed payload for status responses.
func summaryMetadata(p orchestrator.ParsedPayload) any {
	if p.Summary != nil {
		return p.Summary
	}
	if p.Statement != nil {
		return map[string]any{
			"company_name":   p.Statement.CompanyInfo.Name,
			"current_period": p.Statement.CompanyInfo.CurrentPeriod,
			"confidence":     p.Statement.Confidence,
		}
	}
	return nil
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	err := s.orch.DeleteWorkspace(r.Context(), userID(r), uploadIDFrom(r))
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	var payload orchestrator.ParsedPayload
	err := s.store.GetParsedData(r.Context(), userID(r), uploadIDFrom(r), &payload)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleListTransactions pages through the parsed transactions of an
// upload, optionally filtered by kind and category.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	var payload orchestrator.ParsedPayload
	err := s.store.GetParsedData(r.Context(), userID(r), uploadIDFrom(r), &payload)
	if err != nil {
		s.mapError(w, err)
		return
	}

	q := r.URL.Query()
	kind := strings.ToLower(q.Get("kind"))
	category := strings.ToLower(q.Get("category"))

	filtered := payload.Transactions[:0:0]
	for _, t := range payload.Transactions {
		if kind != "" && string(t.Kind) != kind {
			continue
		}
		if category != "" && strings.ToLower(t.Category) != category {
			continue
		}
		filtered = append(filtered, t)
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	total := len(filtered)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": filtered[start:end],
		"total":        total,
		"page":         page,
		"limit":        limit,
	})
}

// handleGetStatement returns the parsed financial statement of an upload.
func (s *Server) handleGetStatement(w http.ResponseWriter, r *http.Request) {
	var payload orchestrator.ParsedPayload
	err := s.store.GetParsedData(r.Context(), userID(r), uploadIDFrom(r), &payload)
	if err != nil {
		s.mapError(w, err)
		return
	}
	if payload.Statement == nil {
		s.writeError(w, http.StatusNotFound, "upload holds no financial statement")
		return
	}
	writeJSON(w, http.StatusOK, payload.Statement)
}

// handleRunInsights runs the full agent set synchronously. The response
// carries every agent's result, failed ones included. Each model call is
// individually deadline-bounded by the gateway; the run as a whole only
// ends early if the client disconnects.
func (s *Server) handleRunInsights(w http.ResponseWriter, r *http.Request) {
	uploadID := uploadIDFrom(r)
	if uploadID == "" {
		var req struct {
			UploadID string `json:"upload_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		uploadID = req.UploadID
	}
	if uploadID == "" {
		s.writeError(w, http.StatusBadRequest, "upload_id is required")
		return
	}

	results, err := s.orch.RunFullInsights(r.Context(), userID(r), uploadID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"insights": results})
}

func (s *Server) handleGetInsights(w http.ResponseWriter, r *http.Request) {
	results, err := s.orch.Insights(r.Context(), userID(r), uploadIDFrom(r))
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"insights": results})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID string `json:"upload_id"`
		Query    string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "body must be {\"query\": \"...\"}")
		return
	}
	uploadID := uploadIDFrom(r)
	if uploadID == "" {
		uploadID = req.UploadID
	}
	if uploadID == "" {
		s.writeError(w, http.StatusBadRequest, "upload_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LLM.ChatTimeout)
	defer cancel()

	answer, err := s.orch.AnswerChat(ctx, userID(r), uploadID, req.Query)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.orch.ChatHistory(r.Context(), userID(r), uploadIDFrom(r), limit)
	if err != nil {
		s.mapError(w, err)
		return
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// mapError translates domain errors into status codes.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orchestrator.ErrStillProcessing):
		s.writeError(w, http.StatusConflict, "upload is still processing")
	case errors.Is(err, orchestrator.ErrUploadFailed),
		errors.Is(err, ingest.ErrParseFailed),
		errors.Is(err, ingest.ErrUnsupportedFormat):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "model call timed out")
	case errors.Is(err, llm.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "model runtime unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
