package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fishwowater/trellis-go/types"
)

// Response is the uniform API envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo carries a structured error to the client.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type submitRequest struct {
	Kind   types.JobKind           `json:"kind"`
	Image  string                  `json:"image,omitempty"`
	Mesh   string                  `json:"mesh,omitempty"`
	Prompt string                  `json:"prompt,omitempty"`
	Params *types.GenerationParams `json:"params,omitempty"`
}

type importResponse struct {
	JobID  string `json:"job_id"`
	Handle string `json:"handle"`
}

type clearResponse struct {
	Removed int `json:"removed"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func writeError(w http.ResponseWriter, err error) {
	code := types.GetErrorCode(err)
	info := &ErrorInfo{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: types.IsRetryable(err),
	}
	if typed, ok := err.(*types.Error); ok {
		info.Message = typed.Message
	}
	writeJSON(w, httpStatusFor(code), Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
	})
}

// httpStatusFor maps orchestrator error codes to HTTP statuses.
func httpStatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrInvalidTransition:
		return http.StatusConflict
	case types.ErrConnection, types.ErrTimeout, types.ErrServer, types.ErrDownloadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, "invalid request body").WithCause(err))
		return
	}

	var (
		rec *types.JobRecord
		err error
	)
	switch req.Kind {
	case types.KindImageTo3D:
		rec, err = s.service.SubmitImageTo3D(r.Context(), req.Image, req.Params)
	case types.KindTextTo3D:
		rec, err = s.service.SubmitTextTo3D(r.Context(), req.Prompt, req.Params)
	case types.KindImageDetailVariation:
		rec, err = s.service.SubmitImageDetailVariation(r.Context(), req.Mesh, req.Image, req.Params)
	case types.KindTextDetailVariation:
		rec, err = s.service.SubmitTextDetailVariation(r.Context(), req.Mesh, req.Prompt, req.Params)
	default:
		writeError(w, types.NewError(types.ErrInvalidRequest, "unknown job kind: "+string(req.Kind)))
		return
	}
	if err != nil {
		s.logger.Warn("submit rejected", zap.String("kind", string(req.Kind)), zap.Error(err))
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusAccepted, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, s.service.Jobs())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := s.service.Job(id)
	if rec == nil {
		writeError(w, types.NewError(types.ErrNotFound, "unknown job id: "+id))
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, rec)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, err := s.service.ImportResult(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, importResponse{JobID: id, Handle: handle})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, clearResponse{Removed: s.service.ClearHistory()})
}
