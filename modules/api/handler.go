package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
	"quel-tryon-client/modules/orchestrator"
	"quel-tryon-client/modules/workflow"
)

const maxBodyBytes = 1 << 20

// FeedbackReader - see feedback.Service
type FeedbackReader interface {
	Toggle(ctx context.Context, jobID string, kind model.JobKind, channel model.FeedbackChannel, value model.FeedbackValue) (*model.FeedbackValue, error)
	Current(ctx context.Context, jobID string, channel model.FeedbackChannel) (*model.FeedbackValue, error)
}

// Handler - HTTP surface of the try-on client
type Handler struct {
	orch     *orchestrator.Orchestrator
	feedback FeedbackReader
	hub      *Hub
	validate *validator.Validate
	log      zerolog.Logger
	started  time.Time
}

func NewHandler(orch *orchestrator.Orchestrator, feedback FeedbackReader, hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{
		orch:     orch,
		feedback: feedback,
		hub:      hub,
		validate: validator.New(),
		log:      logger.Component(log, "api"),
		started:  time.Now(),
	}
}

// Router - all routes behind CORS, preflights included
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return enableCORS(r)
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.healthCheck).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.getMetrics).Methods(http.MethodGet)
	if h.hub != nil {
		r.HandleFunc("/ws", h.hub.ServeWS)
	}

	s := r.PathPrefix("/api/sessions").Subrouter()
	s.HandleFunc("/active", h.getActiveSession).Methods(http.MethodGet)
	s.HandleFunc("/active", h.setActiveKind).Methods(http.MethodPut)
	s.HandleFunc("/active/fields", h.setField).Methods(http.MethodPut)
	s.HandleFunc("/active/next", h.nextStep).Methods(http.MethodPost)
	s.HandleFunc("/active/previous", h.previousStep).Methods(http.MethodPost)
	s.HandleFunc("/{kind}/reset", h.resetSession).Methods(http.MethodPost)

	j := r.PathPrefix("/api/jobs").Subrouter()
	j.HandleFunc("", h.submitJob).Methods(http.MethodPost)
	j.HandleFunc("", h.listJobs).Methods(http.MethodGet)
	j.HandleFunc("/{id}", h.getJob).Methods(http.MethodGet)
	j.HandleFunc("/{id}", h.deleteJob).Methods(http.MethodDelete)
	j.HandleFunc("/{id}/retry", h.retryJob).Methods(http.MethodPost)
	j.HandleFunc("/{id}/feedback", h.getFeedback).Methods(http.MethodGet)
	j.HandleFunc("/{id}/feedback", h.toggleJobFeedback).Methods(http.MethodPost)

	res := r.PathPrefix("/api/result").Subrouter()
	res.HandleFunc("", h.getResult).Methods(http.MethodGet)
	res.HandleFunc("/close", h.closeResult).Methods(http.MethodPost)
	res.HandleFunc("/retry", h.retryResult).Methods(http.MethodPost)
	res.HandleFunc("/download", h.downloadResult).Methods(http.MethodPost)
	res.HandleFunc("/export", h.exportResult).Methods(http.MethodPost)
	res.HandleFunc("/feedback", h.toggleResultFeedback).Methods(http.MethodPost)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Request bodies

type setKindRequest struct {
	Kind string `json:"kind" validate:"required,oneof=classic product-to-model text-to-fashion avatar-creation"`
}

type setFieldRequest struct {
	Group string  `json:"group" validate:"omitempty,oneof=person garment"`
	Field string  `json:"field" validate:"required"`
	Value *string `json:"value"`
}

type feedbackRequest struct {
	Channel string `json:"channel" validate:"required,oneof=heart thumbs"`
	Value   string `json:"value" validate:"required,oneof=liked like dislike"`
}

type downloadRequest struct {
	Format string `json:"format" validate:"omitempty,oneof=original webp"`
}

// sessionView - session plus what the input screens derive from it
type sessionView struct {
	Session  workflow.Session `json:"session"`
	Progress int              `json:"progress"`
	Valid    bool             `json:"valid"`
	Missing  []string         `json:"missing,omitempty"`
}

func newSessionView(s workflow.Session) sessionView {
	missing := s.Payload.Missing()
	return sessionView{
		Session:  s,
		Progress: s.Progress(),
		Valid:    len(missing) == 0,
		Missing:  missing,
	}
}

type feedbackView struct {
	JobID   string               `json:"job_id"`
	Channel model.FeedbackChannel `json:"channel"`
	Value   *model.FeedbackValue  `json:"value"`
}

// Health / metrics

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "quel-tryon-client",
	})
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	cached := make(map[model.JobKind]int, len(model.AllKinds))
	for _, k := range model.AllKinds {
		cached[k] = len(h.orch.Cache().List(k))
	}

	body := map[string]interface{}{
		"uptime":      time.Since(h.started).String(),
		"start_time":  h.started,
		"cached_jobs": cached,
		"result":      h.orch.Result().State(),
		"active_kind": h.orch.Sessions().ActiveKind(),
	}
	if h.hub != nil {
		body["websocket"] = h.hub.Metrics()
	}
	writeJSON(w, http.StatusOK, body)
}

// Sessions

func (h *Handler) getActiveSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionView(h.orch.Sessions().Active()))
}

func (h *Handler) setActiveKind(w http.ResponseWriter, r *http.Request) {
	var req setKindRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.orch.Sessions().SetActiveKind(model.JobKind(req.Kind)); err != nil {
		h.writeError(w, err)
		return
	}
	h.orch.SaveSessions(r.Context())
	writeJSON(w, http.StatusOK, newSessionView(h.orch.Sessions().Active()))
}

func (h *Handler) setField(w http.ResponseWriter, r *http.Request) {
	var req setFieldRequest
	if !h.decode(w, r, &req) {
		return
	}
	field := workflow.Field(req.Field)
	group := workflow.Group(req.Group)
	if group == workflow.GroupNone {
		group = workflow.GroupOf(field)
	}
	if err := h.orch.Sessions().SetField(group, field, req.Value); err != nil {
		h.writeError(w, err)
		return
	}
	h.orch.SaveSessions(r.Context())
	writeJSON(w, http.StatusOK, newSessionView(h.orch.Sessions().Active()))
}

func (h *Handler) nextStep(w http.ResponseWriter, r *http.Request) {
	h.orch.Sessions().NextStep()
	h.orch.SaveSessions(r.Context())
	writeJSON(w, http.StatusOK, newSessionView(h.orch.Sessions().Active()))
}

func (h *Handler) previousStep(w http.ResponseWriter, r *http.Request) {
	h.orch.Sessions().PreviousStep()
	h.orch.SaveSessions(r.Context())
	writeJSON(w, http.StatusOK, newSessionView(h.orch.Sessions().Active()))
}

func (h *Handler) resetSession(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.orch.Sessions().Reset(kind)
	h.orch.SaveSessions(r.Context())

	s, err := h.orch.Sessions().Session(kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s))
}

// Jobs

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.Submit(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	// cached=true skips the repository round trip
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		writeJSON(w, http.StatusOK, h.orch.Cache().List(kind))
		return
	}
	jobs, err := h.orch.Refresh(r.Context(), kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	job, err := h.orch.Cache().Load(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := h.orch.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	job, err := h.orch.Retry(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) getFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	channel := model.FeedbackChannel(r.URL.Query().Get("channel"))
	if channel != model.ChannelHeart && channel != model.ChannelThumbs {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel must be heart or thumbs"})
		return
	}
	v, err := h.feedback.Current(r.Context(), id, channel)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedbackView{JobID: id, Channel: channel, Value: v})
}

func (h *Handler) toggleJobFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	job, err := h.orch.Cache().Load(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	channel := model.FeedbackChannel(req.Channel)
	v, err := h.feedback.Toggle(r.Context(), id, job.Kind, channel, model.FeedbackValue(req.Value))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedbackView{JobID: id, Channel: channel, Value: v})
}

// Result

func (h *Handler) getResult(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Result().View())
}

func (h *Handler) closeResult(w http.ResponseWriter, r *http.Request) {
	if !h.orch.Result().Close() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is still processing"})
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Result().View())
}

func (h *Handler) retryResult(w http.ResponseWriter, r *http.Request) {
	kind, err := h.orch.Result().Retry()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.orch.SaveSessions(r.Context())

	s, err := h.orch.Sessions().Session(kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s))
}

func (h *Handler) downloadResult(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Format == "" {
		req.Format = "original"
	}
	info, err := h.orch.Result().Download(r.Context(), req.Format)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) exportResult(w http.ResponseWriter, r *http.Request) {
	var opts model.ExportOptions
	if !h.decode(w, r, &opts) {
		return
	}
	asset, err := h.orch.Result().Export(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(asset.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(asset.Data)
}

func (h *Handler) toggleResultFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	channel := model.FeedbackChannel(req.Channel)
	v, err := h.orch.Result().ToggleFeedback(r.Context(), channel, model.FeedbackValue(req.Value))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedbackView{JobID: h.orch.Result().View().JobID, Channel: channel, Value: v})
}

// Helpers

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return "", false
	}
	return id.String(), true
}

// decode reads and validates a JSON body. An empty body decodes to the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return false
		}
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *workflow.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   err.Error(),
			"kind":    vErr.Kind,
			"missing": vErr.Missing,
		})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrUnknownKind),
		errors.Is(err, model.ErrInvalidFeedback),
		errors.Is(err, workflow.ErrFieldNotInGroup),
		errors.Is(err, workflow.ErrFieldNotInKind):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrRetryUnavailable),
		errors.Is(err, model.ErrNoActiveJob),
		errors.Is(err, model.ErrNoResultAsset),
		errors.Is(err, model.ErrAlreadySaved):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.log.Error().Err(err).Msg("[API] request failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
