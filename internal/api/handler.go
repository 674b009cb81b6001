package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/absence"
	"github.com/lalithlochan/flock/internal/campaign"
	"github.com/lalithlochan/flock/internal/db"
)

// Tracker records attendance. *absence.Tracker implements it.
type Tracker interface {
	MarkAttendance(ctx context.Context, in absence.MarkInput) (*absence.Result, error)
}

// Campaigns creates and sends campaigns. *campaign.Engine implements it.
type Campaigns interface {
	Create(ctx context.Context, in campaign.CreateInput) (*db.Campaign, error)
	Execute(ctx context.Context, id uuid.UUID) (*campaign.Result, error)
	Preview(ctx context.Context, rule json.RawMessage, channel string) ([]campaign.Recipient, error)
}

// Deliveries acts on individual delivery records. *dispatch.Dispatcher implements it.
type Deliveries interface {
	Resend(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	MarkBounced(ctx context.Context, id uuid.UUID, reason string) (*db.DeliveryRecord, error)
}

// Repository is the read side used by the listing endpoints.
type Repository interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaigns(ctx context.Context, status string, limit, offset int) ([]*db.Campaign, error)
	ListDeliveries(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*db.DeliveryRecord, error)
	CountDeliveries(ctx context.Context, campaignID uuid.UUID) (map[string]int, error)
	ListStreaks(ctx context.Context, locationID uuid.UUID, minCount, limit, offset int) ([]*db.AbsenceStreak, error)
	GetStreak(ctx context.Context, memberID, locationID uuid.UUID) (*db.AbsenceStreak, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	tracker    Tracker
	campaigns  Campaigns
	deliveries Deliveries
	repo       Repository
}

func NewHandler(logger *zap.Logger, tracker Tracker, campaigns Campaigns, deliveries Deliveries, repo Repository) *Handler {
	return &Handler{
		logger:     logger,
		tracker:    tracker,
		campaigns:  campaigns,
		deliveries: deliveries,
		repo:       repo,
	}
}

// Mount registers the v1 routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/attendance/marks", h.RecordMark)
		r.Get("/streaks", h.ListStreaks)
		r.Get("/members/{id}/streak", h.GetStreak)

		r.Post("/campaigns", h.CreateCampaign)
		r.Get("/campaigns", h.ListCampaigns)
		r.Get("/campaigns/{id}", h.GetCampaign)
		r.Post("/campaigns/{id}/send", h.SendCampaign)
		r.Get("/campaigns/{id}/deliveries", h.ListDeliveries)
		r.Post("/recipients/preview", h.PreviewRecipients)

		r.Post("/deliveries/{id}/resend", h.ResendDelivery)
		r.Post("/deliveries/{id}/bounce", h.BounceDelivery)
	})
}

// MarkRequest is the body of POST /v1/attendance/marks
type MarkRequest struct {
	MemberID  string `json:"member_id"`
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	ChurchID  string `json:"church_id,omitempty"`
	Date      string `json:"date"` // YYYY-MM-DD
	Status    string `json:"status"`
}

// MarkResponse reports what a mark did.
type MarkResponse struct {
	Decision string `json:"decision"`
	*absence.Result
}

// RecordMark handles POST /v1/attendance/marks
func (h *Handler) RecordMark(w http.ResponseWriter, r *http.Request) {
	var req MarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	memberID, err := uuid.Parse(req.MemberID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid member_id", "member_id must be a valid UUID")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid session_id", "session_id must be a valid UUID")
		return
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", "date must be YYYY-MM-DD")
		return
	}

	session := absence.Session{ID: sessionID, Level: absence.SessionLevel(req.Level)}
	if req.ChurchID != "" {
		churchID, err := uuid.Parse(req.ChurchID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid church_id", "church_id must be a valid UUID")
			return
		}
		session.ChurchID = &churchID
	}

	res, err := h.tracker.MarkAttendance(r.Context(), absence.MarkInput{
		MemberID: memberID,
		Session:  session,
		Date:     date,
		Status:   db.MarkStatus(req.Status),
	})
	if err != nil {
		h.writeServiceError(w, err, "record mark")
		return
	}

	h.writeJSON(w, http.StatusOK, MarkResponse{Decision: res.Decision.String(), Result: res})
}

// ListStreaks handles GET /v1/streaks?location_id=xxx&min_count=3
func (h *Handler) ListStreaks(w http.ResponseWriter, r *http.Request) {
	locationID, err := uuid.Parse(r.URL.Query().Get("location_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid location_id", "location_id query parameter must be a valid UUID")
		return
	}

	minCount := 1
	if s := r.URL.Query().Get("min_count"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			minCount = n
		}
	}
	limit, offset := parsePagination(r)

	streaks, err := h.repo.ListStreaks(r.Context(), locationID, minCount, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list streaks")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   streaks,
		"limit":  limit,
		"offset": offset,
		"count":  len(streaks),
	})
}

// GetStreak handles GET /v1/members/{id}/streak?location_id=
func (h *Handler) GetStreak(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	locationID, err := uuid.Parse(r.URL.Query().Get("location_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid location_id", "location_id query parameter must be a valid UUID")
		return
	}

	streak, err := h.repo.GetStreak(r.Context(), memberID, locationID)
	if err != nil {
		h.writeServiceError(w, err, "get streak")
		return
	}

	h.writeJSON(w, http.StatusOK, streak)
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, err, "create campaign")
		return
	}

	h.writeJSON(w, http.StatusCreated, c)
}

// ListCampaigns handles GET /v1/campaigns?status=
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", db.CampaignDraft, db.CampaignSending, db.CampaignSent, db.CampaignFailed:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be draft, sending, sent or failed")
		return
	}
	limit, offset := parsePagination(r)

	campaigns, err := h.repo.ListCampaigns(r.Context(), status, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list campaigns")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	c, err := h.repo.GetCampaign(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get campaign")
		return
	}

	counts, err := h.repo.CountDeliveries(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "count deliveries")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"campaign":   c,
		"deliveries": counts,
	})
}

// SendCampaign handles POST /v1/campaigns/{id}/send
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	res, err := h.campaigns.Execute(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "send campaign")
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	// the per-recipient records are served by the deliveries endpoint
	res.Deliveries = nil
	h.writeJSON(w, status, res)
}

// ListDeliveries handles GET /v1/campaigns/{id}/deliveries?status=failed
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", db.DeliveryPending, db.DeliverySent, db.DeliveryFailed, db.DeliveryBounced:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be pending, sent, failed or bounced")
		return
	}
	limit, offset := parsePagination(r)

	records, err := h.repo.ListDeliveries(r.Context(), id, status, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list deliveries")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   records,
		"limit":  limit,
		"offset": offset,
		"count":  len(records),
	})
}

// PreviewRequest is the body of POST /v1/recipients/preview
type PreviewRequest struct {
	Channel string          `json:"channel"`
	Rule    json.RawMessage `json:"rule"`
}

// PreviewRecipients handles POST /v1/recipients/preview
func (h *Handler) PreviewRecipients(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	recipients, err := h.campaigns.Preview(r.Context(), req.Rule, req.Channel)
	if err != nil {
		h.writeServiceError(w, err, "preview recipients")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  recipients,
		"count": len(recipients),
	})
}

// ResendDelivery handles POST /v1/deliveries/{id}/resend
func (h *Handler) ResendDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	rec, err := h.deliveries.Resend(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "resend delivery")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// BounceRequest is the optional body of POST /v1/deliveries/{id}/bounce
type BounceRequest struct {
	Reason string `json:"reason"`
}

// BounceDelivery handles POST /v1/deliveries/{id}/bounce
func (h *Handler) BounceDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req BounceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	rec, err := h.deliveries.MarkBounced(r.Context(), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, err, "bounce delivery")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// parsePagination reads limit (1..100, default 20) and offset (default 0).
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// writeServiceError maps sentinel errors from the core to problem+json.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case errors.Is(err, campaign.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", "Operation not allowed in current state", err.Error())
	case errors.Is(err, campaign.ErrEmptyRecipientSet):
		h.writeError(w, http.StatusUnprocessableEntity, "empty_recipient_set", "Rule matches no recipients", err.Error())
	case errors.Is(err, campaign.ErrNoValidRecipients):
		h.writeError(w, http.StatusUnprocessableEntity, "no_valid_recipients", "No valid recipient addresses", err.Error())
	case errors.Is(err, campaign.ErrInvalidRule),
		errors.Is(err, campaign.ErrInvalidCampaign),
		errors.Is(err, absence.ErrInvalidStatus),
		errors.Is(err, absence.ErrInvalidSession):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("operation", op))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+op, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in problem+json format
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
