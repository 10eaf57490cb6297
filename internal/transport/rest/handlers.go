package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

type Handler struct {
	reservations *service.ReservationManager
	tables       *service.OpenTableRegistry
	requests     *service.JoinRequestWorkflow
}

func NewHandler(reservations *service.ReservationManager, tables *service.OpenTableRegistry, requests *service.JoinRequestWorkflow) *Handler {
	return &Handler{reservations: reservations, tables: tables, requests: requests}
}

type listResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ---- reservations ----

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}

	var req createReservationRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid request", validationMeta(err))
		return
	}

	guests := make([]uuid.UUID, 0, len(req.GuestIDs))
	for _, s := range req.GuestIDs {
		guests = append(guests, uuid.MustParse(s)) // validated above
	}

	res, err := h.reservations.Create(r.Context(), service.CreateReservationCmd{
		EventID:        uuid.MustParse(req.EventID),
		OwnerID:        auth.UserID,
		GuestIDs:       guests,
		Type:           domain.ReservationType(req.Type),
		WantsGroupChat: req.WantsGroupChat,
		IsOpenTable:    req.IsOpenTable,
		Description:    req.Description,
		MinBudget:      req.MinBudget,
		AvailableSpots: req.AvailableSpots,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, res)
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	id, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}

	res, err := h.reservations.Get(r.Context(), id, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, res)
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	id, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}

	res, err := h.reservations.Cancel(r.Context(), id, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, res)
}

func (h *Handler) MyReservations(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid cursor", nil)
		return
	}

	items, next, err := h.reservations.ListMine(r.Context(), auth.UserID, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Reservation{}
	}
	response.Data(w, http.StatusOK, listResponse[domain.Reservation]{Items: items, NextCursor: encodeCursor(next)})
}

// ---- open tables ----

func (h *Handler) ListOpenTables(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	items, err := h.tables.ListOpenTables(r.Context(), eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	if items == nil {
		items = []domain.OpenTableListing{}
	}
	response.Data(w, http.StatusOK, listResponse[domain.OpenTableListing]{Items: items})
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	l, err := h.tables.GetListing(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, l)
}

// ---- join requests ----

func (h *Handler) SubmitJoinRequest(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	listingID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}

	// body is optional
	var req submitJoinRequestRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid request", validationMeta(err))
		return
	}

	jr, err := h.requests.Submit(r.Context(), listingID, auth.UserID, req.Message, idempotencyKey(r))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, jr)
}

func (h *Handler) ListJoinRequests(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	id, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	status, limit, cur, ok := listParams(w, r)
	if !ok {
		return
	}

	items, next, err := h.requests.ListForReservation(r.Context(), id, auth.UserID, status, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	writeRequests(w, items, next)
}

func (h *Handler) MyJoinRequests(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	status, limit, cur, ok := listParams(w, r)
	if !ok {
		return
	}

	items, next, err := h.requests.ListMine(r.Context(), auth.UserID, status, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	writeRequests(w, items, next)
}

func (h *Handler) RespondToJoinRequest(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	id, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	var req decisionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid request", validationMeta(err))
		return
	}

	jr, err := h.requests.Respond(r.Context(), id, auth.UserID, domain.Decision(req.Decision))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, jr)
}

func (h *Handler) WithdrawJoinRequest(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
		return
	}
	id, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	jr, err := h.requests.Withdraw(r.Context(), id, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, jr)
}

func writeRequests(w http.ResponseWriter, items []domain.JoinRequest, next *domain.KeysetCursor) {
	if items == nil {
		items = []domain.JoinRequest{}
	}
	response.Data(w, http.StatusOK, listResponse[domain.JoinRequest]{Items: items, NextCursor: encodeCursor(next)})
}

// ---- helpers ----

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		// Do not leak internal details.
		logger.WithCtx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
		return
	}

	status := statusFor(de.Kind)
	if status >= http.StatusInternalServerError {
		logger.WithCtx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	fail(w, r, status, string(de.Kind), de.Message, de.Meta)
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindEventNotFound, domain.KindListingNotFound,
		domain.KindReservationNotFound, domain.KindRequestNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindOverlappingReservation, domain.KindDuplicateReservation,
		domain.KindCapacityExceeded, domain.KindPriveDisabled, domain.KindInsufficientBudget,
		domain.KindListingFull, domain.KindSelfJoinNotAllowed, domain.KindDuplicateRequest,
		domain.KindInvalidState, domain.KindIdempotencyMismatch, domain.KindNoSeatsAvailable:
		return http.StatusConflict
	case domain.KindEventClosed:
		return http.StatusGone
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.RequestIDOr(r.Context(), "no-request-id"))
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid "+param, map[string]string{
			param: "must be a valid uuid",
		})
		return uuid.Nil, false
	}
	return id, true
}

// idempotencyKey is optional on every write.
func idempotencyKey(r *http.Request) string {
	k := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if k == "" {
		k = strings.TrimSpace(r.Header.Get("Idempotency-Key")) // legacy fallback
	}
	return k
}

func listParams(w http.ResponseWriter, r *http.Request) (*domain.JoinRequestStatus, int, *domain.KeysetCursor, bool) {
	q := r.URL.Query()

	var status *domain.JoinRequestStatus
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		st := domain.JoinRequestStatus(strings.ToLower(s))
		if !st.Valid() {
			fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid status", map[string]string{
				"status": "oneof=pending approved rejected",
			})
			return nil, 0, nil, false
		}
		status = &st
	}

	cur, err := decodeCursor(q.Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, string(domain.KindValidation), "invalid cursor", nil)
		return nil, 0, nil, false
	}
	return status, parseLimit(q.Get("limit")), cur, true
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 20
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
