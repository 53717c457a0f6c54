package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"turnstile/internal/pkg/logger"
	"turnstile/internal/service/reservation/application"
	"turnstile/internal/service/reservation/domain"
)

const serviceName = "reservation-service"

// ReservationHandler 封装了预订核心的 HTTP 处理器。这里只做
// 协议编解码和错误到状态码的映射，业务校验在应用服务里。
type ReservationHandler struct {
	service *application.ReservationService
}

// NewReservationHandler 创建一个新的 HTTP 处理器实例。
func NewReservationHandler(service *application.ReservationService) *ReservationHandler {
	return &ReservationHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。
func (h *ReservationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /lock_tickets", h.lockTickets)
	mux.HandleFunc("POST /release_tickets", h.releaseTickets)
	mux.HandleFunc("POST /consume", h.consume)
	mux.HandleFunc("GET /availability", h.availability)
	mux.HandleFunc("POST /admin/ticket_types", h.createTicketType)
}

type lineItemDTO struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

type lockRequest struct {
	SessionID string        `json:"session_id"`
	Items     []lineItemDTO `json:"items"`
}

type holdDTO struct {
	ID           string    `json:"id"`
	TicketTypeID string    `json:"ticket_type_id"`
	Quantity     int       `json:"quantity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type lockFailureDTO struct {
	TicketTypeID string `json:"ticket_type_id"`
	Requested    int    `json:"requested"`
	Available    int    `json:"available"`
}

type lockResponse struct {
	Success  bool             `json:"success"`
	Holds    []holdDTO        `json:"holds,omitempty"`
	Failures []lockFailureDTO `json:"failures,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type createTicketTypeRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TotalQuantity int    `json:"total_quantity"`
}

func (h *ReservationHandler) lockTickets(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.LockTickets")
	defer span.End()

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	items := make([]domain.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.LineItem{TicketTypeID: it.TicketTypeID, Quantity: it.Quantity})
	}

	result, err := h.service.LockTickets(ctx, req.SessionID, items)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := lockResponse{Success: result.Success}
	for _, hold := range result.Holds {
		resp.Holds = append(resp.Holds, holdDTO{
			ID:           hold.ID,
			TicketTypeID: hold.TicketTypeID,
			Quantity:     hold.Quantity,
			ExpiresAt:    hold.ExpiresAt,
		})
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, lockFailureDTO{
			TicketTypeID: f.TicketTypeID,
			Requested:    f.Requested,
			Available:    f.Available,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ReservationHandler) releaseTickets(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.ReleaseTickets")
	defer span.End()

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.service.ReleaseTickets(ctx, req.SessionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReservationHandler) consume(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.Consume")
	defer span.End()

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.service.Consume(ctx, req.SessionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReservationHandler) availability(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.GetAvailability")
	defer span.End()

	id := r.URL.Query().Get("ticket_type_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "ticket_type_id is required")
		return
	}
	av, err := h.service.GetAvailability(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_type_id": av.TicketTypeID,
		"total":          av.Total,
		"sold":           av.Sold,
		"locked":         av.Locked,
		"available":      av.Available,
	})
}

func (h *ReservationHandler) createTicketType(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.CreateTicketType")
	defer span.End()

	var req createTicketTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	tt, err := h.service.CreateTicketType(ctx, req.ID, req.Name, req.TotalQuantity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":             tt.ID,
		"name":           tt.Name,
		"total_quantity": tt.TotalQuantity,
	})
}

// writeServiceError 把领域错误映射到 HTTP 状态码。
func (h *ReservationHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptySessionID),
		errors.Is(err, domain.ErrEmptyItems),
		errors.Is(err, domain.ErrEmptyTicketTypeID),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrPolicyRejected):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTicketTypeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrTicketTypeExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLockContention):
		// 对调用方而言整个请求可以安全重试。
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func extract(r *http.Request) context.Context {
	propagator := otel.GetTextMapPropagator()
	return propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
