package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/order-service/application"
	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/saga"
)

// OrderHandlers contains the order control surface
type OrderHandlers struct {
	startOrder      *application.StartOrder
	cancelOrder     *application.CancelOrder
	getOrderStatus  *application.GetOrderStatus
	listOrderEvents *application.ListOrderEvents
	logger          *zap.Logger
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	startOrder *application.StartOrder,
	cancelOrder *application.CancelOrder,
	getOrderStatus *application.GetOrderStatus,
	listOrderEvents *application.ListOrderEvents,
	logger *zap.Logger,
) *OrderHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandlers{
		startOrder:      startOrder,
		cancelOrder:     cancelOrder,
		getOrderStatus:  getOrderStatus,
		listOrderEvents: listOrderEvents,
		logger:          logger.Named("http"),
	}
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// StartOrder starts the order saga. The body is optional.
func (h *OrderHandlers) StartOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.StartOrderCommand
	if err := decodeOptional(r, &cmd); err != nil {
		h.writeError(w, errors.Wrap(domain.ErrInvalidPayload, "invalid request body"))
		return
	}
	cmd.OrderID = chi.URLParam(r, "id")

	response, err := h.startOrder.Execute(r.Context(), &cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, response)
}

// CancelOrder terminates the running order saga
func (h *OrderHandlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.CancelOrderCommand
	if err := decodeOptional(r, &cmd); err != nil {
		h.writeError(w, errors.Wrap(domain.ErrInvalidPayload, "invalid request body"))
		return
	}
	cmd.OrderID = chi.URLParam(r, "id")

	response, err := h.cancelOrder.Execute(r.Context(), &cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// GetOrderStatus returns the persisted order state and its saga run
func (h *OrderHandlers) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	response, err := h.getOrderStatus.Execute(r.Context(), &application.GetOrderStatusQuery{
		OrderID: chi.URLParam(r, "id"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// ListOrderEvents returns the audit log of an order
func (h *OrderHandlers) ListOrderEvents(w http.ResponseWriter, r *http.Request) {
	response, err := h.listOrderEvents.Execute(r.Context(), &application.ListOrderEventsQuery{
		OrderID: chi.URLParam(r, "id"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Post("/start", h.StartOrder)
		r.Post("/signals/cancel", h.CancelOrder)
		r.Get("/status", h.GetOrderStatus)
		r.Get("/events", h.ListOrderEvents)
	})
}

func (h *OrderHandlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{OK: false, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, saga.ErrWorkflowAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, saga.ErrWorkflowNotFound),
		errors.Is(err, saga.ErrWorkflowNotRunning):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body when one was sent
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
