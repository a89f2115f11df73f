package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vasiliy-maslov/cart-checkout/internal/auth"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type ShippingAddressRequest struct {
	Name    string `json:"name" validate:"required"`
	Street  string `json:"street" validate:"required"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode" validate:"required"`
	Country string `json:"country" validate:"required"`
	Phone   string `json:"phone,omitempty"`
}

type CreateOrderRequest struct {
	ShippingAddress ShippingAddressRequest `json:"shippingAddress" validate:"required"`
	PaymentMethod   string                 `json:"paymentMethod" validate:"required,oneof=credit_card paypal bank_transfer"`
	Notes           string                 `json:"notes,omitempty" validate:"max=1000"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending processing shipped delivered cancelled"`
}

type OrderResponse struct {
	Order *order.Order `json:"order"`
}

type OrdersResponse struct {
	Orders []order.Order `json:"orders"`
}

type OrderHandler struct {
	service order.Service
	requestValidator
}

func NewOrderHandler(service order.Service) *OrderHandler {
	return &OrderHandler{
		service:          service,
		requestValidator: requestValidator{validate: newValidator()},
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Route("/orders", func(r chi.Router) {
		r.Post("/", h.handleCreateOrder)
		r.Get("/", h.handleGetUserOrders)

		r.Group(func(admin chi.Router) {
			admin.Use(auth.RequireAdmin)
			admin.Get("/admin/all", h.handleListAllOrders)
			admin.Put("/admin/{id}", h.handleSetOrderStatus)
		})

		r.Get("/{id}", h.handleGetOrderByID)
		r.Put("/{id}/cancel", h.handleCancelOrder)
	})
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	var requestPayload CreateOrderRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	addr := requestPayload.ShippingAddress
	created, err := h.service.CreateOrder(r.Context(), principal.UserID, order.CreateOrderInput{
		ShippingAddress: order.ShippingAddress{
			Name:    addr.Name,
			Street:  addr.Street,
			City:    addr.City,
			State:   addr.State,
			ZipCode: addr.ZipCode,
			Country: addr.Country,
			Phone:   addr.Phone,
		},
		PaymentMethod:  order.PaymentMethod(requestPayload.PaymentMethod),
		Notes:          requestPayload.Notes,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusCreated, "Order created successfully", OrderResponse{Order: created})
}

func (h *OrderHandler) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetUserOrders(r.Context(), principal.UserID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "", OrdersResponse{Orders: orders})
}

func (h *OrderHandler) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetOrderByID(r.Context(), chi.URLParam(r, "id"), requesterOf(principal))
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "", OrderResponse{Order: found})
}

func (h *OrderHandler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.CancelOrder(r.Context(), chi.URLParam(r, "id"), requesterOf(principal))
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "Order cancelled successfully", OrderResponse{Order: cancelled})
}

func (h *OrderHandler) handleListAllOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := intParam(query.Get("page"))
	if err != nil {
		respondWithValidation(w, fieldError("page", "must be a positive integer"))
		return
	}
	limit, err := intParam(query.Get("limit"))
	if err != nil {
		respondWithValidation(w, fieldError("limit", "must be a positive integer"))
		return
	}

	result, err := h.service.ListAllOrders(r.Context(), order.ListFilter{
		Status: order.OrderStatus(query.Get("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "", result)
}

func (h *OrderHandler) handleSetOrderStatus(w http.ResponseWriter, r *http.Request) {
	var requestPayload UpdateStatusRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	updated, err := h.service.SetOrderStatus(r.Context(), chi.URLParam(r, "id"), order.OrderStatus(requestPayload.Status))
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "Order status updated successfully", OrderResponse{Order: updated})
}

func requesterOf(p auth.Principal) order.Requester {
	return order.Requester{UserID: p.UserID, IsAdmin: p.IsAdmin()}
}

// intParam parses an optional query parameter; empty means zero.
func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
