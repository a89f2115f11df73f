package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/cart-checkout/internal/auth"
	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
)

type AddItemRequest struct {
	ProductID string           `json:"productId" validate:"required"`
	Name      string           `json:"name" validate:"required"`
	Price     *decimal.Decimal `json:"price" validate:"required,gte=0"`
	Quantity  *int             `json:"quantity,omitempty" validate:"omitempty,min=1"`
	Image     string           `json:"image,omitempty"`
}

type UpdateItemRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  *int   `json:"quantity" validate:"required"`
}

type PutItemRequest struct {
	Name     string           `json:"name" validate:"required"`
	Price    *decimal.Decimal `json:"price" validate:"required,gte=0"`
	Quantity int              `json:"quantity" validate:"min=1"`
	Image    string           `json:"image,omitempty"`
}

type CartHandler struct {
	service cart.Service
	requestValidator
}

func NewCartHandler(service cart.Service) *CartHandler {
	return &CartHandler{
		service:          service,
		requestValidator: requestValidator{validate: newValidator()},
	}
}

func (h *CartHandler) RegisterRoutes(router chi.Router) {
	router.Route("/cart", func(r chi.Router) {
		r.Get("/", h.handleGetCart)
		r.Post("/", h.handleAddItem)
		r.Put("/", h.handleUpdateItem)
		r.Delete("/", h.handleClearCart)
		r.Put("/items/{productId}", h.handlePutItem)
		r.Delete("/{productId}", h.handleRemoveItem)
	})
}

func (h *CartHandler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	summary, err := h.service.GetCart(r.Context(), principal.UserID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "", summary)
}

func (h *CartHandler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	var requestPayload AddItemRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	quantity := 1
	if requestPayload.Quantity != nil {
		quantity = *requestPayload.Quantity
	}

	summary, err := h.service.AddItem(r.Context(), principal.UserID, cart.AddItemInput{
		ProductID: requestPayload.ProductID,
		Name:      requestPayload.Name,
		Price:     *requestPayload.Price,
		Quantity:  quantity,
		Image:     requestPayload.Image,
	})
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "Item added to cart", summary)
}

func (h *CartHandler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	var requestPayload UpdateItemRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	summary, err := h.service.UpdateItem(r.Context(), principal.UserID, requestPayload.ProductID, *requestPayload.Quantity)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "Cart updated", summary)
}

func (h *CartHandler) handlePutItem(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	var requestPayload PutItemRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	summary, err := h.service.PutItem(r.Context(), principal.UserID, cart.AddItemInput{
		ProductID: chi.URLParam(r, "productId"),
		Name:      requestPayload.Name,
		Price:     *requestPayload.Price,
		Quantity:  requestPayload.Quantity,
		Image:     requestPayload.Image,
	})
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "Cart updated", summary)
}

func (h *CartHandler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	summary, err := h.service.RemoveItem(r.Context(), principal.UserID, chi.URLParam(r, "productId"))
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "Item removed from cart", summary)
}

func (h *CartHandler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrDeny(w, r)
	if !ok {
		return
	}

	summary, err := h.service.ClearCart(r.Context(), principal.UserID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithSuccess(w, http.StatusOK, "Cart cleared", summary)
}

func principalOrDeny(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "No token, authorization denied")
	}
	return principal, ok
}
