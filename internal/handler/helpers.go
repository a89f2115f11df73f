package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ValidationErrorResponse struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Errors  []apperr.FieldError `json:"errors"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	return v
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"Server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondWithSuccess(w http.ResponseWriter, code int, message string, data any) {
	respondWithJSON(w, code, Response{Status: statusSuccess, Message: message, Data: data})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, Response{Status: statusError, Message: message})
}

func respondWithValidation(w http.ResponseWriter, fields []apperr.FieldError) {
	respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
		Status:  statusError,
		Message: "Validation failed",
		Errors:  fields,
	})
}

// respondWithServiceError maps a service error onto the error envelope.
// Unexpected errors are logged and reported without detail.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		respondWithValidation(w, verr.Fields)
		return
	}

	code := mapErrorToStatusCode(err)
	if code == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		respondWithError(w, code, "Server error")
		return
	}

	respondWithError(w, code, clientMessage(err))
}

func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrEmptyCart), errors.Is(err, apperr.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, cart.ErrCartNotFound):
		return "Cart not found"
	case errors.Is(err, cart.ErrItemNotFound):
		return "Item not found in cart"
	case errors.Is(err, order.ErrEmptyCart):
		return "Cannot create order with empty cart"
	case errors.Is(err, order.ErrOrderNotFound):
		return "Order not found"
	case errors.Is(err, order.ErrNotOwner):
		return "Not authorized to access this order"
	case errors.Is(err, order.ErrNotCancellable):
		return "Cannot cancel order that is not in pending status"
	case errors.Is(err, order.ErrInvalidStatusTransition):
		return "Invalid order status transition"
	case errors.Is(err, order.ErrStatusConflict):
		return "Order status was changed by another request"
	default:
		return http.StatusText(mapErrorToStatusCode(err))
	}
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the error response itself and reports whether to continue.
func (v *requestValidator) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}

	if err := v.validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithValidation(w, formatValidationErrors(validationErrors))
		} else {
			hlog.FromRequest(r).Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, "Server error")
		}
		return false
	}

	return true
}

type requestValidator struct {
	validate *validator.Validate
}

func formatValidationErrors(errs validator.ValidationErrors) []apperr.FieldError {
	details := make([]apperr.FieldError, 0, len(errs))
	for _, e := range errs {
		field := e.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}

		var message string
		switch e.Tag() {
		case "required":
			message = "is required"
		case "min":
			message = fmt.Sprintf("must be at least %s", e.Param())
		case "max":
			message = fmt.Sprintf("must be at most %s characters", e.Param())
		case "gte":
			message = fmt.Sprintf("must be greater than or equal to %s", e.Param())
		case "oneof":
			message = fmt.Sprintf("must be one of [%s]", e.Param())
		default:
			message = fmt.Sprintf("failed on the '%s' rule", e.Tag())
		}

		details = append(details, apperr.FieldError{Field: field, Message: message})
	}
	return details
}

func fieldError(field, message string) []apperr.FieldError {
	return []apperr.FieldError{{Field: field, Message: message}}
}
