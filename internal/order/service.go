package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
)

var (
	ErrNotOwner                = apperr.New(apperr.ErrForbidden, "not authorized to access this order")
	ErrNotCancellable          = apperr.New(apperr.ErrInvalidState, "cannot cancel order that is not in pending status")
	ErrInvalidStatusTransition = apperr.New(apperr.ErrInvalidState, "invalid order status transition")
)

// IdempotencyStore remembers which order a checkout key produced.
type IdempotencyStore interface {
	Recall(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, value string) error
}

type Service interface {
	CreateOrder(ctx context.Context, userID string, in CreateOrderInput) (*Order, error)
	GetUserOrders(ctx context.Context, userID string) ([]Order, error)
	GetOrderByID(ctx context.Context, orderID string, requester Requester) (*Order, error)
	CancelOrder(ctx context.Context, orderID string, requester Requester) (*Order, error)
	ListAllOrders(ctx context.Context, filter ListFilter) (*Page, error)
	SetOrderStatus(ctx context.Context, orderID string, newStatus OrderStatus) (*Order, error)
}

type service struct {
	orderRepo   Repository
	transitions TransitionValidator
	idempotency IdempotencyStore
}

type Option func(*service)

// WithTransitions replaces the admin transition policy. The default is
// AnyTransition.
func WithTransitions(v TransitionValidator) Option {
	return func(s *service) { s.transitions = v }
}

func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(s *service) { s.idempotency = store }
}

func NewService(orderRepo Repository, opts ...Option) Service {
	s := &service{
		orderRepo:   orderRepo,
		transitions: AnyTransition,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) CreateOrder(ctx context.Context, userID string, in CreateOrderInput) (*Order, error) {
	if err := validateCreateInput(&in); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("service: rejected order input")
		return nil, err
	}

	idemKey := ""
	if in.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = "checkout:" + userID + ":" + in.IdempotencyKey
		if o, ok := s.replay(ctx, idemKey, userID); ok {
			return o, nil
		}
	}

	// The repository also matches the key inside the checkout transaction,
	// which covers a retry that arrives while the first attempt is running.
	draft := &Order{
		UserID:          userID,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		Notes:           in.Notes,
		IdempotencyKey:  in.IdempotencyKey,
	}

	created, err := s.orderRepo.Checkout(ctx, draft)
	if err != nil {
		if errors.Is(err, ErrEmptyCart) {
			log.Warn().Str("user_id", userID).Msg("service: attempt to create order with empty cart")
			return nil, err
		}
		log.Error().Err(err).Str("user_id", userID).Msg("service: failed to create order in repository")
		return nil, fmt.Errorf("service: failed to create order: %w", err)
	}

	if idemKey != "" {
		if err := s.idempotency.Remember(ctx, idemKey, created.ID.String()); err != nil {
			log.Warn().Err(err).Stringer("order_id", created.ID).Msg("service: failed to remember idempotency key")
		}
	}

	log.Info().Stringer("order_id", created.ID).Str("user_id", userID).Str("total", created.TotalAmount.String()).Msg("service: order created")
	return created, nil
}

func (s *service) replay(ctx context.Context, key, userID string) (*Order, bool) {
	value, ok, err := s.idempotency.Recall(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("service: idempotency lookup failed, proceeding with checkout")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	id, err := uuid.FromString(value)
	if err != nil {
		return nil, false
	}

	o, err := s.orderRepo.GetByID(ctx, id)
	if err != nil || o.UserID != userID {
		return nil, false
	}

	log.Info().Stringer("order_id", o.ID).Str("user_id", userID).Msg("service: replayed checkout for idempotency key")
	return o, true
}

func (s *service) GetUserOrders(ctx context.Context, userID string) ([]Order, error) {
	orders, err := s.orderRepo.ListByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("service: failed to fetch user orders in repository")
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}

	return orders, nil
}

func (s *service) GetOrderByID(ctx context.Context, orderID string, requester Requester) (*Order, error) {
	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !requester.IsAdmin && o.UserID != requester.UserID {
		log.Warn().Stringer("order_id", o.ID).Str("user_id", requester.UserID).Msg("service: order access denied")
		return nil, ErrNotOwner
	}

	return o, nil
}

func (s *service) CancelOrder(ctx context.Context, orderID string, requester Requester) (*Order, error) {
	o, err := s.GetOrderByID(ctx, orderID, requester)
	if err != nil {
		return nil, err
	}

	if o.Status != StatusPending {
		log.Warn().Stringer("order_id", o.ID).Stringer("status", o.Status).Msg("service: cannot cancel non-pending order")
		return nil, ErrNotCancellable
	}

	updated, err := s.orderRepo.UpdateStatus(ctx, o.ID, StatusPending, StatusCancelled)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, ErrNotCancellable
		}
		if errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: failed to cancel order")
		return nil, fmt.Errorf("service: failed to cancel order: %w", err)
	}

	log.Info().Stringer("order_id", o.ID).Str("user_id", requester.UserID).Msg("service: order cancelled")
	return updated, nil
}

func (s *service) ListAllOrders(ctx context.Context, filter ListFilter) (*Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.NewValidation("status", "Invalid status")
	}
	if filter.Page < 1 {
		filter.Page = DefaultPage
	}
	if filter.Limit < 1 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}

	orders, total, err := s.orderRepo.List(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to list orders in repository")
		return nil, fmt.Errorf("service: failed to list orders: %w", err)
	}

	return &Page{
		Orders: orders,
		Pagination: Pagination{
			Total: total,
			Page:  filter.Page,
			Pages: (total + filter.Limit - 1) / filter.Limit,
			Limit: filter.Limit,
		},
	}, nil
}

func (s *service) SetOrderStatus(ctx context.Context, orderID string, newStatus OrderStatus) (*Order, error) {
	if !newStatus.Valid() {
		return nil, apperr.NewValidation("status", "Invalid status")
	}

	current, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !s.transitions.Allowed(current.Status, newStatus) {
		log.Warn().
			Stringer("order_id", current.ID).
			Stringer("current_status", current.Status).
			Stringer("new_status", newStatus).
			Msg("service: invalid status transition attempt")
		return nil, fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, current.Status, newStatus)
	}

	updated, err := s.orderRepo.UpdateStatus(ctx, current.ID, current.Status, newStatus)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrStatusConflict) {
			return nil, err
		}
		log.Error().Err(err).Stringer("order_id", current.ID).Stringer("new_status", newStatus).Msg("service: failed to update order status in repository")
		return nil, fmt.Errorf("service: failed to update order status: %w", err)
	}

	log.Info().Stringer("order_id", current.ID).Stringer("old_status", current.Status).Stringer("new_status", newStatus).Msg("service: order status updated")
	return updated, nil
}

// load treats a malformed id like an unknown one.
func (s *service) load(ctx context.Context, orderID string) (*Order, error) {
	id, err := uuid.FromString(orderID)
	if err != nil {
		return nil, ErrOrderNotFound
	}

	o, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Str("order_id", orderID).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}
	return o, nil
}

func validateCreateInput(in *CreateOrderInput) error {
	addr := &in.ShippingAddress
	for _, f := range []*string{&addr.Name, &addr.Street, &addr.City, &addr.State, &addr.ZipCode, &addr.Country, &addr.Phone} {
		*f = strings.TrimSpace(*f)
	}

	verr := &apperr.ValidationError{}
	if addr.Name == "" {
		verr.Add("shippingAddress.name", "Name is required")
	}
	if addr.Street == "" {
		verr.Add("shippingAddress.street", "Street is required")
	}
	if addr.City == "" {
		verr.Add("shippingAddress.city", "City is required")
	}
	if addr.ZipCode == "" {
		verr.Add("shippingAddress.zipCode", "Zip code is required")
	}
	if addr.Country == "" {
		verr.Add("shippingAddress.country", "Country is required")
	}
	if !in.PaymentMethod.Valid() {
		verr.Add("paymentMethod", "Invalid payment method")
	}
	return verr.OrNil()
}
