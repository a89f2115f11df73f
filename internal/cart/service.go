package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
)

type Service interface {
	GetCart(ctx context.Context, userID string) (*Summary, error)
	AddItem(ctx context.Context, userID string, in AddItemInput) (*Summary, error)
	UpdateItem(ctx context.Context, userID, productID string, quantity int) (*Summary, error)
	RemoveItem(ctx context.Context, userID, productID string) (*Summary, error)
	ClearCart(ctx context.Context, userID string) (*Summary, error)
	PutItem(ctx context.Context, userID string, in AddItemInput) (*Summary, error)
}

type service struct {
	cartRepo Repository
}

func NewService(cartRepo Repository) Service {
	return &service{cartRepo: cartRepo}
}

func (s *service) GetCart(ctx context.Context, userID string) (*Summary, error) {
	c, err := s.cartRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return Summarize(Empty(userID)), nil
		}
		log.Error().Err(err).Str("user_id", userID).Msg("service: failed to fetch cart")
		return nil, fmt.Errorf("service: failed to fetch cart: %w", err)
	}

	return Summarize(c), nil
}

func (s *service) AddItem(ctx context.Context, userID string, in AddItemInput) (*Summary, error) {
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.Name = strings.TrimSpace(in.Name)

	if err := validateItem(in); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("service: rejected cart item")
		return nil, err
	}

	c, err := s.cartRepo.AddItem(ctx, userID, in.Item())
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("product_id", in.ProductID).Msg("service: failed to add item to cart")
		return nil, fmt.Errorf("service: failed to add item: %w", err)
	}

	log.Debug().Str("user_id", userID).Str("product_id", in.ProductID).Int("quantity", in.Quantity).Msg("service: item added to cart")
	return Summarize(c), nil
}

func (s *service) PutItem(ctx context.Context, userID string, in AddItemInput) (*Summary, error) {
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.Name = strings.TrimSpace(in.Name)

	if err := validateItem(in); err != nil {
		return nil, err
	}

	c, err := s.cartRepo.PutItem(ctx, userID, in.Item())
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("product_id", in.ProductID).Msg("service: failed to put cart item")
		return nil, fmt.Errorf("service: failed to put item: %w", err)
	}

	return Summarize(c), nil
}

func (s *service) UpdateItem(ctx context.Context, userID, productID string, quantity int) (*Summary, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, apperr.NewValidation("productId", "is required")
	}

	c, err := s.cartRepo.SetQuantity(ctx, userID, productID, quantity)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) || errors.Is(err, ErrItemNotFound) {
			log.Warn().Err(err).Str("user_id", userID).Str("product_id", productID).Msg("service: cannot update cart item")
			return nil, err
		}
		log.Error().Err(err).Str("user_id", userID).Str("product_id", productID).Msg("service: failed to update cart item")
		return nil, fmt.Errorf("service: failed to update item: %w", err)
	}

	return Summarize(c), nil
}

// RemoveItem is a no-op success for a line or cart that does not exist.
func (s *service) RemoveItem(ctx context.Context, userID, productID string) (*Summary, error) {
	c, err := s.cartRepo.RemoveItem(ctx, userID, productID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return Summarize(Empty(userID)), nil
		}
		log.Error().Err(err).Str("user_id", userID).Str("product_id", productID).Msg("service: failed to remove cart item")
		return nil, fmt.Errorf("service: failed to remove item: %w", err)
	}

	return Summarize(c), nil
}

func (s *service) ClearCart(ctx context.Context, userID string) (*Summary, error) {
	c, err := s.cartRepo.Clear(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return Summarize(Empty(userID)), nil
		}
		log.Error().Err(err).Str("user_id", userID).Msg("service: failed to clear cart")
		return nil, fmt.Errorf("service: failed to clear cart: %w", err)
	}

	log.Info().Str("user_id", userID).Msg("service: cart cleared")
	return Summarize(c), nil
}

// maxPrice is the first value that does not fit NUMERIC(12, 2).
var maxPrice = decimal.New(1, 10)

func validateItem(in AddItemInput) error {
	verr := &apperr.ValidationError{}
	if in.ProductID == "" {
		verr.Add("productId", "Product ID is required")
	}
	if in.Name == "" {
		verr.Add("name", "Product name is required")
	}
	switch {
	case in.Price.IsNegative():
		verr.Add("price", "Price must be zero or greater")
	case in.Price.GreaterThanOrEqual(maxPrice):
		verr.Add("price", "Price is too large")
	}
	if in.Quantity < 1 {
		verr.Add("quantity", "Quantity must be at least 1")
	}
	return verr.OrNil()
}
