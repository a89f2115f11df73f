package order_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Checkout(ctx context.Context, draft *order.Order) (*order.Order, error) {
	args := m.Called(ctx, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *MockOrderRepository) ListByUserID(ctx context.Context, userID string) ([]order.Order, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]order.Order), args.Error(1)
}

func (m *MockOrderRepository) List(ctx context.Context, filter order.ListFilter) ([]order.Order, int, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]order.Order), args.Int(1), args.Error(2)
}

func (m *MockOrderRepository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next order.OrderStatus) (*order.Order, error) {
	args := m.Called(ctx, id, expected, next)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) Recall(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockIdempotencyStore) Remember(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func validInput() order.CreateOrderInput {
	return order.CreateOrderInput{
		ShippingAddress: order.ShippingAddress{
			Name:    "Jane Doe",
			Street:  "1 Main St",
			City:    "Springfield",
			ZipCode: "12345",
			Country: "US",
		},
		PaymentMethod: order.PaymentCreditCard,
	}
}

func newOrder(userID string, status order.OrderStatus) *order.Order {
	return &order.Order{
		ID:          uuid.Must(uuid.NewV4()),
		UserID:      userID,
		Status:      status,
		TotalAmount: decimal.RequireFromString("25"),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestOrderService_CreateOrder_Success(t *testing.T) {
	mockRepo := new(MockOrderRepository)
	svc := order.NewService(mockRepo)

	created := newOrder("u1", order.StatusPending)
	mockRepo.On("Checkout", mock.Anything, mock.MatchedBy(func(d *order.Order) bool {
		return d.UserID == "u1" &&
			d.PaymentMethod == order.PaymentCreditCard &&
			d.ShippingAddress.City == "Springfield"
	})).Return(created, nil).Once()

	got, err := svc.CreateOrder(context.Background(), "u1", validInput())
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	mockRepo.AssertExpectations(t)
}

func TestOrderService_CreateOrder_EmptyCart(t *testing.T) {
	mockRepo := new(MockOrderRepository)
	svc := order.NewService(mockRepo)

	mockRepo.On("Checkout", mock.Anything, mock.Anything).Return(nil, order.ErrEmptyCart).Once()

	got, err := svc.CreateOrder(context.Background(), "u1", validInput())
	require.ErrorIs(t, err, apperr.ErrEmptyCart)
	require.Nil(t, got)
}

func TestOrderService_CreateOrder_Validation(t *testing.T) {
	mockRepo := new(MockOrderRepository)
	svc := order.NewService(mockRepo)

	in := validInput()
	in.ShippingAddress.Street = "  "
	in.ShippingAddress.Country = ""
	in.PaymentMethod = "cash"

	_, err := svc.CreateOrder(context.Background(), "u1", in)
	require.ErrorIs(t, err, apperr.ErrValidation)

	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
	mockRepo.AssertNotCalled(t, "Checkout", mock.Anything, mock.Anything)
}

func TestOrderService_CreateOrder_IdempotentReplay(t *testing.T) {
	mockRepo := new(MockOrderRepository)
	store := new(MockIdempotencyStore)
	svc := order.NewService(mockRepo, order.WithIdempotencyStore(store))

	existing := newOrder("u1", order.StatusPending)
	in := validInput()
	in.IdempotencyKey = "k1"

	store.On("Recall", mock.Anything, "checkout:u1:k1").Return(existing.ID.String(), true, nil).Once()
	mockRepo.On("GetByID", mock.Anything, existing.ID).Return(existing, nil).Once()

	got, err := svc.CreateOrder(context.Background(), "u1", in)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	mockRepo.AssertNotCalled(t, "Checkout", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestOrderService_CreateOrder_RemembersKey(t *testing.T) {
	mockRepo := new(MockOrderRepository)
	store := new(MockIdempotencyStore)
	svc := order.NewService(mockRepo, order.WithIdempotencyStore(store))

	created := newOrder("u1", order.StatusPending)
	in := validInput()
	in.IdempotencyKey = "k1"

	store.On("Recall", mock.Anything, "checkout:u1:k1").Return("", false, nil).Once()
	mockRepo.On("Checkout", mock.Anything, mock.MatchedBy(func(d *order.Order) bool {
		return d.IdempotencyKey == "k1"
	})).Return(created, nil).Once()
	store.On("Remember", mock.Anything, "checkout:u1:k1", created.ID.String()).Return(nil).Once()

	_, err := svc.CreateOrder(context.Background(), "u1", in)
	require.NoError(t, err)
	store.AssertExpectations(t)
	mockRepo.AssertExpectations(t)
}

func TestOrderService_GetOrderByID(t *testing.T) {
	o := newOrder("owner", order.StatusPending)

	testCases := []struct {
		name      string
		orderID   string
		requester order.Requester
		repoErr   error
		wantErr   error
	}{
		{name: "owner", orderID: o.ID.String(), requester: order.Requester{UserID: "owner"}},
		{name: "admin", orderID: o.ID.String(), requester: order.Requester{UserID: "admin", IsAdmin: true}},
		{name: "stranger", orderID: o.ID.String(), requester: order.Requester{UserID: "other"}, wantErr: apperr.ErrForbidden},
		{name: "missing", orderID: o.ID.String(), requester: order.Requester{UserID: "owner"}, repoErr: order.ErrOrderNotFound, wantErr: apperr.ErrNotFound},
		{name: "malformed id", orderID: "not-a-uuid", requester: order.Requester{UserID: "owner"}, wantErr: apperr.ErrNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := new(MockOrderRepository)
			svc := order.NewService(mockRepo)

			if tc.repoErr != nil {
				mockRepo.On("GetByID", mock.Anything, o.ID).Return(nil, tc.repoErr).Maybe()
			} else {
				mockRepo.On("GetByID", mock.Anything, o.ID).Return(o, nil).Maybe()
			}

			got, err := svc.GetOrderByID(context.Background(), tc.orderID, tc.requester)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, o.ID, got.ID)
		})
	}
}

func TestOrderService_CancelOrder(t *testing.T) {
	t.Run("pending order is cancelled", func(t *testing.T) {
		mockRepo := new(MockOrderRepository)
		svc := order.NewService(mockRepo)

		o := newOrder("u1", order.StatusPending)
		cancelled := *o
		cancelled.Status = order.StatusCancelled

		mockRepo.On("GetByID", mock.Anything, o.ID).Return(o, nil).Once()
		mockRepo.On("UpdateStatus", mock.Anything, o.ID, order.StatusPending, order.StatusCancelled).Return(&cancelled, nil).Once()

		got, err := svc.CancelOrder(context.Background(), o.ID.String(), order.Requester{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, got.Status)
		mockRepo.AssertExpectations(t)
	})

	t.Run("shipped order cannot be cancelled", func(t *testing.T) {
		mockRepo := new(MockOrderRepository)
		svc := order.NewService(mockRepo)

		o := newOrder("u1", order.StatusShipped)
		mockRepo.On("GetByID", mock.Anything, o.ID).Return(o, nil).Once()

		_, err := svc.CancelOrder(context.Background(), o.ID.String(), order.Requester{UserID: "u1"})
		require.ErrorIs(t, err, apperr.ErrInvalidState)
		mockRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("concurrent status change loses the race", func(t *testing.T) {
		mockRepo := new(MockOrderRepository)
		svc := order.NewService(mockRepo)

		o := newOrder("u1", order.StatusPending)
		mockRepo.On("GetByID", mock.Anything, o.ID).Return(o, nil).Once()
		mockRepo.On("UpdateStatus", mock.Anything, o.ID, order.StatusPending, order.StatusCancelled).Return(nil, order.ErrStatusConflict).Once()

		_, err := svc.CancelOrder(context.Background(), o.ID.String(), order.Requester{UserID: "u1"})
		require.ErrorIs(t, err, order.ErrNotCancellable)
	})

	t.Run("non-owner is forbidden", func(t *testing.T) {
		mockRepo := new(MockOrderRepository)
		svc := order.NewService(mockRepo)

		o := newOrder("u1", order.StatusPending)
		mockRepo.On("GetByID", mock.Anything, o.ID).Return(o, nil).Once()

		_, err := svc.CancelOrder(context.Background(), o.ID.String(), order.Requester{UserID: "u2"})
		require.ErrorIs(t, err, apperr.ErrForbidden)
	})
}

func TestOrderService_ListAllOrders_Pagination(t *testing.T) {
	testCases := []struct {
		name       string
		filter     order.ListFilter
		total      int
		wantFilter order.ListFilter
		wantPages  int
	}{
		{
			name:       "defaults",
			filter:     order.ListFilter{},
			total:      25,
			wantFilter: order.ListFilter{Page: 1, Limit: 10},
			wantPages:  3,
		},
		{
			name:       "limit capped",
			filter:     order.ListFilter{Page: 2, Limit: 1000, Status: order.StatusShipped},
			total:      150,
			wantFilter: order.ListFilter{Page: 2, Limit: 100, Status: order.StatusShipped},
			wantPages:  2,
		},
		{
			name:       "no orders",
			filter:     order.ListFilter{Page: 1, Limit: 5},
			total:      0,
			wantFilter: order.ListFilter{Page: 1, Limit: 5},
			wantPages:  0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := new(MockOrderRepository)
			svc := order.NewService(mockRepo)

			mockRepo.On("List", mock.Anything, tc.wantFilter).Return([]order.Order{}, tc.total, nil).Once()

			page, err := svc.ListAllOrders(context.Background(), tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.total, page.Pagination.Total)
			assert.Equal(t, tc.wantPages, page.Pagination.Pages)
			assert.Equal(t, tc.wantFilter.Limit, page.Pagination.Limit)
			assert.Equal(t, tc.wantFilter.Page, page.Pagination.Page)
			mockRepo.AssertExpectations(t)
		})
	}
}

func TestOrderService_ListAllOrders_InvalidStatus(t *testing.T) {
	svc := order.NewService(new(MockOrderRepository))

	_, err := svc.ListAllOrders(context.Background(), order.ListFilter{Status: "lost"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestOrderService_SetOrderStatus(t *testing.T) {
	testCases := []struct {
		name        string
		transitions order.TransitionValidator
		from        order.OrderStatus
		to          order.OrderStatus
		wantErr     error
	}{
		{name: "any: delivered back to pending", transitions: order.AnyTransition, from: order.StatusDelivered, to: order.StatusPending},
		{name: "graph: pending to processing", transitions: order.GraphTransitions, from: order.StatusPending, to: order.StatusProcessing},
		{name: "graph: delivered to pending", transitions: order.GraphTransitions, from: order.StatusDelivered, to: order.StatusPending, wantErr: apperr.ErrInvalidState},
		{name: "graph: same status", transitions: order.GraphTransitions, from: order.StatusShipped, to: order.StatusShipped},
		{name: "unknown status", transitions: order.AnyTransition, from: order.StatusPending, to: "lost", wantErr: apperr.ErrValidation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := new(MockOrderRepository)
			svc := order.NewService(mockRepo, order.WithTransitions(tc.transitions))

			o := newOrder("u1", tc.from)
			updated := *o
			updated.Status = tc.to

			mockRepo.On("GetByID", mock.Anything, o.ID).Return(o, nil).Maybe()
			mockRepo.On("UpdateStatus", mock.Anything, o.ID, tc.from, tc.to).Return(&updated, nil).Maybe()

			got, err := svc.SetOrderStatus(context.Background(), o.ID.String(), tc.to)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				mockRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.to, got.Status)
		})
	}
}

func TestOrderService_GetUserOrders_Error(t *testing.T) {
	mockRepo := new(MockOrderRepository)
	svc := order.NewService(mockRepo)

	dbErr := errors.New("boom")
	mockRepo.On("ListByUserID", mock.Anything, "u1").Return(nil, dbErr).Once()

	_, err := svc.GetUserOrders(context.Background(), "u1")
	require.ErrorIs(t, err, dbErr)
}
