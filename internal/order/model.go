package order

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

func (os OrderStatus) String() string {
	return string(os)
}

func (os OrderStatus) Valid() bool {
	switch os {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCreditCard   PaymentMethod = "credit_card"
	PaymentPayPal       PaymentMethod = "paypal"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

func (pm PaymentMethod) Valid() bool {
	switch pm {
	case PaymentCreditCard, PaymentPayPal, PaymentBankTransfer:
		return true
	}
	return false
}

type ShippingAddress struct {
	Name    string `json:"name"`
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
}

// OrderItem is a copy of a cart line taken at checkout. It never changes
// when the product or the cart changes afterwards.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Image     string          `json:"image"`
}

type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"userId"`
	Items           []OrderItem     `json:"items"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	Status          OrderStatus     `json:"status"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	// IdempotencyKey is the client key the order was created under, unique
	// per user. Empty when the client sent none.
	IdempotencyKey string `json:"-"`
}

// Snapshot copies cart lines into order items and sums the total.
func Snapshot(items []cart.Item) ([]OrderItem, decimal.Decimal) {
	out := make([]OrderItem, 0, len(items))
	total := decimal.Zero
	for _, it := range items {
		out = append(out, OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
			Image:     it.Image,
		})
		total = total.Add(it.Subtotal())
	}
	return out, total
}

type CreateOrderInput struct {
	ShippingAddress ShippingAddress
	PaymentMethod   PaymentMethod
	Notes           string
	// IdempotencyKey, when set, makes a retried checkout return the order
	// created by the first attempt.
	IdempotencyKey string
}

// Requester is the authenticated caller of an order operation.
type Requester struct {
	UserID  string
	IsAdmin bool
}

type ListFilter struct {
	Status OrderStatus
	Page   int
	Limit  int
}

type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Limit int `json:"limit"`
}

type Page struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)
