package cart

import (
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Image     string          `json:"image"`
}

// Subtotal is price × quantity for one line.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Cart struct {
	UserID    string    `json:"userId"`
	Items     []Item    `json:"items"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Empty returns a cart that has never been written.
func Empty(userID string) *Cart {
	return &Cart{UserID: userID, Items: []Item{}}
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

func (c *Cart) TotalQuantity() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

// Find returns the index of the line for productID, or -1.
func (c *Cart) Find(productID string) int {
	for i, item := range c.Items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}

// Summary is what every cart operation returns. Totals are derived from
// Items on construction and never stored.
type Summary struct {
	Cart          *Cart           `json:"cart"`
	TotalItems    int             `json:"totalItems"`
	TotalQuantity int             `json:"totalQuantity"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

func Summarize(c *Cart) *Summary {
	if c.Items == nil {
		c.Items = []Item{}
	}
	return &Summary{
		Cart:          c,
		TotalItems:    len(c.Items),
		TotalQuantity: c.TotalQuantity(),
		TotalAmount:   c.Total(),
	}
}

type AddItemInput struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Image     string
}

func (in AddItemInput) Item() Item {
	return Item{
		ProductID: in.ProductID,
		Name:      in.Name,
		Price:     in.Price,
		Quantity:  in.Quantity,
		Image:     in.Image,
	}
}
