// Package cartclient talks to the order service REST API.
package cartclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("order service: %d %s", e.StatusCode, e.Message)
}

type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Config struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

type Client struct {
	http *resty.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = 200 * time.Millisecond
	}
	if cfg.RetryMaxWait == 0 {
		cfg.RetryMaxWait = 2 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(retryable)

	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	return &Client{http: httpClient}
}

// retryable never repeats a POST without an idempotency key, since adding
// an item twice would double its quantity.
func retryable(resp *resty.Response, err error) bool {
	if resp != nil && resp.Request != nil &&
		resp.Request.Method == http.MethodPost &&
		resp.Request.Header.Get(IdempotencyKeyHeader) == "" {
		return false
	}
	if err != nil {
		return true
	}
	return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError
}

func (c *Client) SetToken(token string) {
	c.http.SetAuthToken(token)
}

func (c *Client) GetCart(ctx context.Context) (*cart.Summary, error) {
	return do[*cart.Summary](c.http.R().SetContext(ctx), http.MethodGet, "/api/cart")
}

func (c *Client) AddItem(ctx context.Context, item cart.Item) (*cart.Summary, error) {
	return do[*cart.Summary](c.http.R().SetContext(ctx).SetBody(item), http.MethodPost, "/api/cart")
}

func (c *Client) UpdateItem(ctx context.Context, productID string, quantity int) (*cart.Summary, error) {
	body := map[string]any{"productId": productID, "quantity": quantity}
	return do[*cart.Summary](c.http.R().SetContext(ctx).SetBody(body), http.MethodPut, "/api/cart")
}

// PutItem sets the absolute state of one line and is safe to retry.
func (c *Client) PutItem(ctx context.Context, item cart.Item) (*cart.Summary, error) {
	body := map[string]any{
		"name":     item.Name,
		"price":    item.Price,
		"quantity": item.Quantity,
		"image":    item.Image,
	}
	return do[*cart.Summary](c.http.R().SetContext(ctx).SetBody(body), http.MethodPut, "/api/cart/items/"+url.PathEscape(item.ProductID))
}

func (c *Client) RemoveItem(ctx context.Context, productID string) (*cart.Summary, error) {
	return do[*cart.Summary](c.http.R().SetContext(ctx), http.MethodDelete, "/api/cart/"+url.PathEscape(productID))
}

func (c *Client) ClearCart(ctx context.Context) (*cart.Summary, error) {
	return do[*cart.Summary](c.http.R().SetContext(ctx), http.MethodDelete, "/api/cart")
}

type CreateOrderRequest struct {
	ShippingAddress order.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   order.PaymentMethod   `json:"paymentMethod"`
	Notes           string                `json:"notes,omitempty"`
}

type orderData struct {
	Order *order.Order `json:"order"`
}

type ordersData struct {
	Orders []order.Order `json:"orders"`
}

func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest, idempotencyKey string) (*order.Order, error) {
	r := c.http.R().SetContext(ctx).SetBody(req)
	if idempotencyKey != "" {
		r.SetHeader(IdempotencyKeyHeader, idempotencyKey)
	}

	data, err := do[orderData](r, http.MethodPost, "/api/orders")
	if err != nil {
		return nil, err
	}
	return data.Order, nil
}

func (c *Client) ListOrders(ctx context.Context) ([]order.Order, error) {
	data, err := do[ordersData](c.http.R().SetContext(ctx), http.MethodGet, "/api/orders")
	if err != nil {
		return nil, err
	}
	return data.Orders, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (*order.Order, error) {
	data, err := do[orderData](c.http.R().SetContext(ctx), http.MethodPut, "/api/orders/"+url.PathEscape(orderID)+"/cancel")
	if err != nil {
		return nil, err
	}
	return data.Order, nil
}

func do[T any](req *resty.Request, method, path string) (T, error) {
	var (
		result envelope[T]
		zero   T
	)

	resp, err := req.
		SetResult(&result).
		SetError(&errorEnvelope{}).
		Execute(method, path)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Message: resp.Status()}
		if e, ok := resp.Error().(*errorEnvelope); ok && e.Message != "" {
			apiErr.Message = e.Message
		}
		return zero, apiErr
	}

	return result.Data, nil
}
