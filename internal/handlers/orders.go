package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

// OrderHandlers exposes the shopper's view of an order.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleUser, auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/{orderID}", h.getOrder)
}

type orderLinePayload struct {
	ProductID     string               `json:"productId"`
	ProductName   string               `json:"productName"`
	Quantity      int64                `json:"quantity"`
	UnitPrice     int64                `json:"unitPrice"`
	Surcharge     int64                `json:"surcharge"`
	LineTotal     int64                `json:"lineTotal"`
	Configuration domain.Configuration `json:"configuration"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type couponPayload struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type paymentPayload struct {
	Provider         string `json:"provider"`
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId,omitempty"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	UpdatedAt        string `json:"updatedAt"`
}

type statusChangePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Actor     string `json:"actor"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type orderPayload struct {
	ID             string                `json:"id"`
	Status         string                `json:"status"`
	PaymentStatus  string                `json:"paymentStatus"`
	Currency       string                `json:"currency"`
	Items          []orderLinePayload    `json:"items"`
	Subtotal       int64                 `json:"subtotal"`
	Discount       int64                 `json:"discount"`
	Shipping       int64                 `json:"shipping"`
	Tax            int64                 `json:"gst"`
	FinalAmount    int64                 `json:"finalAmount"`
	Coupon         *couponPayload        `json:"coupon,omitempty"`
	Address        *addressPayload       `json:"address,omitempty"`
	Payments       []paymentPayload      `json:"payments"`
	RefundRequired bool                  `json:"refundRequired,omitempty"`
	History        []statusChangePayload `json:"history,omitempty"`
	CreatedAt      string                `json:"createdAt"`
	UpdatedAt      string                `json:"updatedAt"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	detail, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, UserID: identity.UID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(detail, false)})
}

func buildOrderPayload(detail services.OrderDetail, withHistory bool) orderPayload {
	order := detail.Order
	payload := orderPayload{
		ID:             order.ID,
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		Currency:       order.Currency,
		Items:          make([]orderLinePayload, 0, len(order.Lines)),
		Subtotal:       order.Subtotal,
		Discount:       order.Discount,
		Shipping:       order.Shipping,
		Tax:            order.Tax,
		FinalAmount:    order.FinalAmount,
		Payments:       make([]paymentPayload, 0, len(detail.Payments)),
		RefundRequired: order.RefundRequired,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
	}
	for _, line := range order.Lines {
		payload.Items = append(payload.Items, orderLinePayload{
			ProductID:     line.ProductID,
			ProductName:   line.ProductName,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Surcharge:     line.Surcharge,
			LineTotal:     line.LineTotal,
			Configuration: line.Configuration,
		})
	}
	if order.CouponID != nil {
		payload.Coupon = &couponPayload{ID: *order.CouponID, Code: valueOrEmpty(order.CouponCode)}
	}
	if addr := order.Address; addr != nil {
		payload.Address = &addressPayload{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      valueOrEmpty(addr.Line2),
			City:       addr.City,
			State:      valueOrEmpty(addr.State),
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      valueOrEmpty(addr.Phone),
		}
	}
	for _, p := range detail.Payments {
		payload.Payments = append(payload.Payments, paymentPayload{
			Provider:         p.Provider,
			GatewayOrderID:   p.GatewayOrderID,
			GatewayPaymentID: p.GatewayPaymentID,
			Status:           string(p.Status),
			Amount:           p.Amount,
			Currency:         p.Currency,
			UpdatedAt:        formatTime(p.UpdatedAt),
		})
	}
	if withHistory {
		for _, change := range detail.History {
			payload.History = append(payload.History, statusChangePayload{
				From:      string(change.From),
				To:        string(change.To),
				Actor:     change.Actor,
				Note:      change.Note,
				CreatedAt: formatTime(change.CreatedAt),
			})
		}
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
