package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

type stubOrderService struct {
	getFunc    func(context.Context, services.GetOrderCommand) (services.OrderDetail, error)
	updateFunc func(context.Context, services.AdminUpdateStatusCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.OrderDetail, error) {
	if s.getFunc == nil {
		return services.OrderDetail{}, services.ErrOrderNotFound
	}
	return s.getFunc(ctx, cmd)
}

func (s *stubOrderService) AdminUpdateStatus(ctx context.Context, cmd services.AdminUpdateStatusCommand) (services.Order, error) {
	if s.updateFunc == nil {
		return services.Order{}, services.ErrOrderNotFound
	}
	return s.updateFunc(ctx, cmd)
}

type stubInvoiceService struct {
	invoiceFunc func(context.Context, string) (services.InvoiceDocument, error)
}

func (s *stubInvoiceService) Invoice(ctx context.Context, orderID string) (services.InvoiceDocument, error) {
	return s.invoiceFunc(ctx, orderID)
}

var (
	_ services.OrderService   = (*stubOrderService)(nil)
	_ services.InvoiceService = (*stubInvoiceService)(nil)
)

func sampleOrderDetail() services.OrderDetail {
	created := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	couponID, couponCode := "cpn_1", "SAVE10"
	line2 := "Flat 4"
	return services.OrderDetail{
		Order: domain.Order{
			ID:            "ord_1",
			UserID:        "user-1",
			Status:        domain.OrderStatusProcessing,
			PaymentStatus: domain.PaymentStatusPaid,
			Currency:      "INR",
			Lines: []domain.OrderLine{{
				ProductID:     "frame-1",
				ProductName:   "Aviator",
				Quantity:      1,
				UnitPrice:     249900,
				Surcharge:     50000,
				LineTotal:     299900,
				Configuration: domain.NoConfiguration(),
			}},
			Subtotal:    299900,
			Discount:    29990,
			Shipping:    0,
			Tax:         53982,
			FinalAmount: 323892,
			CouponID:    &couponID,
			CouponCode:  &couponCode,
			Address: &domain.Address{
				Recipient:  "A. Shopper",
				Line1:      "12 MG Road",
				Line2:      &line2,
				City:       "Bengaluru",
				PostalCode: "560001",
				Country:    "IN",
			},
			CreatedAt: created,
			UpdatedAt: created.Add(time.Minute),
		},
		Payments: []services.PaymentSummary{{
			Provider:         "razorpay",
			GatewayOrderID:   "order_Rzp1",
			GatewayPaymentID: "pay_****7890",
			Status:           domain.PaymentRecordVerified,
			Amount:           323892,
			Currency:         "INR",
			UpdatedAt:        created.Add(time.Minute),
		}},
		History: []domain.OrderStatusChange{
			{OrderID: "ord_1", From: domain.OrderStatusPending, To: domain.OrderStatusProcessing, Actor: "user-1", CreatedAt: created.Add(time.Minute)},
		},
	}
}

func operatorRequest(method, target, body string) *http.Request {
	req := authedRequest(method, target, body, "")
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))
}

func TestOrderHandlersGetOrder(t *testing.T) {
	var captured services.GetOrderCommand
	svc := &stubOrderService{
		getFunc: func(_ context.Context, cmd services.GetOrderCommand) (services.OrderDetail, error) {
			captured = cmd
			return sampleOrderDetail(), nil
		},
	}
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, svc).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_1", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.UserID != "user-1" || captured.Admin {
		t.Fatalf("unexpected command %+v", captured)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	order := resp.Order
	if order.Status != "PROCESSING" || order.PaymentStatus != "PAID" || order.FinalAmount != 323892 || order.Tax != 53982 {
		t.Fatalf("unexpected order payload %+v", order)
	}
	if order.Coupon == nil || order.Coupon.Code != "SAVE10" {
		t.Fatalf("expected coupon in payload, got %+v", order.Coupon)
	}
	if order.Address == nil || order.Address.Line2 != "Flat 4" {
		t.Fatalf("expected address in payload, got %+v", order.Address)
	}
	if len(order.Payments) != 1 || order.Payments[0].GatewayPaymentID != "pay_****7890" {
		t.Fatalf("unexpected payments %+v", order.Payments)
	}
	if len(order.History) != 0 {
		t.Fatalf("shopper view must not include history")
	}
}

func TestOrderHandlersGetOrderErrors(t *testing.T) {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, &stubOrderService{}).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_x", "", "user-2"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_x", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersGetIncludesHistory(t *testing.T) {
	var captured services.GetOrderCommand
	svc := &stubOrderService{
		getFunc: func(_ context.Context, cmd services.GetOrderCommand) (services.OrderDetail, error) {
			captured = cmd
			return sampleOrderDetail(), nil
		},
	}
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(nil, svc, nil).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, operatorRequest(http.MethodGet, "/admin/orders/ord_1", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !captured.Admin || captured.UserID != "" {
		t.Fatalf("expected admin read, got %+v", captured)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Order.History) != 1 || resp.Order.History[0].To != "PROCESSING" {
		t.Fatalf("expected history, got %+v", resp.Order.History)
	}
}

func TestAdminOrderHandlersRejectsShoppers(t *testing.T) {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(nil, &stubOrderService{}, nil).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/admin/orders/ord_1", `{"status":"SHIPPED"}`, "user-1"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersUpdateStatus(t *testing.T) {
	var captured services.AdminUpdateStatusCommand
	svc := &stubOrderService{
		updateFunc: func(_ context.Context, cmd services.AdminUpdateStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrderDetail().Order
			order.Status = cmd.Status
			return order, nil
		},
	}
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(nil, svc, nil).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, operatorRequest(http.MethodPut, "/admin/orders/ord_1", `{"status":"shipped","note":"AWB 123","expectedStatus":"processing"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Status != domain.OrderStatusShipped || captured.ActorID != "staff-1" || captured.Note != "AWB 123" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusProcessing {
		t.Fatalf("expected status precondition, got %v", captured.ExpectedStatus)
	}
	if body := decodeJSON(t, rr); body["order"].(map[string]any)["status"] != "SHIPPED" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAdminOrderHandlersUpdateStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "missing status", body: `{"note":"x"}`, status: http.StatusBadRequest},
		{name: "invalid transition", body: `{"status":"PENDING"}`, err: services.ErrOrderInvalidTransition, status: http.StatusUnprocessableEntity},
		{name: "stale precondition", body: `{"status":"SHIPPED","expectedStatus":"PROCESSING"}`, err: services.ErrOrderConflict, status: http.StatusConflict},
		{name: "unknown order", body: `{"status":"SHIPPED"}`, err: services.ErrOrderNotFound, status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderService{
				updateFunc: func(context.Context, services.AdminUpdateStatusCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			router := chi.NewRouter()
			router.Route("/admin", NewAdminOrderHandlers(nil, svc, nil).Routes)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, operatorRequest(http.MethodPut, "/admin/orders/ord_1", tc.body))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestAdminOrderHandlersInvoice(t *testing.T) {
	invoices := &stubInvoiceService{
		invoiceFunc: func(_ context.Context, orderID string) (services.InvoiceDocument, error) {
			if orderID == "ord_pending" {
				return services.InvoiceDocument{}, services.ErrInvoiceNotAvailable
			}
			return services.InvoiceDocument{
				OrderID:     orderID,
				FileName:    "invoice-" + orderID + ".txt",
				ContentType: "text/plain; charset=utf-8",
				Body:        []byte("INVOICE ord_1"),
				ArchivedURI: "gs://invoices/ord_1.txt",
			}, nil
		},
	}
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(nil, &stubOrderService{}, invoices).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, operatorRequest(http.MethodGet, "/admin/orders/ord_1/invoice", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Disposition"); got != `inline; filename="invoice-ord_1.txt"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if rr.Header().Get("X-Invoice-Archive") != "gs://invoices/ord_1.txt" {
		t.Fatalf("expected archive header")
	}
	if rr.Body.String() != "INVOICE ord_1" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, operatorRequest(http.MethodGet, "/admin/orders/ord_pending/invoice", ""))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}
