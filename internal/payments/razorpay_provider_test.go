package payments

import (
	"context"
	"errors"
	"testing"
)

type stubRazorpayOrders struct {
	data    map[string]interface{}
	headers map[string]string
	resp    map[string]interface{}
	err     error
	block   chan struct{}
}

func (s *stubRazorpayOrders) Create(data map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
	if s.block != nil {
		<-s.block
	}
	s.data = data
	s.headers = headers
	return s.resp, s.err
}

func TestRazorpayProviderCreateOrder(t *testing.T) {
	orders := &stubRazorpayOrders{resp: map[string]interface{}{
		"id":       "order_Nx1",
		"amount":   float64(90000),
		"currency": "INR",
		"receipt":  "rcpt_1",
	}}
	var events []string
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:     "rzp_test_key",
		KeySecret: "secret",
		Orders:    orders,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	order, err := provider.CreateOrder(context.Background(), CreateOrderRequest{
		OrderID:        "ord_1",
		Amount:         90000,
		Currency:       "inr",
		Receipt:        "rcpt_1",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "order_Nx1" || order.Amount != 90000 || order.Currency != "INR" || order.PublicKey != "rzp_test_key" {
		t.Fatalf("unexpected order %+v", order)
	}
	if orders.data["currency"] != "INR" || orders.data["amount"] != int64(90000) {
		t.Fatalf("unexpected request payload %+v", orders.data)
	}
	notes, _ := orders.data["notes"].(map[string]interface{})
	if notes["order_id"] != "ord_1" {
		t.Fatalf("expected order id note, got %+v", notes)
	}
	if orders.headers["X-Razorpay-Idempotency"] != "idem-1" {
		t.Fatalf("expected idempotency header, got %+v", orders.headers)
	}
	if len(events) != 1 || events[0] != "payments.razorpay.order.created" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestRazorpayProviderCreateOrderFailures(t *testing.T) {
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:     "key",
		KeySecret: "secret",
		Orders:    &stubRazorpayOrders{err: errors.New("connection reset")},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Amount: 100, Currency: "INR"}); !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
	if _, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Amount: 0, Currency: "INR"}); !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected for zero amount, got %v", err)
	}

	missingID, _ := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:     "key",
		KeySecret: "secret",
		Orders:    &stubRazorpayOrders{resp: map[string]interface{}{}},
	})
	if _, err := missingID.CreateOrder(context.Background(), CreateOrderRequest{Amount: 100}); !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable for missing id, got %v", err)
	}
}

func TestRazorpayProviderCreateOrderHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:     "key",
		KeySecret: "secret",
		Orders:    &stubRazorpayOrders{block: block},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := provider.CreateOrder(ctx, CreateOrderRequest{Amount: 100}); !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable on cancelled context, got %v", err)
	}
}

func TestRazorpayProviderVerify(t *testing.T) {
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{KeyID: "key", KeySecret: "secret", Orders: &stubRazorpayOrders{}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	signer, _ := NewSigner("secret")

	ok, err := provider.Verify(context.Background(), VerifyRequest{
		GatewayOrderID:   "order_1",
		GatewayPaymentID: "pay_1",
		Signature:        signer.Sign("order_1", "pay_1"),
	})
	if err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}

	ok, err = provider.Verify(context.Background(), VerifyRequest{
		GatewayOrderID:   "order_1",
		GatewayPaymentID: "pay_2",
		Signature:        signer.Sign("order_1", "pay_1"),
	})
	if err != nil || ok {
		t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
	}
}

func TestNewRazorpayProviderValidatesConfig(t *testing.T) {
	if _, err := NewRazorpayProvider(RazorpayProviderConfig{KeySecret: "secret"}); err == nil {
		t.Fatal("expected error without key id")
	}
	if _, err := NewRazorpayProvider(RazorpayProviderConfig{KeyID: "key"}); err == nil {
		t.Fatal("expected error without secret")
	}
}
