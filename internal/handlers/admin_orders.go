package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

const maxAdminOrderBody = 4 * 1024

// AdminOrderHandlers serves operator order overrides and invoices. Every route requires the staff or
// admin role.
type AdminOrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	invoices services.InvoiceService
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, invoices services.InvoiceService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, invoices: invoices}
}

// Routes registers the operator endpoints below /admin.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	group.Get("/orders/{orderID}", h.getOrder)
	group.Put("/orders/{orderID}", h.updateStatus)
	group.Get("/orders/{orderID}/invoice", h.invoice)
}

type adminUpdateStatusRequest struct {
	Status         string  `json:"status"`
	Note           string  `json:"note"`
	ExpectedStatus *string `json:"expectedStatus"`
}

func (h *AdminOrderHandlers) operator(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return nil, false
	}
	if !identity.IsOperator() {
		httpx.WriteError(r.Context(), w, httpx.NewError("insufficient_role", "operator role required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.operator(w, r); !ok {
		return
	}
	detail, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Admin:   true,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(detail, true)})
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := h.operator(w, r)
	if !ok {
		return
	}

	var req adminUpdateStatusRequest
	if !decodeBody(w, r, maxAdminOrderBody, &req) {
		return
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	cmd := services.AdminUpdateStatusCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Status:  domain.OrderStatus(strings.ToUpper(status)),
		ActorID: identity.UID,
		Note:    req.Note,
	}
	if req.ExpectedStatus != nil && strings.TrimSpace(*req.ExpectedStatus) != "" {
		expected := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(*req.ExpectedStatus)))
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.AdminUpdateStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(services.OrderDetail{Order: order}, false)})
}

func (h *AdminOrderHandlers) invoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_unavailable", "invoice service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.operator(w, r); !ok {
		return
	}

	doc, err := h.invoices.Invoice(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Body)))
	if doc.ArchivedURI != "" {
		w.Header().Set("X-Invoice-Archive", doc.ArchivedURI)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}
