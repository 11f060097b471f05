package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/requestctx"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

// InternalJobHandlers exposes scheduler-triggered maintenance jobs. Authentication is applied by the
// router's internal middleware group.
type InternalJobHandlers struct {
	sweeper services.OrderSweeper
}

func NewInternalJobHandlers(sweeper services.OrderSweeper) *InternalJobHandlers {
	return &InternalJobHandlers{sweeper: sweeper}
}

// Routes registers /orders/sweep.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/sweep", h.sweepOrders)
}

type sweepResponse struct {
	Scanned        int   `json:"scanned"`
	Expired        int   `json:"expired"`
	PaymentsFailed int64 `json:"paymentsFailed"`
}

func (h *InternalJobHandlers) sweepOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "order sweeper unavailable", http.StatusServiceUnavailable))
		return
	}

	result, err := h.sweeper.Sweep(ctx)
	if err != nil {
		fields := []zap.Field{zap.Int("expired", result.Expired), zap.Error(err)}
		if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
			fields = append(fields, zap.String("caller", svc.Subject))
		}
		requestctx.Logger(ctx).Error("order sweep failed", fields...)
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", "order sweep failed", http.StatusInternalServerError).
			WithDetails(map[string]any{"expired": result.Expired}))
		return
	}
	writeJSONResponse(w, http.StatusOK, sweepResponse{
		Scanned:        result.Scanned,
		Expired:        result.Expired,
		PaymentsFailed: result.PaymentsFailed,
	})
}
