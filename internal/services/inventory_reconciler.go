package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const (
	eventInventoryCommit  = "inventory.commit"
	eventInventoryRelease = "inventory.release"
)

// InventoryReconcilerDeps bundles the collaborators required by the reconciler.
type InventoryReconcilerDeps struct {
	Products repositories.ProductRepository
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type inventoryReconciler struct {
	products repositories.ProductRepository
	logger   func(context.Context, string, map[string]any)
}

var _ InventoryReconciler = (*inventoryReconciler)(nil)

// NewInventoryReconciler wires dependencies into a concrete InventoryReconciler.
func NewInventoryReconciler(deps InventoryReconcilerDeps) (InventoryReconciler, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory reconciler: product repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inventoryReconciler{products: deps.Products, logger: logger}, nil
}

// Commit decrements stock for every product in lines. Quantities for the same product are summed and
// products are decremented in id order so concurrent commits lock rows in the same sequence.
func (r *inventoryReconciler) Commit(ctx context.Context, orderID string, lines []OrderLine) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrCheckoutInvalidInput)
	}

	totals := make(map[string]int64, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" || line.Quantity <= 0 {
			return fmt.Errorf("%w: invalid inventory line for order %s", ErrCheckoutInvalidInput, orderID)
		}
		sum, ok := addInt64(totals[productID], line.Quantity)
		if !ok {
			return fmt.Errorf("%w: quantity overflow for product %s", ErrCheckoutInvalidInput, productID)
		}
		totals[productID] = sum
	}
	if len(totals) == 0 {
		return fmt.Errorf("%w: order %s has no lines", ErrCheckoutInvalidInput, orderID)
	}

	productIDs := make([]string, 0, len(totals))
	for id := range totals {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	for _, productID := range productIDs {
		if err := r.products.DecrementStock(ctx, productID, totals[productID]); err != nil {
			return r.translateError(ctx, orderID, productID, err)
		}
	}

	r.logger(ctx, eventInventoryCommit, map[string]any{
		"orderId":  orderID,
		"products": len(productIDs),
	})
	return nil
}

// Release is a no-op: stock is only ever decremented when an order is finalized.
func (r *inventoryReconciler) Release(ctx context.Context, orderID string) error {
	r.logger(ctx, eventInventoryRelease, map[string]any{
		"orderId": strings.TrimSpace(orderID),
		"noop":    true,
	})
	return nil
}

func (r *inventoryReconciler) translateError(ctx context.Context, orderID, productID string, err error) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock, repositories.InventoryErrorProductNotFound:
			r.logger(ctx, "inventory.commit.insufficient", map[string]any{
				"orderId":   orderID,
				"productId": productID,
				"code":      string(invErr.Code),
			})
			return &InsufficientStockError{ProductID: productID}
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	return fmt.Errorf("inventory: commit order %s product %s: %w", orderID, productID, err)
}
