package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const maxCartLines = 100

// PricingEngineDeps wires the catalog lookups used for pricing.
type PricingEngineDeps struct {
	Products    repositories.ProductRepository
	LensOptions repositories.LensOptionRepository
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type pricingEngine struct {
	products    repositories.ProductRepository
	lensOptions repositories.LensOptionRepository
	logger      func(context.Context, string, map[string]any)
}

var _ PricingEngine = (*pricingEngine)(nil)

// NewPricingEngine constructs the Pricing Engine.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	if deps.Products == nil {
		return nil, errors.New("pricing engine: product repository is required")
	}
	if deps.LensOptions == nil {
		return nil, errors.New("pricing engine: lens option repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &pricingEngine{
		products:    deps.Products,
		lensOptions: deps.LensOptions,
		logger:      logger,
	}, nil
}

// Price recomputes every line from catalog truth. Any unavailable line fails the whole cart.
func (e *pricingEngine) Price(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error) {
	if len(cmd.Lines) == 0 {
		return PriceCartResult{}, fmt.Errorf("%w: cart must contain at least one line", ErrCheckoutInvalidInput)
	}
	if len(cmd.Lines) > maxCartLines {
		return PriceCartResult{}, fmt.Errorf("%w: cart exceeds %d lines", ErrCheckoutInvalidInput, maxCartLines)
	}

	productIDs := make([]string, 0, len(cmd.Lines))
	optionIDs := make([]string, 0)
	requested := make(map[string]int64, len(cmd.Lines))
	for i, line := range cmd.Lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return PriceCartResult{}, fmt.Errorf("%w: line %d missing product id", ErrCheckoutInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return PriceCartResult{}, fmt.Errorf("%w: line %d quantity must be positive", ErrCheckoutInvalidInput, i)
		}
		if err := line.Configuration.Validate(); err != nil {
			return PriceCartResult{}, fmt.Errorf("%w: line %d: %v", ErrCheckoutInvalidInput, i, err)
		}
		if _, seen := requested[productID]; !seen {
			productIDs = append(productIDs, productID)
		}
		total, ok := addInt64(requested[productID], line.Quantity)
		if !ok {
			return PriceCartResult{}, fmt.Errorf("%w: line %d quantity overflows", ErrCheckoutInvalidInput, i)
		}
		requested[productID] = total
		if lens := line.Configuration.Lens; lens != nil {
			optionIDs = append(optionIDs, lens.TypeID)
			if lens.CoatingID != "" {
				optionIDs = append(optionIDs, lens.CoatingID)
			}
		}
	}

	products, err := e.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return PriceCartResult{}, e.translateError(ctx, "products", err)
	}
	var options map[string]domain.LensOption
	if len(optionIDs) > 0 {
		options, err = e.lensOptions.FindByIDs(ctx, dedupeStrings(optionIDs))
		if err != nil {
			return PriceCartResult{}, e.translateError(ctx, "lens_options", err)
		}
	}

	for _, id := range productIDs {
		product, ok := products[id]
		switch {
		case !ok:
			return PriceCartResult{}, &LineUnavailableError{ProductID: id, Reason: "not found"}
		case !product.Available():
			return PriceCartResult{}, &LineUnavailableError{ProductID: id, Reason: "is not available"}
		case product.Stock < requested[id]:
			return PriceCartResult{}, &LineUnavailableError{ProductID: id, Reason: "is out of stock"}
		case product.Price < 0:
			return PriceCartResult{}, &LineUnavailableError{ProductID: id, Reason: "has no valid price"}
		}
	}

	result := PriceCartResult{Lines: make([]PricedLine, 0, len(cmd.Lines))}
	for i, line := range cmd.Lines {
		productID := strings.TrimSpace(line.ProductID)
		product := products[productID]

		surcharge, err := lensSurcharge(line.Configuration, options)
		if err != nil {
			return PriceCartResult{}, err
		}
		unit, ok := addInt64(product.Price, surcharge)
		if !ok {
			return PriceCartResult{}, fmt.Errorf("%w: line %d price overflows", ErrCheckoutInvalidInput, i)
		}
		lineTotal, ok := mulInt64(unit, line.Quantity)
		if !ok {
			return PriceCartResult{}, fmt.Errorf("%w: line %d total overflows", ErrCheckoutInvalidInput, i)
		}
		subtotal, ok := addInt64(result.Subtotal, lineTotal)
		if !ok {
			return PriceCartResult{}, fmt.Errorf("%w: cart subtotal overflows", ErrCheckoutInvalidInput)
		}
		result.Subtotal = subtotal
		result.Lines = append(result.Lines, PricedLine{
			ProductID:     productID,
			ProductName:   product.Name,
			Quantity:      line.Quantity,
			UnitPrice:     product.Price,
			Surcharge:     surcharge,
			LineTotal:     lineTotal,
			Configuration: line.Configuration,
		})
	}
	return result, nil
}

func lensSurcharge(cfg domain.Configuration, options map[string]domain.LensOption) (int64, error) {
	if cfg.IsNone() || cfg.Lens == nil {
		return 0, nil
	}
	lensType, ok := options[cfg.Lens.TypeID]
	if !ok || !lensType.Active || lensType.Kind != domain.LensOptionType {
		return 0, fmt.Errorf("%w: unknown lens type %q", ErrCheckoutInvalidInput, cfg.Lens.TypeID)
	}
	total := lensType.Surcharge
	if cfg.Lens.CoatingID != "" {
		coating, ok := options[cfg.Lens.CoatingID]
		if !ok || !coating.Active || coating.Kind != domain.LensOptionCoating {
			return 0, fmt.Errorf("%w: unknown coating %q", ErrCheckoutInvalidInput, cfg.Lens.CoatingID)
		}
		total, ok = addInt64(total, coating.Surcharge)
		if !ok {
			return 0, fmt.Errorf("%w: lens surcharge overflows", ErrCheckoutInvalidInput)
		}
	}
	if total < 0 {
		return 0, fmt.Errorf("%w: negative lens surcharge", ErrCheckoutInvalidInput)
	}
	return total, nil
}

func (e *pricingEngine) translateError(ctx context.Context, source string, err error) error {
	e.logger(ctx, "pricing.lookup.failed", map[string]any{
		"source": source,
		"error":  err.Error(),
	})
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrLineUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
}

// addInt64 returns a+b and false when the sum overflows.
func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a < 0 || b < 0 {
		return 0, false
	}
	if a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
