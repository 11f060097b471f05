package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/database"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

// ProductRepository reads catalog rows and maintains the stock counter.
type ProductRepository struct {
	db *database.Provider
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Postgres-backed product repository.
func NewProductRepository(db *database.Provider) (*ProductRepository, error) {
	if db == nil {
		return nil, errors.New("product repository requires database provider")
	}
	return &ProductRepository{db: db}, nil
}

// FindByIDs returns the products that exist among ids. Missing ids are absent from the map.
func (r *ProductRepository) FindByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	ids = compactIDs(ids)
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT id, name, price, stock, active, deleted_at
		FROM products
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, database.WrapError("products.findByIDs", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		var p domain.Product
		err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Active, &p.DeletedAt)
		return p, err
	})
	if err != nil {
		return nil, database.WrapError("products.findByIDs", err)
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

// DecrementStock subtracts qty only while enough stock remains.
func (r *ProductRepository) DecrementStock(ctx context.Context, productID string, qty int64) error {
	productID = strings.TrimSpace(productID)
	if productID == "" || qty <= 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorUnknown, productID, errors.New("product id and positive quantity are required"))
	}

	q := r.db.Querier(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return database.WrapError("products.decrementStock", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return database.WrapError("products.decrementStock", err)
	}
	if !exists {
		return repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, productID, nil)
	}
	return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, productID, nil)
}

// LensOptionRepository reads server-priced lens types and coatings.
type LensOptionRepository struct {
	db *database.Provider
}

var _ repositories.LensOptionRepository = (*LensOptionRepository)(nil)

// NewLensOptionRepository constructs a Postgres-backed lens option repository.
func NewLensOptionRepository(db *database.Provider) (*LensOptionRepository, error) {
	if db == nil {
		return nil, errors.New("lens option repository requires database provider")
	}
	return &LensOptionRepository{db: db}, nil
}

func (r *LensOptionRepository) FindByIDs(ctx context.Context, ids []string) (map[string]domain.LensOption, error) {
	ids = compactIDs(ids)
	result := make(map[string]domain.LensOption, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT id, kind, name, surcharge, active
		FROM lens_options
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, database.WrapError("lensOptions.findByIDs", err)
	}
	options, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LensOption, error) {
		var (
			o    domain.LensOption
			kind string
		)
		err := row.Scan(&o.ID, &kind, &o.Name, &o.Surcharge, &o.Active)
		o.Kind = domain.LensOptionKind(kind)
		return o, err
	})
	if err != nil {
		return nil, database.WrapError("lensOptions.findByIDs", err)
	}
	for _, o := range options {
		result[o.ID] = o
	}
	return result, nil
}

// AddressRepository resolves shipping addresses scoped to their owner.
type AddressRepository struct {
	db *database.Provider
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs a Postgres-backed address repository.
func NewAddressRepository(db *database.Provider) (*AddressRepository, error) {
	if db == nil {
		return nil, errors.New("address repository requires database provider")
	}
	return &AddressRepository{db: db}, nil
}

// FindByID returns not found when the address belongs to another user.
func (r *AddressRepository) FindByID(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	var a domain.Address
	err := r.db.Querier(ctx).QueryRow(ctx, `
		SELECT id, user_id, recipient, line1, line2, city, state, postal_code, country, phone
		FROM addresses
		WHERE id = $1 AND user_id = $2`, strings.TrimSpace(addressID), strings.TrimSpace(userID)).
		Scan(&a.ID, &a.UserID, &a.Recipient, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.Country, &a.Phone)
	if err != nil {
		return domain.Address{}, database.WrapError("addresses.findByID", err)
	}
	return a, nil
}

func compactIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
