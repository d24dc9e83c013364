package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/pkg/database"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

// StockRepository implements repository.StockRepository using PostgreSQL.
type StockRepository struct {
	pool database.DBTX
}

// NewStockRepository creates a new PostgreSQL-backed stock repository.
func NewStockRepository(pool database.DBTX) *StockRepository {
	return &StockRepository{pool: pool}
}

// GetVariant retrieves a product variant with its current stock counters.
func (r *StockRepository) GetVariant(ctx context.Context, variantID int64) (*domain.ProductVariant, error) {
	query := `
		SELECT id, product_id, price, currency, initial_stock, reserved_stock, max_per_customer, updated_at
		FROM product_variants
		WHERE id = $1`

	var v domain.ProductVariant
	err := r.pool.QueryRow(ctx, query, variantID).Scan(
		&v.ID,
		&v.ProductID,
		&v.Price,
		&v.Currency,
		&v.InitialStock,
		&v.ReservedStock,
		&v.MaxPerCustomer,
		&v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("variant", fmt.Sprintf("%d", variantID))
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return &v, nil
}

// SetStockLevel replaces the initial stock of a variant and records a
// manual_update log entry. The variant row is locked for the duration of the
// transaction so a concurrent reservation cannot observe the intermediate
// state. The new level must cover the units currently reserved.
func (r *StockRepository) SetStockLevel(ctx context.Context, variantID int64, newInitial int) (*domain.ProductVariant, error) {
	if newInitial < 0 {
		return nil, apperrors.InvalidInput("stock level must be non-negative")
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin stock update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var v domain.ProductVariant
	lockQuery := `
		SELECT id, product_id, price, currency, initial_stock, reserved_stock, max_per_customer, updated_at
		FROM product_variants
		WHERE id = $1
		FOR UPDATE`

	err = tx.QueryRow(ctx, lockQuery, variantID).Scan(
		&v.ID,
		&v.ProductID,
		&v.Price,
		&v.Currency,
		&v.InitialStock,
		&v.ReservedStock,
		&v.MaxPerCustomer,
		&v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("variant", fmt.Sprintf("%d", variantID))
		}
		return nil, fmt.Errorf("lock variant for stock update: %w", err)
	}

	if newInitial < v.ReservedStock {
		return nil, apperrors.InvalidInput(fmt.Sprintf(
			"stock level %d is below the %d units currently reserved", newInitial, v.ReservedStock))
	}

	delta := newInitial - v.InitialStock

	updateQuery := `
		UPDATE product_variants
		SET initial_stock = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING updated_at`

	if err := tx.QueryRow(ctx, updateQuery, newInitial, variantID).Scan(&v.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update stock level: %w", err)
	}

	logQuery := `
		INSERT INTO inventory_log (variant_id, change, delta)
		VALUES ($1, $2, $3)`

	if _, err := tx.Exec(ctx, logQuery, variantID, domain.ChangeManualUpdate, delta); err != nil {
		return nil, fmt.Errorf("insert inventory log entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit stock update transaction: %w", err)
	}

	v.InitialStock = newInitial
	return &v, nil
}

// ListInventoryLog returns the audit log for a variant, newest first.
func (r *StockRepository) ListInventoryLog(ctx context.Context, variantID int64, page, perPage int) ([]domain.InventoryLogEntry, int, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}

	offset := (page - 1) * perPage

	query := `
		SELECT id, variant_id, change, delta, order_id, created_at,
			   count(*) OVER() AS total_count
		FROM inventory_log
		WHERE variant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, variantID, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list inventory log: %w", err)
	}
	defer rows.Close()

	var (
		entries    []domain.InventoryLogEntry
		totalCount int
	)

	for rows.Next() {
		var e domain.InventoryLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.VariantID,
			&e.Change,
			&e.Delta,
			&e.OrderID,
			&e.CreatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan inventory log row: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate inventory log rows: %w", err)
	}

	if entries == nil {
		entries = []domain.InventoryLogEntry{}
	}

	return entries, totalCount, nil
}
