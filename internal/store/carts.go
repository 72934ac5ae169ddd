package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx so cart reads can run
// standalone or inside the checkout transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// GetOrCreateActiveCart returns the user's active cart with its items,
// creating an empty one if none exists. The partial unique index on
// (user_id) WHERE status = 'active' closes the lookup-then-create race: a
// concurrent insert surfaces as a unique violation and we re-select.
func GetOrCreateActiveCart(ctx context.Context, db *sql.DB, userID int64) (*models.Cart, error) {
	cart, err := getActiveCart(ctx, db, userID)
	if err == nil {
		return cart, nil
	}
	if err != database.ErrCartNotFound {
		return nil, err
	}

	cart = &models.Cart{}
	err = db.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, status, total, created_at, updated_at)
		 VALUES ($1, $2, 0, NOW(), NOW())
		 RETURNING id, user_id, status, total, created_at, updated_at`,
		userID, models.CartStatusActive).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.Status,
		&cart.Total,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return getActiveCart(ctx, db, userID)
		}
		return nil, fmt.Errorf("create cart: %w", err)
	}

	cart.Items = []models.CartItem{}
	return cart, nil
}

func getActiveCart(ctx context.Context, q querier, userID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, status, total, created_at, updated_at
		 FROM carts
		 WHERE user_id = $1 AND status = $2`,
		userID, models.CartStatusActive).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.Status,
		&cart.Total,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get active cart: %w", err)
	}

	items, err := loadCartItems(ctx, q, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items

	return cart, nil
}

// loadCartItems joins live product data onto each line so callers see the
// current name, stock and availability next to the snapshotted price.
func loadCartItems(ctx context.Context, q querier, cartID int64) ([]models.CartItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, ci.unit_price, ci.subtotal,
		        ci.created_at, ci.updated_at, p.name, p.stock_quantity
		 FROM cart_items ci
		 JOIN products p ON p.id = ci.product_id
		 WHERE ci.cart_id = $1
		 ORDER BY ci.id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("load cart items: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.ProductName,
			&item.Stock,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		item.Available = item.Stock >= item.Quantity
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// AddItem puts quantity of a product into the user's active cart. A line
// that already exists keeps its unit-price snapshot and only grows its
// quantity; a new line captures the product's current price.
func AddItem(ctx context.Context, db *sql.DB, userID, productID int64, quantity int) (*models.Cart, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("quantity must be at least 1")
	}

	var cartID int64

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		product := &models.Product{}
		err := tx.QueryRowContext(ctx,
			`SELECT id, name, price, stock_quantity
			 FROM products
			 WHERE id = $1 AND active`,
			productID).Scan(&product.ID, &product.Name, &product.Price, &product.StockQuantity)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("get product: %w", err)
		}

		if product.StockQuantity < quantity {
			return shortageError(product, quantity)
		}

		cartID, err = ensureActiveCart(ctx, tx, userID)
		if err != nil {
			return err
		}

		var itemID int64
		var existingQty int
		var unitPrice decimal.Decimal
		err = tx.QueryRowContext(ctx,
			`SELECT id, quantity, unit_price
			 FROM cart_items
			 WHERE cart_id = $1 AND product_id = $2`,
			cartID, productID).Scan(&itemID, &existingQty, &unitPrice)

		switch {
		case err == sql.ErrNoRows:
			subtotal := product.Price.Mul(decimal.NewFromInt(int64(quantity)))
			_, err = tx.ExecContext(ctx,
				`INSERT INTO cart_items (cart_id, product_id, quantity, unit_price, subtotal, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
				cartID, productID, quantity, product.Price, subtotal)
			if err != nil {
				return fmt.Errorf("create cart item: %w", err)
			}

		case err != nil:
			return fmt.Errorf("get cart item: %w", err)

		default:
			newQty := existingQty + quantity
			if product.StockQuantity < newQty {
				return shortageError(product, newQty)
			}

			// Re-derive the subtotal from the stored snapshot, not the
			// live product price.
			subtotal := unitPrice.Mul(decimal.NewFromInt(int64(newQty)))
			_, err = tx.ExecContext(ctx,
				`UPDATE cart_items
				 SET quantity = $1, subtotal = $2, updated_at = NOW()
				 WHERE id = $3`,
				newQty, subtotal, itemID)
			if err != nil {
				return fmt.Errorf("update cart item: %w", err)
			}
		}

		return recalculateCartTotal(ctx, tx, cartID)
	})
	if err != nil {
		return nil, err
	}

	return GetOrCreateActiveCart(ctx, db, userID)
}

// UpdateItem sets the quantity of an existing line. Ownership is enforced
// through the join to the caller's active cart.
func UpdateItem(ctx context.Context, db *sql.DB, userID, itemID int64, quantity int) (*models.Cart, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("quantity must be at least 1")
	}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var cartID int64
		var unitPrice decimal.Decimal
		product := &models.Product{}

		err := tx.QueryRowContext(ctx,
			`SELECT ci.cart_id, ci.unit_price, p.id, p.name, p.stock_quantity
			 FROM cart_items ci
			 JOIN carts c ON c.id = ci.cart_id
			 JOIN products p ON p.id = ci.product_id
			 WHERE ci.id = $1 AND c.user_id = $2 AND c.status = $3`,
			itemID, userID, models.CartStatusActive).Scan(
			&cartID, &unitPrice, &product.ID, &product.Name, &product.StockQuantity)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrCartItemNotFound
			}
			return fmt.Errorf("get cart item: %w", err)
		}

		if product.StockQuantity < quantity {
			return shortageError(product, quantity)
		}

		subtotal := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
		_, err = tx.ExecContext(ctx,
			`UPDATE cart_items
			 SET quantity = $1, subtotal = $2, updated_at = NOW()
			 WHERE id = $3`,
			quantity, subtotal, itemID)
		if err != nil {
			return fmt.Errorf("update cart item: %w", err)
		}

		return recalculateCartTotal(ctx, tx, cartID)
	})
	if err != nil {
		return nil, err
	}

	return GetOrCreateActiveCart(ctx, db, userID)
}

func RemoveItem(ctx context.Context, db *sql.DB, userID, itemID int64) (*models.Cart, error) {
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var cartID int64
		err := tx.QueryRowContext(ctx,
			`SELECT ci.cart_id
			 FROM cart_items ci
			 JOIN carts c ON c.id = ci.cart_id
			 WHERE ci.id = $1 AND c.user_id = $2 AND c.status = $3`,
			itemID, userID, models.CartStatusActive).Scan(&cartID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrCartItemNotFound
			}
			return fmt.Errorf("get cart item: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1`, itemID); err != nil {
			return fmt.Errorf("delete cart item: %w", err)
		}

		return recalculateCartTotal(ctx, tx, cartID)
	})
	if err != nil {
		return nil, err
	}

	return GetOrCreateActiveCart(ctx, db, userID)
}

// ClearCart removes every line from the user's active cart. A user without
// an active cart has nothing to clear, which is not an error.
func ClearCart(ctx context.Context, db *sql.DB, userID int64) error {
	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var cartID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM carts WHERE user_id = $1 AND status = $2`,
			userID, models.CartStatusActive).Scan(&cartID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("get active cart: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
			return fmt.Errorf("clear cart items: %w", err)
		}

		return recalculateCartTotal(ctx, tx, cartID)
	})
}

type StockCheckLine struct {
	ItemID      int64  `json:"item_id"`
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Stock       int    `json:"stock"`
	Available   bool   `json:"available"`
}

type StockCheck struct {
	Items        []StockCheckLine `json:"items"`
	AllAvailable bool             `json:"all_available"`
}

// CheckStock compares live stock to every line of the active cart. Pure
// read, no mutation.
func CheckStock(ctx context.Context, db *sql.DB, userID int64) (*StockCheck, error) {
	cart, err := getActiveCart(ctx, db, userID)
	if err != nil {
		if err == database.ErrCartNotFound {
			return &StockCheck{Items: []StockCheckLine{}, AllAvailable: true}, nil
		}
		return nil, err
	}

	check := &StockCheck{Items: make([]StockCheckLine, 0, len(cart.Items)), AllAvailable: true}
	for _, item := range cart.Items {
		if !item.Available {
			check.AllAvailable = false
		}
		check.Items = append(check.Items, StockCheckLine{
			ItemID:      item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Requested:   item.Quantity,
			Stock:       item.Stock,
			Available:   item.Available,
		})
	}

	return check, nil
}

type CartSummary struct {
	CartID       int64             `json:"cart_id"`
	Subtotal     decimal.Decimal   `json:"subtotal"`
	Tax          decimal.Decimal   `json:"tax"`
	Shipping     decimal.Decimal   `json:"shipping"`
	Total        decimal.Decimal   `json:"total"`
	ItemCount    int               `json:"item_count"`
	ProductCount int               `json:"product_count"`
	Items        []models.CartItem `json:"items"`
	AllAvailable bool              `json:"all_available"`
}

// CartSummaryFor prices the active cart the way checkout will: tax and
// shipping from cfg, figures rounded to 2 decimal places at this boundary.
func CartSummaryFor(ctx context.Context, db *sql.DB, userID int64, cfg config.CheckoutConfig) (*CartSummary, error) {
	cart, err := getActiveCart(ctx, db, userID)
	if err != nil {
		if err == database.ErrCartNotFound {
			return nil, database.ErrEmptyCart
		}
		return nil, err
	}
	if len(cart.Items) == 0 {
		return nil, database.ErrEmptyCart
	}

	subtotal := decimal.Zero
	itemCount := 0
	allAvailable := true
	for _, item := range cart.Items {
		subtotal = subtotal.Add(item.Subtotal)
		itemCount += item.Quantity
		if !item.Available {
			allAvailable = false
		}
	}

	totals := ComputeTotals(subtotal, cfg)

	return &CartSummary{
		CartID:       cart.ID,
		Subtotal:     totals.Subtotal.Round(2),
		Tax:          totals.Tax.Round(2),
		Shipping:     totals.Shipping.Round(2),
		Total:        totals.Total.Round(2),
		ItemCount:    itemCount,
		ProductCount: len(cart.Items),
		Items:        cart.Items,
		AllAvailable: allAvailable,
	}, nil
}

// ensureActiveCart returns the id of the user's active cart inside tx,
// inserting one if needed.
func ensureActiveCart(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	var cartID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM carts WHERE user_id = $1 AND status = $2`,
		userID, models.CartStatusActive).Scan(&cartID)
	if err == nil {
		return cartID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("get active cart: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, status, total, created_at, updated_at)
		 VALUES ($1, $2, 0, NOW(), NOW())
		 RETURNING id`,
		userID, models.CartStatusActive).Scan(&cartID)
	if err != nil {
		return 0, fmt.Errorf("create cart: %w", err)
	}

	return cartID, nil
}

// recalculateCartTotal persists the cached total as the sum of the remaining
// line subtotals.
func recalculateCartTotal(ctx context.Context, tx *sql.Tx, cartID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts
		 SET total = COALESCE((SELECT SUM(subtotal) FROM cart_items WHERE cart_id = $1), 0),
		     updated_at = NOW()
		 WHERE id = $1`,
		cartID)
	if err != nil {
		return fmt.Errorf("recalculate cart total: %w", err)
	}
	return nil
}

func shortageError(product *models.Product, requested int) error {
	return &InsufficientStockError{
		Items: []ShortItem{{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   requested,
			Stock:       product.StockQuantity,
		}},
	}
}
