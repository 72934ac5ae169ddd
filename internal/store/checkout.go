package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/shopspring/decimal"
)

// ShortItem is one cart line whose requested quantity exceeds live stock.
type ShortItem struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Stock       int    `json:"stock"`
}

// InsufficientStockError reports every short line at once so the caller can
// resolve the whole cart in one pass instead of discovering shortages one by
// one. It unwraps to database.ErrInsufficientStock.
type InsufficientStockError struct {
	Items []ShortItem
}

func (e *InsufficientStockError) Error() string {
	names := make([]string, len(e.Items))
	for i, item := range e.Items {
		names[i] = item.ProductName
	}
	return fmt.Sprintf("insufficient stock for: %s", strings.Join(names, ", "))
}

func (e *InsufficientStockError) Unwrap() error {
	return database.ErrInsufficientStock
}

// Totals are the computed checkout figures. Total = Subtotal + Tax + Shipping.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals applies the pricing rules to a cart subtotal: tax at the
// configured rate, shipping waived above the free-shipping threshold.
func ComputeTotals(subtotal decimal.Decimal, cfg config.CheckoutConfig) Totals {
	tax := subtotal.Mul(cfg.TaxRate).Round(2)

	shipping := cfg.ShippingCost
	if subtotal.GreaterThan(cfg.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}
}

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%d-%03d", time.Now().UnixNano(), rand.Intn(1000))
}

type CreateOrderRequest struct {
	UserID          int64
	ShippingAddress models.Address
	BillingData     *models.Address
	PaymentMethod   string
	Notes           string
	Checkout        config.CheckoutConfig
}

// CreateOrder converts the user's active cart into an order. The whole
// workflow runs in one serializable transaction retried on conflicts:
// validate stock for every line under row locks, compute the figures,
// snapshot the lines, decrement stock with guarded updates, close the cart
// and optionally open a pending payment. Any failure rolls back everything.
func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		var cartID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM carts WHERE user_id = $1 AND status = $2`,
			req.UserID, models.CartStatusActive).Scan(&cartID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrEmptyCart
			}
			return fmt.Errorf("get active cart: %w", err)
		}

		items, err := loadCartItems(ctx, tx, cartID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return database.ErrEmptyCart
		}

		// Lock every product up front, collecting all shortages so the
		// caller sees the full list, not just the first.
		subtotal := decimal.Zero
		var short []ShortItem
		for _, item := range items {
			product, err := lockProduct(ctx, tx, item.ProductID)
			if err != nil {
				return err
			}

			if product.StockQuantity < item.Quantity {
				short = append(short, ShortItem{
					ProductID:   product.ID,
					ProductName: product.Name,
					Requested:   item.Quantity,
					Stock:       product.StockQuantity,
				})
				continue
			}

			subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}
		if len(short) > 0 {
			return &InsufficientStockError{Items: short}
		}

		totals := ComputeTotals(subtotal, req.Checkout)

		paymentMethod := req.PaymentMethod
		if paymentMethod == "" {
			paymentMethod = models.PaymentMethodNone
		}

		billing := req.ShippingAddress
		if req.BillingData != nil {
			billing = *req.BillingData
		}

		shippingJSON, err := json.Marshal(req.ShippingAddress)
		if err != nil {
			return fmt.Errorf("marshal shipping address: %w", err)
		}
		billingJSON, err := json.Marshal(billing)
		if err != nil {
			return fmt.Errorf("marshal billing data: %w", err)
		}

		orderNumber := generateOrderNumber()
		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, subtotal, tax, shipping, total,
			                     payment_method, shipping_address, billing_data, notes,
			                     created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW(), 1)
			 RETURNING id`,
			req.UserID, orderNumber, models.OrderStatusPending,
			totals.Subtotal, totals.Tax, totals.Shipping, totals.Total,
			paymentMethod, shippingJSON, billingJSON, req.Notes).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range items {
			lineSubtotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				orderID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, lineSubtotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}

			if err := DecrementStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE carts SET status = $1, updated_at = NOW() WHERE id = $2`,
			models.CartStatusCompleted, cartID)
		if err != nil {
			return fmt.Errorf("complete cart: %w", err)
		}

		if paymentMethod != models.PaymentMethodNone {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO payments (order_id, method, status, amount, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, NOW(), NOW())`,
				orderID, paymentMethod, models.PaymentStatusPending, totals.Total)
			if err != nil {
				return fmt.Errorf("create payment: %w", err)
			}
		}

		order, err = getOrderTx(ctx, tx, orderID)
		return err
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

// CancelOrder reverses a pending order: stock is restored per line, status
// goes to cancelled, the reason is appended to the notes and any pending
// payment is cancelled with it. Orders past pending are not cancellable.
func CancelOrder(ctx context.Context, db *sql.DB, userID, orderID int64, reason string) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		var status string
		var notes string
		err := tx.QueryRowContext(ctx,
			`SELECT status, notes FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			orderID, userID).Scan(&status, &notes)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("get order: %w", err)
		}

		if status != models.OrderStatusPending {
			return database.ErrOrderNotCancelable
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT product_id, quantity FROM order_items WHERE order_id = $1`,
			orderID)
		if err != nil {
			return fmt.Errorf("get order items: %w", err)
		}

		type restore struct {
			productID int64
			quantity  int
		}
		var restores []restore
		for rows.Next() {
			var r restore
			if err := rows.Scan(&r.productID, &r.quantity); err != nil {
				rows.Close()
				return fmt.Errorf("scan order item: %w", err)
			}
			restores = append(restores, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("rows error: %w", err)
		}
		rows.Close()

		for _, r := range restores {
			if err := RestoreStock(ctx, tx, r.productID, r.quantity); err != nil {
				return err
			}
		}

		if reason != "" {
			notes = strings.TrimSpace(notes + "\nCancelled: " + reason)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, notes = $2, updated_at = NOW(), version = version + 1
			 WHERE id = $3`,
			models.OrderStatusCancelled, notes, orderID)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE payments
			 SET status = $1, updated_at = NOW()
			 WHERE order_id = $2 AND status = $3`,
			models.PaymentStatusCancelled, orderID, models.PaymentStatusPending)
		if err != nil {
			return fmt.Errorf("cancel payments: %w", err)
		}

		order, err = getOrderTx(ctx, tx, orderID)
		return err
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}
