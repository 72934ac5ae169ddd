package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/shopspring/decimal"
)

func scanOrder(row *sql.Row, order *models.Order) error {
	var shippingJSON, billingJSON []byte

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.Subtotal,
		&order.Tax,
		&order.Shipping,
		&order.Total,
		&order.PaymentMethod,
		&shippingJSON,
		&billingJSON,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(shippingJSON, &order.ShippingAddress); err != nil {
		return fmt.Errorf("unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(billingJSON, &order.BillingData); err != nil {
		return fmt.Errorf("unmarshal billing data: %w", err)
	}

	return nil
}

const orderColumns = `id, user_id, order_number, status, subtotal, tax, shipping, total,
	       payment_method, shipping_address, billing_data, notes, created_at, updated_at, version`

func getOrderTx(ctx context.Context, q querier, orderID int64) (*models.Order, error) {
	order := &models.Order{}

	row := q.QueryRowContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders WHERE id = $1`,
		orderID)
	if err := scanOrder(row, order); err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := loadOrderItems(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	payments, err := loadPayments(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	order.Payments = payments

	return order, nil
}

func loadOrderItems(ctx context.Context, q querier, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, product_name, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetOrder returns an order with its items and payments, restricted to its
// owner.
func GetOrder(ctx context.Context, db *sql.DB, userID, orderID int64) (*models.Order, error) {
	order, err := getOrderTx(ctx, db, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, database.ErrOrderNotFound
	}
	return order, nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		var shippingJSON, billingJSON []byte
		err := rows.Scan(
			&order.ID,
			&order.UserID,
			&order.OrderNumber,
			&order.Status,
			&order.Subtotal,
			&order.Tax,
			&order.Shipping,
			&order.Total,
			&order.PaymentMethod,
			&shippingJSON,
			&billingJSON,
			&order.Notes,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal(shippingJSON, &order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
		if err := json.Unmarshal(billingJSON, &order.BillingData); err != nil {
			return nil, fmt.Errorf("unmarshal billing data: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// UpdateShippingAddress replaces the shipping address while the order is
// still pending or confirmed.
func UpdateShippingAddress(ctx context.Context, db *sql.DB, userID, orderID int64, address models.Address) (*models.Order, error) {
	addressJSON, err := json.Marshal(address)
	if err != nil {
		return nil, fmt.Errorf("marshal shipping address: %w", err)
	}

	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET shipping_address = $1, updated_at = NOW(), version = version + 1
		 WHERE id = $2 AND user_id = $3 AND status IN ($4, $5)`,
		addressJSON, orderID, userID, models.OrderStatusPending, models.OrderStatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("update shipping address: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing order from a status precondition failure.
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1 AND user_id = $2)`,
			orderID, userID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check order exists: %w", err)
		}
		if !exists {
			return nil, database.ErrOrderNotFound
		}
		return nil, database.ErrOrderNotModifiable
	}

	return getOrderTx(ctx, db, orderID)
}

// UpdateOrderStatus is the administrative transition. Any member of the
// status enum is accepted; there is no forward-only ordering. A note is
// stamped with the transition time.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, orderID int64, status, note string) (*models.Order, error) {
	if !models.IsValidOrderStatus(status) {
		return nil, database.ErrInvalidOrderStatus
	}

	var order *models.Order

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var notes string
		err := tx.QueryRowContext(ctx,
			`SELECT notes FROM orders WHERE id = $1 FOR UPDATE`,
			orderID).Scan(&notes)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("get order: %w", err)
		}

		if note != "" {
			stamped := time.Now().UTC().Format(time.RFC3339) + ": " + note
			if notes == "" {
				notes = stamped
			} else {
				notes = notes + "\n" + stamped
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, notes = $2, updated_at = NOW(), version = version + 1
			 WHERE id = $3`,
			status, notes, orderID)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		order, err = getOrderTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

type StatusCount struct {
	Status string          `json:"status"`
	Count  int64           `json:"count"`
	Total  decimal.Decimal `json:"total"`
}

type OrderStats struct {
	TotalOrders int64           `json:"total_orders"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	ByStatus    []StatusCount   `json:"by_status"`
}

// GetOrderStats aggregates the user's orders per status.
func GetOrderStats(ctx context.Context, db *sql.DB, userID int64) (*OrderStats, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total), 0)
		 FROM orders
		 WHERE user_id = $1
		 GROUP BY status
		 ORDER BY status`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("get order stats: %w", err)
	}
	defer rows.Close()

	stats := &OrderStats{TotalSpent: decimal.Zero, ByStatus: []StatusCount{}}
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count, &sc.Total); err != nil {
			return nil, fmt.Errorf("scan order stats: %w", err)
		}
		stats.TotalOrders += sc.Count
		stats.TotalSpent = stats.TotalSpent.Add(sc.Total)
		stats.ByStatus = append(stats.ByStatus, sc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stats, nil
}
