package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/paypal"
)

// InitiatePayment opens a provider-side intent for a pending order's total
// and persists the pending payment keyed by the provider transaction id.
// The approval URL is returned for the client redirect.
func InitiatePayment(ctx context.Context, db *sql.DB, provider paypal.Provider, userID, orderID int64) (*models.Payment, string, error) {
	order := &models.Order{}
	err := db.QueryRowContext(ctx,
		`SELECT id, order_number, status, total
		 FROM orders
		 WHERE id = $1 AND user_id = $2`,
		orderID, userID).Scan(&order.ID, &order.OrderNumber, &order.Status, &order.Total)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, "", database.ErrOrderNotFound
		}
		return nil, "", fmt.Errorf("get order: %w", err)
	}

	if order.Status != models.OrderStatusPending {
		return nil, "", database.ErrOrderNotModifiable
	}

	intent, err := provider.CreateOrder(ctx, order.OrderNumber, order.Total, "USD")
	if err != nil {
		return nil, "", fmt.Errorf("create payment intent: %w", err)
	}

	payment := &models.Payment{}
	err = db.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, method, status, transaction_id, amount, details, created_at, updated_at)
		 VALUES ($1, 'PayPal', $2, $3, $4, $5, NOW(), NOW())
		 RETURNING id, order_id, method, status, transaction_id, amount, created_at, updated_at`,
		order.ID, models.PaymentStatusPending, intent.ID, order.Total, []byte(intent.Raw)).Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Method,
		&payment.Status,
		&payment.TransactionID,
		&payment.Amount,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("create payment: %w", err)
	}

	return payment, intent.ApproveURL, nil
}

// CapturePayment confirms a payment with the provider. Success completes the
// payment and confirms the order in one transaction. Provider failure marks
// the payment failed but leaves the order pending so the customer can retry
// with a fresh initiation.
func CapturePayment(ctx context.Context, db *sql.DB, provider paypal.Provider, transactionID string) (*models.Payment, error) {
	var status string
	err := db.QueryRowContext(ctx,
		`SELECT status FROM payments WHERE transaction_id = $1`,
		transactionID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	if status == models.PaymentStatusCompleted {
		return nil, database.ErrAlreadyCaptured
	}

	capture, err := provider.CaptureOrder(ctx, transactionID)
	if err != nil {
		detail, _ := json.Marshal(map[string]string{"error": err.Error()})
		_, updateErr := db.ExecContext(ctx,
			`UPDATE payments
			 SET status = $1,
			     details = COALESCE(details, '{}'::jsonb) || $2::jsonb,
			     updated_at = NOW()
			 WHERE transaction_id = $3`,
			models.PaymentStatusFailed, detail, transactionID)
		if updateErr != nil {
			return nil, fmt.Errorf("mark payment failed: %v (capture error: %w)", updateErr, err)
		}
		return nil, fmt.Errorf("capture payment: %w", err)
	}

	return completeCapture(ctx, db, transactionID, "capture", capture.Raw)
}

// completeCapture applies the pending -> completed transition and confirms
// the parent order. The status guard on the UPDATE makes the transition
// first-writer-wins: a concurrent webhook or second capture finds zero rows.
func completeCapture(ctx context.Context, db *sql.DB, transactionID, detailKey string, raw json.RawMessage) (*models.Payment, error) {
	var payment *models.Payment

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		detail, err := json.Marshal(map[string]json.RawMessage{detailKey: raw})
		if err != nil {
			return fmt.Errorf("marshal capture detail: %w", err)
		}

		var orderID int64
		err = tx.QueryRowContext(ctx,
			`UPDATE payments
			 SET status = $1, paid_at = NOW(),
			     details = COALESCE(details, '{}'::jsonb) || $2::jsonb,
			     updated_at = NOW()
			 WHERE transaction_id = $3 AND status = $4
			 RETURNING order_id`,
			models.PaymentStatusCompleted, detail, transactionID,
			models.PaymentStatusPending).Scan(&orderID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrAlreadyCaptured
			}
			return fmt.Errorf("complete payment: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2 AND status = $3`,
			models.OrderStatusConfirmed, orderID, models.OrderStatusPending)
		if err != nil {
			return fmt.Errorf("confirm order: %w", err)
		}

		payment, err = getPaymentTx(ctx, tx, transactionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return payment, nil
}

// WebhookEvent is the provider notification mapped into local transitions.
type WebhookEvent struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	TransactionID string          `json:"transaction_id"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	EventCaptureFailed    = "PAYMENT.CAPTURE.FAILED"
	EventCaptureRefunded  = "PAYMENT.CAPTURE.REFUNDED"
)

// ApplyWebhookEvent maps a provider notification onto the payment state
// machine. Transitions only fire while the payment is still pending (refunds
// also from completed), so a webhook arriving after a direct capture is a
// no-op. Returns whether a transition was applied.
func ApplyWebhookEvent(ctx context.Context, db *sql.DB, event WebhookEvent) (bool, error) {
	detail, err := json.Marshal(map[string]json.RawMessage{"webhook": event.Raw})
	if err != nil {
		return false, fmt.Errorf("marshal webhook detail: %w", err)
	}

	switch event.EventType {
	case EventCaptureCompleted:
		_, err := completeCapture(ctx, db, event.TransactionID, "webhook", event.Raw)
		if err != nil {
			if err == database.ErrAlreadyCaptured {
				return false, nil
			}
			return false, err
		}
		return true, nil

	case EventCaptureDenied, EventCaptureFailed:
		result, err := db.ExecContext(ctx,
			`UPDATE payments
			 SET status = $1,
			     details = COALESCE(details, '{}'::jsonb) || $2::jsonb,
			     updated_at = NOW()
			 WHERE transaction_id = $3 AND status = $4`,
			models.PaymentStatusFailed, detail, event.TransactionID,
			models.PaymentStatusPending)
		if err != nil {
			return false, fmt.Errorf("fail payment: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("get rows affected: %w", err)
		}
		return rowsAffected > 0, nil

	case EventCaptureRefunded:
		var applied bool
		err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
			var orderID int64
			err := tx.QueryRowContext(ctx,
				`UPDATE payments
				 SET status = $1,
				     details = COALESCE(details, '{}'::jsonb) || $2::jsonb,
				     updated_at = NOW()
				 WHERE transaction_id = $3 AND status IN ($4, $5)
				 RETURNING order_id`,
				models.PaymentStatusRefunded, detail, event.TransactionID,
				models.PaymentStatusPending, models.PaymentStatusCompleted).Scan(&orderID)
			if err != nil {
				if err == sql.ErrNoRows {
					return nil
				}
				return fmt.Errorf("refund payment: %w", err)
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE orders
				 SET status = $1, updated_at = NOW(), version = version + 1
				 WHERE id = $2`,
				models.OrderStatusRefunded, orderID)
			if err != nil {
				return fmt.Errorf("refund order: %w", err)
			}

			applied = true
			return nil
		})
		return applied, err

	default:
		// Unrecognized provider events are acknowledged and ignored.
		return false, nil
	}
}

// GetPaymentByTransactionID looks a payment up by its provider transaction
// id.
func GetPaymentByTransactionID(ctx context.Context, db *sql.DB, transactionID string) (*models.Payment, error) {
	return getPaymentTx(ctx, db, transactionID)
}

func getPaymentTx(ctx context.Context, q querier, transactionID string) (*models.Payment, error) {
	payment := &models.Payment{}
	var details sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT id, order_id, method, status, transaction_id, amount, paid_at, details, created_at, updated_at
		 FROM payments
		 WHERE transaction_id = $1`,
		transactionID).Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Method,
		&payment.Status,
		&payment.TransactionID,
		&payment.Amount,
		&payment.PaidAt,
		&details,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	if details.Valid {
		payment.Details = []byte(details.String)
	}

	return payment, nil
}

func loadPayments(ctx context.Context, q querier, orderID int64) ([]models.Payment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, method, status, COALESCE(transaction_id, ''), amount, paid_at, created_at, updated_at
		 FROM payments
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var payment models.Payment
		err := rows.Scan(
			&payment.ID,
			&payment.OrderID,
			&payment.Method,
			&payment.Status,
			&payment.TransactionID,
			&payment.Amount,
			&payment.PaidAt,
			&payment.CreatedAt,
			&payment.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, payment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}
