package integration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/store"
)

func TestCreateOrderFromCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	productX := createTestProduct(t, db, "Widget X", "25.00", 10)
	productY := createTestProduct(t, db, "Widget Y", "1500.00", 4)

	addToCart(t, db, user.ID, productX.ID, 2)
	addToCart(t, db, user.ID, productY.ID, 1)

	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		PaymentMethod:   "PayPal",
		Checkout:        testCheckoutConfig(),
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	if !strings.HasPrefix(order.OrderNumber, "ORD-") {
		t.Errorf("Unexpected order number: %s", order.OrderNumber)
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected pending order, got %s", order.Status)
	}
	if got := order.Subtotal.StringFixed(2); got != "1550.00" {
		t.Errorf("Expected subtotal 1550.00, got %s", got)
	}
	if got := order.Tax.StringFixed(2); got != "248.00" {
		t.Errorf("Expected tax 248.00, got %s", got)
	}
	if !order.Shipping.IsZero() {
		t.Errorf("Expected free shipping, got %s", order.Shipping)
	}
	if got := order.Total.StringFixed(2); got != "1798.00" {
		t.Errorf("Expected total 1798.00, got %s", got)
	}
	if len(order.Items) != 2 {
		t.Fatalf("Expected 2 order items, got %d", len(order.Items))
	}
	if order.Items[0].ProductName == "" {
		t.Error("Expected product name snapshot on order item")
	}

	// Billing defaults to the shipping address when not supplied.
	if order.BillingData != order.ShippingAddress {
		t.Errorf("Expected billing to default to shipping, got %+v", order.BillingData)
	}

	// Stock is decremented and the cart closed.
	if stock := productStock(t, db, productX.ID); stock != 8 {
		t.Errorf("Expected stock 8 for product X, got %d", stock)
	}
	if stock := productStock(t, db, productY.ID); stock != 3 {
		t.Errorf("Expected stock 3 for product Y, got %d", stock)
	}

	fresh, err := store.GetOrCreateActiveCart(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Get cart after checkout: %v", err)
	}
	if len(fresh.Items) != 0 {
		t.Errorf("Expected new empty cart after checkout, got %d items", len(fresh.Items))
	}

	// A concrete payment method opens a pending payment for the total.
	if len(order.Payments) != 1 {
		t.Fatalf("Expected 1 payment, got %d", len(order.Payments))
	}
	payment := order.Payments[0]
	if payment.Status != models.PaymentStatusPending || !payment.Amount.Equal(order.Total) {
		t.Errorf("Unexpected payment: status=%s amount=%s", payment.Status, payment.Amount)
	}
}

func TestCreateOrderEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)

	_, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		Checkout:        testCheckoutConfig(),
	})
	if !errors.Is(err, database.ErrEmptyCart) {
		t.Errorf("Expected empty cart error with no cart, got: %v", err)
	}

	// Same answer for an active cart with zero lines.
	if _, err := store.GetOrCreateActiveCart(ctx, db, user.ID); err != nil {
		t.Fatalf("Create cart: %v", err)
	}
	_, err = store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		Checkout:        testCheckoutConfig(),
	})
	if !errors.Is(err, database.ErrEmptyCart) {
		t.Errorf("Expected empty cart error with empty cart, got: %v", err)
	}
}

func TestCreateOrderRollsBackOnShortage(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	plenty := createTestProduct(t, db, "Plentiful Widget", "10", 100)
	scarceA := createTestProduct(t, db, "Scarce Widget A", "20", 5)
	scarceB := createTestProduct(t, db, "Scarce Widget B", "30", 5)

	addToCart(t, db, user.ID, plenty.ID, 2)
	addToCart(t, db, user.ID, scarceA.ID, 4)
	addToCart(t, db, user.ID, scarceB.ID, 5)

	// Stock drains underneath the cart.
	for _, p := range []*models.Product{scarceA, scarceB} {
		if _, err := store.UpdateProduct(ctx, db, p.ID, p.Name, p.Description, p.Price, 1, true); err != nil {
			t.Fatalf("Shrink stock: %v", err)
		}
	}

	var ordersBefore int
	if err := db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&ordersBefore); err != nil {
		t.Fatalf("Count orders: %v", err)
	}

	_, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		Checkout:        testCheckoutConfig(),
	})

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("Expected InsufficientStockError, got: %v", err)
	}
	// Every short line is reported, not just the first.
	if len(stockErr.Items) != 2 {
		t.Fatalf("Expected 2 short items, got %d: %+v", len(stockErr.Items), stockErr.Items)
	}

	// Nothing was written and nothing was decremented.
	var ordersAfter int
	if err := db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&ordersAfter); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if ordersAfter != ordersBefore {
		t.Errorf("Expected no new orders, had %d now %d", ordersBefore, ordersAfter)
	}
	if stock := productStock(t, db, plenty.ID); stock != 100 {
		t.Errorf("Expected untouched stock 100, got %d", stock)
	}

	cart, err := store.GetOrCreateActiveCart(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cart.Items) != 3 {
		t.Errorf("Expected cart to survive failed checkout with 3 items, got %d", len(cart.Items))
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	product := createTestProduct(t, db, "Contested Widget", "40", 6)

	buyers := 5
	users := make([]*models.User, buyers)
	for i := range users {
		users[i] = createTestUser(t, db)
		addToCart(t, db, users[i].ID, product.ID, 2)
	}

	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for _, user := range users {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
				UserID:          userID,
				ShippingAddress: testAddress(),
				Checkout:        testCheckoutConfig(),
			})
			errs <- err
		}(user.ID)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, database.ErrInsufficientStock) {
			t.Errorf("Unexpected checkout error: %v", err)
		}
	}

	// 6 units satisfy exactly 3 two-unit checkouts.
	if succeeded != 3 {
		t.Errorf("Expected 3 successful checkouts, got %d", succeeded)
	}
	if stock := productStock(t, db, product.ID); stock != 0 {
		t.Errorf("Expected stock 0, got %d", stock)
	}
}

func TestCancelOrderRestoresStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	product := createTestProduct(t, db, "Regretted Widget", "60", 10)

	addToCart(t, db, user.ID, product.ID, 3)
	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		PaymentMethod:   "PayPal",
		Checkout:        testCheckoutConfig(),
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	if stock := productStock(t, db, product.ID); stock != 7 {
		t.Fatalf("Expected stock 7 after checkout, got %d", stock)
	}

	cancelled, err := store.CancelOrder(ctx, db, user.ID, order.ID, "changed my mind")
	if err != nil {
		t.Fatalf("Cancel order: %v", err)
	}
	if cancelled.Status != models.OrderStatusCancelled {
		t.Errorf("Expected cancelled status, got %s", cancelled.Status)
	}
	if !strings.Contains(cancelled.Notes, "changed my mind") {
		t.Errorf("Expected cancellation reason in notes, got %q", cancelled.Notes)
	}
	if stock := productStock(t, db, product.ID); stock != 10 {
		t.Errorf("Expected stock restored to 10, got %d", stock)
	}
	if len(cancelled.Payments) != 1 || cancelled.Payments[0].Status != models.PaymentStatusCancelled {
		t.Errorf("Expected pending payment cancelled, got %+v", cancelled.Payments)
	}

	// A second cancel must not restore stock again.
	_, err = store.CancelOrder(ctx, db, user.ID, order.ID, "again")
	if !errors.Is(err, database.ErrOrderNotCancelable) {
		t.Errorf("Expected not cancelable on second cancel, got: %v", err)
	}
	if stock := productStock(t, db, product.ID); stock != 10 {
		t.Errorf("Expected stock still 10 after rejected cancel, got %d", stock)
	}
}

func TestCancelOrderOnlyWhilePending(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	product := createTestProduct(t, db, "Shipped Widget", "45", 10)

	addToCart(t, db, user.ID, product.ID, 1)
	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		Checkout:        testCheckoutConfig(),
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	if _, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped, "left warehouse"); err != nil {
		t.Fatalf("Update status: %v", err)
	}

	_, err = store.CancelOrder(ctx, db, user.ID, order.ID, "too late")
	if !errors.Is(err, database.ErrOrderNotCancelable) {
		t.Errorf("Expected not cancelable after shipping, got: %v", err)
	}
	if stock := productStock(t, db, product.ID); stock != 9 {
		t.Errorf("Expected stock unchanged at 9, got %d", stock)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	product := createTestProduct(t, db, "Tracked Widget", "33", 5)

	addToCart(t, db, user.ID, product.ID, 1)
	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		Checkout:        testCheckoutConfig(),
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	updated, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusProcessing, "picking started")
	if err != nil {
		t.Fatalf("Update status: %v", err)
	}
	if updated.Status != models.OrderStatusProcessing {
		t.Errorf("Expected processing, got %s", updated.Status)
	}
	if !strings.Contains(updated.Notes, "picking started") {
		t.Errorf("Expected note appended, got %q", updated.Notes)
	}
	if updated.Version != order.Version+1 {
		t.Errorf("Expected version bump from %d, got %d", order.Version, updated.Version)
	}

	_, err = store.UpdateOrderStatus(ctx, db, order.ID, "misplaced", "")
	if !errors.Is(err, database.ErrInvalidOrderStatus) {
		t.Errorf("Expected invalid status error, got: %v", err)
	}
}

func TestUpdateShippingAddress(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	product := createTestProduct(t, db, "Relocated Widget", "22", 5)

	addToCart(t, db, user.ID, product.ID, 1)
	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          user.ID,
		ShippingAddress: testAddress(),
		Checkout:        testCheckoutConfig(),
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	moved := testAddress()
	moved.Line1 = "12 Elm Street"
	updated, err := store.UpdateShippingAddress(ctx, db, user.ID, order.ID, moved)
	if err != nil {
		t.Fatalf("Update shipping address: %v", err)
	}
	if updated.ShippingAddress.Line1 != "12 Elm Street" {
		t.Errorf("Expected updated address, got %+v", updated.ShippingAddress)
	}

	if _, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped, ""); err != nil {
		t.Fatalf("Ship order: %v", err)
	}

	_, err = store.UpdateShippingAddress(ctx, db, user.ID, order.ID, testAddress())
	if !errors.Is(err, database.ErrOrderNotModifiable) {
		t.Errorf("Expected not modifiable after shipping, got: %v", err)
	}

	_, err = store.UpdateShippingAddress(ctx, db, user.ID, order.ID+9999, testAddress())
	if !errors.Is(err, database.ErrOrderNotFound) {
		t.Errorf("Expected order not found, got: %v", err)
	}
}

func TestListOrdersCursorPagination(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	product := createTestProduct(t, db, "Repeat Widget", "5", 100)

	for i := 0; i < 5; i++ {
		addToCart(t, db, user.ID, product.ID, 1)
		if _, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
			UserID:          user.ID,
			ShippingAddress: testAddress(),
			Checkout:        testCheckoutConfig(),
		}); err != nil {
			t.Fatalf("Create order %d: %v", i, err)
		}
	}

	page, err := store.ListOrdersCursor(ctx, db, user.ID, "", 2)
	if err != nil {
		t.Fatalf("List orders page 1: %v", err)
	}
	first, _ := page.Items.([]models.Order)
	if len(first) != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("Unexpected first page: %d items, hasMore=%v", len(first), page.HasMore)
	}

	seen := map[int64]bool{first[0].ID: true, first[1].ID: true}
	total := 2
	cursor := page.NextCursor
	for cursor != "" {
		page, err = store.ListOrdersCursor(ctx, db, user.ID, cursor, 2)
		if err != nil {
			t.Fatalf("List orders: %v", err)
		}
		orders, _ := page.Items.([]models.Order)
		for _, o := range orders {
			if seen[o.ID] {
				t.Errorf("Order %d returned twice", o.ID)
			}
			seen[o.ID] = true
			total++
		}
		cursor = page.NextCursor
	}
	if total != 5 {
		t.Errorf("Expected 5 orders across pages, got %d", total)
	}

	// Ownership: another user sees nothing.
	other := createTestUser(t, db)
	page, err = store.ListOrdersCursor(ctx, db, other.ID, "", 10)
	if err != nil {
		t.Fatalf("List orders for other user: %v", err)
	}
	if orders, _ := page.Items.([]models.Order); len(orders) != 0 {
		t.Errorf("Expected no orders for other user, got %d", len(orders))
	}
}

func TestGetOrderStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db)
	product := createTestProduct(t, db, "Stat Widget", "100", 50)

	var orderIDs []int64
	for i := 0; i < 3; i++ {
		addToCart(t, db, user.ID, product.ID, 1)
		order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
			UserID:          user.ID,
			ShippingAddress: testAddress(),
			Checkout:        testCheckoutConfig(),
		})
		if err != nil {
			t.Fatalf("Create order %d: %v", i, err)
		}
		orderIDs = append(orderIDs, order.ID)
	}

	if _, err := store.CancelOrder(ctx, db, user.ID, orderIDs[0], ""); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	stats, err := store.GetOrderStats(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Get order stats: %v", err)
	}

	if stats.TotalOrders != 3 {
		t.Errorf("Expected 3 total orders, got %d", stats.TotalOrders)
	}
	// 100 subtotal + 16 tax + 50 shipping per order.
	if got := stats.TotalSpent.StringFixed(2); got != "498.00" {
		t.Errorf("Expected total spent 498.00, got %s", got)
	}

	byStatus := map[string]int64{}
	for _, sc := range stats.ByStatus {
		byStatus[sc.Status] = sc.Count
	}
	if byStatus[models.OrderStatusPending] != 2 || byStatus[models.OrderStatusCancelled] != 1 {
		t.Errorf("Unexpected status breakdown: %+v", stats.ByStatus)
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	owner := createTestUser(t, db)
	intruder := createTestUser(t, db)
	product := createTestProduct(t, db, "Private Order Widget", "70", 5)

	addToCart(t, db, owner.ID, product.ID, 1)
	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:          owner.ID,
		ShippingAddress: testAddress(),
		Checkout:        testCheckoutConfig(),
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	_, err = store.GetOrder(ctx, db, intruder.ID, order.ID)
	if !errors.Is(err, database.ErrOrderNotFound) {
		t.Errorf("Expected not found for foreign user, got: %v", err)
	}
}
