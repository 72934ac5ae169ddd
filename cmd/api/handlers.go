package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/paypal"
	"github.com/safar/go-commerce/internal/store"
	"github.com/shopspring/decimal"
)

type ctxKey int

const userIDKey ctxKey = 0

// requireUser resolves the authenticated user id supplied by the identity
// layer in front of this service. The id is trusted as-is.
func (s *server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || userID < 1 {
			respondError(w, http.StatusUnauthorized, "Missing or invalid user identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// respondStoreError maps store errors onto HTTP statuses. Unexpected errors
// are logged in full and surfaced generically unless running in development.
func (s *server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *store.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       "Insufficient stock",
			"short_items": stockErr.Items,
		})
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrCartItemNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrPaymentNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrEmptyCart),
		errors.Is(err, database.ErrInvalidOrderStatus):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrOrderNotCancelable),
		errors.Is(err, database.ErrOrderNotModifiable),
		errors.Is(err, database.ErrAlreadyCaptured):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		if s.cfg.IsDevelopment() {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "Email and name are required")
		return
	}

	user, err := store.CreateUser(r.Context(), s.db, req.Email, req.Name)
	if err != nil {
		if database.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "Email already in use")
			return
		}
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)

	result, err := store.ListUsers(r.Context(), s.db, page, pageSize)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	user, err := store.GetUser(r.Context(), s.db, id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (s *server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)

	result, err := store.ListProducts(r.Context(), s.db, page, pageSize)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU         string  `json:"sku"`
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Price       float64 `json:"price"`
		Stock       int     `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Price < 0 || req.Stock < 0 {
		respondError(w, http.StatusBadRequest, "Price and stock must not be negative")
		return
	}

	price := decimal.NewFromFloat(req.Price)
	product, err := store.CreateProduct(r.Context(), s.db, req.SKU, req.Name, req.Description, price, req.Stock)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, product)
}

func (s *server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid product ID")
		return
	}

	product, err := store.GetProduct(r.Context(), s.db, id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, product)
}

func (s *server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid product ID")
		return
	}

	var req struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Price       float64 `json:"price"`
		Stock       int     `json:"stock"`
		Active      bool    `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Price < 0 || req.Stock < 0 {
		respondError(w, http.StatusBadRequest, "Price and stock must not be negative")
		return
	}

	product, err := store.UpdateProduct(r.Context(), s.db, id, req.Name, req.Description,
		decimal.NewFromFloat(req.Price), req.Stock, req.Active)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, product)
}

func (s *server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := store.GetOrCreateActiveCart(r.Context(), s.db, userID(r))
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, cart)
}

func (s *server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64 `json:"product_id"`
		Quantity  int   `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 1 {
		respondError(w, http.StatusBadRequest, "Quantity must be at least 1")
		return
	}

	cart, err := store.AddItem(r.Context(), s.db, userID(r), req.ProductID, req.Quantity)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, cart)
}

func (s *server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(r, "itemID")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid item ID")
		return
	}

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Quantity < 1 {
		respondError(w, http.StatusBadRequest, "Quantity must be at least 1")
		return
	}

	cart, err := store.UpdateItem(r.Context(), s.db, userID(r), itemID, req.Quantity)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, cart)
}

func (s *server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(r, "itemID")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid item ID")
		return
	}

	cart, err := store.RemoveItem(r.Context(), s.db, userID(r), itemID)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, cart)
}

func (s *server) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := store.ClearCart(r.Context(), s.db, userID(r)); err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "Cart cleared"})
}

func (s *server) handleCheckStock(w http.ResponseWriter, r *http.Request) {
	check, err := store.CheckStock(r.Context(), s.db, userID(r))
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, check)
}

func (s *server) handleCartSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := store.CartSummaryFor(r.Context(), s.db, userID(r), s.cfg.Checkout)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func validAddress(a models.Address) bool {
	return a.Line1 != "" && a.City != "" && a.PostalCode != "" && a.Country != ""
}

func (s *server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShippingAddress models.Address  `json:"shipping_address"`
		BillingData     *models.Address `json:"billing_data"`
		PaymentMethod   string          `json:"payment_method"`
		Notes           string          `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Validation happens before any transaction opens.
	if !validAddress(req.ShippingAddress) {
		respondError(w, http.StatusBadRequest, "Shipping address requires line1, city, postal_code and country")
		return
	}
	if req.BillingData != nil && !validAddress(*req.BillingData) {
		respondError(w, http.StatusBadRequest, "Billing data requires line1, city, postal_code and country")
		return
	}

	order, err := store.CreateOrder(r.Context(), s.db, store.CreateOrderRequest{
		UserID:          userID(r),
		ShippingAddress: req.ShippingAddress,
		BillingData:     req.BillingData,
		PaymentMethod:   req.PaymentMethod,
		Notes:           req.Notes,
		Checkout:        s.cfg.Checkout,
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	// Notification failures never unwind a committed order.
	if err := s.notifier.OrderCreated(r.Context(), order.ID, order.UserID, order.OrderNumber, order.Total); err != nil {
		s.log.WithError(err).WithField("order_number", order.OrderNumber).Warn("order notification failed")
	}

	s.log.WithField("order_number", order.OrderNumber).WithField("user_id", order.UserID).Info("order created")

	respondJSON(w, http.StatusCreated, order)
}

func (s *server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 10
	}

	page, err := store.ListOrdersCursor(r.Context(), s.db, userID(r), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func (s *server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := store.GetOrder(r.Context(), s.db, userID(r), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

func (s *server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	order, err := store.CancelOrder(r.Context(), s.db, userID(r), id, req.Reason)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	s.log.WithField("order_number", order.OrderNumber).Info("order cancelled")

	respondJSON(w, http.StatusOK, order)
}

func (s *server) handleUpdateShippingAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	var req struct {
		ShippingAddress models.Address `json:"shipping_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !validAddress(req.ShippingAddress) {
		respondError(w, http.StatusBadRequest, "Shipping address requires line1, city, postal_code and country")
		return
	}

	order, err := store.UpdateShippingAddress(r.Context(), s.db, userID(r), id, req.ShippingAddress)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

func (s *server) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := store.UpdateOrderStatus(r.Context(), s.db, id, req.Status, req.Note)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	s.log.WithField("order_number", order.OrderNumber).WithField("status", order.Status).Info("order status updated")

	respondJSON(w, http.StatusOK, order)
}

func (s *server) handleOrderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := store.GetOrderStats(r.Context(), s.db, userID(r))
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID int64 `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if client, ok := s.provider.(*paypal.Client); ok && !client.Configured() {
		respondError(w, http.StatusServiceUnavailable, "Payment provider is not configured")
		return
	}

	payment, approveURL, err := store.InitiatePayment(r.Context(), s.db, s.provider, userID(r), req.OrderID)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"payment":      payment,
		"approval_url": approveURL,
	})
}

func (s *server) handleCapturePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == "" {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := store.CapturePayment(r.Context(), s.db, s.provider, req.TransactionID)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	s.log.WithField("transaction_id", payment.TransactionID).Info("payment captured")

	respondJSON(w, http.StatusOK, payment)
}

// handleGetPayment returns a payment owned by the caller. While the payment
// is pending the live provider status rides along for polling clients.
func (s *server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")
	if transactionID == "" {
		respondError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}

	payment, err := store.GetPaymentByTransactionID(r.Context(), s.db, transactionID)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	// Ownership runs through the parent order.
	if _, err := store.GetOrder(r.Context(), s.db, userID(r), payment.OrderID); err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	response := map[string]interface{}{"payment": payment}
	if payment.Status == models.PaymentStatusPending {
		if providerOrder, err := s.provider.GetOrder(r.Context(), transactionID); err != nil {
			s.log.WithError(err).WithField("transaction_id", transactionID).Warn("provider status lookup failed")
		} else {
			response["provider_status"] = providerOrder.Status
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// handleWebhook receives asynchronous provider notifications. Transitions
// already applied by a direct capture make the event a no-op, and unknown
// event types are acknowledged without action.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var payload struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID string `json:"id"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	applied, err := store.ApplyWebhookEvent(r.Context(), s.db, store.WebhookEvent{
		ID:            payload.ID,
		EventType:     payload.EventType,
		TransactionID: payload.Resource.ID,
		Raw:           body,
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	s.log.WithFields(map[string]interface{}{
		"event_type":     payload.EventType,
		"transaction_id": payload.Resource.ID,
		"applied":        applied,
	}).Info("webhook processed")

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
