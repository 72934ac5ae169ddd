package main

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/metrics"
	"github.com/safar/go-commerce/internal/notify"
	"github.com/safar/go-commerce/internal/paypal"
	"github.com/sirupsen/logrus"
)

type server struct {
	db       *sql.DB
	cfg      *config.Config
	log      *logrus.Logger
	notifier *notify.Publisher
	provider paypal.Provider
	metrics  *metrics.ServerMetrics
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Load config: %v", err)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Info("Connected to database")

	notifier := notify.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer notifier.Close()
	if notifier.Enabled() {
		log.WithField("topic", cfg.Kafka.Topic).Info("Order event publishing enabled")
	}

	s := &server{
		db:       db,
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		provider: paypal.NewClient(paypal.Config{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			Timeout:      cfg.PayPal.Timeout,
		}),
		metrics: metrics.NewServerMetrics(),
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.WithField("port", cfg.Server.Port).Info("Server starting")
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/users", func(r chi.Router) {
		r.Get("/", s.handleListUsers)
		r.Post("/", s.handleCreateUser)
		r.Get("/{id}", s.handleGetUser)
	})

	r.Route("/products", func(r chi.Router) {
		r.Get("/", s.handleListProducts)
		r.Post("/", s.handleCreateProduct)
		r.Get("/{id}", s.handleGetProduct)
		r.Put("/{id}", s.handleUpdateProduct)
	})

	r.Route("/cart", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/", s.handleGetCart)
		r.Delete("/", s.handleClearCart)
		r.Post("/items", s.handleAddItem)
		r.Put("/items/{itemID}", s.handleUpdateItem)
		r.Delete("/items/{itemID}", s.handleRemoveItem)
		r.Get("/check-stock", s.handleCheckStock)
		r.Get("/summary", s.handleCartSummary)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/", s.handleCreateOrder)
		r.Get("/", s.handleListOrders)
		r.Get("/stats", s.handleOrderStats)
		r.Get("/{id}", s.handleGetOrder)
		r.Post("/{id}/cancel", s.handleCancelOrder)
		r.Put("/{id}/address", s.handleUpdateShippingAddress)
		r.Put("/{id}/status", s.handleUpdateOrderStatus)
	})

	r.Route("/payments", func(r chi.Router) {
		r.With(s.requireUser).Post("/initiate", s.handleInitiatePayment)
		r.With(s.requireUser).Post("/capture", s.handleCapturePayment)
		r.With(s.requireUser).Get("/{transactionID}", s.handleGetPayment)
		r.Post("/webhook", s.handleWebhook)
	})

	return r
}

// observe records request count and latency per route pattern.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.Requests.WithLabelValues(pattern, strconv.Itoa(ww.Status())).Inc()
		s.metrics.LatencyMS.WithLabelValues(pattern).Observe(float64(time.Since(start).Milliseconds()))
	})
}
