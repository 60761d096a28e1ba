// Package orderapi is a miniature order-management service used as the
// system under test in the harness's own end-to-end suites. Each mutation
// writes the order document to the state store and emits the corresponding
// event on the stream, giving scenarios a real HTTP-trigger-to-async-effect
// loop to verify against.
package orderapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"witness/internal/store"
	"witness/internal/stream"
)

const (
	EventOrderCreated  = "ORDER_CREATED"
	EventOrderRefunded = "ORDER_REFUNDED"
)

type Config struct {
	Topic      string
	Collection string
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = "order-events"
	}
	if c.Collection == "" {
		c.Collection = "orders"
	}
}

type Service struct {
	cfg    Config
	stream stream.Stream
	store  store.Store
	log    *zap.Logger
}

func New(cfg Config, s stream.Stream, st store.Store, log *zap.Logger) *Service {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{cfg: cfg, stream: s, store: st, log: log.Named("orderapi")}
}

// Router builds the HTTP surface. locker may be nil to disable the
// idempotency guard.
func (s *Service) Router(locker Locker) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	create := http.HandlerFunc(s.createOrder)
	if locker != nil {
		r.With(Idempotency(locker)).Post("/orders", create)
	} else {
		r.Post("/orders", create)
	}
	r.Get("/orders/{id}", s.getOrder)
	r.Post("/orders/{id}/refund", s.refundOrder)
	return r
}

func (s *Service) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
		Item   string  `json:"item"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	orderID := uuid.NewString()
	doc := store.Document{
		"orderId": orderID,
		"userId":  req.UserID,
		"amount":  req.Amount,
		"item":    req.Item,
		"status":  "CREATED",
	}
	if err := s.store.Insert(r.Context(), s.cfg.Collection, doc); err != nil {
		s.log.Error("insert order", zap.Error(err))
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if err := s.emit(r.Context(), orderID, EventOrderCreated, doc); err != nil {
		s.log.Error("emit order created", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "CREATED", "order_id": orderID})
}

func (s *Service) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store.FindOne(r.Context(), s.cfg.Collection, store.Filter{"orderId": id})
	if err == store.ErrNotFound {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Service) refundOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.Update(r.Context(), s.cfg.Collection, store.Filter{"orderId": id}, store.Document{"status": "REFUNDED"})
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err := s.emit(r.Context(), id, EventOrderRefunded, store.Document{"orderId": id, "status": "REFUNDED"}); err != nil {
		s.log.Error("emit order refunded", zap.String("order_id", id), zap.Error(err))
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "REFUNDED", "order_id": id})
}

func (s *Service) emit(ctx context.Context, orderID, eventType string, doc store.Document) error {
	payload := map[string]any{
		"orderId":   orderID,
		"eventType": eventType,
		"emittedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range doc {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return s.stream.Publish(ctx, s.cfg.Topic, orderID, body)
}
