package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
}

func NewRouter(h *Handler, cfg RouterConfig, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware, requestLogger(logger))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	payments := r.PathPrefix("/payments").Subrouter()
	payments.HandleFunc("/transfer", h.TransferHandler).Methods(http.MethodPost)
	payments.HandleFunc("/lookup/{identifier}", h.LookupHandler).Methods(http.MethodGet)
	payments.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	payments.HandleFunc("/accounts/{userId}", h.ListAccountsHandler).Methods(http.MethodGet)
	payments.HandleFunc("/accounts/{id}/transactions", h.AccountHistoryHandler).Methods(http.MethodGet)
	payments.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	payments.Handle("/transactions", AuthMiddleware(cfg.JWTSecret)(http.HandlerFunc(h.UserHistoryHandler))).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
	admin.HandleFunc("/users", h.CreateUserHandler).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/status", h.UpdateAccountStatusHandler).Methods(http.MethodPut)
	admin.HandleFunc("/transactions/{id}/cancel", h.CancelTransactionHandler).Methods(http.MethodPost)

	return r
}
