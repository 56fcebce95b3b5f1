package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/models"
	"github.com/evault/ledgerops/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	transfers *service.TransferService
	accounts  *service.AccountService
	resolver  *service.Resolver
	limiter   RateLimiter
	logger    *slog.Logger
}

func NewHandler(transfers *service.TransferService, accounts *service.AccountService, resolver *service.Resolver, limiter RateLimiter, logger *slog.Logger) *Handler {
	return &Handler{
		transfers: transfers,
		accounts:  accounts,
		resolver:  resolver,
		limiter:   limiter,
		logger:    logger,
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) TransferHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Decode body
	var req models.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 2. Idempotency key from body or header
	headerKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	bodyKey := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case bodyKey == "" && headerKey == "":
		respondWithError(w, http.StatusBadRequest, "idempotencyKey is required")
		return
	case bodyKey != "" && headerKey != "" && bodyKey != headerKey:
		respondWithError(w, http.StatusBadRequest, "Idempotency-Key header does not match body idempotencyKey")
		return
	case bodyKey == "":
		req.IdempotencyKey = headerKey
	}

	if !h.allowTransfer(w, r, req.SenderAccountID) {
		return
	}

	// 3. Call service
	result, err := h.transfers.Transfer(r.Context(), req.Command())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	if result.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) LookupHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.resolver.Resolve(r.Context(), mux.Vars(r)["identifier"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	out := models.LookupResponse{
		UserID:      res.User.ID,
		FirstName:   res.User.FirstName,
		LastName:    res.User.LastName,
		PhoneNumber: res.User.PhoneNumber,
		Email:       res.User.Email,
		Accounts:    make([]models.LookupAccount, 0, len(res.Accounts)),
	}
	for _, a := range res.Accounts {
		out.Accounts = append(out.Accounts, models.LookupAccount{
			ID:            a.ID,
			AccountNumber: a.AccountNumber,
			AccountType:   a.Type,
			Currency:      a.Currency,
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.ListAccounts(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	views := make([]models.AccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, models.NewAccountView(a))
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := h.accounts.OpenAccount(r.Context(), req.UserID, req.Currency, domain.AccountType(strings.ToUpper(req.AccountType)))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, models.NewAccountView(*account))
}

func (h *Handler) UserHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	page, limit, err := pageParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := h.accounts.UserHistory(r.Context(), userID, page, limit)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, historyResponse(history))
}

func (h *Handler) AccountHistoryHandler(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pageParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := h.accounts.AccountHistory(r.Context(), mux.Vars(r)["id"], page, limit)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, historyResponse(history))
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	t, err := h.accounts.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := &domain.User{
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
	}
	if err := h.accounts.CreateUser(r.Context(), user); err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, user)
}

func (h *Handler) UpdateAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := domain.AccountStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	account, err := h.accounts.SetStatus(r.Context(), mux.Vars(r)["id"], status)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewAccountView(*account))
}

func (h *Handler) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CancelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.transfers.Cancel(r.Context(), mux.Vars(r)["id"], strings.TrimSpace(req.Reason))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	code, message := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		w.Header().Set("Retry-After", "1")
	}
	respondWithError(w, code, message)
}

func historyResponse(p *service.HistoryPage) models.HistoryResponse {
	items := make([]models.HistoryItem, 0, len(p.Entries))
	for _, e := range p.Entries {
		counterparty := e.SenderAccountID
		if e.Direction == service.DirectionSent {
			counterparty = e.RecipientAccountID
		}
		items = append(items, models.HistoryItem{
			ID:                    e.ID,
			Type:                  e.Direction,
			Amount:                e.Amount,
			Currency:              e.Currency,
			Category:              e.Category,
			Description:           e.Description,
			Status:                e.Status,
			FailureReason:         e.FailureReason,
			Reference:             e.Reference,
			CounterpartyAccountID: counterparty,
			CreatedAt:             e.CreatedAt,
		})
	}
	return models.HistoryResponse{
		Transactions: items,
		Pagination: models.Pagination{
			Page:       p.Page,
			Limit:      p.PageSize,
			Total:      p.Total,
			TotalPages: p.TotalPages(),
		},
	}
}

func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page, limit := 1, 20
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
		page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = n
	}
	return page, limit, nil
}

var errEmptyBody = errors.New("request body is empty")

// validate reports field errors under their JSON names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON decodes a single JSON object into dst and runs its validate tags.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("malformed JSON body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid request: %v", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid request: %s", strings.Join(parts, "; "))
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
