package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        *zap.Logger
	validate      *validator.Validate
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.Named("http"),
		validate:      newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, a.withMiddleware, a.instrument)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleCashier, RoleAdmin))

			r.Get("/variants", a.handleVariants)
			r.Get("/customers/{customerID}", a.handleCustomer)
			r.Post("/customers/{customerID}/credit-payments", a.handleCreditPayment)
			r.Get("/customers/{customerID}/deposits", a.handleListDeposits)
			r.Post("/customers/{customerID}/deposits", a.handleRecordDeposit)
			r.Post("/deposits/{depositID}/apply", a.handleApplyDeposit)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", a.handleCart)
				r.Delete("/", a.handleClearCart)
				r.Post("/items", a.handleAddItem)
				r.Patch("/items/{variantID}", a.handleUpdateQuantity)
				r.Put("/discount", a.handleDiscount)
				r.Put("/customer", a.handleSetCustomer)
				r.Put("/mode", a.handleSetMode)
			})

			r.Route("/settlement", func(r chi.Router) {
				r.Post("/", a.handleOpenSettlement)
				r.Get("/", a.handleSettlement)
				r.Delete("/", a.handleCancelSettlement)
				r.Post("/tenders", a.handleAddTender)
				r.Delete("/tenders/{index}", a.handleRemoveTender)
				r.Get("/quick-cash", a.handleQuickCash)
				r.Post("/finalize", a.handleFinalize)
			})

			r.Route("/held-orders", func(r chi.Router) {
				r.Get("/", a.handleHeldOrders)
				r.Post("/", a.handleHoldOrder)
				r.Post("/{heldID}/retrieve", a.handleRetrieveHeld)
				r.Delete("/{heldID}", a.handleDeleteHeld)
			})

			r.Get("/sales/{saleID}/invoice", a.handleInvoice)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleAdmin))
			r.Post("/deposits/{depositID}/refund", a.handleRefundDeposit)
			r.Get("/audit-logs", a.handleAuditLogs)
			r.Post("/auth/device-tokens", a.handleDeviceToken)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				a.writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

type addItemRequest struct {
	VariantID string `json:"variant_id" validate:"required"`
}

type quantityRequest struct {
	Delta int `json:"delta" validate:"gte=-9999,lte=9999"`
}

type discountRequest struct {
	Discount string `json:"discount" validate:"max=32"`
}

type customerRequest struct {
	CustomerID string `json:"customer_id"`
}

type modeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=sale return"`
}

type tenderRequest struct {
	Method string `json:"method" validate:"required"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Notes  string `json:"notes" validate:"max=200"`
}

type applyDepositRequest struct {
	SaleID string `json:"sale_id" validate:"omitempty,max=64"`
}

type retrieveRequest struct {
	Confirm bool `json:"confirm"`
}

type deviceTokenRequest struct {
	StaffID  string `json:"staff_id" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
	BranchID string `json:"branch_id"`
	Role     string `json:"role" validate:"required,oneof=cashier admin"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := a.service.ListVariants(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variants": variants})
}

func (a *API) handleCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.GetCustomer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleCreditPayment(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	payment, err := a.service.RecordCreditPayment(r.Context(), chi.URLParam(r, "customerID"), amount)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"payment": payment})
}

func (a *API) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := a.service.ListDeposits(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": deposits})
}

func (a *API) handleRecordDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	deposit, err := a.service.RecordDeposit(r.Context(), chi.URLParam(r, "customerID"), amount, req.Notes)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"deposit": deposit})
}

func (a *API) handleApplyDeposit(w http.ResponseWriter, r *http.Request) {
	var req applyDepositRequest
	if r.ContentLength != 0 {
		if err := a.decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	deposit, err := a.service.ApplyDeposit(r.Context(), chi.URLParam(r, "depositID"), req.SaleID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposit": deposit})
}

func (a *API) handleRefundDeposit(w http.ResponseWriter, r *http.Request) {
	deposit, err := a.service.RefundDeposit(r.Context(), chi.URLParam(r, "depositID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposit": deposit})
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sess, err := a.service.Session(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return nil, false
	}
	return sess, true
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": sess.Cart()})
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.ClearCart(r.Context())
	a.writeCart(w, view, err)
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.AddItem(r.Context(), req.VariantID)
	a.writeCart(w, view, err)
}

func (a *API) handleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.UpdateQuantity(r.Context(), chi.URLParam(r, "variantID"), req.Delta)
	a.writeCart(w, view, err)
}

func (a *API) handleDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.SetDiscount(r.Context(), req.Discount)
	a.writeCart(w, view, err)
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.SetCustomer(r.Context(), req.CustomerID)
	a.writeCart(w, view, err)
}

func (a *API) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.SetMode(r.Context(), domain.CartMode(req.Mode))
	a.writeCart(w, view, err)
}

func (a *API) writeCart(w http.ResponseWriter, view domain.CartView, err error) {
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": view})
}

func (a *API) handleOpenSettlement(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.OpenSettlement(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"settlement": view})
}

func (a *API) handleSettlement(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.Settlement(r.Context())
	a.writeSettlement(w, view, err)
}

func (a *API) handleCancelSettlement(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.CancelSettlement(r.Context()); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddTender(w http.ResponseWriter, r *http.Request) {
	var req tenderRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.AddTender(r.Context(), domain.TenderMethod(req.Method), amount)
	a.writeSettlement(w, view, err)
}

func (a *API) handleRemoveTender(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid tender index: %w", err))
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.RemoveTender(r.Context(), index)
	a.writeSettlement(w, view, err)
}

func (a *API) writeSettlement(w http.ResponseWriter, view domain.SettlementView, err error) {
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlement": view})
}

func (a *API) handleQuickCash(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	suggestions, err := sess.QuickCash(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	result, err := sess.Finalize(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleHeldOrders(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held_orders": sess.HeldOrders()})
}

func (a *API) handleHoldOrder(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	held, err := sess.HoldOrder(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"held_order": held})
}

func (a *API) handleRetrieveHeld(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if r.ContentLength != 0 {
		if err := a.decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.RetrieveHeld(r.Context(), chi.URLParam(r, "heldID"), req.Confirm)
	a.writeCart(w, view, err)
}

func (a *API) handleDeleteHeld(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.DeleteHeld(r.Context(), chi.URLParam(r, "heldID"), confirm); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := a.service.Invoice(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := parseTimeParam(r.URL.Query().Get("from"), now.Add(-24*time.Hour))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), now.Add(time.Minute))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.AuditLogs(r.Context(), from, to, limit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	issuer, _ := service.ActorFromContext(r.Context())
	branchID := req.BranchID
	if branchID == "" {
		branchID = issuer.BranchID
	}
	token, expiresAt, err := a.auth.IssueToken(domain.Actor{
		StaffID:  req.StaffID,
		TenantID: issuer.TenantID,
		BranchID: branchID,
		DeviceID: req.DeviceID,
		Role:     req.Role,
	})
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"access_token": token,
		"expires_at":   expiresAt.Format(time.RFC3339),
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(startedAt)
		statusLabel := strconv.Itoa(status)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, statusLabel).Observe(elapsed.Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusLabel).Inc()
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// statusFor maps settlement engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrCommitFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPolarityConflict),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrFinalizeInFlight),
		errors.Is(err, domain.ErrConfirmationRequired),
		errors.Is(err, domain.ErrSettlementClosed),
		errors.Is(err, domain.ErrNoOpenSettlement),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDepositCapExceeded),
		errors.Is(err, domain.ErrInvalidPaymentAmount),
		errors.Is(err, domain.ErrWalkInCredit),
		errors.Is(err, domain.ErrInvalidDepositTransition),
		errors.Is(err, domain.ErrInvalidTenderAmount),
		errors.Is(err, domain.ErrInvalidTenderMethod),
		errors.Is(err, domain.ErrEmptyCart):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

func (a *API) decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return err
	}
	if err := a.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%s is invalid (%s)", fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return err
	}
	return nil
}

func parseTimeParam(raw string, fallback time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339", trimmed)
	}
	return parsed.UTC(), nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
