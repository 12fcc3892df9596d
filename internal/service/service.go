package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/heldorder"
	"tokopos/backend/internal/invoice"
	"tokopos/backend/internal/ledger"
	"tokopos/backend/internal/localstore"
	"tokopos/backend/internal/settlement"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	ledger          *ledger.Service
	finalizer       *settlement.Finalizer
	local           localstore.Store
	logger          *zap.Logger
	storeName       string
	defaultTenantID string
	defaultBranchID string

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

type Options struct {
	StoreName       string
	DefaultTenantID string
	DefaultBranchID string
}

func New(repo store.Repository, ledgerSvc *ledger.Service, finalizer *settlement.Finalizer, local localstore.Store, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultTenantID == "" {
		opts.DefaultTenantID = "main-tenant"
	}
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = "main-branch"
	}
	if opts.StoreName == "" {
		opts.StoreName = "TokoPOS"
	}
	return &Service{
		repo:            repo,
		ledger:          ledgerSvc,
		finalizer:       finalizer,
		local:           local,
		logger:          logger.Named("service"),
		storeName:       opts.StoreName,
		defaultTenantID: opts.DefaultTenantID,
		defaultBranchID: opts.DefaultBranchID,
		now:             func() time.Time { return time.Now().UTC() },
		sessions:        make(map[string]*Session),
	}
}

// Session returns the single POS session of the actor's tenant and device,
// opening it (and reading its held orders back) on first use.
func (s *Service) Session(ctx context.Context) (*Session, error) {
	actor := s.actor(ctx)
	if strings.TrimSpace(actor.DeviceID) == "" {
		return nil, fmt.Errorf("device id required: %w", store.ErrInvalidTransaction)
	}
	key := actor.TenantID + ":" + actor.DeviceID
	if sess := s.lookupSession(key); sess != nil {
		return sess, nil
	}

	held, err := heldorder.Open(ctx, s.local, heldorder.Namespace(actor.TenantID, actor.DeviceID))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.touch(s.now())
		return sess, nil
	}
	sess := newSession(s, actor, held)
	s.sessions[key] = sess
	s.logger.Info("session opened",
		zap.String("tenant_id", actor.TenantID),
		zap.String("device_id", actor.DeviceID),
		zap.Int("held_orders", len(held.List())),
	)
	return sess, nil
}

func (s *Service) lookupSession(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	sess.touch(s.now())
	return sess
}

// EvictIdle drops sessions not looked up for maxIdle whose cart is empty and
// whose settlement is closed. Their held orders stay in the local store and
// are read back when the device returns.
func (s *Service) EvictIdle(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for key, sess := range s.sessions {
		if sess.idleSince(cutoff) {
			delete(s.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("idle sessions evicted", zap.Int("count", evicted), zap.Int("open", len(s.sessions)))
	}
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx ends.
func (s *Service) RunEviction(ctx context.Context, interval time.Duration, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictIdle(maxIdle)
		}
	}
}

func (s *Service) actor(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{StaffID: "system", Role: "system"}
	}
	if actor.TenantID == "" {
		actor.TenantID = s.defaultTenantID
	}
	if actor.BranchID == "" {
		actor.BranchID = s.defaultBranchID
	}
	return actor
}

func (s *Service) ListVariants(ctx context.Context) ([]domain.Variant, error) {
	return s.repo.ListVariants(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, s.actor(ctx).TenantID, strings.TrimSpace(customerID))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) RecordCreditPayment(ctx context.Context, customerID string, amount decimal.Decimal) (domain.CreditPayment, error) {
	actor := s.actor(ctx)
	payment, err := s.ledger.RecordCreditPayment(ctx, actor, strings.TrimSpace(customerID), amount)
	if err != nil {
		return domain.CreditPayment{}, err
	}
	s.logAudit(ctx, "credit_payment_record", "customer", payment.CustomerID,
		fmt.Sprintf("amount=%s,balance_after=%s,settled=%d", payment.Amount.StringFixed(2), payment.BalanceAfter.StringFixed(2), len(payment.SettledSales)))
	return *payment, nil
}

func (s *Service) RecordDeposit(ctx context.Context, customerID string, amount decimal.Decimal, notes string) (domain.DepositRecord, error) {
	record, err := s.ledger.RecordDeposit(ctx, s.actor(ctx), strings.TrimSpace(customerID), amount, notes)
	if err != nil {
		return domain.DepositRecord{}, err
	}
	s.logAudit(ctx, "deposit_record", "deposit", record.ID, fmt.Sprintf("customer=%s,amount=%s", record.CustomerID, record.Amount.StringFixed(2)))
	return *record, nil
}

func (s *Service) ApplyDeposit(ctx context.Context, depositID string, saleID string) (domain.DepositRecord, error) {
	record, err := s.ledger.ApplyDeposit(ctx, s.actor(ctx), strings.TrimSpace(depositID), saleID)
	if err != nil {
		return domain.DepositRecord{}, err
	}
	s.logAudit(ctx, "deposit_apply", "deposit", record.ID, fmt.Sprintf("sale=%s", record.AppliedSaleID))
	return *record, nil
}

func (s *Service) RefundDeposit(ctx context.Context, depositID string) (domain.DepositRecord, error) {
	record, err := s.ledger.RefundDeposit(ctx, s.actor(ctx), strings.TrimSpace(depositID))
	if err != nil {
		return domain.DepositRecord{}, err
	}
	s.logAudit(ctx, "deposit_refund", "deposit", record.ID, fmt.Sprintf("amount=%s", record.Amount.StringFixed(2)))
	return *record, nil
}

func (s *Service) ListDeposits(ctx context.Context, customerID string) ([]domain.DepositRecord, error) {
	return s.ledger.ListDeposits(ctx, s.actor(ctx), strings.TrimSpace(customerID))
}

// Invoice renders a committed sale again, e.g. for a reprint.
func (s *Service) Invoice(ctx context.Context, saleID string) (domain.Invoice, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Invoice{}, store.ErrInvalidTransaction
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if sale.TenantID != s.actor(ctx).TenantID {
		return domain.Invoice{}, store.ErrNotFound
	}
	return invoice.Build(*sale, s.storeName), nil
}

func (s *Service) AuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, s.actor(ctx).TenantID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := s.actor(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		TenantID:   actor.TenantID,
		StaffID:    actor.StaffID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}
