package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"clubops/backend/internal/cache"
	"clubops/backend/internal/domain"
	"clubops/backend/internal/store"
)

var (
	ErrUnauthenticated = errors.New("staff session required")
	ErrForbidden       = errors.New("role not allowed for this operation")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	SaleCommissionRate      decimal.Decimal
	DefaultEntryFee         decimal.Decimal
	DefaultConsumableCredit decimal.Decimal
	BoardTTL                time.Duration
}

type Service struct {
	repo  store.Repository
	board cache.BoardCache
	log   *logrus.Logger

	saleCommissionRate decimal.Decimal
	defaultEntryFee    decimal.Decimal
	defaultCredit      decimal.Decimal
	boardTTL           time.Duration
}

func New(repo store.Repository, board cache.BoardCache, logger *logrus.Logger, opts Options) *Service {
	if board == nil {
		board = cache.NoopBoardCache{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.SaleCommissionRate.Sign() <= 0 {
		opts.SaleCommissionRate = decimal.NewFromFloat(0.02)
	}
	if opts.BoardTTL <= 0 {
		opts.BoardTTL = 5 * time.Second
	}

	return &Service{
		repo:               repo,
		board:              board,
		log:                logger,
		saleCommissionRate: opts.SaleCommissionRate,
		defaultEntryFee:    opts.DefaultEntryFee,
		defaultCredit:      opts.DefaultConsumableCredit,
		boardTTL:           opts.BoardTTL,
	}
}

// requireActor resolves the request actor and verifies its shift is
// still open. Tokens outlive logouts; the shift row is the source of
// truth for whether a session is live.
func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.Authenticated() {
		return domain.Actor{}, ErrUnauthenticated
	}

	shift, err := s.repo.GetStaffShift(ctx, actor.ShiftID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, ErrUnauthenticated
		}
		return domain.Actor{}, err
	}
	if shift.EndedAt != nil || shift.StaffID != actor.StaffID {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func (s *Service) requireRole(actor domain.Actor, roles ...string) error {
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

// AuthenticatePIN resolves a PIN to an active staff member and opens a
// working shift for them. The shift ID travels inside the access token.
func (s *Service) AuthenticatePIN(ctx context.Context, pin string) (*domain.Staff, *domain.StaffShift, error) {
	if pin == "" {
		return nil, nil, ErrUnauthenticated
	}

	staff, err := s.repo.ListStaff(ctx, true)
	if err != nil {
		return nil, nil, err
	}

	for i := range staff {
		if bcrypt.CompareHashAndPassword([]byte(staff[i].PINHash), []byte(pin)) == nil {
			shift, err := s.repo.OpenStaffShift(ctx, staff[i].ID, time.Now().UTC())
			if err != nil {
				return nil, nil, err
			}
			s.log.WithFields(logrus.Fields{
				"staff_id": staff[i].ID,
				"role":     staff[i].Role,
				"shift_id": shift.ID,
			}).Info("staff shift opened")
			return &staff[i], shift, nil
		}
	}
	return nil, nil, ErrUnauthenticated
}

func (s *Service) Logout(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.Authenticated() {
		return ErrUnauthenticated
	}

	if err := s.repo.CloseStaffShift(ctx, actor.ShiftID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already closed; logout is idempotent.
			return nil
		}
		return err
	}
	s.log.WithField("shift_id", actor.ShiftID).Info("staff shift closed")
	return nil
}

// RecordSale is the single entry point for selling anything. All
// preconditions are checked before the store transaction runs; a
// failure at any rung leaves no trace.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if err := s.requireRole(actor, domain.RoleServer, domain.RoleBartender); err != nil {
		return domain.SaleResponse{}, err
	}
	if req.VisitID == 0 || req.HostID == 0 || len(req.Cart) == 0 {
		return domain.SaleResponse{}, store.ErrInvalidRequest
	}

	result, err := s.repo.CommitSale(ctx, store.SaleCommit{
		VisitID:             req.VisitID,
		HostID:              req.HostID,
		StaffID:             actor.StaffID,
		StaffShiftID:        actor.ShiftID,
		Cart:                req.Cart,
		StaffCommissionRate: s.saleCommissionRate,
		Now:                 time.Now().UTC(),
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	_ = s.board.Invalidate(ctx)

	s.log.WithFields(logrus.Fields{
		"visit_id":    req.VisitID,
		"host_id":     req.HostID,
		"staff_id":    actor.StaffID,
		"lines":       len(req.Cart),
		"total":       result.TotalSaleAmount,
		"credit_used": result.CreditUsed,
		"cash_due":    result.CashDue,
	}).Info("sale committed")

	return domain.SaleResponse{
		SaleIDs:            result.SaleIDs,
		TotalSaleAmount:    result.TotalSaleAmount,
		CreditUsed:         result.CreditUsed,
		CashDue:            result.CashDue,
		NewCreditRemaining: result.NewCreditRemaining,
	}, nil
}

func (s *Service) ListSalesByVisit(ctx context.Context, visitID int64) ([]domain.Sale, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	if visitID == 0 {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.ListSalesByVisit(ctx, visitID)
}

var manualMovementTypes = map[string]bool{
	domain.MovementPurchase:           true,
	domain.MovementConsignmentStockIn: true,
	domain.MovementWaste:              true,
	domain.MovementAdjustment:         true,
}

// RecordStockMovement appends one ledger entry. Inflows must arrive
// positive; waste and adjustments are normalized to a negative
// magnitude before they hit the ledger. Sale deductions are written by
// the sale path only and cannot be recorded by hand.
func (s *Service) RecordStockMovement(ctx context.Context, req domain.StockMovementRequest) (domain.StockMovementResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.StockMovementResponse{}, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return domain.StockMovementResponse{}, err
	}
	if req.InventoryItemID == 0 || !manualMovementTypes[req.MovementType] {
		return domain.StockMovementResponse{}, store.ErrInvalidRequest
	}
	if (req.QuantityInStorageUnits == nil) == (req.QuantityInSmallest == nil) {
		return domain.StockMovementResponse{}, store.ErrInvalidRequest
	}

	item, err := s.repo.GetInventoryItem(ctx, req.InventoryItemID)
	if err != nil {
		return domain.StockMovementResponse{}, err
	}

	var qty decimal.Decimal
	if req.QuantityInStorageUnits != nil {
		qty = req.QuantityInStorageUnits.Mul(item.StorageUnitSizeInSmallest)
	} else {
		qty = *req.QuantityInSmallest
	}
	if qty.IsZero() {
		return domain.StockMovementResponse{}, domain.ErrInvalidQuantity
	}

	switch req.MovementType {
	case domain.MovementPurchase, domain.MovementConsignmentStockIn:
		if qty.Sign() < 0 {
			return domain.StockMovementResponse{}, domain.ErrInvalidQuantity
		}
	case domain.MovementWaste, domain.MovementAdjustment:
		qty = qty.Abs().Neg()
	}

	entry, err := s.repo.AppendStockMovement(ctx, domain.StockLedgerEntry{
		InventoryItemID: item.ID,
		MovementType:    req.MovementType,
		QuantityChange:  qty,
		Notes:           req.Notes,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return domain.StockMovementResponse{}, err
	}

	s.log.WithFields(logrus.Fields{
		"item_id":  item.ID,
		"movement": req.MovementType,
		"change":   qty,
		"staff_id": actor.StaffID,
	}).Info("stock movement recorded")

	return domain.StockMovementResponse{
		LedgerEntryID:            entry.ID,
		QuantityChangeInSmallest: entry.QuantityChange,
	}, nil
}

func (s *Service) StockOverview(ctx context.Context) (domain.AggregatedStockResponse, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.AggregatedStockResponse{}, err
	}

	rows, err := s.repo.AggregatedStock(ctx)
	if err != nil {
		return domain.AggregatedStockResponse{}, err
	}
	return domain.AggregatedStockResponse{
		Items:       rows,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) StockHistory(ctx context.Context, itemID int64, limit int) ([]domain.StockLedgerEntry, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	if itemID == 0 {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.ListStockMovements(ctx, itemID, limit)
}

// CheckIn opens a visit. A returning client is referenced by ID; a new
// one is created from the name. Entry fee and credit fall back to the
// house defaults when the door leaves them blank.
func (s *Service) CheckIn(ctx context.Context, req domain.CheckInRequest) (domain.CheckInResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CheckInResponse{}, err
	}
	if err := s.requireRole(actor, domain.RoleDoor, domain.RoleManager); err != nil {
		return domain.CheckInResponse{}, err
	}

	entryFee := s.defaultEntryFee
	if req.EntryFeePaid != nil {
		entryFee = *req.EntryFeePaid
	}
	credit := s.defaultCredit
	if req.ConsumableCredit != nil {
		credit = *req.ConsumableCredit
	}
	if entryFee.Sign() < 0 || credit.Sign() < 0 {
		return domain.CheckInResponse{}, store.ErrInvalidRequest
	}

	var client *domain.Client
	switch {
	case req.ClientID != nil:
		client, err = s.repo.GetClient(ctx, *req.ClientID)
		if err != nil {
			return domain.CheckInResponse{}, err
		}
	case req.ClientName != "":
		client, err = s.repo.CreateClient(ctx, domain.Client{Name: req.ClientName})
		if err != nil {
			return domain.CheckInResponse{}, err
		}
	default:
		return domain.CheckInResponse{}, store.ErrInvalidRequest
	}

	visit, err := s.repo.CreateVisit(ctx, domain.Visit{
		ClientID:              client.ID,
		EntryTime:             time.Now().UTC(),
		EntryFeePaid:          entryFee,
		ConsumableCreditTotal: credit,
		Environment:           req.Environment,
	})
	if err != nil {
		return domain.CheckInResponse{}, err
	}

	// Re-read for the visit count bump done by CreateVisit.
	client, err = s.repo.GetClient(ctx, client.ID)
	if err != nil {
		return domain.CheckInResponse{}, err
	}

	_ = s.board.Invalidate(ctx)

	s.log.WithFields(logrus.Fields{
		"visit_id":  visit.ID,
		"client_id": client.ID,
		"credit":    visit.ConsumableCreditTotal,
	}).Info("client checked in")

	return domain.CheckInResponse{Visit: *visit, Client: *client}, nil
}

func (s *Service) CloseVisit(ctx context.Context, visitID int64) (domain.VisitCloseResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.VisitCloseResponse{}, err
	}
	if err := s.requireRole(actor, domain.RoleDoor, domain.RoleManager, domain.RoleServer, domain.RoleBartender); err != nil {
		return domain.VisitCloseResponse{}, err
	}
	if visitID == 0 {
		return domain.VisitCloseResponse{}, store.ErrInvalidRequest
	}

	visit, client, err := s.repo.CloseVisit(ctx, visitID, time.Now().UTC())
	if err != nil {
		return domain.VisitCloseResponse{}, err
	}

	_ = s.board.Invalidate(ctx)

	s.log.WithFields(logrus.Fields{
		"visit_id":  visit.ID,
		"client_id": client.ID,
	}).Info("visit closed")

	return domain.VisitCloseResponse{Visit: *visit, Client: *client}, nil
}

func (s *Service) GetVisit(ctx context.Context, visitID int64) (*domain.Visit, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	if visitID == 0 {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.GetVisit(ctx, visitID)
}

// LiveBoard assembles what the floor screens show. The snapshot is
// cached briefly and invalidated by every write that changes it.
func (s *Service) LiveBoard(ctx context.Context) (domain.LiveBoard, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.LiveBoard{}, err
	}

	if cached, ok, err := s.board.Get(ctx); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.log.WithError(err).Warn("board cache read failed")
	}

	visits, err := s.repo.ListActiveVisits(ctx)
	if err != nil {
		return domain.LiveBoard{}, err
	}
	hosts, err := s.repo.ListAvailableHosts(ctx)
	if err != nil {
		return domain.LiveBoard{}, err
	}
	products, err := s.repo.ListProducts(ctx, true)
	if err != nil {
		return domain.LiveBoard{}, err
	}

	board := domain.LiveBoard{
		ActiveVisits:   visits,
		AvailableHosts: hosts,
		Products:       products,
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.board.Set(ctx, &board, s.boardTTL); err != nil {
		s.log.WithError(err).Warn("board cache write failed")
	}
	return board, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return domain.Product{}, err
	}
	if req.Name == "" || req.SalePrice.Sign() < 0 || req.CostPrice.Sign() < 0 || req.DeductionAmountInSmallest.Sign() < 0 {
		return domain.Product{}, store.ErrInvalidRequest
	}
	if req.InventoryItemID != nil {
		if _, err := s.repo.GetInventoryItem(ctx, *req.InventoryItemID); err != nil {
			return domain.Product{}, err
		}
	} else if req.DeductionAmountInSmallest.Sign() > 0 {
		return domain.Product{}, store.ErrInvalidRequest
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:                      req.Name,
		Category:                  req.Category,
		CostPrice:                 req.CostPrice,
		SalePrice:                 req.SalePrice,
		InventoryItemID:           req.InventoryItemID,
		DeductionAmountInSmallest: req.DeductionAmountInSmallest,
		PartnerID:                 req.PartnerID,
		Active:                    true,
	})
	if err != nil {
		return domain.Product{}, err
	}
	_ = s.board.Invalidate(ctx)
	return *product, nil
}

func (s *Service) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, activeOnly)
}

// CreatePromotion publishes a bulletin for the floor screens. A linked
// product must exist; the expiry must lie in the future.
func (s *Service) CreatePromotion(ctx context.Context, req domain.PromotionCreateRequest) (domain.Promotion, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Promotion{}, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return domain.Promotion{}, err
	}
	if req.Title == "" || req.Body == "" || req.ExpiresAt.IsZero() {
		return domain.Promotion{}, store.ErrInvalidRequest
	}
	if !req.ExpiresAt.After(time.Now().UTC()) {
		return domain.Promotion{}, fmt.Errorf("%w: expiry must be in the future", store.ErrInvalidRequest)
	}

	promo, err := s.repo.CreatePromotion(ctx, domain.Promotion{
		Title:      req.Title,
		Body:       req.Body,
		BonusOffer: req.BonusOffer,
		ProductID:  req.ProductID,
		ExpiresAt:  req.ExpiresAt.UTC(),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.Promotion{}, err
	}

	s.log.WithFields(logrus.Fields{
		"promotion_id": promo.ID,
		"expires_at":   promo.ExpiresAt,
	}).Info("promotion published")
	return *promo, nil
}

func (s *Service) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListPromotions(ctx)
}

func (s *Service) CreateHost(ctx context.Context, req domain.HostCreateRequest) (domain.Host, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Host{}, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return domain.Host{}, err
	}
	if req.StageName == "" || req.CommissionRate.Sign() <= 0 || req.CommissionRate.GreaterThan(decimal.NewFromInt(1)) || req.BaseRate.Sign() < 0 {
		return domain.Host{}, store.ErrInvalidRequest
	}

	host, err := s.repo.CreateHost(ctx, domain.Host{
		StageName:      req.StageName,
		CommissionRate: req.CommissionRate,
		BaseRate:       req.BaseRate,
		Active:         true,
	})
	if err != nil {
		return domain.Host{}, err
	}
	return *host, nil
}

func (s *Service) ListHosts(ctx context.Context, activeOnly bool) ([]domain.Host, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListHosts(ctx, activeOnly)
}

func (s *Service) OpenHostShift(ctx context.Context, hostID int64) (*domain.HostShift, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(actor, domain.RoleDoor, domain.RoleManager); err != nil {
		return nil, err
	}
	if hostID == 0 {
		return nil, store.ErrInvalidRequest
	}

	shift, err := s.repo.OpenHostShift(ctx, hostID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	_ = s.board.Invalidate(ctx)
	return shift, nil
}

func (s *Service) CloseHostShift(ctx context.Context, shiftID int64) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	if err := s.requireRole(actor, domain.RoleDoor, domain.RoleManager); err != nil {
		return err
	}
	if shiftID == 0 {
		return store.ErrInvalidRequest
	}

	if err := s.repo.CloseHostShift(ctx, shiftID, time.Now().UTC()); err != nil {
		return err
	}
	_ = s.board.Invalidate(ctx)
	return nil
}

func (s *Service) CreateInventoryItem(ctx context.Context, req domain.InventoryItemCreateRequest) (domain.InventoryItem, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return domain.InventoryItem{}, err
	}
	if req.Name == "" {
		return domain.InventoryItem{}, store.ErrInvalidRequest
	}

	size := decimal.NewFromInt(1)
	if req.StorageUnitSizeInSmallest != nil {
		if req.StorageUnitSizeInSmallest.Sign() <= 0 {
			return domain.InventoryItem{}, store.ErrInvalidRequest
		}
		size = *req.StorageUnitSizeInSmallest
	}
	if req.ReorderThreshold != nil && req.ReorderThreshold.Sign() < 0 {
		return domain.InventoryItem{}, store.ErrInvalidRequest
	}

	item, err := s.repo.CreateInventoryItem(ctx, domain.InventoryItem{
		Name:                      req.Name,
		Category:                  req.Category,
		StorageUnit:               req.StorageUnit,
		SmallestUnitKind:          req.SmallestUnitKind,
		StorageUnitSizeInSmallest: size,
		ReorderThreshold:          req.ReorderThreshold,
		CreatedAt:                 time.Now().UTC(),
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return *item, nil
}

func (s *Service) ListInventoryItems(ctx context.Context) ([]domain.InventoryItem, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListInventoryItems(ctx)
}

func (s *Service) CreatePartner(ctx context.Context, req domain.PartnerCreateRequest) (domain.Partner, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Partner{}, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return domain.Partner{}, err
	}
	if req.Name == "" {
		return domain.Partner{}, store.ErrInvalidRequest
	}

	partner, err := s.repo.CreatePartner(ctx, domain.Partner{
		Name:      req.Name,
		Contact:   req.Contact,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Partner{}, err
	}
	return *partner, nil
}

func (s *Service) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListPartners(ctx)
}

var validStaffRoles = map[string]bool{
	domain.RoleAdmin:     true,
	domain.RoleManager:   true,
	domain.RoleServer:    true,
	domain.RoleBartender: true,
	domain.RoleDoor:      true,
}

func (s *Service) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.Staff, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Staff{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Staff{}, ErrForbidden
	}
	if req.Name == "" || !validStaffRoles[req.Role] {
		return domain.Staff{}, store.ErrInvalidRequest
	}
	if len(req.PIN) < 4 || len(req.PIN) > 8 {
		return domain.Staff{}, fmt.Errorf("%w: pin must be 4 to 8 digits", store.ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		return domain.Staff{}, err
	}

	staff, err := s.repo.CreateStaff(ctx, domain.Staff{
		Name:      req.Name,
		Role:      req.Role,
		PINHash:   string(hash),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Staff{}, err
	}
	return *staff, nil
}

func (s *Service) ListStaff(ctx context.Context) ([]domain.Staff, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return nil, err
	}
	return s.repo.ListStaff(ctx, false)
}

func (s *Service) Financials(ctx context.Context) (domain.FinancialsResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.FinancialsResponse{}, err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return domain.FinancialsResponse{}, err
	}

	commissions, err := s.repo.ListUnpaidStaffCommissions(ctx)
	if err != nil {
		return domain.FinancialsResponse{}, err
	}
	payouts, err := s.repo.ListUnpaidPartnerPayouts(ctx)
	if err != nil {
		return domain.FinancialsResponse{}, err
	}
	summaries, err := s.repo.HostUnpaidSummaries(ctx)
	if err != nil {
		return domain.FinancialsResponse{}, err
	}

	return domain.FinancialsResponse{
		UnpaidStaffCommissions: commissions,
		UnpaidPartnerPayouts:   payouts,
		HostSummaries:          summaries,
	}, nil
}

// MarkPaid flips an accrual to paid. The flip happens at most once;
// a second request for the same accrual is rejected by the store.
func (s *Service) MarkPaid(ctx context.Context, req domain.MarkPaidRequest) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	if err := s.requireRole(actor, domain.RoleManager); err != nil {
		return err
	}
	if req.ID == 0 {
		return store.ErrInvalidRequest
	}

	now := time.Now().UTC()
	switch req.Kind {
	case domain.PayoutKindStaffCommission:
		err = s.repo.MarkStaffCommissionPaid(ctx, req.ID, now)
	case domain.PayoutKindPartnerPayout:
		err = s.repo.MarkPartnerPayoutPaid(ctx, req.ID, now)
	default:
		return store.ErrInvalidRequest
	}
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"kind":     req.Kind,
		"id":       req.ID,
		"staff_id": actor.StaffID,
	}).Info("accrual marked paid")
	return nil
}
