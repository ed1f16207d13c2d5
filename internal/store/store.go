package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"clubops/backend/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("concurrent write conflict")
	ErrInvalidRequest = errors.New("invalid request")
)

// SaleCommit is everything the store needs to run the atomic sale
// transaction. The store re-reads the visit, host, products, and
// backing items inside its own transaction; values computed outside it
// are never trusted for the commit.
type SaleCommit struct {
	VisitID             int64
	HostID              int64
	StaffID             int64
	StaffShiftID        int64
	Cart                []domain.CartLine
	StaffCommissionRate decimal.Decimal
	Now                 time.Time
}

type SaleCommitResult struct {
	SaleIDs            []int64
	TotalSaleAmount    decimal.Decimal
	CreditUsed         decimal.Decimal
	CashDue            decimal.Decimal
	NewCreditRemaining decimal.Decimal
}

type Repository interface {
	// Staff and sessions.
	ListStaff(ctx context.Context, activeOnly bool) ([]domain.Staff, error)
	GetStaff(ctx context.Context, id int64) (*domain.Staff, error)
	CreateStaff(ctx context.Context, staff domain.Staff) (*domain.Staff, error)
	OpenStaffShift(ctx context.Context, staffID int64, at time.Time) (*domain.StaffShift, error)
	CloseStaffShift(ctx context.Context, shiftID int64, at time.Time) error
	GetStaffShift(ctx context.Context, shiftID int64) (*domain.StaffShift, error)

	// Clients and visits.
	CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error)
	GetClient(ctx context.Context, id int64) (*domain.Client, error)
	// CreateVisit opens a visit and increments the client's visit count
	// in the same write. Visit counting happens here, never on sale.
	CreateVisit(ctx context.Context, visit domain.Visit) (*domain.Visit, error)
	GetVisit(ctx context.Context, id int64) (*domain.Visit, error)
	CloseVisit(ctx context.Context, visitID int64, at time.Time) (*domain.Visit, *domain.Client, error)
	ListActiveVisits(ctx context.Context) ([]domain.LiveVisit, error)

	// Hosts.
	CreateHost(ctx context.Context, host domain.Host) (*domain.Host, error)
	GetHost(ctx context.Context, id int64) (*domain.Host, error)
	ListHosts(ctx context.Context, activeOnly bool) ([]domain.Host, error)
	OpenHostShift(ctx context.Context, hostID int64, at time.Time) (*domain.HostShift, error)
	CloseHostShift(ctx context.Context, shiftID int64, at time.Time) error
	ListAvailableHosts(ctx context.Context) ([]domain.Host, error)

	// Product catalog.
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	CreatePromotion(ctx context.Context, promo domain.Promotion) (*domain.Promotion, error)
	ListPromotions(ctx context.Context) ([]domain.Promotion, error)

	// Inventory definitions and the stock ledger.
	CreateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	GetInventoryItem(ctx context.Context, id int64) (*domain.InventoryItem, error)
	ListInventoryItems(ctx context.Context) ([]domain.InventoryItem, error)
	AppendStockMovement(ctx context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, error)
	CurrentStock(ctx context.Context, itemID int64) (decimal.Decimal, error)
	AggregatedStock(ctx context.Context) ([]domain.AggregatedStockRow, error)
	ListStockMovements(ctx context.Context, itemID int64, limit int) ([]domain.StockLedgerEntry, error)

	// Sales.
	CommitSale(ctx context.Context, commit SaleCommit) (*SaleCommitResult, error)
	ListSalesByVisit(ctx context.Context, visitID int64) ([]domain.Sale, error)

	// Partners and settlement accruals.
	CreatePartner(ctx context.Context, partner domain.Partner) (*domain.Partner, error)
	ListPartners(ctx context.Context) ([]domain.Partner, error)
	ListUnpaidStaffCommissions(ctx context.Context) ([]domain.StaffCommission, error)
	ListUnpaidPartnerPayouts(ctx context.Context) ([]domain.PartnerPayout, error)
	HostUnpaidSummaries(ctx context.Context) ([]domain.HostUnpaidSummary, error)
	MarkStaffCommissionPaid(ctx context.Context, id int64, at time.Time) error
	MarkPartnerPayoutPaid(ctx context.Context, id int64, at time.Time) error
}
