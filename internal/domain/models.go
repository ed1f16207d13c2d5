package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Staff roles. Servers and bartenders ring up sales; admins can do
// everything including overriding the sales-role restriction.
const (
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleServer    = "server"
	RoleBartender = "bartender"
	RoleDoor      = "door"
)

// Stock ledger movement types. Inflows are stored positive, outflows
// are stored as negative magnitudes regardless of the sign supplied.
const (
	MovementPurchase           = "purchase"
	MovementConsignmentStockIn = "consignment_stock_in"
	MovementSaleDeduction      = "sale_deduction"
	MovementWaste              = "waste"
	MovementAdjustment         = "adjustment"
)

const (
	CommissionTypeSale = "sale"
)

// Sale-path sentinel errors. The orchestrator surfaces these before any
// state is written; handlers map them to stable error kinds.
var (
	ErrVisitClosed           = errors.New("visit already closed")
	ErrUnknownProduct        = errors.New("unknown product in cart")
	ErrInvalidQuantity       = errors.New("cart quantity must be positive")
	ErrUnresolvedBackingItem = errors.New("product references a missing inventory item")
)

// Actor is the authenticated staff capability attached to a request.
// The service layer trusts it as given and never consults global state.
type Actor struct {
	StaffID int64
	ShiftID int64
	Role    string
}

func (a Actor) Authenticated() bool {
	return a.StaffID != 0 && a.ShiftID != 0
}

type Staff struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	PINHash   string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// StaffShift is the working session opened at login. Its ID travels in
// the access token and stamps every sale line the staffer records.
type StaffShift struct {
	ID        int64      `json:"id"`
	StaffID   int64      `json:"staff_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Client struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	LifetimeSpend    decimal.Decimal `json:"lifetime_spend"`
	LastVisitSpend   decimal.Decimal `json:"last_visit_spend"`
	LastVisitDate    *time.Time      `json:"last_visit_date,omitempty"`
	TotalVisits      int             `json:"total_visits"`
	AvgSpendPerVisit decimal.Decimal `json:"avg_spend_per_visit"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Visit is one client's stay. Credit totals are fixed at check-in; the
// remaining balance only ever decreases, and only via RecordSale. Once
// ExitTime is set the visit is immutable.
type Visit struct {
	ID                        int64           `json:"id"`
	ClientID                  int64           `json:"client_id"`
	EntryTime                 time.Time       `json:"entry_time"`
	ExitTime                  *time.Time      `json:"exit_time,omitempty"`
	EntryFeePaid              decimal.Decimal `json:"entry_fee_paid"`
	ConsumableCreditTotal     decimal.Decimal `json:"consumable_credit_total"`
	ConsumableCreditRemaining decimal.Decimal `json:"consumable_credit_remaining"`
	Environment               string          `json:"environment,omitempty"`
}

func (v Visit) Active() bool {
	return v.ExitTime == nil
}

type InventoryItem struct {
	ID                        int64            `json:"id"`
	Name                      string           `json:"name"`
	Category                  string           `json:"category"`
	StorageUnit               string           `json:"storage_unit"`
	SmallestUnitKind          string           `json:"smallest_unit_kind"`
	StorageUnitSizeInSmallest decimal.Decimal  `json:"storage_unit_size_in_smallest"`
	ReorderThreshold          *decimal.Decimal `json:"reorder_threshold,omitempty"`
	CreatedAt                 time.Time        `json:"created_at"`
}

// StockLedgerEntry is append-only and immutable once written. Current
// stock for an item is always the signed sum of its entries.
type StockLedgerEntry struct {
	ID              int64           `json:"id"`
	InventoryItemID int64           `json:"inventory_item_id"`
	MovementType    string          `json:"movement_type"`
	QuantityChange  decimal.Decimal `json:"quantity_change"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Product struct {
	ID                        int64           `json:"id"`
	Name                      string          `json:"name"`
	Category                  string          `json:"category"`
	CostPrice                 decimal.Decimal `json:"cost_price"`
	SalePrice                 decimal.Decimal `json:"sale_price"`
	InventoryItemID           *int64          `json:"inventory_item_id,omitempty"`
	DeductionAmountInSmallest decimal.Decimal `json:"deduction_amount_in_smallest"`
	PartnerID                 *int64          `json:"partner_id,omitempty"`
	Active                    bool            `json:"active"`
}

// Consignment products are owned by a partner; selling one accrues a
// payout of the cost price instead of booking it as our cost.
func (p Product) Consignment() bool {
	return p.PartnerID != nil
}

type Partner struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Promotion is a bulletin pushed to the floor screens until it
// expires, optionally tied to a catalog product.
type Promotion struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	BonusOffer string    `json:"bonus_offer,omitempty"`
	ProductID  *int64    `json:"product_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

type Host struct {
	ID             int64           `json:"id"`
	StageName      string          `json:"stage_name"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	BaseRate       decimal.Decimal `json:"base_rate"`
	Active         bool            `json:"active"`
}

type HostShift struct {
	ID        int64      `json:"id"`
	HostID    int64      `json:"host_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Sale is one line of a committed transaction. Price and commission are
// snapshotted at commit time and never recomputed.
type Sale struct {
	ID               int64           `json:"id"`
	VisitID          int64           `json:"visit_id"`
	HostID           int64           `json:"host_id"`
	ProductID        int64           `json:"product_id"`
	StaffShiftID     int64           `json:"staff_shift_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	PriceAtSale      decimal.Decimal `json:"price_at_sale"`
	CommissionEarned decimal.Decimal `json:"commission_earned"`
	PaidWithCredit   decimal.Decimal `json:"paid_with_credit"`
	PaidWithCashCard decimal.Decimal `json:"paid_with_cash_card"`
	CreatedAt        time.Time       `json:"created_at"`
}

type StaffCommission struct {
	ID             int64           `json:"id"`
	StaffID        int64           `json:"staff_id"`
	Amount         decimal.Decimal `json:"amount"`
	CommissionType string          `json:"commission_type"`
	IsPaidOut      bool            `json:"is_paid_out"`
	CreatedAt      time.Time       `json:"created_at"`
	PaidOutAt      *time.Time      `json:"paid_out_at,omitempty"`
}

type PartnerPayout struct {
	ID        int64           `json:"id"`
	PartnerID int64           `json:"partner_id"`
	ProductID int64           `json:"product_id"`
	Amount    decimal.Decimal `json:"amount"`
	IsPaidOut bool            `json:"is_paid_out"`
	CreatedAt time.Time       `json:"created_at"`
	PaidOutAt *time.Time      `json:"paid_out_at,omitempty"`
}

type LoginRequest struct {
	PIN string `json:"pin"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	StaffID     int64  `json:"staff_id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	ShiftID     int64  `json:"shift_id"`
	ExpiresAt   string `json:"expires_at"`
}

type CartLine struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type SaleRequest struct {
	VisitID int64      `json:"visit_id"`
	HostID  int64      `json:"host_id"`
	Cart    []CartLine `json:"cart"`
}

type SaleResponse struct {
	SaleIDs            []int64         `json:"sale_ids"`
	TotalSaleAmount    decimal.Decimal `json:"total_sale_amount"`
	CreditUsed         decimal.Decimal `json:"credit_used"`
	CashDue            decimal.Decimal `json:"cash_due"`
	NewCreditRemaining decimal.Decimal `json:"new_credit_remaining"`
}

type StockMovementRequest struct {
	InventoryItemID        int64            `json:"inventory_item_id"`
	MovementType           string           `json:"movement_type"`
	QuantityInStorageUnits *decimal.Decimal `json:"quantity_in_storage_units,omitempty"`
	QuantityInSmallest     *decimal.Decimal `json:"quantity_in_smallest,omitempty"`
	Notes                  string           `json:"notes,omitempty"`
}

type StockMovementResponse struct {
	LedgerEntryID            int64           `json:"ledger_entry_id"`
	QuantityChangeInSmallest decimal.Decimal `json:"quantity_change_in_smallest"`
}

type AggregatedStockRow struct {
	Item             InventoryItem    `json:"item"`
	TotalStock       decimal.Decimal  `json:"total_stock"`
	ReorderThreshold *decimal.Decimal `json:"reorder_threshold,omitempty"`
	LowStock         bool             `json:"low_stock"`
}

type AggregatedStockResponse struct {
	Items       []AggregatedStockRow `json:"items"`
	GeneratedAt string               `json:"generated_at"`
}

type CheckInRequest struct {
	ClientID         *int64           `json:"client_id,omitempty"`
	ClientName       string           `json:"client_name,omitempty"`
	EntryFeePaid     *decimal.Decimal `json:"entry_fee_paid,omitempty"`
	ConsumableCredit *decimal.Decimal `json:"consumable_credit,omitempty"`
	Environment      string           `json:"environment,omitempty"`
}

type CheckInResponse struct {
	Visit  Visit  `json:"visit"`
	Client Client `json:"client"`
}

type VisitCloseResponse struct {
	Visit  Visit  `json:"visit"`
	Client Client `json:"client"`
}

type ProductCreateRequest struct {
	Name                      string          `json:"name"`
	Category                  string          `json:"category"`
	CostPrice                 decimal.Decimal `json:"cost_price"`
	SalePrice                 decimal.Decimal `json:"sale_price"`
	InventoryItemID           *int64          `json:"inventory_item_id,omitempty"`
	DeductionAmountInSmallest decimal.Decimal `json:"deduction_amount_in_smallest"`
	PartnerID                 *int64          `json:"partner_id,omitempty"`
}

type HostCreateRequest struct {
	StageName      string          `json:"stage_name"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	BaseRate       decimal.Decimal `json:"base_rate"`
}

type InventoryItemCreateRequest struct {
	Name                      string           `json:"name"`
	Category                  string           `json:"category"`
	StorageUnit               string           `json:"storage_unit"`
	SmallestUnitKind          string           `json:"smallest_unit_kind"`
	StorageUnitSizeInSmallest *decimal.Decimal `json:"storage_unit_size_in_smallest,omitempty"`
	ReorderThreshold          *decimal.Decimal `json:"reorder_threshold,omitempty"`
}

type PartnerCreateRequest struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

type PromotionCreateRequest struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	BonusOffer string    `json:"bonus_offer,omitempty"`
	ProductID  *int64    `json:"product_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type StaffCreateRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
	PIN  string `json:"pin"`
}

type HostUnpaidSummary struct {
	HostID       int64           `json:"host_id"`
	StageName    string          `json:"stage_name"`
	UnpaidAmount decimal.Decimal `json:"unpaid_amount"`
	SaleCount    int             `json:"sale_count"`
}

type FinancialsResponse struct {
	UnpaidStaffCommissions []StaffCommission   `json:"unpaid_staff_commissions"`
	UnpaidPartnerPayouts   []PartnerPayout     `json:"unpaid_partner_payouts"`
	HostSummaries          []HostUnpaidSummary `json:"host_summaries"`
}

const (
	PayoutKindStaffCommission = "staff_commission"
	PayoutKindPartnerPayout   = "partner_payout"
)

type MarkPaidRequest struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

type LiveVisit struct {
	Visit      Visit  `json:"visit"`
	ClientName string `json:"client_name"`
}

type LiveBoard struct {
	ActiveVisits   []LiveVisit `json:"active_visits"`
	AvailableHosts []Host      `json:"available_hosts"`
	Products       []Product   `json:"products"`
	GeneratedAt    string      `json:"generated_at"`
}
