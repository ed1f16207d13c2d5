package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"clubops/backend/internal/domain"
	"clubops/backend/internal/pricing"
	"clubops/backend/internal/store"
)

type Store struct {
	mu               sync.Mutex
	seq              int64
	staffByID        map[int64]domain.Staff
	staffShiftsByID  map[int64]domain.StaffShift
	clientsByID      map[int64]domain.Client
	visitsByID       map[int64]domain.Visit
	hostsByID        map[int64]domain.Host
	hostShiftsByID   map[int64]domain.HostShift
	productsByID     map[int64]domain.Product
	promotionsByID   map[int64]domain.Promotion
	partnersByID     map[int64]domain.Partner
	itemsByID        map[int64]domain.InventoryItem
	ledger           []domain.StockLedgerEntry
	salesByID        map[int64]domain.Sale
	staffCommissions map[int64]domain.StaffCommission
	partnerPayouts   map[int64]domain.PartnerPayout
}

// seedStaff builds the initial staff roster for dev/demo mode. PINs are
// read from SEED_ADMIN_PIN and SEED_SERVER_PIN environment variables;
// hardcoded dev defaults are used with a warning when unset. Production
// runs use PostgreSQL (DATABASE_URL set) and never touch these.
func seedStaff(nextID func() int64) map[int64]domain.Staff {
	adminPIN := envOr("SEED_ADMIN_PIN", "1234")
	serverPIN := envOr("SEED_SERVER_PIN", "2580")
	if os.Getenv("SEED_ADMIN_PIN") == "" || os.Getenv("SEED_SERVER_PIN") == "" {
		log.Println("[memory-store] WARNING: using default dev PINs. Set SEED_ADMIN_PIN and SEED_SERVER_PIN to override.")
	}

	now := time.Now().UTC()
	staff := map[int64]domain.Staff{}
	for _, m := range []struct {
		name string
		role string
		pin  string
	}{
		{"Marta", domain.RoleAdmin, adminPIN},
		{"Diego", domain.RoleServer, serverPIN},
		{"Lia", domain.RoleBartender, serverPIN},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(m.pin), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed PIN for %s: %v", m.name, err)
		}
		id := nextID()
		staff[id] = domain.Staff{
			ID:        id,
			Name:      m.name,
			Role:      m.role,
			PINHash:   string(hash),
			Active:    true,
			CreatedAt: now,
		}
	}
	return staff
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := &Store{
		staffShiftsByID:  make(map[int64]domain.StaffShift),
		clientsByID:      make(map[int64]domain.Client),
		visitsByID:       make(map[int64]domain.Visit),
		hostsByID:        make(map[int64]domain.Host),
		hostShiftsByID:   make(map[int64]domain.HostShift),
		productsByID:     make(map[int64]domain.Product),
		promotionsByID:   make(map[int64]domain.Promotion),
		partnersByID:     make(map[int64]domain.Partner),
		itemsByID:        make(map[int64]domain.InventoryItem),
		ledger:           make([]domain.StockLedgerEntry, 0, 256),
		salesByID:        make(map[int64]domain.Sale),
		staffCommissions: make(map[int64]domain.StaffCommission),
		partnerPayouts:   make(map[int64]domain.PartnerPayout),
	}
	s.staffByID = seedStaff(s.nextIDLocked)

	now := time.Now().UTC()

	threshold := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	items := []domain.InventoryItem{
		{Name: "Vodka Premium", Category: "spirits", StorageUnit: "bottle", SmallestUnitKind: "volume_ml", StorageUnitSizeInSmallest: decimal.NewFromInt(750), ReorderThreshold: threshold("1500"), CreatedAt: now},
		{Name: "Champagne Brut", Category: "sparkling", StorageUnit: "bottle", SmallestUnitKind: "volume_ml", StorageUnitSizeInSmallest: decimal.NewFromInt(750), ReorderThreshold: threshold("2250"), CreatedAt: now},
		{Name: "Energy Drink", Category: "mixers", StorageUnit: "can", SmallestUnitKind: "count", StorageUnitSizeInSmallest: decimal.NewFromInt(1), ReorderThreshold: threshold("24"), CreatedAt: now},
		{Name: "Cigar Seleccion", Category: "tobacco", StorageUnit: "box", SmallestUnitKind: "count", StorageUnitSizeInSmallest: decimal.NewFromInt(10), CreatedAt: now},
	}
	for i := range items {
		items[i].ID = s.nextIDLocked()
		s.itemsByID[items[i].ID] = items[i]
	}

	partner := domain.Partner{ID: s.nextIDLocked(), Name: "Habana Imports", Contact: "habana@example.com", CreatedAt: now}
	s.partnersByID[partner.ID] = partner

	itemID := func(i int) *int64 { id := items[i].ID; return &id }
	products := []domain.Product{
		{Name: "Vodka Shot", Category: "drinks", CostPrice: decimal.RequireFromString("1.80"), SalePrice: decimal.RequireFromString("9.00"), InventoryItemID: itemID(0), DeductionAmountInSmallest: decimal.NewFromInt(40), Active: true},
		{Name: "Champagne Bottle", Category: "bottles", CostPrice: decimal.RequireFromString("38.00"), SalePrice: decimal.RequireFromString("180.00"), InventoryItemID: itemID(1), DeductionAmountInSmallest: decimal.NewFromInt(750), Active: true},
		{Name: "Energy Drink", Category: "mixers", CostPrice: decimal.RequireFromString("1.20"), SalePrice: decimal.RequireFromString("6.50"), InventoryItemID: itemID(2), DeductionAmountInSmallest: decimal.NewFromInt(1), Active: true},
		{Name: "Cigar Seleccion", Category: "tobacco", CostPrice: decimal.RequireFromString("14.00"), SalePrice: decimal.RequireFromString("35.00"), InventoryItemID: itemID(3), DeductionAmountInSmallest: decimal.NewFromInt(1), PartnerID: &partner.ID, Active: true},
		{Name: "Private Lounge Hour", Category: "services", CostPrice: decimal.Zero, SalePrice: decimal.RequireFromString("120.00"), DeductionAmountInSmallest: decimal.Zero, Active: true},
	}
	for i := range products {
		products[i].ID = s.nextIDLocked()
		s.productsByID[products[i].ID] = products[i]
	}

	hosts := []domain.Host{
		{StageName: "Valentina", CommissionRate: decimal.RequireFromString("0.10"), BaseRate: decimal.RequireFromString("50.00"), Active: true},
		{StageName: "Isadora", CommissionRate: decimal.RequireFromString("0.12"), BaseRate: decimal.RequireFromString("60.00"), Active: true},
	}
	for i := range hosts {
		hosts[i].ID = s.nextIDLocked()
		s.hostsByID[hosts[i].ID] = hosts[i]
	}

	for _, seedQty := range []struct {
		item int
		qty  int64
	}{{0, 6}, {1, 8}, {2, 48}, {3, 2}} {
		item := items[seedQty.item]
		s.ledger = append(s.ledger, domain.StockLedgerEntry{
			ID:              s.nextIDLocked(),
			InventoryItemID: item.ID,
			MovementType:    domain.MovementPurchase,
			QuantityChange:  item.StorageUnitSizeInSmallest.Mul(decimal.NewFromInt(seedQty.qty)),
			Notes:           "opening stock",
			CreatedAt:       now,
		})
	}

	return s
}

func (s *Store) nextIDLocked() int64 {
	s.seq++
	return s.seq
}

func (s *Store) ListStaff(_ context.Context, activeOnly bool) ([]domain.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staff := make([]domain.Staff, 0, len(s.staffByID))
	for _, m := range s.staffByID {
		if activeOnly && !m.Active {
			continue
		}
		staff = append(staff, m)
	}
	slices.SortFunc(staff, func(a, b domain.Staff) int { return cmpInt64(a.ID, b.ID) })
	return staff, nil
}

func (s *Store) GetStaff(_ context.Context, id int64) (*domain.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.staffByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyStaff := m
	return &copyStaff, nil
}

func (s *Store) CreateStaff(_ context.Context, staff domain.Staff) (*domain.Staff, error) {
	if staff.Name == "" || staff.Role == "" || staff.PINHash == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staff.ID = s.nextIDLocked()
	if staff.CreatedAt.IsZero() {
		staff.CreatedAt = time.Now().UTC()
	}
	staff.Active = true
	s.staffByID[staff.ID] = staff
	created := staff
	return &created, nil
}

func (s *Store) OpenStaffShift(_ context.Context, staffID int64, at time.Time) (*domain.StaffShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.staffByID[staffID]; !ok {
		return nil, store.ErrNotFound
	}
	shift := domain.StaffShift{ID: s.nextIDLocked(), StaffID: staffID, StartedAt: at}
	s.staffShiftsByID[shift.ID] = shift
	created := shift
	return &created, nil
}

func (s *Store) CloseStaffShift(_ context.Context, shiftID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.staffShiftsByID[shiftID]
	if !ok {
		return store.ErrNotFound
	}
	if shift.EndedAt != nil {
		return store.ErrInvalidRequest
	}
	shift.EndedAt = &at
	s.staffShiftsByID[shiftID] = shift
	return nil
}

func (s *Store) GetStaffShift(_ context.Context, shiftID int64) (*domain.StaffShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.staffShiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) CreateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	if client.Name == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client.ID = s.nextIDLocked()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	client.LifetimeSpend = decimal.Zero
	client.LastVisitSpend = decimal.Zero
	client.AvgSpendPerVisit = decimal.Zero
	s.clientsByID[client.ID] = client
	created := client
	return &created, nil
}

func (s *Store) GetClient(_ context.Context, id int64) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clientsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyClient := client
	return &copyClient, nil
}

func (s *Store) CreateVisit(_ context.Context, visit domain.Visit) (*domain.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clientsByID[visit.ClientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if visit.ConsumableCreditTotal.Sign() < 0 || visit.EntryFeePaid.Sign() < 0 {
		return nil, store.ErrInvalidRequest
	}

	visit.ID = s.nextIDLocked()
	if visit.EntryTime.IsZero() {
		visit.EntryTime = time.Now().UTC()
	}
	visit.ExitTime = nil
	visit.ConsumableCreditRemaining = visit.ConsumableCreditTotal
	s.visitsByID[visit.ID] = visit

	client.TotalVisits++
	s.clientsByID[client.ID] = client

	created := visit
	return &created, nil
}

func (s *Store) GetVisit(_ context.Context, id int64) (*domain.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, ok := s.visitsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyVisit := visit
	return &copyVisit, nil
}

func (s *Store) CloseVisit(_ context.Context, visitID int64, at time.Time) (*domain.Visit, *domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, ok := s.visitsByID[visitID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if visit.ExitTime != nil {
		return nil, nil, domain.ErrVisitClosed
	}
	client, ok := s.clientsByID[visit.ClientID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	visit.ExitTime = &at
	s.visitsByID[visitID] = visit

	if client.TotalVisits > 0 {
		client.AvgSpendPerVisit = client.LifetimeSpend.Div(decimal.NewFromInt(int64(client.TotalVisits))).Round(2)
	}
	s.clientsByID[client.ID] = client

	copyVisit := visit
	copyClient := client
	return &copyVisit, &copyClient, nil
}

func (s *Store) ListActiveVisits(_ context.Context) ([]domain.LiveVisit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.LiveVisit, 0, 16)
	for _, visit := range s.visitsByID {
		if visit.ExitTime != nil {
			continue
		}
		name := ""
		if client, ok := s.clientsByID[visit.ClientID]; ok {
			name = client.Name
		}
		result = append(result, domain.LiveVisit{Visit: visit, ClientName: name})
	}
	slices.SortFunc(result, func(a, b domain.LiveVisit) int { return cmpInt64(a.Visit.ID, b.Visit.ID) })
	return result, nil
}

func (s *Store) CreateHost(_ context.Context, host domain.Host) (*domain.Host, error) {
	if host.StageName == "" || host.CommissionRate.Sign() <= 0 || host.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	host.ID = s.nextIDLocked()
	host.Active = true
	s.hostsByID[host.ID] = host
	created := host
	return &created, nil
}

func (s *Store) GetHost(_ context.Context, id int64) (*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.hostsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyHost := host
	return &copyHost, nil
}

func (s *Store) ListHosts(_ context.Context, activeOnly bool) ([]domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hosts := make([]domain.Host, 0, len(s.hostsByID))
	for _, host := range s.hostsByID {
		if activeOnly && !host.Active {
			continue
		}
		hosts = append(hosts, host)
	}
	slices.SortFunc(hosts, func(a, b domain.Host) int { return cmpInt64(a.ID, b.ID) })
	return hosts, nil
}

func (s *Store) OpenHostShift(_ context.Context, hostID int64, at time.Time) (*domain.HostShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hostsByID[hostID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, shift := range s.hostShiftsByID {
		if shift.HostID == hostID && shift.EndedAt == nil {
			return nil, store.ErrInvalidRequest
		}
	}
	shift := domain.HostShift{ID: s.nextIDLocked(), HostID: hostID, StartedAt: at}
	s.hostShiftsByID[shift.ID] = shift
	created := shift
	return &created, nil
}

func (s *Store) CloseHostShift(_ context.Context, shiftID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.hostShiftsByID[shiftID]
	if !ok {
		return store.ErrNotFound
	}
	if shift.EndedAt != nil {
		return store.ErrInvalidRequest
	}
	shift.EndedAt = &at
	s.hostShiftsByID[shiftID] = shift
	return nil
}

func (s *Store) ListAvailableHosts(_ context.Context) ([]domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	onShift := map[int64]bool{}
	for _, shift := range s.hostShiftsByID {
		if shift.EndedAt == nil {
			onShift[shift.HostID] = true
		}
	}
	hosts := make([]domain.Host, 0, len(onShift))
	for id := range onShift {
		if host, ok := s.hostsByID[id]; ok && host.Active {
			hosts = append(hosts, host)
		}
	}
	slices.SortFunc(hosts, func(a, b domain.Host) int { return cmpInt64(a.ID, b.ID) })
	return hosts, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.SalePrice.Sign() < 0 || product.CostPrice.Sign() < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.InventoryItemID != nil {
		if _, ok := s.itemsByID[*product.InventoryItemID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if product.PartnerID != nil {
		if _, ok := s.partnersByID[*product.PartnerID]; !ok {
			return nil, store.ErrNotFound
		}
	}

	product.ID = s.nextIDLocked()
	product.Active = true
	s.productsByID[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) ListProducts(_ context.Context, activeOnly bool) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, product := range s.productsByID {
		if activeOnly && !product.Active {
			continue
		}
		products = append(products, product)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.productsByID[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateInventoryItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if item.StorageUnitSizeInSmallest.Sign() <= 0 {
		item.StorageUnitSizeInSmallest = decimal.NewFromInt(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item.ID = s.nextIDLocked()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.itemsByID[item.ID] = item
	created := item
	return &created, nil
}

func (s *Store) GetInventoryItem(_ context.Context, id int64) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.itemsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyItem := item
	return &copyItem, nil
}

func (s *Store) ListInventoryItems(_ context.Context) ([]domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]domain.InventoryItem, 0, len(s.itemsByID))
	for _, item := range s.itemsByID {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int { return cmpInt64(a.ID, b.ID) })
	return items, nil
}

func (s *Store) AppendStockMovement(_ context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.itemsByID[entry.InventoryItemID]; !ok {
		return nil, store.ErrNotFound
	}

	entry.ID = s.nextIDLocked()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.ledger = append(s.ledger, entry)
	created := entry
	return &created, nil
}

func (s *Store) CurrentStock(_ context.Context, itemID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.itemsByID[itemID]; !ok {
		return decimal.Zero, store.ErrNotFound
	}
	return s.stockSumLocked(itemID), nil
}

func (s *Store) stockSumLocked(itemID int64) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range s.ledger {
		if entry.InventoryItemID == itemID {
			total = total.Add(entry.QuantityChange)
		}
	}
	return total
}

func (s *Store) AggregatedStock(_ context.Context) ([]domain.AggregatedStockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]domain.AggregatedStockRow, 0, len(s.itemsByID))
	for _, item := range s.itemsByID {
		total := s.stockSumLocked(item.ID)
		row := domain.AggregatedStockRow{
			Item:             item,
			TotalStock:       total,
			ReorderThreshold: item.ReorderThreshold,
		}
		if item.ReorderThreshold != nil {
			row.LowStock = total.LessThanOrEqual(*item.ReorderThreshold)
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b domain.AggregatedStockRow) int { return cmpInt64(a.Item.ID, b.Item.ID) })
	return rows, nil
}

func (s *Store) ListStockMovements(_ context.Context, itemID int64, limit int) ([]domain.StockLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.itemsByID[itemID]; !ok {
		return nil, store.ErrNotFound
	}
	result := make([]domain.StockLedgerEntry, 0, 32)
	for _, entry := range s.ledger {
		if entry.InventoryItemID == itemID {
			result = append(result, entry)
		}
	}
	slices.SortFunc(result, func(a, b domain.StockLedgerEntry) int { return cmpInt64(b.ID, a.ID) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CommitSale validates and applies the whole sale under one lock hold.
// Every write below the validation block either all happens or none of
// it does: validation never mutates, and the apply section cannot fail.
func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) (*store.SaleCommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, ok := s.visitsByID[commit.VisitID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if visit.ExitTime != nil {
		return nil, domain.ErrVisitClosed
	}
	client, ok := s.clientsByID[visit.ClientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	host, ok := s.hostsByID[commit.HostID]
	if !ok {
		return nil, store.ErrNotFound
	}

	catalog := make(map[int64]domain.Product, len(commit.Cart))
	for _, line := range commit.Cart {
		if p, exists := s.productsByID[line.ProductID]; exists && p.Active {
			catalog[line.ProductID] = p
		}
	}
	priced, err := pricing.Calculate(commit.Cart, catalog, host.CommissionRate)
	if err != nil {
		return nil, err
	}
	items := make(map[int64]domain.InventoryItem, len(s.itemsByID))
	for id, item := range s.itemsByID {
		items[id] = item
	}
	deductions, err := pricing.ResolveDeductions(commit.Cart, catalog, items)
	if err != nil {
		return nil, err
	}

	creditUsed, cashDue := pricing.Split(priced.TotalSaleAmount, visit.ConsumableCreditRemaining)
	now := commit.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	saleIDs := make([]int64, 0, len(priced.Lines))
	for i, line := range priced.Lines {
		sale := domain.Sale{
			ID:               s.nextIDLocked(),
			VisitID:          visit.ID,
			HostID:           host.ID,
			ProductID:        line.ProductID,
			StaffShiftID:     commit.StaffShiftID,
			Quantity:         line.Quantity,
			PriceAtSale:      line.PriceAtSale,
			CommissionEarned: line.CommissionEarned,
			PaidWithCredit:   decimal.Zero,
			PaidWithCashCard: decimal.Zero,
			CreatedAt:        now,
		}
		// The whole split rides on the first line; the set of lines per
		// visit is always read back together.
		if i == 0 {
			sale.PaidWithCredit = creditUsed
			sale.PaidWithCashCard = cashDue
		}
		s.salesByID[sale.ID] = sale
		saleIDs = append(saleIDs, sale.ID)
	}

	visit.ConsumableCreditRemaining = visit.ConsumableCreditRemaining.Sub(creditUsed)
	s.visitsByID[visit.ID] = visit

	client.LifetimeSpend = client.LifetimeSpend.Add(priced.TotalSaleAmount)
	client.LastVisitSpend = priced.TotalSaleAmount
	lastVisit := now
	client.LastVisitDate = &lastVisit
	s.clientsByID[client.ID] = client

	commission := domain.StaffCommission{
		ID:             s.nextIDLocked(),
		StaffID:        commit.StaffID,
		Amount:         priced.TotalSaleAmount.Mul(commit.StaffCommissionRate).Round(2),
		CommissionType: domain.CommissionTypeSale,
		CreatedAt:      now,
	}
	s.staffCommissions[commission.ID] = commission

	for _, d := range deductions {
		s.ledger = append(s.ledger, domain.StockLedgerEntry{
			ID:              s.nextIDLocked(),
			InventoryItemID: d.InventoryItemID,
			MovementType:    domain.MovementSaleDeduction,
			QuantityChange:  d.QuantityInSmallest.Neg(),
			Notes:           "sale deduction",
			CreatedAt:       now,
		})
	}

	for _, line := range priced.Lines {
		product := catalog[line.ProductID]
		if product.PartnerID == nil {
			continue
		}
		payout := domain.PartnerPayout{
			ID:        s.nextIDLocked(),
			PartnerID: *product.PartnerID,
			ProductID: product.ID,
			Amount:    product.CostPrice.Mul(line.Quantity),
			CreatedAt: now,
		}
		s.partnerPayouts[payout.ID] = payout
	}

	return &store.SaleCommitResult{
		SaleIDs:            saleIDs,
		TotalSaleAmount:    priced.TotalSaleAmount,
		CreditUsed:         creditUsed,
		CashDue:            cashDue,
		NewCreditRemaining: visit.ConsumableCreditRemaining,
	}, nil
}

func (s *Store) ListSalesByVisit(_ context.Context, visitID int64) ([]domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Sale, 0, 16)
	for _, sale := range s.salesByID {
		if sale.VisitID == visitID {
			result = append(result, sale)
		}
	}
	slices.SortFunc(result, func(a, b domain.Sale) int { return cmpInt64(a.ID, b.ID) })
	return result, nil
}

func (s *Store) CreatePromotion(_ context.Context, promo domain.Promotion) (*domain.Promotion, error) {
	if promo.Title == "" || promo.Body == "" || promo.ExpiresAt.IsZero() {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if promo.ProductID != nil {
		if _, ok := s.productsByID[*promo.ProductID]; !ok {
			return nil, store.ErrNotFound
		}
	}

	promo.ID = s.nextIDLocked()
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	s.promotionsByID[promo.ID] = promo
	created := promo
	return &created, nil
}

// ListPromotions returns every bulletin, soonest to expire last, the
// way the floor screens consume them.
func (s *Store) ListPromotions(_ context.Context) ([]domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promos := make([]domain.Promotion, 0, len(s.promotionsByID))
	for _, promo := range s.promotionsByID {
		promos = append(promos, promo)
	}
	slices.SortFunc(promos, func(a, b domain.Promotion) int {
		if c := b.ExpiresAt.Compare(a.ExpiresAt); c != 0 {
			return c
		}
		return cmpInt64(a.ID, b.ID)
	})
	return promos, nil
}

func (s *Store) CreatePartner(_ context.Context, partner domain.Partner) (*domain.Partner, error) {
	if partner.Name == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partner.ID = s.nextIDLocked()
	if partner.CreatedAt.IsZero() {
		partner.CreatedAt = time.Now().UTC()
	}
	s.partnersByID[partner.ID] = partner
	created := partner
	return &created, nil
}

func (s *Store) ListPartners(_ context.Context) ([]domain.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partners := make([]domain.Partner, 0, len(s.partnersByID))
	for _, partner := range s.partnersByID {
		partners = append(partners, partner)
	}
	slices.SortFunc(partners, func(a, b domain.Partner) int { return cmpInt64(a.ID, b.ID) })
	return partners, nil
}

func (s *Store) ListUnpaidStaffCommissions(_ context.Context) ([]domain.StaffCommission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.StaffCommission, 0, 16)
	for _, c := range s.staffCommissions {
		if !c.IsPaidOut {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b domain.StaffCommission) int { return cmpInt64(a.ID, b.ID) })
	return result, nil
}

func (s *Store) ListUnpaidPartnerPayouts(_ context.Context) ([]domain.PartnerPayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.PartnerPayout, 0, 16)
	for _, p := range s.partnerPayouts {
		if !p.IsPaidOut {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b domain.PartnerPayout) int { return cmpInt64(a.ID, b.ID) })
	return result, nil
}

func (s *Store) HostUnpaidSummaries(_ context.Context) ([]domain.HostUnpaidSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHost := map[int64]*domain.HostUnpaidSummary{}
	for _, sale := range s.salesByID {
		summary := byHost[sale.HostID]
		if summary == nil {
			name := ""
			if host, ok := s.hostsByID[sale.HostID]; ok {
				name = host.StageName
			}
			summary = &domain.HostUnpaidSummary{HostID: sale.HostID, StageName: name, UnpaidAmount: decimal.Zero}
			byHost[sale.HostID] = summary
		}
		summary.UnpaidAmount = summary.UnpaidAmount.Add(sale.CommissionEarned)
		summary.SaleCount++
	}
	result := make([]domain.HostUnpaidSummary, 0, len(byHost))
	for _, summary := range byHost {
		result = append(result, *summary)
	}
	slices.SortFunc(result, func(a, b domain.HostUnpaidSummary) int { return cmpInt64(a.HostID, b.HostID) })
	return result, nil
}

func (s *Store) MarkStaffCommissionPaid(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.staffCommissions[id]
	if !ok {
		return store.ErrNotFound
	}
	if c.IsPaidOut {
		return store.ErrInvalidRequest
	}
	c.IsPaidOut = true
	c.PaidOutAt = &at
	s.staffCommissions[id] = c
	return nil
}

func (s *Store) MarkPartnerPayoutPaid(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partnerPayouts[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.IsPaidOut {
		return store.ErrInvalidRequest
	}
	p.IsPaidOut = true
	p.PaidOutAt = &at
	s.partnerPayouts[id] = p
	return nil
}

func cmpInt64(a, b int64) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
