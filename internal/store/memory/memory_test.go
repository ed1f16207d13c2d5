package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"clubops/backend/internal/domain"
	"clubops/backend/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func productByName(t *testing.T, s *Store, name string) domain.Product {
	t.Helper()
	products, err := s.ListProducts(context.Background(), true)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, p := range products {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("seed product %q not found", name)
	return domain.Product{}
}

func hostByName(t *testing.T, s *Store, name string) domain.Host {
	t.Helper()
	hosts, err := s.ListHosts(context.Background(), true)
	if err != nil {
		t.Fatalf("list hosts: %v", err)
	}
	for _, h := range hosts {
		if h.StageName == name {
			return h
		}
	}
	t.Fatalf("seed host %q not found", name)
	return domain.Host{}
}

func openVisit(t *testing.T, s *Store, credit string) (domain.Visit, domain.Client) {
	t.Helper()
	ctx := context.Background()

	client, err := s.CreateClient(ctx, domain.Client{Name: "Test Client"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	visit, err := s.CreateVisit(ctx, domain.Visit{
		ClientID:              client.ID,
		EntryTime:             time.Now().UTC(),
		EntryFeePaid:          dec("20"),
		ConsumableCreditTotal: dec(credit),
	})
	if err != nil {
		t.Fatalf("create visit: %v", err)
	}
	return *visit, *client
}

func TestCommitSaleAppliesEverything(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, client := openVisit(t, s, "100.00")
	vodka := productByName(t, s, "Vodka Shot")
	champagne := productByName(t, s, "Champagne Bottle")
	host := hostByName(t, s, "Valentina")

	vodkaStockBefore, _ := s.CurrentStock(ctx, *vodka.InventoryItemID)

	result, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID:      visit.ID,
		HostID:       host.ID,
		StaffID:      2,
		StaffShiftID: 77,
		Cart: []domain.CartLine{
			{ProductID: vodka.ID, Quantity: dec("2")},
			{ProductID: champagne.ID, Quantity: dec("1")},
		},
		StaffCommissionRate: dec("0.02"),
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}

	if !result.TotalSaleAmount.Equal(dec("198.00")) {
		t.Fatalf("expected total 198.00, got %s", result.TotalSaleAmount)
	}
	if !result.CreditUsed.Equal(dec("100.00")) || !result.CashDue.Equal(dec("98.00")) {
		t.Fatalf("unexpected split: credit=%s cash=%s", result.CreditUsed, result.CashDue)
	}
	if !result.NewCreditRemaining.IsZero() {
		t.Fatalf("expected credit exhausted, got %s", result.NewCreditRemaining)
	}

	sales, err := s.ListSalesByVisit(ctx, visit.ID)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 2 {
		t.Fatalf("expected 2 sale rows, got %d", len(sales))
	}
	if !sales[0].PaidWithCredit.Equal(dec("100.00")) || !sales[0].PaidWithCashCard.Equal(dec("98.00")) {
		t.Fatalf("first line should carry the split, got credit=%s cash=%s", sales[0].PaidWithCredit, sales[0].PaidWithCashCard)
	}
	if !sales[1].PaidWithCredit.IsZero() || !sales[1].PaidWithCashCard.IsZero() {
		t.Fatalf("second line should carry zero split")
	}
	splitSum := decimal.Zero
	for _, sale := range sales {
		splitSum = splitSum.Add(sale.PaidWithCredit).Add(sale.PaidWithCashCard)
	}
	if !splitSum.Equal(result.TotalSaleAmount) {
		t.Fatalf("split rows do not sum to total: %s != %s", splitSum, result.TotalSaleAmount)
	}

	// Host commission is snapshotted per line from the host's rate.
	if !sales[0].CommissionEarned.Equal(dec("1.80")) {
		t.Fatalf("expected vodka line commission 1.80, got %s", sales[0].CommissionEarned)
	}
	if !sales[1].CommissionEarned.Equal(dec("18.00")) {
		t.Fatalf("expected champagne line commission 18.00, got %s", sales[1].CommissionEarned)
	}

	updated, err := s.GetClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if !updated.LifetimeSpend.Equal(dec("198.00")) || !updated.LastVisitSpend.Equal(dec("198.00")) {
		t.Fatalf("client stats not updated: lifetime=%s last=%s", updated.LifetimeSpend, updated.LastVisitSpend)
	}
	if updated.LastVisitDate == nil {
		t.Fatalf("expected last visit date set")
	}
	if updated.TotalVisits != 1 {
		t.Fatalf("sale must not change visit count, got %d", updated.TotalVisits)
	}

	commissions, err := s.ListUnpaidStaffCommissions(ctx)
	if err != nil {
		t.Fatalf("list commissions: %v", err)
	}
	if len(commissions) != 1 {
		t.Fatalf("expected 1 staff commission, got %d", len(commissions))
	}
	if !commissions[0].Amount.Equal(dec("3.96")) {
		t.Fatalf("expected staff commission 3.96, got %s", commissions[0].Amount)
	}

	vodkaStockAfter, _ := s.CurrentStock(ctx, *vodka.InventoryItemID)
	if !vodkaStockBefore.Sub(vodkaStockAfter).Equal(dec("80")) {
		t.Fatalf("expected 80 ml deducted, got %s", vodkaStockBefore.Sub(vodkaStockAfter))
	}

	movements, err := s.ListStockMovements(ctx, *vodka.InventoryItemID, 1)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if movements[0].MovementType != domain.MovementSaleDeduction || !movements[0].QuantityChange.Equal(dec("-80")) {
		t.Fatalf("expected sale_deduction of -80, got %s %s", movements[0].MovementType, movements[0].QuantityChange)
	}

	payouts, err := s.ListUnpaidPartnerPayouts(ctx)
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	if len(payouts) != 0 {
		t.Fatalf("house products must not accrue partner payouts")
	}
}

func TestCommitSaleConsignmentAccruesPartnerPayout(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, _ := openVisit(t, s, "0")
	cigar := productByName(t, s, "Cigar Seleccion")
	host := hostByName(t, s, "Isadora")

	result, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID:             visit.ID,
		HostID:              host.ID,
		StaffID:             2,
		StaffShiftID:        1,
		Cart:                []domain.CartLine{{ProductID: cigar.ID, Quantity: dec("3")}},
		StaffCommissionRate: dec("0.02"),
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if !result.CashDue.Equal(dec("105.00")) {
		t.Fatalf("expected all cash with zero credit, got %s", result.CashDue)
	}

	payouts, err := s.ListUnpaidPartnerPayouts(ctx)
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("expected 1 partner payout, got %d", len(payouts))
	}
	if payouts[0].PartnerID != *cigar.PartnerID {
		t.Fatalf("payout attributed to wrong partner")
	}
	if !payouts[0].Amount.Equal(dec("42.00")) {
		t.Fatalf("expected payout 14.00 x 3 = 42.00, got %s", payouts[0].Amount)
	}
}

func TestCommitSaleRejectsClosedVisit(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, _ := openVisit(t, s, "50")
	vodka := productByName(t, s, "Vodka Shot")
	host := hostByName(t, s, "Valentina")

	if _, _, err := s.CloseVisit(ctx, visit.ID, time.Now().UTC()); err != nil {
		t.Fatalf("close visit: %v", err)
	}

	_, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID:             visit.ID,
		HostID:              host.ID,
		Cart:                []domain.CartLine{{ProductID: vodka.ID, Quantity: dec("1")}},
		StaffCommissionRate: dec("0.02"),
	})
	if !errors.Is(err, domain.ErrVisitClosed) {
		t.Fatalf("expected ErrVisitClosed, got %v", err)
	}
}

// A cart with one good line and one line whose product points at a
// missing backing item must fail without writing anything.
func TestCommitSaleLeavesNoResidueOnFailure(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, client := openVisit(t, s, "100")
	vodka := productByName(t, s, "Vodka Shot")
	host := hostByName(t, s, "Valentina")

	s.mu.Lock()
	poisoned := vodka
	poisoned.ID = s.nextIDLocked()
	poisoned.Name = "Phantom Pour"
	bogus := int64(999999)
	poisoned.InventoryItemID = &bogus
	s.productsByID[poisoned.ID] = poisoned
	ledgerBefore := len(s.ledger)
	salesBefore := len(s.salesByID)
	s.mu.Unlock()

	_, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID: visit.ID,
		HostID:  host.ID,
		Cart: []domain.CartLine{
			{ProductID: vodka.ID, Quantity: dec("1")},
			{ProductID: poisoned.ID, Quantity: dec("1")},
		},
		StaffCommissionRate: dec("0.02"),
	})
	if !errors.Is(err, domain.ErrUnresolvedBackingItem) {
		t.Fatalf("expected ErrUnresolvedBackingItem, got %v", err)
	}

	after, err := s.GetVisit(ctx, visit.ID)
	if err != nil {
		t.Fatalf("get visit: %v", err)
	}
	if !after.ConsumableCreditRemaining.Equal(dec("100")) {
		t.Fatalf("credit must be untouched, got %s", after.ConsumableCreditRemaining)
	}

	updated, _ := s.GetClient(ctx, client.ID)
	if !updated.LifetimeSpend.IsZero() {
		t.Fatalf("client stats must be untouched, got %s", updated.LifetimeSpend)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ledger) != ledgerBefore {
		t.Fatalf("ledger grew on failed sale")
	}
	if len(s.salesByID) != salesBefore {
		t.Fatalf("sale rows written on failed sale")
	}
	if len(s.staffCommissions) != 0 || len(s.partnerPayouts) != 0 {
		t.Fatalf("accruals written on failed sale")
	}
}

func TestCommitSaleAllowsNegativeStockAndFlagsLow(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, _ := openVisit(t, s, "0")
	vodka := productByName(t, s, "Vodka Shot")
	host := hostByName(t, s, "Valentina")

	stock, _ := s.CurrentStock(ctx, *vodka.InventoryItemID)
	if _, err := s.AppendStockMovement(ctx, domain.StockLedgerEntry{
		InventoryItemID: *vodka.InventoryItemID,
		MovementType:    domain.MovementWaste,
		QuantityChange:  stock.Neg(),
		Notes:           "spill",
	}); err != nil {
		t.Fatalf("append waste: %v", err)
	}

	if _, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID:             visit.ID,
		HostID:              host.ID,
		Cart:                []domain.CartLine{{ProductID: vodka.ID, Quantity: dec("2")}},
		StaffCommissionRate: dec("0.02"),
	}); err != nil {
		t.Fatalf("sale must commit even past zero stock: %v", err)
	}

	after, _ := s.CurrentStock(ctx, *vodka.InventoryItemID)
	if !after.Equal(dec("-80")) {
		t.Fatalf("expected stock -80, got %s", after)
	}

	rows, err := s.AggregatedStock(ctx)
	if err != nil {
		t.Fatalf("aggregated stock: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.Item.ID == *vodka.InventoryItemID {
			found = true
			if !row.LowStock {
				t.Fatalf("negative stock must flag low stock")
			}
		}
	}
	if !found {
		t.Fatalf("vodka item missing from aggregation")
	}
}

// The current stock of an item is a signed sum, so the order the
// movements arrived in must not matter.
func TestLedgerSumIsOrderIndependent(t *testing.T) {
	movements := []string{"750", "-40", "1500", "-750", "-80", "2250", "-1", "120"}

	total := func(order []string) decimal.Decimal {
		s := NewSeeded()
		ctx := context.Background()
		item, err := s.CreateInventoryItem(ctx, domain.InventoryItem{Name: "Check Item", StorageUnitSizeInSmallest: dec("1")})
		if err != nil {
			t.Fatalf("create item: %v", err)
		}
		for _, q := range order {
			if _, err := s.AppendStockMovement(ctx, domain.StockLedgerEntry{
				InventoryItemID: item.ID,
				MovementType:    domain.MovementAdjustment,
				QuantityChange:  dec(q),
			}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		sum, err := s.CurrentStock(ctx, item.ID)
		if err != nil {
			t.Fatalf("current stock: %v", err)
		}
		return sum
	}

	want := total(movements)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := append([]string(nil), movements...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := total(shuffled); !got.Equal(want) {
			t.Fatalf("order %v changed the sum: %s != %s", shuffled, got, want)
		}
	}
}

// An item with no ledger entries still shows up in the overview at
// zero, and reading the overview changes nothing.
func TestAggregatedStockReportsUnmovedItemsAtZero(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	threshold := dec("10")
	item, err := s.CreateInventoryItem(ctx, domain.InventoryItem{
		Name:                      "Untouched Gin",
		StorageUnitSizeInSmallest: dec("700"),
		ReorderThreshold:          &threshold,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	rows, err := s.AggregatedStock(ctx)
	if err != nil {
		t.Fatalf("aggregated stock: %v", err)
	}
	var found *domain.AggregatedStockRow
	for i := range rows {
		if rows[i].Item.ID == item.ID {
			found = &rows[i]
		}
	}
	if found == nil {
		t.Fatalf("item with no movements omitted from overview")
	}
	if !found.TotalStock.IsZero() {
		t.Fatalf("expected zero stock, got %s", found.TotalStock)
	}
	if !found.LowStock {
		t.Fatalf("zero stock under a threshold of 10 must flag low")
	}

	again, err := s.AggregatedStock(ctx)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(again) != len(rows) {
		t.Fatalf("overview changed between reads: %d rows then %d", len(rows), len(again))
	}
	for i := range rows {
		if again[i].Item.ID != rows[i].Item.ID {
			t.Fatalf("row %d changed item between reads", i)
		}
		if !again[i].TotalStock.Equal(rows[i].TotalStock) {
			t.Fatalf("row %d stock changed between reads: %s then %s", i, rows[i].TotalStock, again[i].TotalStock)
		}
		if again[i].LowStock != rows[i].LowStock {
			t.Fatalf("row %d low flag changed between reads", i)
		}
	}
}

func TestConcurrentSalesSerializeOnVisitCredit(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, _ := openVisit(t, s, "100.00")
	lounge := productByName(t, s, "Private Lounge Hour")
	host := hostByName(t, s, "Valentina")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitSale(ctx, store.SaleCommit{
				VisitID:             visit.ID,
				HostID:              host.ID,
				Cart:                []domain.CartLine{{ProductID: lounge.ID, Quantity: dec("0.5")}},
				StaffCommissionRate: dec("0.02"),
			})
			if err != nil {
				t.Errorf("commit sale: %v", err)
			}
		}()
	}
	wg.Wait()

	after, _ := s.GetVisit(ctx, visit.ID)
	if !after.ConsumableCreditRemaining.IsZero() {
		t.Fatalf("expected credit fully consumed, got %s", after.ConsumableCreditRemaining)
	}

	sales, _ := s.ListSalesByVisit(ctx, visit.ID)
	creditSum := decimal.Zero
	cashSum := decimal.Zero
	for _, sale := range sales {
		creditSum = creditSum.Add(sale.PaidWithCredit)
		cashSum = cashSum.Add(sale.PaidWithCashCard)
	}
	if !creditSum.Equal(dec("100.00")) {
		t.Fatalf("expected 100.00 credit across sales, got %s", creditSum)
	}
	if !creditSum.Add(cashSum).Equal(dec("120.00")) {
		t.Fatalf("split rows must conserve the total, got %s", creditSum.Add(cashSum))
	}
}

func TestCloseVisitRecomputesAverageSpend(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, client := openVisit(t, s, "0")
	lounge := productByName(t, s, "Private Lounge Hour")
	host := hostByName(t, s, "Valentina")

	if _, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID:             visit.ID,
		HostID:              host.ID,
		Cart:                []domain.CartLine{{ProductID: lounge.ID, Quantity: dec("1")}},
		StaffCommissionRate: dec("0.02"),
	}); err != nil {
		t.Fatalf("commit sale: %v", err)
	}

	closed, updated, err := s.CloseVisit(ctx, visit.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("close visit: %v", err)
	}
	if closed.ExitTime == nil {
		t.Fatalf("expected exit time set")
	}
	if !updated.AvgSpendPerVisit.Equal(dec("120.00")) {
		t.Fatalf("expected avg spend 120.00 over 1 visit, got %s", updated.AvgSpendPerVisit)
	}

	if _, _, err := s.CloseVisit(ctx, visit.ID, time.Now().UTC()); !errors.Is(err, domain.ErrVisitClosed) {
		t.Fatalf("expected ErrVisitClosed on second close, got %v", err)
	}

	// A second visit halves nothing: lifetime 240 over 2 visits.
	second, err := s.CreateVisit(ctx, domain.Visit{ClientID: client.ID, EntryTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create second visit: %v", err)
	}
	if _, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID:             second.ID,
		HostID:              host.ID,
		Cart:                []domain.CartLine{{ProductID: lounge.ID, Quantity: dec("1")}},
		StaffCommissionRate: dec("0.02"),
	}); err != nil {
		t.Fatalf("commit second sale: %v", err)
	}
	_, updated, err = s.CloseVisit(ctx, second.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("close second visit: %v", err)
	}
	if !updated.AvgSpendPerVisit.Equal(dec("120.00")) {
		t.Fatalf("expected avg spend 240/2 = 120.00, got %s", updated.AvgSpendPerVisit)
	}
}

func TestMarkPaidFlipsExactlyOnce(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	visit, _ := openVisit(t, s, "0")
	cigar := productByName(t, s, "Cigar Seleccion")
	host := hostByName(t, s, "Valentina")

	if _, err := s.CommitSale(ctx, store.SaleCommit{
		VisitID:             visit.ID,
		HostID:              host.ID,
		StaffID:             2,
		Cart:                []domain.CartLine{{ProductID: cigar.ID, Quantity: dec("1")}},
		StaffCommissionRate: dec("0.02"),
	}); err != nil {
		t.Fatalf("commit sale: %v", err)
	}

	commissions, _ := s.ListUnpaidStaffCommissions(ctx)
	if len(commissions) != 1 {
		t.Fatalf("expected 1 commission, got %d", len(commissions))
	}
	payouts, _ := s.ListUnpaidPartnerPayouts(ctx)
	if len(payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(payouts))
	}

	now := time.Now().UTC()
	if err := s.MarkStaffCommissionPaid(ctx, commissions[0].ID, now); err != nil {
		t.Fatalf("mark commission paid: %v", err)
	}
	if err := s.MarkStaffCommissionPaid(ctx, commissions[0].ID, now); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected second flip to fail, got %v", err)
	}
	if err := s.MarkPartnerPayoutPaid(ctx, payouts[0].ID, now); err != nil {
		t.Fatalf("mark payout paid: %v", err)
	}
	if err := s.MarkPartnerPayoutPaid(ctx, payouts[0].ID, now); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected second flip to fail, got %v", err)
	}

	remaining, _ := s.ListUnpaidStaffCommissions(ctx)
	if len(remaining) != 0 {
		t.Fatalf("paid commission still listed as unpaid")
	}
	if payouts, _ = s.ListUnpaidPartnerPayouts(ctx); len(payouts) != 0 {
		t.Fatalf("paid payout still listed as unpaid")
	}
}
