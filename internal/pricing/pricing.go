// Package pricing holds the pure calculators behind a sale: line
// pricing with host commission snapshots, the credit/cash payment
// split, and the mapping from sold products to inventory deductions.
// Nothing here performs I/O; the orchestrator feeds it catalog state
// read inside its own transaction.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"clubops/backend/internal/domain"
)

// LineSnapshot captures the price and commission for one cart line at
// calculation time. These values are persisted verbatim on the Sale
// row and never recomputed, even if the product changes later.
type LineSnapshot struct {
	ProductID        int64
	Quantity         decimal.Decimal
	PriceAtSale      decimal.Decimal
	LineTotal        decimal.Decimal
	CommissionEarned decimal.Decimal
}

type Result struct {
	Lines           []LineSnapshot
	TotalSaleAmount decimal.Decimal
	TotalCommission decimal.Decimal
}

// Calculate prices an ordered cart against a catalog subset and a host
// commission rate. Any cart line whose product is absent from the
// catalog fails the whole calculation; a quantity <= 0 on any line is
// rejected before prices are touched.
func Calculate(cart []domain.CartLine, catalog map[int64]domain.Product, hostRate decimal.Decimal) (Result, error) {
	res := Result{
		Lines:           make([]LineSnapshot, 0, len(cart)),
		TotalSaleAmount: decimal.Zero,
		TotalCommission: decimal.Zero,
	}
	for _, line := range cart {
		if line.Quantity.Sign() <= 0 {
			return Result{}, fmt.Errorf("product %d: %w", line.ProductID, domain.ErrInvalidQuantity)
		}
		product, ok := catalog[line.ProductID]
		if !ok {
			return Result{}, fmt.Errorf("product %d: %w", line.ProductID, domain.ErrUnknownProduct)
		}
		lineTotal := product.SalePrice.Mul(line.Quantity)
		commission := lineTotal.Mul(hostRate)
		res.Lines = append(res.Lines, LineSnapshot{
			ProductID:        line.ProductID,
			Quantity:         line.Quantity,
			PriceAtSale:      product.SalePrice,
			LineTotal:        lineTotal,
			CommissionEarned: commission,
		})
		res.TotalSaleAmount = res.TotalSaleAmount.Add(lineTotal)
		res.TotalCommission = res.TotalCommission.Add(commission)
	}
	return res, nil
}

// Split divides a total due between the visit's remaining consumable
// credit and cash. creditUsed + cashDue always equals totalDue exactly
// and both legs are non-negative.
func Split(totalDue, creditAvailable decimal.Decimal) (creditUsed, cashDue decimal.Decimal) {
	if totalDue.Sign() <= 0 {
		return decimal.Zero, decimal.Zero
	}
	if creditAvailable.Sign() < 0 {
		creditAvailable = decimal.Zero
	}
	creditUsed = decimal.Min(creditAvailable, totalDue)
	cashDue = totalDue.Sub(creditUsed)
	return creditUsed, cashDue
}

// Deduction is a pending stock-ledger write: the positive magnitude of
// smallest units a sold line consumes from its backing item.
type Deduction struct {
	ProductID          int64
	InventoryItemID    int64
	QuantityInSmallest decimal.Decimal
}

// ResolveDeductions maps cart lines to inventory deductions. Products
// with no inventory linkage are menu-only entries and are skipped. A
// linkage pointing at an item absent from the supplied item set means
// the item was deleted out from under the catalog; that aborts the
// sale rather than silently dropping the deduction.
func ResolveDeductions(cart []domain.CartLine, catalog map[int64]domain.Product, items map[int64]domain.InventoryItem) ([]Deduction, error) {
	deductions := make([]Deduction, 0, len(cart))
	for _, line := range cart {
		product, ok := catalog[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %d: %w", line.ProductID, domain.ErrUnknownProduct)
		}
		if product.InventoryItemID == nil {
			continue
		}
		itemID := *product.InventoryItemID
		if _, ok := items[itemID]; !ok {
			return nil, fmt.Errorf("product %d -> item %d: %w", line.ProductID, itemID, domain.ErrUnresolvedBackingItem)
		}
		qty := product.DeductionAmountInSmallest.Mul(line.Quantity)
		if qty.Sign() <= 0 {
			continue
		}
		deductions = append(deductions, Deduction{
			ProductID:          line.ProductID,
			InventoryItemID:    itemID,
			QuantityInSmallest: qty,
		})
	}
	return deductions, nil
}
