package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"clubops/backend/internal/domain"
	"clubops/backend/internal/pricing"
	"clubops/backend/internal/store"
)

const saleCommitAttempts = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListStaff(ctx context.Context, activeOnly bool) ([]domain.Staff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, pin_hash, active, created_at
		FROM staff
		WHERE ($1 = false OR active = true)
		ORDER BY id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	staff := make([]domain.Staff, 0, 32)
	for rows.Next() {
		var m domain.Staff
		if err := rows.Scan(&m.ID, &m.Name, &m.Role, &m.PINHash, &m.Active, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		staff = append(staff, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return staff, nil
}

func (s *Store) GetStaff(ctx context.Context, id int64) (*domain.Staff, error) {
	var m domain.Staff
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, pin_hash, active, created_at
		FROM staff
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Role, &m.PINHash, &m.Active, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *Store) CreateStaff(ctx context.Context, staff domain.Staff) (*domain.Staff, error) {
	if staff.Name == "" || staff.Role == "" || staff.PINHash == "" {
		return nil, store.ErrInvalidRequest
	}
	if staff.CreatedAt.IsZero() {
		staff.CreatedAt = time.Now().UTC()
	}
	staff.Active = true

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO staff (name, role, pin_hash, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, staff.Name, staff.Role, staff.PINHash, staff.Active, staff.CreatedAt).Scan(&staff.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}
	created := staff
	return &created, nil
}

func (s *Store) OpenStaffShift(ctx context.Context, staffID int64, at time.Time) (*domain.StaffShift, error) {
	shift := domain.StaffShift{StaffID: staffID, StartedAt: at}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO staff_shifts (staff_id, started_at)
		VALUES ($1,$2)
		RETURNING id
	`, staffID, at).Scan(&shift.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &shift, nil
}

func (s *Store) CloseStaffShift(ctx context.Context, shiftID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE staff_shifts
		SET ended_at = $2
		WHERE id = $1 AND ended_at IS NULL
	`, shiftID, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetStaffShift(ctx context.Context, shiftID int64) (*domain.StaffShift, error) {
	var shift domain.StaffShift
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, staff_id, started_at, ended_at
		FROM staff_shifts
		WHERE id = $1
	`, shiftID).Scan(&shift.ID, &shift.StaffID, &shift.StartedAt, &ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.StartedAt = shift.StartedAt.UTC()
	if ended.Valid {
		at := ended.Time.UTC()
		shift.EndedAt = &at
	}
	return &shift, nil
}

func (s *Store) CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error) {
	if client.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	client.LifetimeSpend = decimal.Zero
	client.LastVisitSpend = decimal.Zero
	client.AvgSpendPerVisit = decimal.Zero

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO clients (name, lifetime_spend, last_visit_spend, total_visits, avg_spend_per_visit, created_at)
		VALUES ($1,0,0,0,0,$2)
		RETURNING id
	`, client.Name, client.CreatedAt).Scan(&client.ID)
	if err != nil {
		return nil, err
	}
	created := client
	return &created, nil
}

func (s *Store) GetClient(ctx context.Context, id int64) (*domain.Client, error) {
	var client domain.Client
	var lastVisit sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, lifetime_spend, last_visit_spend, last_visit_date, total_visits, avg_spend_per_visit, created_at
		FROM clients
		WHERE id = $1
	`, id).Scan(&client.ID, &client.Name, &client.LifetimeSpend, &client.LastVisitSpend, &lastVisit, &client.TotalVisits, &client.AvgSpendPerVisit, &client.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	client.CreatedAt = client.CreatedAt.UTC()
	if lastVisit.Valid {
		at := lastVisit.Time.UTC()
		client.LastVisitDate = &at
	}
	return &client, nil
}

func (s *Store) CreateVisit(ctx context.Context, visit domain.Visit) (*domain.Visit, error) {
	if visit.ConsumableCreditTotal.Sign() < 0 || visit.EntryFeePaid.Sign() < 0 {
		return nil, store.ErrInvalidRequest
	}
	if visit.EntryTime.IsZero() {
		visit.EntryTime = time.Now().UTC()
	}
	visit.ExitTime = nil
	visit.ConsumableCreditRemaining = visit.ConsumableCreditTotal

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO visits (client_id, entry_time, entry_fee_paid, consumable_credit_total, consumable_credit_remaining, environment)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, visit.ClientID, visit.EntryTime, visit.EntryFeePaid, visit.ConsumableCreditTotal, visit.ConsumableCreditRemaining, nullIfEmpty(visit.Environment)).Scan(&visit.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE clients
		SET total_visits = total_visits + 1
		WHERE id = $1
	`, visit.ClientID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := visit
	return &created, nil
}

func (s *Store) GetVisit(ctx context.Context, id int64) (*domain.Visit, error) {
	visit, err := scanVisit(s.db.QueryRowContext(ctx, `
		SELECT id, client_id, entry_time, exit_time, entry_fee_paid,
			consumable_credit_total, consumable_credit_remaining, COALESCE(environment,'')
		FROM visits
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return visit, nil
}

func (s *Store) CloseVisit(ctx context.Context, visitID int64, at time.Time) (*domain.Visit, *domain.Client, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	visit, err := scanVisit(tx.QueryRowContext(ctx, `
		SELECT id, client_id, entry_time, exit_time, entry_fee_paid,
			consumable_credit_total, consumable_credit_remaining, COALESCE(environment,'')
		FROM visits
		WHERE id = $1
		FOR UPDATE
	`, visitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if visit.ExitTime != nil {
		return nil, nil, domain.ErrVisitClosed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE visits
		SET exit_time = $2
		WHERE id = $1
	`, visitID, at)
	if err != nil {
		return nil, nil, err
	}

	var client domain.Client
	var lastVisit sql.NullTime
	err = tx.QueryRowContext(ctx, `
		UPDATE clients
		SET avg_spend_per_visit = CASE WHEN total_visits > 0
			THEN ROUND(lifetime_spend / total_visits, 2)
			ELSE 0 END
		WHERE id = $1
		RETURNING id, name, lifetime_spend, last_visit_spend, last_visit_date, total_visits, avg_spend_per_visit, created_at
	`, visit.ClientID).Scan(&client.ID, &client.Name, &client.LifetimeSpend, &client.LastVisitSpend, &lastVisit, &client.TotalVisits, &client.AvgSpendPerVisit, &client.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	client.CreatedAt = client.CreatedAt.UTC()
	if lastVisit.Valid {
		lv := lastVisit.Time.UTC()
		client.LastVisitDate = &lv
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	closedAt := at.UTC()
	visit.ExitTime = &closedAt
	return visit, &client, nil
}

func (s *Store) ListActiveVisits(ctx context.Context) ([]domain.LiveVisit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.client_id, v.entry_time, v.exit_time, v.entry_fee_paid,
			v.consumable_credit_total, v.consumable_credit_remaining, COALESCE(v.environment,''),
			c.name
		FROM visits v
		JOIN clients c ON c.id = v.client_id
		WHERE v.exit_time IS NULL
		ORDER BY v.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.LiveVisit, 0, 32)
	for rows.Next() {
		var lv domain.LiveVisit
		var exit sql.NullTime
		if err := rows.Scan(&lv.Visit.ID, &lv.Visit.ClientID, &lv.Visit.EntryTime, &exit, &lv.Visit.EntryFeePaid,
			&lv.Visit.ConsumableCreditTotal, &lv.Visit.ConsumableCreditRemaining, &lv.Visit.Environment, &lv.ClientName); err != nil {
			return nil, err
		}
		lv.Visit.EntryTime = lv.Visit.EntryTime.UTC()
		result = append(result, lv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateHost(ctx context.Context, host domain.Host) (*domain.Host, error) {
	if host.StageName == "" || host.CommissionRate.Sign() <= 0 || host.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, store.ErrInvalidRequest
	}
	host.Active = true
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO hosts (stage_name, commission_rate, base_rate, active)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, host.StageName, host.CommissionRate, host.BaseRate, host.Active).Scan(&host.ID)
	if err != nil {
		return nil, err
	}
	created := host
	return &created, nil
}

func (s *Store) GetHost(ctx context.Context, id int64) (*domain.Host, error) {
	var host domain.Host
	err := s.db.QueryRowContext(ctx, `
		SELECT id, stage_name, commission_rate, base_rate, active
		FROM hosts
		WHERE id = $1
	`, id).Scan(&host.ID, &host.StageName, &host.CommissionRate, &host.BaseRate, &host.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &host, nil
}

func (s *Store) ListHosts(ctx context.Context, activeOnly bool) ([]domain.Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage_name, commission_rate, base_rate, active
		FROM hosts
		WHERE ($1 = false OR active = true)
		ORDER BY id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hosts := make([]domain.Host, 0, 32)
	for rows.Next() {
		var host domain.Host
		if err := rows.Scan(&host.ID, &host.StageName, &host.CommissionRate, &host.BaseRate, &host.Active); err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (s *Store) OpenHostShift(ctx context.Context, hostID int64, at time.Time) (*domain.HostShift, error) {
	var open int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM host_shifts WHERE host_id = $1 AND ended_at IS NULL
	`, hostID).Scan(&open)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, store.ErrInvalidRequest
	}

	shift := domain.HostShift{HostID: hostID, StartedAt: at}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO host_shifts (host_id, started_at)
		VALUES ($1,$2)
		RETURNING id
	`, hostID, at).Scan(&shift.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &shift, nil
}

func (s *Store) CloseHostShift(ctx context.Context, shiftID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE host_shifts
		SET ended_at = $2
		WHERE id = $1 AND ended_at IS NULL
	`, shiftID, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListAvailableHosts(ctx context.Context) ([]domain.Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT h.id, h.stage_name, h.commission_rate, h.base_rate, h.active
		FROM hosts h
		JOIN host_shifts hs ON hs.host_id = h.id AND hs.ended_at IS NULL
		WHERE h.active = true
		ORDER BY h.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hosts := make([]domain.Host, 0, 16)
	for rows.Next() {
		var host domain.Host
		if err := rows.Scan(&host.ID, &host.StageName, &host.CommissionRate, &host.BaseRate, &host.Active); err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.SalePrice.Sign() < 0 || product.CostPrice.Sign() < 0 {
		return nil, store.ErrInvalidRequest
	}
	product.Active = true
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, category, cost_price, sale_price, inventory_item_id, deduction_amount_in_smallest, partner_id, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, product.Name, product.Category, product.CostPrice, product.SalePrice, nullInt64(product.InventoryItemID), product.DeductionAmountInSmallest, nullInt64(product.PartnerID), product.Active).Scan(&product.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, cost_price, sale_price, inventory_item_id, deduction_amount_in_smallest, partner_id, active
		FROM products
		WHERE ($1 = false OR active = true)
		ORDER BY category, name
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreatePromotion(ctx context.Context, promo domain.Promotion) (*domain.Promotion, error) {
	if promo.Title == "" || promo.Body == "" || promo.ExpiresAt.IsZero() {
		return nil, store.ErrInvalidRequest
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO promotions (title, body, bonus_offer, product_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, promo.Title, promo.Body, nullIfEmpty(promo.BonusOffer), nullInt64(promo.ProductID), promo.ExpiresAt, promo.CreatedAt).Scan(&promo.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := promo
	return &created, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body, bonus_offer, product_id, expires_at, created_at
		FROM promotions
		ORDER BY expires_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	promos := make([]domain.Promotion, 0, 16)
	for rows.Next() {
		var promo domain.Promotion
		var bonus sql.NullString
		var productID sql.NullInt64
		if err := rows.Scan(&promo.ID, &promo.Title, &promo.Body, &bonus, &productID, &promo.ExpiresAt, &promo.CreatedAt); err != nil {
			return nil, err
		}
		if bonus.Valid {
			promo.BonusOffer = bonus.String
		}
		if productID.Valid {
			id := productID.Int64
			promo.ProductID = &id
		}
		promos = append(promos, promo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return promos, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, cost_price, sale_price, inventory_item_id, deduction_amount_in_smallest, partner_id, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[product.ID] = *product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if item.StorageUnitSizeInSmallest.Sign() <= 0 {
		item.StorageUnitSizeInSmallest = decimal.NewFromInt(1)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO inventory_items (name, category, storage_unit, smallest_unit_kind, storage_unit_size_in_smallest, reorder_threshold, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, item.Name, item.Category, item.StorageUnit, item.SmallestUnitKind, item.StorageUnitSizeInSmallest, nullDecimal(item.ReorderThreshold), item.CreatedAt).Scan(&item.ID)
	if err != nil {
		return nil, err
	}
	created := item
	return &created, nil
}

func (s *Store) GetInventoryItem(ctx context.Context, id int64) (*domain.InventoryItem, error) {
	item, err := scanInventoryItem(s.db.QueryRowContext(ctx, `
		SELECT id, name, category, storage_unit, smallest_unit_kind, storage_unit_size_in_smallest, reorder_threshold, created_at
		FROM inventory_items
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *Store) ListInventoryItems(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, storage_unit, smallest_unit_kind, storage_unit_size_in_smallest, reorder_threshold, created_at
		FROM inventory_items
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		item, err := scanInventoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AppendStockMovement(ctx context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stock_ledger (inventory_item_id, movement_type, quantity_change, notes, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, entry.InventoryItemID, entry.MovementType, entry.QuantityChange, entry.Notes, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := entry
	return &created, nil
}

func (s *Store) CurrentStock(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, store.ErrNotFound
	}

	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_change), 0)
		FROM stock_ledger
		WHERE inventory_item_id = $1
	`, itemID).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (s *Store) AggregatedStock(ctx context.Context) ([]domain.AggregatedStockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.name, i.category, i.storage_unit, i.smallest_unit_kind,
			i.storage_unit_size_in_smallest, i.reorder_threshold, i.created_at,
			COALESCE(SUM(l.quantity_change), 0)
		FROM inventory_items i
		LEFT JOIN stock_ledger l ON l.inventory_item_id = i.id
		GROUP BY i.id
		ORDER BY i.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AggregatedStockRow, 0, 64)
	for rows.Next() {
		var row domain.AggregatedStockRow
		var threshold decimal.NullDecimal
		if err := rows.Scan(&row.Item.ID, &row.Item.Name, &row.Item.Category, &row.Item.StorageUnit, &row.Item.SmallestUnitKind,
			&row.Item.StorageUnitSizeInSmallest, &threshold, &row.Item.CreatedAt, &row.TotalStock); err != nil {
			return nil, err
		}
		row.Item.CreatedAt = row.Item.CreatedAt.UTC()
		if threshold.Valid {
			t := threshold.Decimal
			row.Item.ReorderThreshold = &t
			row.ReorderThreshold = &t
			row.LowStock = row.TotalStock.LessThanOrEqual(t)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListStockMovements(ctx context.Context, itemID int64, limit int) ([]domain.StockLedgerEntry, error) {
	if limit < 1 {
		limit = 100
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inventory_item_id, movement_type, quantity_change, COALESCE(notes,''), created_at
		FROM stock_ledger
		WHERE inventory_item_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockLedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.StockLedgerEntry
		if err := rows.Scan(&entry.ID, &entry.InventoryItemID, &entry.MovementType, &entry.QuantityChange, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// CommitSale runs the whole sale as one serializable transaction and
// retries a bounded number of times when the database reports a
// serialization failure. After the budget is spent the caller gets
// ErrConflict and decides whether to resubmit.
func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) (*store.SaleCommitResult, error) {
	var lastErr error
	for attempt := 0; attempt < saleCommitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}
		result, err := s.commitSaleOnce(ctx, commit)
		if err == nil {
			return result, nil
		}
		if !isSerializationFailure(err) {
			return nil, err
		}
		lastErr = err
	}
	_ = lastErr
	return nil, store.ErrConflict
}

func (s *Store) commitSaleOnce(ctx context.Context, commit store.SaleCommit) (*store.SaleCommitResult, error) {
	now := commit.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the visit row so concurrent sales against the same visit
	// serialize on the credit balance.
	visit, err := scanVisit(tx.QueryRowContext(ctx, `
		SELECT id, client_id, entry_time, exit_time, entry_fee_paid,
			consumable_credit_total, consumable_credit_remaining, COALESCE(environment,'')
		FROM visits
		WHERE id = $1
		FOR UPDATE
	`, commit.VisitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if visit.ExitTime != nil {
		return nil, domain.ErrVisitClosed
	}

	var hostRate decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT commission_rate FROM hosts WHERE id = $1
	`, commit.HostID).Scan(&hostRate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	ids := make([]int64, 0, len(commit.Cart))
	for _, line := range commit.Cart {
		ids = append(ids, line.ProductID)
	}
	productRows, err := tx.QueryContext(ctx, `
		SELECT id, name, category, cost_price, sale_price, inventory_item_id, deduction_amount_in_smallest, partner_id, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	catalog := make(map[int64]domain.Product, len(ids))
	itemIDs := make([]int64, 0, len(ids))
	for productRows.Next() {
		product, err := scanProduct(productRows)
		if err != nil {
			_ = productRows.Close()
			return nil, err
		}
		catalog[product.ID] = *product
		if product.InventoryItemID != nil {
			itemIDs = append(itemIDs, *product.InventoryItemID)
		}
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	items := make(map[int64]domain.InventoryItem, len(itemIDs))
	if len(itemIDs) > 0 {
		itemRows, err := tx.QueryContext(ctx, `
			SELECT id, name, category, storage_unit, smallest_unit_kind, storage_unit_size_in_smallest, reorder_threshold, created_at
			FROM inventory_items
			WHERE id = ANY($1)
		`, itemIDs)
		if err != nil {
			return nil, err
		}
		for itemRows.Next() {
			item, err := scanInventoryItem(itemRows)
			if err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			items[item.ID] = *item
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()
	}

	priced, err := pricing.Calculate(commit.Cart, catalog, hostRate)
	if err != nil {
		return nil, err
	}
	deductions, err := pricing.ResolveDeductions(commit.Cart, catalog, items)
	if err != nil {
		return nil, err
	}
	creditUsed, cashDue := pricing.Split(priced.TotalSaleAmount, visit.ConsumableCreditRemaining)

	saleIDs := make([]int64, 0, len(priced.Lines))
	for i, line := range priced.Lines {
		paidCredit := decimal.Zero
		paidCash := decimal.Zero
		// The whole split rides on the first line; the lines of a visit
		// are always read back as a set.
		if i == 0 {
			paidCredit = creditUsed
			paidCash = cashDue
		}
		var saleID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO sales (
				visit_id, host_id, product_id, staff_shift_id, quantity,
				price_at_sale, commission_earned, paid_with_credit, paid_with_cash_card, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING id
		`, visit.ID, commit.HostID, line.ProductID, commit.StaffShiftID, line.Quantity,
			line.PriceAtSale, line.CommissionEarned, paidCredit, paidCash, now).Scan(&saleID)
		if err != nil {
			return nil, err
		}
		saleIDs = append(saleIDs, saleID)
	}

	newRemaining := visit.ConsumableCreditRemaining.Sub(creditUsed)
	_, err = tx.ExecContext(ctx, `
		UPDATE visits
		SET consumable_credit_remaining = $2
		WHERE id = $1
	`, visit.ID, newRemaining)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE clients
		SET lifetime_spend = lifetime_spend + $2,
			last_visit_spend = $2,
			last_visit_date = $3
		WHERE id = $1
	`, visit.ClientID, priced.TotalSaleAmount, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO staff_commissions (staff_id, amount, commission_type, is_paid_out, created_at)
		VALUES ($1,$2,$3,false,$4)
	`, commit.StaffID, priced.TotalSaleAmount.Mul(commit.StaffCommissionRate).Round(2), domain.CommissionTypeSale, now)
	if err != nil {
		return nil, err
	}

	for _, d := range deductions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_ledger (inventory_item_id, movement_type, quantity_change, notes, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, d.InventoryItemID, domain.MovementSaleDeduction, d.QuantityInSmallest.Neg(), "sale deduction", now)
		if err != nil {
			return nil, err
		}
	}

	for _, line := range priced.Lines {
		product := catalog[line.ProductID]
		if product.PartnerID == nil {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO partner_payouts (partner_id, product_id, amount, is_paid_out, created_at)
			VALUES ($1,$2,$3,false,$4)
		`, *product.PartnerID, product.ID, product.CostPrice.Mul(line.Quantity), now)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &store.SaleCommitResult{
		SaleIDs:            saleIDs,
		TotalSaleAmount:    priced.TotalSaleAmount,
		CreditUsed:         creditUsed,
		CashDue:            cashDue,
		NewCreditRemaining: newRemaining,
	}, nil
}

func (s *Store) ListSalesByVisit(ctx context.Context, visitID int64) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, visit_id, host_id, product_id, staff_shift_id, quantity,
			price_at_sale, commission_earned, paid_with_credit, paid_with_cash_card, created_at
		FROM sales
		WHERE visit_id = $1
		ORDER BY id
	`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 16)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.VisitID, &sale.HostID, &sale.ProductID, &sale.StaffShiftID, &sale.Quantity,
			&sale.PriceAtSale, &sale.CommissionEarned, &sale.PaidWithCredit, &sale.PaidWithCashCard, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CreatePartner(ctx context.Context, partner domain.Partner) (*domain.Partner, error) {
	if partner.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if partner.CreatedAt.IsZero() {
		partner.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO partners (name, contact, created_at)
		VALUES ($1,$2,$3)
		RETURNING id
	`, partner.Name, nullIfEmpty(partner.Contact), partner.CreatedAt).Scan(&partner.ID)
	if err != nil {
		return nil, err
	}
	created := partner
	return &created, nil
}

func (s *Store) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(contact,''), created_at
		FROM partners
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partners := make([]domain.Partner, 0, 16)
	for rows.Next() {
		var partner domain.Partner
		if err := rows.Scan(&partner.ID, &partner.Name, &partner.Contact, &partner.CreatedAt); err != nil {
			return nil, err
		}
		partner.CreatedAt = partner.CreatedAt.UTC()
		partners = append(partners, partner)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return partners, nil
}

func (s *Store) ListUnpaidStaffCommissions(ctx context.Context) ([]domain.StaffCommission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, staff_id, amount, commission_type, is_paid_out, created_at, paid_out_at
		FROM staff_commissions
		WHERE is_paid_out = false
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StaffCommission, 0, 32)
	for rows.Next() {
		var c domain.StaffCommission
		var paidAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.StaffID, &c.Amount, &c.CommissionType, &c.IsPaidOut, &c.CreatedAt, &paidAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		if paidAt.Valid {
			at := paidAt.Time.UTC()
			c.PaidOutAt = &at
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListUnpaidPartnerPayouts(ctx context.Context) ([]domain.PartnerPayout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partner_id, product_id, amount, is_paid_out, created_at, paid_out_at
		FROM partner_payouts
		WHERE is_paid_out = false
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.PartnerPayout, 0, 32)
	for rows.Next() {
		var p domain.PartnerPayout
		var paidAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.PartnerID, &p.ProductID, &p.Amount, &p.IsPaidOut, &p.CreatedAt, &paidAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		if paidAt.Valid {
			at := paidAt.Time.UTC()
			p.PaidOutAt = &at
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) HostUnpaidSummaries(ctx context.Context) ([]domain.HostUnpaidSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.stage_name, COALESCE(SUM(s.commission_earned), 0), COUNT(s.id)::int
		FROM hosts h
		JOIN sales s ON s.host_id = h.id
		GROUP BY h.id, h.stage_name
		ORDER BY h.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.HostUnpaidSummary, 0, 16)
	for rows.Next() {
		var summary domain.HostUnpaidSummary
		if err := rows.Scan(&summary.HostID, &summary.StageName, &summary.UnpaidAmount, &summary.SaleCount); err != nil {
			return nil, err
		}
		result = append(result, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) MarkStaffCommissionPaid(ctx context.Context, id int64, at time.Time) error {
	return s.markPaid(ctx, "staff_commissions", id, at)
}

func (s *Store) MarkPartnerPayoutPaid(ctx context.Context, id int64, at time.Time) error {
	return s.markPaid(ctx, "partner_payouts", id, at)
}

func (s *Store) markPaid(ctx context.Context, table string, id int64, at time.Time) error {
	if table != "staff_commissions" && table != "partner_payouts" {
		return store.ErrInvalidRequest
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+`
		SET is_paid_out = true, paid_out_at = $2
		WHERE id = $1 AND is_paid_out = false
	`, id, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return store.ErrInvalidRequest
		}
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner) (*domain.Visit, error) {
	var visit domain.Visit
	var exit sql.NullTime
	err := row.Scan(&visit.ID, &visit.ClientID, &visit.EntryTime, &exit, &visit.EntryFeePaid,
		&visit.ConsumableCreditTotal, &visit.ConsumableCreditRemaining, &visit.Environment)
	if err != nil {
		return nil, err
	}
	visit.EntryTime = visit.EntryTime.UTC()
	if exit.Valid {
		at := exit.Time.UTC()
		visit.ExitTime = &at
	}
	return &visit, nil
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var product domain.Product
	var itemID sql.NullInt64
	var partnerID sql.NullInt64
	err := row.Scan(&product.ID, &product.Name, &product.Category, &product.CostPrice, &product.SalePrice,
		&itemID, &product.DeductionAmountInSmallest, &partnerID, &product.Active)
	if err != nil {
		return nil, err
	}
	if itemID.Valid {
		v := itemID.Int64
		product.InventoryItemID = &v
	}
	if partnerID.Valid {
		v := partnerID.Int64
		product.PartnerID = &v
	}
	return &product, nil
}

func scanInventoryItem(row rowScanner) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	var threshold decimal.NullDecimal
	err := row.Scan(&item.ID, &item.Name, &item.Category, &item.StorageUnit, &item.SmallestUnitKind,
		&item.StorageUnitSizeInSmallest, &threshold, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	if threshold.Valid {
		t := threshold.Decimal
		item.ReorderThreshold = &t
	}
	return &item, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
