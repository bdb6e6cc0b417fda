package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lowtide/convergence/internal/models"
)

// SignalStore is the persistence capability the trading engine and router
// depend on. Contract, not schema: callers never see SQL.
type SignalStore interface {
	SaveOrder(order models.Order) error
	GetOrder(orderID string) (*models.Order, error)
	GetOrdersBySource(source string) ([]models.Order, error)

	SaveTrade(trade models.Trade) error
	GetTradesBySource(source string) ([]models.Trade, error)

	// SavePosition merges by (source, symbol) while open: an insert against
	// an existing open row for the same (source, symbol) updates it in
	// place; once closed, the next open for that (source, symbol) is a new
	// row (P1, at-most-one-open-position).
	SavePosition(pos models.Position) error
	GetOpenPosition(source, symbol string) (*models.Position, error)
	GetAllPositions(source string) ([]models.Position, error)

	SaveRiskEvent(ev models.RiskEvent) error
	SavePortfolioSnapshot(snap models.PortfolioSnapshot) error
	SaveMarketData(timeframe string, candle models.Candle) error

	SaveUserInstance(b models.UserInstanceBinding) error
	DeleteUserInstance(userID, instanceType, instanceID string) error
	GetUserInstanceIDs(userID, instanceType string) ([]string, error)
	GetUserInstanceConfigs(userID, instanceType string) ([]models.UserInstanceBinding, error)

	SaveCurrencyMonitorConfig(configJSON string) error
	GetCurrencyMonitorConfig() (string, bool, error)
	DeleteCurrencyMonitorConfig() error
}

// SQLSignalStore implements SignalStore over SQLite.
type SQLSignalStore struct {
	db *DB
}

// NewSignalStore builds a SignalStore over an already-migrated DB.
func NewSignalStore(db *DB) *SQLSignalStore {
	return &SQLSignalStore{db: db}
}

// --- orders ---

func (s *SQLSignalStore) SaveOrder(order models.Order) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO orders (order_id, source, symbol, side, type, quantity, price, status, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, order.OrderID, order.Source, order.Symbol, order.Side, order.Type,
		order.Quantity.String(), order.Price.String(), order.Status, order.TxHash, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save order: %w", err)
	}
	return nil
}

type orderRow struct {
	OrderID   string    `db:"order_id"`
	Source    string    `db:"source"`
	Symbol    string    `db:"symbol"`
	Side      string    `db:"side"`
	Type      string    `db:"type"`
	Quantity  string    `db:"quantity"`
	Price     string    `db:"price"`
	Status    string    `db:"status"`
	TxHash    string    `db:"tx_hash"`
	CreatedAt time.Time `db:"created_at"`
}

func (r orderRow) toModel() (models.Order, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return models.Order{}, err
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return models.Order{}, err
	}
	return models.Order{
		OrderID:   r.OrderID,
		Source:    r.Source,
		Symbol:    r.Symbol,
		Side:      models.OrderSide(r.Side),
		Type:      models.OrderType(r.Type),
		Quantity:  qty,
		Price:     price,
		Status:    models.OrderStatus(r.Status),
		TxHash:    r.TxHash,
		CreatedAt: r.CreatedAt,
	}, nil
}

func (s *SQLSignalStore) GetOrder(orderID string) (*models.Order, error) {
	var row orderRow
	err := s.db.Get(&row, `SELECT order_id, source, symbol, side, type, quantity, price, status, tx_hash, created_at FROM orders WHERE order_id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get order: %w", err)
	}
	order, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("store: decode order: %w", err)
	}
	return &order, nil
}

func (s *SQLSignalStore) GetOrdersBySource(source string) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.Select(&rows, `SELECT order_id, source, symbol, side, type, quantity, price, status, tx_hash, created_at FROM orders WHERE source = ? ORDER BY created_at DESC`, source)
	if err != nil {
		return nil, fmt.Errorf("store: get orders by source: %w", err)
	}
	out := make([]models.Order, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("store: decode order: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// --- trades ---

// SaveTrade inserts a Trade; a duplicate trade_id is silently dropped (P6).
func (s *SQLSignalStore) SaveTrade(trade models.Trade) error {
	var closePrice, pnlPercent, pnlAmount sql.NullString
	if trade.ClosePrice != nil {
		closePrice = sql.NullString{String: trade.ClosePrice.String(), Valid: true}
	}
	if trade.PnLPercent != nil {
		pnlPercent = sql.NullString{String: trade.PnLPercent.String(), Valid: true}
	}
	if trade.PnLAmount != nil {
		pnlAmount = sql.NullString{String: trade.PnLAmount.String(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO trades (trade_id, order_id, source, symbol, side, quantity, price, close_price, pnl_percent, pnl_amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.TradeID, trade.OrderID, trade.Source, trade.Symbol, trade.Side,
		trade.Quantity.String(), trade.Price.String(), closePrice, pnlPercent, pnlAmount, trade.Reason, trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save trade: %w", err)
	}
	return nil
}

type tradeRow struct {
	TradeID    string         `db:"trade_id"`
	OrderID    string         `db:"order_id"`
	Source     string         `db:"source"`
	Symbol     string         `db:"symbol"`
	Side       string         `db:"side"`
	Quantity   string         `db:"quantity"`
	Price      string         `db:"price"`
	ClosePrice sql.NullString `db:"close_price"`
	PnLPercent sql.NullString `db:"pnl_percent"`
	PnLAmount  sql.NullString `db:"pnl_amount"`
	Reason     string         `db:"reason"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r tradeRow) toModel() (models.Trade, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return models.Trade{}, err
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return models.Trade{}, err
	}
	t := models.Trade{
		TradeID:   r.TradeID,
		OrderID:   r.OrderID,
		Source:    r.Source,
		Symbol:    r.Symbol,
		Side:      models.OrderSide(r.Side),
		Quantity:  qty,
		Price:     price,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
	}
	if r.ClosePrice.Valid {
		v, err := decimal.NewFromString(r.ClosePrice.String)
		if err != nil {
			return models.Trade{}, err
		}
		t.ClosePrice = &v
	}
	if r.PnLPercent.Valid {
		v, err := decimal.NewFromString(r.PnLPercent.String)
		if err != nil {
			return models.Trade{}, err
		}
		t.PnLPercent = &v
	}
	if r.PnLAmount.Valid {
		v, err := decimal.NewFromString(r.PnLAmount.String)
		if err != nil {
			return models.Trade{}, err
		}
		t.PnLAmount = &v
	}
	return t, nil
}

func (s *SQLSignalStore) GetTradesBySource(source string) ([]models.Trade, error) {
	var rows []tradeRow
	err := s.db.Select(&rows, `SELECT trade_id, order_id, source, symbol, side, quantity, price, close_price, pnl_percent, pnl_amount, reason, created_at FROM trades WHERE source = ? ORDER BY created_at DESC`, source)
	if err != nil {
		return nil, fmt.Errorf("store: get trades by source: %w", err)
	}
	out := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("store: decode trade: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// --- positions ---

type positionRow struct {
	ID            string       `db:"id"`
	Source        string       `db:"source"`
	Symbol        string       `db:"symbol"`
	Side          string       `db:"side"`
	Quantity      string       `db:"quantity"`
	EntryPrice    string       `db:"entry_price"`
	Collateral    string       `db:"collateral"`
	CurrentPrice  string       `db:"current_price"`
	UnrealizedPnL string       `db:"unrealized_pnl"`
	TradeIndex    int64        `db:"trade_index"`
	PairID        string       `db:"pair_id"`
	OpenedAt      time.Time    `db:"opened_at"`
	ClosedAt      sql.NullTime `db:"closed_at"`
}

func (r positionRow) toModel() (models.Position, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return models.Position{}, err
	}
	entry, err := decimal.NewFromString(r.EntryPrice)
	if err != nil {
		return models.Position{}, err
	}
	collateral, err := decimal.NewFromString(r.Collateral)
	if err != nil {
		return models.Position{}, err
	}
	current, err := decimal.NewFromString(r.CurrentPrice)
	if err != nil {
		return models.Position{}, err
	}
	pnl, err := decimal.NewFromString(r.UnrealizedPnL)
	if err != nil {
		return models.Position{}, err
	}
	p := models.Position{
		ID:            r.ID,
		Source:        r.Source,
		Symbol:        r.Symbol,
		Side:          models.PositionSide(r.Side),
		Quantity:      qty,
		EntryPrice:    entry,
		Collateral:    collateral,
		CurrentPrice:  current,
		UnrealizedPnL: pnl,
		TradeIndex:    r.TradeIndex,
		PairID:        r.PairID,
		OpenedAt:      r.OpenedAt,
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}

// SavePosition upserts by (source, symbol) while the existing row is open,
// via the partial unique index created in Migrate, and otherwise by id (so
// saving a loaded position with ClosedAt set closes that row). A position id
// is generated if absent.
func (s *SQLSignalStore) SavePosition(pos models.Position) error {
	if pos.ID == "" {
		pos.ID = uuid.New().String()
	}
	var closedAt sql.NullTime
	if pos.ClosedAt != nil {
		closedAt = sql.NullTime{Time: *pos.ClosedAt, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO positions (id, source, symbol, side, quantity, entry_price, collateral, current_price, unrealized_pnl, trade_index, pair_id, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, symbol) WHERE closed_at IS NULL DO UPDATE SET
			quantity=excluded.quantity,
			entry_price=excluded.entry_price,
			collateral=excluded.collateral,
			current_price=excluded.current_price,
			unrealized_pnl=excluded.unrealized_pnl,
			trade_index=excluded.trade_index,
			pair_id=excluded.pair_id,
			opened_at=excluded.opened_at,
			closed_at=excluded.closed_at
		ON CONFLICT(id) DO UPDATE SET
			quantity=excluded.quantity,
			entry_price=excluded.entry_price,
			collateral=excluded.collateral,
			current_price=excluded.current_price,
			unrealized_pnl=excluded.unrealized_pnl,
			trade_index=excluded.trade_index,
			pair_id=excluded.pair_id,
			opened_at=excluded.opened_at,
			closed_at=excluded.closed_at
	`, pos.ID, pos.Source, pos.Symbol, pos.Side, pos.Quantity.String(), pos.EntryPrice.String(),
		pos.Collateral.String(), pos.CurrentPrice.String(), pos.UnrealizedPnL.String(),
		pos.TradeIndex, pos.PairID, pos.OpenedAt, closedAt)
	if err != nil {
		return fmt.Errorf("store: save position: %w", err)
	}
	return nil
}

// GetOpenPosition returns the newest open Position for (source, symbol), or
// nil if none exists.
func (s *SQLSignalStore) GetOpenPosition(source, symbol string) (*models.Position, error) {
	var row positionRow
	err := s.db.Get(&row, `
		SELECT id, source, symbol, side, quantity, entry_price, collateral, current_price, unrealized_pnl, trade_index, pair_id, opened_at, closed_at
		FROM positions WHERE source = ? AND symbol = ? AND closed_at IS NULL
		ORDER BY opened_at DESC LIMIT 1
	`, source, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get open position: %w", err)
	}
	pos, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("store: decode position: %w", err)
	}
	return &pos, nil
}

func (s *SQLSignalStore) GetAllPositions(source string) ([]models.Position, error) {
	var rows []positionRow
	err := s.db.Select(&rows, `
		SELECT id, source, symbol, side, quantity, entry_price, collateral, current_price, unrealized_pnl, trade_index, pair_id, opened_at, closed_at
		FROM positions WHERE source = ? ORDER BY opened_at DESC
	`, source)
	if err != nil {
		return nil, fmt.Errorf("store: get all positions: %w", err)
	}
	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("store: decode position: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// --- risk events & portfolio snapshots ---

func (s *SQLSignalStore) SaveRiskEvent(ev models.RiskEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO risk_events (id, source, event_type, severity, description, affected_symbols, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Source, ev.EventType, ev.Severity, ev.Description, ev.AffectedSymbols, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save risk event: %w", err)
	}
	return nil
}

func (s *SQLSignalStore) SavePortfolioSnapshot(snap models.PortfolioSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO portfolio_history (id, source, equity, balance, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.ID, snap.Source, snap.Equity.String(), snap.Balance.String(), snap.RecordedAt)
	if err != nil {
		return fmt.Errorf("store: save portfolio snapshot: %w", err)
	}
	return nil
}

// --- market data ---

func (s *SQLSignalStore) SaveMarketData(timeframe string, candle models.Candle) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO market_data (symbol, timeframe, open_time_ms, close_time_ms, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, candle.Symbol, timeframe, candle.OpenTimeMs, candle.CloseTimeMs, candle.Open, candle.High, candle.Low, candle.Close, candle.Volume)
	if err != nil {
		return fmt.Errorf("store: save market data: %w", err)
	}
	return nil
}

// --- user-instance bindings ---

func (s *SQLSignalStore) SaveUserInstance(b models.UserInstanceBinding) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO user_instances (user_id, instance_type, instance_id, config_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.UserID, b.InstanceType, b.InstanceID, b.ConfigJSON, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save user instance: %w", err)
	}
	return nil
}

func (s *SQLSignalStore) DeleteUserInstance(userID, instanceType, instanceID string) error {
	_, err := s.db.Exec(`DELETE FROM user_instances WHERE user_id = ? AND instance_type = ? AND instance_id = ?`, userID, instanceType, instanceID)
	if err != nil {
		return fmt.Errorf("store: delete user instance: %w", err)
	}
	return nil
}

func (s *SQLSignalStore) GetUserInstanceIDs(userID, instanceType string) ([]string, error) {
	var ids []string
	err := s.db.Select(&ids, `SELECT instance_id FROM user_instances WHERE user_id = ? AND instance_type = ? ORDER BY created_at ASC`, userID, instanceType)
	if err != nil {
		return nil, fmt.Errorf("store: get user instance ids: %w", err)
	}
	return ids, nil
}

func (s *SQLSignalStore) GetUserInstanceConfigs(userID, instanceType string) ([]models.UserInstanceBinding, error) {
	var rows []models.UserInstanceBinding
	err := s.db.Select(&rows, `
		SELECT user_id, instance_type, instance_id, config_json, created_at
		FROM user_instances WHERE user_id = ? AND instance_type = ? ORDER BY created_at ASC
	`, userID, instanceType)
	if err != nil {
		return nil, fmt.Errorf("store: get user instance configs: %w", err)
	}
	return rows, nil
}

// --- monitor config singleton ---

const monitorConfigInstanceType = "currency_monitor"
const monitorConfigInstanceID = "singleton"

// SaveCurrencyMonitorConfig stores the monitor config JSON under the first
// user's binding row with instance_id="singleton". A default system user
// is created if no user exists yet.
func (s *SQLSignalStore) SaveCurrencyMonitorConfig(configJSON string) error {
	userID, err := s.defaultUserID()
	if err != nil {
		return err
	}
	return s.SaveUserInstance(models.UserInstanceBinding{
		UserID:       userID,
		InstanceType: monitorConfigInstanceType,
		InstanceID:   monitorConfigInstanceID,
		ConfigJSON:   configJSON,
		CreatedAt:    time.Now(),
	})
}

func (s *SQLSignalStore) GetCurrencyMonitorConfig() (string, bool, error) {
	userID, err := s.firstUserID()
	if err != nil {
		return "", false, err
	}
	if userID == "" {
		return "", false, nil
	}
	var configJSON string
	err = s.db.Get(&configJSON, `
		SELECT config_json FROM user_instances
		WHERE user_id = ? AND instance_type = ? AND instance_id = ?
	`, userID, monitorConfigInstanceType, monitorConfigInstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get currency monitor config: %w", err)
	}
	return configJSON, true, nil
}

func (s *SQLSignalStore) DeleteCurrencyMonitorConfig() error {
	userID, err := s.firstUserID()
	if err != nil {
		return err
	}
	if userID == "" {
		return nil
	}
	return s.DeleteUserInstance(userID, monitorConfigInstanceType, monitorConfigInstanceID)
}

func (s *SQLSignalStore) firstUserID() (string, error) {
	var id string
	err := s.db.Get(&id, `SELECT user_id FROM users ORDER BY created_at ASC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get first user: %w", err)
	}
	return id, nil
}

func (s *SQLSignalStore) defaultUserID() (string, error) {
	id, err := s.firstUserID()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New().String()
	_, err = s.db.Exec(`INSERT INTO users (user_id, created_at) VALUES (?, ?)`, id, time.Now())
	if err != nil {
		return "", fmt.Errorf("store: create default user: %w", err)
	}
	return id, nil
}

var _ SignalStore = (*SQLSignalStore)(nil)
