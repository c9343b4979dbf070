package balance

import (
	"context"
	"sync"
	"time"

	"clob-agent/internal/ratelimit"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"go.uber.org/zap"
)

// Admitter gates account queries.
type Admitter interface {
	Acquire(ctx context.Context, class ratelimit.Class) error
}

// Balance is the collateral view. Locked is reserved for resting buy orders.
type Balance struct {
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Locked    float64   `json:"locked"`
	LastSync  time.Time `json:"last_sync"`
}

// Manager caches the collateral balance.
type Manager struct {
	account      common.Account
	admit        Admitter
	syncInterval time.Duration
	logger       *zap.Logger

	mu       sync.RWMutex
	total    float64
	locked   float64
	lastSync time.Time
	onChange []func(Balance)
}

// NewManager creates a manager. A nil account keeps the balance at whatever
// SetInitialBalance installed (demo mode).
func NewManager(account common.Account, admit Admitter, syncInterval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		account:      account,
		admit:        admit,
		syncInterval: syncInterval,
		logger:       logger.Named("balance"),
	}
}

// OnChange registers fn to run after every balance change.
func (m *Manager) OnChange(fn func(Balance)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Start syncs once and then periodically until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		m.logger.Warn("initial balance sync failed", zap.Error(err))
	}
	if m.syncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					m.logger.Warn("balance sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the collateral balance from the exchange.
func (m *Manager) Sync(ctx context.Context) error {
	if m.account == nil {
		return nil
	}
	if m.admit != nil {
		if err := m.admit.Acquire(ctx, ratelimit.Account); err != nil {
			return err
		}
	}
	total, err := m.account.CollateralBalance(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.total = total
	m.lastSync = time.Now()
	m.mu.Unlock()

	b := m.Balance()
	m.logger.Debug("balance synced",
		zap.Float64("total", b.Total),
		zap.Float64("available", b.Available),
		zap.Float64("locked", b.Locked))
	m.notify(b)
	return nil
}

// Available returns spendable collateral.
func (m *Manager) Available() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableLocked()
}

func (m *Manager) availableLocked() float64 {
	if a := m.total - m.locked; a > 0 {
		return a
	}
	return 0
}

// Lock reserves amount for a resting buy order.
func (m *Manager) Lock(amount float64) error {
	m.mu.Lock()
	if amount > m.availableLocked() {
		avail := m.availableLocked()
		m.mu.Unlock()
		return errs.Newf(errs.KindValidation, "INSUFFICIENT_BALANCE", "need %.2f, have %.2f", amount, avail)
	}
	m.locked += amount
	m.mu.Unlock()
	m.notify(m.Balance())
	return nil
}

// Unlock releases a reservation.
func (m *Manager) Unlock(amount float64) {
	m.mu.Lock()
	m.locked -= amount
	if m.locked < 0 {
		m.locked = 0
	}
	m.mu.Unlock()
	m.notify(m.Balance())
}

// Balance returns the current view.
func (m *Manager) Balance() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Balance{
		Total:     m.total,
		Available: m.availableLocked(),
		Locked:    m.locked,
		LastSync:  m.lastSync,
	}
}

// SetInitialBalance installs a balance without an exchange (demo mode).
func (m *Manager) SetInitialBalance(amount float64) {
	m.mu.Lock()
	m.total = amount
	m.locked = 0
	m.mu.Unlock()
	m.logger.Info("initial balance set", zap.Float64("amount", amount))
	m.notify(m.Balance())
}

func (m *Manager) notify(b Balance) {
	m.mu.RLock()
	hooks := append([]func(Balance){}, m.onChange...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(b)
	}
}
