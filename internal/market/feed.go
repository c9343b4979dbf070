package market

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/retry"
	"clob-agent/pkg/crypto"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/clob"
	"clob-agent/pkg/exchanges/common"

	"go.uber.org/zap"
)

// Channel identifies one of the two streaming connections.
type Channel string

const (
	ChannelMarket Channel = "market"
	ChannelUser   Channel = "user"
)

// Admitter gates REST calls through the rate limiter.
type Admitter interface {
	Acquire(ctx context.Context, class ratelimit.Class) error
}

// FeedConfig configures both connections.
type FeedConfig struct {
	BaseURL      string // e.g. wss://host/ws/
	Backoff      retry.Policy
	PingInterval time.Duration
	ReadTimeout  time.Duration
	EventBuffer  int
	DedupeWindow int
	StaleAfter   time.Duration
	Tokens       []string
	Markets      []string
}

// Feed owns the public market connection and the private user connection.
type Feed struct {
	market *Conn
	user   *Conn
	store  *Store
	events chan UserEvent
	seen   *seenSet
	books  common.MarketData
	creds  func() crypto.APICreds
	admit  Admitter
	stale  time.Duration
	logger *zap.Logger

	delivered  atomic.Uint64
	duplicates atomic.Uint64
}

// NewFeed wires the two connections. apiCreds supplies user-channel auth; a
// nil apiCreds disables the user channel (demo mode).
func NewFeed(cfg FeedConfig, store *Store, apiCreds func() crypto.APICreds, books common.MarketData, admit Admitter, clk clock.Clock, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	f := &Feed{
		store:  store,
		events: make(chan UserEvent, cfg.EventBuffer),
		seen:   newSeenSet(cfg.DedupeWindow),
		books:  books,
		creds:  apiCreds,
		admit:  admit,
		stale:  cfg.StaleAfter,
		logger: logger.Named("feed"),
	}
	base := strings.TrimRight(cfg.BaseURL, "/") + "/"
	f.market = NewConn(ConnConfig{
		Name:         string(ChannelMarket),
		URL:          base + "market",
		Backoff:      cfg.Backoff,
		PingInterval: cfg.PingInterval,
		ReadTimeout:  cfg.ReadTimeout,
	}, marketFramer{}, NewSubscriptions(cfg.Tokens...), f.handleMarket, clk, f.logger)

	if apiCreds != nil {
		f.user = NewConn(ConnConfig{
			Name:         string(ChannelUser),
			URL:          base + "user",
			Backoff:      cfg.Backoff,
			PingInterval: cfg.PingInterval,
			ReadTimeout:  cfg.ReadTimeout,
		}, userFramer{creds: apiCreds}, NewSubscriptions(cfg.Markets...), f.handleUser, clk, f.logger)
	}
	return f
}

// Run runs both connections until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range f.conns() {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			_ = c.Run(ctx)
		}(c)
	}
	wg.Wait()
}

func (f *Feed) conns() []*Conn {
	if f.user == nil {
		return []*Conn{f.market}
	}
	return []*Conn{f.market, f.user}
}

// Events delivers deduplicated private-channel events.
func (f *Feed) Events() <-chan UserEvent { return f.events }

// Store returns the snapshot cache.
func (f *Feed) Store() *Store { return f.store }

// Conn returns one of the connections (nil when the user channel is disabled).
func (f *Feed) Conn(ch Channel) *Conn {
	if ch == ChannelUser {
		return f.user
	}
	return f.market
}

// OnReconnect registers fn for reconnects of either connection.
func (f *Feed) OnReconnect(fn func(Channel)) {
	f.market.OnReconnect(func() { fn(ChannelMarket) })
	if f.user != nil {
		f.user.OnReconnect(func() { fn(ChannelUser) })
	}
}

// StateChange is the payload published for a connection state change.
type StateChange struct {
	Channel Channel   `json:"channel"`
	State   string    `json:"state"`
	Healthy bool      `json:"healthy"`
	At      time.Time `json:"at"`
}

// OnState registers fn for state changes of either connection.
func (f *Feed) OnState(fn func(Channel, State)) {
	f.market.OnState(func(s State) { fn(ChannelMarket, s) })
	if f.user != nil {
		f.user.OnState(func(s State) { fn(ChannelUser, s) })
	}
}

// SubscribeMarket adds token ids to the market channel.
func (f *Feed) SubscribeMarket(tokens ...string) error { return f.market.Subscribe(tokens...) }

// UnsubscribeMarket removes token ids from the market channel.
func (f *Feed) UnsubscribeMarket(tokens ...string) error { return f.market.Unsubscribe(tokens...) }

// SubscribeUser adds condition ids to the user channel.
func (f *Feed) SubscribeUser(markets ...string) error {
	if f.user == nil {
		return errs.New(errs.KindInvalidState, "USER_CHANNEL_DISABLED", "user channel requires api credentials")
	}
	return f.user.Subscribe(markets...)
}

// UnsubscribeUser removes condition ids from the user channel.
func (f *Feed) UnsubscribeUser(markets ...string) error {
	if f.user == nil {
		return nil
	}
	return f.user.Unsubscribe(markets...)
}

// Snapshot returns the cached snapshot, refreshing it over REST when it is
// missing or stale.
func (f *Feed) Snapshot(ctx context.Context, tokenID string) (*Snapshot, error) {
	if snap, ok := f.store.Get(tokenID); ok && snap.HasBook() {
		if age, _ := f.store.Age(tokenID); age <= f.stale || f.market.State() == Streaming && f.market.Subscriptions().Has(tokenID) {
			return snap, nil
		}
	}
	if f.books == nil {
		return nil, errs.Newf(errs.KindNotFound, "NO_SNAPSHOT", "no market data for %s", tokenID)
	}
	if f.admit != nil {
		if err := f.admit.Acquire(ctx, ratelimit.MarketData); err != nil {
			return nil, err
		}
	}
	book, err := f.books.Book(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot(tokenID, book.Market, book.Bids, book.Asks, book.Timestamp)
	snap.TickSize = book.TickSize
	snap.MinOrderSize = book.MinOrderSize
	f.store.Put(snap)
	cur, _ := f.store.Get(tokenID)
	return cur, nil
}

// ConnStatus describes one connection.
type ConnStatus struct {
	Channel       string    `json:"channel"`
	State         string    `json:"state"`
	Subscriptions []string  `json:"subscriptions"`
	Reconnects    int64     `json:"reconnects"`
	LastMessage   time.Time `json:"last_message"`
}

// Status describes the whole feed.
type Status struct {
	Market       ConnStatus  `json:"market"`
	User         *ConnStatus `json:"user,omitempty"`
	CachedTokens int         `json:"cached_tokens"`
	Delivered    uint64      `json:"events_delivered"`
	Duplicates   uint64      `json:"duplicates_dropped"`
}

// Status returns connection and cache state.
func (f *Feed) Status() Status {
	st := Status{
		Market:       connStatus(ChannelMarket, f.market),
		CachedTokens: len(f.store.Tokens()),
		Delivered:    f.delivered.Load(),
		Duplicates:   f.duplicates.Load(),
	}
	if f.user != nil {
		u := connStatus(ChannelUser, f.user)
		st.User = &u
	}
	return st
}

// Healthy reports whether every enabled connection is streaming.
func (f *Feed) Healthy() bool {
	for _, c := range f.conns() {
		if c.State() != Streaming {
			return false
		}
	}
	return true
}

func connStatus(ch Channel, c *Conn) ConnStatus {
	return ConnStatus{
		Channel:       string(ch),
		State:         c.State().String(),
		Subscriptions: c.Subscriptions().List(),
		Reconnects:    c.Reconnects(),
		LastMessage:   c.LastMessage(),
	}
}

func (f *Feed) handleMarket(_ context.Context, data []byte) {
	for _, raw := range splitFrames(data) {
		switch eventType(raw) {
		case "book":
			var m bookMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				f.logger.Debug("bad book frame", zap.Error(err))
				continue
			}
			bids, asks := m.Bids, m.Asks
			if len(bids) == 0 && len(m.Buys) > 0 {
				bids = m.Buys
			}
			if len(asks) == 0 && len(m.Sells) > 0 {
				asks = m.Sells
			}
			f.store.Put(NewSnapshot(m.AssetID, m.Market, clob.ParseLevels(bids, true), clob.ParseLevels(asks, false), parseTime(m.Timestamp)))
		case "price_change":
			var m priceChangeMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			f.applyPriceChanges(m)
		case "tick_size_change":
			var m tickSizeMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			tick := parseNum(m.NewTickSize)
			f.store.Update(m.AssetID, func(cur *Snapshot) *Snapshot {
				if cur == nil || tick <= 0 {
					return nil
				}
				next := cur.with()
				next.TickSize = tick
				return next
			})
		case "last_trade_price":
			var m lastTradeMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			f.store.RecordTrade(m.AssetID, parseNum(m.Price), parseNum(m.Size), parseTime(m.Timestamp))
		}
	}
}

func (f *Feed) applyPriceChanges(m priceChangeMsg) {
	changes := m.PriceChanges
	if len(changes) == 0 {
		changes = m.Changes
	}
	at := parseTime(m.Timestamp)
	byAsset := make(map[string][]priceChange)
	var order []string
	for _, c := range changes {
		asset := c.AssetID
		if asset == "" {
			asset = m.AssetID
		}
		if _, ok := byAsset[asset]; !ok {
			order = append(order, asset)
		}
		byAsset[asset] = append(byAsset[asset], c)
	}
	for _, asset := range order {
		list := byAsset[asset]
		f.store.Update(asset, func(cur *Snapshot) *Snapshot {
			if cur == nil {
				return nil
			}
			bids, asks := cur.Bids, cur.Asks
			for _, c := range list {
				price, size := parseNum(c.Price), parseNum(c.Size)
				if strings.EqualFold(c.Side, "BUY") {
					bids = upsertLevel(bids, price, size, true)
				} else {
					asks = upsertLevel(asks, price, size, false)
				}
			}
			return cur.WithLevels(bids, asks, at)
		})
	}
}

func (f *Feed) handleUser(ctx context.Context, data []byte) {
	for _, raw := range splitFrames(data) {
		switch eventType(raw) {
		case "trade":
			var m tradeMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				f.logger.Warn("bad trade frame", zap.Error(err))
				continue
			}
			if strings.EqualFold(m.Status, "FAILED") {
				f.logger.Warn("trade failed on settlement", zap.String("trade_id", m.ID))
				continue
			}
			for _, ev := range fillsFromTrade(m, f.owner()) {
				f.emit(ctx, ev)
			}
		case "order":
			var m orderMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				f.logger.Warn("bad order frame", zap.Error(err))
				continue
			}
			if ev, ok := eventFromOrder(m); ok {
				f.emit(ctx, ev)
			}
		}
	}
}

// owner is the API key the exchange stamps on this account's orders.
func (f *Feed) owner() string {
	if f.creds == nil {
		return ""
	}
	return f.creds().Key
}

// emit forwards an event exactly once per event id. It blocks when the
// consumer is behind rather than dropping events.
func (f *Feed) emit(ctx context.Context, ev UserEvent) {
	if !f.seen.firstSeen(ev.EventID) {
		f.duplicates.Add(1)
		return
	}
	select {
	case f.events <- ev:
		f.delivered.Add(1)
	case <-ctx.Done():
	}
}

type marketFramer struct{}

func (marketFramer) Initial(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	return map[string]any{"assets_ids": ids, "type": "market"}
}

func (marketFramer) Change(subscribe bool, ids []string) any {
	op := "unsubscribe"
	if subscribe {
		op = "subscribe"
	}
	return map[string]any{"assets_ids": ids, "operation": op}
}

type userFramer struct {
	creds func() crypto.APICreds
}

func (u userFramer) Initial(ids []string) any {
	c := u.creds()
	if ids == nil {
		ids = []string{}
	}
	return map[string]any{
		"auth": map[string]string{
			"apiKey":     c.Key,
			"secret":     c.Secret,
			"passphrase": c.Passphrase,
		},
		"markets": ids,
		"type":    "user",
	}
}

func (userFramer) Change(subscribe bool, ids []string) any {
	op := "unsubscribe"
	if subscribe {
		op = "subscribe"
	}
	return map[string]any{"markets": ids, "operation": op}
}
