package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType is the time-in-force of an order.
type OrderType string

const (
	GTC OrderType = "GTC" // good till cancelled
	GTD OrderType = "GTD" // good till date
	FOK OrderType = "FOK" // fill or kill
	FAK OrderType = "FAK" // fill and kill, remainder cancelled
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case GTC, GTD, FOK, FAK:
		return true
	}
	return false
}

// OrderRequest captures an order to be signed and sent to the exchange.
type OrderRequest struct {
	TokenID    string
	Side       Side
	Type       OrderType
	Price      float64
	Size       float64
	Expiration time.Time // GTD only
	FeeRateBps int
	// ClientID is the local correlation id. The order salt is derived from it
	// so a retried submission carries the same signed order.
	ClientID string
}

// WireOrder is the signed order as the exchange expects it.
type WireOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// SignedOrder is the submission payload. Hash is the order digest the
// exchange reports as the order id.
type SignedOrder struct {
	Order     WireOrder `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
	ClientID  string    `json:"-"`
	Hash      string    `json:"-"`
}

// CodeDuplicateOrder marks a submission the exchange already holds.
const CodeDuplicateOrder = "DUPLICATE_ORDER"

// OrderResult returns the exchange acknowledgement.
type OrderResult struct {
	ExchangeOrderID string
	Status          string // live, matched, delayed, unmatched
	ClientID        string
}

// OpenOrder is one entry of the exchange's open-order listing.
type OpenOrder struct {
	ID           string    `json:"id"`
	Market       string    `json:"market"`
	TokenID      string    `json:"asset_id"`
	Side         Side      `json:"side"`
	Price        float64   `json:"price"`
	OriginalSize float64   `json:"original_size"`
	SizeMatched  float64   `json:"size_matched"`
	Type         OrderType `json:"order_type"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	Expiration   time.Time `json:"expiration"`
}

// BookLevel is one price level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Book is a REST order book snapshot.
type Book struct {
	TokenID      string
	Market       string
	Bids         []BookLevel
	Asks         []BookLevel
	TickSize     float64
	MinOrderSize float64
	Timestamp    time.Time
}

// CancelResult lists which orders the exchange cancelled.
type CancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}
