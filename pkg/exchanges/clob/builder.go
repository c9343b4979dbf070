package clob

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"

	"clob-agent/pkg/crypto"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	zeroAddress    = "0x0000000000000000000000000000000000000000"
	sizeDecimals   = 2
	amountDecimals = 4
	tokenDecimals  = 6
)

// OrderBuilder converts order requests into signed exchange orders.
type OrderBuilder struct {
	signer *crypto.Signer
}

// NewOrderBuilder creates a builder.
func NewOrderBuilder(signer *crypto.Signer) *OrderBuilder {
	return &OrderBuilder{signer: signer}
}

// Build computes maker/taker amounts, derives the salt from the client id and signs.
func (b *OrderBuilder) Build(req common.OrderRequest) (common.SignedOrder, error) {
	if !req.Side.Valid() || !req.Type.Valid() {
		return common.SignedOrder{}, errs.Newf(errs.KindValidation, "INVALID_ORDER", "side %q type %q", req.Side, req.Type)
	}
	maker, taker, err := Amounts(req.Side, req.Price, req.Size)
	if err != nil {
		return common.SignedOrder{}, err
	}

	expiration := "0"
	if req.Type == common.GTD {
		if req.Expiration.IsZero() {
			return common.SignedOrder{}, errs.New(errs.KindValidation, "MISSING_EXPIRATION", "GTD order needs an expiration")
		}
		expiration = strconv.FormatInt(req.Expiration.Unix(), 10)
	}

	side := 0
	if req.Side == common.SideSell {
		side = 1
	}
	addr := b.signer.Credentials().Address()
	payload := crypto.OrderPayload{
		Salt:        SaltFor(req.ClientID),
		Maker:       addr,
		Signer:      addr,
		Taker:       zeroAddress,
		TokenID:     req.TokenID,
		MakerAmount: maker,
		TakerAmount: taker,
		Expiration:  expiration,
		Nonce:       "0",
		FeeRateBps:  strconv.Itoa(req.FeeRateBps),
		Side:        side,
	}
	sig, err := b.signer.SignOrder(payload)
	if err != nil {
		return common.SignedOrder{}, err
	}
	hash, err := b.signer.OrderHash(payload)
	if err != nil {
		return common.SignedOrder{}, err
	}

	return common.SignedOrder{
		Order: common.WireOrder{
			Salt:        payload.Salt,
			Maker:       payload.Maker,
			Signer:      payload.Signer,
			Taker:       payload.Taker,
			TokenID:     payload.TokenID,
			MakerAmount: payload.MakerAmount,
			TakerAmount: payload.TakerAmount,
			Expiration:  payload.Expiration,
			Nonce:       payload.Nonce,
			FeeRateBps:  payload.FeeRateBps,
			Side:        string(req.Side),
			Signature:   sig,
		},
		Owner:     b.signer.Credentials().APICreds().Key,
		OrderType: req.Type,
		ClientID:  req.ClientID,
		Hash:      hash,
	}, nil
}

// Amounts returns maker and taker amounts in collateral base units. A buy
// gives price*size collateral for size shares; a sell the reverse.
func Amounts(side common.Side, price, size float64) (maker, taker string, err error) {
	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(size).Truncate(sizeDecimals)
	if !p.IsPositive() || !s.IsPositive() {
		return "", "", errs.Newf(errs.KindValidation, "INVALID_AMOUNT", "price %v size %v", price, size)
	}
	notional := s.Mul(p).Truncate(amountDecimals)
	if side == common.SideBuy {
		return toUnits(notional), toUnits(s), nil
	}
	return toUnits(s), toUnits(notional), nil
}

func toUnits(d decimal.Decimal) string {
	return d.Shift(tokenDecimals).Truncate(0).String()
}

// SaltFor maps a correlation id to a stable 53-bit salt, so every retry of the
// same logical order signs the identical payload.
func SaltFor(clientID string) int64 {
	var v uint64
	if u, err := uuid.Parse(clientID); err == nil {
		v = binary.BigEndian.Uint64(u[:8])
	} else {
		h := fnv.New64a()
		fmt.Fprint(h, clientID)
		v = h.Sum64()
	}
	return int64(v >> 11)
}
