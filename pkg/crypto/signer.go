package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Header names used by the exchange's two auth levels.
const (
	HeaderAddress    = "POLY_ADDRESS"
	HeaderSignature  = "POLY_SIGNATURE"
	HeaderTimestamp  = "POLY_TIMESTAMP"
	HeaderNonce      = "POLY_NONCE"
	HeaderAPIKey     = "POLY_API_KEY"
	HeaderPassphrase = "POLY_PASSPHRASE"
)

const clobAuthMessage = "This message attests that I control the given wallet"

// ErrNoAPICreds is returned when an L2 call is attempted without API credentials.
var ErrNoAPICreds = errors.New("api credentials not configured")

// OrderPayload is the exchange order struct that gets EIP-712 signed.
// Amounts are base-unit integers encoded as decimal strings.
type OrderPayload struct {
	Salt          int64
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          int // 0 buy, 1 sell
	SignatureType int // 0 EOA
}

// Signer produces L1 and L2 auth headers and order signatures.
type Signer struct {
	creds    *Credentials
	exchange string
	now      func() time.Time
}

// NewSigner creates a signer. now supplies exchange-aligned time; nil means time.Now.
func NewSigner(creds *Credentials, exchangeAddress string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{creds: creds, exchange: exchangeAddress, now: now}
}

// Credentials returns the underlying key holder.
func (s *Signer) Credentials() *Credentials { return s.creds }

// L1Headers signs the ClobAuth typed message proving wallet control.
func (s *Signer) L1Headers(nonce int64) (http.Header, error) {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	hash, err := clobAuthHash(s.creds.Address(), ts, nonce, s.creds.ChainID())
	if err != nil {
		return nil, err
	}
	sig, err := s.creds.sign(hash)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}
	h := http.Header{}
	h.Set(HeaderAddress, s.creds.Address())
	h.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderNonce, strconv.FormatInt(nonce, 10))
	return h, nil
}

// L2Headers authenticates a REST call with an HMAC over timestamp, method, path and body.
func (s *Signer) L2Headers(method, path string, body []byte) (http.Header, error) {
	api := s.creds.APICreds()
	if !api.Valid() {
		return nil, ErrNoAPICreds
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	sig, err := hmacSignature(api.Secret, ts, method, path, body)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(HeaderAddress, s.creds.Address())
	h.Set(HeaderSignature, sig)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderAPIKey, api.Key)
	h.Set(HeaderPassphrase, api.Passphrase)
	return h, nil
}

// SignOrder returns the 0x-prefixed EIP-712 signature of an order.
func (s *Signer) SignOrder(o OrderPayload) (string, error) {
	hash, err := orderHash(o, s.exchange, s.creds.ChainID())
	if err != nil {
		return "", err
	}
	sig, err := s.creds.sign(hash)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// OrderHash returns the EIP-712 digest of o, which the exchange uses as the
// order id.
func (s *Signer) OrderHash(o OrderPayload) (string, error) {
	hash, err := orderHash(o, s.exchange, s.creds.ChainID())
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(hash), nil
}

func hmacSignature(secret, ts, method, path string, body []byte) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	msg := ts + strings.ToUpper(method) + path
	if len(body) > 0 {
		msg += string(body)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeSecret(secret string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(secret); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("secret is not base64")
}

func clobAuthHash(address, ts string, nonce, chainID int64) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   address,
			"timestamp": ts,
			"nonce":     strconv.FormatInt(nonce, 10),
			"message":   clobAuthMessage,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash clob auth: %w", err)
	}
	return hash, nil
}

func orderHash(o OrderPayload, exchange string, chainID int64) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: exchange,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          strconv.FormatInt(o.Salt, 10),
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          strconv.Itoa(o.Side),
			"signatureType": strconv.Itoa(o.SignatureType),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	return hash, nil
}
