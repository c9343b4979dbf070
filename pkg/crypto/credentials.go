package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// APICreds is the L2 key/secret/passphrase triple issued by the exchange.
type APICreds struct {
	Key        string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Valid reports whether all three parts are present.
func (a APICreds) Valid() bool {
	return a.Key != "" && a.Secret != "" && a.Passphrase != ""
}

// Credentials holds the wallet key and the API credentials derived from it.
type Credentials struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address ethcommon.Address
	chainID int64
	api     APICreds
}

// NewCredentials parses a hex private key (0x prefix optional).
func NewCredentials(privateKeyHex string, chainID int64) (*Credentials, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Credentials{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Address is the checksummed wallet address.
func (c *Credentials) Address() string { return c.address.Hex() }

// ChainID of the settlement chain.
func (c *Credentials) ChainID() int64 { return c.chainID }

// MatchesAddress reports whether addr (any case) is the key's address.
func (c *Credentials) MatchesAddress(addr string) bool {
	return strings.EqualFold(addr, c.address.Hex())
}

// SetAPICreds installs L2 credentials, typically after derivation.
func (c *Credentials) SetAPICreds(a APICreds) {
	c.mu.Lock()
	c.api = a
	c.mu.Unlock()
}

// APICreds returns the current L2 credentials.
func (c *Credentials) APICreds() APICreds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.api
}

// HasAPICreds reports whether L2 credentials are installed.
func (c *Credentials) HasAPICreds() bool {
	return c.APICreds().Valid()
}

func (c *Credentials) sign(hash []byte) ([]byte, error) {
	c.mu.RLock()
	key := c.key
	c.mu.RUnlock()
	if key == nil {
		return nil, errors.New("credentials wiped")
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Wipe zeroes the private scalar and drops API secrets.
func (c *Credentials) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil && c.key.D != nil {
		words := c.key.D.Bits()
		for i := range words {
			words[i] = 0
		}
		c.key.D.SetInt64(0)
	}
	c.key = nil
	c.api = APICreds{}
}
