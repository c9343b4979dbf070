package clob

import (
	"context"
	"net/http"
	"net/url"

	"clob-agent/pkg/crypto"
	"clob-agent/pkg/errs"
)

const collateralDecimals = 1e6

// CollateralBalance returns the account's USDC balance.
func (c *Client) CollateralBalance(ctx context.Context) (float64, error) {
	var res struct {
		Balance string `json:"balance"`
	}
	q := url.Values{"asset_type": {"COLLATERAL"}, "signature_type": {"0"}}
	if err := c.do(ctx, http.MethodGet, "/balance-allowance", q, nil, authL2, &res); err != nil {
		return 0, err
	}
	return parseFloat(res.Balance) / collateralDecimals, nil
}

// DeriveAPIKey recovers existing L2 credentials using the wallet signature.
func (c *Client) DeriveAPIKey(ctx context.Context) (crypto.APICreds, error) {
	var creds crypto.APICreds
	err := c.do(ctx, http.MethodGet, "/auth/derive-api-key", nil, nil, authL1, &creds)
	return creds, err
}

// CreateAPIKey issues new L2 credentials.
func (c *Client) CreateAPIKey(ctx context.Context) (crypto.APICreds, error) {
	var creds crypto.APICreds
	err := c.do(ctx, http.MethodPost, "/auth/api-key", nil, nil, authL1, &creds)
	return creds, err
}

// CreateOrDeriveAPIKey derives credentials, creating them when none exist yet.
func (c *Client) CreateOrDeriveAPIKey(ctx context.Context) (crypto.APICreds, error) {
	creds, err := c.DeriveAPIKey(ctx)
	if err == nil && creds.Valid() {
		return creds, nil
	}
	if errs.Retryable(err) {
		return crypto.APICreds{}, err
	}
	creds, err = c.CreateAPIKey(ctx)
	if err != nil {
		return crypto.APICreds{}, err
	}
	if !creds.Valid() {
		return crypto.APICreds{}, errs.New(errs.KindExchangeRejection, "API_KEY", "exchange returned incomplete api credentials")
	}
	return creds, nil
}
