// Package clob is the REST client for the exchange's central limit order book API.
package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clob-agent/pkg/crypto"
	"clob-agent/pkg/errs"

	"go.uber.org/zap"
)

type authLevel int

const (
	authNone authLevel = iota
	authL1
	authL2
)

// Config holds the REST endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the CLOB REST API. A nil signer restricts it to public endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	logger     *zap.Logger
}

// New creates a client.
func New(cfg Config, signer *crypto.Signer, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		logger:     logger,
	}
}

type apiError struct {
	Error    string `json:"error"`
	ErrorMsg string `json:"errorMsg"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, auth authLevel, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if auth != authNone {
		if c.signer == nil {
			return errs.New(errs.KindConfig, "NO_SIGNER", "authenticated call without credentials")
		}
		var h http.Header
		if auth == authL1 {
			h, err = c.signer.L1Headers(0)
		} else {
			h, err = c.signer.L2Headers(method, path, payload)
		}
		if err != nil {
			return errs.Wrap(errs.KindConfig, "AUTH_HEADERS", err, "sign request")
		}
		for k, v := range h {
			req.Header[k] = v
		}
	}

	op := method + " " + path
	res, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "HTTP", err, op)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "HTTP_READ", err, op)
	}

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return errs.Newf(errs.KindTransport, "HTTP_"+strconv.Itoa(res.StatusCode), "%s: %s", op, truncate(raw))
	}
	if res.StatusCode >= 300 {
		msg := truncate(raw)
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil {
			if ae.Error != "" {
				msg = ae.Error
			} else if ae.ErrorMsg != "" {
				msg = ae.ErrorMsg
			}
		}
		code := "HTTP_" + strconv.Itoa(res.StatusCode)
		if res.StatusCode == http.StatusNotFound {
			return errs.New(errs.KindNotFound, code, msg)
		}
		return errs.New(errs.KindExchangeRejection, code, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
