package clob

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"
)

const endCursor = "LTE="

type postOrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// SubmitOrder posts a signed order. A success=false reply is an exchange rejection.
func (c *Client) SubmitOrder(ctx context.Context, order common.SignedOrder) (common.OrderResult, error) {
	var res postOrderResponse
	if err := c.do(ctx, http.MethodPost, "/order", nil, order, authL2, &res); err != nil {
		if errors.Is(err, errs.ErrExchangeRejection) && isDuplicate(err.Error()) {
			return common.OrderResult{}, errs.Wrap(errs.KindExchangeRejection, common.CodeDuplicateOrder, err, "order already exists")
		}
		return common.OrderResult{}, err
	}
	if !res.Success || res.OrderID == "" {
		msg := res.ErrorMsg
		if msg == "" {
			msg = "order not accepted"
		}
		code := "ORDER_REJECTED"
		if isDuplicate(msg) {
			code = common.CodeDuplicateOrder
		}
		return common.OrderResult{}, errs.New(errs.KindExchangeRejection, code, msg)
	}
	return common.OrderResult{
		ExchangeOrderID: res.OrderID,
		Status:          res.Status,
		ClientID:        order.ClientID,
	}, nil
}

func isDuplicate(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exists")
}

// CancelOrder cancels a single order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) (common.CancelResult, error) {
	var res common.CancelResult
	err := c.do(ctx, http.MethodDelete, "/order", nil, map[string]string{"orderID": exchangeOrderID}, authL2, &res)
	return res, err
}

// CancelMarket cancels every open order on a token.
func (c *Client) CancelMarket(ctx context.Context, tokenID string) (common.CancelResult, error) {
	var res common.CancelResult
	err := c.do(ctx, http.MethodDelete, "/cancel-market-orders", nil, map[string]string{"asset_id": tokenID}, authL2, &res)
	return res, err
}

// CancelAll cancels every open order on the account.
func (c *Client) CancelAll(ctx context.Context) (common.CancelResult, error) {
	var res common.CancelResult
	err := c.do(ctx, http.MethodDelete, "/cancel-all", nil, nil, authL2, &res)
	return res, err
}

type wireOpenOrder struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Side         string          `json:"side"`
	Price        string          `json:"price"`
	OriginalSize string          `json:"original_size"`
	SizeMatched  string          `json:"size_matched"`
	OrderType    string          `json:"order_type"`
	Expiration   string          `json:"expiration"`
	CreatedAt    json.RawMessage `json:"created_at"`
}

func (w wireOpenOrder) toCommon() common.OpenOrder {
	o := common.OpenOrder{
		ID:           w.ID,
		Market:       w.Market,
		TokenID:      w.AssetID,
		Side:         common.Side(w.Side),
		Price:        parseFloat(w.Price),
		OriginalSize: parseFloat(w.OriginalSize),
		SizeMatched:  parseFloat(w.SizeMatched),
		Type:         common.OrderType(w.OrderType),
		Status:       w.Status,
	}
	if exp, err := strconv.ParseInt(w.Expiration, 10, 64); err == nil && exp > 0 {
		o.Expiration = time.Unix(exp, 0).UTC()
	}
	var sec int64
	if json.Unmarshal(w.CreatedAt, &sec) == nil && sec > 0 {
		o.CreatedAt = time.Unix(sec, 0).UTC()
	} else {
		var s string
		if json.Unmarshal(w.CreatedAt, &s) == nil {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				o.CreatedAt = time.Unix(v, 0).UTC()
			}
		}
	}
	return o
}

type openOrdersPage struct {
	Data       []wireOpenOrder `json:"data"`
	NextCursor string          `json:"next_cursor"`
}

// OpenOrders returns a point-in-time list of every open order, following pagination.
func (c *Client) OpenOrders(ctx context.Context) ([]common.OpenOrder, error) {
	var out []common.OpenOrder
	cursor := ""
	for {
		q := url.Values{}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}
		var page openOrdersPage
		if err := c.do(ctx, http.MethodGet, "/data/orders", q, nil, authL2, &page); err != nil {
			return nil, err
		}
		for _, w := range page.Data {
			out = append(out, w.toCommon())
		}
		if page.NextCursor == "" || page.NextCursor == endCursor || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// Order fetches one order by exchange id.
func (c *Client) Order(ctx context.Context, exchangeOrderID string) (common.OpenOrder, error) {
	var w wireOpenOrder
	if err := c.do(ctx, http.MethodGet, "/data/order/"+url.PathEscape(exchangeOrderID), nil, nil, authL2, &w); err != nil {
		return common.OpenOrder{}, err
	}
	if w.ID == "" {
		return common.OpenOrder{}, errs.Newf(errs.KindNotFound, "ORDER_NOT_FOUND", "order %s not found", exchangeOrderID)
	}
	return w.toCommon(), nil
}
