package api

import (
	"errors"
	"io"
	"net/http"

	"clob-agent/internal/engine"
	"clob-agent/internal/order"
	"clob-agent/internal/strategy"
	"clob-agent/pkg/db"
	"clob-agent/pkg/errs"

	"github.com/gin-gonic/gin"
)

const maxIntentBytes = 1 << 20

type listOrdersQuery struct {
	TokenID  string `form:"token_id"`
	OpenOnly bool   `form:"open"`
	Limit    int    `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState:
		return http.StatusConflict
	case errs.KindAdmissionTimeout:
		return http.StatusTooManyRequests
	case errs.KindPlannerInfeasible, errs.KindExchangeRejection:
		return http.StatusUnprocessableEntity
	case errs.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	c.JSON(statusFor(kind), gin.H{
		"kind":  kind,
		"code":  errs.CodeOf(err),
		"error": err.Error(),
	})
}

func (s *Server) readIntent(c *gin.Context) (strategy.Intent, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIntentBytes))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "cannot read request body")
		return nil, false
	}
	in, err := strategy.Decode(body)
	if err != nil {
		respondErr(c, err)
		return nil, false
	}
	return in, true
}

func (s *Server) writeResult(c *gin.Context, res engine.ExecutionResult) {
	status := http.StatusOK
	if res.Error != nil {
		status = statusFor(res.Error.Kind)
	}
	c.JSON(status, res)
}

// submitIntent executes an intent. In demo mode the result is a preview.
func (s *Server) submitIntent(c *gin.Context) {
	in, ok := s.readIntent(c)
	if !ok {
		return
	}
	s.writeResult(c, s.deps.Engine.Submit(c.Request.Context(), in))
}

func (s *Server) previewIntent(c *gin.Context) {
	in, ok := s.readIntent(c)
	if !ok {
		return
	}
	s.writeResult(c, s.deps.Engine.Preview(c.Request.Context(), in))
}

func (s *Server) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	orders := s.deps.Engine.Orders(order.Filter{TokenID: q.TokenID, OpenOnly: q.OpenOnly})
	if len(orders) > q.Limit {
		orders = orders[len(orders)-q.Limit:]
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	o, ok := s.deps.Engine.Order(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	}
	c.JSON(http.StatusOK, o)
}

// getOrderHistory serves the journaled transitions and fills of one order.
func (s *Server) getOrderHistory(c *gin.Context) {
	if s.deps.History == nil {
		respondError(c, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "order journal is not enabled")
		return
	}
	id := c.Param("id")
	if o, ok := s.deps.Engine.Order(id); ok {
		id = o.ID
	}
	ctx := c.Request.Context()
	rec, err := s.deps.History.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not journaled")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	transitions, err := s.deps.History.Transitions(ctx, id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	fills, err := s.deps.History.Fills(ctx, id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":       rec,
		"transitions": transitions,
		"fills":       fills,
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	out, err := s.deps.Engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) cancelMarket(c *gin.Context) {
	out, err := s.deps.Engine.CancelMarket(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) cancelAll(c *gin.Context) {
	out, err := s.deps.Engine.CancelAll(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.Positions())
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.Portfolio())
}

func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{"system": s.deps.Engine.Status()}
	if s.deps.Metrics != nil {
		resp["runtime"] = s.deps.Metrics.Runtime()
	}
	if s.deps.Alerts != nil {
		resp["alerts"] = s.deps.Alerts.List()
	}
	if s.deps.Bus != nil {
		resp["events_dropped"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getConfig(c *gin.Context) {
	if s.deps.Config == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Config)
}

func (s *Server) getRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.Status().RateLimits)
}
