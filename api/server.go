// Package api exposes the trading core over HTTP: order entry, market
// data, PnL queries, settlement operator endpoints and the WebSocket feed.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	commonerrors "github.com/velora-exchange/velora/common/errors"
	"github.com/velora-exchange/velora/internal/engine"
	"github.com/velora-exchange/velora/internal/ledger"
	"github.com/velora-exchange/velora/internal/positions"
	"github.com/velora-exchange/velora/internal/settlement"
	"github.com/velora-exchange/velora/internal/ws"
	"github.com/velora-exchange/velora/pkg/models"
)

// Server wires the HTTP surface to the trading services.
type Server struct {
	logger     *zap.Logger
	engine     *engine.Service
	tracker    *positions.Tracker
	queue      *settlement.Queue
	reconciler *settlement.Reconciler
	ledger     *ledger.Ledger
	hub        *ws.Hub
	router     *gin.Engine
}

// NewServer builds the router. Any of queue, reconciler, hub may be nil in
// tests; their routes then return 503.
func NewServer(logger *zap.Logger, eng *engine.Service, tracker *positions.Tracker,
	queue *settlement.Queue, reconciler *settlement.Reconciler, l *ledger.Ledger, hub *ws.Hub) *Server {
	s := &Server{
		logger:     logger,
		engine:     eng,
		tracker:    tracker,
		queue:      queue,
		reconciler: reconciler,
		ledger:     l,
		hub:        hub,
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.serveWS)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/orders", s.submitOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/orders/history", s.orderHistory)
		v1.GET("/orderbook/:market", s.orderBook)
		v1.GET("/markets", s.markets)
		v1.GET("/metrics/performance", s.performance)
		v1.GET("/pnl", s.userPnL)
		v1.GET("/balances", s.balance)
		v1.POST("/balances/deposit", s.deposit)
		v1.POST("/balances/withdraw", s.withdraw)
		v1.GET("/settlement/pending", s.pendingTrades)
		v1.GET("/settlement/failed", s.failedBatches)
		v1.POST("/settlement/failed/:id/requeue", s.requeueBatch)
		v1.GET("/settlement/events/:market", s.recentEvents)
	}
	s.router = r
	return s
}

// Router returns the underlying gin engine, for serving and for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) problem(c *gin.Context, err error) {
	p := commonerrors.Problem(err, c.FullPath())
	c.JSON(p.Status, p)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

type submitOrderRequest struct {
	UserID          uuid.UUID       `json:"user_id" binding:"required"`
	MarketID        string          `json:"market_id" binding:"required"`
	Side            string          `json:"side" binding:"required"`
	Type            string          `json:"type" binding:"required"`
	Price           decimal.Decimal `json:"price"`
	WorstPrice      decimal.Decimal `json:"worst_price"`
	Quantity        decimal.Decimal `json:"quantity" binding:"required"`
	IcebergQuantity decimal.Decimal `json:"iceberg_quantity"`
	TimeInForce     string          `json:"time_in_force" binding:"required"`
	ExpireAt        *time.Time      `json:"expire_at"`
	PostOnly        bool            `json:"post_only"`
	Nonce           uint64          `json:"nonce"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "invalid order payload: %v", err))
		return
	}
	order := &models.Order{
		UserID:          req.UserID,
		MarketID:        req.MarketID,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		WorstPrice:      req.WorstPrice,
		Quantity:        req.Quantity,
		IcebergQuantity: req.IcebergQuantity,
		TimeInForce:     req.TimeInForce,
		ExpireAt:        req.ExpireAt,
		PostOnly:        req.PostOnly,
		Nonce:           req.Nonce,
	}
	ack, err := s.engine.SubmitOrder(c.Request.Context(), order)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusCreated, ack)
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "invalid order id"))
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "user_id required"))
		return
	}
	ack, err := s.engine.CancelOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) orderHistory(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "user_id required"))
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	orders, err := s.engine.OrderHistory(userID, limit, offset)
	if err != nil {
		s.problem(c, commonerrors.Wrap(commonerrors.CodeInternal, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) orderBook(c *gin.Context) {
	depth := intQuery(c, "depth", 20)
	snap, err := s.engine.BookState(c.Param("market"), depth)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) markets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"markets": s.engine.Markets()})
}

func (s *Server) performance(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Performance())
}

func (s *Server) userPnL(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "user_id required"))
		return
	}
	marketID := c.Query("market_id")
	if marketID == "" {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "market_id required"))
		return
	}
	c.JSON(http.StatusOK, s.tracker.UserPnL(userID, marketID))
}

func (s *Server) balance(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "user_id required"))
		return
	}
	asset := c.Query("asset")
	if asset == "" {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "asset required"))
		return
	}
	c.JSON(http.StatusOK, s.ledger.Balance(userID, asset))
}

type balanceRequest struct {
	UserID uuid.UUID       `json:"user_id" binding:"required"`
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) deposit(c *gin.Context) {
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "invalid deposit payload: %v", err))
		return
	}
	if err := s.ledger.Deposit(req.UserID, req.Asset, req.Amount); err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ledger.Balance(req.UserID, req.Asset))
}

func (s *Server) withdraw(c *gin.Context) {
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "invalid withdraw payload: %v", err))
		return
	}
	if err := s.ledger.Withdraw(req.UserID, req.Asset, req.Amount); err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ledger.Balance(req.UserID, req.Asset))
}

func (s *Server) pendingTrades(c *gin.Context) {
	if s.queue == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": s.queue.PendingTrades()})
}

func (s *Server) failedBatches(c *gin.Context) {
	if s.queue == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": s.queue.FailedBatches()})
}

func (s *Server) requeueBatch(c *gin.Context) {
	if s.queue == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "invalid batch id"))
		return
	}
	if !s.queue.RequeueFailed(batchID) {
		s.problem(c, commonerrors.New(commonerrors.CodeOrderNotFound, "batch %s not parked", batchID))
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) recentEvents(c *gin.Context) {
	if s.reconciler == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.reconciler.RecentEvents(c.Param("market"))})
}

func (s *Server) serveWS(c *gin.Context) {
	if s.hub == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		s.problem(c, commonerrors.New(commonerrors.CodeInvalidOrder, "user_id required"))
		return
	}
	s.hub.ServeWS(c.Writer, c.Request, userID)
}

func intQuery(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}
