package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/gigmesh/gigmesh/internal/gigs"
	"github.com/gigmesh/gigmesh/internal/idgen"
	"github.com/gigmesh/gigmesh/internal/logging"
	"github.com/gigmesh/gigmesh/internal/metrics"
	"github.com/gigmesh/gigmesh/internal/money"
	"github.com/gigmesh/gigmesh/internal/order"
	"github.com/gigmesh/gigmesh/internal/traces"
	"github.com/gigmesh/gigmesh/internal/validation"
	"github.com/gigmesh/gigmesh/internal/wallet"
)

// -----------------------------------------------------------------------------
// Agent accounts
// -----------------------------------------------------------------------------

type registerAgentRequest struct {
	Kind string `json:"kind"` // "simple" (default) or "custody"
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	// Body is optional; an empty body registers a simple account.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid JSON body: "+err.Error())
			return
		}
	}
	kind := wallet.Kind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = wallet.KindSimple
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "agent.register")
	defer span.End()

	account, err := s.walletSvc.Register(ctx, kind)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.realtimeHub.NotifyAgentRegistered(account.Address, string(account.Kind))

	c.JSON(http.StatusCreated, gin.H{
		"address":    account.Address,
		"kind":       account.Kind,
		"owner":      account.Owner,
		"deployed":   account.Deployed,
		"created_at": account.CreatedAt,
	})
}

func (s *Server) getAgent(c *gin.Context) {
	address := c.Param("address")

	account, err := s.walletSvc.Get(c.Request.Context(), address)
	if err != nil {
		s.respondError(c, err)
		return
	}

	snap := s.balances.Get(c.Request.Context(), common.HexToAddress(account.Address))

	c.JSON(http.StatusOK, gin.H{
		"address":    account.Address,
		"kind":       account.Kind,
		"owner":      account.Owner,
		"deployed":   account.Deployed,
		"co_signers": account.CoSigners,
		"created_at": account.CreatedAt,
		"balances": gin.H{
			"native_wei": snap.Native.String(),
			"stable":     money.Format(snap.Stable),
			"fetched_at": snap.FetchedAt,
			"stale":      snap.Stale,
		},
	})
}

func (s *Server) listAgentOrders(c *gin.Context) {
	address := c.Param("address")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		limit = n
	}

	orders, err := s.orderSvc.ListByAgent(c.Request.Context(), address, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

func (s *Server) getSellerStats(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	stats, err := s.gigStore.Stats(c.Request.Context(), address)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Withdrawals
// -----------------------------------------------------------------------------

type withdrawRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) withdraw(c *gin.Context) {
	address := c.Param("address")

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON body: "+err.Error())
		return
	}
	if !validation.IsValidEthAddress(req.To) {
		metrics.WithdrawalsTotal.WithLabelValues("credential", "error").Inc()
		badRequest(c, "Invalid destination address")
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "wallet.withdraw",
		traces.AgentAddr(address),
		traces.Amount(req.Amount),
	)
	defer span.End()

	txHash, err := s.walletSvc.Withdraw(ctx, address, req.To, req.Amount)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("credential", "error").Inc()
		s.respondError(c, err)
		return
	}

	metrics.WithdrawalsTotal.WithLabelValues("credential", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"tx_hash": txHash,
		"from":    strings.ToLower(address),
		"to":      strings.ToLower(req.To),
		"amount":  req.Amount,
	})
}

type signedWithdrawRequest struct {
	To        string `json:"to" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

func (s *Server) signedWithdraw(c *gin.Context) {
	address := c.Param("address")

	var req signedWithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON body: "+err.Error())
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "wallet.withdraw_signed",
		traces.AgentAddr(address),
		traces.Amount(req.Amount),
	)
	defer span.End()

	txHash, err := s.walletSvc.SignedWithdraw(ctx, &wallet.SignedWithdrawRequest{
		Account:   address,
		To:        req.To,
		Amount:    req.Amount,
		Timestamp: req.Timestamp,
		Message:   req.Message,
		Signature: req.Signature,
	})
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("signed", "error").Inc()
		s.respondError(c, err)
		return
	}

	metrics.WithdrawalsTotal.WithLabelValues("signed", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"tx_hash": txHash,
		"from":    strings.ToLower(address),
		"to":      strings.ToLower(req.To),
		"amount":  req.Amount,
	})
}

// -----------------------------------------------------------------------------
// Custody accounts
// -----------------------------------------------------------------------------

func (s *Server) getCustody(c *gin.Context) {
	status, err := s.walletSvc.Custody(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type addCoSignerRequest struct {
	CoSigner string `json:"co_signer" binding:"required"`
}

func (s *Server) addCoSigner(c *gin.Context) {
	var req addCoSignerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON body: "+err.Error())
		return
	}

	account, err := s.walletSvc.AddCoSigner(c.Request.Context(), c.Param("address"), req.CoSigner)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":    account.Address,
		"co_signers": account.CoSigners,
		"threshold":  account.Threshold,
	})
}

// -----------------------------------------------------------------------------
// Gigs
// -----------------------------------------------------------------------------

type createGigRequest struct {
	SellerAddr  string                      `json:"seller_addr" binding:"required"`
	Title       string                      `json:"title" binding:"required"`
	Description string                      `json:"description"`
	Tiers       map[gigs.Tier]gigs.TierSpec `json:"tiers" binding:"required"`
}

func (s *Server) createGig(c *gin.Context) {
	var req createGigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON body: "+err.Error())
		return
	}

	if !validation.IsValidEthAddress(req.SellerAddr) {
		badRequest(c, "Invalid seller address")
		return
	}
	if len(req.Tiers) == 0 {
		badRequest(c, "At least one tier is required")
		return
	}
	for tier, spec := range req.Tiers {
		if !gigs.ValidTier(tier) {
			badRequest(c, "Unknown tier: "+string(tier))
			return
		}
		if _, err := money.ParsePositive(spec.Price); err != nil {
			badRequest(c, "Invalid price for tier "+string(tier))
			return
		}
		if spec.RevisionsMax < 0 || spec.DeliveryDays < 0 {
			badRequest(c, "Negative limits on tier "+string(tier))
			return
		}
	}

	now := time.Now().UTC()
	gig := &gigs.Gig{
		ID:          idgen.WithPrefix("gig_"),
		SellerAddr:  validation.SanitizeAddress(req.SellerAddr),
		Title:       validation.SanitizeString(req.Title, 200),
		Description: validation.SanitizeString(req.Description, 2000),
		Tiers:       req.Tiers,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.gigStore.Create(c.Request.Context(), gig); err != nil {
		s.respondError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("gig created",
		"gig_id", gig.ID,
		"seller", gig.SellerAddr,
		"title", gig.Title)
	c.JSON(http.StatusCreated, gig)
}

func (s *Server) getGig(c *gin.Context) {
	gig, err := s.gigStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gig)
}

// -----------------------------------------------------------------------------
// Orders
// -----------------------------------------------------------------------------

func (s *Server) createOrder(c *gin.Context) {
	var req order.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON body: "+err.Error())
		return
	}

	if !validation.IsValidEthAddress(req.BuyerAddr) {
		badRequest(c, "Invalid buyer address")
		return
	}
	req.Brief = validation.SanitizeString(req.Brief, validation.MaxBriefLength)
	req.Input = validation.SanitizeString(req.Input, validation.MaxBriefLength)

	ctx, span := traces.StartSpan(c.Request.Context(), "order.create",
		traces.GigID(req.GigID),
		traces.AgentAddr(req.BuyerAddr),
	)
	defer span.End()

	o, err := s.orderSvc.Create(ctx, req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Status)).Inc()
	c.JSON(http.StatusCreated, o)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.orderSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
}

func (s *Server) transitionOrder(c *gin.Context) {
	orderID := c.Param("id")

	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON body: "+err.Error())
		return
	}
	if !validation.IsValidEthAddress(req.Actor) {
		badRequest(c, "Invalid actor address")
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "order.transition",
		traces.OrderID(orderID),
		traces.OrderStatus(req.Status),
	)
	defer span.End()

	o, err := s.orderSvc.Transition(ctx, orderID, order.Status(req.Status), req.Actor)
	if err != nil {
		s.respondError(c, err)
		return
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Status)).Inc()
	c.JSON(http.StatusOK, o)
}

type deliverRequest struct {
	Actor       string `json:"actor" binding:"required"`
	Payload     string `json:"payload"`
	ContentHash string `json:"content_hash"`
}

func (s *Server) deliverOrder(c *gin.Context) {
	orderID := c.Param("id")

	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON body: "+err.Error())
		return
	}
	if !validation.IsValidEthAddress(req.Actor) {
		badRequest(c, "Invalid actor address")
		return
	}
	if len(req.Payload) > validation.MaxPayloadLength {
		badRequest(c, "Delivery payload too large")
		return
	}
	if req.ContentHash != "" && !validation.IsValidHex(req.ContentHash) {
		badRequest(c, "Content hash must be hex")
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "order.deliver",
		traces.OrderID(orderID),
	)
	defer span.End()

	o, err := s.orderSvc.Deliver(ctx, orderID, req.Actor, req.Payload, req.ContentHash)
	if err != nil {
		s.respondError(c, err)
		return
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Status)).Inc()
	c.JSON(http.StatusOK, o)
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "bad_request",
		"message": message,
	})
}

// respondError maps service errors onto HTTP status codes. Anything
// unmatched is a 500 with the detail kept out of the response body.
func (s *Server) respondError(c *gin.Context, err error) {
	var transitionErr *order.InvalidTransitionError
	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, wallet.ErrAccountNotFound),
		errors.Is(err, gigs.ErrGigNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})

	case errors.Is(err, order.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})

	case errors.Is(err, wallet.ErrUnauthorized),
		errors.Is(err, order.ErrUnauthorized),
		errors.Is(err, wallet.ErrInvalidSignature):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})

	case errors.As(err, &transitionErr),
		errors.Is(err, wallet.ErrNotDeployed),
		errors.Is(err, wallet.ErrCoSignerExists),
		errors.Is(err, wallet.ErrAccountExists),
		errors.Is(err, gigs.ErrGigExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})

	case errors.Is(err, order.ErrValidation),
		errors.Is(err, order.ErrSelfOrder),
		errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, wallet.ErrInvalidKind),
		errors.Is(err, wallet.ErrNotCustody),
		errors.Is(err, wallet.ErrMessageMismatch),
		errors.Is(err, wallet.ErrStaleTimestamp),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, gigs.ErrTierNotFound):
		badRequest(c, err.Error())

	default:
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.Request.URL.Path,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
