package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lnchess/settlement-service/internal/lichess"
	"github.com/lnchess/settlement-service/internal/repo"
	"github.com/lnchess/settlement-service/internal/service"
	"go.uber.org/zap"
)

// ProfileClient looks up public game-service profiles.
type ProfileClient interface {
	User(ctx context.Context, username string) (*lichess.PublicUser, error)
}

// RegisterHandlers mounts the API routes behind the auth middleware.
func RegisterHandlers(r *gin.Engine, auth gin.HandlerFunc, settle *service.SettlementService, money *service.MoneyService, profiles ProfileClient, log *zap.SugaredLogger) {
	api := r.Group("/api", auth)
	{
		api.POST("/challenge", createChallengeHandler(settle, log))
		api.POST("/accept-challenge", acceptChallengeHandler(settle, log))
		api.GET("/challenges", listChallengesHandler(settle, log))
		api.GET("/challenge/:id", getChallengeHandler(settle, log))

		api.POST("/invoice", createInvoiceHandler(money, log))
		api.POST("/send-payment", sendPaymentHandler(money, log))
		api.GET("/balance", balanceHandler(money, log))
		api.GET("/transactions", listTransactionsHandler(money, log))
		api.POST("/transaction/:id", getTransactionHandler(money, log))

		api.GET("/lichess/user/:username", profileHandler(profiles, log))
	}
}

// writeError maps the error taxonomy to coarse HTTP classes. Causal detail
// for server-side failures goes to the log, never to the caller.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, service.ErrBadPaymentRequest),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, repo.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrChallengeNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, lichess.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, lichess.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	default:
		log.Errorw("request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func createChallengeHandler(settle *service.SettlementService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p service.ChallengeProposal
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
			return
		}
		ch, err := settle.CreateChallenge(c, currentUser(c), &p)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

type acceptChallengeReq struct {
	ID uint64 `json:"id" binding:"required"`
}

func acceptChallengeHandler(settle *service.SettlementService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req acceptChallengeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
			return
		}
		ch, err := settle.AcceptChallenge(c, currentUser(c), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

func listChallengesHandler(settle *service.SettlementService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cs, err := settle.ListChallenges(c, currentUser(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, cs)
	}
}

func getChallengeHandler(settle *service.SettlementService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid challenge id"})
			return
		}
		ch, err := settle.GetChallenge(c, currentUser(c), id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

type invoiceReq struct {
	Sats int64 `json:"sats" binding:"required"`
}

func createInvoiceHandler(money *service.MoneyService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req invoiceReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
			return
		}
		row, err := money.CreateInvoice(c, currentUser(c), req.Sats)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

type sendPaymentReq struct {
	PaymentRequest string `json:"payment_request" binding:"required"`
}

func sendPaymentHandler(money *service.MoneyService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendPaymentReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
			return
		}
		if _, err := money.Withdraw(c, currentUser(c), req.PaymentRequest); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"complete": true})
	}
}

func balanceHandler(money *service.MoneyService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		bal, err := money.GetBalance(c, user.Username)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"username": user.Username, "balance": bal})
	}
}

func listTransactionsHandler(money *service.MoneyService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		txs, err := money.ListTransactions(c, currentUser(c).Username)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func getTransactionHandler(money *service.MoneyService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
			return
		}
		row, err := money.GetTransaction(c, currentUser(c), id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

func profileHandler(profiles ProfileClient, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := profiles.User(c, c.Param("username"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}
