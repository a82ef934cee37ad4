package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lnchess/settlement-service/internal/config"
	"github.com/lnchess/settlement-service/internal/repo"
	"github.com/lnchess/settlement-service/internal/service"
	"go.uber.org/zap"
)

// Deps bundles everything the router needs.
type Deps struct {
	Repo        repo.RepositoryInterface
	Settlement  *service.SettlementService
	Money       *service.MoneyService
	Accounts    AccountClient
	Profiles    ProfileClient
	AuthTimeout time.Duration
}

func NewRouter(d Deps, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	auth := AuthMiddleware(d.Repo, d.Accounts, d.AuthTimeout, log)
	RegisterHandlers(r, auth, d.Settlement, d.Money, d.Profiles, log)
	return r
}
