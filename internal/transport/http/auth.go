package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lnchess/settlement-service/internal/lichess"
	"github.com/lnchess/settlement-service/internal/model"
	"github.com/lnchess/settlement-service/internal/repo"
	"go.uber.org/zap"
)

const authCookie = "access_token"

const ctxUserKey = "auth.user"

// AccountClient resolves a bearer token to a username on the game service.
type AccountClient interface {
	Account(ctx context.Context, token string) (string, error)
}

// AuthMiddleware resolves the caller from the token cookie: redis cache
// first, game-service account lookup on a miss. The resolved identity and
// the token travel together, since later external calls act as the caller.
func AuthMiddleware(r repo.RepositoryInterface, accounts AccountClient, timeout time.Duration, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(authCookie)
		if err != nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		username, err := r.GetCachedIdentity(c, token)
		if err != nil {
			ctx, cancel := context.WithTimeout(c, timeout)
			defer cancel()
			username, err = accounts.Account(ctx, token)
			if err != nil {
				if errors.Is(err, lichess.ErrRateLimited) {
					c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
					return
				}
				log.Infow("token resolution failed", "err", err)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
				return
			}
			if err := r.CacheIdentity(c, token, username); err != nil {
				log.Warn(err)
			}
		}
		c.Set(ctxUserKey, model.User{Username: username, AccessToken: token})
		c.Next()
	}
}

func currentUser(c *gin.Context) model.User {
	v, _ := c.Get(ctxUserKey)
	u, _ := v.(model.User)
	return u
}
