package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lnchess/settlement-service/internal/lichess"
	"github.com/lnchess/settlement-service/internal/model"
	"github.com/lnchess/settlement-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GameClient is the external game service seen from the settlement flow.
type GameClient interface {
	CreateChallenge(ctx context.Context, token, opponent string, req lichess.CreateChallengeRequest) (string, error)
	AcceptChallenge(ctx context.Context, token, challengeID string) error
	AddTime(ctx context.Context, token, gameID string, seconds int) error
}

const (
	challengeExpireSeconds = 1800
	challengeListLimit     = 100
)

// SettlementService owns the challenge lifecycle: creation, and the
// accept flow that debits the opponent and stands up the external game.
type SettlementService struct {
	repo        repo.RepositoryInterface
	game        GameClient
	log         *zap.SugaredLogger
	callTimeout time.Duration
}

// NewSettlementService returns SettlementService.
func NewSettlementService(r repo.RepositoryInterface, game GameClient, logger *zap.SugaredLogger, callTimeout time.Duration) *SettlementService {
	return &SettlementService{repo: r, game: game, log: logger, callTimeout: callTimeout}
}

// CreateChallenge validates the proposal and stores a waiting challenge. The
// challenger's funds are sanity-checked but not reserved; reservation happens
// at acceptance. The challenger's token is stored so the service can accept
// the external game on their behalf later.
func (s *SettlementService) CreateChallenge(ctx context.Context, user model.User, p *ChallengeProposal) (*model.Challenge, error) {
	if err := ValidateProposal(p); err != nil {
		return nil, err
	}
	bal, err := s.repo.GetBalance(ctx, s.repo.DB(ctx), user.Username)
	if err != nil {
		return nil, fmt.Errorf("create challenge: read balance: %w", err)
	}
	if bal < *p.Sats {
		return nil, repo.ErrInsufficientFunds
	}
	ch := &model.Challenge{
		Username:          user.Username,
		OppUsername:       p.OppUsername,
		TimeLimit:         *p.TimeLimit,
		OpponentTimeLimit: *p.OpponentTimeLimit,
		Increment:         *p.Increment,
		Color:             *p.Color,
		Sats:              *p.Sats,
		Status:            model.ChallengeStatusWaiting,
		ChallengerToken:   user.AccessToken,
		ExpireAfter:       challengeExpireSeconds,
	}
	if err := s.repo.CreateChallenge(ctx, s.repo.DB(ctx), ch); err != nil {
		return nil, fmt.Errorf("create challenge: insert: %w", err)
	}
	s.log.Infow("challenge created", "id", ch.ID, "challenger", ch.Username, "opponent", ch.OppUsername, "sats", ch.Sats)
	return ch, nil
}

// AcceptChallenge runs the settlement state machine. The opponent's debit,
// the ledger row and the status flip share one transaction that stays open
// across the external game calls; any failure before commit rolls all of it
// back. The external calls themselves are not compensable: if commit fails
// after the game was created, the game exists with no local record of it,
// and a retry will create a second one.
func (s *SettlementService) AcceptChallenge(ctx context.Context, user model.User, challengeID uint64) (*model.Challenge, error) {
	ch, err := s.repo.GetChallenge(ctx, s.repo.DB(ctx), challengeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("accept challenge: load: %w", err)
	}
	if ch.OppUsername != user.Username {
		return nil, ErrForbidden
	}
	if ch.Status != model.ChallengeStatusWaiting {
		return nil, ErrStateConflict
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		newBal, err := s.repo.ReserveAndDebit(ctx, tx, user.Username, ch.Sats)
		if err != nil {
			return err
		}
		t := &model.Transaction{
			Username: user.Username,
			Type:     model.TxTypeAcceptChallenge,
			Detail:   "challenge vs " + ch.Username,
			Amount:   -ch.Sats,
			State:    model.TxStateSettled,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}

		// The balance-row lock is held across these calls; a slow game
		// service serializes this user's financial operations until the
		// timeout fires.
		extCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		gameID, err := s.game.CreateChallenge(extCtx, user.AccessToken, ch.Username, externalChallenge(ch))
		if err != nil {
			return fmt.Errorf("create external game: %w", err)
		}
		if err := s.game.AcceptChallenge(extCtx, ch.ChallengerToken, gameID); err != nil {
			return fmt.Errorf("accept external game: %w", err)
		}
		if ch.TimeLimit != ch.OpponentTimeLimit {
			seconds := ch.TimeLimit - ch.OpponentTimeLimit
			if seconds < 0 {
				seconds = -seconds
			}
			// add-time grants seconds to the token owner's opponent, so the
			// shorter-clocked side issues the call
			token := user.AccessToken
			if ch.TimeLimit < ch.OpponentTimeLimit {
				token = ch.ChallengerToken
			}
			if err := s.game.AddTime(extCtx, token, gameID, seconds); err != nil {
				return fmt.Errorf("adjust clocks: %w", err)
			}
		}

		if err := s.repo.BindChallengeAccepted(ctx, tx, ch.ID, gameID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"challenge_id": ch.ID,
			"game_id":      gameID,
			"challenger":   ch.Username,
			"opponent":     ch.OppUsername,
			"sats":         ch.Sats,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Challenge", AggregateID: ch.ID, EventType: "ChallengeAccepted", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, user.Username, newBal); err != nil {
			s.log.Warn(err)
		}
		ch.Status = model.ChallengeStatusAccepted
		ch.LichessChallengeID = &gameID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("challenge accepted", "id", ch.ID, "gameId", *ch.LichessChallengeID)
	return ch, nil
}

// GetChallenge returns a challenge if the caller participates in it.
func (s *SettlementService) GetChallenge(ctx context.Context, user model.User, challengeID uint64) (*model.Challenge, error) {
	ch, err := s.repo.GetChallenge(ctx, s.repo.DB(ctx), challengeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}
	if ch.Username != user.Username && ch.OppUsername != user.Username {
		return nil, ErrForbidden
	}
	return ch, nil
}

// ListChallenges returns the caller's recent challenges.
func (s *SettlementService) ListChallenges(ctx context.Context, user model.User) ([]model.Challenge, error) {
	return s.repo.ListChallenges(ctx, s.repo.DB(ctx), user.Username, challengeListLimit)
}

// externalChallenge frames the wager for the game service. The accepting
// user issues the challenge toward the challenger, so the stored color
// preference is inverted and the clock starts at the smaller limit; the
// difference is granted back via add-time after acceptance.
func externalChallenge(ch *model.Challenge) lichess.CreateChallengeRequest {
	color := "black"
	if ch.Color == "black" {
		color = "white"
	}
	limit := ch.TimeLimit
	if ch.OpponentTimeLimit < limit {
		limit = ch.OpponentTimeLimit
	}
	return lichess.CreateChallengeRequest{
		Rated:   true,
		Clock:   lichess.ChallengeClock{Limit: limit, Increment: ch.Increment},
		Color:   color,
		Variant: "standard",
		Rules:   "noClaimWin",
	}
}
