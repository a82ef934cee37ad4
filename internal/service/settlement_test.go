package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/lnchess/settlement-service/internal/lichess"
	"github.com/lnchess/settlement-service/internal/logger"
	"github.com/lnchess/settlement-service/internal/model"
	"github.com/lnchess/settlement-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type createCall struct {
	token    string
	opponent string
	req      lichess.CreateChallengeRequest
}

type acceptCall struct {
	token       string
	challengeID string
}

type addTimeCall struct {
	token   string
	gameID  string
	seconds int
}

// stubGame records calls and fails on demand.
type stubGame struct {
	gameID     string
	createErr  error
	acceptErr  error
	addTimeErr error
	creates    []createCall
	accepts    []acceptCall
	addTimes   []addTimeCall
}

func (g *stubGame) CreateChallenge(ctx context.Context, token, opponent string, req lichess.CreateChallengeRequest) (string, error) {
	g.creates = append(g.creates, createCall{token: token, opponent: opponent, req: req})
	if g.createErr != nil {
		return "", g.createErr
	}
	return g.gameID, nil
}

func (g *stubGame) AcceptChallenge(ctx context.Context, token, challengeID string) error {
	g.accepts = append(g.accepts, acceptCall{token: token, challengeID: challengeID})
	return g.acceptErr
}

func (g *stubGame) AddTime(ctx context.Context, token, gameID string, seconds int) error {
	g.addTimes = append(g.addTimes, addTimeCall{token: token, gameID: gameID, seconds: seconds})
	return g.addTimeErr
}

func newTestRepo(t *testing.T) repo.RepositoryInterface {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Balance{}, &model.Transaction{}, &model.Challenge{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	return repo.NewRepository(db, rdb, &kafka.Writer{}, log)
}

func newSettlementTest(t *testing.T) (*SettlementService, *stubGame, repo.RepositoryInterface, context.Context) {
	t.Helper()
	r := newTestRepo(t)
	game := &stubGame{gameID: "game1"}
	log, _ := logger.NewLogger()
	return NewSettlementService(r, game, log, 5*time.Second), game, r, context.Background()
}

func seedBalance(t *testing.T, r repo.RepositoryInterface, ctx context.Context, username string, bal int64) {
	t.Helper()
	assert.NoError(t, r.DB(ctx).Create(&model.Balance{Username: username, Balance: bal}).Error)
}

func seedChallenge(t *testing.T, r repo.RepositoryInterface, ctx context.Context, ch *model.Challenge) *model.Challenge {
	t.Helper()
	assert.NoError(t, r.DB(ctx).Create(ch).Error)
	return ch
}

func waitingChallenge(timeLimit, oppTimeLimit int) *model.Challenge {
	return &model.Challenge{
		Username:          "user1",
		OppUsername:       "user2",
		TimeLimit:         timeLimit,
		OpponentTimeLimit: oppTimeLimit,
		Increment:         0,
		Color:             "white",
		Sats:              100,
		Status:            model.ChallengeStatusWaiting,
		ChallengerToken:   "challenger-token",
		ExpireAfter:       1800,
	}
}

func opponent() model.User {
	return model.User{Username: "user2", AccessToken: "opp-token"}
}

func settledSum(t *testing.T, r repo.RepositoryInterface, ctx context.Context, username string) int64 {
	t.Helper()
	var txs []model.Transaction
	assert.NoError(t, r.DB(ctx).Where("username = ? AND state = ?", username, model.TxStateSettled).Find(&txs).Error)
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	return sum
}

func TestAcceptChallenge_EqualClocks(t *testing.T) {
	svc, game, r, ctx := newSettlementTest(t)
	seedBalance(t, r, ctx, "user2", 500)
	// seed a settled funding row so balance equals the settled sum
	assert.NoError(t, r.DB(ctx).Create(&model.Transaction{
		Username: "user2", Type: model.TxTypeInvoice, Amount: 500, State: model.TxStateSettled,
	}).Error)
	ch := seedChallenge(t, r, ctx, waitingChallenge(300, 300))

	out, err := svc.AcceptChallenge(ctx, opponent(), ch.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.ChallengeStatusAccepted, out.Status)
	assert.NotNil(t, out.LichessChallengeID)
	assert.Equal(t, "game1", *out.LichessChallengeID)

	bal, err := r.GetBalance(ctx, r.DB(ctx), "user2")
	assert.NoError(t, err)
	assert.Equal(t, int64(400), bal)

	var txs []model.Transaction
	assert.NoError(t, r.DB(ctx).Where("type = ?", model.TxTypeAcceptChallenge).Find(&txs).Error)
	assert.Len(t, txs, 1)
	assert.Equal(t, int64(-100), txs[0].Amount)
	assert.Equal(t, model.TxStateSettled, txs[0].State)
	assert.Equal(t, "challenge vs user1", txs[0].Detail)

	// the game is created from the accepting side with the color inverted
	// and the clock at the common limit; no clock adjustment when equal
	assert.Len(t, game.creates, 1)
	assert.Equal(t, "opp-token", game.creates[0].token)
	assert.Equal(t, "user1", game.creates[0].opponent)
	assert.Equal(t, "black", game.creates[0].req.Color)
	assert.Equal(t, 300, game.creates[0].req.Clock.Limit)
	assert.True(t, game.creates[0].req.Rated)
	assert.Equal(t, "standard", game.creates[0].req.Variant)
	assert.Equal(t, "noClaimWin", game.creates[0].req.Rules)
	assert.Len(t, game.accepts, 1)
	assert.Equal(t, "challenger-token", game.accepts[0].token)
	assert.Empty(t, game.addTimes)

	assert.Equal(t, bal, settledSum(t, r, ctx, "user2"))
}

func TestAcceptChallenge_InsufficientFunds(t *testing.T) {
	svc, game, r, ctx := newSettlementTest(t)
	seedBalance(t, r, ctx, "user2", 50)
	ch := seedChallenge(t, r, ctx, waitingChallenge(300, 300))

	_, err := svc.AcceptChallenge(ctx, opponent(), ch.ID)
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	bal, _ := r.GetBalance(ctx, r.DB(ctx), "user2")
	assert.Equal(t, int64(50), bal)

	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)

	stored, _ := r.GetChallenge(ctx, r.DB(ctx), ch.ID)
	assert.Equal(t, model.ChallengeStatusWaiting, stored.Status)
	assert.Empty(t, game.creates)
}

func TestAcceptChallenge_UnevenClocks(t *testing.T) {
	svc, game, r, ctx := newSettlementTest(t)
	seedBalance(t, r, ctx, "user2", 500)
	ch := seedChallenge(t, r, ctx, waitingChallenge(300, 180))

	_, err := svc.AcceptChallenge(ctx, opponent(), ch.ID)
	assert.NoError(t, err)

	assert.Equal(t, 180, game.creates[0].req.Clock.Limit)
	assert.Len(t, game.addTimes, 1)
	assert.Equal(t, 120, game.addTimes[0].seconds)
	// the shorter-clocked side issues the call so its opponent gets the time
	assert.Equal(t, "opp-token", game.addTimes[0].token)
	assert.Equal(t, "game1", game.addTimes[0].gameID)
}

func TestAcceptChallenge_UnevenClocks_ChallengerShorter(t *testing.T) {
	svc, game, r, ctx := newSettlementTest(t)
	seedBalance(t, r, ctx, "user2", 500)
	ch := seedChallenge(t, r, ctx, waitingChallenge(180, 300))

	_, err := svc.AcceptChallenge(ctx, opponent(), ch.ID)
	assert.NoError(t, err)

	assert.Len(t, game.addTimes, 1)
	assert.Equal(t, 120, game.addTimes[0].seconds)
	assert.Equal(t, "challenger-token", game.addTimes[0].token)
}

func TestAcceptChallenge_DoubleAccept(t *testing.T) {
	svc, _, r, ctx := newSettlementTest(t)
	seedBalance(t, r, ctx, "user2", 500)
	ch := seedChallenge(t, r, ctx, waitingChallenge(300, 300))

	_, err := svc.AcceptChallenge(ctx, opponent(), ch.ID)
	assert.NoError(t, err)

	_, err = svc.AcceptChallenge(ctx, opponent(), ch.ID)
	assert.ErrorIs(t, err, ErrStateConflict)

	// no second debit
	bal, _ := r.GetBalance(ctx, r.DB(ctx), "user2")
	assert.Equal(t, int64(400), bal)
	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAcceptChallenge_NotFound(t *testing.T) {
	svc, _, _, ctx := newSettlementTest(t)
	_, err := svc.AcceptChallenge(ctx, opponent(), 4242)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestAcceptChallenge_OnlyOpponentMayAccept(t *testing.T) {
	svc, _, r, ctx := newSettlementTest(t)
	ch := seedChallenge(t, r, ctx, waitingChallenge(300, 300))

	_, err := svc.AcceptChallenge(ctx, model.User{Username: "user3", AccessToken: "t3"}, ch.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// the challenger cannot accept their own challenge either
	_, err = svc.AcceptChallenge(ctx, model.User{Username: "user1", AccessToken: "t1"}, ch.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAcceptChallenge_ExternalFailureRollsBack(t *testing.T) {
	svc, game, r, ctx := newSettlementTest(t)
	game.acceptErr = errors.New("game service down")
	seedBalance(t, r, ctx, "user2", 500)
	ch := seedChallenge(t, r, ctx, waitingChallenge(300, 300))

	_, err := svc.AcceptChallenge(ctx, opponent(), ch.ID)
	assert.Error(t, err)

	// debit and ledger row rolled back together with the status
	bal, _ := r.GetBalance(ctx, r.DB(ctx), "user2")
	assert.Equal(t, int64(500), bal)
	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
	stored, _ := r.GetChallenge(ctx, r.DB(ctx), ch.ID)
	assert.Equal(t, model.ChallengeStatusWaiting, stored.Status)
}

func TestCreateChallenge(t *testing.T) {
	svc, _, r, ctx := newSettlementTest(t)
	seedBalance(t, r, ctx, "user1", 500)
	user := model.User{Username: "user1", AccessToken: "challenger-token"}

	p := validProposal()
	ch, err := svc.CreateChallenge(ctx, user, &p)
	assert.NoError(t, err)
	assert.Equal(t, model.ChallengeStatusWaiting, ch.Status)
	assert.Equal(t, "user1", ch.Username)
	assert.Equal(t, "user2", ch.OppUsername)
	assert.Equal(t, 1800, ch.ExpireAfter)
	assert.Equal(t, "challenger-token", ch.ChallengerToken)

	// balance untouched at creation, only sanity-checked
	bal, _ := r.GetBalance(ctx, r.DB(ctx), "user1")
	assert.Equal(t, int64(500), bal)
}

func TestCreateChallenge_InsufficientFunds(t *testing.T) {
	svc, _, r, ctx := newSettlementTest(t)
	seedBalance(t, r, ctx, "user1", 50)
	p := validProposal()
	_, err := svc.CreateChallenge(ctx, model.User{Username: "user1", AccessToken: "t"}, &p)
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)
}

func TestCreateChallenge_InvalidProposal(t *testing.T) {
	svc, _, _, ctx := newSettlementTest(t)
	p := validProposal()
	p.Color = strPtr("green")
	_, err := svc.CreateChallenge(ctx, model.User{Username: "user1", AccessToken: "t"}, &p)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "color", ve.Field)
}

func TestGetChallenge_ParticipantsOnly(t *testing.T) {
	svc, _, r, ctx := newSettlementTest(t)
	ch := seedChallenge(t, r, ctx, waitingChallenge(300, 300))

	_, err := svc.GetChallenge(ctx, model.User{Username: "user1"}, ch.ID)
	assert.NoError(t, err)
	_, err = svc.GetChallenge(ctx, model.User{Username: "user2"}, ch.ID)
	assert.NoError(t, err)
	_, err = svc.GetChallenge(ctx, model.User{Username: "stranger"}, ch.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}
