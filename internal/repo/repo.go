package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lnchess/settlement-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientFunds is returned when the balance does not cover a debit.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrTransactionNotOpen is returned when finalizing a row that is missing or
// already settled.
var ErrTransactionNotOpen = errors.New("transaction is not open")

const identityTTL = 10 * time.Minute

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	// Ledger primitives. Mutating methods must be called with the caller's
	// transaction handle; durability is decided by the enclosing scope.
	GetBalance(ctx context.Context, q *gorm.DB, username string) (int64, error)
	GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, username string) (*model.Balance, error)
	ReserveAndDebit(ctx context.Context, tx *gorm.DB, username string, amount int64) (int64, error)
	Credit(ctx context.Context, tx *gorm.DB, username string, delta int64) (int64, error)
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	FinalizeTransaction(ctx context.Context, tx *gorm.DB, id uint64, newState string, newAmount *int64) error
	GetTransaction(ctx context.Context, q *gorm.DB, id uint64) (*model.Transaction, error)
	ListTransactions(ctx context.Context, q *gorm.DB, username string, limit int) ([]model.Transaction, error)

	CreateChallenge(ctx context.Context, tx *gorm.DB, c *model.Challenge) error
	GetChallenge(ctx context.Context, q *gorm.DB, id uint64) (*model.Challenge, error)
	ListChallenges(ctx context.Context, q *gorm.DB, username string, limit int) ([]model.Challenge, error)
	BindChallengeAccepted(ctx context.Context, tx *gorm.DB, id uint64, lichessChallengeID string) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, username string, bal int64) error
	GetCachedBalance(ctx context.Context, username string) (int64, error)
	CacheIdentity(ctx context.Context, token, username string) error
	GetCachedIdentity(ctx context.Context, token string) (string, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetBalance reads the current balance. An unknown user reads as zero
// without creating a row.
func (r *Repository) GetBalance(ctx context.Context, q *gorm.DB, username string) (int64, error) {
	var b model.Balance
	err := q.WithContext(ctx).Where("username = ?", username).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b.Balance, nil
}

// GetBalanceForUpdate locks the balance row for the rest of the enclosing
// transaction. Returns gorm.ErrRecordNotFound when the user has no row.
func (r *Repository) GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, username string) (*model.Balance, error) {
	var b model.Balance
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("username = ?", username).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// ReserveAndDebit locks the row, verifies funds and decrements. A missing
// row means a zero balance and therefore insufficient funds.
func (r *Repository) ReserveAndDebit(ctx context.Context, tx *gorm.DB, username string, amount int64) (int64, error) {
	b, err := r.GetBalanceForUpdate(ctx, tx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrInsufficientFunds
		}
		return 0, err
	}
	if b.Balance < 0 || b.Balance < amount {
		return 0, ErrInsufficientFunds
	}
	newBal := b.Balance - amount
	res := tx.WithContext(ctx).Model(&model.Balance{}).
		Where("username = ?", username).
		Updates(map[string]interface{}{"balance": newBal, "updated_at": time.Now()})
	if res.Error != nil {
		return 0, res.Error
	}
	return newBal, nil
}

// Credit applies a signed delta to the balance row, creating the row lazily
// when the user has none. The row must already be locked by the caller's
// scope when the delta follows an earlier read.
func (r *Repository) Credit(ctx context.Context, tx *gorm.DB, username string, delta int64) (int64, error) {
	b, err := r.GetBalanceForUpdate(ctx, tx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			b = &model.Balance{Username: username, Balance: delta}
			if err := tx.WithContext(ctx).Create(b).Error; err != nil {
				return 0, err
			}
			return b.Balance, nil
		}
		return 0, err
	}
	newBal := b.Balance + delta
	res := tx.WithContext(ctx).Model(&model.Balance{}).
		Where("username = ?", username).
		Updates(map[string]interface{}{"balance": newBal, "updated_at": time.Now()})
	if res.Error != nil {
		return 0, res.Error
	}
	return newBal, nil
}

// CreateTransaction appends a ledger row.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// FinalizeTransaction moves an OPEN row to its terminal state, optionally
// rewriting the amount. Finalizing a settled row is an error.
func (r *Repository) FinalizeTransaction(ctx context.Context, tx *gorm.DB, id uint64, newState string, newAmount *int64) error {
	updates := map[string]interface{}{"state": newState}
	if newAmount != nil {
		updates["amount"] = *newAmount
	}
	res := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND state = ?", id, model.TxStateOpen).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransactionNotOpen
	}
	return nil
}

// GetTransaction fetches one ledger row.
func (r *Repository) GetTransaction(ctx context.Context, q *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := q.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns the user's most recent ledger rows.
func (r *Repository) ListTransactions(ctx context.Context, q *gorm.DB, username string, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := q.WithContext(ctx).
		Where("username = ?", username).
		Order("id desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CreateChallenge inserts a new challenge row.
func (r *Repository) CreateChallenge(ctx context.Context, tx *gorm.DB, c *model.Challenge) error {
	return tx.WithContext(ctx).Create(c).Error
}

// GetChallenge fetches a challenge by id.
func (r *Repository) GetChallenge(ctx context.Context, q *gorm.DB, id uint64) (*model.Challenge, error) {
	var c model.Challenge
	if err := q.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChallenges returns challenges the user participates in, newest first.
func (r *Repository) ListChallenges(ctx context.Context, q *gorm.DB, username string, limit int) ([]model.Challenge, error) {
	var cs []model.Challenge
	err := q.WithContext(ctx).
		Where("username = ? OR opp_username = ?", username, username).
		Order("created_at desc").
		Limit(limit).
		Find(&cs).Error
	return cs, err
}

// BindChallengeAccepted records the external game id and flips the status.
// The WAITING guard makes a lost race surface as an error before commit.
func (r *Repository) BindChallengeAccepted(ctx context.Context, tx *gorm.DB, id uint64, lichessChallengeID string) error {
	res := tx.WithContext(ctx).Model(&model.Challenge{}).
		Where("id = ? AND status = ?", id, model.ChallengeStatusWaiting).
		Updates(map[string]interface{}{
			"status":               model.ChallengeStatusAccepted,
			"lichess_challenge_id": lichessChallengeID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("challenge %d is no longer waiting for acceptance", id)
	}
	return nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes the read-side balance cache.
func (r *Repository) CacheBalance(ctx context.Context, username string, bal int64) error {
	return r.rdb.Set(ctx, "balance:"+username, bal, 5*time.Minute).Err()
}

// GetCachedBalance reads the balance cache.
func (r *Repository) GetCachedBalance(ctx context.Context, username string) (int64, error) {
	return r.rdb.Get(ctx, "balance:"+username).Int64()
}

// CacheIdentity stores a resolved token -> username mapping.
func (r *Repository) CacheIdentity(ctx context.Context, token, username string) error {
	return r.rdb.Set(ctx, "identity:"+token, username, identityTTL).Err()
}

// GetCachedIdentity resolves a token from cache.
func (r *Repository) GetCachedIdentity(ctx context.Context, token string) (string, error) {
	return r.rdb.Get(ctx, "identity:"+token).Result()
}
