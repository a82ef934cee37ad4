package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lnchess/settlement-service/internal/lightning"
	"github.com/lnchess/settlement-service/internal/model"
	"github.com/lnchess/settlement-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PaymentGateway is the external payment network seen from the money flows.
type PaymentGateway interface {
	DecodePayment(ctx context.Context, paymentRequest string) (*lightning.DecodedPayment, error)
	SendPayment(ctx context.Context, paymentRequest string) error
	AddInvoice(ctx context.Context, value int64, memo string, preimage []byte) (*lightning.Invoice, error)
	LookupInvoice(ctx context.Context, paymentAddr string) (*lightning.InvoiceStatus, error)
}

const transactionListLimit = 100

// MoneyService owns inbound invoices and outbound withdrawals.
type MoneyService struct {
	repo        repo.RepositoryInterface
	gateway     PaymentGateway
	log         *zap.SugaredLogger
	callTimeout time.Duration
}

// NewMoneyService returns MoneyService.
func NewMoneyService(r repo.RepositoryInterface, gw PaymentGateway, logger *zap.SugaredLogger, callTimeout time.Duration) *MoneyService {
	return &MoneyService{repo: r, gateway: gw, log: logger, callTimeout: callTimeout}
}

// Withdraw pays an external payment request from the user's balance. The
// decoded amount is authoritative; a caller-supplied amount is never trusted.
// The OPEN ledger row, the gateway call, the finalize and the balance delta
// share one transaction, so a failed payment leaves no residual row. A
// gateway timeout is indistinguishable from "not sent" and also rolls back,
// which can under-report a payment that did settle on the network side.
func (s *MoneyService) Withdraw(ctx context.Context, user model.User, paymentRequest string) (*model.Transaction, error) {
	decCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	decoded, err := s.gateway.DecodePayment(decCtx, paymentRequest)
	if err != nil {
		s.log.Infow("payment request decode failed", "user", user.Username, "err", err)
		return nil, ErrBadPaymentRequest
	}
	if decoded.NumSatoshis <= 0 {
		return nil, ErrInvalidAmount
	}
	amt := decoded.NumSatoshis

	var row *model.Transaction
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.repo.GetBalanceForUpdate(ctx, tx, user.Username)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repo.ErrInsufficientFunds
			}
			return err
		}
		if b.Balance < amt {
			return repo.ErrInsufficientFunds
		}

		// Durable once committed, this row is the reconciliation anchor if
		// the process dies between paying and finalizing.
		row = &model.Transaction{
			Username:    user.Username,
			Type:        model.TxTypeWithdrawal,
			Amount:      -amt,
			State:       model.TxStateOpen,
			PaymentHash: &decoded.PaymentHash,
		}
		if err := s.repo.CreateTransaction(ctx, tx, row); err != nil {
			return err
		}

		payCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		if err := s.gateway.SendPayment(payCtx, paymentRequest); err != nil {
			return fmt.Errorf("send payment: %w", err)
		}

		neg := -amt
		if err := s.repo.FinalizeTransaction(ctx, tx, row.ID, model.TxStateSettled, &neg); err != nil {
			return err
		}
		newBal, err := s.repo.Credit(ctx, tx, user.Username, -amt)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction_id": row.ID,
			"user":           user.Username,
			"amount":         -amt,
			"payment_hash":   decoded.PaymentHash,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Ledger", AggregateID: row.ID, EventType: "WithdrawalSettled", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, user.Username, newBal); err != nil {
			s.log.Warn(err)
		}
		row.State = model.TxStateSettled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("withdrawal settled", "user", user.Username, "sats", amt)
	return row, nil
}

// CreateInvoice asks the gateway for an inbound invoice and records it as an
// OPEN ledger row. The amount stays zero until the invoice is paid.
func (s *MoneyService) CreateInvoice(ctx context.Context, user model.User, sats int64) (*model.Transaction, error) {
	if sats <= 0 {
		return nil, ErrInvalidAmount
	}
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("create invoice: preimage: %w", err)
	}
	memo := fmt.Sprintf("fund %s on lightningchess.io", user.Username)

	extCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	inv, err := s.gateway.AddInvoice(extCtx, sats, memo, preimage)
	if err != nil {
		return nil, fmt.Errorf("create invoice: gateway: %w", err)
	}

	row := &model.Transaction{
		Username:       user.Username,
		Type:           model.TxTypeInvoice,
		Detail:         memo,
		Amount:         0,
		State:          model.TxStateOpen,
		PaymentAddr:    &inv.PaymentAddr,
		PaymentRequest: &inv.PaymentRequest,
	}
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransaction(ctx, tx, row); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction_id": row.ID,
			"user":           user.Username,
			"sats":           sats,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Ledger", AggregateID: row.ID, EventType: "InvoiceCreated", Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("create invoice: persist: %w", err)
	}
	return row, nil
}

// GetTransaction returns one of the caller's ledger rows. An OPEN invoice is
// checked against the gateway first and settled (credit + finalize in one
// scope) when it has been paid.
func (s *MoneyService) GetTransaction(ctx context.Context, user model.User, id uint64) (*model.Transaction, error) {
	row, err := s.repo.GetTransaction(ctx, s.repo.DB(ctx), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if row.Username != user.Username {
		return nil, ErrForbidden
	}
	if row.Type == model.TxTypeInvoice && row.State == model.TxStateOpen && row.PaymentAddr != nil {
		if err := s.settleInvoice(ctx, user, row); err != nil {
			// lookup is advisory on this read path; the row stays OPEN
			s.log.Warnw("invoice settlement check failed", "transactionId", row.ID, "err", err)
		}
	}
	return row, nil
}

func (s *MoneyService) settleInvoice(ctx context.Context, user model.User, row *model.Transaction) error {
	extCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	status, err := s.gateway.LookupInvoice(extCtx, *row.PaymentAddr)
	if err != nil {
		return err
	}
	if !status.Settled || status.AmtPaidSat <= 0 {
		return nil
	}
	amt := status.AmtPaidSat
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.FinalizeTransaction(ctx, tx, row.ID, model.TxStateSettled, &amt); err != nil {
			return err
		}
		newBal, err := s.repo.Credit(ctx, tx, user.Username, amt)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction_id": row.ID,
			"user":           user.Username,
			"amount":         amt,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Ledger", AggregateID: row.ID, EventType: "InvoiceSettled", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, user.Username, newBal); err != nil {
			s.log.Warn(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	row.State = model.TxStateSettled
	row.Amount = amt
	s.log.Infow("invoice settled", "user", user.Username, "sats", amt)
	return nil
}

// GetBalance reads the user's balance, redis first. Unknown users read zero.
func (s *MoneyService) GetBalance(ctx context.Context, username string) (int64, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, username); err == nil {
		return bal, nil
	}
	bal, err := s.repo.GetBalance(ctx, s.repo.DB(ctx), username)
	if err != nil {
		return 0, err
	}
	if err := s.repo.CacheBalance(ctx, username, bal); err != nil {
		s.log.Warn(err)
	}
	return bal, nil
}

// ListTransactions returns the user's recent ledger rows.
func (s *MoneyService) ListTransactions(ctx context.Context, username string) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, s.repo.DB(ctx), username, transactionListLimit)
}
