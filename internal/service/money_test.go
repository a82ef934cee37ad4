package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lnchess/settlement-service/internal/lightning"
	"github.com/lnchess/settlement-service/internal/logger"
	"github.com/lnchess/settlement-service/internal/model"
	"github.com/lnchess/settlement-service/internal/repo"
	"github.com/stretchr/testify/assert"
)

// stubGateway fakes the payment network.
type stubGateway struct {
	decoded   *lightning.DecodedPayment
	decodeErr error
	payErr    error
	invoice   *lightning.Invoice
	addErr    error
	status    *lightning.InvoiceStatus
	lookupErr error
	payCalls  int
}

func (g *stubGateway) DecodePayment(ctx context.Context, paymentRequest string) (*lightning.DecodedPayment, error) {
	if g.decodeErr != nil {
		return nil, g.decodeErr
	}
	return g.decoded, nil
}

func (g *stubGateway) SendPayment(ctx context.Context, paymentRequest string) error {
	g.payCalls++
	return g.payErr
}

func (g *stubGateway) AddInvoice(ctx context.Context, value int64, memo string, preimage []byte) (*lightning.Invoice, error) {
	if g.addErr != nil {
		return nil, g.addErr
	}
	return g.invoice, nil
}

func (g *stubGateway) LookupInvoice(ctx context.Context, paymentAddr string) (*lightning.InvoiceStatus, error) {
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	return g.status, nil
}

func newMoneyTest(t *testing.T) (*MoneyService, *stubGateway, repo.RepositoryInterface, context.Context) {
	t.Helper()
	r := newTestRepo(t)
	gw := &stubGateway{}
	log, _ := logger.NewLogger()
	return NewMoneyService(r, gw, log, 5*time.Second), gw, r, context.Background()
}

func alice() model.User {
	return model.User{Username: "alice", AccessToken: "alice-token"}
}

func TestWithdraw_Settles(t *testing.T) {
	svc, gw, r, ctx := newMoneyTest(t)
	gw.decoded = &lightning.DecodedPayment{NumSatoshis: 200, PaymentHash: "hash200"}
	seedBalance(t, r, ctx, "alice", 500)

	row, err := svc.Withdraw(ctx, alice(), "lnbc...")
	assert.NoError(t, err)
	assert.Equal(t, model.TxStateSettled, row.State)
	assert.Equal(t, int64(-200), row.Amount)
	assert.NotNil(t, row.PaymentHash)
	assert.Equal(t, "hash200", *row.PaymentHash)
	assert.Equal(t, 1, gw.payCalls)

	bal, _ := r.GetBalance(ctx, r.DB(ctx), "alice")
	assert.Equal(t, int64(300), bal)

	stored, _ := r.GetTransaction(ctx, r.DB(ctx), row.ID)
	assert.Equal(t, model.TxStateSettled, stored.State)
	assert.Equal(t, int64(-200), stored.Amount)
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	svc, gw, r, ctx := newMoneyTest(t)
	gw.decoded = &lightning.DecodedPayment{NumSatoshis: 200, PaymentHash: "h"}
	seedBalance(t, r, ctx, "alice", 50)

	_, err := svc.Withdraw(ctx, alice(), "lnbc...")
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)
	assert.Zero(t, gw.payCalls)

	// no row created, balance unchanged
	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
	bal, _ := r.GetBalance(ctx, r.DB(ctx), "alice")
	assert.Equal(t, int64(50), bal)
}

func TestWithdraw_UnknownUserHasNoFunds(t *testing.T) {
	svc, gw, _, ctx := newMoneyTest(t)
	gw.decoded = &lightning.DecodedPayment{NumSatoshis: 200, PaymentHash: "h"}
	_, err := svc.Withdraw(ctx, alice(), "lnbc...")
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)
}

func TestWithdraw_DecodeFailure(t *testing.T) {
	svc, gw, _, ctx := newMoneyTest(t)
	gw.decodeErr = errors.New("bad payreq")
	_, err := svc.Withdraw(ctx, alice(), "garbage")
	assert.ErrorIs(t, err, ErrBadPaymentRequest)
	assert.Zero(t, gw.payCalls)
}

func TestWithdraw_NonPositiveAmount(t *testing.T) {
	svc, gw, _, ctx := newMoneyTest(t)
	gw.decoded = &lightning.DecodedPayment{NumSatoshis: 0, PaymentHash: "h"}
	_, err := svc.Withdraw(ctx, alice(), "lnbc...")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWithdraw_PaymentFailureRollsBack(t *testing.T) {
	svc, gw, r, ctx := newMoneyTest(t)
	gw.decoded = &lightning.DecodedPayment{NumSatoshis: 200, PaymentHash: "h"}
	gw.payErr = errors.New("no route")
	seedBalance(t, r, ctx, "alice", 500)

	_, err := svc.Withdraw(ctx, alice(), "lnbc...")
	assert.Error(t, err)

	// the uncommitted OPEN row rolls back with the scope
	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
	bal, _ := r.GetBalance(ctx, r.DB(ctx), "alice")
	assert.Equal(t, int64(500), bal)
}

func TestCreateInvoice(t *testing.T) {
	svc, gw, r, ctx := newMoneyTest(t)
	gw.invoice = &lightning.Invoice{PaymentRequest: "lnbc500", PaymentAddr: "addr1", RHash: "rh"}

	row, err := svc.CreateInvoice(ctx, alice(), 500)
	assert.NoError(t, err)
	assert.Equal(t, model.TxTypeInvoice, row.Type)
	assert.Equal(t, model.TxStateOpen, row.State)
	assert.Zero(t, row.Amount)
	assert.Equal(t, "addr1", *row.PaymentAddr)
	assert.Equal(t, "lnbc500", *row.PaymentRequest)
	assert.Equal(t, "fund alice on lightningchess.io", row.Detail)

	stored, err := r.GetTransaction(ctx, r.DB(ctx), row.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.TxStateOpen, stored.State)
}

func TestCreateInvoice_InvalidAmount(t *testing.T) {
	svc, _, _, ctx := newMoneyTest(t)
	_, err := svc.CreateInvoice(ctx, alice(), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestGetTransaction_SettlesPaidInvoice(t *testing.T) {
	svc, gw, r, ctx := newMoneyTest(t)
	gw.invoice = &lightning.Invoice{PaymentRequest: "lnbc500", PaymentAddr: "addr1"}
	gw.status = &lightning.InvoiceStatus{Settled: true, AmtPaidSat: 500}

	row, err := svc.CreateInvoice(ctx, alice(), 500)
	assert.NoError(t, err)

	out, err := svc.GetTransaction(ctx, alice(), row.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.TxStateSettled, out.State)
	assert.Equal(t, int64(500), out.Amount)

	// credit created the balance row lazily
	bal, _ := r.GetBalance(ctx, r.DB(ctx), "alice")
	assert.Equal(t, int64(500), bal)
	assert.Equal(t, bal, settledSum(t, r, ctx, "alice"))

	// a second read must not credit again
	out, err = svc.GetTransaction(ctx, alice(), row.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.TxStateSettled, out.State)
	bal, _ = r.GetBalance(ctx, r.DB(ctx), "alice")
	assert.Equal(t, int64(500), bal)
}

func TestGetTransaction_UnpaidInvoiceStaysOpen(t *testing.T) {
	svc, gw, _, ctx := newMoneyTest(t)
	gw.invoice = &lightning.Invoice{PaymentRequest: "lnbc500", PaymentAddr: "addr1"}
	gw.status = &lightning.InvoiceStatus{Settled: false}

	row, _ := svc.CreateInvoice(ctx, alice(), 500)
	out, err := svc.GetTransaction(ctx, alice(), row.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.TxStateOpen, out.State)
}

func TestGetTransaction_OwnerOnly(t *testing.T) {
	svc, gw, _, ctx := newMoneyTest(t)
	gw.invoice = &lightning.Invoice{PaymentRequest: "lnbc500", PaymentAddr: "addr1"}
	row, _ := svc.CreateInvoice(ctx, alice(), 500)

	_, err := svc.GetTransaction(ctx, model.User{Username: "mallory"}, row.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetTransaction(ctx, alice(), 4242)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestGetBalance_UnknownUserReadsZero(t *testing.T) {
	svc, _, r, ctx := newMoneyTest(t)
	bal, err := svc.GetBalance(ctx, "nobody")
	assert.NoError(t, err)
	assert.Zero(t, bal)

	// reading must not create a row
	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.Balance{}).Count(&count).Error)
	assert.Zero(t, count)
}
