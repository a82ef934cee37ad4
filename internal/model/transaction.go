package model

import "time"

// Transaction states. OPEN marks an in-flight external operation; a row
// moves OPEN -> SETTLED exactly once and is never deleted.
const (
	TxStateOpen    = "OPEN"
	TxStateSettled = "SETTLED"
)

// Transaction types.
const (
	TxTypeInvoice         = "invoice"
	TxTypeWithdrawal      = "withdrawal"
	TxTypeAcceptChallenge = "accept challenge"
)

// Transaction is an append-only ledger entry. Amount is signed satoshis;
// the user's balance equals the sum of their SETTLED amounts.
type Transaction struct {
	ID             uint64  `gorm:"primaryKey"`
	Username       string  `gorm:"size:64;index;not null"`
	Type           string  `gorm:"size:32;not null"`
	Detail         string  `gorm:"size:256"`
	Amount         int64   `gorm:"not null"`
	State          string  `gorm:"size:16;not null"`
	PaymentHash    *string `gorm:"size:128"`
	PaymentAddr    *string `gorm:"size:128"`
	PaymentRequest *string `gorm:"size:2048"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "ledger_transaction" }
