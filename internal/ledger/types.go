// Package ledger is the only mutator of per-user, per-asset balances.
//
// Every credit or debit locks exactly one wallet row, applies big-integer arithmetic and
// commits the balance, its transaction row and an audit entry as one unit of work.
package ledger

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

type TxType string

const (
	TxSend           TxType = "SEND"
	TxReceive        TxType = "RECEIVE"
	TxConvert        TxType = "CONVERT"
	TxBuy            TxType = "BUY"
	TxSell           TxType = "SELL"
	TxFee            TxType = "FEE"
	TxDeposit        TxType = "DEPOSIT"
	TxWithdrawal     TxType = "WITHDRAWAL"
	TxTransfer       TxType = "TRANSFER"
	TxBillPayment    TxType = "BILL_PAYMENT"
	TxCardFunding    TxType = "CARD_FUNDING"
	TxBookingPayment TxType = "BOOKING_PAYMENT"
	TxSwap           TxType = "SWAP"
	TxRefund         TxType = "REFUND"
	TxAdjustment     TxType = "ADJUSTMENT"
)

var knownTxTypes = map[TxType]struct{}{
	TxSend: {}, TxReceive: {}, TxConvert: {}, TxBuy: {}, TxSell: {}, TxFee: {},
	TxDeposit: {}, TxWithdrawal: {}, TxTransfer: {}, TxBillPayment: {}, TxCardFunding: {},
	TxBookingPayment: {}, TxSwap: {}, TxRefund: {}, TxAdjustment: {},
}

func (t TxType) Valid() bool {
	_, ok := knownTxTypes[t]
	return ok
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// WalletBalance is the single balance row for a (user, asset) pair.
type WalletBalance struct {
	ID        string
	UserID    string
	Asset     string
	Balance   string
	Version   int64
	AuditHead string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID           string
	UserID       string
	Asset        string
	Amount       string
	Direction    Direction
	ChainID      int64
	Type         TxType
	Status       Status
	TxHash       string
	From         string
	To           string
	Meta         Meta
	BalanceAfter string
	CreatedAt    time.Time
}

// Request carries the fields shared by credits and debits.
type Request struct {
	UserID  string
	Asset   string
	Amount  string
	ChainID int64
	Type    TxType
	Status  Status
	TxHash  string
	From    string
	To      string
	Meta    Meta

	// Actor overrides the actor resolved from the request context.
	Actor     string
	ActorType string
}

type CreditRequest Request

type DebitRequest Request

type Result struct {
	NewBalance    string
	TransactionID string
}

type CreateWalletResult struct {
	WalletBalanceID string
}

type TransactionFilter struct {
	UserID string
	Asset  string
	Before string
	Limit  int
}

type AuditFilter struct {
	UserID string
	Asset  string
	Before string
	Limit  int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// NormalizeAsset upper-cases and trims an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func action(dir Direction, t TxType) string {
	return string(dir) + "_" + string(t)
}
