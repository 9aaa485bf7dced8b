package models

import (
	"time"

	"stamp-order-service/internal/apperr"

	"github.com/google/uuid"
)

// Transaction types
const (
	TransactionCredit = "credit"
	TransactionDebit  = "debit"
)

// User roles as issued by the auth service
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// DepositTransaction is one append-only entry of a wallet ledger
type DepositTransaction struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Type         string    `db:"type" json:"type"`
	Amount       int64     `db:"amount" json:"amount"`
	Description  string    `db:"description" json:"description"`
	OrderRef     *string   `db:"order_ref" json:"order_ref,omitempty"`
	BalanceAfter int64     `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Wallet is the deposit-account aspect of a user.
type Wallet struct {
	UserID       string               `json:"user_id"`
	Balance      int64                `json:"balance"`
	Transactions []DepositTransaction `json:"transactions"`
}

// AddToDeposit credits amount and appends a credit transaction.
func (w *Wallet) AddToDeposit(amount int64, description, orderRef string, now time.Time) (*DepositTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validation("credit amount must be positive")
	}
	w.Balance += amount
	return w.append(TransactionCredit, amount, description, orderRef, now), nil
}

// DeductFromDeposit debits amount, rejecting the debit before any mutation
// when the balance would go negative.
func (w *Wallet) DeductFromDeposit(amount int64, description, orderRef string, now time.Time) (*DepositTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validation("debit amount must be positive")
	}
	if w.Balance < amount {
		return nil, apperr.InsufficientBalance(w.Balance, amount)
	}
	w.Balance -= amount
	return w.append(TransactionDebit, amount, description, orderRef, now), nil
}

// LedgerBalance returns the signed sum of all transactions.
func (w *Wallet) LedgerBalance() int64 {
	var sum int64
	for _, tx := range w.Transactions {
		switch tx.Type {
		case TransactionCredit:
			sum += tx.Amount
		case TransactionDebit:
			sum -= tx.Amount
		}
	}
	return sum
}

func (w *Wallet) append(txType string, amount int64, description, orderRef string, now time.Time) *DepositTransaction {
	tx := DepositTransaction{
		ID:           uuid.New().String(),
		UserID:       w.UserID,
		Type:         txType,
		Amount:       amount,
		Description:  description,
		BalanceAfter: w.Balance,
		CreatedAt:    now,
	}
	if orderRef != "" {
		ref := orderRef
		tx.OrderRef = &ref
	}
	w.Transactions = append(w.Transactions, tx)
	return &tx
}
