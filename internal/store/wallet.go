package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// GetWallet returns the balance and the latest limit transactions, newest first
func (q *queries) GetWallet(ctx context.Context, userID string, limit int) (*models.Wallet, error) {
	wallet := &models.Wallet{UserID: userID}
	err := sqlx.GetContext(ctx, q.ext, &wallet.Balance,
		"SELECT deposit_balance FROM users WHERE id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("user %s not found", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet for %s: %w", userID, err)
	}

	if limit <= 0 {
		limit = 100
	}
	err = sqlx.SelectContext(ctx, q.ext, &wallet.Transactions, `
		SELECT id, user_id, type, amount, description, order_ref, balance_after, created_at
		FROM deposit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deposit transactions for %s: %w", userID, err)
	}
	return wallet, nil
}

// AddToDeposit credits the wallet and appends the credit in one transaction
func (q *queries) AddToDeposit(ctx context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validation("credit amount must be positive")
	}

	var out *models.DepositTransaction
	err := q.atomic(ctx, func(q *queries) error {
		var balance int64
		err := sqlx.GetContext(ctx, q.ext, &balance, `
			UPDATE users SET deposit_balance = deposit_balance + $1, updated_at = NOW()
			WHERE id = $2
			RETURNING deposit_balance`, amount, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.CodeNotFound, fmt.Sprintf("user %s not found", userID))
		}
		if err != nil {
			return fmt.Errorf("credit wallet %s: %w", userID, err)
		}

		out, err = q.insertDepositTransaction(ctx, userID, models.TransactionCredit, amount, description, orderRef, balance)
		return err
	})
	return out, err
}

// DeductFromDeposit debits the wallet only when the balance covers amount
func (q *queries) DeductFromDeposit(ctx context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validation("debit amount must be positive")
	}

	var out *models.DepositTransaction
	err := q.atomic(ctx, func(q *queries) error {
		var balance int64
		err := sqlx.GetContext(ctx, q.ext, &balance, `
			UPDATE users SET deposit_balance = deposit_balance - $1, updated_at = NOW()
			WHERE id = $2 AND deposit_balance >= $1
			RETURNING deposit_balance`, amount, userID)
		if errors.Is(err, sql.ErrNoRows) {
			var current int64
			getErr := sqlx.GetContext(ctx, q.ext, &current,
				"SELECT deposit_balance FROM users WHERE id = $1", userID)
			if errors.Is(getErr, sql.ErrNoRows) {
				return apperr.New(apperr.CodeNotFound, fmt.Sprintf("user %s not found", userID))
			}
			if getErr != nil {
				return fmt.Errorf("read wallet %s: %w", userID, getErr)
			}
			return apperr.InsufficientBalance(current, amount)
		}
		if err != nil {
			return fmt.Errorf("debit wallet %s: %w", userID, err)
		}

		out, err = q.insertDepositTransaction(ctx, userID, models.TransactionDebit, amount, description, orderRef, balance)
		return err
	})
	return out, err
}

func (q *queries) insertDepositTransaction(
	ctx context.Context,
	userID, txType string,
	amount int64,
	description, orderRef string,
	balanceAfter int64,
) (*models.DepositTransaction, error) {
	tx := &models.DepositTransaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		Description:  description,
		BalanceAfter: balanceAfter,
	}
	if orderRef != "" {
		tx.OrderRef = &orderRef
	}

	err := sqlx.GetContext(ctx, q.ext, &tx.CreatedAt, `
		INSERT INTO deposit_transactions (id, user_id, type, amount, description, order_ref, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		tx.ID, tx.UserID, tx.Type, tx.Amount, tx.Description, tx.OrderRef, tx.BalanceAfter)
	if err != nil {
		return nil, fmt.Errorf("insert deposit transaction: %w", err)
	}
	return tx, nil
}
