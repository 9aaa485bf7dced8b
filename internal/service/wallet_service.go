package service

import (
	"context"
	"fmt"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/store"
	"stamp-order-service/internal/util"

	"go.uber.org/zap"
)

const defaultWalletHistory = 50

// WalletService exposes the deposit account ledger
type WalletService struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewWalletService creates a new wallet service
func NewWalletService(repo store.Repository) *WalletService {
	return &WalletService{repo: repo, logger: util.ComponentLogger("wallet")}
}

// CreditRequest is an admin top-up
type CreditRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Description string `json:"description" validate:"max=200"`
}

// GetWallet returns the caller's balance and most recent transactions
func (s *WalletService) GetWallet(ctx context.Context, p Principal, limit int) (*models.Wallet, error) {
	if limit <= 0 {
		limit = defaultWalletHistory
	}
	return s.repo.GetWallet(ctx, p.UserID, limit)
}

// CreditWallet tops up a user's deposit account
func (s *WalletService) CreditWallet(ctx context.Context, p Principal, userID string, req CreditRequest) (*models.DepositTransaction, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.CreditWallet")
	defer span.End()

	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation("credit amount must be positive")
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Deposit credited by %s", p.actor())
	}

	tx, err := s.repo.AddToDeposit(ctx, userID, req.Amount, description, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info("Wallet credited",
		zap.String("user_id", userID),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance_after", tx.BalanceAfter),
		zap.String("actor", p.actor()))
	return tx, nil
}
