package repository

import (
	"context"
	"errors"

	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"

	"gorm.io/gorm"
)

var ErrOperationNotFound = errors.New("operation not found")

type OperationUpdate struct {
	State           domain.OperationState
	TransactionHash string
	FailureKind     string
	Reason          string
}

type OperationRepository interface {
	Create(ctx context.Context, op *domain.Operation) error
	Update(ctx context.Context, userOpHash string, update OperationUpdate) error
	FindByHash(ctx context.Context, userOpHash string) (*domain.Operation, error)
	ListByAccount(ctx context.Context, chainID uint64, address string, page PageRequest) (PageResult[domain.Operation], error)
}

type GormOperationRepository struct{ db *gorm.DB }

func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &GormOperationRepository{db: db}
}

func (r *GormOperationRepository) Create(ctx context.Context, op *domain.Operation) error {
	err := r.db.WithContext(ctx).Create(op).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "operation", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "operation", "create", "success")
	return nil
}

// Update never moves an operation out of a terminal state.
func (r *GormOperationRepository) Update(ctx context.Context, userOpHash string, update OperationUpdate) error {
	updates := map[string]any{"state": update.State}
	if update.TransactionHash != "" {
		updates["transaction_hash"] = update.TransactionHash
	}
	if update.FailureKind != "" {
		updates["failure_kind"] = update.FailureKind
	}
	if update.Reason != "" {
		updates["reason"] = update.Reason
	}
	res := r.db.WithContext(ctx).Model(&domain.Operation{}).
		Where("user_op_hash = ? AND state NOT IN ?", userOpHash, []domain.OperationState{domain.OperationConfirmed, domain.OperationFailed}).
		Updates(updates)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "operation", "update", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "operation", "update", "not_found")
		return ErrOperationNotFound
	}
	observability.RecordRepositoryOperation(ctx, "operation", "update", "success")
	return nil
}

func (r *GormOperationRepository) FindByHash(ctx context.Context, userOpHash string) (*domain.Operation, error) {
	var op domain.Operation
	err := r.db.WithContext(ctx).Where("user_op_hash = ?", userOpHash).First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "operation", "find_by_hash", "not_found")
			return nil, ErrOperationNotFound
		}
		observability.RecordRepositoryOperation(ctx, "operation", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "operation", "find_by_hash", "success")
	return &op, nil
}

func (r *GormOperationRepository) ListByAccount(ctx context.Context, chainID uint64, address string, page PageRequest) (PageResult[domain.Operation], error) {
	page = page.Normalize()
	q := r.db.WithContext(ctx).Model(&domain.Operation{}).Where("chain_id = ? AND account_address = ?", chainID, address).
		Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "operation", "list_by_account", "error")
		return PageResult[domain.Operation]{}, err
	}
	var items []domain.Operation
	if err := q.Order("created_at DESC, id DESC").Scopes(page.scope).Find(&items).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "operation", "list_by_account", "error")
		return PageResult[domain.Operation]{}, err
	}
	observability.RecordRepositoryOperation(ctx, "operation", "list_by_account", "success")
	return newPageResult(page, total, items), nil
}
