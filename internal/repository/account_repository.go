package repository

import (
	"context"
	"errors"

	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountNotFound = errors.New("account not found")
)

type AccountRepository interface {
	FindOrCreateUser(ctx context.Context, subject string) (*domain.User, error)
	UpsertAccount(ctx context.Context, account *domain.Account) error
	FindAccountForUser(ctx context.Context, userID uint, chainID uint64, address string) (*domain.Account, error)
	FindAccountByID(ctx context.Context, id uint) (*domain.Account, error)
	ListAccountsForUser(ctx context.Context, userID uint) ([]domain.Account, error)
}

type GormAccountRepository struct{ db *gorm.DB }

func NewAccountRepository(db *gorm.DB) AccountRepository { return &GormAccountRepository{db: db} }

func (r *GormAccountRepository) FindOrCreateUser(ctx context.Context, subject string) (*domain.User, error) {
	u := domain.User{Subject: subject}
	err := r.db.WithContext(ctx).
		Where(domain.User{Subject: subject}).
		FirstOrCreate(&u).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "find_or_create", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "user", "find_or_create", "success")
	return &u, nil
}

// UpsertAccount inserts account or refreshes owners and credential of the
// existing (user, chain, address) row.
func (r *GormAccountRepository) UpsertAccount(ctx context.Context, account *domain.Account) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "chain_id"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"owners", "owner_credential_id", "updated_at"}),
	}).Create(account).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "account", "upsert", "error")
		return err
	}
	existing, err := r.FindAccountForUser(ctx, account.UserID, account.ChainID, account.Address)
	if err != nil {
		return err
	}
	*account = *existing
	observability.RecordRepositoryOperation(ctx, "account", "upsert", "success")
	return nil
}

func (r *GormAccountRepository) FindAccountForUser(ctx context.Context, userID uint, chainID uint64, address string) (*domain.Account, error) {
	var a domain.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND chain_id = ? AND address = ?", userID, chainID, address).
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "account", "find_for_user", "not_found")
			return nil, ErrAccountNotFound
		}
		observability.RecordRepositoryOperation(ctx, "account", "find_for_user", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "account", "find_for_user", "success")
	return &a, nil
}

func (r *GormAccountRepository) FindAccountByID(ctx context.Context, id uint) (*domain.Account, error) {
	var a domain.Account
	err := r.db.WithContext(ctx).First(&a, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "account", "find_by_id", "not_found")
			return nil, ErrAccountNotFound
		}
		observability.RecordRepositoryOperation(ctx, "account", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "account", "find_by_id", "success")
	return &a, nil
}

func (r *GormAccountRepository) ListAccountsForUser(ctx context.Context, userID uint) ([]domain.Account, error) {
	var accounts []domain.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("chain_id ASC, address ASC").
		Find(&accounts).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "account", "list_for_user", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "account", "list_for_user", "success")
	return accounts, nil
}
