package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sandeepkv93/smart-session-gateway/internal/domain"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSessionRecordNotFound = errors.New("session record not found")

type SessionRecordRepository interface {
	Create(ctx context.Context, s *domain.SessionRecord) error
	FindByEnableHash(ctx context.Context, accountID uint, enableHash string) (*domain.SessionRecord, error)
	FindByID(ctx context.Context, id uint) (*domain.SessionRecord, error)
	ListByAccount(ctx context.Context, accountID uint) ([]domain.SessionRecord, error)
	FindActiveByEndpoint(ctx context.Context, url string) (*domain.SessionRecord, *domain.Account, error)
	SetEndpointActive(ctx context.Context, accountID uint, url string, active bool) (bool, error)
	MarkEnabled(ctx context.Context, id uint, txHash string, at time.Time) error
}

type GormSessionRecordRepository struct{ db *gorm.DB }

func NewSessionRecordRepository(db *gorm.DB) SessionRecordRepository {
	return &GormSessionRecordRepository{db: db}
}

func (r *GormSessionRecordRepository) Create(ctx context.Context, s *domain.SessionRecord) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session_record", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session_record", "create", "success")
	return nil
}

func (r *GormSessionRecordRepository) FindByEnableHash(ctx context.Context, accountID uint, enableHash string) (*domain.SessionRecord, error) {
	var s domain.SessionRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND permission_enable_hash = ?", accountID, enableHash).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_record", "find_by_enable_hash", "not_found")
			return nil, ErrSessionRecordNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session_record", "find_by_enable_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session_record", "find_by_enable_hash", "success")
	return &s, nil
}

func (r *GormSessionRecordRepository) FindByID(ctx context.Context, id uint) (*domain.SessionRecord, error) {
	var s domain.SessionRecord
	err := r.db.WithContext(ctx).First(&s, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_record", "find_by_id", "not_found")
			return nil, ErrSessionRecordNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session_record", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session_record", "find_by_id", "success")
	return &s, nil
}

func (r *GormSessionRecordRepository) ListByAccount(ctx context.Context, accountID uint) ([]domain.SessionRecord, error) {
	var sessions []domain.SessionRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session_record", "list_by_account", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session_record", "list_by_account", "success")
	return sessions, nil
}

// FindActiveByEndpoint resolves an endpoint url to its single active, enabled
// session and the owning account.
func (r *GormSessionRecordRepository) FindActiveByEndpoint(ctx context.Context, url string) (*domain.SessionRecord, *domain.Account, error) {
	var s domain.SessionRecord
	err := r.db.WithContext(ctx).
		Where("endpoint_url = ? AND endpoint_active = ? AND enabled_at IS NOT NULL", url, true).
		Order("updated_at DESC, id DESC").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_record", "find_active_by_endpoint", "not_found")
			return nil, nil, ErrSessionRecordNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session_record", "find_active_by_endpoint", "error")
		return nil, nil, err
	}
	var a domain.Account
	if err := r.db.WithContext(ctx).First(&a, s.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_record", "find_active_by_endpoint", "not_found")
			return nil, nil, ErrSessionRecordNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session_record", "find_active_by_endpoint", "error")
		return nil, nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session_record", "find_active_by_endpoint", "success")
	return &s, &a, nil
}

// SetEndpointActive toggles the endpoint of the account's session at url.
// Activating clears the flag on every other record sharing the url.
func (r *GormSessionRecordRepository) SetEndpointActive(ctx context.Context, accountID uint, url string, active bool) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.SessionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND endpoint_url = ?", accountID, url).
			Order("id DESC").
			First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionRecordNotFound
			}
			return err
		}
		if active {
			if err := tx.Model(&domain.SessionRecord{}).
				Where("endpoint_url = ? AND id <> ? AND endpoint_active = ?", url, s.ID, true).
				Update("endpoint_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Model(&domain.SessionRecord{}).
			Where("id = ?", s.ID).
			Update("endpoint_active", active).Error
	})
	if err != nil {
		if errors.Is(err, ErrSessionRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_record", "set_endpoint_active", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session_record", "set_endpoint_active", "error")
		}
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "session_record", "set_endpoint_active", "success")
	return active, nil
}

func (r *GormSessionRecordRepository) MarkEnabled(ctx context.Context, id uint, txHash string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.SessionRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"enable_tx_hash": txHash, "enabled_at": at.UTC()})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session_record", "mark_enabled", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "session_record", "mark_enabled", "not_found")
		return ErrSessionRecordNotFound
	}
	observability.RecordRepositoryOperation(ctx, "session_record", "mark_enabled", "success")
	return nil
}
