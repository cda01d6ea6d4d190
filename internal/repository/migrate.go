package repository

import (
	"github.com/sandeepkv93/smart-session-gateway/internal/domain"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.User{}, &domain.Account{}, &domain.SessionRecord{}, &domain.Operation{})
}
