package domain

import "time"

// User is an owner identified by the subject of their access token.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Subject   string    `gorm:"size:255;uniqueIndex;not null" json:"subject"`
	Accounts  []Account `json:"accounts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Account struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UserID            uint            `gorm:"uniqueIndex:idx_accounts_user_chain_address;not null" json:"user_id"`
	ChainID           uint64          `gorm:"uniqueIndex:idx_accounts_user_chain_address;not null" json:"chain_id"`
	Address           string          `gorm:"size:42;uniqueIndex:idx_accounts_user_chain_address;index;not null" json:"address"`
	Owners            []string        `gorm:"serializer:json" json:"owners"`
	OwnerCredentialID string          `gorm:"size:255" json:"owner_credential_id"`
	Sessions          []SessionRecord `json:"sessions,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
