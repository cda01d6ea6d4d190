package domain

import "time"

// SessionRecord is a smart session created for an account. The session key is
// stored sealed; Details holds the serialized enable payload.
type SessionRecord struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	AccountID            uint       `gorm:"index;not null" json:"account_id"`
	SessionKeyAddress    string     `gorm:"size:42;not null" json:"session_key_address"`
	SealedSessionKey     []byte     `gorm:"not null" json:"-"`
	PermissionEnableHash string     `gorm:"size:66;uniqueIndex;not null" json:"permission_enable_hash"`
	PermissionID         string     `gorm:"size:66;index;not null" json:"permission_id"`
	Details              string     `gorm:"type:text;not null" json:"details"`
	EndpointURL          string     `gorm:"size:64;index;not null" json:"endpoint_url"`
	EndpointActive       bool       `gorm:"index;not null;default:false" json:"endpoint_active"`
	EnableTxHash         *string    `gorm:"size:66" json:"enable_tx_hash,omitempty"`
	EnabledAt            *time.Time `json:"enabled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (s SessionRecord) Enabled() bool {
	return s.EnabledAt != nil
}
