package domain

import "time"

type OperationState string

const (
	OperationDrafted      OperationState = "DRAFTED"
	OperationNonceFetched OperationState = "NONCE_FETCHED"
	OperationSigned       OperationState = "SIGNED"
	OperationSubmitted    OperationState = "SUBMITTED"
	OperationConfirmed    OperationState = "CONFIRMED"
	OperationFailed       OperationState = "FAILED"
)

func (s OperationState) Terminal() bool {
	return s == OperationConfirmed || s == OperationFailed
}

type OperationKind string

const (
	OperationKindEnable OperationKind = "enable"
	OperationKindAgent  OperationKind = "agent"
)

// Operation is the persisted outcome of a submitted user operation.
type Operation struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	UserOpHash      string         `gorm:"size:66;uniqueIndex;not null" json:"user_op_hash"`
	SessionRecordID uint           `gorm:"index;not null" json:"session_record_id"`
	AccountAddress  string         `gorm:"size:42;index;not null" json:"account_address"`
	ChainID         uint64         `gorm:"not null" json:"chain_id"`
	Kind            OperationKind  `gorm:"size:16;not null" json:"kind"`
	State           OperationState `gorm:"size:16;index;not null" json:"state"`
	TransactionHash *string        `gorm:"size:66" json:"transaction_hash,omitempty"`
	FailureKind     string         `gorm:"size:32" json:"failure_kind,omitempty"`
	Reason          string         `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
