package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// AuditLog is one append-only record in the audit sink. Bypass operations,
// rejected overpayments, administrative voids and batch-job summaries all land
// here.
type AuditLog struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	CompanyID  *snowflake.ID `json:"company_id" gorm:"index"`
	ActorType  string       `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string      `json:"actor_id" gorm:"type:text"`
	Action     string       `json:"action" gorm:"type:text;not null;index"`
	TargetType string       `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string      `json:"target_id" gorm:"type:text"`
	Metadata   string       `json:"metadata" gorm:"type:text;not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

const (
	ActorTypeSystem   = "system"
	ActorTypeOperator = "operator"
)

type Service interface {
	AuditLog(ctx context.Context, companyID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
}

var (
	ErrInvalidAction = errors.New("invalid_action")
)
