package universalbot

import (
	"context"
	"fmt"
	"gorm.io/gorm"
)

// AuditLogType categorizes audit log entries
type AuditLogType string

const (
	AuditLogConfig AuditLogType = "CONFIG"
	AuditLogTest   AuditLogType = "TEST"
)

// AuditLog records a change made (or test sent) from the dashboard
type AuditLog struct {
	ModelUintID
	GuildID string       `gorm:"index:idx_audit_guild_created,priority:1;not null" json:"guild_id"`
	Type    AuditLogType `gorm:"size:16;not null" json:"type"`
	UserID  string       `json:"user_id,omitempty"`
	Message string       `gorm:"not null" json:"message"`
	ModelUnixTime
}

// recordAuditLog saves an entry for the given guild, then prunes
// all but the newest limit entries for it
func recordAuditLog(
	ctx context.Context,
	db DBI,
	limit int,
	entry *AuditLog,
) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("error creating audit log: %w", err)
			}
			keep := tx.Model(&AuditLog{}).
				Select("id").
				Where("guild_id = ?", entry.GuildID).
				Order("id DESC").
				Limit(limit)
			rv := tx.Where("guild_id = ?", entry.GuildID).
				Where("id NOT IN (?)", keep).
				Delete(&AuditLog{})
			if rv.Error != nil {
				return fmt.Errorf("error pruning audit log: %w", rv.Error)
			}
			return nil
		},
	)
}

// listAuditLogs returns the most recent entries for the guild, newest first
func listAuditLogs(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	limit int,
) ([]AuditLog, error) {
	var logs []AuditLog
	err := db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
