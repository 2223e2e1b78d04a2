package models

import "time"

type ChannelStatus string

const (
	ChannelPending  ChannelStatus = "pending"
	ChannelActive   ChannelStatus = "active"
	ChannelExpiring ChannelStatus = "expiring"
	ChannelExpired  ChannelStatus = "expired"
	ChannelFailed   ChannelStatus = "failed"
)

// Live reports whether the channel still counts against the at-most-one
// live channel per account invariant.
func (s ChannelStatus) Live() bool {
	return s == ChannelPending || s == ChannelActive || s == ChannelExpiring
}

// WebhookChannel is a provider-side push-notification lease.
// At most one live channel exists per account at a time.
type WebhookChannel struct {
	ID              string        `gorm:"column:id;primaryKey"`
	AccountID       string        `gorm:"column:account_id;index"`
	ChannelID       string        `gorm:"column:channel_id;index"`
	ResourceID      string        `gorm:"column:resource_id"`
	Status          ChannelStatus `gorm:"column:status;index"`
	ExpiresAt       time.Time     `gorm:"column:expires_at"`
	LastReceivedAt  *time.Time    `gorm:"column:last_received_at"`
	RenewalCount    int           `gorm:"column:renewal_count"`
	RenewalFailures int           `gorm:"column:renewal_failures"`
	CreatedAt       time.Time     `gorm:"column:created_at"`
	UpdatedAt       time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookChannel) TableName() string {
	return "webhook_channels"
}
