package subscriptions

import "time"

// Subscription is the materialized per-device subscription state. It is
// derivable from the action log and kept as a live table for query
// performance: a row exists and is not soft-deleted exactly when replaying
// the log for (user, client, podcast) ends in a subscribed state.
type Subscription struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_subscriptions_key,priority:1"`
	ClientID  string    `gorm:"column:client_id;size:36;not null;uniqueIndex:idx_subscriptions_key,priority:2"`
	PodcastID int64     `gorm:"column:podcast_id;not null;uniqueIndex:idx_subscriptions_key,priority:3;index:idx_subscriptions_podcast"`
	RefURL    string    `gorm:"column:ref_url;size:2048;not null;default:''"`
	Created   time.Time `gorm:"column:created;not null"`
	Modified  time.Time `gorm:"column:modified;not null"`
	Deleted   bool      `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Subscription) TableName() string {
	return "subscriptions"
}
