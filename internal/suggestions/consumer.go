package suggestions

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/events"
)

var errMissingDatabase = errors.New("suggestions: database handle is required")

// RecomputeFlag marks a user whose podcast suggestions are stale. A
// background job clears the flag when it rebuilds the user's suggestions.
type RecomputeFlag struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	FlaggedAt time.Time `gorm:"column:flagged_at;not null"`
}

// TableName implements the gorm naming override.
func (RecomputeFlag) TableName() string {
	return "suggestion_recompute_flags"
}

// ConsumerConfig describes the dependencies of the suggestion consumer.
type ConsumerConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Consumer listens for subscription changes and flags the affected user for
// suggestion recomputation. Flagging is idempotent: repeated changes before
// the next rebuild leave a single flag row.
type Consumer struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewConsumer constructs the suggestion consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Consumer{db: cfg.Database, logger: logger, clock: clock}, nil
}

// HandleSubscriptionChanged implements events.SubscriptionConsumer.
func (c *Consumer) HandleSubscriptionChanged(ctx context.Context, event events.SubscriptionChanged) error {
	flag := RecomputeFlag{UserID: event.UserID, FlaggedAt: c.clock().UTC()}
	err := c.db.WithContext(ctx).
		Where("user_id = ?", event.UserID).
		Assign(map[string]interface{}{"flagged_at": flag.FlaggedAt}).
		FirstOrCreate(&flag).Error
	if err != nil {
		return err
	}
	c.logger.Debug("suggestions flagged for recompute",
		zap.String("user_id", event.UserID))
	return nil
}

// Flagged returns the users currently awaiting a suggestion rebuild.
func (c *Consumer) Flagged(ctx context.Context) ([]string, error) {
	var userIDs []string
	err := c.db.WithContext(ctx).Model(&RecomputeFlag{}).
		Order("flagged_at ASC").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

// Clear removes the user's flag once their suggestions were rebuilt.
func (c *Consumer) Clear(ctx context.Context, userID string) error {
	return c.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&RecomputeFlag{}).Error
}
