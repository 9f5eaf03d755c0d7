package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/devices"
	"github.com/castmirror/castmirror/backend/internal/history"
	"github.com/castmirror/castmirror/backend/internal/subscriptions"
	"github.com/castmirror/castmirror/backend/internal/suggestions"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&catalog.Podcast{},
		&catalog.Episode{},
		&catalog.PodcastURL{},
		&catalog.EpisodeURL{},
		&catalog.PodcastSlug{},
		&catalog.EpisodeSlug{},
		&catalog.MergedIdentifier{},
		&catalog.PodcastVote{},
		&catalog.PodcastConfig{},
		&catalog.PodcastTag{},
		&catalog.PodcastList{},
		&catalog.PodcastListEntry{},
		&catalog.FavoriteEpisode{},
		&catalog.EpisodeConfig{},
		&history.Entry{},
		&devices.Client{},
		&devices.SyncGroup{},
		&subscriptions.Subscription{},
		&suggestions.RecomputeFlag{},
	)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
