package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxReturned = 300

var (
	errMissingDatabase = errors.New("history: database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the action-log store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// MaxReturned caps the number of entries a single Query call returns.
	MaxReturned int
}

// Store is the append-only action log. Entries are never updated or
// deleted here; only the merge engine repoints their entity references.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	maxReturned int
}

// NewStore constructs the action-log store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxReturned := cfg.MaxReturned
	if maxReturned <= 0 {
		maxReturned = defaultMaxReturned
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		maxReturned: maxReturned,
	}, nil
}

// Append stores the entry unless an identical logical event already
// exists. Two entries are the same logical event when user, client,
// podcast/episode reference, kind and timestamp all match; resubmissions
// then return the stored row and report success. The returned bool is true
// when a new row was written.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, entry Entry) (Entry, bool, error) {
	if err := entry.Validate(); err != nil {
		return Entry{}, false, err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = entry.CreatedAt
	}

	query := tx.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND podcast_id = ? AND timestamp = ?",
			entry.UserID, entry.Kind, entry.PodcastID, entry.Timestamp)
	if entry.ClientID != nil {
		query = query.Where("client_id = ?", *entry.ClientID)
	} else {
		query = query.Where("client_id IS NULL")
	}
	if entry.EpisodeID != nil {
		query = query.Where("episode_id = ?", *entry.EpisodeID)
	} else {
		query = query.Where("episode_id IS NULL")
	}

	var existing Entry
	err := query.Take(&existing).Error
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, err
	}

	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Query selects the entries the caller may fetch in one poll window.
type Query struct {
	UserID    string
	ClientID  *string
	PodcastID *int64
	EpisodeID *int64
	Kinds     []ActionKind
	// Since is exclusive; entries must be newer than it. Nil means from
	// the beginning of the log.
	Since *time.Time
	// Until is inclusive and also the fallback cursor for empty results.
	Until time.Time
}

// Run returns matching entries ordered ascending by timestamp, capped at
// the configured ceiling, together with the caller's next cursor. The
// cursor is the timestamp of the last returned entry, or Until when the
// window held no entries, so polling always advances.
func (s *Store) Run(ctx context.Context, tx *gorm.DB, q Query) ([]Entry, time.Time, error) {
	stmt := tx.WithContext(ctx).
		Where("user_id = ?", q.UserID).
		Where("timestamp <= ?", q.Until).
		Order("timestamp ASC, id ASC").
		Limit(s.maxReturned)

	if q.Since != nil {
		stmt = stmt.Where("timestamp > ?", *q.Since)
	}
	if q.ClientID != nil {
		stmt = stmt.Where("client_id = ?", *q.ClientID)
	}
	if q.PodcastID != nil {
		stmt = stmt.Where("podcast_id = ?", *q.PodcastID)
	}
	if q.EpisodeID != nil {
		stmt = stmt.Where("episode_id = ?", *q.EpisodeID)
	}
	if len(q.Kinds) > 0 {
		stmt = stmt.Where("kind IN ?", q.Kinds)
	}

	var entries []Entry
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, time.Time{}, err
	}

	cursor := q.Until
	if len(entries) > 0 {
		cursor = entries[len(entries)-1].Timestamp
	}
	return entries, cursor, nil
}

// DB exposes the underlying handle so owners of a poll can run read-only
// queries without opening their own transaction.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// LatestPodcastChanges returns, per podcast, the newest subscribe or
// unsubscribe entry recorded for the given client. Group reconciliation
// uses this to compute the state a freshly added device must catch up to.
func (s *Store) LatestPodcastChanges(ctx context.Context, tx *gorm.DB, userID, clientID string) (map[int64]Entry, error) {
	var entries []Entry
	err := tx.WithContext(ctx).
		Where("user_id = ? AND client_id = ?", userID, clientID).
		Where("kind IN ?", []ActionKind{ActionSubscribe, ActionUnsubscribe}).
		Order("timestamp ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	latest := make(map[int64]Entry, len(entries))
	for _, entry := range entries {
		latest[entry.PodcastID] = entry
	}
	return latest, nil
}
