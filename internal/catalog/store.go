package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that no live entity matches the given reference.
	ErrNotFound = errors.New("catalog: entity not found")
	// ErrUnresolvableID indicates a merged-identifier chain that never
	// reaches a live entity.
	ErrUnresolvableID = errors.New("catalog: unresolvable merged identifier")

	errMissingDatabase = errors.New("catalog: database handle is required")
)

// resolveHopLimit bounds merged-identifier resolution. The merge engine
// keeps chains at a single hop, so hitting the limit means corrupt data.
const resolveHopLimit = 32

// StoreConfig describes the dependencies of the catalog store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store provides lookup and creation of podcast and episode records. All
// mutating methods operate on the transaction handle passed by the caller
// so that multi-store operations commit atomically.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a catalog store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// ResolveID follows merged identifiers from the given id to the live entity
// it was merged into. Ids of live entities resolve to themselves.
func (s *Store) ResolveID(tx *gorm.DB, kind EntityKind, id int64) (int64, error) {
	current := id
	for hop := 0; hop < resolveHopLimit; hop++ {
		var redirect MergedIdentifier
		err := tx.Where("kind = ? AND old_id = ?", kind, current).Take(&redirect).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return current, nil
		}
		if err != nil {
			return 0, err
		}
		current = redirect.TargetID
	}
	return 0, fmt.Errorf("%w: %s %d", ErrUnresolvableID, kind, id)
}

// PodcastByURL returns the podcast reachable under the given normalized URL.
func (s *Store) PodcastByURL(tx *gorm.DB, normalizedURL string) (Podcast, error) {
	var record PodcastURL
	err := tx.Where("url = ?", normalizedURL).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Podcast{}, fmt.Errorf("%w: podcast url %q", ErrNotFound, normalizedURL)
	}
	if err != nil {
		return Podcast{}, err
	}

	podcastID, err := s.ResolveID(tx, KindPodcast, record.PodcastID)
	if err != nil {
		return Podcast{}, err
	}

	var podcast Podcast
	if err := tx.Take(&podcast, podcastID).Error; err != nil {
		return Podcast{}, err
	}
	return podcast, nil
}

// GetOrCreatePodcastByURL returns the podcast for the normalized URL,
// creating podcast and canonical URL records when the URL is unknown.
func (s *Store) GetOrCreatePodcastByURL(ctx context.Context, tx *gorm.DB, normalizedURL string) (Podcast, error) {
	podcast, err := s.PodcastByURL(tx, normalizedURL)
	if err == nil {
		return podcast, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Podcast{}, err
	}

	now := s.clock().UTC()
	podcast = Podcast{Created: now, Modified: now}
	if err := tx.WithContext(ctx).Create(&podcast).Error; err != nil {
		return Podcast{}, err
	}
	canonical := PodcastURL{PodcastID: podcast.ID, URL: normalizedURL, Order: 0}
	if err := tx.WithContext(ctx).Create(&canonical).Error; err != nil {
		return Podcast{}, err
	}
	return podcast, nil
}

// EpisodeByURL returns the episode reachable under the given normalized URL
// within the podcast's scope.
func (s *Store) EpisodeByURL(tx *gorm.DB, podcastID int64, normalizedURL string) (Episode, error) {
	var record EpisodeURL
	err := tx.Where("scope_podcast_id = ? AND url = ?", podcastID, normalizedURL).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Episode{}, fmt.Errorf("%w: episode url %q", ErrNotFound, normalizedURL)
	}
	if err != nil {
		return Episode{}, err
	}

	episodeID, err := s.ResolveID(tx, KindEpisode, record.EpisodeID)
	if err != nil {
		return Episode{}, err
	}

	var episode Episode
	if err := tx.Take(&episode, episodeID).Error; err != nil {
		return Episode{}, err
	}
	return episode, nil
}

// GetOrCreateEpisodeByURL returns the episode for the normalized URL within
// the podcast's scope, creating episode and canonical URL records when the
// URL is unknown.
func (s *Store) GetOrCreateEpisodeByURL(ctx context.Context, tx *gorm.DB, podcastID int64, normalizedURL string) (Episode, error) {
	episode, err := s.EpisodeByURL(tx, podcastID, normalizedURL)
	if err == nil {
		return episode, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Episode{}, err
	}

	now := s.clock().UTC()
	episode = Episode{PodcastID: podcastID, Created: now, Modified: now}
	if err := tx.WithContext(ctx).Create(&episode).Error; err != nil {
		return Episode{}, err
	}
	canonical := EpisodeURL{
		EpisodeID:      episode.ID,
		ScopePodcastID: podcastID,
		URL:            normalizedURL,
		Order:          0,
	}
	if err := tx.WithContext(ctx).Create(&canonical).Error; err != nil {
		return Episode{}, err
	}
	return episode, nil
}

// CanonicalPodcastURL returns the order-0 URL of a podcast.
func (s *Store) CanonicalPodcastURL(tx *gorm.DB, podcastID int64) (string, error) {
	var record PodcastURL
	err := tx.Where("podcast_id = ? AND ord = 0", podcastID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: podcast %d has no canonical url", ErrNotFound, podcastID)
	}
	if err != nil {
		return "", err
	}
	return record.URL, nil
}

// DB exposes the underlying handle for callers that own the transaction.
func (s *Store) DB() *gorm.DB {
	return s.db
}
