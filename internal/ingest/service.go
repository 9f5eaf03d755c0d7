package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/devices"
	"github.com/castmirror/castmirror/backend/internal/events"
	"github.com/castmirror/castmirror/backend/internal/history"
	"github.com/castmirror/castmirror/backend/internal/subscriptions"
)

var (
	errMissingDatabase      = errors.New("ingest: database handle is required")
	errMissingDevices       = errors.New("ingest: device manager is required")
	errMissingHistory       = errors.New("ingest: history store is required")
	errMissingCatalog       = errors.New("ingest: catalog store is required")
	errMissingSubscriptions = errors.New("ingest: subscription service is required")
	errMissingNormalizer    = errors.New("ingest: url normalizer is required")
	noOpLogger              = zap.NewNop()
)

// ServiceConfig describes the dependencies of the ingestion facade.
type ServiceConfig struct {
	Database      *gorm.DB
	Devices       *devices.Manager
	History       *history.Store
	Catalog       *catalog.Store
	Subscriptions *subscriptions.Service
	Normalizer    catalog.URLNormalizer
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Service is the write-side entry point for client uploads. It validates a
// whole request before mutating anything, resolves reference URLs to catalog
// entities, and commits each request as one transaction.
type Service struct {
	db            *gorm.DB
	devices       *devices.Manager
	log           *history.Store
	catalog       *catalog.Store
	subscriptions *subscriptions.Service
	normalizer    catalog.URLNormalizer
	logger        *zap.Logger
	clock         func() time.Time
}

// NewService constructs the ingestion facade.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Devices == nil {
		return nil, errMissingDevices
	}
	if cfg.History == nil {
		return nil, errMissingHistory
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	if cfg.Subscriptions == nil {
		return nil, errMissingSubscriptions
	}
	if cfg.Normalizer == nil {
		return nil, errMissingNormalizer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:            cfg.Database,
		devices:       cfg.Devices,
		log:           cfg.History,
		catalog:       cfg.Catalog,
		subscriptions: cfg.Subscriptions,
		normalizer:    cfg.Normalizer,
		logger:        logger,
		clock:         clock,
	}, nil
}

// UploadResult is returned to the uploading client.
type UploadResult struct {
	// Timestamp is the server time of the commit, the client's next cursor.
	Timestamp time.Time
	// UpdatedURLs lists reference URLs the server rewrote during
	// normalization.
	UpdatedURLs []UpdatedURL
}

// UploadEpisodeActions appends a batch of client actions to the log. The
// batch is validated as a whole first; a single malformed element rejects
// the entire upload with ErrInvalidBatch and nothing is stored. Subscribe
// and unsubscribe actions carrying a device uid are routed through the
// subscription service so they propagate across the device's sync group;
// everything else is appended directly. Resubmitted actions are absorbed
// without effect.
func (s *Service) UploadEpisodeActions(ctx context.Context, userID, userAgent string, payloads []ActionPayload) (UploadResult, error) {
	parsed := make([]parsedAction, 0, len(payloads))
	for index, payload := range payloads {
		action, err := parsePayload(s.normalizer, payload, index)
		if err != nil {
			return UploadResult{}, err
		}
		parsed = append(parsed, action)
	}

	var changed []events.SubscriptionChanged
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clients := map[string]devices.Client{}
		for _, action := range parsed {
			if action.deviceUID == "" {
				continue
			}
			if _, seen := clients[action.deviceUID]; seen {
				continue
			}
			client, err := s.devices.GetOrCreate(ctx, tx, userID, action.deviceUID, userAgent)
			if err != nil {
				return err
			}
			clients[action.deviceUID] = client
		}

		for _, action := range parsed {
			podcast, err := s.catalog.GetOrCreatePodcastByURL(ctx, tx, action.podcastNormalized)
			if err != nil {
				return err
			}

			if client, routed := clients[action.deviceUID]; routed && !action.kind.EpisodeLevel() {
				switch action.kind {
				case history.ActionSubscribe:
					batch, err := s.subscriptions.Subscribe(ctx, tx, client, podcast, action.podcastNormalized, action.timestamp)
					if err != nil {
						return err
					}
					changed = append(changed, batch...)
					continue
				case history.ActionUnsubscribe:
					batch, err := s.subscriptions.Unsubscribe(ctx, tx, client, podcast, action.timestamp)
					if err != nil {
						return err
					}
					changed = append(changed, batch...)
					continue
				}
			}

			entry := history.Entry{
				UserID:        userID,
				Kind:          action.kind,
				Timestamp:     action.timestamp,
				PodcastID:     podcast.ID,
				PodcastRefURL: action.podcastNormalized,
				Started:       action.started,
				Stopped:       action.stopped,
				Total:         action.total,
			}
			if client, ok := clients[action.deviceUID]; ok {
				clientID := client.ID
				entry.ClientID = &clientID
			}
			if action.episodeNormalized != "" {
				episode, err := s.catalog.GetOrCreateEpisodeByURL(ctx, tx, podcast.ID, action.episodeNormalized)
				if err != nil {
					return err
				}
				episodeID := episode.ID
				entry.EpisodeID = &episodeID
				entry.EpisodeRefURL = action.episodeNormalized
			}
			if _, _, err := s.log.Append(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return UploadResult{}, err
	}

	s.subscriptions.Publish(ctx, changed)

	s.logger.Info("action batch ingested",
		zap.String("user_id", userID),
		zap.Int("actions", len(parsed)))

	return UploadResult{
		Timestamp:   s.clock().UTC().Truncate(time.Second),
		UpdatedURLs: collectUpdatedURLs(parsed),
	}, nil
}

// UpdateDeviceSubscriptions applies a client's add/remove subscription
// delta for one device. URLs are normalized first; a URL that appears in
// both sets after normalization rejects the whole request. A removal whose
// URL is unknown to the catalog is skipped, since there is nothing the user
// could be subscribed to under it.
func (s *Service) UpdateDeviceSubscriptions(ctx context.Context, userID, deviceUID, userAgent string, add, remove []string) (UploadResult, error) {
	addSet := map[string]string{}
	var addOrder []string
	var updated []UpdatedURL
	seenRewrite := map[string]bool{}
	record := func(original, normalized string) {
		if original == normalized || seenRewrite[original] {
			return
		}
		seenRewrite[original] = true
		updated = append(updated, UpdatedURL{Old: original, New: normalized})
	}

	for _, raw := range add {
		normalized, err := s.normalizer.Normalize(raw)
		if err != nil {
			return UploadResult{}, fmt.Errorf("%w: add url %q: %v", ErrInvalidBatch, raw, err)
		}
		record(raw, normalized)
		if _, seen := addSet[normalized]; seen {
			continue
		}
		addSet[normalized] = raw
		addOrder = append(addOrder, normalized)
	}

	var removals []string
	removeSeen := map[string]bool{}
	for _, raw := range remove {
		normalized, err := s.normalizer.Normalize(raw)
		if err != nil {
			return UploadResult{}, fmt.Errorf("%w: remove url %q: %v", ErrInvalidBatch, raw, err)
		}
		if original, conflicting := addSet[normalized]; conflicting {
			if original == raw {
				// The same submitted URL in both sets is a client bug.
				return UploadResult{}, fmt.Errorf("%w: %q", ErrAddRemoveConflict, raw)
			}
			// Distinct submissions normalizing to one URL: the addition
			// wins and the removal is dropped.
			record(raw, normalized)
			continue
		}
		record(raw, normalized)
		if removeSeen[normalized] {
			continue
		}
		removeSeen[normalized] = true
		removals = append(removals, normalized)
	}

	var changed []events.SubscriptionChanged
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		client, err := s.devices.GetOrCreate(ctx, tx, userID, deviceUID, userAgent)
		if err != nil {
			return err
		}

		for _, normalized := range addOrder {
			podcast, err := s.catalog.GetOrCreatePodcastByURL(ctx, tx, normalized)
			if err != nil {
				return err
			}
			batch, err := s.subscriptions.Subscribe(ctx, tx, client, podcast, normalized, time.Time{})
			if err != nil {
				return err
			}
			changed = append(changed, batch...)
		}

		for _, normalized := range removals {
			podcast, err := s.catalog.PodcastByURL(tx, normalized)
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			batch, err := s.subscriptions.Unsubscribe(ctx, tx, client, podcast, time.Time{})
			if err != nil {
				return err
			}
			changed = append(changed, batch...)
		}
		return nil
	})
	if err != nil {
		return UploadResult{}, err
	}

	s.subscriptions.Publish(ctx, changed)

	s.logger.Info("device subscriptions updated",
		zap.String("user_id", userID),
		zap.String("device_uid", deviceUID),
		zap.Int("added", len(addOrder)),
		zap.Int("removed", len(removals)))

	return UploadResult{
		Timestamp:   s.clock().UTC().Truncate(time.Second),
		UpdatedURLs: updated,
	}, nil
}

// ReplaceDeviceSubscriptions sets the device's subscription list to exactly
// the given URLs, deriving the delta from the current state.
func (s *Service) ReplaceDeviceSubscriptions(ctx context.Context, userID, deviceUID, userAgent string, urls []string) (UploadResult, error) {
	normalized := make([]string, 0, len(urls))
	seen := map[string]bool{}
	for _, raw := range urls {
		url, err := s.normalizer.Normalize(raw)
		if err != nil {
			return UploadResult{}, fmt.Errorf("%w: url %q: %v", ErrInvalidBatch, raw, err)
		}
		if seen[url] {
			continue
		}
		seen[url] = true
		normalized = append(normalized, url)
	}

	var remove []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		client, err := s.devices.GetOrCreate(ctx, tx, userID, deviceUID, userAgent)
		if err != nil {
			return err
		}
		currentIDs, err := s.subscriptions.SubscribedPodcastIDs(ctx, client.ID)
		if err != nil {
			return err
		}
		for _, podcastID := range currentIDs {
			url, err := s.catalog.CanonicalPodcastURL(tx, podcastID)
			if err != nil {
				return err
			}
			if !seen[url] {
				remove = append(remove, url)
			}
		}
		return nil
	})
	if err != nil {
		return UploadResult{}, err
	}

	result, err := s.UpdateDeviceSubscriptions(ctx, userID, deviceUID, userAgent, urls, remove)
	if err != nil {
		return UploadResult{}, err
	}
	return result, nil
}
