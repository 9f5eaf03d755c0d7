package subscriptions

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/devices"
	"github.com/castmirror/castmirror/backend/internal/events"
	"github.com/castmirror/castmirror/backend/internal/history"
)

var (
	errMissingDatabase = errors.New("subscriptions: database handle is required")
	errMissingDevices  = errors.New("subscriptions: device manager is required")
	errMissingHistory  = errors.New("subscriptions: history store is required")
	errMissingCatalog  = errors.New("subscriptions: catalog store is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the subscription service.
type ServiceConfig struct {
	Database *gorm.DB
	Devices  *devices.Manager
	History  *history.Store
	Catalog  *catalog.Store
	Bus      *events.Bus
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service owns the materialized subscription table and the sync-group
// propagation of subscribe/unsubscribe requests.
type Service struct {
	db      *gorm.DB
	devices *devices.Manager
	log     *history.Store
	catalog *catalog.Store
	bus     *events.Bus
	logger  *zap.Logger
	clock   func() time.Time
}

// NewService constructs the subscription service.
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
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:      cfg.Database,
		devices: cfg.Devices,
		log:     cfg.History,
		catalog: cfg.Catalog,
		bus:     cfg.Bus,
		logger:  logger,
		clock:   clock,
	}, nil
}

// Subscribe applies a subscribe request targeting the given device to every
// member of its sync group, sequentially within the caller's transaction.
// Members already subscribed are skipped: no duplicate row, no duplicate
// log entry, no event. The returned events cover only members whose state
// changed; the caller publishes them after commit.
func (s *Service) Subscribe(ctx context.Context, tx *gorm.DB, device devices.Client, podcast catalog.Podcast, refURL string, at time.Time) ([]events.SubscriptionChanged, error) {
	affected, err := s.devices.AffectedClients(ctx, tx, device)
	if err != nil {
		return nil, err
	}

	var changed []events.SubscriptionChanged
	for _, member := range affected {
		event, err := s.subscribeOne(ctx, tx, member, podcast, refURL, at)
		if err != nil {
			return nil, err
		}
		if event != nil {
			changed = append(changed, *event)
		}
	}
	return changed, nil
}

// Unsubscribe is the removal counterpart of Subscribe with identical
// propagation and skip rules.
func (s *Service) Unsubscribe(ctx context.Context, tx *gorm.DB, device devices.Client, podcast catalog.Podcast, at time.Time) ([]events.SubscriptionChanged, error) {
	affected, err := s.devices.AffectedClients(ctx, tx, device)
	if err != nil {
		return nil, err
	}

	var changed []events.SubscriptionChanged
	for _, member := range affected {
		event, err := s.unsubscribeOne(ctx, tx, member, podcast, at)
		if err != nil {
			return nil, err
		}
		if event != nil {
			changed = append(changed, *event)
		}
	}
	return changed, nil
}

func (s *Service) subscribeOne(ctx context.Context, tx *gorm.DB, client devices.Client, podcast catalog.Podcast, refURL string, at time.Time) (*events.SubscriptionChanged, error) {
	now := s.clock().UTC()
	if at.IsZero() {
		at = now
	}

	var existing Subscription
	err := tx.WithContext(ctx).
		Where("user_id = ? AND client_id = ? AND podcast_id = ?", client.UserID, client.ID, podcast.ID).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record := Subscription{
			UserID:    client.UserID,
			ClientID:  client.ID,
			PodcastID: podcast.ID,
			RefURL:    refURL,
			Created:   now,
			Modified:  now,
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case !existing.Deleted:
		// Already in the requested state, nothing to record.
		return nil, nil
	default:
		updates := map[string]interface{}{"deleted": false, "modified": now, "ref_url": refURL}
		if err := tx.WithContext(ctx).Model(&Subscription{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}

	clientID := client.ID
	entry := history.Entry{
		UserID:        client.UserID,
		Timestamp:     at,
		Kind:          history.ActionSubscribe,
		PodcastID:     podcast.ID,
		ClientID:      &clientID,
		PodcastRefURL: refURL,
	}
	if _, _, err := s.log.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("subscribed",
		zap.String("user_id", client.UserID),
		zap.String("device_uid", client.UID),
		zap.Int64("podcast_id", podcast.ID))

	return &events.SubscriptionChanged{
		UserID:     client.UserID,
		ClientID:   client.ID,
		PodcastID:  podcast.ID,
		RefURL:     refURL,
		Subscribed: true,
	}, nil
}

func (s *Service) unsubscribeOne(ctx context.Context, tx *gorm.DB, client devices.Client, podcast catalog.Podcast, at time.Time) (*events.SubscriptionChanged, error) {
	now := s.clock().UTC()
	if at.IsZero() {
		at = now
	}

	var existing Subscription
	err := tx.WithContext(ctx).
		Where("user_id = ? AND client_id = ? AND podcast_id = ?", client.UserID, client.ID, podcast.ID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Deleted {
		return nil, nil
	}

	updates := map[string]interface{}{"deleted": true, "modified": now}
	if err := tx.WithContext(ctx).Model(&Subscription{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	clientID := client.ID
	entry := history.Entry{
		UserID:        client.UserID,
		Timestamp:     at,
		Kind:          history.ActionUnsubscribe,
		PodcastID:     podcast.ID,
		ClientID:      &clientID,
		PodcastRefURL: existing.RefURL,
	}
	if _, _, err := s.log.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("unsubscribed",
		zap.String("user_id", client.UserID),
		zap.String("device_uid", client.UID),
		zap.Int64("podcast_id", podcast.ID))

	return &events.SubscriptionChanged{
		UserID:     client.UserID,
		ClientID:   client.ID,
		PodcastID:  podcast.ID,
		RefURL:     existing.RefURL,
		Subscribed: false,
	}, nil
}

// Publish delivers post-commit events to the bus. Safe to call with an
// empty slice or without a configured bus.
func (s *Service) Publish(ctx context.Context, changed []events.SubscriptionChanged) {
	if s.bus == nil {
		return
	}
	for _, event := range changed {
		s.bus.PublishSubscriptionChanged(ctx, event)
	}
}

// DeviceChanges computes the add/remove URL lists one device must apply to
// mirror its server-side state change between since and until. The
// returned cursor is what the device passes as since on its next poll; it
// trails until when the window was truncated by the query ceiling.
func (s *Service) DeviceChanges(ctx context.Context, client devices.Client, since, until time.Time) (add []string, remove []string, cursor time.Time, err error) {
	clientID := client.ID
	entries, cursor, err := s.log.Run(ctx, s.db, history.Query{
		UserID:   client.UserID,
		ClientID: &clientID,
		Kinds:    []history.ActionKind{history.ActionSubscribe, history.ActionUnsubscribe},
		Since:    &since,
		Until:    until,
	})
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	diff := CurrentState(entries)
	add = make([]string, 0, len(diff.Added))
	remove = make([]string, 0, len(diff.Removed))
	for _, podcastID := range diff.Added {
		url, err := s.catalog.CanonicalPodcastURL(s.db, podcastID)
		if err != nil {
			return nil, nil, time.Time{}, err
		}
		add = append(add, url)
	}
	for _, podcastID := range diff.Removed {
		url, err := s.catalog.CanonicalPodcastURL(s.db, podcastID)
		if err != nil {
			return nil, nil, time.Time{}, err
		}
		remove = append(remove, url)
	}
	return add, remove, cursor, nil
}

// SyncDevices groups two of the user's devices (by uid) and reconciles the
// resulting group so every member reflects the group's newest per-podcast
// state. Grouping and reconciliation commit as one transaction.
func (s *Service) SyncDevices(ctx context.Context, userID, uidA, uidB string) error {
	var changed []events.SubscriptionChanged
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.devices.ByUID(ctx, tx, userID, uidA)
		if err != nil {
			return err
		}
		b, err := s.devices.ByUID(ctx, tx, userID, uidB)
		if err != nil {
			return err
		}

		members, err := s.devices.SyncWith(ctx, tx, a, b)
		if err != nil {
			return err
		}

		changed, err = s.reconcileGroup(ctx, tx, members)
		return err
	})
	if err != nil {
		return err
	}
	s.Publish(ctx, changed)
	return nil
}

// StopSyncDevice removes the device from its group. Rejected when the
// device is not grouped.
func (s *Service) StopSyncDevice(ctx context.Context, userID, uid string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		client, err := s.devices.ByUID(ctx, tx, userID, uid)
		if err != nil {
			return err
		}
		return s.devices.StopSync(ctx, tx, client)
	})
}

// reconcileGroup brings every member of a freshly formed or extended group
// to the group's state. The group state is the newest subscribe or
// unsubscribe per podcast across all members; a member only applies
// actions newer than its own latest state for that podcast.
func (s *Service) reconcileGroup(ctx context.Context, tx *gorm.DB, members []devices.Client) ([]events.SubscriptionChanged, error) {
	if len(members) < 2 {
		return nil, nil
	}

	groupState := map[int64]history.Entry{}
	memberStates := make([]map[int64]history.Entry, len(members))
	for i, member := range members {
		latest, err := s.log.LatestPodcastChanges(ctx, tx, member.UserID, member.ID)
		if err != nil {
			return nil, err
		}
		memberStates[i] = latest
		for podcastID, entry := range latest {
			current, seen := groupState[podcastID]
			if !seen || entry.Timestamp.After(current.Timestamp) {
				groupState[podcastID] = entry
			}
		}
	}

	var changed []events.SubscriptionChanged
	for i, member := range members {
		current := memberStates[i]
		for podcastID, target := range groupState {
			own, has := current[podcastID]
			if has && !target.Timestamp.After(own.Timestamp) {
				continue
			}

			var podcast catalog.Podcast
			if err := tx.WithContext(ctx).Take(&podcast, podcastID).Error; err != nil {
				return nil, err
			}

			switch target.Kind {
			case history.ActionSubscribe:
				if has && own.Kind == history.ActionSubscribe {
					continue
				}
				event, err := s.subscribeOne(ctx, tx, member, podcast, target.PodcastRefURL, s.clock().UTC())
				if err != nil {
					return nil, err
				}
				if event != nil {
					changed = append(changed, *event)
				}
			case history.ActionUnsubscribe:
				if !has || own.Kind != history.ActionSubscribe {
					continue
				}
				event, err := s.unsubscribeOne(ctx, tx, member, podcast, s.clock().UTC())
				if err != nil {
					return nil, err
				}
				if event != nil {
					changed = append(changed, *event)
				}
			}
		}
	}
	return changed, nil
}

// SubscribedPodcastIDs returns the podcast ids the client is currently
// subscribed to.
func (s *Service) SubscribedPodcastIDs(ctx context.Context, clientID string) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&Subscription{}).
		Where("client_id = ? AND deleted = ?", clientID, false).
		Order("podcast_id ASC").
		Pluck("podcast_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
