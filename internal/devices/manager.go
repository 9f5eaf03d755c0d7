package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("devices: database handle is required")
	errMissingIDProvider = errors.New("devices: id provider is required")
	noOpLogger           = zap.NewNop()
)

// ManagerConfig describes the dependencies of the device manager.
type ManagerConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Manager maintains device records and the sync-group partition over a
// user's devices. Mutating methods take the caller's transaction handle so
// grouping and subscription propagation can commit atomically.
type Manager struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
	clock      func() time.Time
}

// NewManager constructs the device manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		logger:     logger,
		clock:      clock,
	}, nil
}

// DB exposes the underlying handle for callers that own the transaction.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// ByUID returns the user's device with the given uid, deleted or not.
func (m *Manager) ByUID(ctx context.Context, tx *gorm.DB, userID, uid string) (Client, error) {
	var client Client
	err := tx.WithContext(ctx).
		Where("user_id = ? AND uid = ?", userID, uid).
		Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Client{}, fmt.Errorf("%w: uid %q", ErrDeviceNotFound, uid)
	}
	if err != nil {
		return Client{}, err
	}
	return client, nil
}

// GetOrCreate returns the user's device with the given uid, creating it on
// first reference and undeleting it if it was soft-deleted. The last-seen
// user agent is refreshed on every call.
func (m *Manager) GetOrCreate(ctx context.Context, tx *gorm.DB, userID, uid, userAgent string) (Client, error) {
	if err := ValidateUID(uid); err != nil {
		return Client{}, err
	}

	client, err := m.ByUID(ctx, tx, userID, uid)
	if errors.Is(err, ErrDeviceNotFound) {
		id, idErr := m.idProvider.NewID()
		if idErr != nil {
			return Client{}, idErr
		}
		client = Client{
			ID:        id,
			UserID:    userID,
			UID:       uid,
			Caption:   uid,
			Type:      TypeOther,
			UserAgent: userAgent,
		}
		if createErr := tx.WithContext(ctx).Create(&client).Error; createErr != nil {
			return Client{}, createErr
		}
		m.logger.Info("device created",
			zap.String("user_id", userID),
			zap.String("uid", uid))
		return client, nil
	}
	if err != nil {
		return Client{}, err
	}

	updates := map[string]interface{}{"user_agent": userAgent}
	if client.Deleted {
		updates["deleted"] = false
	}
	if err := tx.WithContext(ctx).Model(&Client{}).Where("id = ?", client.ID).Updates(updates).Error; err != nil {
		return Client{}, err
	}
	client.UserAgent = userAgent
	client.Deleted = false
	return client, nil
}

// Update renames or retypes the user's device, creating it when unknown.
func (m *Manager) Update(ctx context.Context, userID, uid, userAgent, caption string, clientType ClientType) (Client, error) {
	var client Client
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		client, txErr = m.GetOrCreate(ctx, tx, userID, uid, userAgent)
		if txErr != nil {
			return txErr
		}
		updates := map[string]interface{}{}
		if caption != "" {
			updates["caption"] = caption
		}
		if clientType != "" {
			updates["type"] = clientType
		}
		if len(updates) == 0 {
			return nil
		}
		if txErr := tx.Model(&Client{}).Where("id = ?", client.ID).Updates(updates).Error; txErr != nil {
			return txErr
		}
		return tx.Where("id = ?", client.ID).Take(&client).Error
	})
	if err != nil {
		return Client{}, err
	}
	return client, nil
}

// Delete soft-deletes the device. A grouped device leaves its sync group
// first so no group is left counting a dead member.
func (m *Manager) Delete(ctx context.Context, userID, uid string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		client, err := m.ByUID(ctx, tx, userID, uid)
		if err != nil {
			return err
		}
		if client.Grouped() {
			if err := m.StopSync(ctx, tx, client); err != nil {
				return err
			}
		}
		return tx.Model(&Client{}).Where("id = ?", client.ID).Update("deleted", true).Error
	})
}

// GroupMembers returns the live members of a sync group.
func (m *Manager) GroupMembers(ctx context.Context, tx *gorm.DB, groupID int64) ([]Client, error) {
	var members []Client
	err := tx.WithContext(ctx).
		Where("sync_group_id = ? AND deleted = ?", groupID, false).
		Order("uid ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

// AffectedClients returns every device a subscription change on the given
// device must be applied to: all members of its sync group, or the device
// alone when it is unsynced.
func (m *Manager) AffectedClients(ctx context.Context, tx *gorm.DB, client Client) ([]Client, error) {
	if !client.Grouped() {
		return []Client{client}, nil
	}
	return m.GroupMembers(ctx, tx, *client.SyncGroupID)
}

// SyncWith puts two devices into a common sync group and returns the
// resulting member list. Devices already in two different groups are
// rejected; merging groups requires an explicit stop-sync first.
func (m *Manager) SyncWith(ctx context.Context, tx *gorm.DB, a, b Client) ([]Client, error) {
	if a.ID == b.ID {
		return nil, ErrSameDevice
	}
	if a.UserID != b.UserID {
		return nil, fmt.Errorf("%w: uid %q", ErrDeviceNotFound, b.UID)
	}

	switch {
	case a.Grouped() && b.Grouped():
		if *a.SyncGroupID == *b.SyncGroupID {
			return m.GroupMembers(ctx, tx, *a.SyncGroupID)
		}
		return nil, ErrAlreadyGrouped

	case !a.Grouped() && !b.Grouped():
		group := SyncGroup{UserID: a.UserID}
		if err := tx.WithContext(ctx).Create(&group).Error; err != nil {
			return nil, err
		}
		err := tx.WithContext(ctx).Model(&Client{}).
			Where("id IN ?", []string{a.ID, b.ID}).
			Update("sync_group_id", group.ID).Error
		if err != nil {
			return nil, err
		}
		m.logger.Info("sync group created",
			zap.String("user_id", a.UserID),
			zap.Int64("group_id", group.ID),
			zap.String("uid_a", a.UID),
			zap.String("uid_b", b.UID))
		return m.GroupMembers(ctx, tx, group.ID)

	case a.Grouped():
		return m.addToGroup(ctx, tx, *a.SyncGroupID, b)

	default:
		return m.addToGroup(ctx, tx, *b.SyncGroupID, a)
	}
}

func (m *Manager) addToGroup(ctx context.Context, tx *gorm.DB, groupID int64, client Client) ([]Client, error) {
	err := tx.WithContext(ctx).Model(&Client{}).
		Where("id = ?", client.ID).
		Update("sync_group_id", groupID).Error
	if err != nil {
		return nil, err
	}
	m.logger.Info("device joined sync group",
		zap.String("user_id", client.UserID),
		zap.Int64("group_id", groupID),
		zap.String("uid", client.UID))
	return m.GroupMembers(ctx, tx, groupID)
}

// StopSync removes the device from its sync group. A group that would be
// left with a single member is dissolved instead of persisting as a
// singleton.
func (m *Manager) StopSync(ctx context.Context, tx *gorm.DB, client Client) error {
	if !client.Grouped() {
		return ErrNotGrouped
	}
	groupID := *client.SyncGroupID

	err := tx.WithContext(ctx).Model(&Client{}).
		Where("id = ?", client.ID).
		Update("sync_group_id", nil).Error
	if err != nil {
		return err
	}

	var remaining []Client
	err = tx.WithContext(ctx).
		Where("sync_group_id = ?", groupID).
		Find(&remaining).Error
	if err != nil {
		return err
	}

	if len(remaining) <= 1 {
		if err := tx.WithContext(ctx).Model(&Client{}).
			Where("sync_group_id = ?", groupID).
			Update("sync_group_id", nil).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Delete(&SyncGroup{}, groupID).Error; err != nil {
			return err
		}
		m.logger.Info("sync group dissolved",
			zap.String("user_id", client.UserID),
			zap.Int64("group_id", groupID))
	}
	return nil
}

// GroupedStatus describes a user's devices partitioned by sync group.
type GroupedStatus struct {
	// Synchronized holds one uid list per sync group.
	Synchronized [][]string
	// NotSynchronized holds the uids of ungrouped devices.
	NotSynchronized []string
}

// Status returns the sync partition of the user's live devices.
func (m *Manager) Status(ctx context.Context, userID string) (GroupedStatus, error) {
	var clients []Client
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("uid ASC").
		Find(&clients).Error
	if err != nil {
		return GroupedStatus{}, err
	}

	groups := map[int64][]string{}
	groupOrder := []int64{}
	status := GroupedStatus{}
	for _, client := range clients {
		if !client.Grouped() {
			status.NotSynchronized = append(status.NotSynchronized, client.UID)
			continue
		}
		groupID := *client.SyncGroupID
		if _, seen := groups[groupID]; !seen {
			groupOrder = append(groupOrder, groupID)
		}
		groups[groupID] = append(groups[groupID], client.UID)
	}
	for _, groupID := range groupOrder {
		status.Synchronized = append(status.Synchronized, groups[groupID])
	}
	return status, nil
}
