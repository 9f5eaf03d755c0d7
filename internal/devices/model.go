package devices

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ClientType categorizes a device for display purposes.
type ClientType string

const (
	// TypeDesktop marks a desktop client.
	TypeDesktop ClientType = "desktop"
	// TypeLaptop marks a laptop client.
	TypeLaptop ClientType = "laptop"
	// TypeMobile marks a phone or tablet client.
	TypeMobile ClientType = "mobile"
	// TypeServer marks a server-side client.
	TypeServer ClientType = "server"
	// TypeOther marks anything else.
	TypeOther ClientType = "other"
)

var (
	// ErrDeviceNotFound indicates a device uid unknown for the user.
	ErrDeviceNotFound = errors.New("devices: device not found")
	// ErrInvalidUID indicates an empty or oversized device uid.
	ErrInvalidUID = errors.New("devices: invalid device uid")
	// ErrSameDevice indicates an attempt to sync a device with itself.
	ErrSameDevice = errors.New("devices: cannot sync a device with itself")
	// ErrAlreadyGrouped indicates two devices in different existing groups.
	ErrAlreadyGrouped = errors.New("devices: devices belong to different sync groups, stop sync first")
	// ErrNotGrouped indicates stop-sync on an ungrouped device.
	ErrNotGrouped = errors.New("devices: device is not synced")
)

const maxUIDLength = 64

// NormalizeType maps free-form client type strings onto a known type.
func NormalizeType(raw string) ClientType {
	switch ClientType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeDesktop:
		return TypeDesktop
	case TypeLaptop:
		return TypeLaptop
	case TypeMobile:
		return TypeMobile
	case TypeServer:
		return TypeServer
	default:
		return TypeOther
	}
}

// ValidateUID checks a user-chosen device identifier.
func ValidateUID(uid string) error {
	trimmed := strings.TrimSpace(uid)
	if trimmed == "" || trimmed != uid {
		return ErrInvalidUID
	}
	if len(uid) > maxUIDLength {
		return ErrInvalidUID
	}
	return nil
}

// Client is one named endpoint of a user. Clients are created lazily on
// first reference and only ever soft-deleted.
type Client struct {
	ID          string     `gorm:"column:id;primaryKey;size:36"`
	UserID      string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_clients_user_uid,priority:1"`
	UID         string     `gorm:"column:uid;size:64;not null;uniqueIndex:idx_clients_user_uid,priority:2"`
	Caption     string     `gorm:"column:caption;size:140;not null;default:''"`
	Type        ClientType `gorm:"column:type;size:20;not null;default:'other'"`
	SyncGroupID *int64     `gorm:"column:sync_group_id;index:idx_clients_sync_group"`
	Deleted     bool       `gorm:"column:deleted;not null;default:false"`
	UserAgent   string     `gorm:"column:user_agent;size:512;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Client) TableName() string {
	return "clients"
}

// Grouped reports whether the client currently belongs to a sync group.
func (c Client) Grouped() bool {
	return c.SyncGroupID != nil
}

// SyncGroup partitions a user's devices into sets with mirrored
// subscription state. Membership is implicit: every client whose
// sync_group_id points here is a member. A group never persists with
// fewer than two members.
type SyncGroup struct {
	ID     int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID string `gorm:"column:user_id;size:190;not null;index:idx_sync_groups_user"`
}

// TableName provides the explicit table binding for GORM.
func (SyncGroup) TableName() string {
	return "sync_groups"
}

// IDProvider abstracts client id generation for testability.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDProvider generates random UUID client identifiers.
type UUIDProvider struct{}

// NewUUIDProvider returns the default id provider.
func NewUUIDProvider() UUIDProvider {
	return UUIDProvider{}
}

// NewID returns a new random UUID string.
func (UUIDProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
