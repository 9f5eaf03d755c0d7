package history

import (
	"errors"
	"fmt"
	"time"
)

// ActionKind enumerates the recorded action types.
type ActionKind string

const (
	// ActionSubscribe records a podcast subscription on one device.
	ActionSubscribe ActionKind = "subscribe"
	// ActionUnsubscribe records a podcast unsubscription on one device.
	ActionUnsubscribe ActionKind = "unsubscribe"
	// ActionDownload records an episode download.
	ActionDownload ActionKind = "download"
	// ActionPlay records an episode playback, optionally with positions.
	ActionPlay ActionKind = "play"
	// ActionDelete records an episode deletion on a device.
	ActionDelete ActionKind = "delete"
	// ActionNew records an episode being marked as new.
	ActionNew ActionKind = "new"
	// ActionFlattr records an episode being flattr'd.
	ActionFlattr ActionKind = "flattr"
)

var (
	// ErrInvalidKind indicates an unknown action kind.
	ErrInvalidKind = errors.New("history: invalid action kind")
	// ErrPlayFieldsNotAllowed indicates play positions on a non-play action.
	ErrPlayFieldsNotAllowed = errors.New("history: started/stopped/total are only allowed on play actions")
	// ErrIncompletePlayFields indicates started/total without stopped.
	ErrIncompletePlayFields = errors.New("history: started and total require stopped to be present")
	// ErrMissingUser indicates an entry without a user.
	ErrMissingUser = errors.New("history: user id is required")
	// ErrMissingPodcast indicates an entry without a podcast reference.
	ErrMissingPodcast = errors.New("history: podcast id is required")
)

// Valid reports whether the kind is one of the supported action types.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionSubscribe, ActionUnsubscribe, ActionDownload, ActionPlay, ActionDelete, ActionNew, ActionFlattr:
		return true
	}
	return false
}

// EpisodeLevel reports whether the kind refers to a single episode rather
// than a whole podcast.
func (k ActionKind) EpisodeLevel() bool {
	switch k {
	case ActionDownload, ActionPlay, ActionDelete, ActionNew, ActionFlattr:
		return true
	}
	return false
}

// Entry is one immutable action-log record. Timestamp carries the
// client-supplied event time; CreatedAt the server receipt time. The ref
// URL columns preserve the literal strings the client used, surviving both
// normalization and merges.
type Entry struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        string     `gorm:"column:user_id;size:190;not null;index:idx_history_user_time,priority:1"`
	Timestamp     time.Time  `gorm:"column:timestamp;not null;index:idx_history_user_time,priority:2"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	Kind          ActionKind `gorm:"column:kind;size:20;not null"`
	PodcastID     int64      `gorm:"column:podcast_id;not null;index:idx_history_podcast"`
	EpisodeID     *int64     `gorm:"column:episode_id;index:idx_history_episode"`
	ClientID      *string    `gorm:"column:client_id;size:36;index:idx_history_client"`
	PodcastRefURL string     `gorm:"column:podcast_ref_url;size:2048;not null;default:''"`
	EpisodeRefURL string     `gorm:"column:episode_ref_url;size:2048;not null;default:''"`
	Started       *int       `gorm:"column:started"`
	Stopped       *int       `gorm:"column:stopped"`
	Total         *int       `gorm:"column:total"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "history_entries"
}

// Validate checks the structural invariants of an entry before it is
// written. Play position fields are rejected on every kind but play, and a
// play entry carrying started or total must also carry stopped.
func (e Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if e.UserID == "" {
		return ErrMissingUser
	}
	if e.PodcastID == 0 {
		return ErrMissingPodcast
	}
	if e.Kind != ActionPlay {
		if e.Started != nil || e.Stopped != nil || e.Total != nil {
			return fmt.Errorf("%w: kind %q", ErrPlayFieldsNotAllowed, e.Kind)
		}
		return nil
	}
	if (e.Started != nil || e.Total != nil) && e.Stopped == nil {
		return ErrIncompletePlayFields
	}
	return nil
}
