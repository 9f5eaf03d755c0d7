package catalog

import "time"

// PodcastVote is one user's vote for a podcast.
type PodcastVote struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_podcast_votes_key,priority:1"`
	PodcastID int64     `gorm:"column:podcast_id;not null;uniqueIndex:idx_podcast_votes_key,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PodcastVote) TableName() string {
	return "podcast_votes"
}

// PodcastConfig holds one user's per-podcast settings blob.
type PodcastConfig struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_podcast_configs_key,priority:1"`
	PodcastID    int64  `gorm:"column:podcast_id;not null;uniqueIndex:idx_podcast_configs_key,priority:2"`
	SettingsJSON string `gorm:"column:settings_json;type:text;not null;default:'{}'"`
}

// TableName provides the explicit table binding for GORM.
func (PodcastConfig) TableName() string {
	return "podcast_configs"
}

// PodcastTag is one user-assigned tag on a podcast.
type PodcastTag struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_podcast_tags_key,priority:1"`
	PodcastID int64  `gorm:"column:podcast_id;not null;uniqueIndex:idx_podcast_tags_key,priority:2"`
	Tag       string `gorm:"column:tag;size:100;not null;uniqueIndex:idx_podcast_tags_key,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (PodcastTag) TableName() string {
	return "podcast_tags"
}

// PodcastList is a user-curated, shareable list of podcasts.
type PodcastList struct {
	ID     int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID string `gorm:"column:user_id;size:190;not null;index:idx_podcast_lists_user"`
	Title  string `gorm:"column:title;size:512;not null"`
	Slug   string `gorm:"column:slug;size:150;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PodcastList) TableName() string {
	return "podcast_lists"
}

// PodcastListEntry is one membership of a podcast in a list.
type PodcastListEntry struct {
	ID        int64 `gorm:"column:id;primaryKey;autoIncrement"`
	ListID    int64 `gorm:"column:list_id;not null;uniqueIndex:idx_podcast_list_entries_key,priority:1"`
	PodcastID int64 `gorm:"column:podcast_id;not null;uniqueIndex:idx_podcast_list_entries_key,priority:2"`
	Order     int   `gorm:"column:ord;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PodcastListEntry) TableName() string {
	return "podcast_list_entries"
}

// FavoriteEpisode marks an episode as one user's favorite.
type FavoriteEpisode struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_favorite_episodes_key,priority:1"`
	EpisodeID int64     `gorm:"column:episode_id;not null;uniqueIndex:idx_favorite_episodes_key,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FavoriteEpisode) TableName() string {
	return "favorite_episodes"
}

// EpisodeConfig holds one user's per-episode settings blob.
type EpisodeConfig struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_episode_configs_key,priority:1"`
	EpisodeID    int64  `gorm:"column:episode_id;not null;uniqueIndex:idx_episode_configs_key,priority:2"`
	SettingsJSON string `gorm:"column:settings_json;type:text;not null;default:'{}'"`
}

// TableName provides the explicit table binding for GORM.
func (EpisodeConfig) TableName() string {
	return "episode_configs"
}
