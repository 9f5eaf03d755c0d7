package catalog

import "time"

// EntityKind discriminates the two mergeable entity kinds.
type EntityKind string

const (
	// KindPodcast identifies podcast records.
	KindPodcast EntityKind = "podcast"
	// KindEpisode identifies episode records.
	KindEpisode EntityKind = "episode"
)

// Podcast is one feed known to the catalog.
type Podcast struct {
	ID       int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Title    string    `gorm:"column:title;size:1000;not null;default:''"`
	Created  time.Time `gorm:"column:created;not null"`
	Modified time.Time `gorm:"column:modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Podcast) TableName() string {
	return "podcasts"
}

// Episode is one entry of a podcast feed.
type Episode struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PodcastID int64     `gorm:"column:podcast_id;not null;index:idx_episodes_podcast"`
	Title     string    `gorm:"column:title;size:1000;not null;default:''"`
	Created   time.Time `gorm:"column:created;not null"`
	Modified  time.Time `gorm:"column:modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Episode) TableName() string {
	return "episodes"
}

// PodcastURL is one URL under which a podcast is reachable. URLs are
// ordered; the entry with order 0 is the canonical feed URL.
type PodcastURL struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PodcastID int64  `gorm:"column:podcast_id;not null;uniqueIndex:idx_podcast_urls_order,priority:1"`
	URL       string `gorm:"column:url;size:2048;not null;uniqueIndex:idx_podcast_urls_url"`
	Order     int    `gorm:"column:ord;not null;uniqueIndex:idx_podcast_urls_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PodcastURL) TableName() string {
	return "podcast_urls"
}

// EpisodeURL is one URL under which an episode is reachable, scoped to the
// podcast the episode belongs to. Ordered like PodcastURL.
type EpisodeURL struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EpisodeID      int64  `gorm:"column:episode_id;not null;uniqueIndex:idx_episode_urls_order,priority:1;index:idx_episode_urls_episode"`
	ScopePodcastID int64  `gorm:"column:scope_podcast_id;not null;uniqueIndex:idx_episode_urls_url,priority:1"`
	URL            string `gorm:"column:url;size:2048;not null;uniqueIndex:idx_episode_urls_url,priority:2"`
	Order          int    `gorm:"column:ord;not null;uniqueIndex:idx_episode_urls_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EpisodeURL) TableName() string {
	return "episode_urls"
}

// PodcastSlug is one human-readable identifier of a podcast. The slug with
// order 0 is the canonical one.
type PodcastSlug struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PodcastID int64  `gorm:"column:podcast_id;not null;uniqueIndex:idx_podcast_slugs_order,priority:1"`
	Slug      string `gorm:"column:slug;size:150;not null;uniqueIndex:idx_podcast_slugs_slug"`
	Order     int    `gorm:"column:ord;not null;uniqueIndex:idx_podcast_slugs_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PodcastSlug) TableName() string {
	return "podcast_slugs"
}

// EpisodeSlug is one human-readable identifier of an episode, scoped to its
// podcast.
type EpisodeSlug struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EpisodeID      int64  `gorm:"column:episode_id;not null;uniqueIndex:idx_episode_slugs_order,priority:1;index:idx_episode_slugs_episode"`
	ScopePodcastID int64  `gorm:"column:scope_podcast_id;not null;uniqueIndex:idx_episode_slugs_slug,priority:1"`
	Slug           string `gorm:"column:slug;size:150;not null;uniqueIndex:idx_episode_slugs_slug,priority:2"`
	Order          int    `gorm:"column:ord;not null;uniqueIndex:idx_episode_slugs_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EpisodeSlug) TableName() string {
	return "episode_slugs"
}

// MergedIdentifier is a permanent redirect left behind when a duplicate
// entity is merged away. Lookups by the old id resolve to the merge
// survivor. Rows are written once and only ever retargeted to keep
// resolution a single hop when a survivor is itself merged later.
type MergedIdentifier struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Kind      EntityKind `gorm:"column:kind;size:20;not null;uniqueIndex:idx_merged_identifiers_old,priority:1"`
	OldID     int64      `gorm:"column:old_id;not null;uniqueIndex:idx_merged_identifiers_old,priority:2"`
	TargetID  int64      `gorm:"column:target_id;not null;index:idx_merged_identifiers_target"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MergedIdentifier) TableName() string {
	return "merged_identifiers"
}
