package merge

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/history"
	"github.com/castmirror/castmirror/backend/internal/subscriptions"
)

// dependentStep is one dependent record type an entity handler repoints.
type dependentStep struct {
	name    string
	repoint func(e *Engine, ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error
}

// entityHandler enumerates, per entity kind, exactly which dependent record
// types a merge touches. The table below is the closed dispatch registry:
// adding a dependent record type to the data model requires adding it here
// explicitly, there is no reflective discovery of relations.
type entityHandler struct {
	exists      func(e *Engine, ctx context.Context, tx *gorm.DB, id int64) error
	dependents  []dependentStep
	deleteAlias func(e *Engine, ctx context.Context, tx *gorm.DB, id int64) error
}

var handlerTable = map[catalog.EntityKind]entityHandler{
	catalog.KindPodcast: {
		exists: (*Engine).podcastExists,
		dependents: []dependentStep{
			{name: "episodes", repoint: (*Engine).repointEpisodes},
			{name: "subscriptions", repoint: (*Engine).repointSubscriptions},
			{name: "history entries", repoint: (*Engine).repointPodcastHistory},
			{name: "votes", repoint: (*Engine).repointVotes},
			{name: "user settings", repoint: (*Engine).repointPodcastConfigs},
			{name: "tags", repoint: (*Engine).repointTags},
			{name: "list memberships", repoint: (*Engine).repointListEntries},
			{name: "urls", repoint: (*Engine).unionPodcastURLs},
			{name: "slugs", repoint: (*Engine).unionPodcastSlugs},
		},
		deleteAlias: (*Engine).deletePodcast,
	},
	catalog.KindEpisode: {
		exists: (*Engine).episodeExists,
		dependents: []dependentStep{
			{name: "history entries", repoint: (*Engine).repointEpisodeHistory},
			{name: "favorites", repoint: (*Engine).repointFavorites},
			{name: "user settings", repoint: (*Engine).repointEpisodeConfigs},
			{name: "urls", repoint: (*Engine).unionEpisodeURLs},
			{name: "slugs", repoint: (*Engine).unionEpisodeSlugs},
		},
		deleteAlias: (*Engine).deleteEpisode,
	},
}

func (e *Engine) podcastExists(ctx context.Context, tx *gorm.DB, id int64) error {
	var podcast catalog.Podcast
	err := tx.WithContext(ctx).Take(&podcast, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: podcast %d", ErrEntityNotFound, id)
	}
	return err
}

func (e *Engine) episodeExists(ctx context.Context, tx *gorm.DB, id int64) error {
	var episode catalog.Episode
	err := tx.WithContext(ctx).Take(&episode, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: episode %d", ErrEntityNotFound, id)
	}
	return err
}

func (e *Engine) deletePodcast(ctx context.Context, tx *gorm.DB, id int64) error {
	return tx.WithContext(ctx).Delete(&catalog.Podcast{}, id).Error
}

func (e *Engine) deleteEpisode(ctx context.Context, tx *gorm.DB, id int64) error {
	return tx.WithContext(ctx).Delete(&catalog.Episode{}, id).Error
}

// repointEpisodes moves the alias podcast's episodes to the survivor. The
// episodes keep their identity; equivalence groups merge duplicates among
// them separately. URL and slug scopes are rewritten to the survivor
// uniformly.
func (e *Engine) repointEpisodes(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	err := tx.WithContext(ctx).Model(&catalog.Episode{}).
		Where("podcast_id = ?", aliasID).
		Update("podcast_id", survivorID).Error
	if err != nil {
		return err
	}
	if err := e.rewriteEpisodeURLScope(ctx, tx, survivorID, aliasID); err != nil {
		return err
	}
	return e.rewriteEpisodeSlugScope(ctx, tx, survivorID, aliasID)
}

func (e *Engine) rewriteEpisodeURLScope(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var records []catalog.EpisodeURL
	err := tx.WithContext(ctx).Where("scope_podcast_id = ?", aliasID).Find(&records).Error
	if err != nil {
		return err
	}
	for _, record := range records {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.EpisodeURL{}).
			Where("scope_podcast_id = ? AND url = ?", survivorID, record.URL).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("episode_urls", aliasID, survivorID, record.URL)
			if err := tx.WithContext(ctx).Delete(&catalog.EpisodeURL{}, record.ID).Error; err != nil {
				return err
			}
			continue
		}
		err = tx.WithContext(ctx).Model(&catalog.EpisodeURL{}).
			Where("id = ?", record.ID).
			Update("scope_podcast_id", survivorID).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rewriteEpisodeSlugScope(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var records []catalog.EpisodeSlug
	err := tx.WithContext(ctx).Where("scope_podcast_id = ?", aliasID).Find(&records).Error
	if err != nil {
		return err
	}
	for _, record := range records {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.EpisodeSlug{}).
			Where("scope_podcast_id = ? AND slug = ?", survivorID, record.Slug).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("episode_slugs", aliasID, survivorID, record.Slug)
			if err := tx.WithContext(ctx).Delete(&catalog.EpisodeSlug{}, record.ID).Error; err != nil {
				return err
			}
			continue
		}
		err = tx.WithContext(ctx).Model(&catalog.EpisodeSlug{}).
			Where("id = ?", record.ID).
			Update("scope_podcast_id", survivorID).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// repointSubscriptions moves the alias podcast's subscription rows to the
// survivor. When a device already holds a survivor subscription the two
// rows collapse into one; a live alias subscription revives a soft-deleted
// survivor row so no subscription state is lost.
func (e *Engine) repointSubscriptions(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var aliasSubs []subscriptions.Subscription
	err := tx.WithContext(ctx).Where("podcast_id = ?", aliasID).Find(&aliasSubs).Error
	if err != nil {
		return err
	}

	for _, aliasSub := range aliasSubs {
		var survivorSub subscriptions.Subscription
		err := tx.WithContext(ctx).
			Where("user_id = ? AND client_id = ? AND podcast_id = ?", aliasSub.UserID, aliasSub.ClientID, survivorID).
			Take(&survivorSub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.WithContext(ctx).Model(&subscriptions.Subscription{}).
				Where("id = ?", aliasSub.ID).
				Update("podcast_id", survivorID).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if survivorSub.Deleted && !aliasSub.Deleted {
			updates := map[string]interface{}{"deleted": false, "modified": e.clock().UTC()}
			if err := tx.WithContext(ctx).Model(&subscriptions.Subscription{}).
				Where("id = ?", survivorSub.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		if err := tx.WithContext(ctx).Delete(&subscriptions.Subscription{}, aliasSub.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) repointPodcastHistory(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	return tx.WithContext(ctx).Model(&history.Entry{}).
		Where("podcast_id = ?", aliasID).
		Update("podcast_id", survivorID).Error
}

func (e *Engine) repointEpisodeHistory(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	return tx.WithContext(ctx).Model(&history.Entry{}).
		Where("episode_id = ?", aliasID).
		Update("episode_id", survivorID).Error
}

func (e *Engine) repointVotes(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var votes []catalog.PodcastVote
	err := tx.WithContext(ctx).Where("podcast_id = ?", aliasID).Find(&votes).Error
	if err != nil {
		return err
	}
	for _, vote := range votes {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.PodcastVote{}).
			Where("user_id = ? AND podcast_id = ?", vote.UserID, survivorID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("podcast_votes", aliasID, survivorID, vote.UserID)
			if err := tx.WithContext(ctx).Delete(&catalog.PodcastVote{}, vote.ID).Error; err != nil {
				return err
			}
			continue
		}
		if err := tx.WithContext(ctx).Model(&catalog.PodcastVote{}).
			Where("id = ?", vote.ID).
			Update("podcast_id", survivorID).Error; err != nil {
			return err
		}
	}
	return nil
}

// repointPodcastConfigs moves per-user settings. On collision the
// survivor's settings win and the alias blob is dropped.
func (e *Engine) repointPodcastConfigs(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var configs []catalog.PodcastConfig
	err := tx.WithContext(ctx).Where("podcast_id = ?", aliasID).Find(&configs).Error
	if err != nil {
		return err
	}
	for _, config := range configs {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.PodcastConfig{}).
			Where("user_id = ? AND podcast_id = ?", config.UserID, survivorID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("podcast_configs", aliasID, survivorID, config.UserID)
			if err := tx.WithContext(ctx).Delete(&catalog.PodcastConfig{}, config.ID).Error; err != nil {
				return err
			}
			continue
		}
		if err := tx.WithContext(ctx).Model(&catalog.PodcastConfig{}).
			Where("id = ?", config.ID).
			Update("podcast_id", survivorID).Error; err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) repointTags(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var tags []catalog.PodcastTag
	err := tx.WithContext(ctx).Where("podcast_id = ?", aliasID).Find(&tags).Error
	if err != nil {
		return err
	}
	for _, tag := range tags {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.PodcastTag{}).
			Where("user_id = ? AND podcast_id = ? AND tag = ?", tag.UserID, survivorID, tag.Tag).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("podcast_tags", aliasID, survivorID, tag.Tag)
			if err := tx.WithContext(ctx).Delete(&catalog.PodcastTag{}, tag.ID).Error; err != nil {
				return err
			}
			continue
		}
		if err := tx.WithContext(ctx).Model(&catalog.PodcastTag{}).
			Where("id = ?", tag.ID).
			Update("podcast_id", survivorID).Error; err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) repointListEntries(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var entries []catalog.PodcastListEntry
	err := tx.WithContext(ctx).Where("podcast_id = ?", aliasID).Find(&entries).Error
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.PodcastListEntry{}).
			Where("list_id = ? AND podcast_id = ?", entry.ListID, survivorID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("podcast_list_entries", aliasID, survivorID, fmt.Sprintf("list %d", entry.ListID))
			if err := tx.WithContext(ctx).Delete(&catalog.PodcastListEntry{}, entry.ID).Error; err != nil {
				return err
			}
			continue
		}
		if err := tx.WithContext(ctx).Model(&catalog.PodcastListEntry{}).
			Where("id = ?", entry.ID).
			Update("podcast_id", survivorID).Error; err != nil {
			return err
		}
	}
	return nil
}

// unionPodcastURLs appends the alias's URLs after the survivor's highest
// order index, keeping the survivor's canonical order-0 URL untouched.
func (e *Engine) unionPodcastURLs(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var maxOrder int
	err := tx.WithContext(ctx).Model(&catalog.PodcastURL{}).
		Where("podcast_id = ?", survivorID).
		Select("COALESCE(MAX(ord), -1)").
		Scan(&maxOrder).Error
	if err != nil {
		return err
	}

	var records []catalog.PodcastURL
	err = tx.WithContext(ctx).Where("podcast_id = ?", aliasID).Order("ord ASC").Find(&records).Error
	if err != nil {
		return err
	}

	nextOrder := maxOrder + 1
	for _, record := range records {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.PodcastURL{}).
			Where("podcast_id = ? AND url = ?", survivorID, record.URL).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("podcast_urls", aliasID, survivorID, record.URL)
			if err := tx.WithContext(ctx).Delete(&catalog.PodcastURL{}, record.ID).Error; err != nil {
				return err
			}
			continue
		}
		updates := map[string]interface{}{"podcast_id": survivorID, "ord": nextOrder}
		if err := tx.WithContext(ctx).Model(&catalog.PodcastURL{}).
			Where("id = ?", record.ID).Updates(updates).Error; err != nil {
			return err
		}
		nextOrder++
	}
	return nil
}

func (e *Engine) unionPodcastSlugs(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var maxOrder int
	err := tx.WithContext(ctx).Model(&catalog.PodcastSlug{}).
		Where("podcast_id = ?", survivorID).
		Select("COALESCE(MAX(ord), -1)").
		Scan(&maxOrder).Error
	if err != nil {
		return err
	}

	var records []catalog.PodcastSlug
	err = tx.WithContext(ctx).Where("podcast_id = ?", aliasID).Order("ord ASC").Find(&records).Error
	if err != nil {
		return err
	}

	nextOrder := maxOrder + 1
	for _, record := range records {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.PodcastSlug{}).
			Where("podcast_id = ? AND slug = ?", survivorID, record.Slug).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("podcast_slugs", aliasID, survivorID, record.Slug)
			if err := tx.WithContext(ctx).Delete(&catalog.PodcastSlug{}, record.ID).Error; err != nil {
				return err
			}
			continue
		}
		updates := map[string]interface{}{"podcast_id": survivorID, "ord": nextOrder}
		if err := tx.WithContext(ctx).Model(&catalog.PodcastSlug{}).
			Where("id = ?", record.ID).Updates(updates).Error; err != nil {
			return err
		}
		nextOrder++
	}
	return nil
}

func (e *Engine) repointFavorites(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var favorites []catalog.FavoriteEpisode
	err := tx.WithContext(ctx).Where("episode_id = ?", aliasID).Find(&favorites).Error
	if err != nil {
		return err
	}
	for _, favorite := range favorites {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.FavoriteEpisode{}).
			Where("user_id = ? AND episode_id = ?", favorite.UserID, survivorID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("favorite_episodes", aliasID, survivorID, favorite.UserID)
			if err := tx.WithContext(ctx).Delete(&catalog.FavoriteEpisode{}, favorite.ID).Error; err != nil {
				return err
			}
			continue
		}
		if err := tx.WithContext(ctx).Model(&catalog.FavoriteEpisode{}).
			Where("id = ?", favorite.ID).
			Update("episode_id", survivorID).Error; err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) repointEpisodeConfigs(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var configs []catalog.EpisodeConfig
	err := tx.WithContext(ctx).Where("episode_id = ?", aliasID).Find(&configs).Error
	if err != nil {
		return err
	}
	for _, config := range configs {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.EpisodeConfig{}).
			Where("user_id = ? AND episode_id = ?", config.UserID, survivorID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("episode_configs", aliasID, survivorID, config.UserID)
			if err := tx.WithContext(ctx).Delete(&catalog.EpisodeConfig{}, config.ID).Error; err != nil {
				return err
			}
			continue
		}
		if err := tx.WithContext(ctx).Model(&catalog.EpisodeConfig{}).
			Where("id = ?", config.ID).
			Update("episode_id", survivorID).Error; err != nil {
			return err
		}
	}
	return nil
}

// unionEpisodeURLs appends the alias episode's URLs after the survivor's
// highest order index within the survivor's podcast scope.
func (e *Engine) unionEpisodeURLs(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var survivor catalog.Episode
	if err := tx.WithContext(ctx).Take(&survivor, survivorID).Error; err != nil {
		return err
	}

	var maxOrder int
	err := tx.WithContext(ctx).Model(&catalog.EpisodeURL{}).
		Where("episode_id = ?", survivorID).
		Select("COALESCE(MAX(ord), -1)").
		Scan(&maxOrder).Error
	if err != nil {
		return err
	}

	var records []catalog.EpisodeURL
	err = tx.WithContext(ctx).Where("episode_id = ?", aliasID).Order("ord ASC").Find(&records).Error
	if err != nil {
		return err
	}

	nextOrder := maxOrder + 1
	for _, record := range records {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.EpisodeURL{}).
			Where("scope_podcast_id = ? AND url = ? AND episode_id <> ?", survivor.PodcastID, record.URL, aliasID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("episode_urls", aliasID, survivorID, record.URL)
			if err := tx.WithContext(ctx).Delete(&catalog.EpisodeURL{}, record.ID).Error; err != nil {
				return err
			}
			continue
		}
		updates := map[string]interface{}{
			"episode_id":       survivorID,
			"scope_podcast_id": survivor.PodcastID,
			"ord":              nextOrder,
		}
		if err := tx.WithContext(ctx).Model(&catalog.EpisodeURL{}).
			Where("id = ?", record.ID).Updates(updates).Error; err != nil {
			return err
		}
		nextOrder++
	}
	return nil
}

func (e *Engine) unionEpisodeSlugs(ctx context.Context, tx *gorm.DB, survivorID, aliasID int64) error {
	var survivor catalog.Episode
	if err := tx.WithContext(ctx).Take(&survivor, survivorID).Error; err != nil {
		return err
	}

	var maxOrder int
	err := tx.WithContext(ctx).Model(&catalog.EpisodeSlug{}).
		Where("episode_id = ?", survivorID).
		Select("COALESCE(MAX(ord), -1)").
		Scan(&maxOrder).Error
	if err != nil {
		return err
	}

	var records []catalog.EpisodeSlug
	err = tx.WithContext(ctx).Where("episode_id = ?", aliasID).Order("ord ASC").Find(&records).Error
	if err != nil {
		return err
	}

	nextOrder := maxOrder + 1
	for _, record := range records {
		var count int64
		err := tx.WithContext(ctx).Model(&catalog.EpisodeSlug{}).
			Where("scope_podcast_id = ? AND slug = ? AND episode_id <> ?", survivor.PodcastID, record.Slug, aliasID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			e.dropCollision("episode_slugs", aliasID, survivorID, record.Slug)
			if err := tx.WithContext(ctx).Delete(&catalog.EpisodeSlug{}, record.ID).Error; err != nil {
				return err
			}
			continue
		}
		updates := map[string]interface{}{
			"episode_id":       survivorID,
			"scope_podcast_id": survivor.PodcastID,
			"ord":              nextOrder,
		}
		if err := tx.WithContext(ctx).Model(&catalog.EpisodeSlug{}).
			Where("id = ?", record.ID).Updates(updates).Error; err != nil {
			return err
		}
		nextOrder++
	}
	return nil
}
