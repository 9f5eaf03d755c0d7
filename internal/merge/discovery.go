package merge

import (
	"context"
	"sort"

	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/subscriptions"
)

// Candidate is one group of podcasts believed to be duplicates. The
// survivor is the first id; the remainder are its aliases.
type Candidate struct {
	SurvivorID int64
	AliasIDs   []int64
}

// FindDuplicatePodcasts scans the catalog for podcasts whose URLs
// normalize to the same value and returns merge candidates. The scan is
// read-only and safe to re-run at any time; ids in excluded (entities an
// earlier run already queued) are skipped. Within a group the podcast with
// the most live subscriptions survives, ties broken by lower id.
func (e *Engine) FindDuplicatePodcasts(ctx context.Context, normalizer catalog.URLNormalizer, excluded map[int64]bool) ([]Candidate, error) {
	var urls []catalog.PodcastURL
	err := e.db.WithContext(ctx).Order("podcast_id ASC, ord ASC").Find(&urls).Error
	if err != nil {
		return nil, err
	}

	byNormalized := map[string][]int64{}
	for _, record := range urls {
		if excluded[record.PodcastID] {
			continue
		}
		normalized, err := normalizer.Normalize(record.URL)
		if err != nil {
			// Unnormalizable legacy URLs cannot witness a duplicate.
			continue
		}
		ids := byNormalized[normalized]
		if len(ids) > 0 && ids[len(ids)-1] == record.PodcastID {
			continue
		}
		byNormalized[normalized] = append(ids, record.PodcastID)
	}

	grouped := map[int64]map[int64]bool{}
	for _, ids := range byNormalized {
		if len(ids) < 2 {
			continue
		}
		anchor := ids[0]
		if grouped[anchor] == nil {
			grouped[anchor] = map[int64]bool{}
		}
		for _, id := range ids[1:] {
			grouped[anchor][id] = true
		}
	}

	var candidates []Candidate
	for anchor, aliasSet := range grouped {
		members := []int64{anchor}
		for id := range aliasSet {
			members = append(members, id)
		}
		ordered, err := e.orderBySubscriberCount(ctx, e.db, members)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{
			SurvivorID: ordered[0],
			AliasIDs:   ordered[1:],
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].SurvivorID < candidates[j].SurvivorID
	})
	return candidates, nil
}

// orderBySubscriberCount sorts podcast ids by live subscription count
// descending so the most-subscribed record survives the merge.
func (e *Engine) orderBySubscriberCount(ctx context.Context, tx *gorm.DB, ids []int64) ([]int64, error) {
	counts := make(map[int64]int64, len(ids))
	for _, id := range ids {
		var count int64
		err := tx.WithContext(ctx).Model(&subscriptions.Subscription{}).
			Where("podcast_id = ? AND deleted = ?", id, false).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		counts[id] = count
	}

	ordered := append([]int64(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool {
		if counts[ordered[i]] != counts[ordered[j]] {
			return counts[ordered[i]] > counts[ordered[j]]
		}
		return ordered[i] < ordered[j]
	})
	return ordered, nil
}
