package ingest

import (
	"context"
	"time"

	"github.com/castmirror/castmirror/backend/internal/devices"
	"github.com/castmirror/castmirror/backend/internal/history"
)

// episodeActionKinds are the action kinds exposed by the episode feed.
// Subscription changes travel through the per-device subscription endpoint
// instead.
var episodeActionKinds = []history.ActionKind{
	history.ActionDownload,
	history.ActionPlay,
	history.ActionDelete,
	history.ActionNew,
	history.ActionFlattr,
}

// FeedQuery selects the episode actions one poll returns.
type FeedQuery struct {
	UserID string
	// PodcastURL optionally restricts the feed to one podcast, given by
	// any of its reference URLs.
	PodcastURL string
	// DeviceUID optionally restricts the feed to actions of one device.
	DeviceUID string
	// Since is the cursor of the previous poll, exclusive.
	Since time.Time
	// Aggregated collapses the feed to the newest action per episode.
	Aggregated bool
}

// ActionRecord is one downloaded action.
type ActionRecord struct {
	Podcast   string `json:"podcast"`
	Episode   string `json:"episode,omitempty"`
	Action    string `json:"action"`
	Device    string `json:"device,omitempty"`
	Timestamp string `json:"timestamp"`
	Started   *int   `json:"started,omitempty"`
	Position  *int   `json:"position,omitempty"`
	Total     *int   `json:"total,omitempty"`
}

// FeedResult is the payload of one episode-action poll.
type FeedResult struct {
	Actions []ActionRecord
	// Timestamp is the cursor for the client's next poll. When the window
	// was truncated by the response ceiling it trails the request time, so
	// repeated polls drain the backlog without gaps.
	Timestamp time.Time
}

// DownloadEpisodeActions returns the episode actions recorded for the user
// since the given cursor, oldest first, capped at the configured response
// ceiling.
func (s *Service) DownloadEpisodeActions(ctx context.Context, query FeedQuery) (FeedResult, error) {
	until := s.clock().UTC().Truncate(time.Second)
	logQuery := history.Query{
		UserID: query.UserID,
		Kinds:  episodeActionKinds,
		Since:  &query.Since,
		Until:  until,
	}

	if query.PodcastURL != "" {
		normalized, err := s.normalizer.Normalize(query.PodcastURL)
		if err != nil {
			return FeedResult{}, err
		}
		podcast, err := s.catalog.PodcastByURL(s.db, normalized)
		if err != nil {
			return FeedResult{}, err
		}
		podcastID := podcast.ID
		logQuery.PodcastID = &podcastID
	}
	if query.DeviceUID != "" {
		client, err := s.devices.ByUID(ctx, s.db, query.UserID, query.DeviceUID)
		if err != nil {
			return FeedResult{}, err
		}
		clientID := client.ID
		logQuery.ClientID = &clientID
	}

	entries, cursor, err := s.log.Run(ctx, s.db, logQuery)
	if err != nil {
		return FeedResult{}, err
	}

	if query.Aggregated {
		entries = latestPerEpisode(entries)
	}

	uidByClient := map[string]string{}
	records := make([]ActionRecord, 0, len(entries))
	for _, entry := range entries {
		record := ActionRecord{
			Podcast:   entry.PodcastRefURL,
			Episode:   entry.EpisodeRefURL,
			Action:    string(entry.Kind),
			Timestamp: entry.Timestamp.UTC().Format(time.RFC3339),
			Started:   entry.Started,
			Position:  entry.Stopped,
			Total:     entry.Total,
		}
		if entry.ClientID != nil {
			uid, seen := uidByClient[*entry.ClientID]
			if !seen {
				uid, err = s.deviceUID(ctx, *entry.ClientID)
				if err != nil {
					return FeedResult{}, err
				}
				uidByClient[*entry.ClientID] = uid
			}
			record.Device = uid
		}
		records = append(records, record)
	}

	return FeedResult{Actions: records, Timestamp: cursor}, nil
}

// latestPerEpisode keeps only the newest entry per episode. Entries arrive
// ordered ascending, so the last seen wins; relative order of the survivors
// is preserved.
func latestPerEpisode(entries []history.Entry) []history.Entry {
	latest := map[int64]int{}
	for index, entry := range entries {
		if entry.EpisodeID == nil {
			continue
		}
		latest[*entry.EpisodeID] = index
	}

	filtered := entries[:0]
	for index, entry := range entries {
		if entry.EpisodeID != nil && latest[*entry.EpisodeID] != index {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

func (s *Service) deviceUID(ctx context.Context, clientID string) (string, error) {
	var client devices.Client
	err := s.db.WithContext(ctx).Where("id = ?", clientID).Take(&client).Error
	if err != nil {
		return "", err
	}
	return client.UID, nil
}
