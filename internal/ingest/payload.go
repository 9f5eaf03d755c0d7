package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/history"
)

var (
	// ErrInvalidBatch indicates a malformed action anywhere in a batch.
	// The whole batch is rejected before any mutation.
	ErrInvalidBatch = errors.New("ingest: invalid action batch")
	// ErrAddRemoveConflict indicates a URL present in both the add and
	// remove set of one subscription upload.
	ErrAddRemoveConflict = errors.New("ingest: cannot add and remove the same podcast in one request")
)

// timestampLayouts lists the accepted client timestamp encodings. Clients
// in the wild send ISO-8601 both with and without a zone designator.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ActionPayload is one element of an uploaded action batch.
type ActionPayload struct {
	Podcast   string `json:"podcast"`
	Episode   string `json:"episode,omitempty"`
	Action    string `json:"action"`
	Device    string `json:"device,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Started   *int   `json:"started,omitempty"`
	Position  *int   `json:"position,omitempty"`
	Total     *int   `json:"total,omitempty"`
}

// parsedAction is a validated, normalized batch element ready to append.
type parsedAction struct {
	kind              history.ActionKind
	podcastRefURL     string
	podcastNormalized string
	episodeRefURL     string
	episodeNormalized string
	deviceUID         string
	timestamp         time.Time
	started           *int
	stopped           *int
	total             *int
}

// parsePayload validates and normalizes one batch element. The index is
// only used to make rejection messages actionable.
func parsePayload(normalizer catalog.URLNormalizer, payload ActionPayload, index int) (parsedAction, error) {
	kind := history.ActionKind(payload.Action)
	if !kind.Valid() {
		return parsedAction{}, fmt.Errorf("%w: action %d has unknown kind %q", ErrInvalidBatch, index, payload.Action)
	}
	if payload.Podcast == "" {
		return parsedAction{}, fmt.Errorf("%w: action %d is missing the podcast url", ErrInvalidBatch, index)
	}
	if kind.EpisodeLevel() && payload.Episode == "" {
		return parsedAction{}, fmt.Errorf("%w: action %d (%s) is missing the episode url", ErrInvalidBatch, index, kind)
	}

	if kind != history.ActionPlay {
		if payload.Started != nil || payload.Position != nil || payload.Total != nil {
			return parsedAction{}, fmt.Errorf("%w: action %d (%s) carries play position fields", ErrInvalidBatch, index, kind)
		}
	} else if (payload.Started != nil || payload.Total != nil) && payload.Position == nil {
		return parsedAction{}, fmt.Errorf("%w: action %d: started and total require position", ErrInvalidBatch, index)
	}

	parsed := parsedAction{
		kind:          kind,
		podcastRefURL: payload.Podcast,
		episodeRefURL: payload.Episode,
		deviceUID:     payload.Device,
		started:       payload.Started,
		stopped:       payload.Position,
		total:         payload.Total,
	}

	normalized, err := normalizer.Normalize(payload.Podcast)
	if err != nil {
		return parsedAction{}, fmt.Errorf("%w: action %d: %v", ErrInvalidBatch, index, err)
	}
	parsed.podcastNormalized = normalized

	if payload.Episode != "" {
		normalized, err := normalizer.Normalize(payload.Episode)
		if err != nil {
			return parsedAction{}, fmt.Errorf("%w: action %d: %v", ErrInvalidBatch, index, err)
		}
		parsed.episodeNormalized = normalized
	}

	if payload.Timestamp != "" {
		timestamp, err := parseTimestamp(payload.Timestamp)
		if err != nil {
			return parsedAction{}, fmt.Errorf("%w: action %d: %v", ErrInvalidBatch, index, err)
		}
		parsed.timestamp = timestamp
	}

	return parsed, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

// UpdatedURL records a reference URL rewritten by normalization so the
// client can adopt the canonical form.
type UpdatedURL struct {
	Old string
	New string
}

func collectUpdatedURLs(actions []parsedAction) []UpdatedURL {
	seen := map[string]bool{}
	var updated []UpdatedURL
	record := func(old, canonical string) {
		if old == "" || old == canonical || seen[old] {
			return
		}
		seen[old] = true
		updated = append(updated, UpdatedURL{Old: old, New: canonical})
	}
	for _, action := range actions {
		record(action.podcastRefURL, action.podcastNormalized)
		record(action.episodeRefURL, action.episodeNormalized)
	}
	return updated
}
