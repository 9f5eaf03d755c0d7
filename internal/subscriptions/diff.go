package subscriptions

import (
	"sort"
	"time"

	"github.com/castmirror/castmirror/backend/internal/history"
)

// Diff lists the podcasts a slice of the action log added to and removed
// from a subscription list.
type Diff struct {
	Added   []int64
	Removed []int64
}

// CurrentState folds ordered subscribe/unsubscribe entries per podcast by
// net count: every subscribe increments, every unsubscribe decrements.
// Podcasts ending above zero are added, below zero removed, at zero
// unchanged. This is deliberately a net-count policy rather than
// last-action-wins: with uneven toggles inside one window it reports the
// direction of the net change only. Entries of other kinds are ignored.
func CurrentState(entries []history.Entry) Diff {
	counts := map[int64]int{}
	for _, entry := range entries {
		switch entry.Kind {
		case history.ActionSubscribe:
			counts[entry.PodcastID]++
		case history.ActionUnsubscribe:
			counts[entry.PodcastID]--
		}
	}

	diff := Diff{}
	for podcastID, count := range counts {
		if count > 0 {
			diff.Added = append(diff.Added, podcastID)
		} else if count < 0 {
			diff.Removed = append(diff.Removed, podcastID)
		}
	}
	sort.Slice(diff.Added, func(i, j int) bool { return diff.Added[i] < diff.Added[j] })
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i] < diff.Removed[j] })
	return diff
}

// Change describes what happened to one device's subscription of one
// podcast between two checkpoints.
type Change int

const (
	// NoChange means the state at both checkpoints was the same.
	NoChange Change = iota
	// ChangeSubscribed means the device became subscribed in the window.
	ChangeSubscribed
	// ChangeUnsubscribed means the device became unsubscribed in the window.
	ChangeUnsubscribed
)

// ChangeBetween compares the latest entry at or before since against the
// latest at or before until. The entries must all belong to one client and
// one podcast and be ordered ascending by timestamp. Unlike CurrentState
// this primitive is insensitive to how many toggles occurred in between.
func ChangeBetween(entries []history.Entry, since, until time.Time) Change {
	var then, now *history.Entry
	for i := range entries {
		entry := &entries[i]
		if !entry.Timestamp.After(since) {
			then = entry
		}
		if !entry.Timestamp.After(until) {
			now = entry
		}
	}

	if now == nil {
		return NoChange
	}
	if then != nil && then.Kind == now.Kind {
		return NoChange
	}
	switch now.Kind {
	case history.ActionSubscribe:
		return ChangeSubscribed
	case history.ActionUnsubscribe:
		return ChangeUnsubscribed
	}
	return NoChange
}

// ChangeHistory filters ordered entries down to those that actually
// changed the net subscription state: the subscribe that took a podcast's
// count to one, and the unsubscribe that took it back to zero.
func ChangeHistory(entries []history.Entry) []history.Entry {
	counts := map[int64]int{}
	var changes []history.Entry
	for _, entry := range entries {
		switch entry.Kind {
		case history.ActionSubscribe:
			counts[entry.PodcastID]++
			if counts[entry.PodcastID] == 1 {
				changes = append(changes, entry)
			}
		case history.ActionUnsubscribe:
			counts[entry.PodcastID]--
			if counts[entry.PodcastID] == 0 {
				changes = append(changes, entry)
			}
		}
	}
	return changes
}
