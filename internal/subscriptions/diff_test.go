package subscriptions

import (
	"testing"
	"time"

	"github.com/castmirror/castmirror/backend/internal/history"
)

func entryAt(kind history.ActionKind, podcastID int64, seconds int64) history.Entry {
	return history.Entry{
		Kind:      kind,
		PodcastID: podcastID,
		Timestamp: time.Unix(seconds, 0).UTC(),
	}
}

func TestCurrentStateNetCount(t *testing.T) {
	entries := []history.Entry{
		entryAt(history.ActionSubscribe, 1, 100),
		entryAt(history.ActionSubscribe, 2, 101),
		entryAt(history.ActionUnsubscribe, 2, 102),
		entryAt(history.ActionUnsubscribe, 3, 103),
		entryAt(history.ActionDownload, 4, 104),
	}

	diff := CurrentState(entries)
	if len(diff.Added) != 1 || diff.Added[0] != 1 {
		t.Fatalf("expected podcast 1 added, got %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != 3 {
		t.Fatalf("expected podcast 3 removed, got %v", diff.Removed)
	}
}

func TestCurrentStateUnevenToggles(t *testing.T) {
	// Two subscribes against one unsubscribe net out positive.
	entries := []history.Entry{
		entryAt(history.ActionSubscribe, 1, 100),
		entryAt(history.ActionUnsubscribe, 1, 101),
		entryAt(history.ActionSubscribe, 1, 102),
	}

	diff := CurrentState(entries)
	if len(diff.Added) != 1 || diff.Added[0] != 1 {
		t.Fatalf("expected net add, got %+v", diff)
	}
	if len(diff.Removed) != 0 {
		t.Fatalf("expected no removals, got %v", diff.Removed)
	}
}

func TestChangeBetween(t *testing.T) {
	entries := []history.Entry{
		entryAt(history.ActionSubscribe, 1, 100),
		entryAt(history.ActionUnsubscribe, 1, 200),
		entryAt(history.ActionSubscribe, 1, 300),
	}

	cases := []struct {
		name  string
		since int64
		until int64
		want  Change
	}{
		{"subscribed in window", 50, 150, ChangeSubscribed},
		{"toggle and back is no change", 150, 350, NoChange},
		{"unsubscribed in window", 150, 250, ChangeUnsubscribed},
		{"empty window", 310, 400, NoChange},
		{"whole history nets to subscribed", 0, 400, ChangeSubscribed},
	}
	for _, testCase := range cases {
		got := ChangeBetween(entries, time.Unix(testCase.since, 0).UTC(), time.Unix(testCase.until, 0).UTC())
		if got != testCase.want {
			t.Fatalf("%s: got %v want %v", testCase.name, got, testCase.want)
		}
	}
}

func TestChangeHistoryKeepsOnlyCrossings(t *testing.T) {
	entries := []history.Entry{
		entryAt(history.ActionSubscribe, 1, 100),
		entryAt(history.ActionSubscribe, 1, 110),
		entryAt(history.ActionUnsubscribe, 1, 120),
		entryAt(history.ActionUnsubscribe, 1, 130),
		entryAt(history.ActionSubscribe, 2, 140),
	}

	changes := ChangeHistory(entries)
	if len(changes) != 3 {
		t.Fatalf("expected 3 state crossings, got %d", len(changes))
	}
	if changes[0].Timestamp.Unix() != 100 {
		t.Fatalf("expected the first subscribe to be the crossing, got %v", changes[0].Timestamp)
	}
	if changes[1].Timestamp.Unix() != 130 {
		t.Fatalf("expected the count-to-zero unsubscribe, got %v", changes[1].Timestamp)
	}
	if changes[2].PodcastID != 2 {
		t.Fatalf("expected podcast 2 subscribe, got %d", changes[2].PodcastID)
	}
}
