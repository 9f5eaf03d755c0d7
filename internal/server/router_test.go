package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/auth"
	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/devices"
	"github.com/castmirror/castmirror/backend/internal/events"
	"github.com/castmirror/castmirror/backend/internal/history"
	"github.com/castmirror/castmirror/backend/internal/ingest"
	"github.com/castmirror/castmirror/backend/internal/subscriptions"
)

type staticSessionValidator struct {
	userID string
	err    error
}

func (v staticSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	if v.err != nil {
		return auth.SessionClaims{}, v.err
	}
	return auth.SessionClaims{UserID: v.userID}, nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("client-%d", p.next), nil
}

func newTestHandler(t *testing.T, sessions SessionValidator) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:castmirror_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&catalog.Podcast{}, &catalog.Episode{},
		&catalog.PodcastURL{}, &catalog.EpisodeURL{},
		&catalog.MergedIdentifier{},
		&history.Entry{},
		&devices.Client{}, &devices.SyncGroup{},
		&subscriptions.Subscription{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	var seconds int64 = 1700000000
	clock := func() time.Time { seconds++; return time.Unix(seconds, 0).UTC() }

	catalogStore, err := catalog.NewStore(catalog.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	historyStore, err := history.NewStore(history.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build history: %v", err)
	}
	deviceManager, err := devices.NewManager(devices.ManagerConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to build devices: %v", err)
	}
	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceConfig{
		Database: db,
		Devices:  deviceManager,
		History:  historyStore,
		Catalog:  catalogStore,
		Bus:      events.NewBus(nil),
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to build subscriptions: %v", err)
	}
	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:      db,
		Devices:       deviceManager,
		History:       historyStore,
		Catalog:       catalogStore,
		Subscriptions: subscriptionService,
		Normalizer:    catalog.NewFeedURLNormalizer(),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build ingest: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:      sessions,
		Devices:       deviceManager,
		Ingest:        ingestService,
		Subscriptions: subscriptionService,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{err: errors.New("no session")})

	recorder := doJSON(t, handler, http.MethodGet, "/api/2/sync-devices", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestSubscriptionChangesRequireSince(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	recorder := doJSON(t, handler, http.MethodGet, "/api/2/subscriptions/phone", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without since, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/2/subscriptions/phone?since=soon", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid since, got %d", recorder.Code)
	}
}

func TestSubscriptionChangesUnknownDevice(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	recorder := doJSON(t, handler, http.MethodGet, "/api/2/subscriptions/ghost?since=0", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", recorder.Code)
	}
}

func TestSubscriptionUploadAndPoll(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	upload := doJSON(t, handler, http.MethodPost, "/api/2/subscriptions/phone", map[string]interface{}{
		"add": []string{"EXAMPLE.com/feed.xml"},
	})
	if upload.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", upload.Code, upload.Body.String())
	}
	var uploadBody struct {
		Timestamp  int64       `json:"timestamp"`
		UpdateURLs [][2]string `json:"update_urls"`
	}
	if err := json.Unmarshal(upload.Body.Bytes(), &uploadBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(uploadBody.UpdateURLs) != 1 || uploadBody.UpdateURLs[0][1] != "http://example.com/feed.xml" {
		t.Fatalf("expected rewrite pair, got %v", uploadBody.UpdateURLs)
	}

	poll := doJSON(t, handler, http.MethodGet, "/api/2/subscriptions/phone?since=0", nil)
	if poll.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", poll.Code, poll.Body.String())
	}
	var pollBody struct {
		Add       []string `json:"add"`
		Remove    []string `json:"remove"`
		Timestamp int64    `json:"timestamp"`
	}
	if err := json.Unmarshal(poll.Body.Bytes(), &pollBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(pollBody.Add) != 1 || pollBody.Add[0] != "http://example.com/feed.xml" {
		t.Fatalf("expected the canonical url in add, got %v", pollBody.Add)
	}
	if pollBody.Timestamp == 0 {
		t.Fatalf("expected a cursor timestamp")
	}
}

func TestSubscriptionUploadConflictIsRejected(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	recorder := doJSON(t, handler, http.MethodPost, "/api/2/subscriptions/phone", map[string]interface{}{
		"add":    []string{"http://example.com/feed.xml"},
		"remove": []string{"http://example.com/feed.xml"},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for add/remove conflict, got %d", recorder.Code)
	}
}

func TestEpisodeActionsRoundTrip(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	upload := doJSON(t, handler, http.MethodPost, "/api/2/episodes", []map[string]interface{}{
		{
			"podcast":   "http://example.com/feed.xml",
			"episode":   "http://example.com/ep1.mp3",
			"action":    "play",
			"device":    "phone",
			"timestamp": "2023-11-14T22:13:20Z",
			"position":  120,
		},
	})
	if upload.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", upload.Code, upload.Body.String())
	}

	download := doJSON(t, handler, http.MethodGet, "/api/2/episodes?since=0", nil)
	if download.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", download.Code, download.Body.String())
	}
	var downloadBody struct {
		Actions []struct {
			Podcast  string `json:"podcast"`
			Episode  string `json:"episode"`
			Action   string `json:"action"`
			Device   string `json:"device"`
			Position *int   `json:"position"`
		} `json:"actions"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(download.Body.Bytes(), &downloadBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(downloadBody.Actions) != 1 {
		t.Fatalf("expected one action, got %d", len(downloadBody.Actions))
	}
	action := downloadBody.Actions[0]
	if action.Action != "play" || action.Device != "phone" {
		t.Fatalf("unexpected action: %+v", action)
	}
	if action.Position == nil || *action.Position != 120 {
		t.Fatalf("expected position preserved, got %+v", action.Position)
	}
}

func TestEpisodeActionsRequireSince(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	recorder := doJSON(t, handler, http.MethodGet, "/api/2/episodes", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without since, got %d", recorder.Code)
	}
}

func TestSyncDevicesEndpoint(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	for _, device := range []string{"phone", "laptop", "tablet"} {
		recorder := doJSON(t, handler, http.MethodPost, "/api/2/devices/"+device, map[string]interface{}{
			"caption": device,
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("failed to create device %s: %d", device, recorder.Code)
		}
	}

	sync := doJSON(t, handler, http.MethodPost, "/api/2/sync-devices", map[string]interface{}{
		"synchronize": [][]string{{"phone", "laptop"}},
		// Stop-sync of an ungrouped device inside a bulk request is a no-op.
		"stop-synchronize": []string{"tablet"},
	})
	if sync.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", sync.Code, sync.Body.String())
	}

	var status struct {
		Synchronized    [][]string `json:"synchronized"`
		NotSynchronized []string   `json:"not-synchronized"`
	}
	if err := json.Unmarshal(sync.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(status.Synchronized) != 1 || len(status.Synchronized[0]) != 2 {
		t.Fatalf("expected one group of two, got %v", status.Synchronized)
	}
	if len(status.NotSynchronized) != 1 || status.NotSynchronized[0] != "tablet" {
		t.Fatalf("expected tablet ungrouped, got %v", status.NotSynchronized)
	}
}

func TestSyncDevicesRejectsCrossGroupMerge(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	for _, device := range []string{"a", "b", "c", "d"} {
		doJSON(t, handler, http.MethodPost, "/api/2/devices/"+device, map[string]interface{}{})
	}
	first := doJSON(t, handler, http.MethodPost, "/api/2/sync-devices", map[string]interface{}{
		"synchronize": [][]string{{"a", "b"}, {"c", "d"}},
	})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}

	merge := doJSON(t, handler, http.MethodPost, "/api/2/sync-devices", map[string]interface{}{
		"synchronize": [][]string{{"a", "c"}},
	})
	if merge.Code != http.StatusConflict {
		t.Fatalf("expected 409 for cross-group sync, got %d", merge.Code)
	}
}

func TestSyncDevicesRejectsSingletonGroups(t *testing.T) {
	handler := newTestHandler(t, staticSessionValidator{userID: "user-1"})

	recorder := doJSON(t, handler, http.MethodPost, "/api/2/sync-devices", map[string]interface{}{
		"synchronize": [][]string{{"phone"}},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for singleton group, got %d", recorder.Code)
	}
}
