package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gatewayops/channelpool/internal/batch"
	"github.com/gatewayops/channelpool/internal/db"
	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/store"
	"github.com/gatewayops/channelpool/internal/tags"
	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.ChannelStore) {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "channelpool-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	channels := store.NewChannelStore(conn)

	gin.SetMode(gin.TestMode)
	r := gin.New()

	tagHandler := NewTagHandler(tags.NewAggregator(channels))
	r.PUT("/channel-tags/:tag", tagHandler.Update)
	r.DELETE("/channel-tags/:tag", tagHandler.Delete)

	channelHandler := NewChannelHandler(channels, batch.NewEngine(channels))
	r.POST("/channels/batch", channelHandler.Batch)

	return r, channels
}

func seedTagged(t *testing.T, channels *store.ChannelStore, tag string, names ...string) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		channel := &models.Channel{Name: name, Key: "sk-" + name, Tag: tag, Status: models.ChannelStatusEnabled, Weight: 1, Group: "default"}
		if errCreate := channels.Create(context.Background(), channel); errCreate != nil {
			t.Fatalf("seed %q: %v", name, errCreate)
		}
		ids = append(ids, channel.ID)
	}
	return ids
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTagHandler_UpdateRejectsPerChannelFields(t *testing.T) {
	r, channels := newTestRouter(t)
	ids := seedTagged(t, channels, "openai", "a", "b")

	rec := doJSON(t, r, http.MethodPut, "/channel-tags/openai", `{"key":"stolen","priority":3}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	for _, id := range ids {
		got, _ := channels.Get(context.Background(), id)
		if got.Priority != 0 {
			t.Fatalf("member %d modified by a rejected write", id)
		}
	}
}

func TestTagHandler_UpdateCascades(t *testing.T) {
	r, channels := newTestRouter(t)
	ids := seedTagged(t, channels, "openai", "a", "b")

	rec := doJSON(t, r, http.MethodPut, "/channel-tags/openai", `{"base_url":"https://relay.example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var outcome batch.Outcome
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &outcome); errDecode != nil {
		t.Fatalf("decode outcome: %v", errDecode)
	}
	if len(outcome.Succeeded) != 2 || len(outcome.Failed) != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	for _, id := range ids {
		got, _ := channels.Get(context.Background(), id)
		if got.BaseURL != "https://relay.example.com" {
			t.Fatalf("member %d missed the cascade", id)
		}
	}
}

func TestTagHandler_DeleteRequiresConfirmation(t *testing.T) {
	r, channels := newTestRouter(t)
	ids := seedTagged(t, channels, "openai", "a")

	rec := doJSON(t, r, http.MethodDelete, "/channel-tags/openai", `{"confirm":false}`)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, errGet := channels.Get(context.Background(), ids[0]); errGet != nil {
		t.Fatalf("member deleted without confirmation: %v", errGet)
	}

	rec = doJSON(t, r, http.MethodDelete, "/channel-tags/openai", `{"confirm":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodDelete, "/channel-tags/openai", `{"confirm":true}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a vanished tag, got %d", rec.Code)
	}
}

func TestChannelHandler_BatchReportsPerItemOutcome(t *testing.T) {
	r, channels := newTestRouter(t)
	ids := seedTagged(t, channels, "", "a", "b")

	body := `{"ids":[` + uintList(ids[0], ids[1], ids[1]+1000) + `],"action":"status","value":2}`
	rec := doJSON(t, r, http.MethodPost, "/channels/batch", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var outcome batch.Outcome
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &outcome); errDecode != nil {
		t.Fatalf("decode outcome: %v", errDecode)
	}
	if len(outcome.Succeeded) != 2 || len(outcome.Failed) != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	rec = doJSON(t, r, http.MethodPost, "/channels/batch", `{"ids":[1],"action":"rename"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}
}

func uintList(ids ...uint64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(id, 10))
	}
	return strings.Join(parts, ",")
}
