package tags

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gatewayops/channelpool/internal/db"
	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.ChannelStore) {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "channelpool-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	channels := store.NewChannelStore(conn)
	return NewAggregator(channels), channels
}

func seedTagged(t *testing.T, channels *store.ChannelStore, tag string, names ...string) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		channel := &models.Channel{
			Name:   name,
			Key:    "sk-" + name,
			Tag:    tag,
			Status: models.ChannelStatusEnabled,
			Weight: 1,
			Group:  "default",
		}
		if errCreate := channels.Create(context.Background(), channel); errCreate != nil {
			t.Fatalf("seed %q: %v", name, errCreate)
		}
		ids = append(ids, channel.ID)
	}
	return ids
}

func TestAggregator_ResolveMembers(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "a", "b", "c")
	seedTagged(t, channels, "claude", "d")

	members, errResolve := agg.ResolveMembers(ctx, "openai")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	for i, id := range ids {
		if members[i] != id {
			t.Fatalf("expected ascending id order, got %v", members)
		}
	}

	if _, errMissing := agg.ResolveMembers(ctx, "nope"); !errors.Is(errMissing, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", errMissing)
	}
	if _, errEmpty := agg.ResolveMembers(ctx, ""); !errors.Is(errEmpty, ErrEmptyTag) {
		t.Fatalf("expected ErrEmptyTag, got %v", errEmpty)
	}
}

func TestAggregator_ApplyTaggedWriteCascadesToEveryMember(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "a", "b", "c")
	other := seedTagged(t, channels, "claude", "d")

	outcome, errApply := agg.ApplyTaggedWrite(ctx, "openai", map[string]any{
		"base_url": "https://relay.example.com",
		"priority": int64(5),
	})
	if errApply != nil {
		t.Fatalf("apply: %v", errApply)
	}
	if len(outcome.Succeeded) != 3 || len(outcome.Failed) != 0 {
		t.Fatalf("expected full cascade, got %+v", outcome)
	}

	for _, id := range ids {
		got, _ := channels.Get(ctx, id)
		if got.BaseURL != "https://relay.example.com" || got.Priority != 5 {
			t.Fatalf("member %d missed the cascade: %+v", id, got)
		}
	}
	if got, _ := channels.Get(ctx, other[0]); got.BaseURL != "" {
		t.Fatal("cascade must not leak outside the tag")
	}
}

func TestAggregator_ApplyTaggedWriteRejectsPerChannelFields(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "a", "b")

	for _, field := range []string{"name", "key"} {
		_, errApply := agg.ApplyTaggedWrite(ctx, "openai", map[string]any{
			field:      "overwritten",
			"priority": int64(9),
		})
		if !errors.Is(errApply, ErrFieldNotCascadable) {
			t.Fatalf("field %q: expected ErrFieldNotCascadable, got %v", field, errApply)
		}
	}

	// Rejection must happen before any member is written.
	for _, id := range ids {
		got, _ := channels.Get(ctx, id)
		if got.Priority != 0 {
			t.Fatalf("member %d modified by a rejected write: %+v", id, got)
		}
	}
}

func TestAggregator_ApplyTaggedWriteRetags(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	seedTagged(t, channels, "old", "a", "b")

	if _, errApply := agg.ApplyTaggedWrite(ctx, "old", map[string]any{"tag": "new"}); errApply != nil {
		t.Fatalf("retag: %v", errApply)
	}

	if _, errOld := agg.ResolveMembers(ctx, "old"); !errors.Is(errOld, ErrNotFound) {
		t.Fatalf("old tag should be empty, got %v", errOld)
	}
	members, errNew := agg.ResolveMembers(ctx, "new")
	if errNew != nil || len(members) != 2 {
		t.Fatalf("expected 2 members under new tag, got %v %v", members, errNew)
	}
}

func TestAggregator_ChangeStatus(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "a", "b")

	if _, errChange := agg.ChangeStatus(ctx, "openai", StatusActionDisable); errChange != nil {
		t.Fatalf("disable: %v", errChange)
	}
	for _, id := range ids {
		got, _ := channels.Get(ctx, id)
		if got.Status != models.ChannelStatusManuallyDisabled {
			t.Fatalf("member %d not disabled: %d", id, got.Status)
		}
	}

	if _, errChange := agg.ChangeStatus(ctx, "openai", StatusActionEnable); errChange != nil {
		t.Fatalf("enable: %v", errChange)
	}
	for _, id := range ids {
		got, _ := channels.Get(ctx, id)
		if got.Status != models.ChannelStatusEnabled {
			t.Fatalf("member %d not enabled: %d", id, got.Status)
		}
	}

	if _, errUnknown := agg.ChangeStatus(ctx, "openai", StatusAction("pause")); !errors.Is(errUnknown, ErrUnknownStatusAction) {
		t.Fatalf("expected ErrUnknownStatusAction, got %v", errUnknown)
	}
}

func TestAggregator_SetPriorityLeavesWeightAlone(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "a")

	if _, errSet := agg.SetPriority(ctx, "openai", 42); errSet != nil {
		t.Fatalf("set priority: %v", errSet)
	}
	got, _ := channels.Get(ctx, ids[0])
	if got.Priority != 42 {
		t.Fatalf("priority not applied: %d", got.Priority)
	}
	if got.Weight != 1 || got.Status != models.ChannelStatusEnabled {
		t.Fatalf("priority change must not touch weight or status: %+v", got)
	}

	if _, errNeg := agg.SetPriority(ctx, "openai", -1); errNeg != nil {
		t.Fatalf("apply itself should not fail: %v", errNeg)
	}
	got, _ = channels.Get(ctx, ids[0])
	if got.Priority != 42 {
		t.Fatal("negative priority must be rejected per member")
	}
}

func TestAggregator_DeleteTagRequiresConfirmation(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "a", "b")

	if _, errDelete := agg.DeleteTag(ctx, "openai", false, false); !errors.Is(errDelete, ErrConfirmRequired) {
		t.Fatalf("expected ErrConfirmRequired, got %v", errDelete)
	}
	for _, id := range ids {
		if _, errGet := channels.Get(ctx, id); errGet != nil {
			t.Fatalf("member %d deleted without confirmation: %v", id, errGet)
		}
	}

	outcome, errDelete := agg.DeleteTag(ctx, "openai", true, false)
	if errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	if len(outcome.Succeeded) != 2 {
		t.Fatalf("expected 2 deletions, got %+v", outcome)
	}
	for _, id := range ids {
		if _, errGet := channels.Get(ctx, id); !errors.Is(errGet, store.ErrNotFound) {
			t.Fatalf("member %d should be gone, got %v", id, errGet)
		}
	}
}

func TestAggregator_DeleteTagDisabledOnly(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "enabled", "disabled")
	if errUpdate := channels.UpdateStatus(ctx, ids[1], models.ChannelStatusManuallyDisabled); errUpdate != nil {
		t.Fatalf("disable member: %v", errUpdate)
	}

	outcome, errDelete := agg.DeleteTag(ctx, "openai", true, true)
	if errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	if len(outcome.Succeeded) != 1 || outcome.Succeeded[0] != ids[1] {
		t.Fatalf("expected only the disabled member deleted, got %+v", outcome)
	}
	if _, errGet := channels.Get(ctx, ids[0]); errGet != nil {
		t.Fatalf("enabled member must survive: %v", errGet)
	}
}

func TestAggregator_ListSummaries(t *testing.T) {
	agg, channels := newTestAggregator(t)
	ctx := context.Background()
	ids := seedTagged(t, channels, "openai", "a", "b", "c")
	seedTagged(t, channels, "claude", "d")
	seedTagged(t, channels, "", "standalone")

	summaries, errList := agg.ListSummaries(ctx)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(summaries))
	}

	first := summaries[0]
	if first.Tag != "openai" || first.MemberCount != 3 {
		t.Fatalf("unexpected first summary: %+v", first)
	}
	if first.Representative.ID != ids[0] {
		t.Fatalf("representative must be the lowest-id member, got %d", first.Representative.ID)
	}
	if first.Representative.Key != "" {
		t.Fatal("representative must not expose the credential")
	}

	// The credential stays intact on the row itself.
	got, _ := channels.Get(ctx, ids[0])
	if got.Key != "sk-a" {
		t.Fatalf("stored key must be untouched, got %q", got.Key)
	}

	// A tag disappears with its last member.
	if _, errDelete := agg.DeleteTag(ctx, "claude", true, false); errDelete != nil {
		t.Fatalf("delete claude: %v", errDelete)
	}
	summaries, _ = agg.ListSummaries(ctx)
	if len(summaries) != 1 || summaries[0].Tag != "openai" {
		t.Fatalf("expected claude to vanish, got %+v", summaries)
	}
}
