package sync

import (
	"context"
	"testing"

	"github.com/lodestonehq/lattice/internal/store"
)

func TestRevertUpdateRestoresPriorState(t *testing.T) {
	service, db := newTestService(t, 0)
	actor := ownerActor("user-1", "space-1")
	mustCreate(t, service, actor, "space-1", "space", map[string]any{"name": "HQ"})

	first := service.Update(context.Background(), actor, "space-1", setAttribute("name", "Renamed"))
	if first.Status != StatusApplied {
		t.Fatalf("expected first update applied, got %s", first.Status)
	}
	second := service.Update(context.Background(), actor, "space-1", setAttribute("motto", "onward"))
	if second.Status != StatusApplied {
		t.Fatalf("expected second update applied, got %s", second.Status)
	}

	// Revert the middle transaction: the rename disappears, the motto stays.
	outcome := service.RevertUpdate(context.Background(), "space-1", store.TransactionID(first.Transaction.ID))
	if outcome.Status != StatusApplied {
		t.Fatalf("expected revert applied, got %s", outcome.Status)
	}

	replayed := replayAttributes(t, db, "space-1")
	if replayed["name"] != "HQ" {
		t.Fatalf("expected name restored to HQ, got %v", replayed["name"])
	}
	if replayed["motto"] != "onward" {
		t.Fatalf("expected motto to survive the revert, got %v", replayed["motto"])
	}

	var object store.Object
	if err := db.First(&object, "id = ?", "space-1").Error; err != nil {
		t.Fatalf("failed to load object: %v", err)
	}
	if object.AttributesJSON != replayAttributesJSON(t, db, "space-1") {
		t.Fatalf("stored snapshot diverged from log replay after revert")
	}
	if object.TransactionID != second.Transaction.ID {
		t.Fatalf("object token should point at the last surviving transaction")
	}

	var count int64
	if err := db.Model(&store.Transaction{}).Where("id = ?", first.Transaction.ID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count reverted transaction: %v", err)
	}
	if count != 0 {
		t.Fatalf("reverted transaction must leave the log")
	}
}

func TestRevertUpdateAllowsLaterWritesOnRewrittenLog(t *testing.T) {
	service, db := newTestService(t, 0)
	actor := ownerActor("user-1", "space-1")
	mustCreate(t, service, actor, "space-1", "space", map[string]any{"name": "HQ"})

	renamed := service.Update(context.Background(), actor, "space-1", setAttribute("name", "Renamed"))
	if renamed.Status != StatusApplied {
		t.Fatalf("expected rename applied, got %s", renamed.Status)
	}
	motto := service.Update(context.Background(), actor, "space-1", setAttribute("motto", "onward"))
	if motto.Status != StatusApplied {
		t.Fatalf("expected motto update applied, got %s", motto.Status)
	}

	revert := service.RevertUpdate(context.Background(), "space-1", store.TransactionID(renamed.Transaction.ID))
	if revert.Status != StatusApplied {
		t.Fatalf("expected revert applied, got %s", revert.Status)
	}

	// The surviving log must keep accepting writes: the next update replays
	// it, transforms, and appends on top of the rewritten history.
	later := service.Update(context.Background(), actor, "space-1", setAttribute("floor", "third"))
	if later.Status != StatusApplied {
		t.Fatalf("expected post-revert update applied, got %s", later.Status)
	}

	replayed := replayAttributes(t, db, "space-1")
	if replayed["name"] != "HQ" || replayed["motto"] != "onward" || replayed["floor"] != "third" {
		t.Fatalf("unexpected replayed state after post-revert write: %v", replayed)
	}

	var object store.Object
	if err := db.First(&object, "id = ?", "space-1").Error; err != nil {
		t.Fatalf("failed to load object: %v", err)
	}
	if object.AttributesJSON != replayAttributesJSON(t, db, "space-1") {
		t.Fatalf("stored snapshot diverged from log replay")
	}
	if object.TransactionID != later.Transaction.ID {
		t.Fatalf("object token should point at the newest transaction")
	}

	var logCount int64
	if err := db.Model(&store.Transaction{}).Where("object_id = ?", "space-1").Count(&logCount).Error; err != nil {
		t.Fatalf("failed to count log: %v", err)
	}
	if logCount != 3 {
		t.Fatalf("expected create, rewritten update, and new update in the log, got %d", logCount)
	}
}

func TestRevertUpdateTwiceIsNoOp(t *testing.T) {
	service, db := newTestService(t, 0)
	actor := ownerActor("user-1", "space-1")
	mustCreate(t, service, actor, "space-1", "space", map[string]any{"name": "HQ"})

	update := service.Update(context.Background(), actor, "space-1", setAttribute("name", "Renamed"))
	if update.Status != StatusApplied {
		t.Fatalf("expected update applied, got %s", update.Status)
	}

	first := service.RevertUpdate(context.Background(), "space-1", store.TransactionID(update.Transaction.ID))
	if first.Status != StatusApplied || first.Duplicate {
		t.Fatalf("unexpected first revert outcome %+v", first)
	}
	second := service.RevertUpdate(context.Background(), "space-1", store.TransactionID(update.Transaction.ID))
	if second.Status != StatusApplied || !second.Duplicate {
		t.Fatalf("expected repeated revert to be a no-op, got %+v", second)
	}

	if replayAttributes(t, db, "space-1")["name"] != "HQ" {
		t.Fatalf("state must be unchanged by the repeated revert")
	}
}

func TestRevertCreateRemovesObjectAndLog(t *testing.T) {
	service, db := newTestService(t, 0)
	actor := ownerActor("user-1", "space-1")

	create := service.Create(context.Background(), actor, CreateSpec{
		ObjectID:   "space-1",
		Kind:       "space",
		Attributes: map[string]any{"name": "HQ"},
	})
	if create.Status != StatusApplied {
		t.Fatalf("expected create applied, got %s", create.Status)
	}

	outcome := service.RevertCreate(context.Background(), "space-1", store.TransactionID(create.Transaction.ID))
	if outcome.Status != StatusApplied {
		t.Fatalf("expected revert applied, got %s", outcome.Status)
	}

	var objectCount, logCount, visibilityCount, indexCount int64
	db.Model(&store.Object{}).Where("id = ?", "space-1").Count(&objectCount)
	db.Model(&store.Transaction{}).Where("object_id = ?", "space-1").Count(&logCount)
	db.Model(&store.Visibility{}).Where("object_id = ?", "space-1").Count(&visibilityCount)
	db.Model(&store.ObjectIndex{}).Where("object_id = ?", "space-1").Count(&indexCount)
	if objectCount != 0 || logCount != 0 || visibilityCount != 0 || indexCount != 0 {
		t.Fatalf("expected full cleanup, got object=%d log=%d visibility=%d index=%d",
			objectCount, logCount, visibilityCount, indexCount)
	}

	again := service.RevertCreate(context.Background(), "space-1", store.TransactionID(create.Transaction.ID))
	if again.Status != StatusApplied || !again.Duplicate {
		t.Fatalf("expected repeated revert to be a no-op, got %+v", again)
	}
}

func TestRevertDeleteRecreatesObjectFromLog(t *testing.T) {
	service, db := newTestService(t, 0)
	actor := ownerActor("user-1", "space-1")
	mustCreate(t, service, actor, "space-1", "space", map[string]any{"name": "HQ"})

	update := service.Update(context.Background(), actor, "space-1", setAttribute("motto", "onward"))
	if update.Status != StatusApplied {
		t.Fatalf("expected update applied, got %s", update.Status)
	}
	removal := service.Delete(context.Background(), actor, "space-1")
	if removal.Status != StatusApplied {
		t.Fatalf("expected delete applied, got %s", removal.Status)
	}

	outcome := service.RevertDelete(context.Background(), "space-1", store.TransactionID(removal.Transaction.ID))
	if outcome.Status != StatusApplied {
		t.Fatalf("expected revert applied, got %s", outcome.Status)
	}

	var object store.Object
	if err := db.First(&object, "id = ?", "space-1").Error; err != nil {
		t.Fatalf("expected object re-created: %v", err)
	}
	if object.Kind != "space" || object.RootID != "space-1" {
		t.Fatalf("re-created object lost its identity: kind=%s root=%s", object.Kind, object.RootID)
	}
	if object.TransactionID != update.Transaction.ID {
		t.Fatalf("object token should point at the last surviving transaction")
	}

	replayed := replayAttributes(t, db, "space-1")
	if replayed["name"] != "HQ" || replayed["motto"] != "onward" {
		t.Fatalf("re-created state should match the surviving log, got %v", replayed)
	}

	var tombstoneCount int64
	if err := db.Model(&store.Transaction{}).Where("id = ?", removal.Transaction.ID).Count(&tombstoneCount).Error; err != nil {
		t.Fatalf("failed to count delete transaction: %v", err)
	}
	if tombstoneCount != 0 {
		t.Fatalf("reverted delete transaction must leave the log")
	}

	var grant store.Visibility
	if err := db.First(&grant, "object_id = ? AND user_id = ?", "space-1", "user-1").Error; err != nil {
		t.Fatalf("failed to load visibility row: %v", err)
	}
	if grant.Revoked {
		t.Fatalf("revert must restore visibility")
	}

	again := service.RevertDelete(context.Background(), "space-1", store.TransactionID(removal.Transaction.ID))
	if again.Status != StatusApplied || !again.Duplicate {
		t.Fatalf("expected repeated revert to be a no-op, got %+v", again)
	}
}

func TestRevertUpdateOfUnknownTransactionIsNoOp(t *testing.T) {
	service, _ := newTestService(t, 0)
	actor := ownerActor("user-1", "space-1")
	mustCreate(t, service, actor, "space-1", "space", map[string]any{"name": "HQ"})

	outcome := service.RevertUpdate(context.Background(), "space-1", "01HZZZZZZZZZZZZZZZZZZ99999")
	if outcome.Status != StatusApplied || !outcome.Duplicate {
		t.Fatalf("expected unknown revert to be absorbed, got %+v", outcome)
	}
}
