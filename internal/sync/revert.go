package sync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lodestonehq/lattice/internal/attr"
	"github.com/lodestonehq/lattice/internal/store"
)

const (
	opRevertCreate = "sync.revert_create"
	opRevertUpdate = "sync.revert_update"
	opRevertDelete = "sync.revert_delete"
)

// RevertCreate rolls back a speculative create the server ultimately
// rejected: the object row, its transaction log, and every dependent row are
// removed. Reverting an already-deleted object is a no-op.
func (s *Service) RevertCreate(ctx context.Context, objectID store.ObjectID, transactionID store.TransactionID) Outcome {
	return s.runWithRetry(ctx, opRevertCreate, func(ctx context.Context) (attemptResult, error) {
		transaction, err := s.loadTransaction(ctx, transactionID.String())
		if err != nil {
			return attemptResult{}, err
		}
		if transaction == nil {
			return applied(Outcome{Duplicate: true}), nil
		}

		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("id = ?", objectID.String()).Delete(&store.Object{}).Error; err != nil {
				return err
			}
			if err := tx.Where("object_id = ?", objectID.String()).Delete(&store.Transaction{}).Error; err != nil {
				return err
			}
			if err := tx.Where("object_id = ?", objectID.String()).Delete(&store.Visibility{}).Error; err != nil {
				return err
			}
			if err := tx.Where("object_id = ?", objectID.String()).Delete(&store.Interaction{}).Error; err != nil {
				return err
			}
			return tx.Where("object_id = ?", objectID.String()).Delete(&store.ObjectIndex{}).Error
		})
		if txErr != nil {
			return attemptResult{}, txErr
		}
		return applied(Outcome{}), nil
	})
}

// RevertUpdate removes one rejected transaction from an object's history and
// rewrites the object to the state the remaining log replays to. A second
// revert of the same (now absent) transaction is a no-op. When no other
// transaction remains the object's transient state is removed entirely.
func (s *Service) RevertUpdate(ctx context.Context, objectID store.ObjectID, transactionID store.TransactionID) Outcome {
	return s.runWithRetry(ctx, opRevertUpdate, func(ctx context.Context) (attemptResult, error) {
		return s.attemptRevertUpdate(ctx, objectID, transactionID)
	})
}

func (s *Service) attemptRevertUpdate(ctx context.Context, objectID store.ObjectID, transactionID store.TransactionID) (attemptResult, error) {
	reverted, err := s.loadTransaction(ctx, transactionID.String())
	if err != nil {
		return attemptResult{}, err
	}
	if reverted == nil {
		return applied(Outcome{Duplicate: true}), nil
	}

	remaining, err := s.loadLogExcluding(ctx, objectID.String(), transactionID.String())
	if err != nil {
		return attemptResult{}, err
	}
	if len(remaining) == 0 {
		// Nothing precedes the reverted write: the whole object is
		// speculative state and rolls back completely.
		return s.revertToNothing(ctx, objectID, transactionID)
	}

	accumulator, rewrites, err := s.rebuildWithout(ctx, objectID.String(), transactionID.String())
	if err != nil {
		return attemptResult{}, err
	}
	attributes, err := accumulator.Attributes()
	if err != nil {
		return attemptResult{}, err
	}
	attributesJSON, err := accumulator.AttributesJSON()
	if err != nil {
		return attemptResult{}, err
	}

	object, err := s.loadObject(ctx, objectID.String())
	if err != nil {
		return attemptResult{}, err
	}
	if object == nil {
		// The object vanished while the revert raced a delete; dropping the
		// transaction row alone is the remaining obligation.
		if err := s.db.WithContext(ctx).Where("id = ?", transactionID.String()).Delete(&store.Transaction{}).Error; err != nil {
			return attemptResult{}, err
		}
		return applied(Outcome{}), nil
	}

	kind := s.registry.Lookup(object.Kind)
	lastRemaining := remaining[len(remaining)-1]
	now := s.clock().UTC().Unix()

	priorToken := object.TransactionID
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&store.Object{}).
			Where(queryObjectCAS, object.ID, priorToken).
			Updates(map[string]any{
				"attributes_json": attributesJSON,
				"state_b64":       base64.StdEncoding.EncodeToString(accumulator.Snapshot()),
				"transaction_id":  lastRemaining.ID,
				"updated_at_s":    now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return errWriteConflict
		}
		if err := tx.Where("id = ?", transactionID.String()).Delete(&store.Transaction{}).Error; err != nil {
			return err
		}
		for rewriteID, deltaB64 := range rewrites {
			if err := tx.Model(&store.Transaction{}).Where("id = ?", rewriteID).Update("delta_b64", deltaB64).Error; err != nil {
				return err
			}
		}
		return refreshIndex(tx, kind, object, attributes)
	})
	if errors.Is(txErr, errWriteConflict) {
		return retry(), nil
	}
	if txErr != nil {
		return attemptResult{}, txErr
	}

	object.AttributesJSON = attributesJSON
	object.TransactionID = lastRemaining.ID
	return applied(Outcome{Object: object}), nil
}

func (s *Service) revertToNothing(ctx context.Context, objectID store.ObjectID, transactionID store.TransactionID) (attemptResult, error) {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", objectID.String()).Delete(&store.Object{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", transactionID.String()).Delete(&store.Transaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("object_id = ?", objectID.String()).Delete(&store.Visibility{}).Error; err != nil {
			return err
		}
		if err := tx.Where("object_id = ?", objectID.String()).Delete(&store.Interaction{}).Error; err != nil {
			return err
		}
		return tx.Where("object_id = ?", objectID.String()).Delete(&store.ObjectIndex{}).Error
	})
	if txErr != nil {
		return attemptResult{}, txErr
	}
	return applied(Outcome{}), nil
}

// RevertDelete re-creates an object whose speculative delete was rejected.
// The remaining log replays into the restored attributes; the re-insert is
// guarded so a double revert is a no-op.
func (s *Service) RevertDelete(ctx context.Context, objectID store.ObjectID, transactionID store.TransactionID) Outcome {
	return s.runWithRetry(ctx, opRevertDelete, func(ctx context.Context) (attemptResult, error) {
		return s.attemptRevertDelete(ctx, objectID, transactionID)
	})
}

func (s *Service) attemptRevertDelete(ctx context.Context, objectID store.ObjectID, transactionID store.TransactionID) (attemptResult, error) {
	deleteTransaction, err := s.loadTransaction(ctx, transactionID.String())
	if err != nil {
		return attemptResult{}, err
	}
	if deleteTransaction == nil {
		return applied(Outcome{Duplicate: true}), nil
	}

	remaining, err := s.loadLogExcluding(ctx, objectID.String(), transactionID.String())
	if err != nil {
		return attemptResult{}, err
	}
	if len(remaining) == 0 {
		// Nothing to rebuild from; drop the orphaned delete entry.
		if err := s.db.WithContext(ctx).Where("id = ?", transactionID.String()).Delete(&store.Transaction{}).Error; err != nil {
			return attemptResult{}, err
		}
		return applied(Outcome{}), nil
	}

	accumulator, err := s.replayLog(ctx, objectID.String(), transactionID.String())
	if err != nil {
		return attemptResult{}, err
	}
	attributes, err := accumulator.Attributes()
	if err != nil {
		return attemptResult{}, err
	}
	attributesJSON, err := accumulator.AttributesJSON()
	if err != nil {
		return attemptResult{}, err
	}

	origin := remaining[0]
	kind := s.registry.Lookup(origin.ObjectKind)
	lastRemaining := remaining[len(remaining)-1]
	now := s.clock().UTC().Unix()
	object := store.Object{
		ID:               objectID.String(),
		Kind:             origin.ObjectKind,
		RootID:           origin.RootID,
		ParentID:         origin.ParentID,
		AttributesJSON:   attributesJSON,
		StateB64:         base64.StdEncoding.EncodeToString(accumulator.Snapshot()),
		TransactionID:    lastRemaining.ID,
		CreatedAtSeconds: origin.CreatedAtSeconds,
		CreatedBy:        origin.CreatedBy,
		UpdatedAtSeconds: now,
		UpdatedBy:        lastRemaining.CreatedBy,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&object)
		if insert.Error != nil {
			return insert.Error
		}
		if err := tx.Where("id = ?", transactionID.String()).Delete(&store.Transaction{}).Error; err != nil {
			return err
		}
		if err := refreshIndex(tx, kind, &object, attributes); err != nil {
			return err
		}
		return tx.Model(&store.Visibility{}).
			Where("object_id = ? AND revoked = ?", objectID.String(), true).
			Updates(map[string]any{
				"revoked": false,
				"version": gorm.Expr("version + 1"),
			}).Error
	})
	if txErr != nil {
		return attemptResult{}, txErr
	}
	return applied(Outcome{Object: &object}), nil
}

// rebuildWithout recomputes an object's state with one transaction removed.
// The raw deltas written after the reverted transaction name it as a merge
// dependency and cannot replay without it, so the removal works at the
// attribute level: the full log is walked once to capture each transaction's
// top-level key changes, the suffix is re-applied key by key on a fresh
// lineage rooted at the untouched prefix, and every suffix transaction gets a
// rewritten delta from that lineage. The returned accumulator holds the
// post-revert state and the map carries delta_b64 replacements keyed by
// transaction id, keeping the remaining log replayable on its own.
func (s *Service) rebuildWithout(ctx context.Context, objectID, revertedID string) (*attr.Accumulator, map[string]string, error) {
	transactions, err := s.loadLog(ctx, objectID)
	if err != nil {
		return nil, nil, err
	}

	walker := attr.New()
	states := make([]map[string]any, len(transactions))
	revertedIndex := -1
	for index, transaction := range transactions {
		if transaction.ID == revertedID {
			revertedIndex = index
		}
		if transaction.DeltaB64 != "" {
			delta, err := base64.StdEncoding.DecodeString(transaction.DeltaB64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: transaction %s: %v", attr.ErrInvalidDelta, transaction.ID, err)
			}
			if err := walker.ApplyDelta(delta); err != nil {
				return nil, nil, fmt.Errorf("transaction %s: %w", transaction.ID, err)
			}
		}
		state, err := walker.Attributes()
		if err != nil {
			return nil, nil, err
		}
		states[index] = state
	}
	if revertedIndex < 0 {
		return nil, nil, fmt.Errorf("transaction %s is not in the log for object %s", revertedID, objectID)
	}

	rebuilt := attr.New()
	for _, transaction := range transactions[:revertedIndex] {
		if transaction.DeltaB64 == "" {
			continue
		}
		delta, err := base64.StdEncoding.DecodeString(transaction.DeltaB64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: transaction %s: %v", attr.ErrInvalidDelta, transaction.ID, err)
		}
		if err := rebuilt.ApplyDelta(delta); err != nil {
			return nil, nil, fmt.Errorf("transaction %s: %w", transaction.ID, err)
		}
	}

	result := cloneAttributeState(stateBefore(states, revertedIndex))
	rewrites := make(map[string]string, len(transactions)-revertedIndex-1)
	for index := revertedIndex + 1; index < len(transactions); index++ {
		applyKeyChanges(result, stateBefore(states, index), states[index])
		delta, err := rebuilt.Diff(cloneAttributeState(result))
		if err != nil {
			return nil, nil, err
		}
		rewrites[transactions[index].ID] = base64.StdEncoding.EncodeToString(delta)
	}
	return rebuilt, rewrites, nil
}

func stateBefore(states []map[string]any, index int) map[string]any {
	if index == 0 {
		return map[string]any{}
	}
	return states[index-1]
}

func cloneAttributeState(state map[string]any) map[string]any {
	clone := make(map[string]any, len(state))
	for key, value := range state {
		clone[key] = value
	}
	return clone
}

// applyKeyChanges folds one transaction's top-level key changes, derived from
// its surrounding full-history states, into the running result.
func applyKeyChanges(result, prev, next map[string]any) {
	for key, value := range next {
		if existing, ok := prev[key]; ok && sameJSONValue(existing, value) {
			continue
		}
		result[key] = value
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			delete(result, key)
		}
	}
}

func sameJSONValue(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}

func (s *Service) loadLogExcluding(ctx context.Context, objectID, excludeID string) ([]store.Transaction, error) {
	var transactions []store.Transaction
	if err := s.db.WithContext(ctx).
		Where("object_id = ? AND id <> ?", objectID, excludeID).
		Order(orderLogAscend).
		Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}
