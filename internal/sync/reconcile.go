package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lodestonehq/lattice/internal/attr"
	"github.com/lodestonehq/lattice/internal/bus"
	"github.com/lodestonehq/lattice/internal/kinds"
	"github.com/lodestonehq/lattice/internal/store"
)

const opApply = "sync.apply"

// Apply reconciles a transaction delivered from a client, idempotently under
// redelivery. The server is just another writer: it runs the same bounded
// compare-and-swap loop as local callers, with the server-side ancestor chain
// as the permission authority.
func (s *Service) Apply(ctx context.Context, actor kinds.Actor, remote store.Transaction) Outcome {
	if remote.ID == "" || remote.ObjectID == "" {
		return Outcome{Status: StatusInvalid, Validation: errors.New("sync: transaction id and object id are required")}
	}
	return s.runWithRetry(ctx, opApply, func(ctx context.Context) (attemptResult, error) {
		return s.attemptApply(ctx, actor, remote)
	})
}

func (s *Service) attemptApply(ctx context.Context, actor kinds.Actor, remote store.Transaction) (attemptResult, error) {
	existing, err := s.loadTransaction(ctx, remote.ID)
	if err != nil {
		return attemptResult{}, err
	}
	if existing != nil {
		return s.restamp(ctx, existing, remote)
	}

	switch remote.Operation {
	case store.OperationTypeCreate:
		return s.applyCreate(ctx, actor, remote)
	case store.OperationTypeUpdate:
		return s.applyUpdate(ctx, actor, remote)
	case store.OperationTypeDelete:
		return s.applyDelete(ctx, actor, remote)
	default:
		return terminal(Outcome{Status: StatusInvalid, Validation: fmt.Errorf("sync: unknown operation %q", remote.Operation)}), nil
	}
}

// restamp handles a transaction id the server has already recorded: matching
// stamps mean duplicate delivery and absorb silently; differing stamps mean a
// provisional acceptance is being confirmed, so only the stamping fields move.
// Data is never re-applied.
func (s *Service) restamp(ctx context.Context, existing *store.Transaction, remote store.Transaction) (attemptResult, error) {
	if stampsEqual(existing.Version, remote.Version) && stampsEqual(existing.ServerCreatedAtSeconds, remote.ServerCreatedAtSeconds) {
		return applied(Outcome{Transaction: existing, Duplicate: true}), nil
	}
	if remote.Version == nil && remote.ServerCreatedAtSeconds == nil {
		return applied(Outcome{Transaction: existing, Duplicate: true}), nil
	}
	err := s.db.WithContext(ctx).Model(&store.Transaction{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"version":             remote.Version,
			"server_created_at_s": remote.ServerCreatedAtSeconds,
		}).Error
	if err != nil {
		return attemptResult{}, err
	}
	existing.Version = remote.Version
	existing.ServerCreatedAtSeconds = remote.ServerCreatedAtSeconds
	return applied(Outcome{Transaction: existing}), nil
}

func (s *Service) applyCreate(ctx context.Context, actor kinds.Actor, remote store.Transaction) (attemptResult, error) {
	kind := s.registry.Lookup(remote.ObjectKind)

	delta, err := decodeDelta(remote.DeltaB64)
	if err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	accumulator := attr.New()
	if err := accumulator.ApplyDelta(delta); err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	attributes, err := accumulator.Attributes()
	if err != nil {
		return attemptResult{}, err
	}
	if err := kind.Validate(attributes); err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}

	var chain kinds.Chain
	rootID := remote.ObjectID
	if remote.ParentID != "" {
		parentChain, err := s.resolveChain(ctx, remote.ParentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return terminal(Outcome{Status: StatusNotFound}), nil
			}
			return attemptResult{}, err
		}
		chain = parentChain
		rootID = parentChain.RootID()
	}
	// The client already checked permissions before writing locally. That
	// check is never trusted here.
	if !kind.CanCreate(actor, chain, attributes) {
		return terminal(Outcome{Status: StatusUnauthorized}), nil
	}

	attributesJSON, err := accumulator.AttributesJSON()
	if err != nil {
		return attemptResult{}, err
	}
	now := s.clock().UTC().Unix()
	version := int64(1)
	object := store.Object{
		ID:               remote.ObjectID,
		Kind:             kind.Tag(),
		RootID:           rootID,
		ParentID:         remote.ParentID,
		AttributesJSON:   attributesJSON,
		StateB64:         base64.StdEncoding.EncodeToString(accumulator.Snapshot()),
		TransactionID:    remote.ID,
		Version:          version,
		CreatedAtSeconds: remote.CreatedAtSeconds,
		CreatedBy:        remote.CreatedBy,
		UpdatedAtSeconds: remote.CreatedAtSeconds,
		UpdatedBy:        remote.CreatedBy,
	}
	stamped := remote
	stamped.RootID = rootID
	stamped.Version = &version
	stamped.ServerCreatedAtSeconds = &now

	duplicate := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&object)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			duplicate = true
			return nil
		}
		if err := tx.Create(&stamped).Error; err != nil {
			return err
		}
		if err := refreshIndex(tx, kind, &object, attributes); err != nil {
			return err
		}
		grant := store.Visibility{
			UserID:   remote.CreatedBy,
			ObjectID: remote.ObjectID,
			RootID:   rootID,
			Version:  1,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error
	})
	if txErr != nil {
		return attemptResult{}, txErr
	}
	if duplicate {
		// Another create won the insert race for this object id; absorb.
		return applied(Outcome{Duplicate: true}), nil
	}

	s.publishChange(&object, &stamped)
	return applied(Outcome{Object: &object, Transaction: &stamped}), nil
}

func (s *Service) applyUpdate(ctx context.Context, actor kinds.Actor, remote store.Transaction) (attemptResult, error) {
	object, err := s.loadObject(ctx, remote.ObjectID)
	if err != nil {
		return attemptResult{}, err
	}
	if object == nil {
		return terminal(Outcome{Status: StatusNotFound}), nil
	}

	accumulator, err := s.replayLog(ctx, object.ID, "")
	if err != nil {
		return attemptResult{}, err
	}
	delta, err := decodeDelta(remote.DeltaB64)
	if err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	if err := accumulator.ApplyDelta(delta); err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	attributes, err := accumulator.Attributes()
	if err != nil {
		return attemptResult{}, err
	}

	kind := s.registry.Lookup(object.Kind)
	if err := kind.Validate(attributes); err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	chain, err := s.resolveChain(ctx, object.ID)
	if err != nil {
		return attemptResult{}, err
	}
	if !kind.CanUpdate(actor, chain, attributes) {
		return terminal(Outcome{Status: StatusUnauthorized}), nil
	}

	attributesJSON, err := accumulator.AttributesJSON()
	if err != nil {
		return attemptResult{}, err
	}
	now := s.clock().UTC().Unix()
	version := object.Version + 1
	stamped := remote
	stamped.RootID = object.RootID
	stamped.Version = &version
	stamped.ServerCreatedAtSeconds = &now

	priorToken := object.TransactionID
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&store.Object{}).
			Where(queryObjectCAS, object.ID, priorToken).
			Updates(map[string]any{
				"attributes_json": attributesJSON,
				"state_b64":       base64.StdEncoding.EncodeToString(accumulator.Snapshot()),
				"transaction_id":  stamped.ID,
				"version":         version,
				"updated_at_s":    now,
				"updated_by":      remote.CreatedBy,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return errWriteConflict
		}
		if err := tx.Create(&stamped).Error; err != nil {
			return err
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
	object.TransactionID = stamped.ID
	object.Version = version
	object.UpdatedAtSeconds = now
	object.UpdatedBy = remote.CreatedBy
	s.publishChange(object, &stamped)
	return applied(Outcome{Object: object, Transaction: &stamped}), nil
}

// applyDelete removes the object and cascades every dependent row: the log,
// derived index rows, and interactions. The stamped delete transaction is
// retained as the tombstone that makes redelivery a detectable duplicate.
func (s *Service) applyDelete(ctx context.Context, actor kinds.Actor, remote store.Transaction) (attemptResult, error) {
	object, err := s.loadObject(ctx, remote.ObjectID)
	if err != nil {
		return attemptResult{}, err
	}
	if object == nil {
		return terminal(Outcome{Status: StatusNotFound}), nil
	}

	accumulator, err := s.replayLog(ctx, object.ID, "")
	if err != nil {
		return attemptResult{}, err
	}
	attributes, err := accumulator.Attributes()
	if err != nil {
		return attemptResult{}, err
	}
	kind := s.registry.Lookup(object.Kind)
	chain, err := s.resolveChain(ctx, object.ID)
	if err != nil {
		return attemptResult{}, err
	}
	if !kind.CanDelete(actor, chain, attributes) {
		return terminal(Outcome{Status: StatusUnauthorized}), nil
	}

	now := s.clock().UTC().Unix()
	version := object.Version + 1
	stamped := remote
	stamped.RootID = object.RootID
	stamped.Version = &version
	stamped.ServerCreatedAtSeconds = &now

	priorToken := object.TransactionID
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removal := tx.Where(queryObjectCAS, object.ID, priorToken).Delete(&store.Object{})
		if removal.Error != nil {
			return removal.Error
		}
		if removal.RowsAffected == 0 {
			return errWriteConflict
		}
		if err := tx.Where("object_id = ?", object.ID).Delete(&store.Transaction{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&stamped).Error; err != nil {
			return err
		}
		return cascadeDerivedRows(tx, object.ID)
	})
	if errors.Is(txErr, errWriteConflict) {
		return retry(), nil
	}
	if txErr != nil {
		return attemptResult{}, txErr
	}

	s.publishChange(object, &stamped)
	s.publishRevocations(ctx, object)
	return applied(Outcome{Transaction: &stamped}), nil
}

func (s *Service) publishChange(object *store.Object, transaction *store.Transaction) {
	if s.broker == nil {
		return
	}
	version := int64(0)
	if transaction.Version != nil {
		version = *transaction.Version
	}
	s.broker.ObjectChanges.Publish(bus.ChangeMessage{
		ObjectID:  transaction.ObjectID,
		RootID:    transaction.RootID,
		Kind:      object.Kind,
		Operation: transaction.Operation,
		Version:   version,
		ActorID:   transaction.CreatedBy,
	})
}

func (s *Service) publishRevocations(ctx context.Context, object *store.Object) {
	if s.broker == nil {
		return
	}
	var revoked []store.Visibility
	if err := s.db.WithContext(ctx).
		Where("object_id = ? AND revoked = ?", object.ID, true).
		Find(&revoked).Error; err != nil {
		s.logError(opApply, "revocation_query_failed", err)
		return
	}
	for _, grant := range revoked {
		s.broker.VisibilityChanges.Publish(bus.VisibilityMessage{
			UserID:   grant.UserID,
			ObjectID: grant.ObjectID,
			RootID:   grant.RootID,
			Version:  grant.Version,
			Revoked:  true,
		})
	}
}

func (s *Service) loadTransaction(ctx context.Context, transactionID string) (*store.Transaction, error) {
	var transaction store.Transaction
	err := s.db.WithContext(ctx).Where("id = ?", transactionID).Take(&transaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

func decodeDelta(deltaB64 string) ([]byte, error) {
	if deltaB64 == "" {
		return nil, fmt.Errorf("%w: empty", attr.ErrInvalidDelta)
	}
	delta, err := base64.StdEncoding.DecodeString(deltaB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", attr.ErrInvalidDelta, err)
	}
	return delta, nil
}

func stampsEqual(left, right *int64) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}
