package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lodestonehq/lattice/internal/attr"
	"github.com/lodestonehq/lattice/internal/bus"
	"github.com/lodestonehq/lattice/internal/kinds"
	"github.com/lodestonehq/lattice/internal/outbox"
	"github.com/lodestonehq/lattice/internal/store"
)

const (
	defaultMaxWriteAttempts = 20
	maxChainDepth           = 64

	opServiceNew = "sync.service.new"
	opCreate     = "sync.create"
	opUpdate     = "sync.update"
	opDelete     = "sync.delete"

	queryObjectByID  = "id = ?"
	queryObjectCAS   = "id = ? AND transaction_id = ?"
	queryLogByObject = "object_id = ?"
	orderLogAscend   = "id ASC"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingRegistry   = errors.New("kind registry is required")
	errMissingOutbox     = errors.New("outbox queue is required")
	errMissingIDProvider = errors.New("id provider is required")
	errWriteConflict     = errors.New("sync: concurrent writer won the compare-and-swap")
	errChainBroken       = errors.New("sync: ancestor chain is broken")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps failures with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Transform is the caller's pure attribute transition function.
type Transform func(attributes map[string]any) (map[string]any, error)

// ServiceConfig configures the mutation service.
type ServiceConfig struct {
	Database         *gorm.DB
	Registry         *kinds.Registry
	Outbox           *outbox.Queue
	Broker           *bus.Broker
	Clock            func() time.Time
	IDProvider       store.IDProvider
	Logger           *zap.Logger
	MaxWriteAttempts int
}

// Service implements the optimistic compare-and-swap write protocol shared by
// every mutating entry point. The database's conditional write is the only
// synchronization primitive; no lock is held across retry iterations.
type Service struct {
	db          *gorm.DB
	registry    *kinds.Registry
	outbox      *outbox.Queue
	broker      *bus.Broker
	clock       func() time.Time
	idProvider  store.IDProvider
	logger      *zap.Logger
	maxAttempts int
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Outbox == nil {
		return nil, newServiceError(opServiceNew, "missing_outbox", errMissingOutbox)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	attempts := cfg.MaxWriteAttempts
	if attempts <= 0 {
		attempts = defaultMaxWriteAttempts
	}
	return &Service{
		db:          cfg.Database,
		registry:    cfg.Registry,
		outbox:      cfg.Outbox,
		broker:      cfg.Broker,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		maxAttempts: attempts,
	}, nil
}

// CreateSpec describes a new object.
type CreateSpec struct {
	ObjectID   string
	Kind       string
	ParentID   string
	Attributes map[string]any
}

// Create introduces a new object. The insert is safe under duplicate
// delivery: a second create for the same object id is absorbed as a no-op.
func (s *Service) Create(ctx context.Context, actor kinds.Actor, spec CreateSpec) Outcome {
	kind := s.registry.Lookup(spec.Kind)
	objectID := spec.ObjectID
	if objectID == "" {
		generated, idErr := s.idProvider.NewObjectID()
		if idErr != nil {
			s.logError(opCreate, "id_generation_failed", idErr)
			return Outcome{Status: StatusFailed}
		}
		objectID = generated
	}
	return s.runWithRetry(ctx, opCreate, func(ctx context.Context) (attemptResult, error) {
		return s.attemptCreate(ctx, actor, kind, objectID, spec)
	})
}

// Update applies the caller's transform to the object's replayed attribute
// state and writes the result under the optimistic lock.
func (s *Service) Update(ctx context.Context, actor kinds.Actor, objectID store.ObjectID, transform Transform) Outcome {
	return s.runWithRetry(ctx, opUpdate, func(ctx context.Context) (attemptResult, error) {
		return s.attemptUpdate(ctx, actor, objectID, transform)
	})
}

// Delete removes the object row and its derived rows under the optimistic
// lock. The transaction log is retained for compensation until the server
// confirms the delete.
func (s *Service) Delete(ctx context.Context, actor kinds.Actor, objectID store.ObjectID) Outcome {
	return s.runWithRetry(ctx, opDelete, func(ctx context.Context) (attemptResult, error) {
		return s.attemptDelete(ctx, actor, objectID)
	})
}

// runWithRetry drives the bounded retry loop. Conflicts and storage faults
// retry; terminal outcomes stop immediately; exhaustion returns StatusFailed
// rather than an error.
func (s *Service) runWithRetry(ctx context.Context, operation string, attempt func(context.Context) (attemptResult, error)) Outcome {
	for iteration := 0; iteration < s.maxAttempts; iteration++ {
		result, err := attempt(ctx)
		if err != nil {
			if errors.Is(err, errWriteConflict) {
				continue
			}
			if errors.Is(err, attr.ErrInvalidDelta) || errors.Is(err, attr.ErrInvalidSnapshot) {
				// The stored log is corrupt; retrying cannot repair it.
				s.logError(operation, "log_corrupt", err)
				return Outcome{Status: StatusFailed}
			}
			s.logError(operation, "attempt_failed", err, zap.Int("iteration", iteration))
			continue
		}
		switch result.kind {
		case attemptApplied, attemptTerminal:
			return result.outcome
		case attemptRetry:
			continue
		}
	}
	return Outcome{Status: StatusFailed}
}

func (s *Service) attemptCreate(ctx context.Context, actor kinds.Actor, kind kinds.Kind, objectID string, spec CreateSpec) (attemptResult, error) {
	attributes := spec.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}
	if err := kind.Validate(attributes); err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}

	var chain kinds.Chain
	rootID := objectID
	if spec.ParentID != "" {
		parentChain, err := s.resolveChain(ctx, spec.ParentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return terminal(Outcome{Status: StatusNotFound}), nil
			}
			return attemptResult{}, err
		}
		chain = parentChain
		rootID = parentChain.RootID()
	}
	if !kind.CanCreate(actor, chain, attributes) {
		return terminal(Outcome{Status: StatusUnauthorized}), nil
	}

	accumulator := attr.New()
	delta, err := accumulator.Diff(attributes)
	if err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	attributesJSON, err := accumulator.AttributesJSON()
	if err != nil {
		return attemptResult{}, err
	}

	transactionID, err := s.idProvider.NewTransactionID()
	if err != nil {
		return attemptResult{}, err
	}
	now := s.clock().UTC().Unix()
	object := store.Object{
		ID:               objectID,
		Kind:             kind.Tag(),
		RootID:           rootID,
		ParentID:         spec.ParentID,
		AttributesJSON:   attributesJSON,
		StateB64:         base64.StdEncoding.EncodeToString(accumulator.Snapshot()),
		TransactionID:    transactionID,
		CreatedAtSeconds: now,
		CreatedBy:        actor.UserID.String(),
		UpdatedAtSeconds: now,
		UpdatedBy:        actor.UserID.String(),
	}
	transaction := store.Transaction{
		ID:               transactionID,
		ObjectID:         objectID,
		RootID:           rootID,
		Operation:        store.OperationTypeCreate,
		ObjectKind:       kind.Tag(),
		ParentID:         spec.ParentID,
		DeltaB64:         base64.StdEncoding.EncodeToString(delta),
		CreatedAtSeconds: now,
		CreatedBy:        actor.UserID.String(),
	}

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
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		if err := s.enqueueMutation(tx, &transaction); err != nil {
			return err
		}
		if err := refreshIndex(tx, kind, &object, attributes); err != nil {
			return err
		}
		// The creator gains visibility in the same unit that creates the
		// object, so fan-out has an audience from version zero.
		grant := store.Visibility{
			UserID:   actor.UserID.String(),
			ObjectID: objectID,
			RootID:   rootID,
			Version:  1,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error
	})
	if txErr != nil {
		return attemptResult{}, txErr
	}
	if duplicate {
		loaded, err := s.loadObject(ctx, objectID)
		if err != nil {
			return attemptResult{}, err
		}
		return applied(Outcome{Object: loaded, Duplicate: true}), nil
	}

	s.afterWrite(&object, &transaction, actor)
	return applied(Outcome{Object: &object, Transaction: &transaction}), nil
}

func (s *Service) attemptUpdate(ctx context.Context, actor kinds.Actor, objectID store.ObjectID, transform Transform) (attemptResult, error) {
	object, err := s.loadObject(ctx, objectID.String())
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

	next, err := transform(attributes)
	if err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	kind := s.registry.Lookup(object.Kind)
	if err := kind.Validate(next); err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}

	chain, err := s.resolveChain(ctx, object.ID)
	if err != nil {
		return attemptResult{}, err
	}
	if !kind.CanUpdate(actor, chain, next) {
		return terminal(Outcome{Status: StatusUnauthorized}), nil
	}

	delta, err := accumulator.Diff(next)
	if err != nil {
		return terminal(Outcome{Status: StatusInvalid, Validation: err}), nil
	}
	attributesJSON, err := accumulator.AttributesJSON()
	if err != nil {
		return attemptResult{}, err
	}

	transactionID, err := s.idProvider.NewTransactionID()
	if err != nil {
		return attemptResult{}, err
	}
	now := s.clock().UTC().Unix()
	transaction := store.Transaction{
		ID:               transactionID,
		ObjectID:         object.ID,
		RootID:           object.RootID,
		Operation:        store.OperationTypeUpdate,
		DeltaB64:         base64.StdEncoding.EncodeToString(delta),
		CreatedAtSeconds: now,
		CreatedBy:        actor.UserID.String(),
	}

	priorToken := object.TransactionID
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&store.Object{}).
			Where(queryObjectCAS, object.ID, priorToken).
			Updates(map[string]any{
				"attributes_json": attributesJSON,
				"state_b64":       base64.StdEncoding.EncodeToString(accumulator.Snapshot()),
				"transaction_id":  transactionID,
				"updated_at_s":    now,
				"updated_by":      actor.UserID.String(),
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return errWriteConflict
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		if err := s.enqueueMutation(tx, &transaction); err != nil {
			return err
		}
		return refreshIndex(tx, kind, object, next)
	})
	if errors.Is(txErr, errWriteConflict) {
		return retry(), nil
	}
	if txErr != nil {
		return attemptResult{}, txErr
	}

	object.AttributesJSON = attributesJSON
	object.TransactionID = transactionID
	object.UpdatedAtSeconds = now
	object.UpdatedBy = actor.UserID.String()
	s.afterWrite(object, &transaction, actor)
	return applied(Outcome{Object: object, Transaction: &transaction}), nil
}

func (s *Service) attemptDelete(ctx context.Context, actor kinds.Actor, objectID store.ObjectID) (attemptResult, error) {
	object, err := s.loadObject(ctx, objectID.String())
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

	transactionID, err := s.idProvider.NewTransactionID()
	if err != nil {
		return attemptResult{}, err
	}
	now := s.clock().UTC().Unix()
	transaction := store.Transaction{
		ID:               transactionID,
		ObjectID:         object.ID,
		RootID:           object.RootID,
		Operation:        store.OperationTypeDelete,
		CreatedAtSeconds: now,
		CreatedBy:        actor.UserID.String(),
	}

	priorToken := object.TransactionID
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removal := tx.Where(queryObjectCAS, object.ID, priorToken).Delete(&store.Object{})
		if removal.Error != nil {
			return removal.Error
		}
		if removal.RowsAffected == 0 {
			return errWriteConflict
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		if err := s.enqueueMutation(tx, &transaction); err != nil {
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

	s.afterWrite(object, &transaction, actor)
	return applied(Outcome{Transaction: &transaction}), nil
}

// replayLog loads the ordered transaction log for an object and folds it into
// a fresh accumulator. excludeID skips one transaction, which is how revert
// recomputes the state as it stood without it.
func (s *Service) replayLog(ctx context.Context, objectID, excludeID string) (*attr.Accumulator, error) {
	transactions, err := s.loadLog(ctx, objectID)
	if err != nil {
		return nil, err
	}
	accumulator := attr.New()
	for _, transaction := range transactions {
		if transaction.ID == excludeID || transaction.DeltaB64 == "" {
			continue
		}
		delta, err := base64.StdEncoding.DecodeString(transaction.DeltaB64)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %s: %v", attr.ErrInvalidDelta, transaction.ID, err)
		}
		if err := accumulator.ApplyDelta(delta); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", transaction.ID, err)
		}
	}
	return accumulator, nil
}

// loadLog returns the object's transactions in authoritative order: id
// ascending, never version.
func (s *Service) loadLog(ctx context.Context, objectID string) ([]store.Transaction, error) {
	var transactions []store.Transaction
	if err := s.db.WithContext(ctx).
		Where(queryLogByObject, objectID).
		Order(orderLogAscend).
		Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

func (s *Service) loadObject(ctx context.Context, objectID string) (*store.Object, error) {
	var object store.Object
	err := s.db.WithContext(ctx).Where(queryObjectByID, objectID).Take(&object).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &object, nil
}

// resolveChain walks parent pointers from the object to its root. The walk is
// depth-bounded so a corrupted parent cycle cannot hang a writer.
func (s *Service) resolveChain(ctx context.Context, objectID string) (kinds.Chain, error) {
	chain := make(kinds.Chain, 0, 4)
	seen := make(map[string]bool, 4)
	currentID := objectID
	for depth := 0; depth < maxChainDepth; depth++ {
		if currentID == "" || seen[currentID] {
			return chain, nil
		}
		seen[currentID] = true
		var object store.Object
		err := s.db.WithContext(ctx).Where(queryObjectByID, currentID).Take(&object).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if len(chain) == 0 {
				return nil, err
			}
			// A parent vanished mid-walk; the chain below it still resolves
			// permissions against the recorded root.
			return chain, nil
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, object)
		if object.ParentID == "" || object.ParentID == object.ID {
			return chain, nil
		}
		currentID = object.ParentID
	}
	return nil, errChainBroken
}

func (s *Service) enqueueMutation(tx *gorm.DB, transaction *store.Transaction) error {
	payload, err := json.Marshal(transaction)
	if err != nil {
		return err
	}
	return s.outbox.Enqueue(tx, &store.Mutation{
		TransactionID: transaction.ID,
		Operation:     transaction.Operation,
		PayloadJSON:   string(payload),
	})
}

// afterWrite emits the domain change event and signals the outbox drain.
func (s *Service) afterWrite(object *store.Object, transaction *store.Transaction, actor kinds.Actor) {
	if s.broker != nil {
		s.broker.ObjectChanges.Publish(bus.ChangeMessage{
			ObjectID:  transaction.ObjectID,
			RootID:    transaction.RootID,
			Kind:      object.Kind,
			Operation: transaction.Operation,
			Version:   object.Version,
			ActorID:   actor.UserID.String(),
		})
	}
	s.outbox.Wake()
}

func refreshIndex(tx *gorm.DB, kind kinds.Kind, object *store.Object, attributes map[string]any) error {
	row := store.ObjectIndex{
		ObjectID: object.ID,
		RootID:   object.RootID,
		Name:     kind.Name(attributes),
		Text:     kind.Text(attributes),
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// cascadeDerivedRows removes the rows derived from an object's state. The
// transaction log is not touched here: speculative local deletes keep it so
// the delete can be compensated, and server reconciliation cascades it
// separately once the delete is confirmed.
func cascadeDerivedRows(tx *gorm.DB, objectID string) error {
	if err := tx.Where("object_id = ?", objectID).Delete(&store.Interaction{}).Error; err != nil {
		return err
	}
	if err := tx.Where("object_id = ?", objectID).Delete(&store.ObjectIndex{}).Error; err != nil {
		return err
	}
	return tx.Model(&store.Visibility{}).
		Where("object_id = ? AND revoked = ?", objectID, false).
		Updates(map[string]any{
			"revoked": true,
			"version": gorm.Expr("version + 1"),
		}).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}
