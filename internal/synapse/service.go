package synapse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lodestonehq/lattice/internal/bus"
	"github.com/lodestonehq/lattice/internal/store"
)

const (
	defaultDebounceInterval = 500 * time.Millisecond
	defaultCatchUpBatchSize = 256
	commandBufferSize       = 64

	opSubscribe = "synapse.subscribe"
	opAck       = "synapse.ack"
	opCatchUp   = "synapse.catch_up"
	opBroadcast = "synapse.broadcast"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingBroker   = errors.New("broker is required")
	noOpLogger         = zap.NewNop()
)

// connectionState tracks a device connection through its lifecycle.
type connectionState int

const (
	stateRegistered connectionState = iota + 1
	stateSubscribed
	stateClosed
)

// Transport abstracts the outbound half of a device socket.
type Transport interface {
	Send(message Message) error
	Close() error
}

// Identity names who a connection receives for.
type Identity struct {
	DeviceID store.DeviceID
	UserID   store.ActorID
}

type connection struct {
	identity  Identity
	transport Transport
	state     connectionState
	// roots the device subscribed to; fan-out only targets subscribed roots.
	roots map[string]bool
}

// ServiceConfig configures the dissemination service.
type ServiceConfig struct {
	Database         *gorm.DB
	Broker           *bus.Broker
	Clock            Clock
	Logger           *zap.Logger
	DebounceInterval time.Duration
	CatchUpBatchSize int
}

// Service pushes object changes to connected devices. One goroutine, the one
// running Run, owns the connection table and every timer; sockets and other
// goroutines talk to it exclusively through the command channel, so the table
// needs no locks. Cross-process correctness rests on the persisted device
// cursor rows alone: every process sees every broadcast and filters
// independently.
type Service struct {
	db       *gorm.DB
	broker   *bus.Broker
	clock    Clock
	logger   *zap.Logger
	debounce time.Duration
	batch    int

	commands chan func(ctx context.Context)

	// loop-owned state, untouched outside Run
	connections map[string]*connection
	pending     map[string]bool
	timer       Timer
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	debounce := cfg.DebounceInterval
	if debounce <= 0 {
		debounce = defaultDebounceInterval
	}
	batch := cfg.CatchUpBatchSize
	if batch <= 0 {
		batch = defaultCatchUpBatchSize
	}
	return &Service{
		db:          cfg.Database,
		broker:      cfg.Broker,
		clock:       clock,
		logger:      logger,
		debounce:    debounce,
		batch:       batch,
		commands:    make(chan func(ctx context.Context), commandBufferSize),
		connections: make(map[string]*connection),
		pending:     make(map[string]bool),
	}, nil
}

// Run drives the event loop until the context is cancelled. Every mutation of
// the connection table happens here.
func (s *Service) Run(ctx context.Context) error {
	changes, cancelChanges := s.broker.ObjectChanges.Subscribe(ctx)
	defer cancelChanges()
	visibility, cancelVisibility := s.broker.VisibilityChanges.Subscribe(ctx)
	defer cancelVisibility()

	s.timer = s.clock.NewTimer(s.debounce)
	s.timer.Stop()
	defer s.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case command := <-s.commands:
			command(ctx)
		case message := <-changes:
			s.handleChange(ctx, message)
		case message := <-visibility:
			s.handleVisibility(ctx, message)
		case <-s.timer.C():
			s.runCatchUp(ctx)
		}
	}
}

// Register adds an authenticated device connection and schedules its first
// catch-up pass behind the debounce window.
func (s *Service) Register(identity Identity, transport Transport) {
	s.enqueue(func(ctx context.Context) {
		deviceID := identity.DeviceID.String()
		if existing, ok := s.connections[deviceID]; ok {
			s.closeConnection(existing)
		}
		s.connections[deviceID] = &connection{
			identity:  identity,
			transport: transport,
			state:     stateRegistered,
			roots:     make(map[string]bool),
		}
		s.scheduleCatchUp(deviceID)
	})
}

// Subscribe attaches the device to a workspace root for fan-out.
func (s *Service) Subscribe(deviceID store.DeviceID, rootID string) {
	s.enqueue(func(ctx context.Context) {
		conn, ok := s.connections[deviceID.String()]
		if !ok || conn.state == stateClosed {
			s.logger.Warn("subscribe for unknown connection",
				zap.String("operation", opSubscribe),
				zap.String("device_id", deviceID.String()))
			return
		}
		conn.roots[rootID] = true
		conn.state = stateSubscribed
		s.scheduleCatchUp(deviceID.String())
	})
}

// Acknowledge records that a device applied an object version. The cursor
// upsert is idempotent, so redelivered acks are harmless. Delete acks
// additionally garbage-collect the revoked visibility row once no device of
// the user still references the object.
func (s *Service) Acknowledge(deviceID store.DeviceID, envelope InboundEnvelope) {
	s.enqueue(func(ctx context.Context) {
		conn, ok := s.connections[deviceID.String()]
		if !ok {
			return
		}
		if err := s.applyAck(ctx, conn.identity, envelope); err != nil {
			s.logError(opAck, "cursor_update_failed", err,
				zap.String("device_id", deviceID.String()),
				zap.String("object_id", envelope.ObjectID))
			return
		}
		// Anything that changed while the ack was in flight is caught by the
		// re-armed pass.
		s.scheduleCatchUp(deviceID.String())
	})
}

// Disconnect removes the device connection and closes its transport.
func (s *Service) Disconnect(deviceID store.DeviceID) {
	s.enqueue(func(ctx context.Context) {
		conn, ok := s.connections[deviceID.String()]
		if !ok {
			return
		}
		s.closeConnection(conn)
		delete(s.connections, deviceID.String())
		delete(s.pending, deviceID.String())
	})
}

func (s *Service) enqueue(command func(ctx context.Context)) {
	s.commands <- command
}

// scheduleCatchUp marks the device dirty and re-arms the shared debounce
// timer. The timer is reset, not stacked: bursts of triggers collapse into
// one delayed pass.
func (s *Service) scheduleCatchUp(deviceID string) {
	s.pending[deviceID] = true
	s.timer.Reset(s.debounce)
}

func (s *Service) runCatchUp(ctx context.Context) {
	// Snapshot first: a truncated pass re-marks its device, and that mark
	// belongs to the next timer window, not this one.
	devices := make([]string, 0, len(s.pending))
	for deviceID := range s.pending {
		devices = append(devices, deviceID)
	}
	for _, deviceID := range devices {
		delete(s.pending, deviceID)
		conn, ok := s.connections[deviceID]
		if !ok || conn.state == stateClosed {
			continue
		}
		if err := s.catchUpDevice(ctx, conn); err != nil {
			s.logError(opCatchUp, "pass_failed", err, zap.String("device_id", deviceID))
		}
	}
}

// catchUpRow is one (device, object) pair whose recorded cursor differs from
// the authoritative state.
type catchUpRow struct {
	ObjectID          string `gorm:"column:object_id"`
	RootID            string `gorm:"column:root_id"`
	VisibilityVersion int64  `gorm:"column:visibility_version"`
	Revoked           bool   `gorm:"column:revoked"`
	ObjectVersion     int64  `gorm:"column:object_version"`
	Kind              string `gorm:"column:kind"`
	AttributesJSON    string `gorm:"column:attributes_json"`
	ObjectMissing     bool   `gorm:"column:object_missing"`
}

const catchUpQuery = `
SELECT v.object_id            AS object_id,
       v.root_id              AS root_id,
       v.version              AS visibility_version,
       v.revoked              AS revoked,
       COALESCE(o.version, 0) AS object_version,
       COALESCE(o.kind, '')   AS kind,
       COALESCE(o.attributes_json, '') AS attributes_json,
       o.id IS NULL           AS object_missing
FROM object_visibility v
LEFT JOIN objects o ON o.id = v.object_id
LEFT JOIN device_object_cursors c
  ON c.device_id = ? AND c.object_id = v.object_id
WHERE v.user_id = ?
  AND (c.object_id IS NULL
    OR c.delivered_version <> COALESCE(o.version, 0)
    OR c.delivered_user_version <> v.version)
ORDER BY v.object_id
LIMIT ?`

// catchUpDevice runs one set-difference pass for a device: every visibility
// row of its user whose cursor is missing or stale streams out as an
// individual push, batch-capped, with the cursor upserted per delivery.
func (s *Service) catchUpDevice(ctx context.Context, conn *connection) error {
	var rows []catchUpRow
	err := s.db.WithContext(ctx).
		Raw(catchUpQuery, conn.identity.DeviceID.String(), conn.identity.UserID.String(), s.batch).
		Scan(&rows).Error
	if err != nil {
		return err
	}
	for _, row := range rows {
		message := Message{
			Type:              MessageTypeObjectState,
			ObjectID:          row.ObjectID,
			RootID:            row.RootID,
			Kind:              row.Kind,
			Version:           row.ObjectVersion,
			VisibilityVersion: row.VisibilityVersion,
			Attributes:        json.RawMessage(row.AttributesJSON),
		}
		if row.Revoked || row.ObjectMissing {
			message = Message{
				Type:              MessageTypeObjectRemoved,
				ObjectID:          row.ObjectID,
				RootID:            row.RootID,
				Version:           row.ObjectVersion,
				VisibilityVersion: row.VisibilityVersion,
			}
		}
		if !s.push(conn, message) {
			return nil
		}
		cursor := store.DeviceCursor{
			DeviceID:             conn.identity.DeviceID.String(),
			ObjectID:             row.ObjectID,
			UserID:               conn.identity.UserID.String(),
			DeliveredVersion:     row.ObjectVersion,
			DeliveredUserVersion: row.VisibilityVersion,
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&cursor).Error; err != nil {
			return err
		}
	}
	if len(rows) == s.batch {
		// The pass was truncated by the batch cap; the remainder must not
		// wait for an unrelated trigger.
		s.scheduleCatchUp(conn.identity.DeviceID.String())
	}
	return nil
}

func (s *Service) applyAck(ctx context.Context, identity Identity, envelope InboundEnvelope) error {
	if envelope.ObjectID == "" {
		return nil
	}
	if envelope.Deleted {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Where("device_id = ? AND object_id = ?",
				identity.DeviceID.String(), envelope.ObjectID).
				Delete(&store.DeviceCursor{}).Error
			if err != nil {
				return err
			}
			var remaining int64
			err = tx.Model(&store.DeviceCursor{}).
				Where("user_id = ? AND object_id = ?", identity.UserID.String(), envelope.ObjectID).
				Count(&remaining).Error
			if err != nil {
				return err
			}
			if remaining > 0 {
				return nil
			}
			// Last device of the user confirmed the removal; the revoked
			// visibility row has served its purpose.
			return tx.Where("user_id = ? AND object_id = ? AND revoked = ?",
				identity.UserID.String(), envelope.ObjectID, true).
				Delete(&store.Visibility{}).Error
		})
	}
	cursor := store.DeviceCursor{
		DeviceID:             identity.DeviceID.String(),
		ObjectID:             envelope.ObjectID,
		UserID:               identity.UserID.String(),
		DeliveredVersion:     envelope.Version,
		DeliveredUserVersion: envelope.VisibilityVersion,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&cursor).Error
}

// handleChange fans an object change out to its audience: devices subscribed
// to the workspace whose user still has live visibility. Direct pushes skip
// the debounce; the device's ack, not the push, advances its cursor.
func (s *Service) handleChange(ctx context.Context, message bus.ChangeMessage) {
	if len(s.connections) == 0 {
		return
	}
	grants, err := s.loadVisibility(ctx, message.ObjectID)
	if err != nil {
		s.logError(opBroadcast, "visibility_query_failed", err, zap.String("object_id", message.ObjectID))
		return
	}
	if len(grants) == 0 {
		return
	}

	removed := message.Operation == store.OperationTypeDelete
	var state *store.Object
	if !removed {
		state, err = s.loadObjectState(ctx, message.ObjectID)
		if err != nil {
			s.logError(opBroadcast, "object_query_failed", err, zap.String("object_id", message.ObjectID))
			return
		}
		removed = state == nil
	}

	for _, conn := range s.connections {
		if conn.state != stateSubscribed || !conn.roots[message.RootID] {
			continue
		}
		grant, ok := grants[conn.identity.UserID.String()]
		if !ok {
			continue
		}
		push := Message{
			Type:              MessageTypeObjectRemoved,
			ObjectID:          message.ObjectID,
			RootID:            message.RootID,
			Version:           message.Version,
			VisibilityVersion: grant.Version,
		}
		if !removed && !grant.Revoked {
			push = Message{
				Type:              MessageTypeObjectState,
				ObjectID:          message.ObjectID,
				RootID:            message.RootID,
				Kind:              state.Kind,
				Version:           state.Version,
				VisibilityVersion: grant.Version,
				Attributes:        json.RawMessage(state.AttributesJSON),
			}
		}
		s.push(conn, push)
	}
}

// handleVisibility notifies the affected user's devices that an object
// entered or left their view.
func (s *Service) handleVisibility(ctx context.Context, message bus.VisibilityMessage) {
	var state *store.Object
	for _, conn := range s.connections {
		if conn.state != stateSubscribed || !conn.roots[message.RootID] {
			continue
		}
		if conn.identity.UserID.String() != message.UserID {
			continue
		}
		if message.Revoked {
			s.push(conn, Message{
				Type:              MessageTypeObjectRemoved,
				ObjectID:          message.ObjectID,
				RootID:            message.RootID,
				VisibilityVersion: message.Version,
			})
			continue
		}
		if state == nil {
			loaded, err := s.loadObjectState(ctx, message.ObjectID)
			if err != nil {
				s.logError(opBroadcast, "object_query_failed", err, zap.String("object_id", message.ObjectID))
				return
			}
			if loaded == nil {
				return
			}
			state = loaded
		}
		s.push(conn, Message{
			Type:              MessageTypeObjectState,
			ObjectID:          message.ObjectID,
			RootID:            message.RootID,
			Kind:              state.Kind,
			Version:           state.Version,
			VisibilityVersion: message.Version,
			Attributes:        json.RawMessage(state.AttributesJSON),
		})
	}
}

func (s *Service) loadVisibility(ctx context.Context, objectID string) (map[string]store.Visibility, error) {
	var rows []store.Visibility
	err := s.db.WithContext(ctx).Where("object_id = ?", objectID).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	grants := make(map[string]store.Visibility, len(rows))
	for _, row := range rows {
		grants[row.UserID] = row
	}
	return grants, nil
}

func (s *Service) loadObjectState(ctx context.Context, objectID string) (*store.Object, error) {
	var object store.Object
	err := s.db.WithContext(ctx).Where("id = ?", objectID).Take(&object).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &object, nil
}

// push sends one message, tearing the connection down on transport failure.
// Returns false when the connection is gone.
func (s *Service) push(conn *connection, message Message) bool {
	if conn.state == stateClosed {
		return false
	}
	if err := conn.transport.Send(message); err != nil {
		s.logError(opBroadcast, "send_failed", err,
			zap.String("device_id", conn.identity.DeviceID.String()))
		s.closeConnection(conn)
		delete(s.connections, conn.identity.DeviceID.String())
		return false
	}
	return true
}

func (s *Service) closeConnection(conn *connection) {
	if conn.state == stateClosed {
		return
	}
	conn.state = stateClosed
	if err := conn.transport.Close(); err != nil {
		s.logger.Debug("transport close failed",
			zap.String("device_id", conn.identity.DeviceID.String()),
			zap.Error(err))
	}
}

func (s *Service) closeAll() {
	for deviceID, conn := range s.connections {
		s.closeConnection(conn)
		delete(s.connections, deviceID)
	}
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
	s.logger.Error("synapse service error", attrs...)
}
