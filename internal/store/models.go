package store

// OperationType enumerates logged operations against an object.
type OperationType string

const (
	// OperationTypeCreate introduces a new object.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate mutates an existing object's attributes.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete removes an object and its dependent rows.
	OperationTypeDelete OperationType = "delete"
)

// Object is a versioned unit in the hierarchical tree. AttributesJSON and
// StateB64 are derived caches of the transaction log: replaying the full
// ordered log for the object always reproduces them exactly.
type Object struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Kind             string `gorm:"column:kind;size:64;not null;index:idx_objects_root_kind,priority:2"`
	RootID           string `gorm:"column:root_id;size:190;not null;index:idx_objects_root_kind,priority:1"`
	ParentID         string `gorm:"column:parent_id;size:190;not null;default:'';index"`
	AttributesJSON   string `gorm:"column:attributes_json;type:text;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null;default:''"`
	TransactionID    string `gorm:"column:transaction_id;size:32;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Object) TableName() string {
	return "objects"
}

// Transaction is one logged create/update/delete operation. Transactions for
// an object ordered by id ascending form its authoritative history; Version
// is a server confirmation stamp, never a replay ordering key.
type Transaction struct {
	ID                     string        `gorm:"column:id;primaryKey;size:32;not null"`
	ObjectID               string        `gorm:"column:object_id;size:190;not null;index:idx_transactions_object,priority:1"`
	RootID                 string        `gorm:"column:root_id;size:190;not null;index"`
	Operation              OperationType `gorm:"column:op;size:16;not null"`
	ObjectKind             string        `gorm:"column:object_kind;size:64;not null;default:''"`
	ParentID               string        `gorm:"column:parent_id;size:190;not null;default:''"`
	DeltaB64               string        `gorm:"column:delta_b64;type:text;not null;default:''"`
	CreatedAtSeconds       int64         `gorm:"column:created_at_s;not null"`
	CreatedBy              string        `gorm:"column:created_by;size:190;not null"`
	Version                *int64        `gorm:"column:version"`
	ServerCreatedAtSeconds *int64        `gorm:"column:server_created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "object_transactions"
}

// Mutation is a durable outbox entry awaiting delivery to the server. It is
// written in the same atomic unit as the object and transaction rows it
// represents, so a confirmed local state change always has a delivery
// obligation on disk.
type Mutation struct {
	ID               int64         `gorm:"column:id;primaryKey;autoIncrement"`
	TransactionID    string        `gorm:"column:transaction_id;size:32;not null;uniqueIndex"`
	Operation        OperationType `gorm:"column:op;size:16;not null"`
	PayloadJSON      string        `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
	Retries          int64         `gorm:"column:retries;not null;default:0"`
	AckedAtSeconds   *int64        `gorm:"column:acked_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Mutation) TableName() string {
	return "outbox_mutations"
}

// Visibility is the authoritative answer to "can this user currently see this
// object". Its Version advances with visibility-affecting changes and drives
// push-vs-remove decisions during fan-out.
type Visibility struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ObjectID string `gorm:"column:object_id;primaryKey;size:190;not null;index"`
	RootID   string `gorm:"column:root_id;size:190;not null;index"`
	Version  int64  `gorm:"column:version;not null;default:0"`
	Revoked  bool   `gorm:"column:revoked;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Visibility) TableName() string {
	return "object_visibility"
}

// DeviceCursor records the last object version delivered to a device. Cursors
// make delivery idempotent and let catch-up passes compute pending work as a
// set difference; they never order truth.
type DeviceCursor struct {
	DeviceID             string `gorm:"column:device_id;primaryKey;size:190;not null"`
	ObjectID             string `gorm:"column:object_id;primaryKey;size:190;not null;index"`
	UserID               string `gorm:"column:user_id;size:190;not null;index"`
	DeliveredVersion     int64  `gorm:"column:delivered_version;not null;default:0"`
	DeliveredUserVersion int64  `gorm:"column:delivered_user_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceCursor) TableName() string {
	return "device_object_cursors"
}

// Interaction is a dependent per-object row (reactions and similar) removed
// by cascade when the object is deleted.
type Interaction struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ObjectID         string `gorm:"column:object_id;size:190;not null;index"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Value            string `gorm:"column:value;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Interaction) TableName() string {
	return "object_interactions"
}

// ObjectIndex is the derived name/search-text row refreshed inside every
// write unit and removed by cascade on delete.
type ObjectIndex struct {
	ObjectID string `gorm:"column:object_id;primaryKey;size:190;not null"`
	RootID   string `gorm:"column:root_id;size:190;not null;index"`
	Name     string `gorm:"column:name;size:320;not null;default:''"`
	Text     string `gorm:"column:search_text;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ObjectIndex) TableName() string {
	return "object_index"
}

// Models lists every persisted model for schema migration.
func Models() []any {
	return []any{
		&Object{},
		&Transaction{},
		&Mutation{},
		&Visibility{},
		&DeviceCursor{},
		&Interaction{},
		&ObjectIndex{},
	}
}
