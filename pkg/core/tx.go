package core

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// TxKind discriminates transaction variants on the wire.
type TxKind string

const (
	TxKindCreateDoc     TxKind = "createDoc"
	TxKindUpdateDoc     TxKind = "updateDoc"
	TxKindRemoveDoc     TxKind = "removeDoc"
	TxKindMixin         TxKind = "mixin"
	TxKindCollectionCUD TxKind = "collectionCUD"
	TxKindApplyIf       TxKind = "applyIf"
	TxKindBulkWrite     TxKind = "bulkWrite"
)

// Tx is the common header of every transaction. Transactions are immutable
// and totally ordered by ID (ULID order) which matches ModifiedOn order.
type Tx struct {
	ID         ID        `cbor:"_id" json:"_id"`
	Space      ID        `cbor:"space" json:"space"`
	ModifiedBy ID        `cbor:"modifiedBy" json:"modifiedBy"`
	ModifiedOn Timestamp `cbor:"modifiedOn" json:"modifiedOn"`
}

// TxCUD addresses a single target document.
type TxCUD struct {
	Tx
	ObjectID    ID `cbor:"objectId" json:"objectId"`
	ObjectClass ID `cbor:"objectClass" json:"objectClass"`
	ObjectSpace ID `cbor:"objectSpace" json:"objectSpace"`
}

// DocumentUpdate is the operation grammar of UpdateDoc and Mixin
// transactions: plain keys set fields wholesale, $push/$pull/$move operate
// on array fields.
type DocumentUpdate map[string]any

// Operator keys of DocumentUpdate.
const (
	OpPush = "$push"
	OpPull = "$pull"
	OpMove = "$move"

	// MoveValue and MovePosition are keys of a $move descriptor:
	// {"$move": {field: {"$value": v, "$position": 0}}}. A missing
	// position appends at the end.
	MoveValue    = "$value"
	MovePosition = "$position"
)

type TxCreateDoc struct {
	TxCUD
	Attributes Doc `cbor:"attributes" json:"attributes"`
}

type TxUpdateDoc struct {
	TxCUD
	Operations DocumentUpdate `cbor:"operations" json:"operations"`
}

type TxRemoveDoc struct {
	TxCUD
}

// TxMixin applies the update grammar inside a mixin's namespace on the
// target document. An empty Attributes map still materializes the mixin's
// presence marker.
type TxMixin struct {
	TxCUD
	Mixin      ID             `cbor:"mixin" json:"mixin"`
	Attributes DocumentUpdate `cbor:"attributes" json:"attributes"`
}

// TxCollectionCUD wraps a CUD targeting an attached document. The outer
// object fields address the parent; the inner transaction addresses the
// child. On create, the adapter stamps the parent linkage onto the child.
type TxCollectionCUD struct {
	TxCUD
	Collection string    `cbor:"collection" json:"collection"`
	Inner      *Envelope `cbor:"inner" json:"inner"`
}

// TxApplyIf applies the wrapped transactions only when every field of
// Match equals the current state of the addressed document.
type TxApplyIf struct {
	Tx
	ObjectID    ID          `cbor:"objectId" json:"objectId"`
	ObjectClass ID          `cbor:"objectClass" json:"objectClass"`
	Match       Doc         `cbor:"match" json:"match"`
	Txes        []*Envelope `cbor:"txes" json:"txes"`
}

type TxBulkWrite struct {
	Tx
	Txes []*Envelope `cbor:"txes" json:"txes"`
}

// TxVariant is implemented by every transaction type.
type TxVariant interface {
	TxBase() *Tx
	TxKind() TxKind
}

func (t *TxCreateDoc) TxBase() *Tx     { return &t.Tx }
func (t *TxCreateDoc) TxKind() TxKind  { return TxKindCreateDoc }
func (t *TxUpdateDoc) TxBase() *Tx     { return &t.Tx }
func (t *TxUpdateDoc) TxKind() TxKind  { return TxKindUpdateDoc }
func (t *TxRemoveDoc) TxBase() *Tx     { return &t.Tx }
func (t *TxRemoveDoc) TxKind() TxKind  { return TxKindRemoveDoc }
func (t *TxMixin) TxBase() *Tx         { return &t.Tx }
func (t *TxMixin) TxKind() TxKind      { return TxKindMixin }
func (t *TxCollectionCUD) TxBase() *Tx { return &t.Tx }
func (t *TxCollectionCUD) TxKind() TxKind {
	return TxKindCollectionCUD
}
func (t *TxApplyIf) TxBase() *Tx      { return &t.Tx }
func (t *TxApplyIf) TxKind() TxKind   { return TxKindApplyIf }
func (t *TxBulkWrite) TxBase() *Tx    { return &t.Tx }
func (t *TxBulkWrite) TxKind() TxKind { return TxKindBulkWrite }

// Envelope is the wire and log form of a transaction.
type Envelope struct {
	Kind TxKind          `cbor:"kind" json:"kind"`
	Body cbor.RawMessage `cbor:"body" json:"body"`
}

// Seal wraps a transaction into an envelope.
func Seal(tx TxVariant) (*Envelope, error) {
	body, err := cbor.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", tx.TxKind(), err)
	}
	return &Envelope{Kind: tx.TxKind(), Body: body}, nil
}

// MustSeal is Seal for transactions built from in-memory values, where
// encoding cannot fail.
func MustSeal(tx TxVariant) *Envelope {
	env, err := Seal(tx)
	if err != nil {
		panic(err)
	}
	return env
}

// Open decodes the envelope into its concrete transaction type.
func (e *Envelope) Open() (TxVariant, error) {
	var tx TxVariant
	switch e.Kind {
	case TxKindCreateDoc:
		tx = &TxCreateDoc{}
	case TxKindUpdateDoc:
		tx = &TxUpdateDoc{}
	case TxKindRemoveDoc:
		tx = &TxRemoveDoc{}
	case TxKindMixin:
		tx = &TxMixin{}
	case TxKindCollectionCUD:
		tx = &TxCollectionCUD{}
	case TxKindApplyIf:
		tx = &TxApplyIf{}
	case TxKindBulkWrite:
		tx = &TxBulkWrite{}
	default:
		return nil, fmt.Errorf("open envelope: unknown tx kind %q", e.Kind)
	}
	if err := cbor.Unmarshal(e.Body, tx); err != nil {
		return nil, fmt.Errorf("open %s envelope: %w", e.Kind, err)
	}
	return tx, nil
}

// UnwrapCollectionTx opens the inner CUD of a collection transaction and,
// for creates, stamps the parent linkage onto the attached document.
func UnwrapCollectionTx(tx *TxCollectionCUD) (TxVariant, error) {
	if tx.Inner == nil {
		return nil, fmt.Errorf("collection tx %s: missing inner tx", tx.ID)
	}
	inner, err := tx.Inner.Open()
	if err != nil {
		return nil, err
	}
	if create, ok := inner.(*TxCreateDoc); ok {
		if create.Attributes == nil {
			create.Attributes = Doc{}
		}
		create.Attributes[FieldAttachedTo] = tx.ObjectID
		create.Attributes[FieldAttachedToClass] = tx.ObjectClass
		create.Attributes[FieldCollection] = tx.Collection
	}
	return inner, nil
}

// IsModelTx reports whether any target of the transaction is a schema
// class. Such transactions are folded into the classifier hierarchy and
// the model cache in addition to generic storage.
func IsModelTx(tx TxVariant) bool {
	switch t := tx.(type) {
	case *TxCreateDoc:
		return IsSchemaClass(t.ObjectClass)
	case *TxUpdateDoc:
		return IsSchemaClass(t.ObjectClass)
	case *TxRemoveDoc:
		return IsSchemaClass(t.ObjectClass)
	case *TxMixin:
		return IsSchemaClass(t.ObjectClass)
	case *TxCollectionCUD:
		inner, err := UnwrapCollectionTx(t)
		return err == nil && IsModelTx(inner)
	case *TxApplyIf:
		return anyModelEnvelope(t.Txes)
	case *TxBulkWrite:
		return anyModelEnvelope(t.Txes)
	}
	return false
}

func anyModelEnvelope(envs []*Envelope) bool {
	for _, env := range envs {
		inner, err := env.Open()
		if err == nil && IsModelTx(inner) {
			return true
		}
	}
	return false
}

// NewTx fills a transaction header with a fresh id and timestamp.
func NewTx(space, modifiedBy ID) Tx {
	return Tx{
		ID:         GenerateID(),
		Space:      space,
		ModifiedBy: modifiedBy,
		ModifiedOn: Now(),
	}
}
