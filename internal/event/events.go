package event

import (
	"liquidity_ledger/internal/domain"
	"liquidity_ledger/pkg/quant"
)

// Type defines the type of event.
type Type uint16

const (
	EvEntriesCommitted Type = iota + 1
	EvTransactionRejected
	EvEntityFrozen
)

func (t Type) String() string {
	switch t {
	case EvEntriesCommitted:
		return "entries_committed"
	case EvTransactionRejected:
		return "transaction_rejected"
	case EvEntityFrozen:
		return "entity_frozen"
	}
	return "unknown"
}

// Event is the interface for all coordinator events.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetType() Type
}

// BaseEvent contains common fields for all events.
// Seq is the last ledger sequence number at the time of the event.
type BaseEvent struct {
	Seq uint64          `json:"seq"`
	Ts  quant.TimeStamp `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64         { return e.Seq }
func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }

// EntriesCommittedEvent carries the entries of one applied transaction.
type EntriesCommittedEvent struct {
	BaseEvent
	TxID    string            `json:"tx_id"`
	Kind    domain.TxKind     `json:"kind"`
	PoolID  string            `json:"pool_id,omitempty"`
	Entries []domain.Entry    `json:"entries"`
	Pool    *domain.PoolState `json:"pool,omitempty"`
}

func (e EntriesCommittedEvent) GetType() Type { return EvEntriesCommitted }

// TransactionRejectedEvent reports a rejection. Rejections never reach the entry stream.
type TransactionRejectedEvent struct {
	BaseEvent
	TxID string           `json:"tx_id"`
	Kind domain.TxKind    `json:"kind"`
	Err  domain.ErrorKind `json:"error"`
}

func (e TransactionRejectedEvent) GetType() Type { return EvTransactionRejected }

// EntityFrozenEvent reports that a pool or account was halted for audit.
type EntityFrozenEvent struct {
	BaseEvent
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

func (e EntityFrozenEvent) GetType() Type { return EvEntityFrozen }
