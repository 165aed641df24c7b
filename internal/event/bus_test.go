package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe(4)
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(EntriesCommittedEvent{BaseEvent: BaseEvent{Seq: 2}, TxID: "t1"})

	ev := <-ch1
	require.Equal(t, EvEntriesCommitted, ev.GetType())
	assert.Equal(t, uint64(2), ev.GetSeq())
	assert.Equal(t, "t1", ev.(EntriesCommittedEvent).TxID)
	assert.Equal(t, EvEntriesCommitted, (<-ch2).GetType())

	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open)

	bus.Publish(EntityFrozenEvent{EntityKind: "pool", EntityID: "p"})
	assert.Equal(t, EvEntityFrozen, (<-ch2).GetType())
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(TransactionRejectedEvent{TxID: "a"})
	bus.Publish(TransactionRejectedEvent{TxID: "b"})

	assert.Equal(t, "a", (<-ch).(TransactionRejectedEvent).TxID)
	assert.Len(t, ch, 0)
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(TransactionRejectedEvent{})
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "entity_frozen", EvEntityFrozen.String())
	assert.Equal(t, "unknown", Type(99).String())
}
