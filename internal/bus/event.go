package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by namespace
// prefix, e.g. "message." receives all message events.
const (
	KindEntityUpserted    = "entity.upserted"
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindPresenceChanged   = "presence.changed"
	KindSyncCursor        = "sync.cursor"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
