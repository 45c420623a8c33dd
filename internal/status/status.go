// Package status defines the closed enums for entity sync lifecycle and
// message delivery, with the transition rules enforced on both.
package status

import "slices"

// SyncState is the lifecycle stage of a locally-held entity with respect to
// remote confirmation.
type SyncState string

const (
	Pending SyncState = "pending"
	Synced  SyncState = "synced"
	Failed  SyncState = "failed"
)

// validSyncTransitions defines allowed sync-state transitions. Failed moves
// back to Pending through an explicit user retry, or straight to Synced when
// a remote confirmation arrives after the failure was recorded. Synced is
// final.
var validSyncTransitions = map[SyncState][]SyncState{
	Pending: {Synced, Failed},
	Failed:  {Pending, Synced},
	Synced:  {},
}

// CanTransition reports whether a sync-state change is allowed.
func CanTransition(from, to SyncState) bool {
	return slices.Contains(validSyncTransitions[from], to)
}

// Delivery is the delivery status of a message.
type Delivery string

const (
	Sent      Delivery = "sent"
	Delivered Delivery = "delivered"
	Read      Delivery = "read"
)

var deliveryRank = map[Delivery]int{
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Advance returns the later of two delivery statuses. Delivery only moves
// forward; a stale delta can never regress read back to delivered or sent.
func Advance(current, next Delivery) Delivery {
	if deliveryRank[next] > deliveryRank[current] {
		return next
	}
	return current
}

// Rank returns the ordering rank of a delivery status, 0 if unknown.
func Rank(d Delivery) int {
	return deliveryRank[d]
}

// ValidDelivery reports whether d is a known delivery status.
func ValidDelivery(d Delivery) bool {
	return deliveryRank[d] != 0
}
