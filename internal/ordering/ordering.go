// Package ordering computes a stable display order for messages.
package ordering

import (
	"cmp"
	"slices"
	"strings"

	"github.com/lucasmbraz/syncbox/internal/store"
)

// Compare orders two messages with a layered comparator. The primary key is
// the local creation timestamp, which is always present, so entities still
// pending sync order sensibly next to confirmed ones. Server timestamp and
// sequence number refine the order only when both sides carry them; the ID
// is the final tiebreak so the order is total and stable.
func Compare(a, b *store.Message) int {
	if c := cmp.Compare(a.LocalTS, b.LocalTS); c != 0 {
		return c
	}
	if a.ServerTS > 0 && b.ServerTS > 0 {
		if c := cmp.Compare(a.ServerTS, b.ServerTS); c != 0 {
			return c
		}
	}
	if a.Seq > 0 && b.Seq > 0 {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort sorts messages in place into display order.
func Sort(msgs []store.Message) {
	slices.SortStableFunc(msgs, func(a, b store.Message) int {
		return Compare(&a, &b)
	})
}
