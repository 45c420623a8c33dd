// Package identity derives canonical entity identifiers.
//
// Conversations get a deterministic identity computed from the participant
// set, so two clients creating "the same" conversation without coordination
// converge on one record. Messages never get a client-chosen canonical
// identity; they carry a local placeholder until the remote store mints the
// real one, which makes network retries idempotent.
package identity

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

const localPrefix = "local:"

// ConversationID computes the canonical identifier for a conversation from
// its participant set. The result is independent of input order and
// duplicates: any two callers with the same set produce the same ID.
func ConversationID(participants []string) string {
	seen := make(map[string]bool, len(participants))
	uniq := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		uniq = append(uniq, p)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ":")
}

// LocalMessageID mints a placeholder identity for a message that has not yet
// been assigned its server ID.
func LocalMessageID() string {
	return localPrefix + uuid.New().String()
}

// IsLocal reports whether id is a client-side placeholder rather than a
// server-assigned identity.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
