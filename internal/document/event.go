package document

// EventKind enumerates the domain events recorded in the document log.
type EventKind string

const (
	EventTournamentUpdated EventKind = "tournament-updated"
	EventPlayerAdded       EventKind = "player-added"
	EventPlayerUpdated     EventKind = "player-updated"
	EventPlayerCheckedIn   EventKind = "player-checked-in"
	EventMatchAdded        EventKind = "match-added"
	EventMatchUpdated      EventKind = "match-updated"
	EventMatchScored       EventKind = "match-scored"
	EventMatchAssigned     EventKind = "match-assigned"
	EventTableAdded        EventKind = "table-added"
	EventTableUpdated      EventKind = "table-updated"
)

// Event is one entry in the append-only domain log. Entries are never
// mutated or removed; downstream consumers watch the log to detect semantic
// transitions instead of diffing state. Seq is contiguous per OriginClient;
// Counter positions the event in the document's logical clock so merged
// logs read identically on every replica.
type Event struct {
	ID           string            `json:"id"`
	Kind         EventKind         `json:"kind"`
	Actor        string            `json:"actor"`
	Payload      map[string]string `json:"payload,omitempty"`
	Timestamp    int64             `json:"timestamp"`
	OriginClient string            `json:"originClient"`
	Seq          uint64            `json:"seq"`
	Counter      uint64            `json:"counter"`
}
