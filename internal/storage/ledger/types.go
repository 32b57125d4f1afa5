package ledger

import "github.com/ChuLiYu/budget-optimizer/pkg/types"

// ============================================================================
// Ledger Type Definitions
// ============================================================================

// EventType defines ledger event types
type EventType string

const (
	EventStudyCreated EventType = "STUDY_CREATED" // first event of every study ledger
	EventTrial        EventType = "TRIAL"         // a resolved trial was appended
)

// Event represents one ledger line
type Event struct {
	Seq       uint64       `json:"seq"`             // Event sequence number (monotonically increasing)
	Type      EventType    `json:"type"`            // Event type
	Timestamp int64        `json:"timestamp"`       // Unix millisecond timestamp
	Trial     *types.Trial `json:"trial,omitempty"` // Present for EventTrial
	Checksum  uint32       `json:"checksum"`        // CRC32 checksum
}

// EventHandler processes events during Replay. Returning an error aborts
// the replay.
type EventHandler func(event Event) error
