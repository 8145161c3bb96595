package event

// Metadata option keys recognized by the replication core. Values are
// free-form strings; presence of a key is significant even when the value
// is empty.
const (
	OptionHeartbeat            = "heartbeat"
	OptionRollback             = "rollback"
	OptionUnsafeForBlockCommit = "unsafe_for_block_commit"
	OptionService              = "service"
	OptionShard                = "shard"
)

// ShardUnknown marks events whose shard could not be determined. Such
// events must be serialized against all partitions.
const ShardUnknown = "#UNKNOWN"

// Replicated is the common interface of data and control events flowing
// through a replication pipeline.
type Replicated interface {
	// ReplSeqno returns the global transaction sequence number this
	// event is positioned at.
	ReplSeqno() uint64
}

// Event is a single replicated log event: an ordered batch of row changes
// or a statement, plus the positioning metadata required for restart.
// A transaction may span several events (fragments) sharing one seqno;
// the fragment carrying LastFrag closes the transaction.
//
// Events are immutable after construction. Collaborators that need to
// alter metadata must work on a copy (see WithMetadata).
type Event struct {
	Seqno    uint64
	Fragno   uint32
	LastFrag bool
	EventID  string
	SourceID string
	Metadata map[string]string
	Payload  []byte
}

// ReplSeqno implements Replicated.
func (e *Event) ReplSeqno() uint64 {
	return e.Seqno
}

// Header returns the minimal restart descriptor for this event.
func (e *Event) Header() Header {
	return Header{
		Seqno:    e.Seqno,
		Fragno:   e.Fragno,
		LastFrag: e.LastFrag,
		EventID:  e.EventID,
		SourceID: e.SourceID,
	}
}

// Option returns the metadata value for key and whether it is present.
func (e *Event) Option(key string) (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	v, ok := e.Metadata[key]
	return v, ok
}

// HasOption reports whether the metadata key is present.
func (e *Event) HasOption(key string) bool {
	_, ok := e.Option(key)
	return ok
}

// Service returns the logical source service tag, empty if unset.
func (e *Event) Service() string {
	v, _ := e.Option(OptionService)
	return v
}

// Shard returns the shard key derived from metadata, empty if unset.
func (e *Event) Shard() string {
	v, _ := e.Option(OptionShard)
	return v
}

// Empty reports whether the event carries no payload. Empty events are
// discarded by the dispatch queue and only advance the head seqno.
func (e *Event) Empty() bool {
	return len(e.Payload) == 0
}

// WithMetadata returns a copy of the event with the given metadata key
// set. The original event is not modified.
func (e *Event) WithMetadata(key, value string) *Event {
	clone := *e
	clone.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	clone.Metadata[key] = value
	return &clone
}
