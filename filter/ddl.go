package filter

import (
	"fmt"

	"vitess.io/vitess/go/vt/sqlparser"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// DDLMarker inspects statement payloads and tags schema-changing
// statements as unsafe for block commit, so the stage loop commits
// around them instead of batching them with row changes.
//
// Payloads that do not parse as SQL pass through untouched; the decoder
// upstream may emit row-image payloads this filter has no opinion on.
type DDLMarker struct {
	parser *sqlparser.Parser
}

// NewDDLMarker builds the marker with a default MySQL parser.
func NewDDLMarker() (*DDLMarker, error) {
	parser, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sql parser: %w", err)
	}
	return &DDLMarker{parser: parser}, nil
}

// Filter tags DDL statements; all events pass through.
func (m *DDLMarker) Filter(ev *event.Event) (*event.Event, error) {
	if ev.HasOption(event.OptionUnsafeForBlockCommit) || len(ev.Payload) == 0 {
		return ev, nil
	}

	stmt, err := m.parser.Parse(string(ev.Payload))
	if err != nil {
		// Not a statement payload; nothing to classify.
		return ev, nil
	}

	if _, ok := stmt.(sqlparser.DDLStatement); ok {
		return ev.WithMetadata(event.OptionUnsafeForBlockCommit, "true"), nil
	}
	return ev, nil
}
