package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejeswarp/tungsten-replicator/event"
)

func sqlEvent(statement string) *event.Event {
	return &event.Event{
		Seqno:    1,
		LastFrag: true,
		Payload:  []byte(statement),
	}
}

func TestDDLMarkerTagsSchemaChanges(t *testing.T) {
	m, err := NewDDLMarker()
	require.NoError(t, err)

	cases := []string{
		"ALTER TABLE users ADD COLUMN age INT",
		"CREATE TABLE orders (id BIGINT PRIMARY KEY)",
		"DROP TABLE sessions",
		"TRUNCATE TABLE audit_log",
	}
	for _, stmt := range cases {
		out, err := m.Filter(sqlEvent(stmt))
		require.NoError(t, err, stmt)
		require.NotNil(t, out, stmt)
		assert.True(t, out.HasOption(event.OptionUnsafeForBlockCommit), stmt)
	}
}

func TestDDLMarkerPassesDML(t *testing.T) {
	m, err := NewDDLMarker()
	require.NoError(t, err)

	cases := []string{
		"INSERT INTO users (id, name) VALUES (1, 'a')",
		"UPDATE users SET name = 'b' WHERE id = 1",
		"DELETE FROM users WHERE id = 1",
	}
	for _, stmt := range cases {
		out, err := m.Filter(sqlEvent(stmt))
		require.NoError(t, err, stmt)
		require.NotNil(t, out, stmt)
		assert.False(t, out.HasOption(event.OptionUnsafeForBlockCommit), stmt)
	}
}

func TestDDLMarkerIgnoresNonSQLPayloads(t *testing.T) {
	m, err := NewDDLMarker()
	require.NoError(t, err)

	ev := &event.Event{Seqno: 1, LastFrag: true, Payload: []byte{0x01, 0x02, 0xFF}}
	out, err := m.Filter(ev)
	require.NoError(t, err)
	assert.Same(t, ev, out)
}

func TestDDLMarkerKeepsExistingTag(t *testing.T) {
	m, err := NewDDLMarker()
	require.NoError(t, err)

	ev := sqlEvent("INSERT INTO t VALUES (1)").WithMetadata(event.OptionUnsafeForBlockCommit, "true")
	out, err := m.Filter(ev)
	require.NoError(t, err)
	assert.Same(t, ev, out)
}
