package extractor

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildQueryEventBody assembles a raw query log event body.
func buildQueryEventBody(schema string, query []byte, statusVars []byte) []byte {
	body := make([]byte, qDataOffset)
	binary.LittleEndian.PutUint32(body[qThreadIDOffset:], 77)
	binary.LittleEndian.PutUint32(body[qExecTimeOffset:], 3)
	body[qDBLenOffset] = byte(len(schema))
	binary.LittleEndian.PutUint16(body[qErrCodeOffset:], 0)
	binary.LittleEndian.PutUint16(body[qStatusVarsLenOffset:], uint16(len(statusVars)))

	body = append(body, statusVars...)
	body = append(body, []byte(schema)...)
	body = append(body, 0) // schema null terminator
	body = append(body, query...)
	return body
}

func charsetVars(client, connection, server uint16) []byte {
	vars := []byte{qCharsetCode}
	var buf [6]byte
	binary.LittleEndian.PutUint16(buf[0:], client)
	binary.LittleEndian.PutUint16(buf[2:], connection)
	binary.LittleEndian.PutUint16(buf[4:], server)
	return append(vars, buf[:]...)
}

func TestDecodeQueryEventBasics(t *testing.T) {
	d, err := NewQueryDecoder()
	require.NoError(t, err)

	body := buildQueryEventBody("shop", []byte("INSERT INTO t VALUES (1)"), charsetVars(33, 33, 8))
	ev, err := d.Decode(body)
	require.NoError(t, err)

	assert.Equal(t, uint32(77), ev.ThreadID)
	assert.Equal(t, uint32(3), ev.ExecTime)
	assert.Equal(t, uint16(0), ev.ErrorCode)
	assert.Equal(t, "shop", ev.Schema)
	assert.Equal(t, "INSERT INTO t VALUES (1)", ev.Query)
	assert.Equal(t, uint16(33), ev.ClientCharsetID)
	assert.Equal(t, uint16(33), ev.ConnectionCollationID)
	assert.Equal(t, uint16(8), ev.ServerCollationID)
}

func TestDecodeLatin1Query(t *testing.T) {
	d, err := NewQueryDecoder()
	require.NoError(t, err)

	// 0xE9 is é in latin1.
	raw := append([]byte("INSERT INTO caf"), 0xE9)
	body := buildQueryEventBody("shop", raw, charsetVars(8, 8, 8))
	ev, err := d.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO café", ev.Query)
}

func TestDecodeStatusVariables(t *testing.T) {
	d, err := NewQueryDecoder()
	require.NoError(t, err)

	var vars []byte
	// flags2
	vars = append(vars, qFlags2Code, 0x01, 0x00, 0x00, 0x00)
	// sql mode
	vars = append(vars, qSQLModeCode)
	var mode [8]byte
	binary.LittleEndian.PutUint64(mode[:], 0x80000)
	vars = append(vars, mode[:]...)
	// auto increment
	vars = append(vars, qAutoIncrement, 2, 0, 1, 0)
	// charset
	vars = append(vars, charsetVars(33, 33, 33)...)
	// time zone
	vars = append(vars, qTimeZoneCode, 6)
	vars = append(vars, []byte("SYSTEM")...)
	// catalog (nz)
	vars = append(vars, qCatalogNZCode, 3)
	vars = append(vars, []byte("std")...)

	body := buildQueryEventBody("db1", []byte("SELECT 1"), vars)
	ev, err := d.Decode(body)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), ev.Flags2)
	assert.Equal(t, uint64(0x80000), ev.SQLMode)
	assert.Equal(t, uint16(2), ev.AutoIncrementIncr)
	assert.Equal(t, uint16(1), ev.AutoIncrementOffset)
	assert.Equal(t, "SYSTEM", ev.TimeZone)
	assert.Equal(t, "std", ev.Catalog)
	assert.Equal(t, "db1", ev.Schema)
	assert.Equal(t, "SELECT 1", ev.Query)
}

func TestDecodeTranslatorCacheReuse(t *testing.T) {
	d, err := NewQueryDecoder()
	require.NoError(t, err)

	body := buildQueryEventBody("shop", []byte("SELECT 1"), charsetVars(8, 8, 8))
	_, err = d.Decode(body)
	require.NoError(t, err)
	_, err = d.Decode(body)
	require.NoError(t, err)

	assert.Equal(t, 1, d.translators.Len())

	// A different charset builds a second translator.
	body = buildQueryEventBody("shop", []byte("SELECT 1"), charsetVars(33, 33, 33))
	_, err = d.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, 2, d.translators.Len())
}

func TestDecodeRejectsTruncatedEvents(t *testing.T) {
	d, err := NewQueryDecoder()
	require.NoError(t, err)

	_, err = d.Decode([]byte{0x01, 0x02})
	assert.Error(t, err)

	// Status length pointing past the end.
	body := buildQueryEventBody("db", []byte("SELECT 1"), nil)
	binary.LittleEndian.PutUint16(body[qStatusVarsLenOffset:], 200)
	_, err = d.Decode(body)
	assert.Error(t, err)
}

func TestDecodeUnknownStatusVariable(t *testing.T) {
	d, err := NewQueryDecoder()
	require.NoError(t, err)

	body := buildQueryEventBody("db", []byte("SELECT 1"), []byte{0x7F})
	_, err = d.Decode(body)
	assert.Error(t, err)
}
