// Package extractor pulls events out of an upstream MySQL binlog and
// adapts them to the replication pipeline.
package extractor

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/encoding/charmap"
)

// Status variable codes carried in a query log event's status block.
const (
	qFlags2Code          = 0x00
	qSQLModeCode         = 0x01
	qCatalogCode         = 0x02
	qAutoIncrement       = 0x03
	qCharsetCode         = 0x04
	qTimeZoneCode        = 0x05
	qCatalogNZCode       = 0x06
	qLcTimeNamesCode     = 0x07
	qCharsetDatabaseCode = 0x08
)

// Fixed offsets of the post-header fields in a query log event body.
const (
	qThreadIDOffset      = 0
	qExecTimeOffset      = 4
	qDBLenOffset         = 8
	qErrCodeOffset       = 9
	qStatusVarsLenOffset = 11
	qDataOffset          = 13
)

// QueryEvent is the decoded form of an upstream statement event: the
// schema and query plus the session state needed to replay it faithfully.
type QueryEvent struct {
	ThreadID  uint32
	ExecTime  uint32
	ErrorCode uint16
	Schema    string
	Query     string

	Flags2                uint32
	SQLMode               uint64
	Catalog               string
	AutoIncrementIncr     uint16
	AutoIncrementOffset   uint16
	ClientCharsetID       uint16
	ConnectionCollationID uint16
	ServerCollationID     uint16
	TimeZone              string
	LcTimeNames           uint16
	CharsetDatabase       uint16
}

// translatorCacheSize bounds the per-decoder charset translator cache.
// A server rarely uses more than a handful of connection charsets.
const translatorCacheSize = 32

// QueryDecoder decodes query log event bodies. Each decoder owns its
// charset translator cache; translators are built lazily per charset and
// evicted LRU.
type QueryDecoder struct {
	translators *lru.Cache[uint16, *statementTranslator]
}

// NewQueryDecoder creates a decoder with an empty translator cache.
func NewQueryDecoder() (*QueryDecoder, error) {
	cache, err := lru.New[uint16, *statementTranslator](translatorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create translator cache: %w", err)
	}
	return &QueryDecoder{translators: cache}, nil
}

// Decode parses a query log event body (the bytes following the common
// binlog event header).
func (d *QueryDecoder) Decode(body []byte) (*QueryEvent, error) {
	if len(body) < qDataOffset {
		return nil, fmt.Errorf("query event too short: %d bytes", len(body))
	}

	ev := &QueryEvent{
		ThreadID:  binary.LittleEndian.Uint32(body[qThreadIDOffset:]),
		ExecTime:  binary.LittleEndian.Uint32(body[qExecTimeOffset:]),
		ErrorCode: binary.LittleEndian.Uint16(body[qErrCodeOffset:]),
	}
	dbLen := int(body[qDBLenOffset])
	statusLen := int(binary.LittleEndian.Uint16(body[qStatusVarsLenOffset:]))

	statusEnd := qDataOffset + statusLen
	if statusEnd > len(body) {
		return nil, fmt.Errorf("status block overruns event: %d > %d", statusEnd, len(body))
	}
	if err := d.decodeStatusVars(ev, body[qDataOffset:statusEnd]); err != nil {
		return nil, err
	}

	pos := statusEnd
	if pos+dbLen+1 > len(body) {
		return nil, fmt.Errorf("schema name overruns event")
	}
	ev.Schema = string(body[pos : pos+dbLen])
	pos += dbLen + 1 // trailing null

	translator := d.translator(ev.ClientCharsetID)
	query, err := translator.toString(body[pos:])
	if err != nil {
		return nil, fmt.Errorf("failed to translate query in charset %d: %w", ev.ClientCharsetID, err)
	}
	ev.Query = query
	return ev, nil
}

func (d *QueryDecoder) decodeStatusVars(ev *QueryEvent, vars []byte) error {
	pos := 0
	for pos < len(vars) {
		code := vars[pos]
		pos++
		switch code {
		case qFlags2Code:
			if pos+4 > len(vars) {
				return truncated(code)
			}
			ev.Flags2 = binary.LittleEndian.Uint32(vars[pos:])
			pos += 4
		case qSQLModeCode:
			if pos+8 > len(vars) {
				return truncated(code)
			}
			ev.SQLMode = binary.LittleEndian.Uint64(vars[pos:])
			pos += 8
		case qCatalogCode:
			// Length-prefixed, null-terminated.
			if pos >= len(vars) {
				return truncated(code)
			}
			n := int(vars[pos])
			pos++
			if pos+n+1 > len(vars) {
				return truncated(code)
			}
			ev.Catalog = string(vars[pos : pos+n])
			pos += n + 1
		case qCatalogNZCode:
			if pos >= len(vars) {
				return truncated(code)
			}
			n := int(vars[pos])
			pos++
			if pos+n > len(vars) {
				return truncated(code)
			}
			ev.Catalog = string(vars[pos : pos+n])
			pos += n
		case qAutoIncrement:
			if pos+4 > len(vars) {
				return truncated(code)
			}
			ev.AutoIncrementIncr = binary.LittleEndian.Uint16(vars[pos:])
			ev.AutoIncrementOffset = binary.LittleEndian.Uint16(vars[pos+2:])
			pos += 4
		case qCharsetCode:
			if pos+6 > len(vars) {
				return truncated(code)
			}
			ev.ClientCharsetID = binary.LittleEndian.Uint16(vars[pos:])
			ev.ConnectionCollationID = binary.LittleEndian.Uint16(vars[pos+2:])
			ev.ServerCollationID = binary.LittleEndian.Uint16(vars[pos+4:])
			pos += 6
		case qTimeZoneCode:
			if pos >= len(vars) {
				return truncated(code)
			}
			n := int(vars[pos])
			pos++
			if pos+n > len(vars) {
				return truncated(code)
			}
			ev.TimeZone = string(vars[pos : pos+n])
			pos += n
		case qLcTimeNamesCode:
			if pos+2 > len(vars) {
				return truncated(code)
			}
			ev.LcTimeNames = binary.LittleEndian.Uint16(vars[pos:])
			pos += 2
		case qCharsetDatabaseCode:
			if pos+2 > len(vars) {
				return truncated(code)
			}
			ev.CharsetDatabase = binary.LittleEndian.Uint16(vars[pos:])
			pos += 2
		default:
			// Unknown status variable: the remaining block cannot be
			// parsed because lengths are code-specific.
			return fmt.Errorf("unknown status variable code 0x%02x", code)
		}
	}
	return nil
}

func truncated(code byte) error {
	return fmt.Errorf("truncated status variable 0x%02x", code)
}

// translator returns the cached translator for a charset, building it on
// first use.
func (d *QueryDecoder) translator(charsetID uint16) *statementTranslator {
	if t, ok := d.translators.Get(charsetID); ok {
		return t
	}
	t := newStatementTranslator(charsetID)
	d.translators.Add(charsetID, t)
	return t
}

// statementTranslator converts raw statement bytes in a connection
// charset to UTF-8.
type statementTranslator struct {
	charsetID uint16
	decode    func([]byte) (string, error)
}

func newStatementTranslator(charsetID uint16) *statementTranslator {
	t := &statementTranslator{charsetID: charsetID}
	switch charsetID {
	case 8, 5, 48: // latin1 collations
		t.decode = charmapDecode(charmap.ISO8859_1)
	case 3: // latin2
		t.decode = charmapDecode(charmap.ISO8859_2)
	default:
		// utf8, utf8mb4, binary, and anything unrecognized pass through.
		t.decode = func(b []byte) (string, error) {
			return string(b), nil
		}
	}
	return t
}

func (t *statementTranslator) toString(b []byte) (string, error) {
	return t.decode(b)
}

func charmapDecode(cm *charmap.Charmap) func([]byte) (string, error) {
	return func(b []byte) (string, error) {
		out, err := cm.NewDecoder().Bytes(b)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}
