package applier

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/cfg"
	"github.com/tejeswarp/tungsten-replicator/event"
	"github.com/tejeswarp/tungsten-replicator/pipeline"
)

func init() {
	Register("csv", func(config cfg.ApplierConfiguration) (pipeline.Applier, error) {
		spec := DefaultCsvSpec()
		if config.FieldSeparator != "" {
			spec.FieldSeparator = config.FieldSeparator
		}
		spec.UseHeaders = config.UseHeaders
		spec.UseQuotes = config.UseQuotes
		if config.NullValue != "" {
			spec.NullPolicy = NullAsValue
			spec.NullValue = config.NullValue
		}
		return NewCsvApplier(config.Name, config.Dir, spec)
	})
}

// NullPolicy selects how absent values are rendered.
type NullPolicy string

const (
	// NullSkip writes an empty unquoted field.
	NullSkip NullPolicy = "skip"
	// NullEmptyString writes an empty field; encoding/csv leaves it
	// unquoted, so the output is the same as NullSkip.
	NullEmptyString NullPolicy = "emptyString"
	// NullAsValue writes the configured NullValue literal.
	NullAsValue NullPolicy = "nullValue"
)

// CsvSpec pins the CSV conventions of a batch staging file so the bulk
// loader on the other side parses it back identically.
type CsvSpec struct {
	FieldSeparator  string
	RecordSeparator string
	UseHeaders      bool
	// UseQuotes is not read by the writer: encoding/csv quotes exactly
	// the fields that contain a separator, a quote or a line break.
	UseQuotes       bool
	NullPolicy      NullPolicy
	NullValue       string
	SuppressedChars string
}

// DefaultCsvSpec matches the conventions most bulk loaders accept
// unconfigured.
func DefaultCsvSpec() CsvSpec {
	return CsvSpec{
		FieldSeparator:  ",",
		RecordSeparator: "\n",
		NullPolicy:      NullSkip,
	}
}

var stageHeader = []string{"seqno", "fragno", "last_frag", "event_id", "shard", "payload"}

// CsvApplier stages committed blocks as CSV files for a bulk loader.
// Each commit writes one file named after the block's seqno range; the
// write is atomic (temp file plus rename) so a loader never sees a
// partial block.
type CsvApplier struct {
	name string
	dir  string
	spec CsvSpec

	mu            sync.Mutex
	pending       []*event.Event
	uncommitted   *event.Header
	lastCommitted *event.Header
}

// NewCsvApplier creates the staging directory if needed.
func NewCsvApplier(name, dir string, spec CsvSpec) (*CsvApplier, error) {
	if name == "" {
		return nil, fmt.Errorf("applier name is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("csv applier requires a staging directory")
	}
	if spec.FieldSeparator == "" {
		spec.FieldSeparator = ","
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &CsvApplier{name: name, dir: dir, spec: spec}, nil
}

// Apply buffers the event for the next staging file.
func (a *CsvApplier) Apply(ctx context.Context, ev *event.Event, commit, rollback, syncTHL bool) error {
	a.mu.Lock()
	if rollback {
		trimmed := a.pending[:0]
		for _, p := range a.pending {
			if p.Seqno != ev.Seqno {
				trimmed = append(trimmed, p)
			}
		}
		a.pending = trimmed
	} else {
		a.pending = append(a.pending, ev)
	}
	h := ev.Header()
	a.uncommitted = &h
	a.mu.Unlock()

	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// ApplyFiltered advances the position across a suppressed range.
func (a *CsvApplier) ApplyFiltered(ctx context.Context, fr event.FilteredRange, commit, syncTHL bool) error {
	a.mu.Lock()
	a.uncommitted = &fr.Last
	a.mu.Unlock()
	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// Commit writes the staged block to a CSV file atomically.
func (a *CsvApplier) Commit(ctx context.Context) error {
	a.mu.Lock()
	pending := a.pending
	header := a.uncommitted
	a.pending = nil
	a.uncommitted = nil
	a.mu.Unlock()

	if len(pending) > 0 {
		name := fmt.Sprintf("stage-%016d-%016d.csv", pending[0].Seqno, pending[len(pending)-1].Seqno)
		if err := a.writeFile(filepath.Join(a.dir, name), pending); err != nil {
			a.mu.Lock()
			a.pending = append(pending, a.pending...)
			if a.uncommitted == nil {
				a.uncommitted = header
			}
			a.mu.Unlock()
			return err
		}
		log.Debug().
			Str("applier", a.name).
			Str("file", name).
			Int("events", len(pending)).
			Msg("Staged block")
	}

	if header != nil {
		a.mu.Lock()
		a.lastCommitted = header
		a.mu.Unlock()
	}
	return nil
}

// Rollback discards the staged block.
func (a *CsvApplier) Rollback(ctx context.Context) error {
	a.mu.Lock()
	a.pending = nil
	a.uncommitted = nil
	a.mu.Unlock()
	return nil
}

// UpdatePosition advances the restart header without staging data.
func (a *CsvApplier) UpdatePosition(ctx context.Context, h event.Header, commit, recoverable bool) error {
	a.mu.Lock()
	a.uncommitted = &h
	a.mu.Unlock()
	if commit {
		return a.Commit(ctx)
	}
	return nil
}

// LastCommitted returns the header of the most recently committed event.
func (a *CsvApplier) LastCommitted() *event.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCommitted
}

func (a *CsvApplier) writeFile(path string, evs []*event.Event) error {
	tmp, err := os.CreateTemp(a.dir, ".stage-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Comma = rune(a.spec.FieldSeparator[0])
	w.UseCRLF = a.spec.RecordSeparator == "\r\n"

	if a.spec.UseHeaders {
		if err := w.Write(stageHeader); err != nil {
			tmp.Close()
			return err
		}
	}
	for _, ev := range evs {
		record := []string{
			strconv.FormatUint(ev.Seqno, 10),
			strconv.FormatUint(uint64(ev.Fragno), 10),
			strconv.FormatBool(ev.LastFrag),
			ev.EventID,
			ev.Shard(),
			a.renderField(ev.Payload),
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (a *CsvApplier) renderField(payload []byte) string {
	if payload == nil {
		switch a.spec.NullPolicy {
		case NullAsValue:
			return a.spec.NullValue
		default:
			return ""
		}
	}
	s := string(payload)
	for _, c := range a.spec.SuppressedChars {
		s = strings.ReplaceAll(s, string(c), "")
	}
	return s
}
