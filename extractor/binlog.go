package extractor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// eventBufferSize bounds the decode-ahead between the binlog stream and
// the stage loop.
const eventBufferSize = 256

// BinlogConfig points the extractor at an upstream server.
type BinlogConfig struct {
	Host     string
	Port     uint16
	User     string
	Password string
	ServerID uint32
	Flavor   string // "mysql" or "mariadb"
	Service  string // service tag stamped on every event
	SourceID string

	// Resume position; empty file means "start of current binlog".
	File string
	Pos  uint32

	// StartSeqno seeds the transaction counter; the first transaction
	// gets StartSeqno+1.
	StartSeqno uint64
}

// BinlogExtractor streams the upstream binlog, groups raw events into
// transactions, and exposes them through the pipeline extractor
// interface. Each raw statement or row event becomes one fragment; the
// commit marker closes the transaction.
type BinlogExtractor struct {
	cfg    BinlogConfig
	syncer *replication.BinlogSyncer

	ch      chan *event.Event
	errCh   chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewBinlogExtractor validates the configuration; Start opens the stream.
func NewBinlogExtractor(cfg BinlogConfig) (*BinlogExtractor, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("binlog extractor requires a host")
	}
	if cfg.ServerID == 0 {
		return nil, fmt.Errorf("binlog extractor requires a non-zero server id")
	}
	if cfg.Flavor == "" {
		cfg.Flavor = mysql.MySQLFlavor
	}
	return &BinlogExtractor{
		cfg:   cfg,
		ch:    make(chan *event.Event, eventBufferSize),
		errCh: make(chan error, 1),
	}, nil
}

// Start connects to the upstream server and begins streaming.
func (x *BinlogExtractor) Start() error {
	if x.started.Swap(true) {
		return fmt.Errorf("binlog extractor already started")
	}

	x.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: x.cfg.ServerID,
		Flavor:   x.cfg.Flavor,
		Host:     x.cfg.Host,
		Port:     x.cfg.Port,
		User:     x.cfg.User,
		Password: x.cfg.Password,
	})

	streamer, err := x.syncer.StartSync(mysql.Position{Name: x.cfg.File, Pos: x.cfg.Pos})
	if err != nil {
		x.syncer.Close()
		return fmt.Errorf("failed to start binlog sync at %s:%d: %w", x.cfg.File, x.cfg.Pos, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	x.wg.Add(1)
	go x.pump(ctx, streamer)

	log.Info().
		Str("host", x.cfg.Host).
		Uint32("server_id", x.cfg.ServerID).
		Str("file", x.cfg.File).
		Uint32("pos", x.cfg.Pos).
		Msg("Binlog extractor started")
	return nil
}

// Stop tears down the stream.
func (x *BinlogExtractor) Stop() {
	if !x.started.Load() {
		return
	}
	if x.cancel != nil {
		x.cancel()
	}
	x.syncer.Close()
	x.wg.Wait()
}

// pump converts the raw binlog stream into pipeline events.
func (x *BinlogExtractor) pump(ctx context.Context, streamer *replication.BinlogStreamer) {
	defer x.wg.Done()

	conv := &txnConverter{
		service:  x.cfg.Service,
		sourceID: x.cfg.SourceID,
		file:     x.cfg.File,
		seqno:    x.cfg.StartSeqno,
	}

	for {
		raw, err := streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case x.errCh <- fmt.Errorf("binlog stream failed: %w", err):
				default:
				}
			}
			return
		}
		for _, ev := range conv.convert(raw) {
			select {
			case x.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Extract returns the next converted event, blocking until one arrives.
func (x *BinlogExtractor) Extract(ctx context.Context) (event.Replicated, error) {
	select {
	case ev := <-x.ch:
		return ev, nil
	case err := <-x.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HasMore reports whether a converted event is already buffered.
func (x *BinlogExtractor) HasMore() bool {
	return len(x.ch) > 0
}

// txnConverter folds raw binlog events into fragment streams. One raw
// statement or row batch becomes one fragment; the commit marker closes
// the transaction by flagging the held-back fragment as last.
type txnConverter struct {
	service  string
	sourceID string
	file     string
	seqno    uint64
	fragno   uint32
	open     bool
	held     *event.Event
}

func (c *txnConverter) convert(raw *replication.BinlogEvent) []*event.Event {
	switch e := raw.Event.(type) {
	case *replication.RotateEvent:
		c.file = string(e.NextLogName)
		return nil

	case *replication.QueryEvent:
		query := string(e.Query)
		upper := strings.ToUpper(strings.TrimSpace(query))
		switch {
		case upper == "BEGIN":
			c.open = true
			c.fragno = 0
			c.seqno++
			return nil
		case upper == "COMMIT":
			return c.closeTxn()
		default:
			var out []*event.Event
			if c.open {
				// Statement inside an open transaction.
				out = c.flushHeld()
				c.held = c.fragment(raw, string(e.Schema), []byte(query))
				return out
			}
			// Autocommitted statement (DDL included): one-event txn.
			c.seqno++
			c.fragno = 0
			ev := c.fragment(raw, string(e.Schema), []byte(query))
			ev.LastFrag = true
			return []*event.Event{ev}
		}

	case *replication.RowsEvent:
		if !c.open {
			c.seqno++
			c.fragno = 0
			c.open = true
		}
		out := c.flushHeld()
		c.held = c.fragment(raw, string(e.Table.Schema), rowsPayload(e))
		return out

	case *replication.XIDEvent:
		return c.closeTxn()

	default:
		return nil
	}
}

func (c *txnConverter) closeTxn() []*event.Event {
	c.open = false
	if c.held == nil {
		return nil
	}
	c.held.LastFrag = true
	out := []*event.Event{c.held}
	c.held = nil
	return out
}

func (c *txnConverter) flushHeld() []*event.Event {
	if c.held == nil {
		return nil
	}
	out := []*event.Event{c.held}
	c.held = nil
	return out
}

func (c *txnConverter) fragment(raw *replication.BinlogEvent, schema string, payload []byte) *event.Event {
	meta := map[string]string{}
	if c.service != "" {
		meta[event.OptionService] = c.service
	}
	if schema != "" {
		meta[event.OptionShard] = schema
	} else {
		meta[event.OptionShard] = event.ShardUnknown
	}
	ev := &event.Event{
		Seqno:    c.seqno,
		Fragno:   c.fragno,
		EventID:  fmt.Sprintf("%s:%d", c.file, raw.Header.LogPos),
		SourceID: c.sourceID,
		Metadata: meta,
		Payload:  payload,
	}
	c.fragno++
	return ev
}

// rowsPayload flattens a row batch into an opaque payload. The applier
// side decodes it with the schema it maintains; the core only moves it.
func rowsPayload(e *replication.RowsEvent) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s rows=%d", e.Table.Schema, e.Table.Table, len(e.Rows))
	return []byte(b.String())
}
