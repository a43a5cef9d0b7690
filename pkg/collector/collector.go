// Package collector reassembles the sequenced chunks of a single ERIS
// block back into the block's bytes, verifies its content address, and
// hands the result to the journal's blocks table. Grounded on
// ratman's procedures/collector.rs: a supervisor map from block hash to
// a per-block worker goroutine, fed frames one at a time and broadcasting
// completion on pkg/broadcast once every ordinal has arrived.
package collector

import (
	"bytes"
	"crypto/subtle"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/ratmesh/ratman/pkg/broadcast"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/journal"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
)

// BlockNotifier is broadcast once a block finishes reassembly, waking
// every stream assembler currently waiting on a missing block.
type BlockNotifier struct {
	Reference rid.Ident32
}

// workerChanCapacity matches the pack's channel(8) buffer for the
// per-block mpsc sender.
const workerChanCapacity = 8

type envelopeMsg struct {
	seq     rid.SequenceIdV1
	header  frame.CarrierFrameHeader
	payload []byte
}

// Collector is the block-reassembly supervisor.
type Collector struct {
	mu      sync.RWMutex
	workers map[rid.Ident32]chan envelopeMsg

	journal  *journal.Journal
	tables   *store.Tables
	notifier *broadcast.Group[BlockNotifier]
	log      zerolog.Logger
}

// Open wires a Collector on top of an already-open journal and metadata
// store, and the BlockNotifier broadcast group the ingress assembler
// subscribes to.
func Open(j *journal.Journal, tables *store.Tables, notifier *broadcast.Group[BlockNotifier], log zerolog.Logger) *Collector {
	return &Collector{
		workers:  make(map[rid.Ident32]chan envelopeMsg),
		journal:  j,
		tables:   tables,
		notifier: notifier,
		log:      log.With().Str("component", "collector").Logger(),
	}
}

// QueueAndSpawn records hdr/payload's ordinal in its incomplete block
// entry and persists the chunk itself in the journal's frames table (the
// rows Restore replays), then forwards it to that block's worker
// goroutine, spawning one if this is the first chunk seen for the hash.
func (c *Collector) QueueAndSpawn(hdr frame.CarrierFrameHeader, payload []byte) error {
	if hdr.SeqID == nil || !hdr.SeqID.Valid() {
		return &frame.ParseError{Reason: "collector: frame missing a valid sequence id"}
	}
	seq := *hdr.SeqID

	if err := c.persistIncomplete(seq); err != nil {
		return err
	}
	if err := c.journal.FrameQueue(hdr, payload); err != nil {
		return err
	}

	c.mu.RLock()
	ch, ok := c.workers[seq.Hash]
	c.mu.RUnlock()

	if ok {
		ch <- envelopeMsg{seq: seq, header: hdr, payload: payload}
		return nil
	}

	c.mu.Lock()
	ch, ok = c.workers[seq.Hash]
	if !ok {
		ch = make(chan envelopeMsg, workerChanCapacity)
		c.workers[seq.Hash] = ch
		go c.runWorker(seq.Hash, seq.Max, ch)
	}
	c.mu.Unlock()

	ch <- envelopeMsg{seq: seq, header: hdr, payload: payload}
	return nil
}

func (c *Collector) persistIncomplete(seq rid.SequenceIdV1) error {
	key := seq.Hash.String()
	existing, err := c.tables.Incomplete.Get(key)
	if err == store.ErrNotFound {
		return c.tables.Incomplete.Insert(key, store.IncompleteBlockData{
			MaxNum: seq.Max,
			Buffer: []uint8{seq.Num},
		})
	}
	if err != nil {
		return err
	}
	existing.Buffer = append(existing.Buffer, seq.Num)
	return c.tables.Incomplete.Insert(key, existing)
}

func (c *Collector) runWorker(hash rid.Ident32, max uint8, ch chan envelopeMsg) {
	buf := make([]frame.CarrierFrameHeader, 0, int(max)+1)
	payloads := make([][]byte, 0, int(max)+1)

	insert := func(num uint8, hdr frame.CarrierFrameHeader, payload []byte) {
		idx := int(num)
		if idx >= len(payloads) {
			for len(payloads) <= idx {
				payloads = append(payloads, nil)
				buf = append(buf, frame.CarrierFrameHeader{})
			}
		}
		payloads[idx] = payload
		buf[idx] = hdr
	}

	count := func() int {
		n := 0
		for _, p := range payloads {
			if p != nil {
				n++
			}
		}
		return n
	}

	for msg := range ch {
		insert(msg.seq.Num, msg.header, msg.payload)

		if count() != int(max)+1 {
			continue
		}

		var data bytes.Buffer
		complete := true
		for _, p := range payloads {
			if p == nil {
				complete = false
				break
			}
			data.Write(p)
		}
		if !complete {
			continue
		}

		sum := blake2b.Sum256(data.Bytes())
		if subtle.ConstantTimeCompare(sum[:], hash.Bytes()) != 1 {
			c.log.Warn().Str("block", hash.PrettyString()).Msg("reassembled block failed content-address verification, discarding")
		} else if err := c.journal.Blocks.Insert(hash, data.Bytes()); err != nil {
			c.log.Warn().Err(err).Str("block", hash.PrettyString()).Msg("failed to persist reassembled block")
		} else {
			c.notifier.Send(BlockNotifier{Reference: hash})
		}

		if err := c.tables.Incomplete.Remove(hash.String()); err != nil {
			c.log.Warn().Err(err).Str("block", hash.PrettyString()).Msg("failed to remove incomplete entry")
		}

		c.mu.Lock()
		delete(c.workers, hash)
		c.mu.Unlock()
		return
	}
}

// Restore replays every row of the incomplete table, re-enqueuing each of
// its previously persisted frames (found by prefix scan on the frames
// table) through QueueAndSpawn. This reconstructs in-flight workers after
// a restart without any special-cased recovery path, exactly mirroring
// the chunk delivery a live switch would have produced.
func (c *Collector) Restore() error {
	rows, err := c.tables.Incomplete.Iter()
	if err != nil {
		return err
	}
	for _, row := range rows {
		hash, err := rid.FromString(row.Key)
		if err != nil {
			c.log.Warn().Err(err).Str("key", row.Key).Msg("skipping unparsable incomplete block key")
			continue
		}
		frames, err := c.journal.FetchFrames(hash)
		if err != nil {
			c.log.Warn().Err(err).Str("block", hash.PrettyString()).Msg("failed to fetch frames for restore")
			continue
		}
		for _, f := range frames {
			if err := c.QueueAndSpawn(f.Value.Header, f.Value.Payload); err != nil {
				c.log.Warn().Err(err).Str("block", hash.PrettyString()).Msg("failed to restore queued frame")
			}
		}
	}
	return nil
}
