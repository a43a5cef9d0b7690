package journal

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
)

// MessageNotifier is emitted on the ingress channel whenever a full
// manifest has been queued and is ready for the stream assembler to act
// on.
type MessageNotifier struct {
	StreamID rid.Ident32
}

// notifierChanCapacity bounds the ingress channel's backpressure: once 8
// manifests are queued and unconsumed, QueueManifest blocks rather than
// growing memory without limit.
const notifierChanCapacity = 8

// Journal owns the blocks and frames tables plus the in-memory known-frame
// set, and is the single choke point data passes through on its way from
// the frame switch to the collector and ingress assembler.
type Journal struct {
	Blocks *Blocks

	tables *store.Tables
	known  *knownSet
	notify chan MessageNotifier
	log    zerolog.Logger
}

// Open wires a Journal on top of an already-open metadata store and
// sqlite handle.
func Open(db *store.DB, tables *store.Tables, log zerolog.Logger) (*Journal, error) {
	blocks, err := OpenBlocks(db, log)
	if err != nil {
		return nil, err
	}
	return &Journal{
		Blocks: blocks,
		tables: tables,
		known:  newKnownSet(),
		notify: make(chan MessageNotifier, notifierChanCapacity),
		log:    log.With().Str("component", "journal").Logger(),
	}, nil
}

// Notifications returns the channel the ingress assembler reads
// MessageNotifier values from.
func (j *Journal) Notifications() <-chan MessageNotifier {
	return j.notify
}

// FrameQueue persists a single data/manifest chunk under its composite
// "<block_hash>::<num>" key. Idempotent: re-queuing the same (hash, num)
// just overwrites the identical bytes.
func (j *Journal) FrameQueue(hdr frame.CarrierFrameHeader, payload []byte) error {
	if hdr.SeqID == nil {
		return fmt.Errorf("journal: frame_queue requires a sequence id")
	}
	key := store.FrameEntryKey(hdr.SeqID.Hash, hdr.SeqID.Num)
	return j.tables.Frames.Insert(key, store.FrameEntry{Header: hdr, Payload: payload})
}

// FetchFrames returns every queued chunk belonging to the block addressed
// by hash, in lexicographic key order (not ordinal order — callers that
// care about chunk order, like the collector, re-sort by Num).
func (j *Journal) FetchFrames(hash rid.Ident32) ([]store.Entry[store.FrameEntry], error) {
	return j.tables.Frames.Prefix(hash.String() + "::")
}

// QueueManifest persists manifest/recipient under the stream's message id
// and notifies the ingress assembler. Blocks if the notification channel
// is full (8 outstanding), applying backpressure to whichever goroutine
// handed the manifest to the switch.
func (j *Journal) QueueManifest(streamID rid.Ident32, manifest frame.ManifestFrameV1, recipient rid.Recipient) error {
	if err := j.tables.Manifests.Insert(streamID.String(), store.ManifestEntry{Manifest: manifest, Recipient: recipient}); err != nil {
		return err
	}
	j.notify <- MessageNotifier{StreamID: streamID}
	return nil
}

// IsUnknown reports whether fid has not yet been flooded/processed by
// this router. Used by the switch to decide whether to re-flood an
// announce, data, or manifest frame.
func (j *Journal) IsUnknown(fid rid.Ident32) bool {
	return j.known.isUnknown(fid)
}

// SaveAsKnown marks fid as seen. Returns true exactly once per fid, the
// first time it's called — callers use this to flood only on the
// transition into "known".
func (j *Journal) SaveAsKnown(fid rid.Ident32) bool {
	return j.known.saveAsKnown(fid)
}
