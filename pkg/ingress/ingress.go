// Package ingress implements the stream assembler: on every queued
// manifest it spawns a goroutine that repeatedly attempts an ERIS decode
// of the full message, waiting on the block collector's completion
// broadcast between attempts, and on success either wakes an active
// subscription listener or persists the message as a missed item.
// Grounded on original_source/ratman/src/procedures/ingress.rs.
package ingress

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/broadcast"
	"github.com/ratmesh/ratman/pkg/collector"
	"github.com/ratmesh/ratman/pkg/eris"
	"github.com/ratmesh/ratman/pkg/journal"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
	"github.com/ratmesh/ratman/pkg/subs"
)

// Assembler owns the state each reassembly goroutine reads from: the
// journal (manifests table, blocks, completion notifications) and the
// subscription manager it hands finished messages to.
type Assembler struct {
	journal       *journal.Journal
	tables        *store.Tables
	blockNotifier *broadcast.Group[collector.BlockNotifier]
	subs          *subs.Manager
	log           zerolog.Logger
}

// New wires an Assembler over the shared journal, manifests table, block
// completion broadcaster, and subscription manager.
func New(j *journal.Journal, tables *store.Tables, blockNotifier *broadcast.Group[collector.BlockNotifier], s *subs.Manager, log zerolog.Logger) *Assembler {
	return &Assembler{
		journal:       j,
		tables:        tables,
		blockNotifier: blockNotifier,
		subs:          s,
		log:           log.With().Str("component", "ingress").Logger(),
	}
}

// Run reads journal.MessageNotifier values until ctx is cancelled,
// spawning one reassembly goroutine per manifest so a slow or stuck
// stream never blocks the next notification.
func (a *Assembler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-a.journal.Notifications():
			if !ok {
				return
			}
			go a.reassemble(ctx, n.StreamID)
		}
	}
}

// reassemble attempts to decode the full message addressed by streamID,
// retrying on every block-collector completion until it succeeds or ctx
// is cancelled, then routes the result to a subscription listener or
// persists it as missed.
func (a *Assembler) reassemble(ctx context.Context, streamID rid.Ident32) {
	log := a.log.With().Str("stream", streamID.PrettyString()).Logger()

	entry, err := a.tables.Manifests.Get(streamID.String())
	if err != nil {
		log.Warn().Err(err).Msg("no manifest queued for this stream id")
		return
	}
	capability := eris.FromManifest(entry.Manifest)

	recv := a.blockNotifier.Subscribe()
	defer recv.Unsubscribe()

	for {
		err := eris.Decode(io.Discard, capability, a.journal.Blocks)
		if err == nil {
			break
		}
		log.Debug().Err(err).Msg("message stream incomplete, waiting for more blocks")

		select {
		case <-ctx.Done():
			return
		case _, ok := <-recv.C():
			if !ok {
				return
			}
			continue
		}
	}

	log.Debug().Msg("message stream fully reassembled")

	item := subs.DeliveredItem{Letterhead: entry.Manifest.Letterhead, Capability: capability}
	if a.subs.Dispatch(entry.Recipient, item) {
		return
	}

	if err := a.subs.MissedItem(entry.Recipient, entry.Manifest.Letterhead, entry.Manifest); err != nil {
		log.Warn().Err(err).Msg("failed to persist missed item; a listener may never see this message")
	}
}
