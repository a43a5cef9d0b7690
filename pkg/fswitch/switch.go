// Package fswitch implements the frame switch: one goroutine per link,
// pulling frames via its Driver.Next and applying the demultiplexing
// decision table (announce vs. data vs. manifest, local vs. remote vs.
// namespace recipient). Grounded on
// original_source/ratman/src/procedures/switch.rs.
package fswitch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/collector"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/journal"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/routes"
	"github.com/ratmesh/ratman/pkg/store"
)

// Switch owns the shared state every per-link goroutine demultiplexes
// against: the link registry (for flooding), the route table, the
// journal (flood de-duplication, manifest/unreachable-frame queueing),
// and the block collector.
type Switch struct {
	links     *link.Map
	routes    *routes.Table
	journal   *journal.Journal
	collector *collector.Collector
	log       zerolog.Logger
}

// New wires a Switch over the shared router state.
func New(links *link.Map, rt *routes.Table, j *journal.Journal, c *collector.Collector, log zerolog.Logger) *Switch {
	return &Switch{
		links:     links,
		routes:    rt,
		journal:   j,
		collector: c,
		log:       log.With().Str("component", "fswitch").Logger(),
	}
}

// Run spawns one switching goroutine per registered link and blocks until
// ctx is cancelled. Each goroutine pulls with link.Driver.Next and
// demultiplexes independently — they share no per-goroutine state, only
// the Switch's route table, journal, and collector, each already safe for
// concurrent use.
func (s *Switch) Run(ctx context.Context) {
	var epIdxs []int
	s.links.Each(func(epIdx int, d link.Driver) {
		epIdxs = append(epIdxs, epIdx)
	})
	for _, epIdx := range epIdxs {
		go s.runLink(ctx, epIdx)
	}
	<-ctx.Done()
}

func (s *Switch) runLink(ctx context.Context, epIdx int) {
	d, ok := s.links.Get(epIdx)
	if !ok {
		return
	}
	linkName := s.links.Name(epIdx)
	log := s.log.With().Str("link", linkName).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, neighbour, err := d.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("link read failed, dropping and continuing")
			continue
		}

		s.dispatch(ctx, epIdx, linkName, neighbour, env, log)
	}
}

// dispatch applies spec.md's demultiplexing decision table to one
// received envelope.
func (s *Switch) dispatch(ctx context.Context, epIdx int, linkName string, neighbour link.Neighbour, env link.Envelope, log zerolog.Logger) {
	hdr := env.Header

	switch {
	case hdr.Modes.Has(frame.ModeAnnounce):
		s.handleAnnounce(ctx, epIdx, linkName, neighbour, env, log)

	case hdr.Recipient != nil && hdr.Recipient.Kind == rid.RecipientAddress:
		s.handleAddressed(ctx, epIdx, linkName, neighbour, env, log)

	case hdr.Recipient != nil && hdr.Recipient.Kind == rid.RecipientNamespace:
		s.handleNamespace(ctx, epIdx, linkName, neighbour, env, log)

	default:
		log.Warn().Str("modes", hdr.Modes.String()).Msg("ignoring unknown/invalid frame type")
	}
}

func (s *Switch) handleAnnounce(ctx context.Context, epIdx int, linkName string, neighbour link.Neighbour, env link.Envelope, log zerolog.Logger) {
	hdr := env.Header
	if hdr.SeqID == nil {
		log.Warn().Msg("received announce frame with invalid sequence id, ignoring")
		return
	}
	announceID := hdr.SeqID.Hash

	if !s.journal.SaveAsKnown(announceID) {
		return
	}
	log.Debug().Str("sender", hdr.Sender.PrettyString()).Msg("received announcement")

	// The announce payload itself is the bit-exact encoding of the route
	// hint (AnnounceFrameV1 carries nothing else); persist it as-is rather
	// than re-encoding a freshly parsed copy.
	pair := store.EpNeighbourPair{EpIdx: uint32(epIdx), Neighbour: neighbour.Neighbour}
	if err := s.routes.Update(pair, hdr.Sender, env.Payload); err != nil {
		log.Warn().Err(err).Msg("failed to update route table from announcement")
	}

	s.floodExcept(ctx, env, linkName, neighbour.Neighbour, log)
}

func (s *Switch) handleAddressed(ctx context.Context, epIdx int, linkName string, neighbour link.Neighbour, env link.Envelope, log zerolog.Logger) {
	hdr := env.Header
	addr := hdr.Recipient.Address()

	isLocal, err := s.routes.IsLocal(addr)
	if err != nil {
		log.Warn().Err(err).Msg("route lookup failed")
		return
	}
	if isLocal {
		switch {
		case hdr.Modes.Has(frame.ModeData):
			if err := s.collector.QueueAndSpawn(hdr, env.Payload); err != nil {
				log.Warn().Err(err).Interface("seq", hdr.SeqID).Msg("failed to queue frame in sequence")
			}
			return
		case hdr.Modes.Has(frame.ModeManifest):
			s.queueManifest(hdr, env.Payload, log)
			return
		default:
			log.Warn().Str("modes", hdr.Modes.String()).Msg("received invalid frame type for local address")
			return
		}
	}

	reachable, err := s.routes.Reachable(addr)
	if err != nil {
		log.Warn().Err(err).Msg("route lookup failed")
		return
	}
	if reachable {
		s.forward(ctx, addr, env, log)
		return
	}

	if err := s.journal.FrameQueue(hdr, env.Payload); err != nil {
		log.Warn().Err(err).Msg("failed to queue frame for unreachable address")
	}
}

func (s *Switch) handleNamespace(ctx context.Context, epIdx int, linkName string, neighbour link.Neighbour, env link.Envelope, log zerolog.Logger) {
	hdr := env.Header
	if !hdr.Modes.Has(frame.ModeData) && !hdr.Modes.Has(frame.ModeManifest) {
		log.Warn().Str("modes", hdr.Modes.String()).Msg("ignoring non data/manifest namespace frame")
		return
	}
	if hdr.SeqID == nil {
		log.Warn().Msg("received namespace frame with invalid sequence id, ignoring")
		return
	}
	announceID := hdr.SeqID.Hash
	if !s.journal.SaveAsKnown(announceID) {
		return
	}
	s.floodExcept(ctx, env, linkName, neighbour.Neighbour, log)
}

func (s *Switch) queueManifest(hdr frame.CarrierFrameHeader, payload []byte, log zerolog.Logger) {
	manifest, err := frame.ParseManifestFrameV1(payload)
	if err != nil {
		log.Warn().Err(err).Msg("failed to parse manifest frame, dropping")
		return
	}
	recipient := rid.NewRecipientAddress(hdr.Sender)
	if err := s.journal.QueueManifest(manifest.Root, manifest, recipient); err != nil {
		log.Warn().Err(err).Msg("failed to queue manifest; this will result in an unrecoverable block")
	}
}

// forward resolves addr through the route table and re-sends the
// envelope, unmodified, on the best known link.
func (s *Switch) forward(ctx context.Context, addr rid.Address, env link.Envelope, log zerolog.Logger) {
	pair, ok, err := s.routes.Resolve(addr)
	if err != nil {
		log.Warn().Err(err).Msg("route resolution failed")
		return
	}
	if !ok {
		if err := s.journal.FrameQueue(env.Header, env.Payload); err != nil {
			log.Warn().Err(err).Msg("failed to queue unresolvable frame")
		}
		return
	}
	d, ok := s.links.Get(int(pair.EpIdx))
	if !ok {
		log.Warn().Uint32("ep_idx", pair.EpIdx).Msg("route points at an unregistered link")
		return
	}
	if err := d.Send(ctx, env, link.Single(pair.Neighbour), nil); err != nil {
		log.Warn().Err(err).Msg("forward send failed")
	}
}

// floodExcept re-sends env on every registered link except the single
// (linkName, neighbour) pair the frame arrived on.
func (s *Switch) floodExcept(ctx context.Context, env link.Envelope, exceptLinkName string, exceptNeighbour rid.Ident32, log zerolog.Logger) {
	s.links.Each(func(epIdx int, d link.Driver) {
		if s.links.Name(epIdx) == exceptLinkName {
			exclude := exceptNeighbour
			if err := d.Send(ctx, env, link.Flood(), &exclude); err != nil {
				log.Debug().Err(err).Str("link", exceptLinkName).Msg("flood send failed")
			}
			return
		}
		if err := d.Send(ctx, env, link.Flood(), nil); err != nil {
			log.Debug().Err(err).Str("link", s.links.Name(epIdx)).Msg("flood send failed")
		}
	})
}
