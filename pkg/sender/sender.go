// Package sender implements the outbound half of message delivery: one
// dedicated pipeline per ERIS block size, each walking a read capability's
// block tree, slicing every visited block into MTU-bounded carrier
// frames, and dispatching them through the route table and link map.
// Grounded on original_source/ratman/src/procedures/send.rs (the
// per-block-size dedicated worker) and slicer.rs (BlockSlicer).
package sender

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/eris"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/rerr"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/routes"
)

// requestChanCapacity mirrors send.rs's channel(32) for the per-block-size
// input queue.
const requestChanCapacity = 32

// Request is a single outbound message: the root of an already-ERIS-
// encoded block tree, plus the Letterhead and addressing to attach to its
// manifest and data frames.
type Request struct {
	Cap        eris.ReadCapability
	Letterhead frame.Letterhead
	Sender     rid.Address
	Recipient  rid.Recipient
}

// Pipeline is one dedicated worker for a single ERIS block size. A router
// runs two: one for BlockSize1K, one for BlockSize32K.
type Pipeline struct {
	blockSize frame.BlockSize
	storage   eris.BlockStorage
	routes    *routes.Table
	links     *link.Map
	requests  chan Request
	log       zerolog.Logger
}

// New wires a Pipeline for blockSize over the shared route table and link
// map. storage is the journal's block store, read from during tree
// traversal.
func New(blockSize frame.BlockSize, storage eris.BlockStorage, rt *routes.Table, links *link.Map, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		blockSize: blockSize,
		storage:   storage,
		routes:    rt,
		links:     links,
		requests:  make(chan Request, requestChanCapacity),
		log:       log.With().Str("component", "sender").Str("block_size", fmt.Sprint(blockSize.Bytes())).Logger(),
	}
}

// Submit enqueues req for sending. Blocks if the pipeline's input channel
// is full.
func (p *Pipeline) Submit(req Request) {
	p.requests <- req
}

// Run processes requests until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			if req.Cap.BlockSize != p.blockSize {
				p.log.Warn().Msg("request block size does not match this pipeline, skipping")
				continue
			}
			p.handle(ctx, req)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, req Request) {
	err := eris.Walk(req.Cap, p.storage, func(b eris.WalkedBlock) error {
		envelopes, err := p.slice(b, req.Sender, req.Recipient)
		if err != nil {
			return err
		}
		for _, env := range envelopes {
			p.dispatch(ctx, env, req.Recipient)
		}
		return nil
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to traverse block tree for send")
	}
}

// headerTemplate builds a representative CarrierFrameHeader for sender
// and recipient so its wire Size() can bound the slicer's chunk size; the
// actual per-frame SeqID values don't change the header's encoded length.
func headerTemplate(sender rid.Address, recipient rid.Recipient) frame.CarrierFrameHeader {
	return frame.NewDataHeader(frame.ModeData, sender, recipient, rid.SequenceIdV1{}, 0)
}

// slice splits one traversed block's stored (encrypted) bytes into
// sendable chunks, each wrapped in a CarrierFrameHeader sharing a common
// SequenceIdV1 hash (the block's own reference, the blake2b-256 of those
// bytes) and an incrementing ordinal.
func (p *Pipeline) slice(b eris.WalkedBlock, sender rid.Address, recipient rid.Recipient) ([]link.Envelope, error) {
	headerSize := headerTemplate(sender, recipient).Size()
	mtu := p.mtuFor(recipient)
	chunkSize := mtu - headerSize
	if chunkSize <= 0 {
		return nil, rerr.NewMtuTooSmall(headerSize+1, mtu)
	}

	block, err := p.storage.Fetch(b.Reference)
	if err != nil {
		return nil, fmt.Errorf("sender: fetch block %s: %w", b.Reference, err)
	}

	numChunks := (len(block) + chunkSize - 1) / chunkSize
	if numChunks == 0 {
		numChunks = 1
	}
	if numChunks > 256 {
		return nil, fmt.Errorf("sender: block %s requires %d chunks, exceeding the 256-ordinal limit", b.Reference, numChunks)
	}

	mode := frame.ModeData

	envelopes := make([]link.Envelope, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(block) {
			end = len(block)
		}
		chunk := block[start:end]

		seq := rid.SequenceIdV1{Hash: b.Reference, Num: uint8(i), Max: uint8(numChunks - 1)}
		hdr := frame.NewDataHeader(mode, sender, recipient, seq, uint16(len(chunk)))
		envelopes = append(envelopes, link.Envelope{Header: hdr, Payload: chunk})
	}
	return envelopes, nil
}

// mtuFor picks the MTU budget to slice against: the resolved link's own
// SizeHint for a unicast Address recipient, or the most conservative
// (smallest) SizeHint across every registered link for a flooded
// Namespace recipient, since a flood may go out on any or all of them.
func (p *Pipeline) mtuFor(recipient rid.Recipient) int {
	if recipient.Kind == rid.RecipientAddress {
		if pair, ok, err := p.routes.Resolve(recipient.Address()); err == nil && ok {
			if d, ok := p.links.Get(int(pair.EpIdx)); ok {
				return d.SizeHint()
			}
		}
	}

	min := -1
	p.links.Each(func(epIdx int, d link.Driver) {
		hint := d.SizeHint()
		if min == -1 || hint < min {
			min = hint
		}
	})
	if min == -1 {
		return 1100
	}
	return min
}

// dispatch resolves recipient through the route table (unicast) or floods
// (namespace), logging a Nonfatal on no known route rather than failing
// the whole send.
func (p *Pipeline) dispatch(ctx context.Context, env link.Envelope, recipient rid.Recipient) {
	if recipient.Kind == rid.RecipientNamespace {
		p.links.Each(func(epIdx int, d link.Driver) {
			if err := d.Send(ctx, env, link.Flood(), nil); err != nil {
				p.log.Debug().Err(err).Msg("flood send failed on one link")
			}
		})
		return
	}

	addr := recipient.Address()
	pair, ok, err := p.routes.Resolve(addr)
	if err != nil {
		p.log.Warn().Err(err).Msg("route resolution failed")
		return
	}
	if !ok {
		p.log.Warn().Err(rerr.NewUnknownAddress(addr)).Msg("no route to destination, dropping frame")
		return
	}
	d, ok := p.links.Get(int(pair.EpIdx))
	if !ok {
		p.log.Warn().Uint32("ep_idx", pair.EpIdx).Msg("resolved route points at an unregistered link")
		return
	}
	if err := d.Send(ctx, env, link.Single(pair.Neighbour), nil); err != nil {
		p.log.Warn().Err(err).Msg("dispatch send failed")
	}
}
