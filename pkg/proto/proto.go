// Package proto implements per-local-address protocol state: the
// periodic, signed ANNOUNCE emission that tells the rest of the mesh an
// address is reachable from this router. Grounded on spec.md §4.M and the
// announce-update call site in original_source/ratman/src/router.rs's
// online/offline pair.
package proto

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/keystore"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/routes"
)

// defaultInterval is how often an online address re-announces itself.
const defaultInterval = 15 * time.Second

// Protocol owns one cancellable announcement goroutine per address
// currently online.
type Protocol struct {
	mu       sync.Mutex
	tasks    map[rid.Address]context.CancelFunc
	links    *link.Map
	routes   *routes.Table
	keystore *keystore.Keystore
	client   keystore.ClientID
	interval time.Duration
	log      zerolog.Logger
}

// New wires a Protocol over the shared link map, route table, and
// keystore. client identifies whichever keystore client already holds
// addr keys open for signing — ordinarily the router's own internal
// client id, established once at startup.
func New(links *link.Map, rt *routes.Table, ks *keystore.Keystore, client keystore.ClientID, log zerolog.Logger) *Protocol {
	return &Protocol{
		tasks:    make(map[rid.Address]context.CancelFunc),
		links:    links,
		routes:   rt,
		keystore: ks,
		client:   client,
		interval: defaultInterval,
		log:      log.With().Str("component", "proto").Logger(),
	}
}

// Online marks addr as online and starts its periodic announcement task.
// Requires addr to already be registered as a local route. A no-op if
// addr is already online.
func (p *Protocol) Online(addr rid.Address) error {
	isLocal, err := p.routes.IsLocal(addr)
	if err != nil {
		return fmt.Errorf("proto: check local route for %s: %w", addr, err)
	}
	if !isLocal {
		return fmt.Errorf("proto: %s is not a known local address", addr)
	}

	p.mu.Lock()
	if _, already := p.tasks[addr]; already {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.tasks[addr] = cancel
	p.mu.Unlock()

	go p.run(ctx, addr)
	return nil
}

// Offline stops addr's announcement task, if running.
func (p *Protocol) Offline(addr rid.Address) error {
	p.mu.Lock()
	cancel, ok := p.tasks[addr]
	if ok {
		delete(p.tasks, addr)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("proto: %s is not online", addr)
	}
	cancel()
	return nil
}

// IsOnline reports whether addr currently has an active announcement
// task.
func (p *Protocol) IsOnline(addr rid.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[addr]
	return ok
}

func (p *Protocol) run(ctx context.Context, addr rid.Address) {
	p.emit(addr)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.emit(addr)
		}
	}
}

// emit builds, signs, and floods one ANNOUNCE frame for addr on every
// registered link.
func (p *Protocol) emit(addr rid.Address) {
	log := p.log.With().Str("addr", addr.PrettyString()).Logger()

	announce := frame.AnnounceFrameV1{Hint: frame.RouteHint{Buffer: 0, LatencyMs: 0}}
	var buf bytes.Buffer
	if err := announce.Generate(&buf); err != nil {
		log.Warn().Err(err).Msg("failed to encode announce frame")
		return
	}
	payload := buf.Bytes()

	sig, err := p.keystore.SignMessage(p.client, addr, payload)
	if err != nil {
		log.Warn().Err(err).Msg("failed to sign announcement; address key may not be open")
		return
	}

	hdr := frame.CarrierFrameHeader{
		Version:       frame.CurrentVersion,
		Modes:         frame.ModeAnnounce,
		Sender:        addr,
		SeqID:         &rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0},
		AuxiliaryData: sig,
		PayloadLength: uint16(len(payload)),
	}
	env := link.Envelope{Header: hdr, Payload: payload}

	p.links.Each(func(epIdx int, d link.Driver) {
		if err := d.Send(context.Background(), env, link.Flood(), nil); err != nil {
			log.Debug().Err(err).Str("link", p.links.Name(epIdx)).Msg("announce flood failed on one link")
		}
	})
}
