// Package udpoverlay implements a link.Driver over plain UDP unicast to a
// configured set of peer addresses — the "TCP overlay" family of links
// from a datagram-oriented angle, grounded on pkg/nspkt/listener.go's
// single-mutex-guarded *net.UDPConn pattern.
package udpoverlay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/rid"
)

// frameLengthPrefix is the byte width of the length prefix every UDP
// datagram carries ahead of its serialised CarrierFrame, mirroring the
// client IPC microframe's own length-then-payload idiom.
const frameLengthPrefix = 2

// maxDatagramSize bounds a single UDP payload well under the common
// 1500-byte Ethernet MTU once IP/UDP headers are accounted for.
const maxDatagramSize = 1400

// ErrClosed names the closed state of a Driver. Send and Next do not
// return it: after Close, Send fails with the socket's write error and
// Next waits until its context is done.
var ErrClosed = errors.New("udpoverlay: driver closed")

// Driver is a link.Driver backed by one UDP socket and an explicit set of
// configured peer addresses.
type Driver struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	peers   map[netip.AddrPort]struct{}
	closing bool

	neighbours *link.NeighbourTable[netip.AddrPort]
	selfRK     rid.Address
	incoming   chan incomingFrame
	log        zerolog.Logger

	metrics struct {
		rxCount, rxBytes atomic.Uint64
		txCount, txBytes atomic.Uint64
		rxDropped        atomic.Uint64
	}
}

type incomingFrame struct {
	env  link.Envelope
	from netip.AddrPort
}

// New binds a UDP socket at bindAddr and begins reading datagrams in a
// background goroutine.
func New(bindAddr netip.AddrPort, selfRK rid.Address, log zerolog.Logger) (*Driver, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(bindAddr))
	if err != nil {
		return nil, fmt.Errorf("udpoverlay: listen %s: %w", bindAddr, err)
	}

	d := &Driver{
		conn:       conn,
		peers:      make(map[netip.AddrPort]struct{}),
		neighbours: link.NewNeighbourTable[netip.AddrPort](),
		selfRK:     selfRK,
		incoming:   make(chan incomingFrame, 8),
		log:        log.With().Str("component", "link.udpoverlay").Logger(),
	}
	go d.readLoop()
	return d, nil
}

// AddPeer registers a peer's address, sending it our Announce handshake
// immediately so the neighbour table converges before the first data
// frame needs it.
func (d *Driver) AddPeer(ctx context.Context, peer netip.AddrPort) error {
	d.mu.Lock()
	d.peers[peer] = struct{}{}
	d.mu.Unlock()

	env, err := link.BuildAnnounce(d.selfRK)
	if err != nil {
		return err
	}
	return d.writeTo(peer, env)
}

func (d *Driver) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			d.mu.Lock()
			closing := d.closing
			d.mu.Unlock()
			if closing {
				return
			}
			d.log.Warn().Err(err).Msg("udp read failed")
			continue
		}
		d.metrics.rxCount.Add(1)
		d.metrics.rxBytes.Add(uint64(n))

		env, err := decodeDatagram(buf[:n])
		if err != nil {
			d.metrics.rxDropped.Add(1)
			d.log.Debug().Err(err).Msg("dropping malformed datagram")
			continue
		}

		if routerKeyID, ok := link.IsHandshake(env); ok {
			d.neighbours.Observe(addr, routerKeyID)
			if link.IsAnnounce(env) {
				reply, err := link.BuildReply(d.selfRK)
				if err == nil {
					_ = d.writeTo(addr, reply)
				}
			}
			continue
		}

		d.incoming <- incomingFrame{env: env, from: addr}
	}
}

func decodeDatagram(b []byte) (link.Envelope, error) {
	if len(b) < frameLengthPrefix {
		return link.Envelope{}, fmt.Errorf("udpoverlay: datagram shorter than length prefix")
	}
	rest, hdr, err := frame.ParseCarrierFrameHeader(b[frameLengthPrefix:])
	if err != nil {
		return link.Envelope{}, err
	}
	if len(rest) < int(hdr.PayloadLength) {
		return link.Envelope{}, fmt.Errorf("udpoverlay: truncated payload")
	}
	return link.Envelope{Header: hdr, Payload: rest[:hdr.PayloadLength]}, nil
}

func (d *Driver) writeTo(addr netip.AddrPort, env link.Envelope) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, frameLengthPrefix))
	if err := env.Header.Generate(&buf); err != nil {
		return err
	}
	buf.Write(env.Payload)

	raw := buf.Bytes()
	if len(raw) > maxDatagramSize {
		return fmt.Errorf("udpoverlay: frame of %d bytes exceeds datagram budget %d", len(raw), maxDatagramSize)
	}
	binary.BigEndian.PutUint16(raw[:frameLengthPrefix], uint16(len(raw)-frameLengthPrefix))

	n, err := d.conn.WriteToUDPAddrPort(raw, addr)
	if err != nil {
		return fmt.Errorf("udpoverlay: write to %s: %w", addr, err)
	}
	d.metrics.txCount.Add(1)
	d.metrics.txBytes.Add(uint64(n))
	return nil
}

// Send implements link.Driver.
func (d *Driver) Send(ctx context.Context, env link.Envelope, target link.SendTarget, exclude *rid.Ident32) error {
	switch target.Mode {
	case link.TargetSingle:
		addr, ok := d.neighbours.Addr(target.Single)
		if !ok {
			return fmt.Errorf("udpoverlay: unknown neighbour %s", target.Single)
		}
		return d.writeTo(addr, env)
	case link.TargetFlood:
		var firstErr error
		d.neighbours.Each(func(addr netip.AddrPort, id rid.Ident32) {
			if exclude != nil && id == *exclude {
				return
			}
			if err := d.writeTo(addr, env); err != nil && firstErr == nil {
				firstErr = err
			}
		})
		return firstErr
	default:
		return fmt.Errorf("udpoverlay: unknown send target mode %d", target.Mode)
	}
}

// Next implements link.Driver.
func (d *Driver) Next(ctx context.Context) (link.Envelope, link.Neighbour, error) {
	select {
	case <-ctx.Done():
		return link.Envelope{}, link.Neighbour{}, ctx.Err()
	case f := <-d.incoming:
		id, ok := d.neighbours.Lookup(f.from)
		if !ok {
			return link.Envelope{}, link.Neighbour{}, fmt.Errorf("udpoverlay: frame from un-handshaken peer %s", f.from)
		}
		return f.env, link.Neighbour{Neighbour: id}, nil
	}
}

// SizeHint implements link.Driver: conservative UDP-safe datagram budget
// minus the length prefix.
func (d *Driver) SizeHint() int {
	return maxDatagramSize - frameLengthPrefix
}

// Close shuts the socket down and stops the read loop; a blocked Next
// keeps waiting until its context is done.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	return d.conn.Close()
}
