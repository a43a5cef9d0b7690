// Package lanmcast implements a link.Driver over IPv4 LAN multicast,
// grounded on the ipv4.PacketConn fan-out/fan-in idiom used for frame
// broadcast over a local segment (see the pack's other_examples mcast
// sender/receiver pair), rather than nspkt/listener.go's unicast shape.
package lanmcast

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/net/ipv4"
	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/rid"
)

// maxDatagramSize keeps one frame within a single unfragmented multicast
// packet, the same conservative budget nspkt's UDP-overlay sibling uses.
const maxDatagramSize = 1400

// Driver is a link.Driver that floods every frame to a multicast group;
// LAN multicast has no notion of addressing a single neighbour directly,
// so Send(Single(...)) degrades to a flood with the target's id simply
// not excluded.
type Driver struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr

	neighbours *link.NeighbourTable[string]
	selfRK     rid.Address
	incoming   chan incomingFrame
	log        zerolog.Logger

	metrics struct {
		rxCount, txCount atomic.Uint64
		rxDropped        atomic.Uint64
	}
}

type incomingFrame struct {
	env  link.Envelope
	from string
}

// New joins the multicast group at groupAddr (e.g. "239.42.0.1:7331") on
// the named interface (empty for the system default) and starts reading.
func New(groupAddr string, ifaceName string, ttl int, selfRK rid.Address, log zerolog.Logger) (*Driver, error) {
	addr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("lanmcast: resolve %s: %w", groupAddr, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		return nil, fmt.Errorf("lanmcast: listen: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("lanmcast: interface %s: %w", ifaceName, err)
		}
	}

	if err := pc.JoinGroup(iface, addr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lanmcast: join group %s: %w", groupAddr, err)
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		log.Debug().Err(err).Msg("set multicast ttl failed, continuing with default")
	}
	_ = pc.SetMulticastLoopback(true)
	if iface != nil {
		_ = pc.SetMulticastInterface(iface)
	}

	d := &Driver{
		conn:       conn,
		pc:         pc,
		group:      addr,
		neighbours: link.NewNeighbourTable[string](),
		selfRK:     selfRK,
		incoming:   make(chan incomingFrame, 8),
		log:        log.With().Str("component", "link.lanmcast").Logger(),
	}
	go d.readLoop()

	env, err := link.BuildAnnounce(selfRK)
	if err == nil {
		_ = d.writeMulticast(env)
	}
	return d, nil
}

func (d *Driver) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, src, err := d.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		from := src.String()
		d.metrics.rxCount.Add(1)

		env, err := decodeDatagram(buf[:n])
		if err != nil {
			d.metrics.rxDropped.Add(1)
			continue
		}

		if routerKeyID, ok := link.IsHandshake(env); ok {
			if routerKeyID == d.selfRK.Ident() {
				continue
			}
			d.neighbours.Observe(from, routerKeyID)
			continue
		}

		d.incoming <- incomingFrame{env: env, from: from}
	}
}

func decodeDatagram(b []byte) (link.Envelope, error) {
	rest, hdr, err := frame.ParseCarrierFrameHeader(b)
	if err != nil {
		return link.Envelope{}, err
	}
	if len(rest) < int(hdr.PayloadLength) {
		return link.Envelope{}, fmt.Errorf("lanmcast: truncated payload")
	}
	return link.Envelope{Header: hdr, Payload: rest[:hdr.PayloadLength]}, nil
}

func (d *Driver) writeMulticast(env link.Envelope) error {
	var buf bytes.Buffer
	if err := env.Header.Generate(&buf); err != nil {
		return err
	}
	buf.Write(env.Payload)
	if buf.Len() > maxDatagramSize {
		return fmt.Errorf("lanmcast: frame of %d bytes exceeds datagram budget %d", buf.Len(), maxDatagramSize)
	}
	_, err := d.conn.WriteToUDP(buf.Bytes(), d.group)
	if err != nil {
		return fmt.Errorf("lanmcast: write: %w", err)
	}
	d.metrics.txCount.Add(1)
	return nil
}

// Send implements link.Driver. LAN multicast has only one transmission
// primitive — a write to the group — so both Single and Flood targets
// reach every neighbour and exclude is not honoured. This router's own
// loopback copies are not attributed to a neighbour: readLoop never
// records a handshake carrying its own id, so Next rejects them.
func (d *Driver) Send(ctx context.Context, env link.Envelope, target link.SendTarget, exclude *rid.Ident32) error {
	return d.writeMulticast(env)
}

// Next implements link.Driver.
func (d *Driver) Next(ctx context.Context) (link.Envelope, link.Neighbour, error) {
	select {
	case <-ctx.Done():
		return link.Envelope{}, link.Neighbour{}, ctx.Err()
	case f := <-d.incoming:
		id, ok := d.neighbours.Lookup(f.from)
		if !ok {
			return link.Envelope{}, link.Neighbour{}, fmt.Errorf("lanmcast: frame from un-handshaken peer %s", f.from)
		}
		return f.env, link.Neighbour{Neighbour: id}, nil
	}
}

// SizeHint implements link.Driver.
func (d *Driver) SizeHint() int {
	return maxDatagramSize
}

// Close leaves the multicast group and closes the socket.
func (d *Driver) Close() error {
	_ = d.pc.LeaveGroup(nil, d.group)
	return d.conn.Close()
}
