// Package ethdatalink implements a link.Driver over a raw Ethernet
// datalink socket (AF_PACKET), for routing directly atop a LAN segment
// with no IP layer at all. Interface resolution goes through
// vishvananda/netlink; the raw socket syscalls go through
// golang.org/x/sys/unix, the same pairing the pack's tcp-info collector
// uses for netlink attribute access.
package ethdatalink

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/rid"
)

// etherType is the custom EtherType this driver tags its frames with, so
// the kernel hands only Ratman traffic to our raw socket's BPF-less
// recvfrom loop rather than every packet crossing the interface.
const etherType = 0xB17E

// maxFrameSize stays under the common 1500-byte Ethernet MTU once the
// 14-byte Ethernet header is subtracted.
const maxFrameSize = 1486

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ErrClosed is what Next returns if the incoming channel is closed. Close
// stops the read loop without closing that channel, so a Next blocked
// after Close waits until its context is done.
var ErrClosed = errors.New("ethdatalink: driver closed")

// Driver is a link.Driver backed by a single AF_PACKET raw socket bound
// to one network interface.
type Driver struct {
	fd        int
	ifIndex   int
	selfHW    [6]byte
	closeOnce sync.Once
	closing   atomic.Bool

	neighbours *link.NeighbourTable[[6]byte]
	selfRK     rid.Address
	incoming   chan incomingFrame
	log        zerolog.Logger

	metrics struct {
		rxCount, txCount atomic.Uint64
		rxDropped        atomic.Uint64
	}
}

type incomingFrame struct {
	env link.Envelope
	hw  [6]byte
}

// New resolves ifaceName via netlink, brings it up if it isn't already,
// and opens a raw AF_PACKET socket bound to it.
func New(ifaceName string, selfRK rid.Address, log zerolog.Logger) (*Driver, error) {
	nlLink, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("ethdatalink: resolve interface %s: %w", ifaceName, err)
	}
	if nlLink.Attrs().Flags&unix.IFF_UP == 0 {
		if err := netlink.LinkSetUp(nlLink); err != nil {
			return nil, fmt.Errorf("ethdatalink: bring up %s: %w", ifaceName, err)
		}
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(etherType))
	if err != nil {
		return nil, fmt.Errorf("ethdatalink: open raw socket: %w", err)
	}

	ifIndex := nlLink.Attrs().Index
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  ifIndex,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ethdatalink: bind to %s: %w", ifaceName, err)
	}

	var selfHW [6]byte
	copy(selfHW[:], nlLink.Attrs().HardwareAddr)

	d := &Driver{
		fd:         fd,
		ifIndex:    ifIndex,
		selfHW:     selfHW,
		neighbours: link.NewNeighbourTable[[6]byte](),
		selfRK:     selfRK,
		incoming:   make(chan incomingFrame, 8),
		log:        log.With().Str("component", "link.ethdatalink").Str("iface", ifaceName).Logger(),
	}
	go d.readLoop()

	env, err := link.BuildAnnounce(selfRK)
	if err == nil {
		_ = d.writeTo(broadcastMAC, env)
	}
	return d, nil
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

func (d *Driver) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			if d.closing.Load() {
				return
			}
			d.log.Warn().Err(err).Msg("recvfrom failed")
			continue
		}
		lsa, ok := from.(*unix.SockaddrLinklayer)
		if !ok {
			continue
		}
		var srcHW [6]byte
		copy(srcHW[:], lsa.Addr[:6])
		if srcHW == d.selfHW {
			continue
		}

		d.metrics.rxCount.Add(1)
		env, err := decodeFrame(buf[:n])
		if err != nil {
			d.metrics.rxDropped.Add(1)
			continue
		}

		if routerKeyID, ok := link.IsHandshake(env); ok {
			d.neighbours.Observe(srcHW, routerKeyID)
			if link.IsAnnounce(env) {
				reply, err := link.BuildReply(d.selfRK)
				if err == nil {
					_ = d.writeTo(srcHW, reply)
				}
			}
			continue
		}

		d.incoming <- incomingFrame{env: env, hw: srcHW}
	}
}

// decodeFrame strips the 14-byte Ethernet header (dst MAC, src MAC,
// EtherType) the kernel still hands us on an AF_PACKET socket, then
// parses the carrier frame that follows.
func decodeFrame(b []byte) (link.Envelope, error) {
	const ethHeaderLen = 14
	if len(b) < ethHeaderLen {
		return link.Envelope{}, fmt.Errorf("ethdatalink: short ethernet frame")
	}
	got := binary.BigEndian.Uint16(b[12:14])
	if got != etherType {
		return link.Envelope{}, fmt.Errorf("ethdatalink: foreign ethertype %#04x", got)
	}
	rest, hdr, err := frame.ParseCarrierFrameHeader(b[ethHeaderLen:])
	if err != nil {
		return link.Envelope{}, err
	}
	if len(rest) < int(hdr.PayloadLength) {
		return link.Envelope{}, fmt.Errorf("ethdatalink: truncated payload")
	}
	return link.Envelope{Header: hdr, Payload: rest[:hdr.PayloadLength]}, nil
}

func (d *Driver) writeTo(dstHW [6]byte, env link.Envelope) error {
	var buf bytes.Buffer
	buf.Write(dstHW[:])
	buf.Write(d.selfHW[:])
	var etherTypeBuf [2]byte
	binary.BigEndian.PutUint16(etherTypeBuf[:], etherType)
	buf.Write(etherTypeBuf[:])

	if err := env.Header.Generate(&buf); err != nil {
		return err
	}
	buf.Write(env.Payload)

	if buf.Len() > maxFrameSize+14 {
		return fmt.Errorf("ethdatalink: frame of %d bytes exceeds mtu budget", buf.Len())
	}

	sa := &unix.SockaddrLinklayer{
		Ifindex: d.ifIndex,
		Halen:   6,
	}
	copy(sa.Addr[:6], dstHW[:])

	if err := unix.Sendto(d.fd, buf.Bytes(), 0, sa); err != nil {
		return fmt.Errorf("ethdatalink: sendto: %w", err)
	}
	d.metrics.txCount.Add(1)
	return nil
}

// Send implements link.Driver.
func (d *Driver) Send(ctx context.Context, env link.Envelope, target link.SendTarget, exclude *rid.Ident32) error {
	switch target.Mode {
	case link.TargetSingle:
		hw, ok := d.neighbours.Addr(target.Single)
		if !ok {
			return fmt.Errorf("ethdatalink: unknown neighbour %s", target.Single)
		}
		return d.writeTo(hw, env)
	case link.TargetFlood:
		var firstErr error
		d.neighbours.Each(func(hw [6]byte, id rid.Ident32) {
			if exclude != nil && id == *exclude {
				return
			}
			if err := d.writeTo(hw, env); err != nil && firstErr == nil {
				firstErr = err
			}
		})
		return firstErr
	default:
		return fmt.Errorf("ethdatalink: unknown send target mode %d", target.Mode)
	}
}

// Next implements link.Driver.
func (d *Driver) Next(ctx context.Context) (link.Envelope, link.Neighbour, error) {
	select {
	case <-ctx.Done():
		return link.Envelope{}, link.Neighbour{}, ctx.Err()
	case f, ok := <-d.incoming:
		if !ok {
			return link.Envelope{}, link.Neighbour{}, ErrClosed
		}
		id, ok := d.neighbours.Lookup(f.hw)
		if !ok {
			return link.Envelope{}, link.Neighbour{}, fmt.Errorf("ethdatalink: frame from un-handshaken peer")
		}
		return f.env, link.Neighbour{Neighbour: id}, nil
	}
}

// SizeHint implements link.Driver.
func (d *Driver) SizeHint() int {
	return maxFrameSize
}

// Close shuts the raw socket down.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		unix.Close(d.fd)
	})
	return nil
}
