// Package link defines the abstract link-driver contract the frame switch
// and sender pipeline talk to, plus the registry (Map) that hands out
// stable endpoint indices over a process's lifetime.
package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/rid"
)

// Envelope is a single parsed carrier frame in flight between the switch,
// collector, sender, and a link driver.
type Envelope struct {
	Header  frame.CarrierFrameHeader
	Payload []byte
}

// Neighbour identifies where an Envelope returned by Driver.Next came
// from: the link-local neighbour id learned via that driver's handshake.
// The reference drivers leave EpIdx zero; the switch uses the endpoint
// index of the link it is reading from.
type Neighbour struct {
	EpIdx     int
	Neighbour rid.Ident32
}

// TargetMode selects whether Driver.Send addresses one neighbour or every
// neighbour known to the driver.
type TargetMode int

const (
	TargetSingle TargetMode = iota
	TargetFlood
)

// SendTarget is Driver.Send's destination argument.
type SendTarget struct {
	Mode   TargetMode
	Single rid.Ident32 // valid iff Mode == TargetSingle
}

// Single builds a SendTarget addressing exactly one neighbour.
func Single(neighbour rid.Ident32) SendTarget {
	return SendTarget{Mode: TargetSingle, Single: neighbour}
}

// Flood builds a SendTarget addressing every neighbour known to the
// driver.
func Flood() SendTarget {
	return SendTarget{Mode: TargetFlood}
}

// Driver is the abstract contract a concrete link (TCP overlay, LAN
// multicast, Ethernet datalink, ...) implements. The frame switch and
// sender pipeline never depend on a concrete driver type, only on this
// interface.
type Driver interface {
	// Send transmits env to target, excluding the neighbour in exclude
	// (if non-nil) when target is a flood — used to avoid bouncing a
	// frame straight back to whoever it arrived from.
	Send(ctx context.Context, env Envelope, target SendTarget, exclude *rid.Ident32) error

	// Next pulls the next received envelope and the neighbour it arrived
	// from. Pull-based: implementations may block or suspend until a
	// frame is available or ctx is cancelled.
	Next(ctx context.Context) (Envelope, Neighbour, error)

	// SizeHint returns the link's MTU in bytes, bounding how large a
	// frame the slicer may produce for it.
	SizeHint() int
}

// namedDriver pairs a driver with the human-readable name it was
// registered under and its stable endpoint index.
type namedDriver struct {
	Name   string
	EpIdx  int
	Driver Driver
}

// Map is the link registry: a mutex-guarded slice of named drivers,
// mirroring nspkt.Listener's "small mutable struct behind one mutex"
// shape rather than introducing a second concurrency primitive.
type Map struct {
	mu      sync.RWMutex
	drivers []namedDriver
}

// NewMap creates an empty link registry.
func NewMap() *Map {
	return &Map{}
}

// Register adds d under name and returns its newly assigned, stable
// endpoint index.
func (m *Map) Register(name string, d Driver) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	epIdx := len(m.drivers)
	m.drivers = append(m.drivers, namedDriver{Name: name, EpIdx: epIdx, Driver: d})
	return epIdx
}

// Get returns the driver registered at epIdx.
func (m *Map) Get(epIdx int) (Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if epIdx < 0 || epIdx >= len(m.drivers) {
		return nil, false
	}
	return m.drivers[epIdx].Driver, true
}

// Name returns the registered name for epIdx, or "" if unknown.
func (m *Map) Name(epIdx int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if epIdx < 0 || epIdx >= len(m.drivers) {
		return ""
	}
	return m.drivers[epIdx].Name
}

// Each calls fn once per registered (epIdx, driver) pair, in registration
// order. fn must not call back into Map.Register.
func (m *Map) Each(fn func(epIdx int, d Driver)) {
	m.mu.RLock()
	snapshot := append([]namedDriver(nil), m.drivers...)
	m.mu.RUnlock()
	for _, nd := range snapshot {
		fn(nd.EpIdx, nd.Driver)
	}
}

// Len returns the number of registered drivers.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drivers)
}

func (m *Map) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("link.Map{%d drivers}", len(m.drivers))
}
