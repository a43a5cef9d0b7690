// Package rerr defines Ratman's error taxonomy: the Nonfatal kinds a core
// task logs and continues past, versus the fatal kinds that terminate it.
package rerr

import (
	"errors"
	"fmt"

	"github.com/ratmesh/ratman/pkg/rid"
)

// BlockError wraps an ERIS decode failure: a missing block or a bad
// reference.
type BlockError struct {
	Reference rid.Ident32
	Reason    string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("rerr: block %s: %s", e.Reference, e.Reason)
}

// DesequenceError is returned when a frame that required a SequenceId
// carried none.
type DesequenceError struct {
	Context string
}

func (e *DesequenceError) Error() string {
	return "rerr: missing sequence id: " + e.Context
}

// Nonfatal wraps an error a core task should log at low severity and
// continue past, rather than tear down its goroutine for. The switch
// never drops a link over a Nonfatal; the collector and assembler treat
// a missing block as "wait", not "fail".
type Nonfatal struct {
	Kind NonfatalKind
	err  error
}

// NonfatalKind enumerates the four soft-failure categories a running
// router can hit in ordinary operation.
type NonfatalKind int

const (
	// UnknownAddress: route not found for the resolved recipient. Sender
	// retries are the caller's responsibility.
	UnknownAddress NonfatalKind = iota
	// MtuTooSmallForFrame: the selected link's size_hint can't carry this
	// frame.
	MtuTooSmallForFrame
	// NoStream: message completed with no listener attached; the item is
	// persisted as a subscription's missed item instead.
	NoStream
	// ClientAPI: a client-facing failure (invalid auth, no such address,
	// no such subscription, incompatible protocol version).
	ClientAPI
)

func (k NonfatalKind) String() string {
	switch k {
	case UnknownAddress:
		return "unknown_address"
	case MtuTooSmallForFrame:
		return "mtu_too_small_for_frame"
	case NoStream:
		return "no_stream"
	case ClientAPI:
		return "client_api"
	default:
		return "unknown"
	}
}

func (e *Nonfatal) Error() string {
	if e.err != nil {
		return fmt.Sprintf("rerr: nonfatal %s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("rerr: nonfatal %s", e.Kind)
}

func (e *Nonfatal) Unwrap() error { return e.err }

// NewUnknownAddress builds a Nonfatal{UnknownAddress} for addr.
func NewUnknownAddress(addr rid.Address) *Nonfatal {
	return &Nonfatal{Kind: UnknownAddress, err: fmt.Errorf("no route to %s", addr)}
}

// NewMtuTooSmall builds a Nonfatal{MtuTooSmallForFrame}.
func NewMtuTooSmall(frameSize, mtu int) *Nonfatal {
	return &Nonfatal{Kind: MtuTooSmallForFrame, err: fmt.Errorf("frame of %d bytes exceeds link mtu %d", frameSize, mtu)}
}

// NewNoStream builds a Nonfatal{NoStream} for streamID.
func NewNoStream(streamID rid.Ident32) *Nonfatal {
	return &Nonfatal{Kind: NoStream, err: fmt.Errorf("no listener for stream %s", streamID)}
}

// Client-facing error sentinels, matched with errors.Is.
var (
	ErrInvalidAuth         = errors.New("rerr: invalid auth")
	ErrNoAddress           = errors.New("rerr: no such address")
	ErrIncompatibleVersion = errors.New("rerr: incompatible client protocol version")
)

// ErrNoSuchSubscription reports a subscription id the caller doesn't
// recognise.
type ErrNoSuchSubscription struct {
	ID rid.Ident32
}

func (e *ErrNoSuchSubscription) Error() string {
	return fmt.Sprintf("rerr: no such subscription %s", e.ID)
}

// IsNonfatal reports whether err is (or wraps) a *Nonfatal, letting a core
// task decide to log-and-continue instead of tearing down.
func IsNonfatal(err error) bool {
	var nf *Nonfatal
	return errors.As(err, &nf)
}
