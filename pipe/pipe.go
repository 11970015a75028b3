// Package pipe implements the single-transaction hardware primitives
// required by the transfer engine (C2): setup, data stages, split-token
// issuance, and address targeting.
package pipe

import (
	"context"

	"github.com/ardnew/usbhost/bus"
)

// Toggle is the USB data-toggle state (spec.md section 3).
type Toggle uint8

const (
	DATA0 Toggle = iota
	DATA1
)

// Flip returns the other toggle state.
func (t Toggle) Flip() Toggle {
	if t == DATA0 {
		return DATA1
	}
	return DATA0
}

func (t Toggle) String() string {
	if t == DATA1 {
		return "DATA1"
	}
	return "DATA0"
}

// EndpointType classifies the endpoint a split token targets, matching the
// USB 2.0 endpoint attribute transfer-type encoding.
type EndpointType uint8

const (
	EndpointControl EndpointType = iota
	EndpointIsochronous
	EndpointBulk
	EndpointInterrupt
)

// Pipe is the single-transaction primitive capability (C2). A Pipe talks
// to exactly one hardware host controller; every method issues one wire
// transaction and returns. Callers serialize access (transfer.Engine holds
// the one mutex the stack uses for this, per spec.md section 5).
type Pipe interface {
	// SetAddr selects the 7-bit target address for subsequent packets.
	SetAddr(ctx context.Context, addr uint8) error

	// Setup issues a SETUP token. pkt non-nil carries the 8-byte setup
	// payload; pkt nil issues an in-flight continuation used to poll a
	// split-transaction's complete-split setup stage.
	Setup(ctx context.Context, pkt *[8]byte) error

	// DataIn issues an IN token. waitForReply and sendAck distinguish a
	// split-transaction's start-split (no reply expected, no ack sent)
	// from its complete-split (reply expected, ack sent) and from a
	// direct, non-split transaction (both true).
	DataIn(ctx context.Context, ep uint8, tog Toggle, waitForReply, sendAck bool, buf []byte) (int, error)

	// DataOut issues an OUT token. data non-nil carries the direct or
	// start-split payload; data nil issues the complete-split
	// continuation that collects the handshake.
	DataOut(ctx context.Context, ep uint8, tog Toggle, data []byte) error

	// Split issues a SPLIT special token (start when complete is false,
	// complete when true) addressed to the transaction translator at the
	// given hub port, for an endpoint of the given type and downstream
	// speed.
	Split(ctx context.Context, complete bool, port uint8, et EndpointType, speed bus.Speed) error
}
