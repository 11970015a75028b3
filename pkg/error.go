package pkg

import "errors"

// Packet-level (wire) errors, surfaced by the pipe capability (C2).
//
// NYET is retried by the transfer engine's split-transaction loops and
// does not escape a transfer: once the retry budgets are spent the engine
// surfaces ErrStall instead. NAK is retried only on the start-split token
// of a split SETUP stage (and of a split interrupt poll); a NAK on any other
// stage of a control transfer is returned to the caller. On interrupt
// channels NAK means "no data" rather than an error.
var (
	// ErrNAK indicates the device is not ready (retryable).
	ErrNAK = errors.New("usbhost: NAK")

	// ErrNYET indicates a split-transaction is not yet complete; the
	// complete-split must be retried.
	ErrNYET = errors.New("usbhost: NYET")

	// ErrStall indicates a permanent endpoint halt.
	ErrStall = errors.New("usbhost: STALL")

	// ErrWrongToggle indicates the device returned data out of toggle
	// sequence; the transaction is fatal, the caller may retry.
	ErrWrongToggle = errors.New("usbhost: wrong data toggle")

	// ErrUnexpectedPID indicates the pipe observed a packet ID it did not
	// expect for the in-flight transaction stage.
	ErrUnexpectedPID = errors.New("usbhost: unexpected PID")

	// ErrBufferOverflow indicates the device returned more data than the
	// caller's buffer could hold.
	ErrBufferOverflow = errors.New("usbhost: buffer overflow")

	// ErrUnknownPipeFault is a catch-all for pipe faults with no specific
	// classification.
	ErrUnknownPipeFault = errors.New("usbhost: unknown pipe fault")
)

// Transfer-level errors, surfaced by the transfer engine (C5).
var (
	// ErrTransferTimeout indicates a transaction did not complete within
	// its deadline.
	ErrTransferTimeout = errors.New("usbhost: transfer timeout")

	// ErrInvalidResponse indicates a device returned a malformed or
	// internally inconsistent response.
	ErrInvalidResponse = errors.New("usbhost: invalid response")

	// ErrDetached indicates the device was lost mid-transfer or
	// mid-enumeration; its address has been reclaimed.
	ErrDetached = errors.New("usbhost: device detached")
)

// Protocol-level errors, surfaced by descriptor parsing (C3) and class
// drivers.
var (
	// ErrIncomplete indicates a descriptor buffer ended mid-record.
	ErrIncomplete = errors.New("usbhost: incomplete descriptor")

	// ErrInvalidLength indicates a descriptor's declared length did not
	// match its expected header length.
	ErrInvalidLength = errors.New("usbhost: invalid descriptor length")

	// ErrUnexpectedDevice indicates a class driver rejected a device whose
	// descriptors did not match what it expects.
	ErrUnexpectedDevice = errors.New("usbhost: unexpected device")

	// ErrInvalidState indicates an operation was attempted from a state
	// that does not support it.
	ErrInvalidState = errors.New("usbhost: invalid state")
)

// Topology errors, surfaced by the address/topology manager (C4), the
// static task poller (C7), and the host supervisor (C9).
var (
	// ErrTableFull indicates the address table has no empty slot.
	ErrTableFull = errors.New("usbhost: address table full")

	// ErrHubCapacity indicates the supervisor's retained-hub array is full.
	ErrHubCapacity = errors.New("usbhost: hub capacity exceeded")

	// ErrTaskSlabFull indicates the static task poller has no empty slot.
	ErrTaskSlabFull = errors.New("usbhost: task slab full")

	// ErrUnknownPort names a port that is not present in the address
	// table. FreeSubtree does not return it: freeing an unknown port yields
	// an empty DisconnectMask.
	ErrUnknownPort = errors.New("usbhost: unknown port")
)

// Lifecycle errors, matching the teacher's host.Start/Stop guard idiom.
var (
	// ErrAlreadyRunning indicates the supervisor is already running.
	ErrAlreadyRunning = errors.New("usbhost: already running")

	// ErrNotRunning indicates the supervisor is not running.
	ErrNotRunning = errors.New("usbhost: not running")

	// ErrCancelled indicates the operation's context was cancelled.
	ErrCancelled = errors.New("usbhost: cancelled")
)

// IsRetryable reports whether the transfer engine should retry the
// transaction that produced err rather than surface it to the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNAK) || errors.Is(err, ErrNYET)
}

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess TransferStatus = iota // Transfer completed successfully
	TransferStatusStall                         // Endpoint stalled
	TransferStatusNAK                            // NAK received (interrupt only)
	TransferStatusTimeout                        // Transfer timed out
	TransferStatusDetached                       // Device detached mid-transfer
	TransferStatusError                          // Transfer failed for another reason
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNAK:
		return "nak"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusDetached:
		return "detached"
	case TransferStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status, or nil on
// success.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNAK:
		return ErrNAK
	case TransferStatusTimeout:
		return ErrTransferTimeout
	case TransferStatusDetached:
		return ErrDetached
	default:
		return ErrUnknownPipeFault
	}
}

// StatusForError classifies err into the TransferStatus a caller would log
// or report, mirroring the teacher's enum-from-error helpers.
func StatusForError(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrNAK):
		return TransferStatusNAK
	case errors.Is(err, ErrTransferTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrDetached):
		return TransferStatusDetached
	default:
		return TransferStatusError
	}
}
