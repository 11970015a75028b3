package pkg

import (
	"errors"
	"testing"
)

func TestTransferStatusString(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusSuccess, "success"},
		{TransferStatusStall, "stall"},
		{TransferStatusNAK, "nak"},
		{TransferStatusTimeout, "timeout"},
		{TransferStatusDetached, "detached"},
		{TransferStatusError, "error"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStatusError(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
	}{
		{TransferStatusSuccess, nil},
		{TransferStatusStall, ErrStall},
		{TransferStatusNAK, ErrNAK},
		{TransferStatusTimeout, ErrTransferTimeout},
		{TransferStatusDetached, ErrDetached},
		{TransferStatusError, ErrUnknownPipeFault},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("TransferStatus.Error() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferStatus.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSentinelErrorsDistinct(t *testing.T) {
	errs := []error{
		ErrNAK,
		ErrNYET,
		ErrStall,
		ErrWrongToggle,
		ErrUnexpectedPID,
		ErrBufferOverflow,
		ErrUnknownPipeFault,
		ErrTransferTimeout,
		ErrInvalidResponse,
		ErrDetached,
		ErrIncomplete,
		ErrInvalidLength,
		ErrUnexpectedDevice,
		ErrInvalidState,
		ErrTableFull,
		ErrHubCapacity,
		ErrTaskSlabFull,
		ErrUnknownPort,
		ErrAlreadyRunning,
		ErrNotRunning,
		ErrCancelled,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d (%v) and %d (%v) compare equal", i, err1, j, err2)
			}
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrNAK) {
		t.Errorf("ErrNAK should be retryable")
	}
	if !IsRetryable(ErrNYET) {
		t.Errorf("ErrNYET should be retryable")
	}
	if IsRetryable(ErrStall) {
		t.Errorf("ErrStall should not be retryable")
	}
	if IsRetryable(nil) {
		t.Errorf("nil should not be retryable")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want TransferStatus
	}{
		{nil, TransferStatusSuccess},
		{ErrStall, TransferStatusStall},
		{ErrNAK, TransferStatusNAK},
		{ErrTransferTimeout, TransferStatusTimeout},
		{ErrDetached, TransferStatusDetached},
		{ErrInvalidResponse, TransferStatusError},
	}

	for _, tt := range tests {
		if got := StatusForError(tt.err); got != tt.want {
			t.Errorf("StatusForError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
