package crow

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fakeSerialPort is a hand-written SerialPort test double: a canned
// response queue fed back in chunks on Read, with writes recorded for
// assertion. It stands in for go.bug.st/serial.Port and crowserial.SharedPort
// without a mock framework, matching the single-collaborator guidance in
// the project's test tooling notes.
type fakeSerialPort struct {
	written   []byte
	toRead    []byte
	readChunk int // bytes yielded per Read call; 0 means "all requested"
}

func (f *fakeSerialPort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakeSerialPort) ResetInputBuffer() error { return nil }
func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}
func (f *fakeSerialPort) Read(p []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, nil
	}
	n := len(p)
	if f.readChunk > 0 && f.readChunk < n {
		n = f.readChunk
	}
	if n > len(f.toRead) {
		n = len(f.toRead)
	}
	copy(p, f.toRead[:n])
	f.toRead = f.toRead[n:]
	return n, nil
}

func responseBytes(token byte, isError bool, payload []byte) []byte {
	rh0 := byte(0x80)
	if isError {
		rh0 |= 0x10
	}
	rh0 |= byte((len(payload) >> 8) & 0x07)
	header := []byte{rh0, byte(len(payload) & 0xff), token, 0, 0}
	lower, upper := fletcher16Sums(header[0:3])
	header[3], header[4] = byte(upper%0xff), byte(lower%0xff)
	out := append([]byte{}, header...)
	if len(payload) > 0 {
		out = append(out, payload...)
		lower, upper = fletcher16Sums(payload)
		out = append(out, byte(upper%0xff), byte(lower%0xff))
	}
	return out
}

func TestSendCommandNormalResponse(t *testing.T) {
	port := &fakeSerialPort{}
	host := NewHost(port)
	host.SetAddressSettings(5, AddressSettings{BaudRate: 115200, StopBits: OneStopBit, Timeout: 50 * time.Millisecond})

	// The host will assign token 2 (the first allocated token).
	port.toRead = responseBytes(2, false, []byte("hi"))

	tx, err := host.SendCommand(5, 0, true, false, nil, false)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !bytes.Equal(tx.Response, []byte("hi")) {
		t.Fatalf("Response = %q, want %q", tx.Response, "hi")
	}
	if len(port.written) == 0 {
		t.Fatal("expected a command to be written to the port")
	}
}

func TestSendCommandRemoteError(t *testing.T) {
	port := &fakeSerialPort{}
	host := NewHost(port)
	host.SetAddressSettings(5, AddressSettings{BaudRate: 115200, StopBits: OneStopBit, Timeout: 50 * time.Millisecond})
	port.toRead = responseBytes(2, true, []byte{4}) // DeviceIsBusy

	_, err := host.SendCommand(5, 0, true, false, nil, false)
	var re *RemoteError
	if !errors.As(err, &re) || re.Kind != KindDeviceIsBusy {
		t.Fatalf("SendCommand err = %v, want *RemoteError{Kind: KindDeviceIsBusy}", err)
	}
}

func TestSendCommandTimeoutNoBytes(t *testing.T) {
	port := &fakeSerialPort{}
	host := NewHost(port)
	host.SetAddressSettings(5, AddressSettings{BaudRate: 115200, StopBits: OneStopBit, Timeout: 20 * time.Millisecond})

	_, err := host.SendCommand(5, 0, true, false, nil, false)
	var nre *NoResponseError
	if !errors.As(err, &nre) || nre.NumBytes != 0 {
		t.Fatalf("SendCommand err = %v, want *NoResponseError with zero bytes", err)
	}
}

func TestSendCommandStaleTokenIsNoResponse(t *testing.T) {
	port := &fakeSerialPort{}
	host := NewHost(port)
	host.SetAddressSettings(5, AddressSettings{BaudRate: 115200, StopBits: OneStopBit, Timeout: 20 * time.Millisecond})
	port.toRead = responseBytes(99, false, nil) // token the host never assigned

	_, err := host.SendCommand(5, 0, true, false, nil, false)
	var nre *NoResponseError
	if !errors.As(err, &nre) {
		t.Fatalf("SendCommand err = %v, want *NoResponseError", err)
	}
}

func TestSendCommandMutedSkipsReadLoop(t *testing.T) {
	port := &fakeSerialPort{}
	host := NewHost(port)
	tx, err := host.SendCommand(0, 0, true, true, nil, false)
	if err != nil {
		t.Fatalf("SendCommand(muted broadcast): %v", err)
	}
	if tx.Response != nil {
		t.Fatalf("Response = %v, want nil for a muted command", tx.Response)
	}
}

func TestAllocateTokenWrapsModulo256(t *testing.T) {
	host := NewHost(&fakeSerialPort{})
	host.nextToken = 255
	if got := host.allocateToken(); got != 255 {
		t.Fatalf("allocateToken() = %d, want 255", got)
	}
	if got := host.allocateToken(); got != 0 {
		t.Fatalf("allocateToken() after wrap = %d, want 0", got)
	}
}
