// Package crowserial provides the serial-port collaborator the transaction
// engine drives, and a process-wide registry sharing one open handle per
// device path across however many Hosts address devices on it.
package crowserial

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// StopBits mirrors go.bug.st/serial.StopBits without exposing that package
// in the crow API surface.
type StopBits int

const (
	OneStopBit StopBits = iota
	OnePointFiveStopBits
	TwoStopBits
)

func (s StopBits) wire() serial.StopBits {
	switch s {
	case OnePointFiveStopBits:
		return serial.OnePointFiveStopBits
	case TwoStopBits:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// BitsPerByte returns the number of bit-times a byte occupies on the wire
// at this stop-bit setting: 8 data bits, 1 start bit, 1 stop bit, plus the
// stop-bit setting's own fractional or whole extra bit.
func (s StopBits) BitsPerByte() float64 {
	switch s {
	case OnePointFiveStopBits:
		return 10.5
	case TwoStopBits:
		return 11.0
	default:
		return 10.0
	}
}

// SerialPort is the collaborator the transaction engine needs: a mode-
// configurable, timeout-bounded byte stream. go.bug.st/serial.Port
// satisfies it directly.
type SerialPort interface {
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is overridden in tests to avoid touching a real device. It is
// typed in terms of SerialPort rather than serial.Port so a test fake only
// needs to satisfy the narrower interface this package actually uses.
var openPort = func(path string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(path, mode)
}

// sharedHandle is one open port, counted by how many Hosts hold it.
type sharedHandle struct {
	port     SerialPort
	refCount int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*sharedHandle{}
)

// SharedPort is a reference-counted handle on an open serial port, one per
// device path process-wide: the first Acquire for a path opens it, the
// matching number of Releases closes it.
type SharedPort struct {
	path   string
	handle *sharedHandle
}

// Acquire opens path at baudRate/stopBits if no SharedPort already holds it
// open, or returns a new reference to the existing open port otherwise. The
// mode of an already-open port is not changed by a later Acquire; use
// SetMode on the returned SharedPort if per-transaction settings differ.
func Acquire(path string, baudRate int, stopBits StopBits) (*SharedPort, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if h, ok := registry[path]; ok {
		h.refCount++
		return &SharedPort{path: path, handle: h}, nil
	}

	mode := &serial.Mode{BaudRate: baudRate, StopBits: stopBits.wire()}
	port, err := openPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("crowserial: open %s: %w", path, err)
	}
	h := &sharedHandle{port: port, refCount: 1}
	registry[path] = h
	return &SharedPort{path: path, handle: h}, nil
}

// SetMode reconfigures the underlying port's baud rate and stop bits. All
// holders of the same path see the change, since they share one handle.
func (s *SharedPort) SetMode(baudRate int, stopBits StopBits) error {
	return s.handle.port.SetMode(&serial.Mode{BaudRate: baudRate, StopBits: stopBits.wire()})
}

func (s *SharedPort) SetReadTimeout(d time.Duration) error { return s.handle.port.SetReadTimeout(d) }
func (s *SharedPort) ResetInputBuffer() error               { return s.handle.port.ResetInputBuffer() }
func (s *SharedPort) Read(p []byte) (int, error)            { return s.handle.port.Read(p) }
func (s *SharedPort) Write(p []byte) (int, error)           { return s.handle.port.Write(p) }

// Release drops this reference; once the last reference to path is
// released, the underlying port is closed.
func (s *SharedPort) Release() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	s.handle.refCount--
	if s.handle.refCount > 0 {
		return nil
	}
	delete(registry, s.path)
	return s.handle.port.Close()
}
