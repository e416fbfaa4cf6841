package crow

import (
	"fmt"
	"time"
)

// SerialPort is the minimal collaborator SendCommand needs from the wire: a
// timeout-bounded byte stream that can be flushed before a command is sent.
// crowserial.SerialPort and crowserial.SharedPort both satisfy it.
type SerialPort interface {
	SetReadTimeout(d time.Duration) error
	ResetInputBuffer() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// StopBits mirrors crowserial.StopBits for the purpose of computing a
// transaction's timeout; the crow package does not otherwise need to know
// about stop bits.
type StopBits int

const (
	OneStopBit StopBits = iota
	OnePointFiveStopBits
	TwoStopBits
)

func (s StopBits) bitsPerByte() float64 {
	switch s {
	case OnePointFiveStopBits:
		return 10.5
	case TwoStopBits:
		return 11.0
	default:
		return 10.0
	}
}

// AddressSettings holds the per-address serial parameters the transaction
// engine needs: the baud rate and stop-bit count in effect for that
// address's line (used only for timeout computation; actually configuring
// the port's mode is the caller's job), and the base timeout before the
// deadline cap applies.
type AddressSettings struct {
	BaudRate int
	StopBits StopBits
	Timeout  time.Duration
}

// DefaultAddressSettings matches the source's per-address default: 115200
// baud, one stop bit, a 250ms base timeout.
func DefaultAddressSettings() AddressSettings {
	return AddressSettings{BaudRate: 115200, StopBits: OneStopBit, Timeout: 250 * time.Millisecond}
}

// Telemetry is a record of one completed transaction, handed to any
// attached TransactionObserver.
type Telemetry struct {
	Address  int
	Port     int
	Token    int
	Outcome  string // "response", "remote_error", "no_response", "muted"
	Bytes    int
	Duration time.Duration
}

// TransactionObserver receives a Telemetry record after each SendCommand
// call completes, successfully or not. Observe must not block the
// transaction engine for long; observers that publish off-host (e.g. to
// Redis) should do so without holding up the caller.
type TransactionObserver interface {
	Observe(Telemetry)
}

// Metrics receives counts and durations from the transaction engine. A nil
// Metrics is never called; Host.Metrics defaults to nil.
type Metrics interface {
	ObserveTransaction(outcome string, bytesRead int, duration time.Duration)
}

// Logger is the small slice of a structured logger SendCommand uses. It is
// satisfied by *charmbracelet/log.Logger's Debug/Warn methods.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Transaction is the record of one send_command call: the address/port it
// targeted, the token it was assigned, and (once complete) its response
// payload.
type Transaction struct {
	Address int
	Port    int
	Token   int
	Command []byte
	Response []byte
}

// Host drives transactions over one serial line. It is not safe for
// concurrent use: callers serialize commands on the same line themselves,
// matching the protocol's own requirement that one transaction complete
// before the next begins.
type Host struct {
	port      SerialPort
	settings  map[int]AddressSettings
	nextToken int

	Observer TransactionObserver
	Metrics  Metrics
	Log      Logger
}

// NewHost returns a Host driving transactions over port. The host's token
// counter starts at 2, matching the source (tokens 0 and 1 are not
// reserved by the protocol, but starting past them avoids the easy-to-spot
// all-zero token in capture logs during development).
func NewHost(port SerialPort) *Host {
	return &Host{
		port:      port,
		settings:  map[int]AddressSettings{},
		nextToken: 2,
		Log:       noopLogger{},
	}
}

// SetAddressSettings overrides the baud rate, stop bits, and base timeout
// used for transactions to address. Addresses without an override use
// DefaultAddressSettings.
func (h *Host) SetAddressSettings(address int, s AddressSettings) {
	h.settings[address] = s
}

func (h *Host) addressSettings(address int) AddressSettings {
	if s, ok := h.settings[address]; ok {
		return s
	}
	return DefaultAddressSettings()
}

func (h *Host) allocateToken() int {
	t := h.nextToken
	h.nextToken = (h.nextToken + 1) % 256
	return t
}

// SendCommand encodes and writes a command, then, unless muteResponse is
// set, drives a baud-rate-aware timed read loop until a response with the
// assigned token arrives or the deadline passes. It returns the response
// payload on success; on a remote error response it returns a *RemoteError;
// on timeout or a malformed response with the right token it returns a
// *NoResponseError.
func (h *Host) SendCommand(address, port int, isUser, muteResponse bool, payload []byte, propcrOrder bool) (*Transaction, error) {
	start := time.Now()
	token := h.allocateToken()

	cmd, err := EncodeCommand(address, port, isUser, muteResponse, payload, token, propcrOrder)
	if err != nil {
		return nil, err
	}

	t := &Transaction{Address: address, Port: port, Token: token, Command: cmd}

	if err := h.port.ResetInputBuffer(); err != nil {
		return nil, &HostError{Address: address, Port: port, Message: "reset input buffer: " + err.Error()}
	}
	if _, err := h.port.Write(cmd); err != nil {
		return nil, &HostError{Address: address, Port: port, Message: "write: " + err.Error()}
	}

	if muteResponse {
		h.observe(Telemetry{Address: address, Port: port, Token: token, Outcome: "muted", Duration: time.Since(start)})
		return t, nil
	}

	settings := h.addressSettings(address)
	parser := NewParser()
	parser.Reset()

	secondsPerByte := settings.StopBits.bitsPerByte() / float64(settings.BaudRate)
	now := time.Now()
	timeLimit := now.Add(settings.Timeout)
	maxTimeLimit := timeLimit.Add(time.Duration(secondsPerByte * 2084 * float64(time.Second)))

	byteCount := 0
	var results []Result

	for parser.MinBytesExpected > 0 && now.Before(timeLimit) {
		if err := h.port.SetReadTimeout(timeLimit.Sub(now)); err != nil {
			return nil, &HostError{Address: address, Port: port, Message: "set read timeout: " + err.Error()}
		}
		buf := make([]byte, parser.MinBytesExpected)
		n, err := h.port.Read(buf)
		if err != nil {
			return nil, &HostError{Address: address, Port: port, Message: "read: " + err.Error()}
		}
		byteCount += n
		results = append(results, parser.Parse(buf[:n], byte(token))...)

		extra := time.Duration(secondsPerByte * float64(n) * float64(time.Second))
		if grown := timeLimit.Add(extra); grown.Before(maxTimeLimit) {
			timeLimit = grown
		} else {
			timeLimit = maxTimeLimit
		}
		now = time.Now()
	}

	outcome, payloadOut, classifyErr := classifyResults(parser, results, address, port, token, byteCount)
	h.Log.Debug("crow transaction complete", "address", address, "port", port, "token", token, "outcome", outcome, "bytes", byteCount)
	h.observe(Telemetry{Address: address, Port: port, Token: token, Outcome: outcome, Bytes: byteCount, Duration: time.Since(start)})

	if classifyErr != nil {
		return t, classifyErr
	}
	t.Response = payloadOut
	return t, nil
}

func (h *Host) observe(tel Telemetry) {
	if h.Metrics != nil {
		h.Metrics.ObserveTransaction(tel.Outcome, tel.Bytes, tel.Duration)
	}
	if h.Observer != nil {
		h.Observer.Observe(tel)
	}
}

// classifyResults implements the terminal classification in §4.4: a
// matching normal response returns its payload, a matching error response
// is decoded into a *RemoteError, and anything else (timeout, stale token,
// malformed response with the right token) becomes a *NoResponseError.
func classifyResults(p *Parser, results []Result, address, port, token, byteCount int) (outcome string, payload []byte, err error) {
	if p.MinBytesExpected == 0 {
		for _, r := range results {
			if r.Kind == KindResponse && int(r.Token) == token {
				if r.IsError {
					return "remote_error", nil, DecodeRemoteError(address, port, r.Payload)
				}
				return "response", r.Payload, nil
			}
			if r.Kind == KindError {
				return "no_response", nil, &NoResponseError{Address: address, Port: port, NumBytes: byteCount, Message: r.Message}
			}
		}
		return "no_response", nil, fmt.Errorf("crow: internal error: expected a matching response in parser results, found none")
	}

	if byteCount == 0 {
		return "no_response", nil, &NoResponseError{Address: address, Port: port, NumBytes: byteCount}
	}
	for _, r := range results {
		if r.Kind == KindResponse && int(r.Token) != token {
			return "no_response", nil, &NoResponseError{
				Address: address, Port: port, NumBytes: byteCount,
				Message: "a response with an unexpected token was received; it may be stale, or the device may have malfunctioned",
			}
		}
	}
	return "no_response", nil, &NoResponseError{Address: address, Port: port, NumBytes: byteCount}
}
