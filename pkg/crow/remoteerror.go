package crow

import "fmt"

// ErrorKind identifies one of the standard assigned Crow v2 remote error
// numbers. Device errors occupy 0-63, service errors 64-254; within each
// range, low numbers are individually assigned and the rest fall back to
// an unknown/generic bucket by range (see DecodeRemoteError).
type ErrorKind int

const (
	KindUnspecifiedDevice ErrorKind = iota
	KindDeviceFault
	KindServiceFault
	KindDeviceUnavailable
	KindDeviceIsBusy
	KindOversizedCommand
	KindCorruptCommandPayload
	KindPortNotOpen
	KindDeviceLowResources
	KindUnknownDevice
	KindGenericDevice

	KindUnspecifiedService
	KindUnknownCommandFormat
	KindRequestTooLarge
	KindServiceLowResources
	KindCommandNotAvailable
	KindCommandNotImplemented
	KindCommandNotAllowed
	KindInvalidCommand
	KindIncorrectCommandSize
	KindMissingCommandData
	KindTooMuchCommandData
	KindUnknownService
	KindGenericService
)

var kindMessage = map[ErrorKind]string{
	KindUnspecifiedDevice:     "the device experienced an unspecified error",
	KindDeviceFault:           "an unexpected error occurred in the device's Crow implementation",
	KindServiceFault:          "an unexpected error occurred in the device's service implementation",
	KindDeviceUnavailable:     "the device is unavailable",
	KindDeviceIsBusy:          "the device is busy",
	KindOversizedCommand:      "the command payload exceeded the device's capacity",
	KindCorruptCommandPayload: "the command payload checksum test failed",
	KindPortNotOpen:           "the port was not open",
	KindDeviceLowResources:    "the device reports low resources",
	KindUnknownDevice:         "unknown device error",
	KindGenericDevice:         "device error",

	KindUnspecifiedService:    "the service experienced an unspecified error",
	KindUnknownCommandFormat:  "the service does not recognize the command format",
	KindRequestTooLarge:       "the required response would exceed the device's capacity",
	KindServiceLowResources:   "the service reports low resources",
	KindCommandNotAvailable:   "the command is not available",
	KindCommandNotImplemented: "the command is not implemented",
	KindCommandNotAllowed:     "the command is not allowed",
	KindInvalidCommand:        "the command format was recognized, but it is invalid",
	KindIncorrectCommandSize:  "the command payload had a different size than expected",
	KindMissingCommandData:    "the command payload was smaller than expected",
	KindTooMuchCommandData:    "the command payload was larger than expected",
	KindUnknownService:        "unknown service error",
	KindGenericService:        "service error",
}

// kindParent captures the "is-a" relationships from the original exception
// hierarchy that survive as single-step Unwrap chains: DeviceIsBusyError
// is-a DeviceUnavailableError, CommandNotImplementedError and
// CommandNotAllowedError are-a CommandNotAvailableError, and
// MissingCommandDataError/TooMuchCommandDataError are-a
// IncorrectCommandSizeError, which is itself-a InvalidCommandError.
var kindParent = map[ErrorKind]ErrorKind{
	KindDeviceIsBusy:          KindDeviceUnavailable,
	KindCommandNotImplemented: KindCommandNotAvailable,
	KindCommandNotAllowed:     KindCommandNotAvailable,
	KindIncorrectCommandSize:  KindInvalidCommand,
	KindMissingCommandData:    KindIncorrectCommandSize,
	KindTooMuchCommandData:    KindIncorrectCommandSize,
}

// RemoteError is the error a device or its service reported for a
// transaction, decoded from the response payload's error number and
// optional detail fields. Details holds whichever of message,
// crow_version, max_command_size, max_response_size, address, port, and
// service_identifier the device chose to include.
type RemoteError struct {
	Kind    ErrorKind
	Number  int
	Address int
	Port    int
	Details map[string]any
}

func (e *RemoteError) Error() string {
	msg := kindMessage[e.Kind]
	if msg == "" {
		msg = fmt.Sprintf("error number %d", e.Number)
	}
	s := fmt.Sprintf("crow: remote error: %s (address %d, port %d, number %d)", msg, e.Address, e.Port, e.Number)
	if m, ok := e.Details["message"].(string); ok {
		s += ": " + m
	}
	return s
}

// Unwrap exposes the ancestor error kind, if any, as a distinct
// *RemoteError so that errors.Is(err, &RemoteError{Kind: KindDeviceUnavailable})
// matches a KindDeviceIsBusy error.
func (e *RemoteError) Unwrap() error {
	parent, ok := kindParent[e.Kind]
	if !ok {
		return nil
	}
	return &RemoteError{Kind: parent, Number: e.Number, Address: e.Address, Port: e.Port, Details: e.Details}
}

// Is lets errors.Is match on Kind alone, ignoring Number/Address/Port/Details,
// so callers can test "is this a device-busy error" with a bare &RemoteError{Kind: KindDeviceIsBusy}.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// DecodeRemoteError interprets an error response's payload (an is_error
// response, per the parser) into a *RemoteError, applying the standard
// assigned error number table and the E1 optional-details bitfield.
func DecodeRemoteError(address, port int, response []byte) error {
	if len(response) == 0 {
		return &RemoteError{Kind: KindUnspecifiedDevice, Address: address, Port: port}
	}

	number := int(response[0])
	details := map[string]any{}

	if len(response) >= 2 {
		e1 := response[1]
		r := NewFieldReader(response, 2, fmt.Sprintf("error number %d", number))
		var err error
		if e1&1 != 0 {
			details["message"], err = r.ReadASCII(4, "message")
		}
		if err == nil && e1&2 != 0 {
			var v uint32
			v, err = r.ReadUint(1, "crow_version")
			details["crow_version"] = int(v)
		}
		if err == nil && e1&4 != 0 {
			var v uint32
			v, err = r.ReadUint(2, "max_command_size")
			details["max_command_size"] = int(v)
		}
		if err == nil && e1&8 != 0 {
			var v uint32
			v, err = r.ReadUint(2, "max_response_size")
			details["max_response_size"] = int(v)
		}
		if err == nil && e1&16 != 0 {
			var v uint32
			v, err = r.ReadUint(1, "address")
			details["address"] = int(v)
		}
		if err == nil && e1&32 != 0 {
			var v uint32
			v, err = r.ReadUint(1, "port")
			details["port"] = int(v)
		}
		if err == nil && e1&64 != 0 {
			details["service_identifier"], err = r.ReadASCII(3, "service_identifier")
		}
		if err != nil {
			return &HostError{Address: address, Port: port, Message: err.Error()}
		}
	}

	return &RemoteError{Kind: classifyErrorNumber(number), Number: number, Address: address, Port: port, Details: details}
}

func classifyErrorNumber(number int) ErrorKind {
	switch {
	case number == 0:
		return KindUnspecifiedDevice
	case number == 1:
		return KindDeviceFault
	case number == 2:
		return KindServiceFault
	case number == 3:
		return KindDeviceUnavailable
	case number == 4:
		return KindDeviceIsBusy
	case number == 5:
		return KindOversizedCommand
	case number == 6:
		return KindCorruptCommandPayload
	case number == 7:
		return KindPortNotOpen
	case number == 8:
		return KindDeviceLowResources
	case number >= 9 && number < 32:
		return KindUnknownDevice
	case number >= 32 && number < 64:
		return KindGenericDevice
	case number == 64:
		return KindUnspecifiedService
	case number == 65:
		return KindUnknownCommandFormat
	case number == 66:
		return KindRequestTooLarge
	case number == 67:
		return KindServiceLowResources
	case number == 68:
		return KindCommandNotAvailable
	case number == 69:
		return KindCommandNotImplemented
	case number == 70:
		return KindCommandNotAllowed
	case number == 71:
		return KindInvalidCommand
	case number == 72:
		return KindIncorrectCommandSize
	case number == 73:
		return KindMissingCommandData
	case number == 74:
		return KindTooMuchCommandData
	case number >= 75 && number < 128:
		return KindUnknownService
	default:
		return KindGenericService
	}
}
