// Package admin implements the CrowAdmin service client: the small set of
// standard commands (ping, echo, device info, open ports) every Crow v2
// device's admin port (port 0) is expected to answer.
package admin

import (
	"fmt"
	"time"

	"github.com/corvid/crowhost/pkg/crow"
)

// commandSender is the one method Client needs from crow.Host, narrowed so
// tests can supply a fake without standing up a full Host.
type commandSender interface {
	SendCommand(address, port int, isUser, muteResponse bool, payload []byte, propcrOrder bool) (*crow.Transaction, error)
}

// Client talks to one device's CrowAdmin service over a crow.Host.
type Client struct {
	Host        commandSender
	Address     int
	Port        int
	PropCROrder bool
}

// New returns a Client addressing the given device over host. Port
// defaults to 0, the conventional CrowAdmin admin port.
func New(host commandSender, address int) *Client {
	return &Client{Host: host, Address: address, Port: 0}
}

// Error reports a CrowAdmin protocol violation: a malformed or unexpected
// response to one of the commands below.
type Error struct {
	Address     int
	Port        int
	CommandCode int // -1 for ping, which has no command code
	Message     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("crow admin: %s (address %d, port %d, command %d)", e.Message, e.Address, e.Port, e.CommandCode)
}

const (
	caID0 = 0x43 // 'C'
	caID1 = 0x41 // 'A'
)

func (c *Client) sendCommand(commandCode int, data []byte, responseExpected bool) ([]byte, error) {
	var command []byte
	if commandCode >= 0 {
		command = append([]byte{caID0, caID1, byte(commandCode)}, data...)
	}
	t, err := c.Host.SendCommand(c.Address, c.Port, true, !responseExpected, command, c.PropCROrder)
	if err != nil {
		return nil, err
	}
	return t.Response, nil
}

func (c *Client) fail(commandCode int, message string) error {
	return &Error{Address: c.Address, Port: c.Port, CommandCode: commandCode, Message: message}
}

// Ping sends an empty admin ping and returns the round-trip time. It fails
// if the response is non-empty.
func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()
	rsp, err := c.sendCommand(-1, nil, true)
	if err != nil {
		return 0, err
	}
	if len(rsp) > 0 {
		return 0, c.fail(-1, "the ping response was not empty")
	}
	return time.Since(start), nil
}

// Echo sends data as an echo command and fails unless the device echoes
// the exact command bytes back.
func (c *Client) Echo(data []byte) error {
	cmd := append([]byte{caID0, caID1, 0}, data...)
	rsp, err := c.sendCommand(0, data, true)
	if err != nil {
		return err
	}
	if err := c.checkHeader(rsp, 0); err != nil {
		return err
	}
	if len(rsp) != len(cmd) {
		return c.fail(0, "the echo response has the wrong length")
	}
	for i := range cmd {
		if rsp[i] != cmd[i] {
			return c.fail(0, "the echo response has incorrect bytes")
		}
	}
	return nil
}

// HostPresence sends a muted broadcast announcing the host's presence on
// the line; there is no response to wait for.
func (c *Client) HostPresence(data []byte) error {
	saved := c.Address
	c.Address = 0
	defer func() { c.Address = saved }()
	_, err := c.sendCommand(0, data, false)
	return err
}

// DeviceInfo is the decoded response to GetDeviceInfo.
type DeviceInfo struct {
	CrowVersion      int
	CrowAdminVersion int
	MaxCommandSize   int
	MaxResponseSize  int
	ImplIdentifier     string
	ImplDescription    string
	DeviceIdentifier   string
	DeviceDescription  string
}

// GetDeviceInfo returns the device's identifying and capacity information.
func (c *Client) GetDeviceInfo() (*DeviceInfo, error) {
	rsp, err := c.sendCommand(1, nil, true)
	if err != nil {
		return nil, err
	}
	if err := c.checkHeader(rsp, 1); err != nil {
		return nil, err
	}
	if len(rsp) < 9 {
		return nil, c.fail(1, "the get_device_info response has fewer than nine bytes")
	}
	info := &DeviceInfo{
		CrowVersion:      int(rsp[3]),
		CrowAdminVersion: int(rsp[4]),
		MaxCommandSize:   int(rsp[5])<<8 | int(rsp[6]),
		MaxResponseSize:  int(rsp[7])<<8 | int(rsp[8]),
	}
	if len(rsp) == 9 {
		return info, nil
	}
	details := rsp[9]
	r := crow.NewFieldReader(rsp, 10, "get_device_info")
	var readErr error
	if details&1 != 0 {
		info.ImplIdentifier, readErr = r.ReadASCII(3, "impl_identifier")
	}
	if readErr == nil && details&2 != 0 {
		info.ImplDescription, readErr = r.ReadASCII(3, "impl_description")
	}
	if readErr == nil && details&4 != 0 {
		info.DeviceIdentifier, readErr = r.ReadASCII(3, "device_identifier")
	}
	if readErr == nil && details&8 != 0 {
		info.DeviceDescription, readErr = r.ReadASCII(3, "device_description")
	}
	if readErr != nil {
		return nil, c.fail(1, readErr.Error())
	}
	return info, nil
}

// GetOpenPorts returns the list of port numbers open on the device.
func (c *Client) GetOpenPorts() ([]int, error) {
	rsp, err := c.sendCommand(2, nil, true)
	if err != nil {
		return nil, err
	}
	if err := c.checkHeader(rsp, 2); err != nil {
		return nil, err
	}
	if len(rsp) < 4 {
		return nil, c.fail(2, "the get_open_ports response has fewer than four bytes")
	}
	switch rsp[3] {
	case 0:
		ports := make([]int, len(rsp[4:]))
		for i, p := range rsp[4:] {
			ports[i] = int(p)
		}
		return ports, nil
	case 1:
		return nil, c.fail(2, "the bitfield format for get_open_ports is not supported")
	default:
		return nil, c.fail(2, "invalid format byte for get_open_ports")
	}
}

// PortInfo is the decoded response to GetPortInfo.
type PortInfo struct {
	IsOpen              bool
	ServiceIdentifier   string
	ServiceDescription  string
}

// GetPortInfo returns information about one port on the device.
func (c *Client) GetPortInfo(port int) (*PortInfo, error) {
	if port < 0 || port > 255 {
		return nil, c.fail(3, "port must be 0 to 255")
	}
	rsp, err := c.sendCommand(3, []byte{byte(port)}, true)
	if err != nil {
		return nil, err
	}
	if err := c.checkHeader(rsp, 3); err != nil {
		return nil, err
	}
	if len(rsp) < 4 {
		return nil, c.fail(3, "the get_port_info response has fewer than four bytes")
	}
	details := rsp[3]
	info := &PortInfo{IsOpen: details&1 != 0}
	r := crow.NewFieldReader(rsp, 4, "get_port_info")
	var readErr error
	if details&2 != 0 {
		info.ServiceIdentifier, readErr = r.ReadASCII(3, "service_identifier")
	}
	if readErr == nil && details&4 != 0 {
		info.ServiceDescription, readErr = r.ReadASCII(3, "service_description")
	}
	if readErr != nil {
		return nil, c.fail(3, readErr.Error())
	}
	return info, nil
}

// checkHeader validates the three-byte CrowAdmin response header: the
// identifying bytes "CA" followed by a repeat of the command code.
func (c *Client) checkHeader(rsp []byte, commandCode int) error {
	if len(rsp) < 3 {
		return c.fail(commandCode, "the response has fewer than three bytes")
	}
	if rsp[0] != caID0 || rsp[1] != caID1 {
		return c.fail(commandCode, "the response does not have the correct identifying bytes")
	}
	if int(rsp[2]) != commandCode {
		return c.fail(commandCode, "the response does not echo the correct command code")
	}
	return nil
}
