package admin

import (
	"testing"

	"github.com/corvid/crowhost/pkg/crow"
)

// fakeSender is a hand-written commandSender test double: it records the
// last command it was asked to send and returns a canned response.
type fakeSender struct {
	lastAddress int
	lastPort    int
	lastMuted   bool
	lastPayload []byte
	response    []byte
	err         error
}

func (f *fakeSender) SendCommand(address, port int, isUser, muteResponse bool, payload []byte, propcrOrder bool) (*crow.Transaction, error) {
	f.lastAddress, f.lastPort, f.lastMuted, f.lastPayload = address, port, muteResponse, payload
	if f.err != nil {
		return nil, f.err
	}
	return &crow.Transaction{Address: address, Port: port, Response: f.response}, nil
}

func TestPingSucceedsOnEmptyResponse(t *testing.T) {
	s := &fakeSender{response: nil}
	c := New(s, 5)
	if _, err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.lastAddress != 5 || s.lastPort != 0 {
		t.Fatalf("SendCommand got address=%d port=%d, want 5/0", s.lastAddress, s.lastPort)
	}
}

func TestPingFailsOnNonEmptyResponse(t *testing.T) {
	s := &fakeSender{response: []byte{1}}
	c := New(s, 5)
	if _, err := c.Ping(); err == nil {
		t.Fatal("Ping() with a non-empty response should fail")
	}
}

func TestEchoRoundTrip(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 5)
	s.response = append([]byte{'C', 'A', 0}, []byte("hello")...)
	if err := c.Echo([]byte("hello")); err != nil {
		t.Fatalf("Echo: %v", err)
	}
}

func TestEchoRejectsMismatchedBytes(t *testing.T) {
	s := &fakeSender{response: []byte{'C', 'A', 0, 'n', 'o'}}
	c := New(s, 5)
	if err := c.Echo([]byte("hello")); err == nil {
		t.Fatal("Echo() with mismatched response bytes should fail")
	}
}

func TestHostPresenceUsesBroadcastAddressAndIsMuted(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 5)
	if err := c.HostPresence([]byte("hi")); err != nil {
		t.Fatalf("HostPresence: %v", err)
	}
	if s.lastAddress != 0 {
		t.Fatalf("lastAddress = %d, want 0 (broadcast)", s.lastAddress)
	}
	if !s.lastMuted {
		t.Fatal("HostPresence should send a muted command")
	}
	if c.Address != 5 {
		t.Fatalf("Client.Address = %d after HostPresence, want restored to 5", c.Address)
	}
}

func TestGetDeviceInfoMinimal(t *testing.T) {
	s := &fakeSender{response: []byte{'C', 'A', 1, 2, 1, 0, 64, 0, 128}}
	c := New(s, 5)
	info, err := c.GetDeviceInfo()
	if err != nil {
		t.Fatalf("GetDeviceInfo: %v", err)
	}
	if info.CrowVersion != 2 || info.CrowAdminVersion != 1 || info.MaxCommandSize != 64 || info.MaxResponseSize != 128 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestGetDeviceInfoWithIdentifier(t *testing.T) {
	header := []byte{'C', 'A', 1, 2, 1, 0, 64, 0, 128, 0b0001}
	// impl_identifier: offset 13 (2 bytes), length 5 (1 byte) = 3 arg bytes.
	args := []byte{0, 13, 5}
	response := append(append(header, args...), []byte("corvi")...)

	s := &fakeSender{response: response}
	c := New(s, 5)
	info, err := c.GetDeviceInfo()
	if err != nil {
		t.Fatalf("GetDeviceInfo: %v", err)
	}
	if info.ImplIdentifier != "corvi" {
		t.Fatalf("ImplIdentifier = %q, want %q", info.ImplIdentifier, "corvi")
	}
}

func TestGetDeviceInfoTooShortFails(t *testing.T) {
	s := &fakeSender{response: []byte{'C', 'A', 1, 2}}
	c := New(s, 5)
	if _, err := c.GetDeviceInfo(); err == nil {
		t.Fatal("GetDeviceInfo() with a truncated response should fail")
	}
}

func TestGetOpenPortsListFormat(t *testing.T) {
	s := &fakeSender{response: []byte{'C', 'A', 2, 0, 0, 1, 2}}
	c := New(s, 5)
	ports, err := c.GetOpenPorts()
	if err != nil {
		t.Fatalf("GetOpenPorts: %v", err)
	}
	want := []int{0, 1, 2}
	if len(ports) != len(want) {
		t.Fatalf("ports = %v, want %v", ports, want)
	}
	for i := range want {
		if ports[i] != want[i] {
			t.Fatalf("ports = %v, want %v", ports, want)
		}
	}
}

func TestGetOpenPortsBitfieldFormatUnsupported(t *testing.T) {
	s := &fakeSender{response: []byte{'C', 'A', 2, 1, 0xff}}
	c := New(s, 5)
	if _, err := c.GetOpenPorts(); err == nil {
		t.Fatal("GetOpenPorts() with bitfield format should fail")
	}
}

func TestGetPortInfoOpenWithServiceIdentifier(t *testing.T) {
	header := []byte{'C', 'A', 3, 0b0011}
	args := []byte{0, 7, 4} // offset 7, length 4
	response := append(append(header, args...), []byte("ntrp")...)

	s := &fakeSender{response: response}
	c := New(s, 5)
	info, err := c.GetPortInfo(7)
	if err != nil {
		t.Fatalf("GetPortInfo: %v", err)
	}
	if !info.IsOpen {
		t.Fatal("IsOpen = false, want true")
	}
	if info.ServiceIdentifier != "ntrp" {
		t.Fatalf("ServiceIdentifier = %q, want %q", info.ServiceIdentifier, "ntrp")
	}
}

func TestGetPortInfoRejectsOutOfRangePort(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 5)
	if _, err := c.GetPortInfo(256); err == nil {
		t.Fatal("GetPortInfo(256) should fail")
	}
}

func TestCheckHeaderRejectsWrongCommandCode(t *testing.T) {
	s := &fakeSender{response: []byte{'C', 'A', 9, 0, 0, 64, 0, 128}}
	c := New(s, 5)
	if _, err := c.GetDeviceInfo(); err == nil {
		t.Fatal("GetDeviceInfo() with the wrong echoed command code should fail")
	}
}
