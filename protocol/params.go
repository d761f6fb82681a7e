package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// Transport names how channel sockets reach the kernel.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportIPC Transport = "ipc"
)

// ConnectionParameters is the connection file shared out-of-band with the kernel.
// It is treated as immutable once used to connect.
type ConnectionParameters struct {
	Transport       Transport `json:"transport"`
	IP              string    `json:"ip"`
	ShellPort       uint16    `json:"shell_port"`
	IOPubPort       uint16    `json:"iopub_port"`
	StdinPort       uint16    `json:"stdin_port"`
	ControlPort     uint16    `json:"control_port"`
	HBPort          uint16    `json:"hb_port"`
	Key             string    `json:"key"`
	SignatureScheme string    `json:"signature_scheme"`
	KernelName      string    `json:"kernel_name"`
	Version         string    `json:"version,omitempty"`
}

// NewConnectionParameters allocates five free TCP ports on ip and a random signing key.
func NewConnectionParameters(ip string) (ConnectionParameters, error) {
	if ip == "" {
		ip = "127.0.0.1"
	}
	ports, err := freePorts(ip, len(Channels))
	if err != nil {
		return ConnectionParameters{}, err
	}
	return ConnectionParameters{
		Transport:       TransportTCP,
		IP:              ip,
		ShellPort:       ports[0],
		ControlPort:     ports[1],
		IOPubPort:       ports[2],
		StdinPort:       ports[3],
		HBPort:          ports[4],
		Key:             uuid.NewString(),
		SignatureScheme: DefaultSignatureScheme,
		Version:         CurrentProtocolVersion,
	}, nil
}

// freePorts binds n ephemeral listeners at once so the ports are distinct, then releases them.
func freePorts(ip string, n int) ([]uint16, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	ports := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate port on %s: %w", ip, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, uint16(l.Addr().(*net.TCPAddr).Port))
	}
	return ports, nil
}

// Port returns the port bound to ch.
func (p ConnectionParameters) Port(ch Channel) uint16 {
	switch ch {
	case ChannelShell:
		return p.ShellPort
	case ChannelControl:
		return p.ControlPort
	case ChannelIOPub:
		return p.IOPubPort
	case ChannelStdin:
		return p.StdinPort
	case ChannelHeartbeat:
		return p.HBPort
	}
	return 0
}

// Network returns the net package network name for the transport.
func (p ConnectionParameters) Network() string {
	if p.Transport == TransportIPC {
		return "unix"
	}
	return "tcp"
}

// Address returns the dial address of ch: host:port for tcp, "<ip>-<port>" for ipc.
func (p ConnectionParameters) Address(ch Channel) string {
	port := strconv.Itoa(int(p.Port(ch)))
	if p.Transport == TransportIPC {
		return p.IP + "-" + port
	}
	return net.JoinHostPort(p.IP, port)
}

// Validate checks the parameters before any socket is opened.
func (p ConnectionParameters) Validate() error {
	switch p.Transport {
	case TransportTCP, TransportIPC:
	default:
		return newParameterError("transport", fmt.Sprintf("unknown transport %q", p.Transport))
	}
	if p.IP == "" {
		return newParameterError("ip", "must not be empty")
	}
	if p.SignatureScheme != "" && p.SignatureScheme != DefaultSignatureScheme {
		return newParameterError("signature_scheme", fmt.Sprintf("%q is not supported", p.SignatureScheme))
	}
	seen := make(map[uint16]Channel, len(Channels))
	for _, ch := range Channels {
		port := p.Port(ch)
		if port == 0 {
			return newParameterError(string(ch)+"_port", "must not be zero")
		}
		if other, dup := seen[port]; dup {
			return newParameterError(string(ch)+"_port", fmt.Sprintf("duplicates %s port %d", other, port))
		}
		seen[port] = ch
	}
	return nil
}

// WriteConnectionFile writes p as JSON to path with owner-only permissions.
func (p ConnectionParameters) WriteConnectionFile(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode connection file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create connection file directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write connection file: %w", err)
	}
	return nil
}

// ReadConnectionFile loads connection parameters from a JSON connection file.
func ReadConnectionFile(path string) (ConnectionParameters, error) {
	var p ConnectionParameters
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read connection file: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse connection file %s: %w", path, err)
	}
	if p.Transport == "" {
		p.Transport = TransportTCP
	}
	if p.SignatureScheme == "" && p.Key != "" {
		p.SignatureScheme = DefaultSignatureScheme
	}
	return p, nil
}
