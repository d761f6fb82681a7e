package websocket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/ws"
	"github.com/localrivet/gokernel/auth"
	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport"
	"github.com/localrivet/gokernel/types"
)

// Factory opens a gateway socket that carries every channel of one kernel.
type Factory struct {
	// BaseURL is the gateway root, e.g. http://localhost:8888. http and https
	// are rewritten to ws and wss.
	BaseURL string
	// KernelID names the kernel on the gateway.
	KernelID string
	// Tokens supplies the bearer token for the handshake. (Optional)
	Tokens auth.TokenSource
	// Dialer performs the handshake. The zero value is usable.
	Dialer  ws.Dialer
	Options types.TransportOptions
}

// NewFactory creates a gateway factory for kernelID at baseURL.
func NewFactory(baseURL, kernelID string, tokens auth.TokenSource, opts types.TransportOptions) *Factory {
	return &Factory{
		BaseURL:  baseURL,
		KernelID: kernelID,
		Tokens:   tokens,
		Options:  opts,
	}
}

// ChannelsURL returns the gateway channels endpoint for session.
func ChannelsURL(baseURL, kernelID, session string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid gateway url scheme %q", u.Scheme)
	}
	if kernelID == "" {
		return "", fmt.Errorf("kernel id is required")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
	q := u.Query()
	q.Set("session_id", session)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open implements transport.Factory. The connection parameters only supply the
// signing key to the codec; addressing comes from the gateway URL.
func (f *Factory) Open(ctx context.Context, params protocol.ConnectionParameters, session string) (*transport.Set, error) {
	logger := f.Options.Logger
	if logger == nil {
		logger = logx.Nop()
	}

	target, err := ChannelsURL(f.BaseURL, f.KernelID, session)
	if err != nil {
		return nil, err
	}

	dialer := f.Dialer
	if f.Tokens != nil {
		tok, err := f.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain gateway token: %w", err)
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+tok)
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}

	logger.Debug("WebSocketTransport: Dialing %s", target)
	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		logger.Error("WebSocketTransport: Failed to dial %s: %v", target, err)
		return nil, fmt.Errorf("failed to dial websocket %s: %w", target, err)
	}

	// br holds frames the server sent right after the handshake, if any.
	var reader io.Reader
	if br != nil {
		reader = br
	}
	set := transport.NewSet()
	set.Multiplex(NewWebSocketTransport(conn, reader, ws.StateClientSide, f.Options), protocol.Channels...)
	return set, nil
}

var _ transport.Factory = (*Factory)(nil)

// Upgrade performs the server side of the handshake on an HTTP request and
// wraps the hijacked connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts types.TransportOptions) (*WebSocketTransport, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade to websocket: %w", err)
	}
	if rw != nil && rw.Reader.Buffered() > 0 {
		return NewWebSocketTransport(conn, rw.Reader, ws.StateServerSide, opts), nil
	}
	return NewWebSocketTransport(conn, nil, ws.StateServerSide, opts), nil
}
