package kerneltest

import (
	"net/http"

	"github.com/localrivet/gokernel/auth"
	"github.com/localrivet/gokernel/transport/websocket"
	"github.com/localrivet/gokernel/types"
)

// GatewayHandler serves the kernel the way a kernel gateway does: every
// channel multiplexed over one websocket, frames naming their channel.
// With a non-nil validator, connections need a bearer token.
func (k *Kernel) GatewayHandler(validator auth.TokenValidator) http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := websocket.Upgrade(w, r, types.TransportOptions{Logger: k.logger})
		if err != nil {
			k.logger.Warn("kerneltest: gateway upgrade failed: %v", err)
			return
		}
		p := &peer{socket: socket}
		if !k.addPeer(p) {
			socket.Close()
			return
		}
		k.logger.Debug("kerneltest: gateway client %s connected (session %s)", r.RemoteAddr, r.URL.Query().Get("session_id"))
		go k.serve(p)
	})
	if validator != nil {
		h = auth.RequireBearer(validator, h)
	}
	return h
}
