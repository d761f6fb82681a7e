// Package gokernel provides a Go client for kernels that speak the Jupyter
// messaging protocol.
//
// # Overview
//
// A kernel listens on five channels: shell, control, iopub, stdin and
// heartbeat. Replies and status notifications arrive independently and in no
// particular order across channels. gokernel connects to those channels,
// broadcasts every inbound message on a bus, and decides when a request is
// complete: its reply has arrived and the kernel has gone back to idle.
//
// # Organization
//
//   - github.com/localrivet/gokernel/client: connection, bus, correlator,
//     process supervisor, heartbeat and the Kernel facade
//   - github.com/localrivet/gokernel/protocol: messages, connection files,
//     content types and the signed wire codec
//   - github.com/localrivet/gokernel/transport: channel sockets over TCP,
//     unix sockets or a kernel gateway websocket
//   - github.com/localrivet/gokernel/tunnel: SSH forwarding to remote kernels
//   - github.com/localrivet/gokernel/kerneltest: an in-process fake kernel
//
// # Basic Usage
//
//	spec, err := client.FindKernelSpec("python3")
//	if err != nil {
//	  log.Fatal(err)
//	}
//	k, err := client.Launch(ctx, spec,
//	  client.WithLaunchRetry(client.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 20)),
//	)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer k.Close() // Will also stop the kernel process
//
//	res, err := k.Execute(ctx, "print('hello')")
//	fmt.Print(res.Stdout)
//
// Attach connects to a kernel that is already running, given its
// connection file:
//
//	params, err := protocol.ReadConnectionFile("kernel-1234.json")
//	k, err := client.Attach(ctx, params)
//
// # Correlation
//
// By default a message belongs to a request when its parent header carries
// the request's msg_id. client.MatchByType restores matching on message type
// and status alone, which lets concurrent requests on one connection satisfy
// each other.
//
// # Versioning
//
// gokernel follows semantic versioning. The current version is available through the Version constant.
package gokernel

// Version is the current version of the gokernel library
const Version = "0.1.0"
