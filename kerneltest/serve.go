package kerneltest

import (
	"context"
	"os"
	"os/signal"

	"github.com/localrivet/gokernel/protocol"
)

// Serve runs a kernel on the ports of connectionFile until ctx ends or a
// shutdown_request without restart arrives. SIGINT interrupts the running
// cell instead of stopping the kernel. It is the body of a launched fake
// kernel process.
func Serve(ctx context.Context, connectionFile string, opts ...Option) error {
	params, err := protocol.ReadConnectionFile(connectionFile)
	if err != nil {
		return err
	}
	k, err := Listen(params, opts...)
	if err != nil {
		return err
	}
	defer k.Close()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.ShutdownRequested():
			return nil
		case <-interrupts:
			k.logger.Info("kerneltest: interrupted")
			k.InterruptExecution()
		}
	}
}
