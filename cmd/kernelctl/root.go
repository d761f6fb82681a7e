package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/localrivet/gokernel"
	"github.com/localrivet/gokernel/auth"
	"github.com/localrivet/gokernel/client"
	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport/tcp"
	"github.com/localrivet/gokernel/transport/websocket"
	"github.com/localrivet/gokernel/tunnel"
	"github.com/localrivet/gokernel/types"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=0.2.0"
var version = gokernel.Version //nolint:gochecknoglobals

// logLevelEnv overrides the level chosen by -v and the config file.
const logLevelEnv = "GOKERNEL_LOG_LEVEL"

// errReported marks a failure whose details were already written to stderr.
var errReported = errors.New("reported")

type options struct {
	configPath     string
	kernelSpec     string
	connectionFile string
	code           string
	timeout        time.Duration
	info           bool
	shutdown       bool
	verbose        int

	ssh           string
	sshKey        string
	sshPassword   bool
	sshAgent      bool
	strictHostKey bool
	knownHosts    string

	gateway   string
	kernelID  string
	token     string
	jwtSecret string
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("kernelctl", flag.ContinueOnError)

	// ── kernel ───────────────────────────────────────────────────
	fs.StringVarP(&o.configPath, "config", "f", "", "Config file (.toml, .yaml or .json)")
	fs.StringVarP(&o.kernelSpec, "kernelspec", "k", "", "Kernelspec name or path to launch")
	fs.StringVar(&o.connectionFile, "connection-file", "", "Attach to the kernel described by this connection file")

	// ── request ──────────────────────────────────────────────────
	fs.StringVarP(&o.code, "code", "c", "", "Code to execute (default: arguments, then stdin)")
	fs.DurationVar(&o.timeout, "timeout", 0, "Bound every request, e.g. 30s")
	fs.BoolVar(&o.info, "info", false, "Print kernel_info and exit")
	fs.BoolVar(&o.shutdown, "shutdown", false, "Ask the kernel to shut down when done")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVar(&o.ssh, "ssh", "", "Reach the kernel through [user@]host[:port]")
	fs.StringVar(&o.sshKey, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&o.sshPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&o.sshAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&o.strictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&o.knownHosts, "known-hosts", "", "Custom known_hosts path")

	// ── gateway ──────────────────────────────────────────────────
	fs.StringVar(&o.gateway, "gateway", "", "Kernel gateway URL, e.g. http://localhost:8888")
	fs.StringVar(&o.kernelID, "kernel-id", "", "Kernel id on the gateway")
	fs.StringVar(&o.token, "token", "", "Gateway bearer token")
	fs.StringVar(&o.jwtSecret, "jwt-secret", "", "Mint HS256 gateway tokens with this secret")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&o.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	return fs
}

// Execute parses args and runs one kernelctl invocation.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	o := &options{}
	fs := newFlagSet(o)
	fs.SetOutput(stderr)

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() { printUsage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs, stderr)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "kernelctl %s\n", version)
		return nil
	}

	cfg, err := o.config()
	if err != nil {
		return err
	}
	logger := newLogger(stderr, o.verbose, cfg.LogLevel)

	fileOpts, err := cfg.Options()
	if err != nil {
		return err
	}
	// Launched kernels bind their ports a moment after they start.
	clientOpts := []client.Option{
		client.WithLaunchRetry(client.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 20)),
	}
	clientOpts = append(clientOpts, fileOpts...)
	clientOpts = append(clientOpts, client.WithLogger(logger))
	if o.timeout > 0 {
		clientOpts = append(clientOpts, client.WithRequestTimeout(o.timeout))
	}

	code := ""
	if !o.info {
		if code, err = readCode(o.code, fs.Args(), stdin); err != nil {
			return err
		}
	}

	kernel, cleanup, err := o.open(ctx, cfg, clientOpts, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	defer kernel.Close()

	if o.info {
		info, err := kernel.KernelInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %s (protocol %s, language %s)\n",
			info.Implementation, info.ImplementationVersion, info.ProtocolVersion, info.LanguageInfo.Name)
		if info.Banner != "" {
			fmt.Fprintln(stdout, info.Banner)
		}
		return nil
	}

	runErr := execute(ctx, kernel, code, stdout, stderr)
	if errors.Is(runErr, client.ErrCancelled) {
		interruptCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := kernel.Interrupt(interruptCtx); err != nil {
			logger.Warn("kernelctl: interrupt failed: %v", err)
		}
		cancel()
	}
	if o.shutdown {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := kernel.Shutdown(shutdownCtx, false); err != nil {
			logger.Warn("kernelctl: shutdown failed: %v", err)
		}
	}
	return runErr
}

// config loads the config file, if any, and lets flags override it.
func (o *options) config() (*client.Config, error) {
	cfg := &client.Config{}
	if o.configPath != "" {
		loaded, err := client.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.KernelSpec, o.kernelSpec)
	override(&cfg.ConnectionFile, o.connectionFile)
	override(&cfg.SSH, o.ssh)
	override(&cfg.Gateway.URL, o.gateway)
	override(&cfg.Gateway.KernelID, o.kernelID)
	override(&cfg.Gateway.Token, o.token)
	override(&cfg.Gateway.JWTSecret, o.jwtSecret)

	if cfg.SSH != "" && cfg.Gateway.URL != "" {
		return nil, fmt.Errorf("--ssh and --gateway cannot be combined")
	}
	if cfg.Gateway.URL == "" && cfg.ConnectionFile == "" && cfg.KernelSpec == "" && cfg.Kernel == nil {
		return nil, fmt.Errorf("one of --kernelspec, --connection-file or --gateway is required")
	}
	if cfg.ConnectionFile == "" && cfg.SSH != "" {
		return nil, fmt.Errorf("--ssh needs --connection-file")
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose int, configured string) *logx.ZerologLogger {
	level := logx.LevelWarn
	switch {
	case verbose >= 2:
		level = logx.LevelDebug
	case verbose == 1:
		level = logx.LevelInfo
	case configured != "":
		if l, ok := logx.ParseLevel(configured); ok {
			level = l
		}
	}
	if l, ok := logx.ParseLevel(os.Getenv(logLevelEnv)); ok {
		level = l
	}
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return logx.NewConsoleLogger(w, level, color)
}

// readCode picks the code to run: the flag, then the positional arguments,
// then stdin when it is not a terminal.
func readCode(flagCode string, args []string, stdin io.Reader) (string, error) {
	if flagCode != "" {
		return flagCode, nil
	}
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("no code given (use -c, arguments or stdin)")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read code from stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("no code given (use -c, arguments or stdin)")
	}
	return string(data), nil
}

func execute(ctx context.Context, kernel *client.Kernel, code string, stdout, stderr io.Writer) error {
	res, err := kernel.Execute(ctx, code)
	if res != nil {
		io.WriteString(stdout, res.Stdout)
		io.WriteString(stderr, res.Stderr)
		if res.Result != "" {
			fmt.Fprintln(stdout, res.Result)
		}
	}
	var kerr *client.KernelError
	if errors.As(err, &kerr) {
		fmt.Fprintln(stderr, kerr.TracebackText())
		return fmt.Errorf("%w: %w", errReported, err)
	}
	return err
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `kernelctl %s

Runs code on a Jupyter kernel and prints what it produced.

Usage:
  kernelctl -k <kernelspec> [options] [code...]              Launch a kernel
  kernelctl --connection-file <file> [options] [code...]     Attach to a kernel
  kernelctl --gateway <url> --kernel-id <id> [options]       Use a kernel gateway

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprint(w, `
Examples:
  kernelctl -k python3 -c 'print(1 + 1)'
  echo 'import sys; sys.version' | kernelctl -k python3
  kernelctl --connection-file kernel-1234.json --ssh admin@bastion --info
  kernelctl --gateway http://localhost:8888 --kernel-id 5f2c --token s3cret '2 ** 10'
`)
}

// open reaches the kernel the configuration describes. cleanup releases
// anything open allocated besides the kernel, such as an SSH tunnel.
func (o *options) open(ctx context.Context, cfg *client.Config, opts []client.Option, logger types.Logger) (*client.Kernel, func(), error) {
	nothing := func() {}
	topts := types.TransportOptions{Logger: logger}

	switch {
	case cfg.Gateway.URL != "":
		tokens, err := gatewayTokens(cfg.Gateway)
		if err != nil {
			return nil, nothing, err
		}
		factory := websocket.NewFactory(cfg.Gateway.URL, cfg.Gateway.KernelID, tokens, topts)
		opts = append(opts, client.WithTransportFactory(factory))
		kernel, err := client.Attach(ctx, gatewayParams(), opts...)
		return kernel, nothing, err

	case cfg.ConnectionFile != "":
		params, err := protocol.ReadConnectionFile(cfg.ConnectionFile)
		if err != nil {
			return nil, nothing, err
		}
		cleanup := nothing
		if cfg.SSH != "" {
			tun, err := o.dialTunnel(ctx, cfg.SSH, logger)
			if err != nil {
				return nil, nothing, err
			}
			cleanup = func() { tun.Close() }
			opts = append(opts, client.WithTransportFactory(tcp.NewFactory(topts).WithDialer(tun)))
		}
		kernel, err := client.Attach(ctx, params, opts...)
		if err != nil {
			cleanup()
			return nil, nothing, err
		}
		return kernel, cleanup, nil
	}

	spec, err := cfg.LaunchSpec()
	if err != nil {
		return nil, nothing, err
	}
	kernel, err := client.Launch(ctx, spec, opts...)
	return kernel, nothing, err
}

// dialTunnel connects an SSH tunnel to target using the ssh flags.
func (o *options) dialTunnel(ctx context.Context, target string, logger types.Logger) (*tunnel.SSHTunnel, error) {
	sc, err := tunnel.ParseTarget(target)
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	sc.KeyPath = o.sshKey
	sc.PromptPass = o.sshPassword
	sc.UseAgent = o.sshAgent
	sc.StrictHostKey = o.strictHostKey
	sc.KnownHosts = o.knownHosts

	tun := tunnel.NewSSHTunnel(sc, logger)
	if err := tun.Connect(ctx); err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	return tun, nil
}

func gatewayTokens(gw client.GatewayConfig) (auth.TokenSource, error) {
	switch {
	case gw.JWTSecret != "":
		src, err := auth.NewJWTTokenSource(auth.JWTConfig{Secret: []byte(gw.JWTSecret), Issuer: gw.JWTIssuer})
		if err != nil {
			return nil, err
		}
		return src, nil
	case gw.Token != "":
		return auth.StaticToken(gw.Token), nil
	}
	return nil, nil
}

// gatewayParams stands in for a connection file when talking to a gateway.
// The gateway routes by kernel id and signs on the kernel side, so the
// ports are placeholders and messages go out unsigned.
func gatewayParams() protocol.ConnectionParameters {
	return protocol.ConnectionParameters{
		Transport:   protocol.TransportTCP,
		IP:          "gateway",
		ShellPort:   1,
		ControlPort: 2,
		IOPubPort:   3,
		StdinPort:   4,
		HBPort:      5,
	}
}
