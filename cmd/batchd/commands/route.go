package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/batchd/cfg"
	"github.com/teranos/batchd/dfr"
	"github.com/teranos/batchd/logger"
)

var routeJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// RouteCmd starts the decentralized fan-out router.
//
// The built-in worker hooks hold one TCP connection per worker to its
// backend and otherwise idle; real routers embed dfr.Router with their own
// dfr.Hooks work body.
var RouteCmd = &cobra.Command{
	Use:   "route",
	Short: "Start the decentralized fan-out router",
	Long: `Start the fan-out router: a pool of worker clients, each bound to one
remote backend, plus the control plane (terminate / idle / restart /
show-config / switch).

Example:
  batchd route --port 6555 --port_out 6556 --num_client 2 \
    --remote_servers '[["10.0.0.2",5555,5556],["10.0.0.3",5555,5556]]'`,
	RunE: runRoute,
}

var (
	routePort          int
	routePortOut       int
	routeNumClient     int
	routeRemoteServers string
	routeLogDir        string
)

func init() {
	f := RouteCmd.Flags()
	f.IntVar(&routePort, "port", 0, "command port")
	f.IntVar(&routePortOut, "port_out", 0, "reply port")
	f.IntVar(&routeNumClient, "num_client", 0, "worker clients per backend")
	f.StringVar(&routeRemoteServers, "remote_servers", "", `JSON array of [host, portIn, portOut] triples`)
	f.StringVar(&routeLogDir, "log_dir", "", "directory for rotating log files")
}

func runRoute(cmd *cobra.Command, args []string) error {
	config, err := cfg.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	r := &config.Router
	if cmd.Flags().Changed("port") {
		r.Port = routePort
	}
	if cmd.Flags().Changed("port_out") {
		r.PortOut = routePortOut
	}
	if cmd.Flags().Changed("num_client") {
		r.NumClient = routeNumClient
	}
	if cmd.Flags().Changed("remote_servers") {
		r.RemoteServers = routeRemoteServers
	}
	if cmd.Flags().Changed("log_dir") {
		config.Log.Dir = routeLogDir
	}

	var backends []dfr.Backend
	if err := routeJSON.Unmarshal([]byte(r.RemoteServers), &backends); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --remote_servers: %v\n", err)
		os.Exit(exitConfigError)
	}
	if len(backends) == 0 {
		fmt.Fprintln(os.Stderr, "at least one remote server is required")
		os.Exit(exitConfigError)
	}
	if r.NumClient < 1 {
		fmt.Fprintln(os.Stderr, "num_client must be >= 1")
		os.Exit(exitConfigError)
	}

	if err := logger.Initialize(config.Log.Verbose, config.Log.Dir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupError)
	}
	defer logger.Cleanup()

	router := dfr.New(dfr.Config{
		Port:              r.Port,
		PortOut:           r.PortOut,
		ClientsPerBackend: r.NumClient,
		Backends:          backends,
		DrainTimeout:      r.DrainTimeout(),
		CtlTimeout:        r.CtlTimeout(),
	}, connectionHooks(), logger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := router.Start(ctx); err != nil {
		logger.Errorw("startup failed", "error", err)
		os.Exit(exitStartupError)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	router.Wait()
	return nil
}

// connectionHooks is the reference hook set: each worker dials its
// backend's data port and holds the connection.
func connectionHooks() dfr.Hooks {
	return dfr.Hooks{
		Connect: func(ep dfr.Backend) (dfr.Model, error) {
			return net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ep.Host, ep.PortIn), 5*time.Second)
		},
		Work: func(ctx context.Context, m dfr.Model, log *zap.SugaredLogger) error {
			// The reference worker has no work body; it keeps the
			// connection warm for embedders to replace.
			return nil
		},
		Close: func(m dfr.Model) {
			if conn, ok := m.(net.Conn); ok {
				conn.Close()
			}
		},
	}
}
