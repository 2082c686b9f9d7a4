package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/batchd/batch"
	"github.com/teranos/batchd/cfg"
	"github.com/teranos/batchd/httpstat"
	"github.com/teranos/batchd/lbs"
	"github.com/teranos/batchd/logger"
	"github.com/teranos/batchd/pool"
	"github.com/teranos/batchd/wire"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// startup failure (port bind, model load).
const (
	exitConfigError  = 1
	exitStartupError = 2
)

// ServeCmd starts the local batching server.
//
// The built-in runner echoes payloads back unchanged; it exists so the
// fabric can be deployed and benchmarked without a model. Real deployments
// embed lbs.Server with their own batch.Runner.
//
// serve passes no accelerator probe to the server, so every worker runs on
// CPU; --device_map, --cpu and --gpu_memory_fraction do not change device
// placement here.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local batching server",
	Long: `Start the local batching server: one acceptor, a pool of connection
sinks, and a pool of device-pinned batch workers.

Example:
  batchd serve --model_dir ./models --num_worker 2 --batch_size 16 --batch_group_timeout 10`,
	RunE: runServe,
}

var (
	serveModelDir     string
	serveNumWorker    int
	serveNumSinks     int
	serveBatchSize    int
	serveBatchTimeout int
	serveDeviceMap    []int
	serveCPU          bool
	serveGPUFraction  float64
	serveProtocol     string
	servePort         int
	servePortOut      int
	serveHTTPPort     int
	serveLogDir       string
	serveVerbose      bool
)

func init() {
	f := ServeCmd.Flags()
	f.StringVar(&serveModelDir, "model_dir", "", "directory of models (required)")
	f.IntVar(&serveNumWorker, "num_worker", 0, "number of batch workers")
	f.IntVar(&serveNumSinks, "num_sinks", 0, "number of connection sinks")
	f.IntVar(&serveBatchSize, "batch_size", 0, "maximum number of requests per batch")
	f.IntVar(&serveBatchTimeout, "batch_group_timeout", -1, "maximum wait (ms) for a new request before closing a batch")
	f.IntSliceVar(&serveDeviceMap, "device_map", nil, "explicit GPU device ids; reused cyclically when shorter than num_worker")
	f.BoolVar(&serveCPU, "cpu", false, "run all workers on CPU")
	f.Float64Var(&serveGPUFraction, "gpu_memory_fraction", 0, "fraction of GPU memory per worker, in (0, 1]")
	f.StringVar(&serveProtocol, "protocol", "", "transfer protocol: obj or numpy")
	f.IntVar(&servePort, "port", 0, "data port")
	f.IntVar(&servePortOut, "port_out", 0, "result port (router pairing)")
	f.IntVar(&serveHTTPPort, "http_port", 0, "HTTP status proxy port (0 disables)")
	f.StringVar(&serveLogDir, "log_dir", "", "directory for rotating log files")
	f.BoolVar(&serveVerbose, "verbose", false, "debug-level logging")
	ServeCmd.MarkFlagRequired("model_dir")
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := cfg.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	applyServeFlags(cmd, config)

	if err := config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	if err := logger.Initialize(config.Log.Verbose, config.Log.Dir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupError)
	}
	defer logger.Cleanup()

	s := config.Server
	runner := echoRunner(s.ModelDir)

	server := lbs.New(lbs.Config{
		Addr:           fmt.Sprintf(":%d", s.Port),
		NumSinks:       s.NumSinks,
		Protocol:       wire.Protocol(s.Protocol),
		ClientDeadline: s.ClientDeadline(),
		DrainTimeout:   s.DrainTimeout(),
		ReplyTTL:       s.ReplyTTL(),
		Pool: pool.Config{
			NumWorkers:     s.NumWorker,
			DeviceHint:     s.DeviceMap,
			RunAllCPU:      s.CPU,
			GPUMemFraction: s.GPUMemoryFraction,
			AutoRespawn:    s.AutoRespawn,
			Batch: batch.Config{
				BatchSize:       s.BatchSize,
				BatchTimeout:    s.BatchTimeout(),
				Semantics:       semanticsFromConfig(s.BatchTimeoutSemantics),
				OnShapeMismatch: mismatchFromConfig(s.OnShapeMismatch),
			},
			ModelConfig: s.ModelDir,
		},
	}, runner, nil, logger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		logger.Errorw("startup failed", "error", err)
		os.Exit(exitStartupError)
	}

	if config.HTTP.Port > 0 {
		proxy := httpstat.New(httpstat.Config{
			Port:       config.HTTP.Port,
			CORSOrigin: config.HTTP.CORS,
			SnapshotFn: server.Snapshot,
		}, logger.Logger)
		proxy.Start(ctx)
		defer proxy.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		server.Shutdown()
	}()

	server.Wait()
	return nil
}

func applyServeFlags(cmd *cobra.Command, config *cfg.Config) {
	s := &config.Server
	s.ModelDir = serveModelDir
	if cmd.Flags().Changed("num_worker") {
		s.NumWorker = serveNumWorker
	}
	if cmd.Flags().Changed("num_sinks") {
		s.NumSinks = serveNumSinks
	}
	if cmd.Flags().Changed("batch_size") {
		s.BatchSize = serveBatchSize
	}
	if cmd.Flags().Changed("batch_group_timeout") {
		s.BatchGroupTimeoutMS = serveBatchTimeout
	}
	if cmd.Flags().Changed("device_map") {
		s.DeviceMap = serveDeviceMap
	}
	if cmd.Flags().Changed("cpu") {
		s.CPU = serveCPU
	}
	if cmd.Flags().Changed("gpu_memory_fraction") {
		s.GPUMemoryFraction = serveGPUFraction
	}
	if cmd.Flags().Changed("protocol") {
		s.Protocol = serveProtocol
	}
	if cmd.Flags().Changed("port") {
		s.Port = servePort
	}
	if cmd.Flags().Changed("port_out") {
		s.PortOut = servePortOut
	}
	if cmd.Flags().Changed("http_port") {
		config.HTTP.Port = serveHTTPPort
	}
	if cmd.Flags().Changed("log_dir") {
		config.Log.Dir = serveLogDir
	}
	if serveVerbose {
		config.Log.Verbose = true
	}
}

func semanticsFromConfig(s string) batch.TimeoutSemantics {
	if s == "from_open" {
		return batch.FromOpen
	}
	return batch.FromLastPull
}

func mismatchFromConfig(s string) batch.MismatchPolicy {
	if s == "drop_tail" {
		return batch.DropTail
	}
	return batch.PadError
}

// echoRunner is the reference runner: LoadModel only checks the model
// directory exists, Predict echoes payloads.
func echoRunner(modelDir string) batch.Runner {
	return batch.Runner{
		LoadModel: func(dev batch.DeviceID, modelCfg any) (batch.Model, error) {
			dir, _ := modelCfg.(string)
			if dir != "" {
				if _, err := os.Stat(dir); err != nil {
					return nil, err
				}
			}
			return dir, nil
		},
		Predict: func(m batch.Model, in []batch.Request) ([]batch.Result, error) {
			out := make([]batch.Result, len(in))
			for i, req := range in {
				out[i] = batch.Result{Payload: req.Payload, Meta: req.Meta}
			}
			return out, nil
		},
	}
}
