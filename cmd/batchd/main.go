package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/batchd/cmd/batchd/commands"
)

var rootCmd = &cobra.Command{
	Use:   "batchd",
	Short: "batchd - batching dispatch fabric for compute workers",
	Long: `batchd - a serving fabric for CPU/GPU-bound compute workers.

batchd coalesces concurrent client requests into batches that amortize the
per-call cost of a heavyweight compute function, executes them on a bounded
pool of device-pinned workers, and returns each reply to the client that
issued it.

Available commands:
  serve        - Start the local batching server
  route        - Start the decentralized fan-out router
  shutdown     - Send a terminate command to a running server or router
  switch       - Switch a router to a new set of remote backends
  show-config  - Fetch and render a running instance's config and stats

Examples:
  batchd serve --model_dir ./models --num_worker 2 --batch_size 16
  batchd route --port 6555 --port_out 6556 --remote_servers '[["10.0.0.2",5555,5556]]'
  batchd shutdown --ip 127.0.0.1 --port 5555`,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RouteCmd)
	rootCmd.AddCommand(commands.ShutdownCmd)
	rootCmd.AddCommand(commands.SwitchCmd)
	rootCmd.AddCommand(commands.ShowConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
