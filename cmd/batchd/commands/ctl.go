package commands

import (
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/batchd/ctl"
)

var ctlJSON = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ctlIP            string
	ctlPort          int
	ctlPortOut       int
	ctlTimeoutMS     int
	ctlNumClient     int
	ctlRemoteServers string
)

// ShutdownCmd sends TERMINATION to a running server or router.
var ShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Send a terminate command to a running server or router",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := fmt.Sprintf("%s:%d", ctlIP, ctlPort)
		if err := ctl.Terminate(addr, ctlTimeout()); err != nil {
			return err
		}
		fmt.Printf("shutdown signal sent to %d\n", ctlPort)
		return nil
	},
}

// SwitchCmd switches a router to a new backend set.
var SwitchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Switch a router to a new set of remote backends",
	Long: `Send SWITCH to a running router. Fields left at their zero value keep
the router's current configuration.

Example:
  batchd switch --ip 127.0.0.1 --port 6555 --port_out 6556 \
    --num_client 3 --remote_servers '[["10.0.0.4",5555,5556]]'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if ctlRemoteServers != "" {
			var servers []any
			if err := ctlJSON.Unmarshal([]byte(ctlRemoteServers), &servers); err != nil {
				fmt.Fprintf(os.Stderr, "invalid --remote_servers: %v\n", err)
				os.Exit(exitConfigError)
			}
			body["remote_servers"] = servers
		}
		if ctlNumClient > 0 {
			body["number_clients"] = ctlNumClient
		}
		payload, err := ctlJSON.Marshal(body)
		if err != nil {
			return err
		}

		reply, err := ctl.Switch(ctlAddr(), ctlAddrOut(), payload, ctlTimeout())
		if err != nil {
			return err
		}
		pterm.Success.Printfln("switch acknowledged: %s", string(reply))
		return nil
	},
}

// ShowConfigCmd fetches config+stats from a running instance. With
// --port_out the router round-trip is used; otherwise the reply is read
// in-line from the data port (batching server).
var ShowConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Fetch and render a running instance's config and stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		var err error
		if cmd.Flags().Changed("port_out") {
			payload, err = ctl.ShowConfigRouter(ctlAddr(), ctlAddrOut(), ctlTimeout())
		} else {
			payload, err = ctl.ShowConfigInline(ctlAddr(), ctlTimeout())
		}
		if err != nil {
			return err
		}

		var pretty map[string]any
		if err := ctlJSON.Unmarshal(payload, &pretty); err != nil {
			fmt.Println(string(payload))
			return nil
		}
		rendered, err := ctlJSON.MarshalIndent(pretty, "", "  ")
		if err != nil {
			fmt.Println(string(payload))
			return nil
		}
		pterm.Info.Println("current configuration:")
		fmt.Println(string(rendered))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{ShutdownCmd, SwitchCmd, ShowConfigCmd} {
		f := c.Flags()
		f.StringVar(&ctlIP, "ip", "127.0.0.1", "target host")
		f.IntVar(&ctlPort, "port", 5555, "target command/data port")
		f.IntVar(&ctlTimeoutMS, "timeout", 5000, "socket timeout (ms)")
	}
	SwitchCmd.Flags().IntVar(&ctlPortOut, "port_out", 6556, "router reply port")
	SwitchCmd.Flags().IntVar(&ctlNumClient, "num_client", 0, "new clients per backend (0 keeps current)")
	SwitchCmd.Flags().StringVar(&ctlRemoteServers, "remote_servers", "", "new JSON backend list (empty keeps current)")
	ShowConfigCmd.Flags().IntVar(&ctlPortOut, "port_out", 6556, "router reply port (omit for a batching server)")
}

func ctlAddr() string    { return fmt.Sprintf("%s:%d", ctlIP, ctlPort) }
func ctlAddrOut() string { return fmt.Sprintf("%s:%d", ctlIP, ctlPortOut) }
func ctlTimeout() time.Duration {
	return time.Duration(ctlTimeoutMS) * time.Millisecond
}
