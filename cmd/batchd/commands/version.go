package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the batchd release version.
const Version = "0.1.0"

// VersionCmd prints the version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the batchd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("batchd " + Version)
	},
}
