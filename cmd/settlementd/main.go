// Command settlementd runs settlement agreement nodes and the notary, and
// drives a node's API from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "settlementd",
	Short:         "Bilateral settlement instruction agreement",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		newNodeCmd(),
		newNotaryCmd(),
		newKeygenCmd(),
		newTokenCmd(),
		newRecordsCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
