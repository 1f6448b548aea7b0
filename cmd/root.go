package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "killswitch arbitrates whether the host may suspend",
	Long: `killswitch connects to the host's suspend bus and answers suspend
queries on behalf of two guards:

  switch guard  keeps the system awake while the power switch is held,
                unless the override combo is pressed with it
  hold guard    keeps the system awake while the hold signal is asserted
                and for a short window after it is released

Errors reading input always fail open: the system is allowed to sleep.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
