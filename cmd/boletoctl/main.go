package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "boletoctl",
		Short:         "Operator tooling for boleto ingestion",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(cpfCmd())
	rootCmd.AddCommand(filenameCmd())
	rootCmd.AddCommand(sequenceCmd())
	rootCmd.AddCommand(ingestDirCmd())

	return rootCmd
}
