package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/drummonds/pdfpager/engine"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pdfpager %s\n", engine.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Go:      %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "  Backend: %s\n", loadConfig().RenderBackend)
	},
}
