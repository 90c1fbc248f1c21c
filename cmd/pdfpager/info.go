package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/drummonds/pdfpager/config"
	"github.com/drummonds/pdfpager/document"
	"github.com/drummonds/pdfpager/source"
)

var infoCmd = &cobra.Command{
	Use:   "info <source>",
	Short: "Print page count and page sizes as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInfo(cmd.Context(), loadConfig(), newLogger(), args[0], cmd.OutOrStdout())
	},
}

type infoOutput struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
	*document.Info
}

// printInfo fetches ref like a viewer session would and inspects it without a render backend
func printInfo(ctx context.Context, cfg config.ViewerConfig, logger *slog.Logger, ref string, w io.Writer) error {
	src := source.Parse(ref)
	local, err := newResolver(cfg, logger).Resolve(ctx, src)
	if err != nil {
		return err
	}
	defer local.Release()

	info, err := document.Inspect(local.Path)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(infoOutput{Source: src.Ref, Kind: src.Kind.String(), Info: info})
}
