// Command tsengine is a diagnostic CLI over the storage-group engine's
// on-disk files: self-check a data file's framing and print what a
// sealed file's index holds. It never starts a query/RPC surface — that
// surface is out of this engine's scope (see SPEC_FULL.md's Non-goals);
// this binary only exists to poke at files a storage group already owns.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tsengine/internal/tsfile"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "tsengine",
		Short: "Diagnostics for tsengine data files",
	}

	rootCmd.AddCommand(newSelfCheckCmd(logger), newInspectCmd(logger), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newSelfCheckCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "selfcheck <file>",
		Short: "Classify a data file's end-of-body state without opening it for writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			result, err := tsfile.SelfCheck(path)
			if err != nil {
				return fmt.Errorf("self-check %s: %w", path, err)
			}
			logger.Info("self-check result", "path", path, "status", result.Status, "safePosition", result.SafePosition)
			fmt.Printf("%s: %s (safePosition=%d)\n", path, result.Status, result.SafePosition)
			return nil
		},
	}
}

func newInspectCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "List the devices and measurements recorded in a sealed file's index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			reader, err := tsfile.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer reader.Close()

			devices, err := reader.ListDevices()
			if err != nil {
				return fmt.Errorf("list devices in %s: %w", path, err)
			}
			for _, device := range devices {
				measurements, err := reader.ListMeasurements(device)
				if err != nil {
					return fmt.Errorf("list measurements for %s in %s: %w", device, path, err)
				}
				fmt.Printf("%s: %d measurement(s)\n", device, len(measurements))
				for _, m := range measurements {
					chunks, err := reader.GetChunkMetadataList(device, m)
					if err != nil {
						return fmt.Errorf("chunk metadata for %s/%s in %s: %w", device, m, path, err)
					}
					fmt.Printf("  %s: %d chunk(s)\n", m, len(chunks))
				}
			}
			logger.Info("inspected file", "path", path, "devices", len(devices))
			return nil
		},
	}
}
