package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/taskrelay/internal/config"
	"github.com/mattjoyce/taskrelay/internal/doctor"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock configuration",
	}
	cmd.AddCommand(newConfigCheckCmd())
	cmd.AddCommand(newConfigLockCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var (
		strict  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the config and report suspicious settings",
		Long: `Loads the config (including checksum verification) and runs advisory
checks. Exit code 1 means errors, 2 means warnings under --strict.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			result := doctor.New(cfg).Validate()
			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return fmt.Errorf("JSON format error: %w", err)
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, colorizeReport(doctor.FormatHuman(result)))
			}

			if !result.Valid {
				return &exitError{code: 1}
			}
			if strict && len(result.Warnings) > 0 {
				return &exitError{code: 2}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

// colorizeReport highlights doctor lines. color disables itself off a TTY.
func colorizeReport(report string) string {
	lines := strings.SplitAfter(report, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "ERROR"), strings.HasPrefix(trimmed, "Configuration invalid"):
			lines[i] = color.New(color.FgRed).Sprint(line)
		case strings.HasPrefix(trimmed, "WARN"):
			lines[i] = color.New(color.FgYellow).Sprint(line)
		case strings.HasPrefix(trimmed, "Configuration valid"):
			lines[i] = color.New(color.FgGreen).Sprint(line)
		}
	}
	return strings.Join(lines, "")
}

func newConfigLockCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write BLAKE3 checksums for every YAML file in the config directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(cmd)
			if err != nil {
				return err
			}
			dir := path
			if info, err := os.Stat(path); err != nil || !info.IsDir() {
				dir = filepath.Dir(path)
			}

			report, err := config.Lock(dir, dryRun)
			if err != nil {
				return fmt.Errorf("failed to lock config in %s: %w", dir, err)
			}

			out := cmd.OutOrStdout()
			names := report.Names()
			for _, name := range names {
				fmt.Fprintf(out, "  %s  %s\n", report.Files[name][:16], name)
			}
			if report.Written {
				fmt.Fprintf(out, "Wrote %s (%d file(s))\n", report.ManifestPath, len(names))
			} else {
				fmt.Fprintf(out, "Dry run: %s not written (%d file(s))\n", report.ManifestPath, len(names))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show hashes without writing .checksums")
	return cmd
}
