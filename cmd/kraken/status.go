package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/kraken/internal/store"
)

var statusFailed bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display selected versions and installed extensions",
		Long: `Display the persisted state: the selected core and bootstrap versions and
the desired state of every installed extension, as last written by the
orchestrator.

Use --failed to show only extensions in the failed state.`,
		Example: `  kraken status
  kraken status --failed`,
		RunE: statusRun,
	}

	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only failed extensions")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if _, err := openStore(); err != nil {
		return err
	}
	return printStatus(os.Stdout, statusFailed)
}

func printStatus(w io.Writer, failedOnly bool) error {
	sels, err := globalStore.ListSelectedVersions()
	if err != nil {
		return fmt.Errorf("failed to list selected versions: %w", err)
	}
	recs, err := globalStore.ListExtensions()
	if err != nil {
		return fmt.Errorf("failed to list extensions: %w", err)
	}

	fmt.Fprintln(w, "Selected Versions")
	fmt.Fprintln(w, "=================")
	if len(sels) == 0 {
		fmt.Fprintln(w, "none")
	}
	for _, sel := range sels {
		fmt.Fprintf(w, "%-10s %s:%s (%s)\n", sel.Slot, sel.Repository, sel.Tag, shortDigest(sel.Digest))
	}
	fmt.Fprintln(w, "")

	fmt.Fprintln(w, "Extensions")
	fmt.Fprintln(w, "==========")
	fmt.Fprintf(w, "%-20s %-32s %-10s %-10s %-8s %s\n", "Name", "Repository", "Tag", "State", "Enabled", "Last Error")
	fmt.Fprintln(w, strings.Repeat("-", 96))

	shown := 0
	for _, rec := range recs {
		if failedOnly && rec.State != store.StateFailed {
			continue
		}
		fmt.Fprintf(w, "%-20s %-32s %-10s %-10s %-8t %s\n",
			rec.Name,
			rec.Repository,
			rec.DesiredTag,
			rec.State,
			rec.DesiredEnabled,
			rec.LastError,
		)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(w, "No extensions found matching criteria")
	}
	fmt.Fprintln(w, "")
	return nil
}

func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "unknown"
	}
	return d
}
