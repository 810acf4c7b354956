package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/kraken/internal/version"
)

func newVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List stored and published versions",
		Example: `  kraken versions local
  kraken versions available bluerobotics/blueos-core`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "local",
			Short: "List the core versions present in the local image store",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := initializeComponents(cmd.Context())
				if err != nil {
					return err
				}
				local := a.chooser.LocalVersions(cmd.Context())
				if local.Error != "" {
					return fmt.Errorf("listing local versions: %s", local.Error)
				}
				printEntries(cmd.OutOrStdout(), "Local", local.Local)
				return nil
			},
		},
		&cobra.Command{
			Use:   "available REPOSITORY",
			Short: "List the versions a registry publishes next to the local ones",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := initializeComponents(cmd.Context())
				if err != nil {
					return err
				}
				avail, err := a.chooser.AvailableVersions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printEntries(cmd.OutOrStdout(), "Remote", avail.Remote)
				if avail.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "registry error: %s\n\n", avail.Error)
				}
				printEntries(cmd.OutOrStdout(), "Local", avail.Local)
				return nil
			},
		},
	)

	return cmd
}

func printEntries(w io.Writer, title string, entries []version.Entry) {
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", len(title)))
	if len(entries) == 0 {
		fmt.Fprintln(w, "none")
		fmt.Fprintln(w, "")
		return
	}
	fmt.Fprintf(w, "%-24s %-14s %-8s %s\n", "Tag", "Digest", "Arch", "Modified")
	fmt.Fprintln(w, strings.Repeat("-", 64))
	for _, e := range entries {
		modified := "unknown"
		if !e.LastModified.IsZero() {
			modified = humanize.Time(e.LastModified)
		}
		fmt.Fprintf(w, "%-24s %-14s %-8s %s\n", e.Tag, shortDigest(e.Digest), e.Architecture, modified)
	}
	fmt.Fprintln(w, "")
}
