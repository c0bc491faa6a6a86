package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/bledfu/internal/uart"
)

var uuidsCmd = &cobra.Command{
	Use:   "uuids",
	Short: "Show the UART profile UUIDs",
	Long: `Print the service and characteristic UUIDs bledfu looks for on a
device. They come from the profile section of the config file, falling
back to the built-in defaults.`,
	Args: cobra.NoArgs,
	RunE: runUUIDs,
}

var uuidsFormat string

func init() {
	addUUIDsFlags(uuidsCmd)
}

func addUUIDsFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&uuidsFormat, "format", "f", "", "Output format (table, json; default from config output_format)")
}

func runUUIDs(cmd *cobra.Command, _ []string) error {
	st, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	format := uuidsFormat
	if format == "" {
		format = st.cfg.OutputFormat
	}

	profile := st.cfg.Profile.Normalize()
	out := cmd.OutOrStdout()
	switch format {
	case "table":
		return displayProfileTable(out, profile)
	case "json":
		// OrderedMap marshals its keys in insertion order.
		return writeJSON(out, profile.Entries())
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}

func displayProfileTable(w io.Writer, p uart.Profile) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tUUID")
	fmt.Fprintln(tw, "----\t----")
	for pair := p.Entries().Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(tw, "%s\t%s\n", pair.Key, pair.Value)
	}
	return tw.Flush()
}
