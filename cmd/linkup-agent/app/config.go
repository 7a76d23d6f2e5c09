package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autopeer-io/linkup/cmd/linkup-agent/app/options"
	"github.com/autopeer-io/linkup/pkg/app"
)

// Output formats of config view.
const (
	outputTable = "table"
	outputYAML  = "yaml"
	outputJSON  = "json"
)

var outputFormats = []string{outputTable, outputYAML, outputJSON}

func newConfigCommand(opts *options.AgentOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
		Args:  cobra.NoArgs,
	}

	var output string
	view := &cobra.Command{
		Use:         "view",
		Short:       "Print the configuration after flags, environment and config file are merged",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{app.SkipValidation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return renderConfig(cmd.OutOrStdout(), opts, output)
		},
	}
	view.Flags().StringVarP(&output, "output", "o", outputTable, fmt.Sprintf("Output format, one of %v.", outputFormats))

	cmd.AddCommand(view)
	return cmd
}

// renderConfig writes opts in format. Keys are the ones accepted in the
// config file.
func renderConfig(w io.Writer, opts any, format string) error {
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	// Durations are in nanoseconds, as the config file accepts them.
	var decoded map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	out := normalize(decoded).(map[string]any)

	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()

	case outputTable:
		rows := map[string]string{}
		flatten("", out, rows)

		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		table := uitable.New()
		table.MaxColWidth = 80
		table.AddRow("KEY", "VALUE")
		for _, k := range keys {
			table.AddRow(k, rows[k])
		}
		_, err := fmt.Fprintln(w, table)
		return err

	default:
		return fmt.Errorf("unknown output format %q, must be one of %v", format, outputFormats)
	}
}

// flatten turns nested sections into dotted keys, matching the flag names.
func flatten(prefix string, v any, rows map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, rows)
		}
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, fmt.Sprint(item))
		}
		rows[prefix] = strings.Join(parts, ",")
	case nil:
		rows[prefix] = ""
	default:
		rows[prefix] = fmt.Sprint(t)
	}
}

// normalize replaces json.Number with int64 or float64 so every encoder
// prints plain numbers.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalize(child)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
