package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/teahouse-ops/teaconsole/internal/console/pipeline"
	"github.com/teahouse-ops/teaconsole/internal/console/session"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type rootOptions struct {
	configPath string
	output     string
	baseURL    string
	debug      bool

	// notified counts pipeline notifications already shown for this run.
	notified atomic.Int32
	stdin    *bufio.Reader
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "teaconsole",
		Short:         "Tea shop admin console",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputTable, outputJSON, outputYAML:
				return nil
			default:
				return fmt.Errorf("--output must be table, json or yaml, got %q", opts.output)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/teaconsole/config.yaml)")
	flags.StringVarP(&opts.output, "output", "o", outputTable, "output format: table, json or yaml")
	flags.StringVar(&opts.baseURL, "api-url", "", "backend base URL (overrides api.base_url)")
	flags.BoolVar(&opts.debug, "debug", false, "verbose logging")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWhoAmICmd(opts),
		newStatusCmd(opts),
		newRegisterCmd(opts),
		newPasswordCmd(opts),
		newProfileCmd(opts),
		newStaffCmd(opts),
		newCapabilitiesCmd(opts),
		newVersionCmd(),
	)
	return root
}

// report prints err unless the pipeline already showed it.
func (o *rootOptions) report(w io.Writer, err error) {
	if o.notified.Load() > 0 && notifiedByPipeline(err) {
		return
	}
	fmt.Fprintf(w, "✖ %v\n", err)

	var ve *session.ValidationError
	if errors.As(err, &ve) {
		fields := make([]string, 0, len(ve.Fields))
		for f := range ve.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(w, "  - %s: %s\n", f, ve.Fields[f])
		}
	}
}

func notifiedByPipeline(err error) bool {
	var (
		se *pipeline.ServerError
		te *pipeline.TransportError
	)
	return errors.As(err, &se) || errors.As(err, &te)
}

// prompt reads one trimmed line from stdin after printing label to stderr.
func (o *rootOptions) prompt(cmd *cobra.Command, label string) (string, error) {
	if o.stdin == nil {
		o.stdin = bufio.NewReader(cmd.InOrStdin())
	}
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := o.stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSpace(strings.TrimSuffix(label, ":")), err)
	}
	return strings.TrimSpace(line), nil
}

// valueOrPrompt returns v, prompting for it when empty.
func (o *rootOptions) valueOrPrompt(cmd *cobra.Command, v, label string) (string, error) {
	if v != "" {
		return v, nil
	}
	return o.prompt(cmd, label)
}

func fallback(v, d string) string {
	if v == "" {
		return d
	}
	return v
}
