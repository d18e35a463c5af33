// Package cli implements the rollout command line: the long-running serve
// command and one-shot commands that call module procedures through the
// dispatcher, locally or on a remote server depending on the layer.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"rollout/internal/app"
	"rollout/internal/dispatch"
)

// Options are the persistent flags.
type Options struct {
	ConfigPath string
	Layer      string
	Output     string
}

// opener builds a dispatcher for one-shot commands; closing releases it.
type opener func(ctx context.Context, o *Options) (d *dispatch.Dispatcher, closeFn func(), err error)

func openApp(ctx context.Context, o *Options) (*dispatch.Dispatcher, func(), error) {
	a, err := newApp(o)
	if err != nil {
		return nil, nil, err
	}
	return a.Dispatcher(), func() { _ = a.Stop(ctx, app.StopCommand) }, nil
}

func newApp(o *Options) (*app.App, error) {
	var opts []app.Option
	if o.Layer != "" {
		l, err := dispatch.ParseLayer(o.Layer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, app.WithLayer(l))
	}
	return app.New(o.ConfigPath, opts...)
}

// NewRootCmd builds the rollout command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(openApp)
}

func newRootCmd(open opener) *cobra.Command {
	o := &Options{}
	root := &cobra.Command{
		Use:          "rollout",
		Short:        "Keep container images in sync across Kubernetes clusters",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch o.Output {
			case "table", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q (want table or json)", o.Output)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&o.ConfigPath, "config", "c", "./config.yml", "path to the config file (yaml or json)")
	flags.StringVar(&o.Layer, "layer", "", "override the configured layer: standalone, server or client")
	flags.StringVarP(&o.Output, "output", "o", "table", "output format: table or json")

	root.AddCommand(newServeCmd(o))
	for _, c := range queryCmds() {
		root.AddCommand(c.command(o, open))
	}
	return root
}

// query is a one-shot command: it calls procedures and renders the result.
type query struct {
	use   string
	short string
	args  cobra.PositionalArgs
	setup func(cmd *cobra.Command)
	run   func(ctx context.Context, d *dispatch.Dispatcher, cmd *cobra.Command, args []string) (any, error)
}

func (q query) command(o *Options, open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   q.use,
		Short: q.short,
		Args:  q.args,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			d, closeFn, err := open(ctx, o)
			if err != nil {
				return err
			}
			defer closeFn()
			v, err := q.run(ctx, d, cmd, args)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), o.Output, v)
		},
	}
	if q.setup != nil {
		q.setup(cmd)
	}
	return cmd
}

func render(w io.Writer, format string, v any) error {
	if format == "json" {
		return writeJSON(w, v)
	}
	return writeTable(w, v)
}
