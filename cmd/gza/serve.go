package main

import (
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/gza/internal/dashboard"
)

func serveCmd(gf *globalFlags) *cobra.Command {
	var (
		addr      string
		rateLimit float64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve task status over HTTP",
		Long: `Start the read-only status server.

Endpoints:
  GET /health            schema version and liveness
  GET /metrics           Prometheus metrics
  GET /api/tasks         tasks (?status= ?type= ?group= ?q= ?limit=)
  GET /api/tasks/{id}    one task by id or slug
  GET /api/stats         totals
  GET /api/groups[/name] group counts or the tasks of one group
  GET /api/events        live events (only with 'gza work --serve')`,
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			if addr == "" {
				addr = a.cfg.ServeAddr
			}
			opts := []dashboard.Option{
				dashboard.WithLogger(a.logger),
				dashboard.WithGatherer(a.registry),
				dashboard.WithVersion(version),
			}
			if rateLimit > 0 {
				opts = append(opts, dashboard.WithRateLimit(rateLimit, int(rateLimit)+1))
			}
			// Tasks run in other processes, so there is no event stream here
			srv := dashboard.New(a.store, nil, opts...)
			a.out.Info("Status server", "http://"+addr)
			return srv.ListenAndServe(cmd.Context(), addr)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from gza.toml)")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Requests per second allowed on /api (0 for no limit)")
	return cmd
}
