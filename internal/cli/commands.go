package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/app"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the sync and migration status",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			a.Network.Check(ctx)
			a.Reach.Check(ctx)
			snap, err := a.Status.Poll(ctx)
			if err != nil {
				return err
			}
			printSnapshot(stdout(cmd), snap)
			return nil
		}),
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Deliver queued changes now and optionally refresh the local cache",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "pull", Usage: "Refresh the local record cache from the remote afterwards"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			if err := requireUser(a); err != nil {
				return err
			}
			drainErr := a.Queue.Drain(ctx)

			if cmd.Bool("pull") {
				for _, c := range models.AllCollections() {
					n, err := a.Records.Pull(ctx, c)
					if err != nil {
						return errors.Join(drainErr, err)
					}
					fmt.Fprintf(stdout(cmd), "pulled %d %s\n", n, c)
				}
			}

			snap, err := a.Status.Poll(ctx)
			if err != nil {
				return errors.Join(drainErr, err)
			}
			printSnapshot(stdout(cmd), snap)
			return drainErr
		}),
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Encrypt legacy plaintext documents of the signed-in user",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Discard saved progress and start over"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			if err := requireUser(a); err != nil {
				return err
			}
			// signing in already started a run; force replaces it
			var err error
			if cmd.Bool("force") {
				err = a.Status.ForceRestartMigration(ctx)
			} else {
				err = a.Status.StartMigration(ctx)
			}
			if err != nil {
				return err
			}
			if err := a.Migration.Wait(ctx); err != nil {
				return err
			}

			st := a.Migration.Status()
			printMigration(stdout(cmd), st)
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return nil
		}),
	}
}

func repairCommand() *cli.Command {
	return &cli.Command{
		Name:  "repair",
		Usage: "Retry every queued change, including permanently failed ones",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			if err := requireUser(a); err != nil {
				return err
			}
			repairErr := a.Status.Repair(ctx)
			snap, err := a.Status.Poll(ctx)
			if err != nil {
				return errors.Join(repairErr, err)
			}
			printSnapshot(stdout(cmd), snap)
			return repairErr
		}),
	}
}

func guestCommand() *cli.Command {
	return &cli.Command{
		Name:  "guest",
		Usage: "Inspect and clean up guest sessions",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List retained guest sessions, most recent first",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					sessions, err := a.Guests.AllSessions(ctx)
					if err != nil {
						return err
					}
					w := stdout(cmd)
					if len(sessions.SessionOrder) == 0 {
						fmt.Fprintln(w, "no guest sessions")
						return nil
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tRECORDS\tLAST MODIFIED\tEXPIRES")
					for _, id := range sessions.SessionOrder {
						s := sessions.Sessions[id]
						n := 0
						if data, err := a.Guests.GetData(ctx, id); err == nil && data != nil {
							n = data.Len()
						}
						fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", id, n, formatTime(s.LastModified), formatTime(s.ExpiresAt))
					}
					return tw.Flush()
				}),
			},
			{
				Name:  "purge",
				Usage: "Remove expired guest sessions",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "Remove every guest session, expired or not"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					var (
						n   int
						err error
					)
					if cmd.Bool("all") {
						n, err = purgeAll(ctx, a)
					} else {
						n, err = a.Guests.PurgeExpired(ctx)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(stdout(cmd), "removed %d guest session(s)\n", n)
					return nil
				}),
			},
		},
	}
}

func purgeAll(ctx context.Context, a *app.App) (int, error) {
	sessions, err := a.Guests.AllSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range sessions.SessionOrder {
		if err := a.Guests.ClearSession(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync loops and expose /metrics until interrupted",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			cfg := a.Config()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = io.WriteString(w, "ok\n")
			})
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var (
				wg     sync.WaitGroup
				srvErr error
			)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					srvErr = fmt.Errorf("metrics server: %w", err)
					cancel()
				}
			}()

			a.Run(ctx)

			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
			wg.Wait()
			return srvErr
		}),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func printSnapshot(w io.Writer, s status.Snapshot) {
	fmt.Fprintf(w, "online:             %t\n", s.Online)
	fmt.Fprintf(w, "remote:             %s\n", s.Reachability)
	fmt.Fprintf(w, "queue length:       %d\n", s.QueueLength)
	fmt.Fprintf(w, "permanent failures: %d\n", s.PermanentFailures)
	fmt.Fprintf(w, "last sync:          %s\n", formatTime(s.LastSyncAt))
	if s.Stuck {
		fmt.Fprintln(w, "sync is stuck, a repair was started")
	}
	printMigration(w, s.Migration)
}

func printMigration(w io.Writer, m models.MigrationStatus) {
	state := "idle"
	switch {
	case m.Running:
		state = "running"
	case m.AllDone:
		state = "all done"
	}
	fmt.Fprintf(w, "migration:          %s\n", state)

	names := make([]models.Collection, 0, len(m.Collections))
	for c := range m.Collections {
		names = append(names, c)
	}
	slices.Sort(names)
	for _, c := range names {
		p := m.Collections[c]
		fmt.Fprintf(w, "  %-16s processed %d, encrypted %d, done %t\n", c, p.Processed, p.Updated, p.Done)
	}
	if m.Error != "" {
		fmt.Fprintf(w, "migration error:    %s\n", m.Error)
	}
}
