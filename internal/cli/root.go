// Package cli implements the fishkeeper command line: status inspection,
// manual sync, migration and repair controls, guest housekeeping and the
// long-running serve mode.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/fishkeeper/internal/app"
	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/config"
	"github.com/urfave/cli/v3"
)

// Command returns the root command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "fishkeeper",
		Usage: "Offline-first sync and field encryption for the fishing log",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Sources: cli.EnvVars("FISHKEEPER_CONFIG"),
				Usage:   "Path to JSON config file",
			},
			&cli.StringFlag{
				Name:    "token",
				Sources: cli.EnvVars("FISHKEEPER_ID_TOKEN"),
				Usage:   "ID token of the user to act for",
			},
			&cli.BoolFlag{
				Name:  "prompt-secret",
				Usage: "Prompt for the application secret when FISHKEEPER_APP_SECRET is unset",
			},
		},
		Commands: []*cli.Command{
			statusCommand(),
			syncCommand(),
			migrateCommand(),
			repairCommand(),
			guestCommand(),
			serveCommand(),
		},
	}
}

type runFunc func(ctx context.Context, cmd *cli.Command, a *app.App) error

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

// withApp loads the config, builds the app, signs in when a token is given
// and runs fn. The app is closed afterwards.
func withApp(fn runFunc) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return err
		}
		if cfg.AppSecret == "" && cmd.Bool("prompt-secret") {
			secret, err := GetSecret(stderr(cmd), "Application secret")
			if err != nil {
				return err
			}
			cfg.AppSecret = string(secret)
			clear(secret)
		}

		logger, err := newLogger(cfg.LogLevel, stderr(cmd))
		if err != nil {
			return err
		}

		a, err := app.NewApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn(ctx, "shutdown error", "error", err)
			}
		}()

		if token := cmd.String("token"); token != "" {
			if _, err := a.SignIn(token); err != nil {
				return fmt.Errorf("sign-in failed: %w", err)
			}
		}
		return fn(ctx, cmd, a)
	}
}

// requireUser fails commands that act for a signed-in user.
func requireUser(a *app.App) error {
	if a.Session.User() == nil {
		return fmt.Errorf("%w: pass --token or set FISHKEEPER_ID_TOKEN", common.ErrNoIdentity)
	}
	return nil
}
