package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/eightd/internal"
	pkgconfig "github.com/starford/eightd/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if url := cmd.String("server"); url != "" {
		cfg.Autosave.ServerURL = url
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg))
}

func fill(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	plan := internal.FillPlan{
		CaseNumber: cmd.String("case"),
		Create:     cmd.Bool("create"),
		Sets:       cmd.StringSlice("set"),
		Lists:      cmd.StringSlice("list"),
		Checks:     cmd.StringSlice("check"),
		Confirm:    cmd.StringSlice("confirm"),
		Attach:     cmd.StringSlice("attach"),
	}
	return internal.Fill(ctx, plan, internal.WithConfig(cfg))
}

func main() {
	cmd := &cli.Command{
		Name:   "eightd",
		Usage:  "8D incident case store with REST API, live events and an autosaving form client",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, the case folder watcher and the event stream",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve case tools over MCP stdio",
				Action: serveMCP,
			},
			{
				Name:      "fill",
				Usage:     "Edit a case headlessly through an autosaving session",
				ArgsUsage: " ",
				Action:    fill,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "case", Usage: "Case number (INC-YYYYMMDD-NNNN)", Required: true},
					&cli.BoolFlag{Name: "create", Usage: "Create the case before editing"},
					&cli.StringFlag{Name: "server", Usage: "API base URL", Sources: cli.EnvVars("EIGHTD_SERVER_URL")},
					&cli.StringSliceFlag{Name: "set", Usage: "Text field edit `path=value`"},
					&cli.StringSliceFlag{Name: "list", Usage: "List field edit `path=a,b,c`"},
					&cli.StringSliceFlag{Name: "check", Usage: "Checkbox edit `path=true|false`"},
					&cli.StringSliceFlag{Name: "confirm", Usage: "Phase to confirm after editing"},
					&cli.StringSliceFlag{Name: "attach", Usage: "Local file to upload as evidence"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
