package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"registrysweepers/ancestry"
	"registrysweepers/dsclient"
	"registrysweepers/provenance"
	"registrysweepers/registry"
	"registrysweepers/reindexer"
	"registrysweepers/repairkit"
	"registrysweepers/sweepers"
)

func main() {
	app := &cli.App{
		Name:  "registry-sweepers",
		Usage: "пост-обработка реестра продуктов: repairkit, provenance, ancestry и reindexer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "endpoint",
				Usage:    "URL узла реестра",
				EnvVars:  []string{"PROV_ENDPOINT"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "credentials",
				Usage:   "JSON-объект {\"user\": \"pass\"} для базовой аутентификации",
				EnvVars: []string{"PROV_CREDENTIALS"},
			},
			&cli.StringFlag{
				Name:    "iam-role-name",
				Usage:   "имя роли для подписанных запросов",
				EnvVars: []string{"SWEEPERS_IAM_ROLE_NAME"},
			},
			&cli.StringFlag{
				Name:    "node-id",
				Usage:   "идентификатор арендатора (префикс имён индексов)",
				EnvVars: []string{"MULTITENANCY_NODE_ID"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "уровень журнала: DEBUG, INFO, WARNING, ERROR",
				EnvVars: []string{"LOGLEVEL"},
			},
			&cli.BoolFlag{
				Name:    "dev-mode",
				Usage:   "отключить проверку TLS-сертификатов",
				EnvVars: []string{"DEV_MODE"},
			},
			&cli.BoolFlag{
				Name:    "reindex",
				Usage:   "дополнительно запустить reindexer",
				EnvVars: []string{"SWEEPERS_REINDEX"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("sweepers run failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := sweepers.ParseLogLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	sweepers.ConfigureLogging(level)

	ctx := c.Context
	client, err := dsclient.New(ctx, dsclient.Config{
		Endpoint:        c.String("endpoint"),
		CredentialsJSON: c.String("credentials"),
		IAMRoleName:     c.String("iam-role-name"),
		VerifyTLS:       !c.Bool("dev-mode"),
	})
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return fmt.Errorf("registry is unreachable: %w", err)
	}

	rc := sweepers.RunContext{Client: client, NodeID: c.String("node-id")}

	// имя может оказаться алиасом; убеждаемся, что оно разрешается,
	// до запуска первого свипера
	resolver, err := registry.NewAliasResolver(client)
	if err != nil {
		return err
	}
	registryIndex, err := rc.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}
	resolved, err := resolver.Resolve(ctx, registryIndex)
	if err != nil {
		return err
	}
	slog.Info("sweeping registry", "index", registryIndex, "resolved", resolved)

	ancestrySweeper, err := ancestry.FromEnv()
	if err != nil {
		return err
	}
	toRun := []sweepers.Sweeper{
		repairkit.New(),
		provenance.New(),
		ancestrySweeper,
	}
	if c.Bool("reindex") {
		toRun = append(toRun, reindexer.New())
	}

	return sweepers.RunAll(ctx, rc, toRun)
}
