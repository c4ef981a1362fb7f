/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/tomoncle/datajpa/config"
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/members"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/utils"
	"github.com/tomoncle/datajpa/web"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var log = utils.NewLogger("datajpa")

func main() {
	app := &cli.App{
		Name:  "datajpa",
		Usage: "Member data-access service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"DATAJPA_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the member HTTP endpoints",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "seed",
						Usage: "Seed teams and members before serving",
					},
					&cli.IntFlag{
						Name:  "members",
						Usage: "Number of members to seed",
						Value: 100,
					},
				},
			},
			{
				Name:   "migrate",
				Usage:  "Create tables and foreign keys for every model",
				Action: migrateCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "export-fks",
						Usage: "Write the foreign key constraints to this YAML file",
					},
				},
			},
			{
				Name:   "seed",
				Usage:  "Seed teams and members",
				Action: seedCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "members",
						Usage: "Number of members to seed",
						Value: 100,
					},
				},
			},
			{
				Name:  "queries",
				Usage: "Inspect named queries",
				Subcommands: []*cli.Command{
					{
						Name:      "validate",
						Usage:     "Validate the named queries against the models",
						ArgsUsage: "[file]",
						Action:    validateQueriesCommand,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// app is the wired application.
type app struct {
	cfg     *config.Config
	factory *session.Factory
	repos   *members.Repositories
	metrics *database.StatementMetrics
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	cfg.Log.Apply()
	log = utils.NewLogger("datajpa")
	return cfg, nil
}

// open connects, migrates when forced or configured and builds every
// repository. Named query validation failures abort here.
func open(c *cli.Context, forceMigrate bool) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	migrate := forceMigrate || cfg.Database.DataMigrateConfig.EnableMigrateOnStartup
	db, err := database.InitDatabaseWithOptions(c.Context, &cfg.Database, migrate)
	if err != nil {
		return nil, err
	}
	registry, err := members.LoadRegistry(db, cfg.NamedQueries)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("named queries: %w", err), database.CloseDB())
	}
	repos, err := members.New(db, registry)
	if err != nil {
		return nil, errors.Join(err, database.CloseDB())
	}
	return &app{
		cfg:     cfg,
		factory: session.NewFactory(db, cfg.Session.Options()...),
		repos:   repos,
		metrics: database.GetMetrics(),
	}, nil
}

func (a *app) seed(ctx context.Context, count int) error {
	created, err := members.Seed(ctx, a.factory, a.repos, count)
	if err != nil {
		return err
	}
	log.Infof("seeded %d members", created)
	return nil
}

func serveCommand(c *cli.Context) error {
	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer database.CloseDB()

	if c.Bool("seed") {
		if err := a.seed(c.Context, c.Int("members")); err != nil {
			return err
		}
	}

	srv := web.NewServer(a.cfg.Server, web.Deps{Factory: a.factory, Repos: a.repos, Metrics: a.metrics})
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}

func migrateCommand(c *cli.Context) error {
	a, err := open(c, true)
	if err != nil {
		return err
	}
	defer database.CloseDB()

	if out := c.String("export-fks"); out != "" {
		fks, err := database.NewConfigurableForeignKeyManager(a.factory.DB(), database.GetLogger(), a.cfg.Database.DataMigrateConfig.ForeignKeyFile)
		if err != nil {
			return err
		}
		if err := fks.ExportToConfig(out); err != nil {
			return err
		}
		log.Infof("foreign keys written to %s", out)
	}
	fmt.Println(color.GreenString("migrations applied"))
	return nil
}

func seedCommand(c *cli.Context) error {
	a, err := open(c, true)
	if err != nil {
		return err
	}
	defer database.CloseDB()
	return a.seed(c.Context, c.Int("members"))
}

// validateQueriesCommand checks the named queries without touching the
// database: the catalog is built from the model schemas alone.
func validateQueriesCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path := cfg.NamedQueries
	if c.Args().Present() {
		path = c.Args().First()
	}
	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	if err != nil {
		return err
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	registry, err := members.LoadRegistry(db, path)
	if err != nil {
		return err
	}
	for _, name := range registry.Names() {
		fmt.Printf("%s %s\n", color.GreenString("ok"), name)
	}
	if _, err := members.New(db, registry); err != nil {
		return err
	}
	fmt.Printf("%d named queries and every member finder are valid\n", len(registry.Names()))
	return nil
}
