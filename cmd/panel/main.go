package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"fleet-panel/internal/auth"
	"fleet-panel/internal/config"
	"fleet-panel/internal/logging"
	"fleet-panel/internal/model"
	"fleet-panel/internal/server"
	"fleet-panel/internal/store"
)

func main() {
	root := &cli.Command{
		Name:  "panel",
		Usage: "Fleet panel: node, allocation and backup control plane",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			userCommand(),
			nodeCommand(),
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx)
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func dbFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "db",
		Value:   "panel.db",
		Usage:   "SQLite database path",
		Sources: cli.EnvVars("DATABASE_PATH"),
	}
}

func openStore(ctx context.Context, path string, lg *slog.Logger) (*store.Store, error) {
	st, err := store.Open(store.Options{Path: path, Logger: lg})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API (configured from the environment)",
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	lg, err := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, DefaultSlog: true})
	if err != nil {
		return err
	}
	gin.SetMode(cfg.GinMode)

	st, err := openStore(ctx, cfg.DatabasePath, lg)
	if err != nil {
		return err
	}
	defer st.Close()

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	router := server.NewRouter(server.Deps{
		Store:       st,
		TokenConfig: tokenCfg,
		Config:      cfg,
		Logger:      lg,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, cfg, router, lg)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Flags: []cli.Flag{dbFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			st, err := openStore(ctx, c.String("db"), logging.Discard())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage panel users",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a user",
				Flags: []cli.Flag{
					dbFlag(),
					&cli.StringFlag{Name: "username", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Required: true, Usage: fmt.Sprintf("at least %d characters", auth.MinPasswordLength)},
					&cli.BoolFlag{Name: "admin", Usage: "grant the admin role"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					hash, err := auth.HashPassword(c.String("password"))
					if err != nil {
						return err
					}
					role := model.RoleUser
					if c.Bool("admin") {
						role = model.RoleAdmin
					}

					st, err := openStore(ctx, c.String("db"), logging.Discard())
					if err != nil {
						return err
					}
					defer st.Close()

					u, err := st.CreateUser(ctx, model.User{
						Username:     c.String("username"),
						Email:        c.String("email"),
						PasswordHash: hash,
						Role:         role,
					})
					if err != nil {
						return err
					}
					fmt.Printf("created %s user %s (%s)\n", u.Role, u.Username, u.ID)
					return nil
				},
			},
		},
	}
}

func nodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "Manage nodes",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Register a node and print its trust credential",
				Flags: []cli.Flag{
					dbFlag(),
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "base-url", Required: true, Usage: "agent API address, e.g. https://node1.example.com:8080"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					st, err := openStore(ctx, c.String("db"), logging.Discard())
					if err != nil {
						return err
					}
					defer st.Close()

					n, err := st.CreateNode(ctx, model.Node{Name: c.String("name"), BaseURL: c.String("base-url")})
					if err != nil {
						return err
					}
					fmt.Printf("node:     %s\ntoken_id: %s\ntoken:    %s\n", n.ID, n.TokenID, n.Token)
					return nil
				},
			},
		},
	}
}
