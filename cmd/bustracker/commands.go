package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/batch"
	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/eric1221bday/PGHBusTracker/internal/catalog"
	"github.com/eric1221bday/PGHBusTracker/internal/config"
	"github.com/eric1221bday/PGHBusTracker/internal/engine"
	"github.com/eric1221bday/PGHBusTracker/internal/publish"
	"github.com/eric1221bday/PGHBusTracker/internal/render"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"BUSTRACKER_CONFIG"}},
		&cli.StringFlag{Name: "api-key", Usage: "BusTime API key"},
		&cli.DurationFlag{Name: "refresh", Usage: "refresh period for visible vehicles"},
		&cli.IntFlag{Name: "batch-size", Usage: "keys per provider request (1-10)"},
		&cli.StringFlag{Name: "region", Usage: `startup region, "bbox:south,west,north,east" or an expression over lat and lon`},
	}
}

// loadConfig layers command line flags over the file and environment.
func loadConfig(c *cli.Context) (config.AppConfig, error) {
	cfg, err := config.Read(c.String("config"))
	if err != nil {
		return cfg, err
	}

	if c.IsSet("api-key") {
		cfg.Provider.APIKey = c.String("api-key")
	}
	if c.IsSet("refresh") {
		cfg.Refresh.Period = c.Duration("refresh")
	}
	if c.IsSet("batch-size") {
		cfg.Refresh.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("region") {
		cfg.Viewport.Region = c.String("region")
	}
	if c.IsSet("listen") {
		cfg.Server.Listen = c.String("listen")
	}
	return cfg, config.Validate(cfg)
}

func newClient(cfg config.AppConfig) (*bustime.Client, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return bustime.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout, bustime.WithLocation(loc)), nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "track the fleet and serve the map API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address"},
			&cli.DurationFlag{Name: "shutdown-timeout", Value: 10 * time.Second, Usage: "HTTP server shutdown timeout"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			region, err := cfg.Region()
			if err != nil {
				return err
			}

			eng := engine.New(client, engine.Options{
				Period:         cfg.Refresh.Period,
				BatchSize:      cfg.Refresh.BatchSize,
				Concurrency:    cfg.Refresh.Concurrency,
				Timeout:        cfg.Provider.Timeout,
				StaleAfter:     cfg.StaleAfter(),
				EvictAfter:     cfg.Refresh.EvictAfter,
				ReseedInterval: cfg.Refresh.ReseedInterval,
				Region:         region,
				Retry:          catalog.DefaultRetry,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if cfg.Redis.Address != "" {
				rdb, err := publish.Connect(ctx, publish.Config{
					Address:  cfg.Redis.Address,
					Password: cfg.Redis.Password,
					Database: cfg.Redis.Database,
				})
				if err != nil {
					return fmt.Errorf("connect to redis: %w", err)
				}
				defer rdb.Close()

				events, unsubscribe := eng.Store().Subscribe(64)
				defer unsubscribe()
				go publish.NewRedis(rdb, cfg.Redis.Channel).Run(ctx, events)
				log.Info().Str("address", cfg.Redis.Address).Str("channel", cfg.Redis.Channel).Msg("Publishing vehicle updates to Redis")
			}

			rs := render.NewServer(eng, render.Options{
				AllowedOrigins: cfg.Server.AllowedOrigins,
				StaticDir:      cfg.Server.StaticDir,
			})
			go rs.Run(ctx)

			srv := &http.Server{
				Addr:              cfg.Server.Listen,
				Handler:           rs.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				log.Info().Str("listen", cfg.Server.Listen).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("HTTP server failed")
					cancel()
				}
			}()

			engineDone := make(chan error, 1)
			go func() { engineDone <- eng.Start(ctx) }()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(signals)

			var (
				runErr  error
				stopped bool
			)
			select {
			case <-signals: // wait for signal
				go func() {
					<-signals // hard exit on second signal (in case shutdown gets stuck)
					os.Exit(1)
				}()
			case runErr = <-engineDone:
				stopped = true
			case <-ctx.Done():
			}
			log.Info().Msg("Shutdown initiated")
			cancel()

			sctx, scancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown error")
			} else {
				log.Info().Msg("HTTP server shut down successfully")
			}

			if !stopped {
				runErr = <-engineDone
			}
			return runErr
		},
	}
}

func routesCommand() *cli.Command {
	return &cli.Command{
		Name:  "routes",
		Usage: "print the route catalog",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			routes, err := catalog.LoadRoutes(c.Context, client)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROUTE\tNAME\tCOLOR")
			for _, r := range routes {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.DisplayName, r.Color)
			}
			return w.Flush()
		},
	}
}

func vehiclesCommand() *cli.Command {
	return &cli.Command{
		Name:  "vehicles",
		Usage: "fetch vehicles once, by route or by vehicle id",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rt", Usage: "comma separated route ids"},
			&cli.StringFlag{Name: "vid", Usage: "comma separated vehicle ids"},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet("rt") == c.IsSet("vid") {
				return errors.New("exactly one of --rt and --vid is required")
			}
			mode, keys := bustime.ByRoute, c.String("rt")
			if c.IsSet("vid") {
				mode, keys = bustime.ByVehicleID, c.String("vid")
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			f := &batch.Fetcher{
				Source:      client,
				MaxSize:     cfg.Refresh.BatchSize,
				Concurrency: cfg.Refresh.Concurrency,
			}
			res, err := f.FetchAll(c.Context, splitKeys(keys), mode)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VEHICLE\tROUTE\tLAT\tLON\tHDG\tSPD\tDESTINATION")
			for _, u := range res.Updates {
				fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.0f\t%.0f\t%s\n",
					u.ID, u.RouteID, u.Latitude, u.Longitude, u.HeadingDegrees, u.SpeedMPH, u.Destination)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			for _, b := range res.Batches {
				for _, pe := range b.Report.ProviderErrors {
					log.Warn().Str("route", pe.RouteID).Str("vehicle", pe.VehicleID).Msg(pe.Message)
				}
			}
			if res.Skipped() > 0 {
				log.Warn().Int("skipped", res.Skipped()).Msg("Malformed vehicle elements skipped")
			}
			return res.Err()
		},
	}
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
