package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"feedwatch/internal/api"
	"feedwatch/internal/config"
	"feedwatch/internal/dispatch"
	"feedwatch/internal/enrich"
	"feedwatch/internal/feed"
	"feedwatch/internal/logging"
	"feedwatch/internal/models"
	"feedwatch/internal/pipeline"
	"feedwatch/internal/secrets"
	"feedwatch/internal/store"
)

func main() {
	app := &cli.Command{
		Name:  "feedwatch",
		Usage: "Feed update pipeline: fetch, dedupe, enrich, persist, notify",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to config file"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Execute a single pipeline run and exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					env, err := buildEnv(c.String("config"))
					if err != nil {
						return err
					}
					defer env.close()
					stats, err := env.pipeline.Run(ctx, time.Now().UTC())
					if err != nil {
						return err
					}
					fmt.Printf("processed %d new items, emitted %d notifications\n",
						stats.Stored, stats.IntentsEmitted)
					return nil
				},
			},
			{
				Name:  "daemon",
				Usage: "Run the pipeline on an interval until interrupted",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "interval-minutes", Usage: "Override run interval"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					env, err := buildEnv(c.String("config"))
					if err != nil {
						return err
					}
					defer env.close()
					interval := env.cfg.Run.Interval()
					if v := c.Int("interval-minutes"); v > 0 {
						interval = time.Duration(v) * time.Minute
					}
					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()
					err = env.pipeline.RunLoop(ctx, interval)
					if err == context.Canceled {
						return nil
					}
					return err
				},
			},
			{
				Name:  "serve",
				Usage: "Serve the preference and update query API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "Listen address (default from config)"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					env, err := buildEnv(c.String("config"))
					if err != nil {
						return err
					}
					defer env.close()
					addr := env.cfg.API.Addr
					if v := c.String("addr"); v != "" {
						addr = v
					}
					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()
					return api.New(env.store, env.log.With("component", "api")).Run(ctx, addr)
				},
			},
			{
				Name:  "updates",
				Usage: "List recently processed updates",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "topic", Usage: "Filter by topic"},
					&cli.IntFlag{Name: "hours", Value: 24, Usage: "Time window in hours"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum rows"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					env, err := buildEnv(c.String("config"))
					if err != nil {
						return err
					}
					defer env.close()
					since := time.Now().UTC().Add(-time.Duration(c.Int("hours")) * time.Hour)
					updates, err := env.store.QueryUpdates(ctx, store.UpdateQuery{
						Topic: c.String("topic"),
						Since: &since,
						Limit: uint64(c.Int("limit")),
					})
					if err != nil {
						return err
					}
					for _, u := range updates {
						fmt.Printf("%s  [%s]  %s\n  %s\n",
							u.PublishedAt.Format("2006-01-02 15:04"), u.Topic, u.Title, u.Summary)
					}
					if len(updates) == 0 {
						fmt.Println("no updates in window")
					}
					return nil
				},
			},
			{
				Name:  "prefs",
				Usage: "Manage subscriber preferences",
				Commands: []*cli.Command{
					{
						Name:  "get",
						Usage: "Show preferences for a subscriber",
						Arguments: []cli.Argument{
							&cli.StringArg{Name: "subscriber", UsageText: "subscriber id"},
						},
						Action: func(ctx context.Context, c *cli.Command) error {
							env, err := buildEnv(c.String("config"))
							if err != nil {
								return err
							}
							defer env.close()
							sub, ok, err := env.store.GetSubscriber(ctx, c.StringArg("subscriber"))
							if err != nil {
								return err
							}
							if !ok {
								return fmt.Errorf("no preferences for %q", c.StringArg("subscriber"))
							}
							fmt.Printf("topics: %s\nfrequency: %s\n",
								strings.Join(sub.Topics, ", "), sub.Frequency)
							if sub.LastNotifiedAt != nil {
								fmt.Printf("last notified: %s\n", sub.LastNotifiedAt.Format(time.RFC3339))
							}
							return nil
						},
					},
					{
						Name:  "set",
						Usage: "Replace preferences for a subscriber",
						Arguments: []cli.Argument{
							&cli.StringArg{Name: "subscriber", UsageText: "subscriber id"},
						},
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "topics", Usage: "Comma-separated topics"},
							&cli.StringFlag{Name: "frequency", Value: "daily", Usage: "immediate, daily, or weekly"},
						},
						Action: func(ctx context.Context, c *cli.Command) error {
							env, err := buildEnv(c.String("config"))
							if err != nil {
								return err
							}
							defer env.close()
							topics := strings.Split(c.String("topics"), ",")
							sub, err := env.store.SetSubscriber(ctx,
								c.StringArg("subscriber"), topics, c.String("frequency"))
							if err != nil {
								return err
							}
							fmt.Printf("preferences saved: %s updates about %s\n",
								sub.Frequency, strings.Join(sub.Topics, ", "))
							return nil
						},
					},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// env bundles everything a command needs, built once from config.
type env struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	store    *store.Store
	pipeline *pipeline.Pipeline
}

func (e *env) close() {
	if e.store != nil {
		e.store.Close()
	}
	if e.log != nil {
		_ = e.log.Sync()
	}
}

func buildEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Mode)

	st, err := store.Open(cfg.DatabasePath, models.NewTopicSet(cfg.Topics()...))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sec := secrets.NewStore(cfg.SecretsFile)
	apiKey, err := sec.Get(secrets.LLMAPIKey)
	if err != nil {
		st.Close()
		return nil, err
	}
	pushToken, err := sec.Get(secrets.PushToken)
	if err != nil {
		st.Close()
		return nil, err
	}

	enricher, err := enrich.NewFromConfig(cfg.Enrichment, apiKey,
		logger.With("component", "enrich"))
	if err != nil {
		st.Close()
		return nil, err
	}

	notifier := dispatch.NewPushNotifier(cfg.Notify, pushToken)
	dispatcher := dispatch.New(st, notifier, logger.With("component", "dispatch"))
	fetcher := feed.NewFetcher(cfg.Fetch, logger.With("component", "feed"))

	p := pipeline.New(pipeline.Deps{
		Sources:    cfg.Sources,
		Fetcher:    fetcher,
		Store:      st,
		Enricher:   enricher,
		Dispatcher: dispatcher,
		Run:        cfg.Run,
		Logger:     logger.With("component", "pipeline"),
	})

	return &env{cfg: cfg, log: logger, store: st, pipeline: p}, nil
}
