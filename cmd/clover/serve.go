package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/health"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/processor"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
)

const version = "1.0.0"

type serveOptions struct {
	SkipMigrations bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume observations, publish person events and serve health and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.SkipMigrations, "skip-migrations", false, "do not apply schema migrations on startup")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, opts serveOptions) error {
	cfg, logger := root.cfg, root.logger

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	checker := health.NewChecker(version)
	checker.AddCheck("database", a.ping)

	s := startup.New(logger, cfg.StartupMaxAttempts)
	var tracingShutdown func(context.Context) error
	var graphClient *graph.Client

	s.Add(startup.Func{
		Name: "tracing",
		StartFn: func(ctx context.Context) error {
			shutdown, err := tracing.Init(ctx, tracing.ProviderConfig{
				ServiceName: cfg.AppName,
				OTLPEnabled: cfg.OTLPEnabled,
				OTLP: exporters.OTLPConfig{
					Endpoint: cfg.OTLPEndpoint,
					Protocol: cfg.OTLPProtocol,
					Insecure: cfg.OTLPInsecure,
					Timeout:  cfg.OTLPTimeout,
				},
			})
			if err != nil {
				return err
			}
			tracingShutdown = shutdown
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if tracingShutdown == nil {
				return nil
			}
			return tracingShutdown(ctx)
		},
	})

	s.Add(startup.Func{Name: "database", StartFn: a.ping})

	if !opts.SkipMigrations {
		s.Add(startup.Func{
			Name:     "migrations",
			Requires: []string{"database"},
			StartFn: func(context.Context) error {
				return a.migrate(cfg.DatabaseMigrationVersion, cfg.DatabaseMigrationForce)
			},
		})
	}

	if cfg.KafkaProducerEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		s.Add(startup.Func{
			Name: "event-producer",
			StartFn: func(context.Context) error {
				a.emitter.AddSink(producer)
				return nil
			},
			StopFn: func(context.Context) error { return producer.Close() },
		})
	}

	if cfg.GraphProjectionEnabled {
		s.Add(startup.Func{
			Name: "graph",
			StartFn: func(ctx context.Context) error {
				client, err := graph.NewClient(graph.Config{
					Host:     cfg.GraphDBHost,
					Port:     cfg.GraphDBPort,
					Username: cfg.GraphDBUser,
					Password: cfg.GraphDBPassword,
				}, logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					_ = client.Close(ctx)
					return err
				}
				graphClient = client
				checker.AddOptionalCheck("graph", client.VerifyConnectivity)
				a.emitter.AddSink(graph.NewProjector(client, logger))
				return nil
			},
			StopFn: func(ctx context.Context) error {
				if graphClient == nil {
					return nil
				}
				return graphClient.Close(ctx)
			},
		})
	}

	if cfg.KafkaConsumerEnabled {
		proc := processor.NewObservationProcessor(logger, a.resolver, a.validator)
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaInputTopic,
			GroupID: cfg.KafkaConsumerGroup,
		}, proc.ProcessMessage, logger)

		requires := []string{"database"}
		if !opts.SkipMigrations {
			requires = append(requires, "migrations")
		}
		s.Add(startup.Func{
			Name:     "observation-consumer",
			Requires: requires,
			StartFn: func(ctx context.Context) error {
				checker.AddCheck("observation-consumer", func(context.Context) error {
					if !consumer.Health() {
						return errors.New("consumer has no reader")
					}
					return nil
				})
				return consumer.Start(ctx)
			},
			StopFn: func(context.Context) error { return consumer.Stop() },
		})
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	checker.RegisterRoutes(e)

	s.Add(startup.Func{
		Name: "http",
		StartFn: func(context.Context) error {
			go func() {
				if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("HTTP server stopped unexpectedly")
				}
			}()
			return nil
		},
		StopFn: func(ctx context.Context) error { return e.Shutdown(ctx) },
	})

	// a signal aborts pending startup retries
	if err := s.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
		return err
	}
	checker.SetReady(true)
	logger.WithContext(ctx).WithFields(map[string]any{
		"port":    cfg.Port,
		"version": version,
	}).Info("Clover is running")

	<-ctx.Done()
	checker.SetReady(false)
	logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}
