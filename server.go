package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quel-tryon-client/modules/activejobs"
	"quel-tryon-client/modules/api"
	"quel-tryon-client/modules/common/database"
	redisutil "quel-tryon-client/modules/common/redis"
	"quel-tryon-client/modules/common/storage"
	"quel-tryon-client/modules/feedback"
	"quel-tryon-client/modules/jobcache"
	"quel-tryon-client/modules/orchestrator"
	"quel-tryon-client/modules/polling"
	"quel-tryon-client/modules/result"
	"quel-tryon-client/modules/workflow"
)

const shutdownTimeout = 15 * time.Second

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	Long:  "Restores drafts and in-flight jobs, then serves the session, job and result API until interrupted.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	port := cfg.Port
	if servePort != "" {
		port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisutil.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	repo, err := database.NewClient(cfg, rdb, log)
	if err != nil {
		return err
	}
	downloads := storage.NewClient(cfg, repo, nil, log)

	sessions := workflow.NewManager()
	sessionStore := workflow.NewRedisStore(rdb)
	if err := sessions.Restore(ctx, sessionStore); err != nil {
		log.Warn().Err(err).Msg("[Serve] drafts not restored, starting empty")
	}

	cache := jobcache.New(repo, log)
	feedbackSvc := feedback.NewService(repo, log)
	ctrl := result.NewController(result.Deps{
		Jobs:      cache,
		Wardrobe:  repo,
		Sessions:  sessions,
		Downloads: downloads,
		Feedback:  feedbackSvc,
		Logger:    log,
	})
	engine := polling.NewEngine(repo, polling.Options{
		Interval:      cfg.PollInterval,
		BackoffFactor: cfg.PollBackoffFactor,
		Logger:        log,
	})
	orch := orchestrator.New(ctx, orchestrator.Deps{
		Repository:   repo,
		Sessions:     sessions,
		SessionStore: sessionStore,
		Engine:       engine,
		Cache:        cache,
		Registry:     activejobs.NewRegistry(rdb, cfg.ActiveJobTTL, log),
		Result:       ctrl,
		Logger:       log,
	})
	defer orch.Stop()

	if n, err := orch.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("[Serve] active jobs not resumed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("[Serve] polling resumed")
	}

	hub := api.NewHub(cache, log)
	handler := api.NewHandler(orch, feedbackSvc, hub, log)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("port", port).Msg("[Serve] listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("[Serve] shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		orch.SaveSessions(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
