package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/esg-worker/internal/consumer"
	"github.com/sells-group/esg-worker/internal/resilience"
	"github.com/sells-group/esg-worker/internal/store"
)

var workerOpsPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue consumer",
	Long:  "Connects to the task queue and processes documents one at a time until interrupted. Also serves /healthz and /stats for operators.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cons := consumer.New(cfg.Queue, env.Store, env.Pipeline)

		port := workerOpsPort
		if port == 0 {
			port = cfg.Worker.OpsPort
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: opsRouter(env.Store, cons, env.Breakers),
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			err := cons.Run(ctx)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})

		g.Go(func() error {
			zap.L().Info("ops server listening", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "ops server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

// opsRouter serves the operator surface: liveness plus a stats snapshot of
// store counters, consumer activity, and circuit states.
func opsRouter(st store.Store, cons *consumer.Consumer, breakers *resilience.ServiceBreakers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.Stats(r.Context())
		if err != nil {
			zap.L().Warn("stats query failed", zap.Error(err))
			http.Error(w, `{"error":"stats unavailable"}`, http.StatusInternalServerError)
			return
		}

		circuits := make(map[string]string)
		for name, state := range breakers.States() {
			circuits[name] = state.String()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"store":    stats,
			"consumer": cons.Counters(),
			"circuits": circuits,
		})
	})

	return r
}

func init() {
	workerCmd.Flags().IntVar(&workerOpsPort, "ops-port", 0, "ops HTTP port (default from config)")
	rootCmd.AddCommand(workerCmd)
}
