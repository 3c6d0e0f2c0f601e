package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quizarena/quizarena/internal/admission"
	"github.com/quizarena/quizarena/internal/answer"
	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/auth"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/config"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/engine"
	"github.com/quizarena/quizarena/internal/finalize"
	"github.com/quizarena/quizarena/internal/httpapi"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/payment"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/persistence/memstore"
	"github.com/quizarena/quizarena/internal/persistence/postgres"
	"github.com/quizarena/quizarena/internal/push"
	"github.com/quizarena/quizarena/internal/question"
	"github.com/quizarena/quizarena/internal/quiz"
)

const shutdownGrace = 15 * time.Second

// stack bundles the wired components the subcommands share.
type stack struct {
	cfg      *config.Config
	store    persistence.Store
	coord    coordinator.Coordinator
	calendar *clock.Calendar
	registry *prometheus.Registry
	hooks    *observability.Hooks
	tokens   *auth.Tokens
	hub      *push.Hub
	fin      *finalize.Finalizer
	eng      *engine.Engine
}

func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var store persistence.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, postgres.DefaultConfig(cfg.DatabaseURL))
		if err != nil {
			return nil, err
		}
		if cfg.Env != config.EnvProduction {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		store = pg
	} else {
		log.Warn().Msg("no DATABASE_URL, using the in-memory store; state is lost on exit")
		store = memstore.New()
	}

	var coord coordinator.Coordinator
	if cfg.RedisAddr != "" {
		coord = coordinator.NewRedis(coordinator.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			JoinCap:  cfg.JoinSlotCap,
		})
	} else {
		log.Warn().Msg("no REDIS_ADDR, using the in-process coordinator; run a single instance only")
		coord = coordinator.NewMemory()
	}

	clk := clockwork.NewRealClock()
	calendar, err := clock.NewCalendar(clk, cfg.Timezone, cfg.LiveHour, cfg.LiveMinute)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	hooks := observability.New(store, observability.NewMetrics(registry))
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	hub := push.NewHub(tokens, calendar, hooks)
	fin := finalize.New(store, coord, calendar, hooks, hub)
	eng := engine.New(store, coord, calendar, clk, hooks, fin, hub)

	return &stack{
		cfg:      cfg,
		store:    store,
		coord:    coord,
		calendar: calendar,
		registry: registry,
		hooks:    hooks,
		tokens:   tokens,
		hub:      hub,
		fin:      fin,
		eng:      eng,
	}, nil
}

func (st *stack) close() {
	if err := st.coord.Close(); err != nil {
		log.Error().Err(err).Msg("coordinator close failed")
	}
	if err := st.store.Close(); err != nil {
		log.Error().Err(err).Msg("store close failed")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	serverCfg := httpapi.DefaultServerConfig()
	serverCfg.Host = st.cfg.HTTPHost
	serverCfg.Port = st.cfg.HTTPPort
	serverCfg.JoinRatePerSecond = st.cfg.JoinRatePerSecond
	serverCfg.JoinBurst = st.cfg.JoinBurst

	questions := question.New(st.store, st.coord, st.calendar)
	srv := httpapi.NewServer(serverCfg, httpapi.Deps{
		Store:     st.store,
		Coord:     st.coord,
		Calendar:  st.calendar,
		Tokens:    st.tokens,
		Admission: admission.New(st.store, st.coord, st.calendar, st.hooks),
		Questions: questions,
		Answers:   answer.New(st.store, st.coord, questions, st.calendar, st.hooks),
		Payments:  payment.NewConsumer(st.store, st.coord, st.calendar, st.cfg.WebhookSecret),
		Engine:    st.eng,
		Hub:       st.hub,
		Registry:  st.registry,
	})

	go func() {
		if err := st.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("engine stopped")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")

	ctx := cmd.Context()
	st, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	file, err := config.LoadSchedule(path)
	if err != nil {
		return err
	}

	for _, sq := range file.Quizzes {
		if err := st.store.Quizzes().SaveQuestions(ctx, sq.Bank()); err != nil {
			return err
		}
		if _, err := st.eng.CreateQuiz(ctx, sq.Date, sq.QuestionIDs(), sq.ClassGrade, "cli"); err != nil {
			if apperr.IsKind(err, apperr.KindConflict) {
				log.Warn().Str("date", sq.Date).Msg("quiz already exists, skipping")
				continue
			}
			return err
		}
		log.Info().Str("date", sq.Date).Int("questions", len(sq.Questions)).Msg("quiz scheduled")
	}
	return nil
}

func runFinalize(cmd *cobra.Command, args []string) error {
	date, _ := cmd.Flags().GetString("date")
	force, _ := cmd.Flags().GetBool("force")

	ctx := cmd.Context()
	st, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	if date == "" {
		date = st.calendar.Today()
	}

	if force {
		return st.fin.Force(ctx, date, "cli")
	}
	return st.fin.Run(ctx, date, quiz.ActorAdmin, "cli")
}
