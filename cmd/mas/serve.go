package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"github.com/fipago/mas/bus"
	redisbus "github.com/fipago/mas/bus/redis"
	"github.com/fipago/mas/config"
	"github.com/fipago/mas/coordinator"
	"github.com/fipago/mas/df"
	"github.com/fipago/mas/kb"
	"github.com/fipago/mas/kb/store"
	mongostore "github.com/fipago/mas/kb/store/mongo"
	sqlitestore "github.com/fipago/mas/kb/store/sqlite"
	"github.com/fipago/mas/selector"
	anthropicsel "github.com/fipago/mas/selector/anthropic"
	openaisel "github.com/fipago/mas/selector/openai"
	"github.com/fipago/mas/specialist"
	"github.com/fipago/mas/telemetry"
)

func dialRedis(ctx context.Context, cfg config.Config, jid string) (bus.Conn, error) {
	dialer, err := redisbus.NewDialer(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		return nil, err
	}
	return dialer.Dial(ctx, jid)
}

// openStore picks the backend by DSN scheme: mongodb URIs go to the Mongo
// store, everything else to SQLite.
func openStore(ctx context.Context, dsn string) (store.Store, error) {
	if strings.HasPrefix(dsn, "mongodb://") || strings.HasPrefix(dsn, "mongodb+srv://") {
		return mongostore.Open(ctx, mongostore.Options{URI: dsn})
	}
	return sqlitestore.Open(dsn)
}

// buildSelector wires the configured model provider, rate limited to the
// configured requests per minute. Provider "none" disables model selection.
func buildSelector(cfg config.Config) (selector.Selector, error) {
	var (
		sel selector.Selector
		err error
	)
	switch cfg.SelectorProvider {
	case "", "none":
		return nil, nil
	case "openai":
		sel, err = openaisel.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.SelectorModel)
	case "anthropic":
		sel, err = anthropicsel.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.SelectorModel)
	default:
		return nil, fmt.Errorf("unknown selector provider %q", cfg.SelectorProvider)
	}
	if err != nil {
		return nil, err
	}
	return selector.RateLimit(sel, cfg.SelectorRPM, 1), nil
}

type cmdServeDF struct {
	JID string `long:"jid" env:"DF_JID" description:"DF bus address"`
}

func (c *cmdServeDF) Execute(_ []string) error {
	ctx, cancel := runContext()
	defer cancel()
	cfg := config.FromEnv()
	if c.JID != "" {
		cfg.DFJID = c.JID
	}

	conn, err := dialRedis(ctx, cfg, cfg.DFJID)
	if err != nil {
		return err
	}
	defer conn.Close()

	agent, err := df.New(df.Options{
		Conn:          conn,
		Heartbeat:     cfg.Heartbeat,
		TTLMultiplier: cfg.TTLMultiplier,
		CleanupPeriod: cfg.CleanupPeriod,
		Logger:        telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	return ignoreCanceled(agent.Run(ctx))
}

type cmdServeKB struct {
	JID string `long:"jid" env:"KB_JID" description:"KB bus address"`
	DSN string `long:"dsn" env:"KB_DSN" description:"Store DSN (sqlite path or mongodb URI)"`
}

func (c *cmdServeKB) Execute(_ []string) error {
	ctx, cancel := runContext()
	defer cancel()
	cfg := config.FromEnv()
	if c.JID != "" {
		cfg.KBJID = c.JID
	}
	if c.DSN != "" {
		cfg.KBDSN = c.DSN
	}

	st, err := openStore(ctx, cfg.KBDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	conn, err := dialRedis(ctx, cfg, cfg.KBJID)
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.KBMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.KBMetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, err, log.KV{K: "msg", V: "metrics server failed"})
			}
		}()
		defer srv.Close()
		log.Print(ctx, log.KV{K: "msg", V: "metrics listening"}, log.KV{K: "addr", V: cfg.KBMetricsAddr})
	}

	agent, err := kb.New(kb.Options{
		Conn:          conn,
		Store:         st,
		AllowedWriter: cfg.KBWriter,
		DFJID:         cfg.DFJID,
		Heartbeat:     cfg.Heartbeat,
		Logger:        telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	return ignoreCanceled(agent.Run(ctx))
}

type cmdServeCoordinator struct {
	JID string `long:"jid" env:"COORD_JID" description:"Coordinator bus address"`
}

func (c *cmdServeCoordinator) Execute(_ []string) error {
	ctx, cancel := runContext()
	defer cancel()
	cfg := config.FromEnv()
	if c.JID != "" {
		cfg.CoordinatorJID = c.JID
	}

	sel, err := buildSelector(cfg)
	if err != nil {
		return err
	}
	if cfg.ConvGrace == 0 {
		// An explicit zero disables the grace window.
		cfg.ConvGrace = -1
	}
	conn, err := dialRedis(ctx, cfg, cfg.CoordinatorJID)
	if err != nil {
		return err
	}
	defer conn.Close()

	agent, err := coordinator.New(coordinator.Options{
		Conn:           conn,
		DFJID:          cfg.DFJID,
		KBJID:          cfg.KBJID,
		Selector:       sel,
		NeedCap:        cfg.NeedCap,
		DFMode:         cfg.DFMode,
		ReqTimeout:     cfg.ReqTimeout,
		KBTimeout:      cfg.KBTimeout,
		ConvGrace:      cfg.ConvGrace,
		MaxRetries:     cfg.MaxRetries,
		MaxConcurrency: cfg.MaxConcurrency,
		HistoryLen:     cfg.HistoryLen,
		Logger:         telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	return ignoreCanceled(agent.Run(ctx))
}

type cmdServeSpecialist struct {
	JID     string `long:"jid" env:"SPECIALIST_JID" description:"Specialist bus address"`
	Profile string `long:"profile" description:"YAML profile file"`
}

func (c *cmdServeSpecialist) Execute(_ []string) error {
	ctx, cancel := runContext()
	defer cancel()
	cfg := config.FromEnv()
	if c.JID != "" {
		cfg.SpecialistJID = c.JID
	}

	var profile specialist.Profile
	if c.Profile != "" {
		var err error
		if profile, err = specialist.LoadProfile(c.Profile); err != nil {
			return err
		}
	}

	conn, err := dialRedis(ctx, cfg, cfg.SpecialistJID)
	if err != nil {
		return err
	}
	defer conn.Close()

	agent, err := specialist.New(specialist.Options{
		Conn:      conn,
		DFJID:     cfg.DFJID,
		Profile:   profile,
		Heartbeat: cfg.Heartbeat,
		Logger:    telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	return ignoreCanceled(agent.Run(ctx))
}

// ignoreCanceled maps a clean shutdown to a zero exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
