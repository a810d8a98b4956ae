package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"goa.design/clue/log"

	"github.com/fipago/mas/bus/inmem"
	"github.com/fipago/mas/config"
	"github.com/fipago/mas/coordinator"
	"github.com/fipago/mas/df"
	"github.com/fipago/mas/kb"
	storeinmem "github.com/fipago/mas/kb/store/inmem"
	"github.com/fipago/mas/presenter"
	"github.com/fipago/mas/specialist"
	"github.com/fipago/mas/telemetry"
)

type cmdDemo struct {
	Profile string `long:"profile" description:"YAML profile for the demo specialist"`
}

func (c *cmdDemo) Execute(_ []string) error {
	ctx, cancel := runContext()
	defer cancel()
	cfg := config.FromEnv()
	logger := telemetry.NewClueLogger()
	ex := inmem.NewExchange()

	dfConn, err := ex.Dial(ctx, cfg.DFJID)
	if err != nil {
		return err
	}
	dfAgent, err := df.New(df.Options{
		Conn:          dfConn,
		Heartbeat:     cfg.Heartbeat,
		TTLMultiplier: cfg.TTLMultiplier,
		CleanupPeriod: cfg.CleanupPeriod,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	go dfAgent.Run(ctx)

	kbConn, err := ex.Dial(ctx, cfg.KBJID)
	if err != nil {
		return err
	}
	kbAgent, err := kb.New(kb.Options{
		Conn:          kbConn,
		Store:         storeinmem.New(),
		AllowedWriter: cfg.KBWriter,
		DFJID:         cfg.DFJID,
		Heartbeat:     cfg.Heartbeat,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	go kbAgent.Run(ctx)

	profile := specialist.Profile{Name: "demo", Version: "1"}
	if c.Profile != "" {
		if profile, err = specialist.LoadProfile(c.Profile); err != nil {
			return err
		}
	}
	specConn, err := ex.Dial(ctx, cfg.SpecialistJID)
	if err != nil {
		return err
	}
	specAgent, err := specialist.New(specialist.Options{
		Conn:      specConn,
		DFJID:     cfg.DFJID,
		Profile:   profile,
		Heartbeat: cfg.Heartbeat,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	go specAgent.Run(ctx)

	sel, err := buildSelector(cfg)
	if err != nil {
		return err
	}
	coordConn, err := ex.Dial(ctx, cfg.CoordinatorJID)
	if err != nil {
		return err
	}
	if cfg.ConvGrace == 0 {
		cfg.ConvGrace = -1
	}
	coord, err := coordinator.New(coordinator.Options{
		Conn:           coordConn,
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
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	go coord.Run(ctx)

	presConn, err := ex.Dial(ctx, cfg.PresenterJID)
	if err != nil {
		return err
	}
	client, err := presenter.New(presenter.Options{
		Conn:           presConn,
		CoordinatorJID: cfg.CoordinatorJID,
		Timeout:        cfg.PresenterTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	log.Print(ctx, log.KV{K: "msg", V: "demo ready"}, log.KV{K: "session", V: client.Conversation()})
	fmt.Println("Wpisz pytanie (pusta linia kończy):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			return nil
		}
		text, err := client.Ask(ctx, question)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(text)
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}
