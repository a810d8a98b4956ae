package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fipago/mas/config"
	"github.com/fipago/mas/presenter"
	"github.com/fipago/mas/telemetry"
)

type cmdAsk struct {
	JID  string `long:"jid" env:"PRESENTER_JID" description:"Presenter bus address"`
	Args struct {
		Question []string `positional-arg-name:"question" required:"1"`
	} `positional-args:"true"`
}

func (c *cmdAsk) Execute(_ []string) error {
	ctx, cancel := runContext()
	defer cancel()
	cfg := config.FromEnv()
	if c.JID != "" {
		cfg.PresenterJID = c.JID
	}
	question := strings.TrimSpace(strings.Join(c.Args.Question, " "))
	if question == "" {
		return errors.New("empty question")
	}

	conn, err := dialRedis(ctx, cfg, cfg.PresenterJID)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := presenter.New(presenter.Options{
		Conn:           conn,
		CoordinatorJID: cfg.CoordinatorJID,
		Timeout:        cfg.PresenterTimeout,
		Logger:         telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}

	text, err := client.Ask(ctx, question)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}
