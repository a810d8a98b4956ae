// Command mas runs the agents of the control plane: the directory
// facilitator, the knowledge base, the coordinator and specialists, plus an
// interactive presenter. Configuration comes from the environment (see the
// config package); flags override per invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"goa.design/clue/log"
)

type rootOptions struct {
	Debug bool `long:"debug" env:"MAS_DEBUG" description:"Enable debug logging"`
}

var root rootOptions

func main() {
	parser := flags.NewParser(&root, flags.HelpFlag|flags.PassDoubleDash)

	serve, err := parser.Command.AddCommand("serve", "Serve a control-plane agent", "", &struct{}{})
	must(err)
	addCmd(serve, "df", "Serve the directory facilitator", `
Serve the yellow-pages agent where specialists register capability profiles
and the coordinator discovers candidates.`, &cmdServeDF{})
	addCmd(serve, "kb", "Serve the knowledge base", `
Serve the append-only versioned store. Exposes Prometheus metrics on the
configured address.`, &cmdServeKB{})
	addCmd(serve, "coordinator", "Serve the coordinator", `
Serve the orchestrator that journals user messages, discovers and selects
specialists and reports answers back to presenters.`, &cmdServeCoordinator{})
	addCmd(serve, "specialist", "Serve a specialist", `
Serve a capability provider described by a YAML profile.`, &cmdServeSpecialist{})

	addCmd(parser.Command, "ask", "Ask one question through the control plane", `
Connect as a presenter, send the question to the coordinator and print the
reply.`, &cmdAsk{})
	addCmd(parser.Command, "demo", "Run the whole control plane in-process", `
Run DF, KB, coordinator and an echo specialist over the in-memory bus, then
read questions from stdin. No Redis or external services needed.`, &cmdDemo{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, name, short, long string, cmd interface{}) {
	_, err := to.AddCommand(name, short, long, cmd)
	must(err)
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runContext builds the logging context and cancels it on SIGINT or SIGTERM.
func runContext() (context.Context, context.CancelFunc) {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if root.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
