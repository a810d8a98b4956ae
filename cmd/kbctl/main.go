// Command kbctl inspects a knowledge-base store directly, bypassing the bus.
// Useful for debugging sessions and verifying version history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/fipago/mas/kb/store"
	mongostore "github.com/fipago/mas/kb/store/mongo"
	sqlitestore "github.com/fipago/mas/kb/store/sqlite"
)

type rootOptions struct {
	DSN string `long:"dsn" env:"KB_DSN" default:"file:kb.db" description:"Store DSN (sqlite path or mongodb URI)"`
}

var root rootOptions

func main() {
	parser := flags.NewParser(&root, flags.HelpFlag|flags.PassDoubleDash)

	_, err := parser.Command.AddCommand("get", "Print one item", `
Print the stored value of a key as indented JSON. Defaults to the latest
version.`, &cmdGet{})
	must(err)
	_, err = parser.Command.AddCommand("dump", "List a session's items", `
List every stored version belonging to a session, one line per item.`, &cmdDump{})
	must(err)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, dsn string) (store.Store, error) {
	if strings.HasPrefix(dsn, "mongodb://") || strings.HasPrefix(dsn, "mongodb+srv://") {
		return mongostore.Open(ctx, mongostore.Options{URI: dsn})
	}
	return sqlitestore.Open(dsn)
}

type cmdGet struct {
	Key     string `long:"key" required:"true" description:"Five-segment item key"`
	Version int    `long:"version" description:"Specific version (default: latest)"`
	AsOf    string `long:"as-of" description:"Latest version at or before this RFC3339 timestamp"`
}

func (c *cmdGet) Execute(_ []string) error {
	ctx := context.Background()
	st, err := openStore(ctx, root.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	get := store.Get{Key: c.Key, Version: c.Version}
	if c.AsOf != "" {
		ts, err := time.Parse(time.RFC3339, c.AsOf)
		if err != nil {
			return fmt.Errorf("bad --as-of: %w", err)
		}
		get.AsOf = ts
	}
	item, err := st.Get(ctx, get)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(map[string]any{
		"key":          item.Key,
		"version":      item.Version,
		"etag":         item.ETag,
		"content_type": item.ContentType,
		"stored_at":    item.StoredAt.Format(time.RFC3339Nano),
		"tags":         item.Tags,
		"value":        item.Value,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type cmdDump struct {
	Session string `long:"session" required:"true" description:"Session id (second key segment)"`
}

func (c *cmdDump) Execute(_ []string) error {
	ctx := context.Background()
	st, err := openStore(ctx, root.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.ListSession(ctx, c.Session)
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Printf("%s v%d etag=%s @ %s\n",
			item.Key, item.Version, item.ETag, item.StoredAt.Format(time.RFC3339))
	}
	return nil
}
