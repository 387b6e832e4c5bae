// Command aero-chat-token mints development bearer tokens and, optionally,
// records accepted contacts so two test identities can talk.
//
//	aero-chat-token -identity alice -add-contact bob,carol
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr))
}

func run(args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	env := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return v
		}
		return fallback
	}

	fs := flag.NewFlagSet("aero-chat-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		identity    = fs.String("identity", "", "user id to put in the token (required)")
		phone       = fs.String("phone", "", "optional phone claim")
		ttl         = fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
		secret      = fs.String("secret", env("JWT_SECRET", ""), "HMAC secret (env JWT_SECRET; defaults to the dev secret)")
		addContacts = fs.String("add-contact", "", "comma-separated identities to record as contacts of -identity")
		driver      = fs.String("store-driver", env("STORE_DRIVER", string(config.DefaultStoreDriver)), "store for -add-contact: sqlite, postgres, or memory")
		sqlitePath  = fs.String("sqlite-path", env("SQLITE_PATH", config.DefaultSQLitePath), "SQLite database file")
		databaseURL = fs.String("database-url", env("DATABASE_URL", ""), "Postgres connection URL")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *identity == "" {
		fmt.Fprintln(stderr, "-identity is required")
		return 2
	}
	if *secret == "" {
		fmt.Fprintln(stderr, "warning: JWT_SECRET unset, signing with the dev secret")
		*secret = config.DevJWTSecret
	}

	minter, err := auth.NewMinter(*secret, *ttl)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	token, err := minter.Mint(*identity, *phone)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if contacts := splitList(*addContacts); len(contacts) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := recordContacts(ctx, store.Options{
			Driver:      store.Driver(*driver),
			SQLitePath:  *sqlitePath,
			DatabaseURL: *databaseURL,
		}, *identity, contacts); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	fmt.Fprintln(stdout, token)
	return 0
}

func recordContacts(ctx context.Context, opts store.Options, identity string, contacts []string) error {
	st, err := store.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer st.Close()
	for _, c := range contacts {
		if c == identity {
			continue
		}
		if err := st.AddContacts(ctx, identity, c); err != nil {
			return fmt.Errorf("add contact %s: %w", c, err)
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
