// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/findex"
	"github.com/poiesic/findex/auth"
	"github.com/poiesic/findex/config"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/index"
	"github.com/poiesic/findex/storage"
	"github.com/poiesic/findex/storage/rest"
	"github.com/urfave/cli/v2"
)

const defaultShutdownTimeout = 10 * time.Second

func openDatabase(c *cli.Context) (*findex.Database, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	db, err := findex.Open(c.Context, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	return db, nil
}

func initCommand(c *cli.Context) error {
	path := c.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := config.NewConfig(
		config.WithBackend(config.BackendKind(c.String("backend"))),
		config.WithPath(c.String("path")),
		config.WithURL(c.String("url")),
		config.WithKeyFile(c.String("key-file")),
		config.WithLabel(c.String("label")),
	)
	cfg.Backend.Table = c.String("table")
	cfg.Backend.TokenFile = c.String("token-file")
	if err := cfg.Validate(); err != nil {
		return err
	}

	key, err := core.RandomKey()
	if err != nil {
		return err
	}
	if err := findex.WriteKeyFile(cfg.Index.KeyFile, key); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Configuration: %s\n", path)
	fmt.Fprintf(c.App.Writer, "Index key: %s\n", cfg.Index.KeyFile)
	return nil
}

func keygenCommand(c *cli.Context) error {
	key, err := core.RandomKey()
	if err != nil {
		return err
	}
	if out := c.String("out"); out != "" {
		return findex.WriteKeyFile(out, key)
	}
	fmt.Fprintf(c.App.Writer, "%x\n", key[:])
	return nil
}

func writeToken(c *cli.Context, token *auth.Token) error {
	if out := c.String("out"); out != "" {
		return findex.WriteTokenFile(out, token)
	}
	fmt.Fprintln(c.App.Writer, token.String())
	return nil
}

func tokenNewCommand(c *cli.Context) error {
	token, err := auth.RandomToken(c.String("index-id"))
	if err != nil {
		return err
	}
	return writeToken(c, token)
}

func tokenReduceCommand(c *cli.Context) error {
	source, err := findex.ReadTokenFile(c.String("in"))
	if err != nil {
		return err
	}
	reduced, err := auth.DeriveNewToken(source, c.Bool("search"), c.Bool("index"))
	if err != nil {
		return err
	}
	return writeToken(c, reduced)
}

func tokenInspectCommand(c *cli.Context) error {
	token, err := findex.ReadTokenFile(c.String("in"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Index: %s\n", token.IndexID())
	fmt.Fprintf(c.App.Writer, "Permissions: %s\n", strings.Join(token.Permissions(), ", "))
	return nil
}

// bindings reads the --location or --link flag and the keyword arguments.
func bindings(c *cli.Context) (map[core.IndexedValue][]core.Keyword, error) {
	location, link := c.String("location"), c.String("link")
	var value core.IndexedValue
	switch {
	case location != "" && link != "":
		return nil, errors.New("--location and --link are mutually exclusive")
	case location != "":
		value = core.LocationValue(core.NewLocation(location))
	case link != "":
		value = core.KeywordValue(core.NewKeyword(link))
	default:
		return nil, errors.New("one of --location or --link is required")
	}
	if c.NArg() == 0 {
		return nil, errors.New("at least one keyword is required")
	}
	return map[core.IndexedValue][]core.Keyword{value: keywordArgs(c)}, nil
}

func keywordArgs(c *cli.Context) []core.Keyword {
	keywords := make([]core.Keyword, c.NArg())
	for i, arg := range c.Args().Slice() {
		keywords[i] = core.NewKeyword(arg)
	}
	return keywords
}

func addCommand(c *cli.Context) error {
	return upsertCommand(c, (*index.Index).Add, "Added")
}

func deleteCommand(c *cli.Context) error {
	return upsertCommand(c, (*index.Index).Delete, "Deleted")
}

type upsertFunc func(*index.Index, context.Context, map[core.IndexedValue][]core.Keyword) ([]core.Keyword, error)

func upsertCommand(c *cli.Context, fn upsertFunc, verb string) error {
	b, err := bindings(c)
	if err != nil {
		return err
	}
	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	created, err := fn(db.Index(), c.Context, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %d keyword(s), %d new\n", verb, c.NArg(), len(created))
	return nil
}

func searchCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one keyword is required")
	}
	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	keywords := keywordArgs(c)
	results, err := db.Index().Search(c.Context, keywords)
	if err != nil {
		return err
	}
	for _, kw := range keywords {
		locations := results[kw]
		names := make([]string, len(locations))
		for i, loc := range locations {
			names[i] = loc.String()
		}
		fmt.Fprintf(c.App.Writer, "%s: %s\n", kw, strings.Join(names, ", "))
	}
	return nil
}

func compactCommand(c *cli.Context) error {
	newKeyFile := c.String("new-key-file")
	newKey, err := findex.ReadKeyFile(newKeyFile)
	if errors.Is(err, os.ErrNotExist) {
		if newKey, err = core.RandomKey(); err == nil {
			err = findex.WriteKeyFile(newKeyFile, newKey)
		}
	}
	if err != nil {
		return err
	}

	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	opts := []index.CompactOption{index.WithCompactBatchSize(c.Int("batch-size"))}
	if c.Bool("progress") {
		opts = append(opts, index.WithProgress(c.App.ErrWriter))
	}

	report, err := db.Index().Compact(c.Context, newKey, core.NewLabel(c.String("new-label")), c.Int("passes"), opts...)
	if report != nil {
		printReport(c.App.Writer, report)
	}
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	if report.Remaining == 0 {
		fmt.Fprintf(c.App.Writer, "Old epoch retired; set index.key_file = %q and index.label = %q\n",
			newKeyFile, c.String("new-label"))
	}
	return nil
}

func printReport(w io.Writer, r *index.CompactReport) {
	fmt.Fprintf(w, "Epoch: %s\n", r.EpochID)
	fmt.Fprintf(w, "Full sweep: %t (pass %d)\n", r.FullSweep, r.Pass)
	fmt.Fprintf(w, "Old entries: %d\n", r.OldEntries)
	fmt.Fprintf(w, "Migrated: %d, deferred: %d, failed: %d\n", r.Migrated, r.Deferred, len(r.Failures))
	fmt.Fprintf(w, "Dropped locations: %d, orphan links removed: %d\n", r.Dropped, r.OrphansRemoved)
	fmt.Fprintf(w, "Remaining: %d\n", r.Remaining)
	fmt.Fprintf(w, "Elapsed: %s\n", r.Elapsed.Round(time.Millisecond))
}

func parseTable(name string) (storage.Table, error) {
	for _, t := range []storage.Table{storage.EntryTable, storage.ChainTable} {
		if strings.EqualFold(name, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", storage.ErrInvalidTable, name)
}

func dumpCommand(c *cli.Context) error {
	table, err := parseTable(c.String("table"))
	if err != nil {
		return err
	}
	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	tokens, err := db.Backend().DumpTokens(c.Context, table)
	if err != nil {
		return err
	}
	for _, tok := range tokens.Sorted() {
		fmt.Fprintln(c.App.Writer, tok)
	}
	slog.Info("dumped table", "table", table, "tokens", len(tokens))
	return nil
}

func serveCommand(c *cli.Context) error {
	token, err := findex.ReadTokenFile(c.String("token-file"))
	if err != nil {
		return err
	}
	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	server := &http.Server{
		Addr:              c.String("addr"),
		Handler:           rest.NewHandler(db.Backend(), token),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		slog.Info("serving index", "addr", server.Addr, "index", token.IndexID(),
			"permissions", token.Permissions())
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
