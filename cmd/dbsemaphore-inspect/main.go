// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command dbsemaphore-inspect is a small operator CLI that prints the
// read-only Diagnostics snapshot (spec.md §6) for a named semaphore. It
// is intentionally thin: dbsemaphore ships no management protocol of its
// own (spec.md §1 Non-goals), so this tool is just a convenience wrapper
// around the library's Diagnostics method, built the way nomad's own
// multi-command CLIs are assembled (github.com/hashicorp/cli's
// cli.CLI{Commands: map[string]cli.CommandFactory{...}}), using
// mitchellh/mapstructure to decode the -dialect/-dsn/-name flag values
// into the tool's connection config.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp/go-dbsemaphore/dbsemaphore"
	"github.com/hashicorp/go-dbsemaphore/dbsemaphore/dialect/mysql"
	"github.com/hashicorp/go-dbsemaphore/dbsemaphore/dialect/postgres"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cli.NewCLI("dbsemaphore-inspect", "0.1.0")
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"inspect": func() (cli.Command, error) {
			return &inspectCommand{}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}

// connConfig is the dialect + DSN + semaphore name triple decoded from
// -dialect/-dsn/-name flags via mapstructure, mirroring how config-file
// heavy hashicorp CLIs decode loosely typed input into a fixed struct.
type connConfig struct {
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
	Name    string `mapstructure:"name"`
}

type inspectCommand struct{}

func (c *inspectCommand) Help() string {
	return strings.TrimSpace(`
Usage: dbsemaphore-inspect inspect -dialect=postgres -dsn=<dsn> -name=<semaphore>

  Prints a JSON snapshot of a named semaphore's Diagnostics: total and
  available permits, this process's own held count, health, and any
  pending waiters. Exits non-zero if the row cannot be read.
`)
}

func (c *inspectCommand) Synopsis() string {
	return "Print a diagnostic snapshot of a named semaphore"
}

func (c *inspectCommand) Run(args []string) int {
	raw := map[string]interface{}{}
	var dialectFlag, dsnFlag, nameFlag string
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "-dialect="):
			dialectFlag = strings.TrimPrefix(args[i], "-dialect=")
		case strings.HasPrefix(args[i], "-dsn="):
			dsnFlag = strings.TrimPrefix(args[i], "-dsn=")
		case strings.HasPrefix(args[i], "-name="):
			nameFlag = strings.TrimPrefix(args[i], "-name=")
		}
	}
	raw["dialect"] = dialectFlag
	raw["dsn"] = dsnFlag
	raw["name"] = nameFlag

	var cfg connConfig
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "decoding flags: %v\n", err)
		return 1
	}
	if cfg.DSN == "" || cfg.Name == "" {
		fmt.Fprintln(os.Stderr, "both -dsn and -name are required")
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{Name: "dbsemaphore-inspect", Level: hclog.Warn})

	var desc dbsemaphore.TableDescriptor
	var db *sql.DB
	var err error
	switch cfg.Dialect {
	case "", "postgres":
		db, err = postgres.Open(cfg.DSN)
		desc = postgres.Descriptor()
	case "mysql":
		db, err = mysql.Open(cfg.DSN)
		desc = mysql.Descriptor()
	default:
		fmt.Fprintf(os.Stderr, "unknown dialect %q (want postgres or mysql)\n", cfg.Dialect)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening database: %v\n", err)
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	owner, err := dbsemaphore.NewOwnerID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generating process identity: %v\n", err)
		return 1
	}

	hs, err := dbsemaphore.AcquireHeartbeatService(ctx, cfg.DSN+"/"+cfg.Dialect, db, desc, owner, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting heartbeat service: %v\n", err)
		return 1
	}
	defer hs.Close(context.Background())

	sem, err := dbsemaphore.NewSemaphore(ctx, db, desc, cfg.Name, hs, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attaching to semaphore %q: %v\n", cfg.Name, err)
		return 1
	}
	defer sem.Close()

	diag := sem.Diagnostics(ctx)
	out, err := json.MarshalIndent(diag, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshaling diagnostics: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
