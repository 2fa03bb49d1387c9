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
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "findex",
		Usage: "Searchable encrypted index",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML configuration file",
				Value:   "findex.toml",
				EnvVars: []string{"FINDEX_CONFIG"},
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write a configuration file and generate its index key",
				Action: initCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "backend",
						Usage: "Backend kind (badger, sqlite, redis, rest, dynamodb)",
						Value: "badger",
					},
					&cli.StringFlag{
						Name:  "path",
						Usage: "Badger directory or sqlite file",
						Value: "findex-data",
					},
					&cli.StringFlag{
						Name:  "url",
						Usage: "Redis URL or REST service base URL",
					},
					&cli.StringFlag{
						Name:  "table",
						Usage: "DynamoDB table name",
					},
					&cli.StringFlag{
						Name:  "token-file",
						Usage: "Authorization token presented to a REST service",
					},
					&cli.StringFlag{
						Name:  "key-file",
						Usage: "Where to write the index key",
						Value: "findex.key",
					},
					&cli.StringFlag{
						Name:  "label",
						Usage: "Epoch label",
						Value: "findex",
					},
				},
			},
			{
				Name:   "keygen",
				Usage:  "Generate a random index key",
				Action: keygenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "Write the key to this file instead of stdout",
					},
				},
			},
			{
				Name:  "token",
				Usage: "Manage authorization tokens",
				Subcommands: []*cli.Command{
					{
						Name:   "new",
						Usage:  "Generate a token holding every permission",
						Action: tokenNewCommand,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "index-id",
								Usage:    "Identifier of the index the token grants access to",
								Required: true,
							},
							&cli.StringFlag{
								Name:    "out",
								Aliases: []string{"o"},
								Usage:   "Write the token to this file instead of stdout",
							},
						},
					},
					{
						Name:   "reduce",
						Usage:  "Derive a token restricted to search and/or index permissions",
						Action: tokenReduceCommand,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "in",
								Usage:    "Token file to reduce",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "search",
								Usage: "Keep search permissions",
							},
							&cli.BoolFlag{
								Name:  "index",
								Usage: "Keep index permissions",
							},
							&cli.StringFlag{
								Name:    "out",
								Aliases: []string{"o"},
								Usage:   "Write the token to this file instead of stdout",
							},
						},
					},
					{
						Name:   "inspect",
						Usage:  "Print the index id and permissions of a token",
						Action: tokenInspectCommand,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "in",
								Usage:    "Token file to inspect",
								Required: true,
							},
						},
					},
				},
			},
			{
				Name:      "add",
				Usage:     "Index a location or a keyword link under keywords",
				ArgsUsage: "KEYWORD...",
				Action:    addCommand,
				Flags:     bindingFlags(),
			},
			{
				Name:      "delete",
				Usage:     "Remove a location or a keyword link from keywords",
				ArgsUsage: "KEYWORD...",
				Action:    deleteCommand,
				Flags:     bindingFlags(),
			},
			{
				Name:      "search",
				Usage:     "Print the locations reachable from keywords",
				ArgsUsage: "KEYWORD...",
				Action:    searchCommand,
			},
			{
				Name:   "compact",
				Usage:  "Rewrite the index under a new key and label",
				Action: compactCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "new-key-file",
						Usage:    "Key of the target epoch; generated if the file does not exist",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "new-label",
						Usage:    "Label of the target epoch",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "passes",
						Usage: "Number of calls after which the old epoch is fully retired",
						Value: 1,
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of entries to migrate in each batch",
						Value: 100,
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Report progress on stderr",
					},
				},
			},
			{
				Name:   "dump",
				Usage:  "List the tokens stored in a table",
				Action: dumpCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "table",
						Usage: "Table to dump (entry, chain)",
						Value: "entry",
					},
				},
			},
			{
				Name:   "serve",
				Usage:  "Expose the configured backend over HTTP to token holders",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address",
						Value: ":8080",
					},
					&cli.StringFlag{
						Name:     "token-file",
						Usage:    "Token whose keys verify incoming requests",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "shutdown-timeout",
						Usage: "Grace period for in-flight requests on shutdown",
						Value: defaultShutdownTimeout,
					},
				},
			},
		},
	}
}

func bindingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "location",
			Usage: "Location to bind",
		},
		&cli.StringFlag{
			Name:  "link",
			Usage: "Keyword to bind, making its locations reachable from the given keywords",
		},
	}
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	// Map string to slog.Level
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
