// psnpool is a command line client for the PlayStation Network API that
// spreads calls over a pool of accounts and, optionally, proxies.
//
// Usage:
//
//	psnpool [global flags] <command> [args]
//
// Accounts and proxies are configured in ~/.psnpool/config.toml (or a YAML
// file passed with --config). Rotated tokens are kept in a SQLite store in
// the data directory. Log levels follow the DEBUG_I2P environment variable.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/go-i2p/psnpool/lib/config"
	apperrors "github.com/go-i2p/psnpool/lib/errors"
	"github.com/go-i2p/psnpool/lib/pool"
	"github.com/go-i2p/psnpool/lib/psn"
	"github.com/go-i2p/psnpool/version"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, args); err != nil {
		reportError(os.Stderr, err)
		return 1
	}
	return 0
}

// reportError prints err with its code and, for failures the user can act
// on, a hint.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "psnpool: %v (code %d)\n", err, apperrors.CodeOf(err))
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(w, "hint: %s\n", hint)
	}
}

func errorHint(err error) string {
	switch {
	case apperrors.IsUnauthorized(err):
		return "PSN rejected the account's credentials; set a fresh npsso and run psnpool auth"
	case apperrors.IsRateLimited(err):
		return "PSN is throttling requests; lower client.requests_per_second"
	case apperrors.IsExhausted(err):
		return "no account could serve the call; add accounts or raise sessions.max_size"
	case apperrors.IsTimeout(err):
		return "every account stayed busy; raise sessions.wait_timeout"
	case apperrors.IsNotFound(err):
		return "PSN has no such resource; check the id"
	case apperrors.IsRemote(err):
		return "PSN refused the request"
	default:
		return ""
	}
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".psnpool", "config.toml")
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "psnpool",
		Usage:   "query the PlayStation Network through a pool of accounts",
		Version: version.Full(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file (.toml, .yaml or .yml)",
				Value:   defaultConfigPath(),
				EnvVars: []string{"PSNPOOL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "data directory (overrides config)",
			},
			&cli.StringFlag{
				Name:  "metrics-listen",
				Usage: "serve Prometheus metrics on this address while the command runs",
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			authCommand(),
			profileCommand(),
			titlesCommand(),
			trophiesCommand(),
			threadsCommand(),
			sendCommand(),
			searchCommand(),
			statsCommand(),
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "write a default configuration file",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "authenticate every configured account and store its tokens",
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			type result struct {
				Account string `json:"account"`
				OK      bool   `json:"ok"`
				Error   string `json:"error,omitempty"`
			}

			var results []result
			for _, a := range e.cfg.Accounts {
				s := a.Session()
				r := result{Account: s.Key()}
				if err := e.auth.Auth(c.Context, s); err != nil {
					r.Error = err.Error()
				} else {
					r.OK = true
					e.save(c.Context, s)
				}
				results = append(results, r)
			}
			return printJSON(c.App.Writer, results)
		},
	}
}

func profileCommand() *cli.Command {
	return &cli.Command{
		Name:      "profile",
		Usage:     "show a user's profile",
		ArgsUsage: "<online-id>",
		Action: func(c *cli.Context) error {
			onlineID, err := requireArg(c, 0, "online-id")
			if err != nil {
				return err
			}
			return withClient(c, func(ctx context.Context, client *psn.Client) error {
				profile, err := client.GetProfile(ctx, onlineID)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, profile)
			})
		},
	}
}

func titlesCommand() *cli.Command {
	return &cli.Command{
		Name:      "titles",
		Usage:     "list a user's trophy titles",
		ArgsUsage: "<online-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "offset", Usage: "first title to list"},
		},
		Action: func(c *cli.Context) error {
			onlineID, err := requireArg(c, 0, "online-id")
			if err != nil {
				return err
			}
			return withClient(c, func(ctx context.Context, client *psn.Client) error {
				titles, err := client.GetTitles(ctx, onlineID, c.Int("offset"))
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, titles)
			})
		},
	}
}

func trophiesCommand() *cli.Command {
	return &cli.Command{
		Name:      "trophies",
		Usage:     "list the trophies of one title as earned by a user",
		ArgsUsage: "<online-id> <np-communication-id>",
		Action: func(c *cli.Context) error {
			onlineID, err := requireArg(c, 0, "online-id")
			if err != nil {
				return err
			}
			commID, err := requireArg(c, 1, "np-communication-id")
			if err != nil {
				return err
			}
			return withClient(c, func(ctx context.Context, client *psn.Client) error {
				set, err := client.GetTrophySet(ctx, onlineID, commID)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, set)
			})
		},
	}
}

func threadsCommand() *cli.Command {
	return &cli.Command{
		Name:      "threads",
		Usage:     "list message threads, or show one thread",
		ArgsUsage: "[thread-id]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "offset", Usage: "first thread to list"},
			&cli.BoolFlag{Name: "leave", Usage: "leave the given thread"},
		},
		Action: func(c *cli.Context) error {
			threadID := c.Args().First()
			if c.Bool("leave") && threadID == "" {
				return fmt.Errorf("--leave needs a thread-id")
			}
			return withClient(c, func(ctx context.Context, client *psn.Client) error {
				switch {
				case c.Bool("leave"):
					if err := client.LeaveMessageThread(ctx, threadID); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "left %s\n", threadID)
					return nil
				case threadID != "":
					thread, err := client.GetMessageThread(ctx, threadID)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, thread)
				default:
					threads, err := client.GetMessageThreads(ctx, c.Int("offset"))
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, threads)
				}
			})
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "send a message to a user",
		ArgsUsage: "<online-id> [text]",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: "image", Usage: "PNG file to attach"},
		},
		Action: func(c *cli.Context) error {
			onlineID, err := requireArg(c, 0, "online-id")
			if err != nil {
				return err
			}
			text := c.Args().Get(1)
			return withClient(c, func(ctx context.Context, client *psn.Client) error {
				resp, err := client.SendMessage(ctx, onlineID, text, c.Path("image"))
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, resp)
			})
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "search the store, or look up one item with --id",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "lang", Value: "en", Usage: "storefront language"},
			&cli.StringFlag{Name: "region", Value: "US", Usage: "storefront region"},
			&cli.StringFlag{Name: "age", Value: "21", Usage: "viewer age"},
			&cli.StringFlag{Name: "id", Usage: "store item id to resolve instead of searching"},
		},
		Action: func(c *cli.Context) error {
			lang, region, age := c.String("lang"), c.String("region"), c.String("age")
			if id := c.String("id"); id != "" {
				return withClient(c, func(ctx context.Context, client *psn.Client) error {
					item, err := client.GetStoreItem(ctx, lang, region, age, id)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, item)
				})
			}

			name, err := requireArg(c, 0, "name")
			if err != nil {
				return err
			}
			return withClient(c, func(ctx context.Context, client *psn.Client) error {
				result, err := client.SearchStoreItems(ctx, lang, region, age, name)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, result)
			})
		},
	}
}

type poolStats struct {
	Sessions       pool.Stats  `json:"sessions"`
	StagedSessions int         `json:"staged_sessions"`
	Proxies        *pool.Stats `json:"proxies,omitempty"`
	StagedProxies  int         `json:"staged_proxies"`
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "connect the pools and print their state",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "watch", Usage: "keep printing at this interval until interrupted"},
		},
		Action: func(c *cli.Context) error {
			return withClient(c, func(ctx context.Context, client *psn.Client) error {
				show := func() error {
					out := poolStats{
						Sessions:       client.SessionStats(),
						StagedSessions: client.StagedSessions(),
						StagedProxies:  client.StagedProxies(),
					}
					if stats, ok := client.ProxyStats(); ok {
						out.Proxies = &stats
					}
					return printJSON(c.App.Writer, out)
				}

				interval := c.Duration("watch")
				if interval <= 0 {
					return show()
				}

				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := show(); err != nil {
						return err
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
}

func requireArg(c *cli.Context, i int, name string) (string, error) {
	v := c.Args().Get(i)
	if v == "" {
		return "", fmt.Errorf("missing <%s>; usage: psnpool %s %s", name, c.Command.Name, c.Command.ArgsUsage)
	}
	return v, nil
}
