package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"e2e_messaging/internal/config"
	"e2e_messaging/internal/metrics"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/app"
	redisSvc "e2e_messaging/internal/service/redis"
	"e2e_messaging/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configFile string
	userID     string
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:          "client",
		Short:        "End-to-end encrypted messaging client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "f", "", "path to the configuration file (TOML)")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "", "local user id")
	root.MarkPersistentFlagRequired("user")

	root.AddCommand(
		&cobra.Command{
			Use:   "chat <peer>",
			Short: "Chat with a peer; /reset restarts encryption, /safety prints the safety number",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
					return chat(ctx, a, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "safety-number <peer>",
			Short: "Print the safety number shared with a peer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
					n, err := a.SafetyNumber(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Println(n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset-keys",
			Short: "Replace this device's identity; every existing session stops working",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
					return a.ResetKeys(ctx)
				})
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func withApp(ctx context.Context, opts options, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Metrics.Addr != "" {
		metrics.Register()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	deps := app.Deps{
		Distributor: app.NewHTTPDistributor(cfg.Server.Addr, &http.Client{Timeout: cfg.Server.RequestTimeout.Duration}),
		Transport:   app.NewWSTransport(cfg.Server.Addr),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rs := redisSvc.NewRedis(rdb)
		if err := rs.Ping(ctx); err != nil {
			log.Warn("redis unavailable, caching sent messages in memory only", zap.Error(err))
		} else {
			deps.Redis = rs
		}
	}

	a := app.NewApp(cfg, opts.userID, deps)
	a.OnMessage(printMessage)
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	return fn(ctx, a)
}

func printMessage(m model.DisplayMessage) {
	if m.Outgoing {
		fmt.Printf("You -> %s: %s\n", m.PeerID, m.Text)
		return
	}
	fmt.Printf("%s: %s\n", m.From, m.Text)
}

func chat(ctx context.Context, a *app.App, peer string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Printf("Chatting with %s as %s. Ctrl-D to quit.\n", peer, a.UserID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, a, peer, strings.TrimSpace(line)); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
	}
}

func handleLine(ctx context.Context, a *app.App, peer, line string) error {
	switch line {
	case "":
		return nil
	case "/reset":
		if err := a.ResetEncryption(ctx, peer); err != nil {
			return err
		}
		fmt.Println("Encryption with", peer, "reset; the next message starts a new session.")
		return nil
	case "/safety":
		n, err := a.SafetyNumber(ctx, peer)
		if errors.Is(err, app.ErrUnknownIdentity) {
			fmt.Println("No identity known for", peer, "yet; exchange a message first.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	_, err := a.Send(ctx, peer, line)
	return err
}
