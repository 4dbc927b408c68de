package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var debug bool

func main() {
	rootCmd := &cobra.Command{
		Use:     util.Name,
		Short:   "Timeline fan-out and federation engine",
		Version: util.GetVersion(),
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		precomputeCmd(),
		resolveCmd(),
		keygenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup reads the configuration and builds the logger every command uses.
func setup() (*util.AppConfig, *zap.Logger, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}
	logger, err := util.NewLogger(debug || conf.Conf.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return conf, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			logger.Debug("Configuration", zap.String("conf", util.PrettyPrint(conf)))

			a, err := newApp(conf, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.delivery.Start(ctx)

			srv := &http.Server{
				Addr: fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
				Handler: web.Router(web.Config{
					Domain:          conf.Conf.SslDomain,
					SignatureWindow: conf.SignatureWindowDuration(),
					DB:              a.db,
					Verifier:        a.verifier,
					Inbox:           a.dispatcher,
					Jobs:            a.pool,
					Hub:             a.hub,
					Metrics:         a.metrics,
					Logger:          logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server", zap.String("version", util.GetNameAndVersion()), zap.String("addr", srv.Addr), zap.String("domain", conf.Conf.SslDomain))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
			case <-ctx.Done():
			}

			logger.Info("Stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func precomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "precompute <username>",
		Short: "Rebuild the home feed of a local account from storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(conf, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			acc, err := a.db.ReadLocalAccount(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to find %s: %w", args[0], err)
			}
			return a.feeds.Precompute(ctx, acc.Id)
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <user@domain>",
		Short: "Look up a remote account, discovering it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(conf, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			acc, err := a.resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				var discovery *activitypub.DiscoveryError
				if errors.As(err, &discovery) {
					return fmt.Errorf("discovery of %s failed: %w", args[0], err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), util.PrettyPrint(map[string]interface{}{
				"id":       acc.Id,
				"acct":     acc.Acct(),
				"uri":      acc.URI,
				"protocol": acc.Protocol,
				"inbox":    acc.DeliveryInbox(),
			}))
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var (
		displayName string
		locked      bool
	)

	cmd := &cobra.Command{
		Use:   "keygen <username>",
		Short: "Create a local account with a fresh RSA key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(conf, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			pair, err := util.GeneratePemKeypair()
			if err != nil {
				return err
			}
			username := args[0]
			actorURI := serializer.ActorURI(conf.Conf.SslDomain, username)
			acc := &domain.Account{
				Username:     username,
				URI:          actorURI,
				URL:          fmt.Sprintf("https://%s/@%s", conf.Conf.SslDomain, username),
				DisplayName:  util.NormalizeInput(displayName),
				Protocol:     domain.ProtocolActivityPub,
				InboxURI:     actorURI + "/inbox",
				OutboxURI:    actorURI + "/outbox",
				FollowersURI: actorURI + "/followers",
				PublicKey:    pair.Public,
				PrivateKey:   pair.Private,
				Locked:       locked,
			}
			if err := a.db.CreateAccount(cmd.Context(), acc); err != nil {
				return fmt.Errorf("failed to create %s: %w", username, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", acc.Acct(), acc.URI)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().BoolVar(&locked, "locked", false, "approve followers manually")
	return cmd
}
