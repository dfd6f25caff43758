package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/atmodem/modem"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "smsgw",
		Short:        "SMS gateway for AT-command GSM modems",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(cmd, configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), config)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "TOML configuration file")
	flags.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flags.Int("baud-rate", modem.DefaultBaudRate, "Baud rate for serial communication")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, console)")
	flags.String("sim-pin", "", "SIM card PIN code (if required)")
	flags.Bool("echo", false, "Keep command echo enabled on the modem")

	serveFlags := root.Flags()
	serveFlags.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server, empty disables it")
	serveFlags.String("http-token", "", "Bearer token required by the HTTP API")
	serveFlags.Int("rate-per-min", 30, "Maximum number of messages sent per minute")
	serveFlags.Int("max-retries", 3, "Retries for a failed send")
	serveFlags.String("mqtt-broker", "", "MQTT broker URL, empty disables MQTT")

	root.AddCommand(newSendCmd(&configFile), newListCmd(&configFile))
	return root
}

func newSendCmd(configFile *string) *cobra.Command {
	var to, text string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one SMS and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), config, func(ctx context.Context, m *modem.Modem) error {
				ids, err := m.SendSMS(ctx, to, text)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ids)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Recipient in international format")
	cmd.Flags().StringVar(&text, "text", "", "Message text")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newListCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the messages stored on the modem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), config, func(ctx context.Context, m *modem.Modem) error {
				messages, err := m.ListMessages(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "INDEXES\tSENDER\tTIME\tTEXT")
				for _, msg := range messages {
					fmt.Fprintf(w, "%v\t%s\t%s\t%s\n", msg.Indexes, msg.Sender, msg.Timestamp.Format(time.RFC3339), msg.Text)
				}
				return w.Flush()
			})
		},
	}
}

func loadConfig(cmd *cobra.Command, file string) (*Config, error) {
	return LoadConfig(WithDefaults(), WithFile(file), WithEnv(), WithFlags(cmd.Flags()))
}

func newModem(config *Config, logger *slog.Logger) (*modem.Modem, modem.Config, error) {
	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithMaxRetries(config.MaxRetries).
		WithMinSendInterval(time.Minute / time.Duration(config.RatePerMin)).
		WithSimPIN(config.SimPIN).
		WithEcho(config.EchoOn).
		WithLogger(logger.With("component", "modem")).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		return nil, modem.Config{}, fmt.Errorf("create modem config: %w", err)
	}

	m, err := modem.New(modemConfig)
	if err != nil {
		return nil, modem.Config{}, fmt.Errorf("create modem: %w", err)
	}
	return m, modemConfig, nil
}

// startSession opens m, runs its loop in g and initializes the modem.
func startSession(ctx context.Context, g *errgroup.Group, m *modem.Modem) error {
	if err := m.Open(ctx); err != nil {
		return fmt.Errorf("open modem: %w", err)
	}
	g.Go(func() error {
		if err := m.Loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("modem loop: %w", err)
		}
		return nil
	})
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("initialize modem: %w", err)
	}
	return nil
}

// withSession runs fn against an initialized modem and closes it after.
func withSession(ctx context.Context, config *Config, fn func(context.Context, *modem.Modem) error) error {
	logger := newLogger(os.Stderr, config.LogLevel, config.LogFormat)
	m, _, err := newModem(config, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	err = startSession(ctx, g, m)
	if err == nil {
		err = fn(ctx, m)
	}
	_ = m.Close()
	return errors.Join(err, g.Wait())
}

func serve(ctx context.Context, config *Config) error {
	logger := newLogger(os.Stderr, config.LogLevel, config.LogFormat)

	m, modemConfig, err := newModem(config, logger)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	gateway := NewGateway(m, logger.With("component", "gateway"), modemConfig.MinSendInterval, modemConfig.MaxRetries)

	var bridge *Bridge
	if config.MQTT.Broker != "" {
		bridge = NewBridge(config.MQTT, gateway, logger.With("component", "mqtt"))
		bridge.Attach(m)
	}

	logger.Info("Starting SMS Gateway", "serial_port", config.SerialPort, "http", config.BindAddress != "", "mqtt", bridge != nil)
	if err := startSession(ctx, g, m); err != nil {
		logger.Error("Failed to start modem session", "error", err)
		_ = m.Close()
		return errors.Join(err, g.Wait())
	}

	g.Go(func() error { return gateway.Run(ctx) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(ctx) })
	}

	if config.BindAddress != "" {
		httpServer := &http.Server{
			Addr: config.BindAddress,
			Handler: &Server{
				Logger: logger.With("component", "server"),
				Queue:  gateway,
				Store:  m,
				Token:  config.HTTPToken,
			},
		}
		g.Go(func() error {
			logger.Info("Starting HTTP server", "address", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			logger.Info("Closing HTTP server")
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Closing modem connection")
		if err := m.Close(); err != nil && !errors.Is(err, modem.ErrAlreadyClosed) {
			logger.Error("Failed to close modem", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("SMS Gateway stopped", "error", err)
		return err
	}
	logger.Info("SMS Gateway stopped")
	return nil
}
