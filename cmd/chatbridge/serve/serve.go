// Package servecmder provides the serve command that runs the bridge.
package servecmder

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papercomputeco/chatbridge/bridge"
	"github.com/papercomputeco/chatbridge/cmd/chatbridge/cmdutil"
	"github.com/papercomputeco/chatbridge/pkg/config"
	eventstreamutils "github.com/papercomputeco/chatbridge/pkg/eventstream/utils"
	"github.com/papercomputeco/chatbridge/pkg/logger"
	"github.com/papercomputeco/chatbridge/pkg/utils"
)

type ServeCommander struct {
	listen         string
	upstream       string
	corsOrigins    string
	requestTimeout time.Duration
	loginTimeout   time.Duration
	heartbeat      time.Duration
	streamBuffer   int

	eventStreamProvider string
	eventStreamBrokers  string
	eventStreamTopic    string

	logFile string

	viper  *viper.Viper
	logger *slog.Logger
}

const serveLongDesc string = `Run the chat bridge.

The bridge listens for HTTP requests and opens one TCP connection to the chat
server per logged in session. Settings come from flags, CHATBRIDGE_*
environment variables, config.toml and built-in defaults, in that order.

Examples:
  chatbridge serve
  chatbridge serve --listen :8080 --upstream chat.internal:12345
  chatbridge serve --eventstream-provider kafka --eventstream-brokers kafka:9092`

const serveShortDesc string = "Run the chat bridge"

var serveFlags = []string{
	config.FlagListen,
	config.FlagUpstream,
	config.FlagCORSOrigins,
	config.FlagRequestTimeout,
	config.FlagLoginTimeout,
	config.FlagHeartbeat,
	config.FlagStreamBuffer,
	config.FlagEventStreamProvider,
	config.FlagEventStreamBrokers,
	config.FlagEventStreamTopic,
}

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.InitViper(cmdutil.ConfigDir(cmd))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, config.BridgeFlags, serveFlags)
			cmder.viper = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, closeLog, err := cmder.buildLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLog()
			cmder.logger = log

			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, config.BridgeFlags, config.FlagListen, &cmder.listen)
	config.AddStringFlag(cmd, config.BridgeFlags, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, config.BridgeFlags, config.FlagCORSOrigins, &cmder.corsOrigins)
	config.AddDurationFlag(cmd, config.BridgeFlags, config.FlagRequestTimeout, &cmder.requestTimeout)
	config.AddDurationFlag(cmd, config.BridgeFlags, config.FlagLoginTimeout, &cmder.loginTimeout)
	config.AddDurationFlag(cmd, config.BridgeFlags, config.FlagHeartbeat, &cmder.heartbeat)
	config.AddIntFlag(cmd, config.BridgeFlags, config.FlagStreamBuffer, &cmder.streamBuffer)
	config.AddStringFlag(cmd, config.BridgeFlags, config.FlagEventStreamProvider, &cmder.eventStreamProvider)
	config.AddStringFlag(cmd, config.BridgeFlags, config.FlagEventStreamBrokers, &cmder.eventStreamBrokers)
	config.AddStringFlag(cmd, config.BridgeFlags, config.FlagEventStreamTopic, &cmder.eventStreamTopic)
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Also write JSON logs to this file")

	return cmd
}

// buildLogger returns the console logger, teed to --log-file when set.
func (c *ServeCommander) buildLogger(cmd *cobra.Command) (*slog.Logger, func(), error) {
	console := cmdutil.Logger(cmd, os.Stdout)
	if c.logFile == "" {
		return console, func() {}, nil
	}

	f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	debug, _ := cmd.Flags().GetBool("debug")
	file := logger.New(logger.WithWriter(f), logger.WithJSON(true), logger.WithDebug(debug))
	return logger.Multi(console, file), func() { _ = f.Close() }, nil
}

// bridgeConfig assembles the bridge configuration from the viper chain.
func (c *ServeCommander) bridgeConfig() bridge.Config {
	v := c.viper
	hostname, _ := os.Hostname()

	// "0s" in the config turns the grace period off.
	grace := v.GetDuration("bridge.disconnect_grace")
	if grace == 0 {
		grace = -1
	}

	return bridge.Config{
		ListenAddr:        v.GetString("bridge.listen"),
		UpstreamAddr:      v.GetString("upstream.address"),
		CORSOrigins:       v.GetString("bridge.cors_origins"),
		RequestTimeout:    v.GetDuration("upstream.request_timeout"),
		LoginTimeout:      v.GetDuration("upstream.login_timeout"),
		WriteTimeout:      v.GetDuration("upstream.write_timeout"),
		MaxLineBytes:      v.GetInt("upstream.max_line_bytes"),
		HeartbeatInterval: v.GetDuration("stream.heartbeat_interval"),
		StreamBufferSize:  v.GetInt("stream.buffer_size"),
		DisconnectGrace:   grace,
		InstanceName:      hostname,
	}
}

func (c *ServeCommander) run() error {
	provider := c.viper.GetString("eventstream.provider")
	publisher, err := eventstreamutils.NewPublisher(&eventstreamutils.NewPublisherOpts{
		ProviderType: provider,
		Brokers:      splitList(c.viper.GetString("eventstream.brokers")),
		Topic:        c.viper.GetString("eventstream.topic"),
		ClientID:     "chatbridge",
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating event publisher: %w", err)
	}

	cfg := c.bridgeConfig()
	b, err := bridge.New(cfg, publisher, c.logger)
	if err != nil {
		_ = publisher.Close()
		return fmt.Errorf("creating bridge: %w", err)
	}

	c.logger.Info("starting chatbridge",
		"build", utils.BuildInfo(),
		"listen", cfg.ListenAddr,
		"upstream", cfg.UpstreamAddr,
		"eventstream", provider,
	)

	// Channel to capture errors from the server goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := b.Run(); err != nil {
			errChan <- fmt.Errorf("bridge error: %w", err)
		}
	}()

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case runErr = <-errChan:
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", "signal", sig.String())
	}

	if err := b.Close(); err != nil {
		c.logger.Error("shutdown incomplete", "error", err)
	}
	return runErr
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
