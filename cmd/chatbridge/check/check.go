// Package checkcmder provides the check command, a connectivity probe for the
// chat server and, optionally, a running bridge.
package checkcmder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papercomputeco/chatbridge/cmd/chatbridge/cmdutil"
	"github.com/papercomputeco/chatbridge/pkg/cliui"
	"github.com/papercomputeco/chatbridge/pkg/config"
	"github.com/papercomputeco/chatbridge/pkg/sse"
	"github.com/papercomputeco/chatbridge/pkg/upstream"
)

type checkCommander struct {
	upstream     string
	loginTimeout time.Duration
	username     string
	password     string
	bridgeURL    string

	viper  *viper.Viper
	out    io.Writer
	logger *slog.Logger
}

const checkLongDesc string = `Probe the chat server the bridge talks to.

Connects to the chat server and waits for its greeting. With --username and
--password it also logs in and disconnects again. With --bridge it then runs
the same login through a running bridge and waits for the first event on the
message stream.

Examples:
  chatbridge check
  chatbridge check --upstream chat.internal:12345 --username alice --password secret
  chatbridge check --bridge http://localhost:3000 --username alice --password secret`

const checkShortDesc string = "Probe the chat server"

var checkFlags = []string{
	config.FlagUpstream,
	config.FlagLoginTimeout,
}

func NewCheckCmd() *cobra.Command {
	cmder := &checkCommander{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: checkShortDesc,
		Long:  checkLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.InitViper(cmdutil.ConfigDir(cmd))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, config.BridgeFlags, checkFlags)
			cmder.viper = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.out = cmd.OutOrStdout()
			cmder.logger = cmdutil.Logger(cmd, cmd.ErrOrStderr())
			return cmder.run(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, config.BridgeFlags, config.FlagUpstream, &cmder.upstream)
	config.AddDurationFlag(cmd, config.BridgeFlags, config.FlagLoginTimeout, &cmder.loginTimeout)
	cmd.Flags().StringVar(&cmder.username, "username", "", "Log in as this user")
	cmd.Flags().StringVar(&cmder.password, "password", "", "Password for --username")
	cmd.Flags().StringVar(&cmder.bridgeURL, "bridge", "", "Base URL of a running bridge to probe end to end")

	return cmd
}

func (c *checkCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if (c.username == "") != (c.password == "") {
		return errors.New("--username and --password must be given together")
	}
	if c.bridgeURL != "" && c.username == "" {
		return errors.New("--bridge requires --username and --password")
	}

	addr := c.viper.GetString("upstream.address")
	timeout := c.viper.GetDuration("upstream.login_timeout")

	fmt.Fprintln(c.out)
	cliui.Field(c.out, "upstream", addr)
	fmt.Fprintln(c.out)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn *upstream.Conn
	err := cliui.Step(c.out, "Connecting", func() error {
		var err error
		conn, err = upstream.Dial(ctx, addr, upstream.Options{Logger: c.logger})
		return err
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if c.username == "" {
		err = cliui.Step(c.out, "Waiting for greeting", func() error {
			greeting, err := conn.Receive(ctx)
			if err != nil {
				return err
			}
			return expectStatus(greeting, upstream.StatusAuthRequired)
		})
		if err != nil {
			return err
		}
	} else {
		err = cliui.Step(c.out, "Logging in as "+c.username, func() error {
			reply, err := conn.Handshake(ctx, upstream.Command{
				Command:  upstream.CommandLogin,
				Username: c.username,
				Password: c.password,
			})
			if err != nil {
				return err
			}
			if !reply.OK() {
				return fmt.Errorf("login rejected: %s", reply.Message)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// The chat server allows one connection per user, so log out before
		// probing the bridge.
		err = cliui.Step(c.out, "Disconnecting", func() error {
			return conn.Send(upstream.Command{Command: upstream.CommandDisconnect, Username: c.username})
		})
		if err != nil {
			return err
		}
		_ = conn.Close()
	}

	if c.bridgeURL != "" {
		if err := c.checkBridge(ctx); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "\n  %s\n", cliui.DimStyle.Render("all checks passed"))
	return nil
}

// checkBridge logs in through the bridge, reads the first message stream
// event and disconnects.
func (c *checkCommander) checkBridge(ctx context.Context) error {
	base := strings.TrimSuffix(c.bridgeURL, "/")
	fmt.Fprintln(c.out)
	cliui.Field(c.out, "bridge", base)
	fmt.Fprintln(c.out)

	var token string
	err := cliui.Step(c.out, "Logging in through the bridge", func() error {
		// The upstream side may still be releasing the previous login.
		deadline := time.Now().Add(2 * time.Second)
		for {
			var body struct {
				Success   bool   `json:"success"`
				SessionID string `json:"sessionId"`
				Message   string `json:"message"`
			}
			err := postJSON(ctx, base+"/login", "", map[string]string{
				"username": c.username,
				"password": c.password,
			}, &body)
			if err == nil && body.Success {
				token = body.SessionID
				return nil
			}
			if time.Now().After(deadline) {
				if err != nil {
					return err
				}
				return fmt.Errorf("login rejected: %s", body.Message)
			}
			time.Sleep(100 * time.Millisecond)
		}
	})
	if err != nil {
		return err
	}

	err = cliui.Step(c.out, "Opening message stream", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/message-stream", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		data, err := sse.NewReader(resp.Body).NextData()
		if err != nil {
			return fmt.Errorf("reading first event: %w", err)
		}
		c.logger.Debug("first stream event", "data", data)
		return expectType([]byte(data), "connected")
	})
	if err != nil {
		return err
	}

	return cliui.Step(c.out, "Disconnecting through the bridge", func() error {
		return postJSON(ctx, base+"/disconnect", token, nil, nil)
	})
}

func postJSON(ctx context.Context, url, token string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", url, err)
		}
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func expectStatus(line []byte, status string) error {
	var reply upstream.Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return fmt.Errorf("decoding greeting: %w", err)
	}
	if reply.Status != status {
		return fmt.Errorf("unexpected greeting status %q", reply.Status)
	}
	return nil
}

func expectType(line []byte, typ string) error {
	var env upstream.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	if env.Type != typ {
		return fmt.Errorf("unexpected event type %q", env.Type)
	}
	return nil
}
