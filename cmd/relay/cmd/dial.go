package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/conn"
	"github.com/relaymsg/relay/pkg/relay/tracked"
	"github.com/relaymsg/relay/pkg/relay/transport/wsduplex"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

var dialCmd = &cobra.Command{
	Use:   "dial <ws-url>",
	Short: "Open an interactive relay session against a server",
	Long: `Dial connects to a relay server over WebSocket and reads commands
from stdin, one per line:

  get <route>
  post <route> [json-data]
  delete <route>
  on <route>
  off <route>
  ping

Example:
  relay dial ws://localhost:8080/ws`,
	Args: cobra.ExactArgs(1),
	RunE: runDial,
}

func init() {
	rootCmd.AddCommand(dialCmd)
}

type dialCallbacks struct {
	logger *zap.Logger
}

func (d dialCallbacks) HandleRoute(ctx context.Context, from *conn.Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any) {
	d.logger.Info("server pushed route", zap.String("route", route), zap.String("verb", string(verb)), zap.Any("data", data))
	return wire.StatusOK, nil
}

func (d dialCallbacks) HandleSubscribe(ctx context.Context, from *conn.Connection, route string) error { return nil }
func (d dialCallbacks) HandleUnsubscribe(ctx context.Context, from *conn.Connection, route string) error {
	return nil
}
func (d dialCallbacks) HandleDataSet(from *conn.Connection, key string, value any) {}
func (d dialCallbacks) HandleClosed(*conn.Connection)                             {}

func runDial(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger("info")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	t, err := wsduplex.Dial(ctx, args[0], nil, logger, wsduplex.DefaultConfig())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c := conn.New(conn.RoleClient, t, dialCallbacks{logger: logger}, conn.DefaultConfig(), logger, nil)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("dial: start: %w", err)
	}
	defer c.Stop()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := runDialLine(ctx, c, scanner.Text()); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}

	return scanner.Err()
}

func runDialLine(ctx context.Context, c *conn.Connection, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	verbWord, rest := strings.ToLower(fields[0]), fields[1:]

	postCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var msg wire.Message
	switch verbWord {
	case "ping":
		msg = wire.Ping()
	case "on":
		if len(rest) != 1 {
			return fmt.Errorf("usage: on <route>")
		}
		msg = wire.On(rest[0])
	case "off":
		if len(rest) != 1 {
			return fmt.Errorf("usage: off <route>")
		}
		msg = wire.Off(rest[0])
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("usage: get <route>")
		}
		return runDialRoute(postCtx, c, rest[0], wire.VerbGet, nil)
	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: delete <route>")
		}
		return runDialRoute(postCtx, c, rest[0], wire.VerbDelete, nil)
	case "post":
		if len(rest) < 1 {
			return fmt.Errorf("usage: post <route> [json-data]")
		}
		var data any
		if len(rest) > 1 {
			if err := json.Unmarshal([]byte(strings.Join(rest[1:], " ")), &data); err != nil {
				return fmt.Errorf("invalid json data: %w", err)
			}
		}
		return runDialRoute(postCtx, c, rest[0], wire.VerbPost, data)
	default:
		return fmt.Errorf("unknown command %q", verbWord)
	}

	outcome, err := c.Post(postCtx, msg)
	if err != nil {
		return err
	}

	return waitAndPrint(outcome)
}

// runDialRoute sends a route body through SendToRoute, the rate-limited
// entry point, printing a notice if this call tripped the advisory limit
// before waiting on the real response.
func runDialRoute(ctx context.Context, c *conn.Connection, route string, verb wire.Verb, data any) error {
	outcome, rateLimited, err := c.SendToRoute(ctx, route, verb, data, nil)
	if err != nil {
		return err
	}
	if rateLimited {
		fmt.Println("warning: rate limit exceeded, sending anyway")
	}

	return waitAndPrint(outcome)
}

func waitAndPrint(outcome *tracked.Outcome[wire.RouteResponse]) error {
	done := make(chan struct{})
	time.AfterFunc(10*time.Second, func() { close(done) })

	resp, ok := outcome.Wait(done)
	if !ok {
		return fmt.Errorf("timed out waiting for response")
	}
	if !resp.OK() {
		fmt.Printf("error: %s\n", resp.Error)
		return nil
	}

	fmt.Printf("ok: %v\n", resp.Data)
	return nil
}
