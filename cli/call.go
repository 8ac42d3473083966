package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/zot/tablebridge/client"
	"github.com/zot/tablebridge/internal/protocol"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	URL     string
	Cmd     string
	Name    string
	Method  string
	Kind    string
	Args    string
	Timeout time.Duration
}

// NewCallCommand creates the call command.
func NewCallCommand() *cobra.Command {
	opts := &CallOptions{}

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one request to a running bridge and print the result",
		Long: `Send one request to a running bridge and print the result.

For subscribe, every push is printed as it arrives until the subscription
ends or the command is interrupted.`,
		Example: `  tablebridge call --cmd table --name prices --args '[[{"id":1,"price":2.5}],{"index":"id"}]'
  tablebridge call --cmd view --name prices --args '[{"sort":[["price","desc"]]},"top"]'
  tablebridge call --cmd method --name top --method to_records
  tablebridge call --cmd subscribe --name top --method on_update --args '[{"mode":"row"}]'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://127.0.0.1:8080/ws", "bridge websocket URL")
	cmd.Flags().StringVar(&opts.Cmd, "cmd", "", "request cmd: table, view, method, subscribe, unsubscribe, delete")
	cmd.Flags().StringVar(&opts.Name, "name", "", "table or view name")
	cmd.Flags().StringVar(&opts.Method, "method", "", "method or event name")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "table or view (default view)")
	cmd.Flags().StringVar(&opts.Args, "args", "[]", "request arguments as a JSON array")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "timeout for non-subscribe requests")
	cmd.MarkFlagRequired("cmd")

	return cmd
}

func (o *CallOptions) request() (client.Request, error) {
	req := client.Request{
		Cmd:    protocol.Cmd(o.Cmd),
		Name:   o.Name,
		Method: o.Method,
		Kind:   protocol.Kind(o.Kind),
	}
	if err := json.Unmarshal([]byte(o.Args), &req.Args); err != nil {
		return req, fmt.Errorf("invalid --args JSON array: %w", err)
	}
	return req, nil
}

func runCall(cmd *cobra.Command, opts *CallOptions) error {
	req, err := opts.request()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	conn, err := client.Dial(ctx, opts.URL)
	if err != nil {
		return err
	}
	defer conn.Close()
	out := cmd.OutOrStdout()

	if req.Cmd == protocol.CmdSubscribe {
		sub, err := conn.Subscribe(ctx, req, func(r client.Response) {
			fmt.Fprintln(out, string(r.Data))
		})
		if err != nil {
			return err
		}
		select {
		case <-sub.Done():
			return sub.Err()
		case <-ctx.Done():
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	data, err := conn.Call(ctx, req)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	fmt.Fprintln(out, string(data))
	return nil
}
