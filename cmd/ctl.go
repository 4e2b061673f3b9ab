package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlsched/internal/api"
	"github.com/JakeFAU/crawlsched/internal/control"
)

// commander is what ctl needs from api.Client.
type commander interface {
	Do(ctx context.Context, req control.Request) (control.Response, error)
}

// newCommander is a variable so tests can inject a fake.
var newCommander = func(e *env, address string) commander {
	return api.NewClient(address, e.cfg.Server.APIKey, e.cfg.Server.Timeout)
}

func newCtlCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "ctl <command> [name] [value]",
		Short: "Send a control command to a running scheduler",
		Long: "Send a control command to a running scheduler.\n\nCommands: " +
			strings.Join(control.Commands, ", "),
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			req, err := parseCtlArgs(args)
			if err != nil {
				return err
			}
			if address == "" {
				address = e.cfg.Server.Address
			}
			resp, err := newCommander(e, address).Do(cmd.Context(), req)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("encode reply: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if resp.StatusCode != control.OK {
				return fmt.Errorf("%s: %s", req.Command, resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "scheduler control-plane URL (default server.address)")
	return cmd
}

func parseCtlArgs(args []string) (control.Request, error) {
	req := control.Request{Command: args[0]}
	if !slices.Contains(control.Commands, req.Command) {
		return req, fmt.Errorf("unknown command %q (want one of %s)", req.Command, strings.Join(control.Commands, ", "))
	}
	if len(args) > 1 {
		req.Name = args[1]
	}
	if control.NeedsName(req.Command) && req.Name == "" {
		return req, fmt.Errorf("%s requires a crawler name", req.Command)
	}
	if req.Command == control.SetSpeed {
		if len(args) < 3 {
			return req, fmt.Errorf("%s requires a value", req.Command)
		}
		v, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return req, fmt.Errorf("invalid speed %q: %w", args[2], err)
		}
		req.Value = v
	}
	return req, nil
}
