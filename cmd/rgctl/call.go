package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/gate"
)

func callCmd() *cobra.Command {
	var (
		payload string
		user    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <library> <function>",
		Short: "Call a loaded function and print its result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.registry.Restore(ctx); err != nil {
				return err
			}

			g := gate.New(rt.registry, rt.sandbox, rt.policy, rt.async, rt.client)
			defer g.Shutdown(context.Background())

			input := json.RawMessage(payload)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}

			resp, err := g.Call(ctx, args[0], args[1], input, domain.Role(user))
			if err != nil {
				return err
			}

			fmt.Printf("request_id: %s\n", resp.RequestID)
			fmt.Printf("duration:   %dms\n", resp.DurationMs)
			if resp.Error != "" {
				fmt.Printf("error:      %s\n", resp.Error)
				return nil
			}
			fmt.Printf("output:     %s\n", string(resp.Output))
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON arguments passed to the function")
	cmd.Flags().StringVar(&user, "user", string(domain.DefaultRole), "ACL user the call runs as")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "call timeout")
	return cmd
}
