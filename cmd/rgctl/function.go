package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/registry"
)

func loadCmd() *cobra.Command {
	var (
		source string
		engine string
		user   string
	)
	cmd := &cobra.Command{
		Use:   "load <name>",
		Short: "Load a library's source into the runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("--source is required")
			}
			data, err := os.ReadFile(source)
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.registry.Restore(ctx); err != nil {
				return err
			}

			lib, err := rt.registry.Load(ctx, args[0], domain.Engine(engine), string(data), domain.Role(user))
			if err != nil {
				return err
			}
			fmt.Printf("loaded %s (%d functions, %d notification consumers, %d stream consumers)\n",
				lib.Name, len(lib.Functions), len(lib.Notifications), len(lib.Streams))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "path to the library source file")
	cmd.Flags().StringVar(&engine, "engine", string(domain.EngineJS), "sandbox engine")
	cmd.Flags().StringVar(&user, "user", string(domain.DefaultRole), "ACL user to attribute this load to")
	return cmd
}

func upgradeCmd() *cobra.Command {
	var (
		source string
		user   string
	)
	cmd := &cobra.Command{
		Use:   "upgrade <name>",
		Short: "Replace a loaded library's source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("--source is required")
			}
			data, err := os.ReadFile(source)
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.registry.Restore(ctx); err != nil {
				return err
			}

			lib, err := rt.registry.Upgrade(ctx, args[0], string(data), domain.Role(user))
			if err != nil {
				return err
			}
			fmt.Printf("upgraded %s (%d functions, %d notification consumers, %d stream consumers)\n",
				lib.Name, len(lib.Functions), len(lib.Notifications), len(lib.Streams))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "path to the library source file")
	cmd.Flags().StringVar(&user, "user", string(domain.DefaultRole), "ACL user to attribute this upgrade to")
	return cmd
}

func listCmd() *cobra.Command {
	var verbosity int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded libraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.registry.Restore(ctx); err != nil {
				return err
			}

			libs := rt.registry.List(registry.Verbosity(verbosity))
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			header := "NAME\tENGINE\tFUNCTIONS\tNOTIFICATIONS\tSTREAMS\tUPDATED"
			if verbosity >= int(registry.VerbosityVV) {
				header += "\tLAST_ERROR"
			}
			if verbosity >= int(registry.VerbosityVVV) {
				header += "\tPENDING\tTOTAL_PROCESSED"
			}
			fmt.Fprintln(w, header)
			for _, lib := range libs {
				row := fmt.Sprintf("%s\t%s\t%d\t%d\t%d\t%s",
					lib.Name, lib.Engine, len(lib.Functions), len(lib.Notifications), len(lib.Streams),
					lib.UpdatedAt.Format(time.RFC3339))
				if verbosity >= int(registry.VerbosityVV) {
					row += "\t" + firstLastError(lib)
				}
				if verbosity >= int(registry.VerbosityVVV) {
					pending, total := streamTotals(lib)
					row += fmt.Sprintf("\t%d\t%d", pending, total)
				}
				fmt.Fprintln(w, row)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&verbosity, "v", 0, "verbosity (0=names, 1=declarations, 2=+last_error, 3=+stream cursor)")
	return cmd
}

// firstLastError reports the first non-empty last_error across a library's
// notification and stream consumers, for the list table's single column.
func firstLastError(lib domain.Library) string {
	for _, n := range lib.Notifications {
		if n.LastError != "" {
			return n.LastError
		}
	}
	for _, s := range lib.Streams {
		if s.LastError != "" {
			return s.LastError
		}
	}
	return ""
}

// streamTotals sums pending and processed counts across a library's stream
// consumers, for the list table's summary columns.
func streamTotals(lib domain.Library) (pending int, total uint64) {
	for _, s := range lib.Streams {
		pending += len(s.PendingIDs)
		total += s.TotalRecordsProcessed
	}
	return pending, total
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a single library's declarations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.registry.Restore(ctx); err != nil {
				return err
			}

			if _, ok := rt.registry.Get(args[0]); !ok {
				return fmt.Errorf("library not found: %s", args[0])
			}
			var lib domain.Library
			for _, l := range rt.registry.List(registry.VerbosityVVV) {
				if l.Name == args[0] {
					lib = l
					break
				}
			}
			fmt.Printf("name:     %s\n", lib.Name)
			fmt.Printf("engine:   %s\n", lib.Engine)
			fmt.Printf("user:     %s\n", lib.User)
			fmt.Printf("updated:  %s\n", lib.UpdatedAt.Format(time.RFC3339))
			for _, f := range lib.Functions {
				fmt.Printf("function: %s flags=%v\n", f.Name, f.Flags)
			}
			for _, n := range lib.Notifications {
				fmt.Printf("notification: %s prefix=%s mode=%s last_error=%q\n", n.Name, n.KeyPrefix, n.Mode, n.LastError)
			}
			for _, s := range lib.Streams {
				fmt.Printf("stream: %s key=%s window=%d trim=%v mode=%s pending_ids=%v id_to_read_from=%s total_record_processed=%d last_error=%q\n",
					s.Name, s.Key, s.Window, s.Trim, s.Mode, s.PendingIDs, s.IDToReadFrom, s.TotalRecordsProcessed, s.LastError)
			}
			return nil
		},
	}
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a loaded library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.registry.Restore(ctx); err != nil {
				return err
			}
			if err := rt.registry.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
	return cmd
}
