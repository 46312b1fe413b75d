package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/muandane/special-stack/pagekit/internal/pagestate"
	"github.com/muandane/special-stack/pagekit/internal/storage"
)

func newPagesCmd(e *env) *cobra.Command {
	var dbPath, backend string

	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Inspect the persisted page-state store",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database, or directory for the file backend (default from PAGEKIT_PAGE_DB)")
	cmd.PersistentFlags().StringVar(&backend, "backend", "sqlite", "Store backend: sqlite or file")

	open := func() (storage.KV, func() error, error) {
		path := dbPath
		if path == "" {
			path = e.cfg.Page.DBPath
		}
		switch backend {
		case "sqlite":
			kv, err := storage.OpenSQLite(path)
			if err != nil {
				return nil, nil, err
			}
			return kv, kv.Close, nil
		case "file":
			kv, err := storage.NewFileKV(path)
			if err != nil {
				return nil, nil, err
			}
			return kv, func() error { return nil }, nil
		default:
			return nil, nil, fmt.Errorf("unknown backend %q", backend)
		}
	}

	openCache := func(cmd *cobra.Command) (*pagestate.Cache, func() error, error) {
		kv, closeKV, err := open()
		if err != nil {
			return nil, nil, err
		}
		c, err := pagestate.New(cmd.Context(), kv,
			pagestate.WithTTL(e.cfg.Page.TTL),
			pagestate.WithMaxRecords(e.cfg.Page.MaxRecords),
			pagestate.WithLogger(e.logger),
		)
		if err != nil {
			_ = closeKV()
			return nil, nil, err
		}
		return c, closeKV, nil
	}

	var all bool

	list := &cobra.Command{
		Use:   "list",
		Short: "List live page records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []pagestate.Record
			if all {
				kv, closeKV, err := open()
				if err != nil {
					return err
				}
				defer closeKV()
				if records, err = pagestate.LoadRecords(cmd.Context(), kv); err != nil {
					return err
				}
			} else {
				c, closeKV, err := openCache(cmd)
				if err != nil {
					return err
				}
				defer closeKV()
				records = c.Records()
			}

			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tSCROLL\tSTORED\tEXPIRED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%t\n", r.Path, r.ScrollPosition, r.StoredAt.Format(time.RFC3339), r.Expired(now))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVarP(&all, "all", "a", false, "Include expired records as stored on disk")

	var (
		state    string
		scroll   int
		metadata map[string]string
	)
	save := &cobra.Command{
		Use:   "save PATH",
		Short: "Save state, scroll offset and metadata for a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeKV, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer closeKV()

			c.SetCurrentPath(args[0])
			if state != "" {
				if !json.Valid([]byte(state)) {
					return fmt.Errorf("--state must be valid JSON")
				}
				if err := c.SetPageState(json.RawMessage(state)); err != nil {
					return err
				}
			}
			c.HandleScroll(scroll)
			if len(metadata) > 0 {
				meta := make(map[string]any, len(metadata))
				for k, v := range metadata {
					meta[k] = v
				}
				c.SetMetadata(meta)
			}
			if err := c.SaveCurrentPage(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", pagestate.NormalizePath(args[0]))
			return nil
		},
	}
	save.Flags().StringVar(&state, "state", "", "JSON page state")
	save.Flags().IntVar(&scroll, "scroll", 0, "Scroll offset")
	save.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata as key=value pairs")

	show := &cobra.Command{
		Use:   "show PATH",
		Short: "Print the saved state of one path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeKV, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer closeKV()

			rec := c.GetPathCache(args[0])
			if rec == nil {
				return fmt.Errorf("no live state for %s", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored page record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeKV, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer closeKV()

			n := c.Len()
			if err := c.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d records\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, show, save, clearCmd)
	return cmd
}
