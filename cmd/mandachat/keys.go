package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the API key pool",
	}

	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysAddCmd())
	cmd.AddCommand(newKeysRenameCmd())
	cmd.AddCommand(newKeysEnableCmd(true))
	cmd.AddCommand(newKeysEnableCmd(false))
	cmd.AddCommand(newKeysRemoveCmd())
	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored API keys (masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list := a.creds.List()
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No API keys configured.")
					return nil
				}
				cursor := a.creds.Cursor()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tNAME\tKEY\tSTATE\t")
				enabledIdx := 0
				for i, c := range list {
					state := "disabled"
					if c.Enabled {
						state = "enabled"
						if enabledIdx == cursor {
							state += " (next)"
						}
						enabledIdx++
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t\n", i+1, c.Name, c.Redacted(), state)
				}
				return tw.Flush()
			})
		},
	}
}

func newKeysAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <api-key>",
		Short: "Add an API key to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.creds.Add(ctx, args[0], name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s) at position %d\n", c.Name, c.Redacted(), c.Position+1)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name for the key")
	return cmd
}

func newKeysRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <position> <name>",
		Short: "Rename an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.creds.Rename(ctx, pos, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed key %d to %q\n", pos+1, args[1])
				return nil
			})
		},
	}
}

func newKeysEnableCmd(enable bool) *cobra.Command {
	use, short, done := "enable", "Include an API key in rotation", "Enabled"
	if !enable {
		use, short, done = "disable", "Exclude an API key from rotation", "Disabled"
	}
	return &cobra.Command{
		Use:   use + " <position>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.creds.SetEnabled(ctx, pos, enable); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s key %d\n", done, pos+1)
				return nil
			})
		},
	}
}

func newKeysRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <position>",
		Aliases: []string{"rm"},
		Short:   "Remove an API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.creds.Remove(ctx, pos); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed key %d\n", pos+1)
				return nil
			})
		},
	}
}

// parsePosition converts a 1-based position argument to an index.
func parsePosition(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid position %q: want a number from 1", arg)
	}
	return n - 1, nil
}
