package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mandachat/internal/aiconfig"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect and switch the active model",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the model catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				active := a.settings.Active().ModelKey
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "\tKEY\tNAME\tINPUT\tOUTPUT\tRPM\tSTATUS\t")
				for _, p := range a.settings.Profiles() {
					mark := ""
					if p.Key == active {
						mark = "*"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t\n", mark, p.Key, p.Name,
						humanize.Comma(int64(p.MaxInputTokens)), humanize.Comma(int64(p.MaxOutputTokens)), p.RPM, p.Status)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key>",
		Short: "Switch the active model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.settings.SetActiveModel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Active model: %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect and override generation parameters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				printParams(cmd, a.settings.Active())
				return nil
			})
		},
	})

	setters := []struct {
		use    string
		short  string
		update func(*aiconfig.Store) func(context.Context, string) (bool, error)
	}{
		{"temperature <value>", "Set temperature (0-1)", func(s *aiconfig.Store) func(context.Context, string) (bool, error) { return s.UpdateTemperature }},
		{"top-p <value>", "Set top-p (0-1)", func(s *aiconfig.Store) func(context.Context, string) (bool, error) { return s.UpdateTopP }},
		{"top-k <value>", "Set top-k (1-128)", func(s *aiconfig.Store) func(context.Context, string) (bool, error) { return s.UpdateTopK }},
		{"max-input-tokens <value>", "Set the input token budget", func(s *aiconfig.Store) func(context.Context, string) (bool, error) { return s.UpdateMaxInputTokens }},
		{"max-output-tokens <value>", "Set the output token limit", func(s *aiconfig.Store) func(context.Context, string) (bool, error) { return s.UpdateMaxOutputTokens }},
		{"rpm <value>", "Set requests per minute for the active model", func(s *aiconfig.Store) func(context.Context, string) (bool, error) { return s.UpdateRPM }},
	}
	for _, st := range setters {
		st := st
		cmd.AddCommand(&cobra.Command{
			Use:   st.use,
			Short: st.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					if _, err := st.update(a.settings)(ctx, args[0]); err != nil {
						return err
					}
					printParams(cmd, a.settings.Active())
					return nil
				})
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "system-prompt [text...]",
		Short: "Set the system prompt; no text clears it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.settings.UpdateSystemPrompt(ctx, strings.Join(args, " ")); err != nil {
					return err
				}
				printParams(cmd, a.settings.Active())
				return nil
			})
		},
	})
	return cmd
}

func printParams(cmd *cobra.Command, a aiconfig.ActiveConfig) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "model\t%s\n", a.ModelKey)
	fmt.Fprintf(tw, "temperature\t%.2f\n", a.Temperature)
	fmt.Fprintf(tw, "top-p\t%.2f\n", a.TopP)
	fmt.Fprintf(tw, "top-k\t%d\n", a.TopK)
	fmt.Fprintf(tw, "max-input-tokens\t%s\n", humanize.Comma(int64(a.MaxInputTokens)))
	fmt.Fprintf(tw, "max-output-tokens\t%s\n", humanize.Comma(int64(a.MaxOutputTokens)))
	fmt.Fprintf(tw, "rpm\t%d\n", a.RPM)
	fmt.Fprintf(tw, "system-prompt\t%q\n", a.SystemPrompt)
	_ = tw.Flush()
}
