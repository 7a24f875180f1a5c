package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/advisor/pkg/config"
	"github.com/aixgo-dev/advisor/pkg/session"
)

func newTranscriptCmd(opts *rootOptions) *cobra.Command {
	var actor, sessionID string
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print the stored transcript of a session",
		Long:  "Reads the session store directly; the memory store only works inside a running server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			scope := session.NewScope(actor, sessionID)
			if err := scope.Validate(); err != nil {
				return err
			}

			backend, err := session.Open(cmd.Context(), cfg.Session)
			if err != nil {
				return err
			}
			defer backend.Close()

			mem := session.NewMemory(backend, session.WithLogger(logger))
			turns, err := mem.ReadFullTranscript(cmd.Context(), scope)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(turns) == 0 {
				fmt.Fprintln(out, "(no turns)")
				return nil
			}
			for _, t := range turns {
				fmt.Fprintf(out, "%s  %-9s %s\n", t.CreatedAt.Format(time.RFC3339), t.Role, t.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor identifier")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID")
	return cmd
}

func newHandoffCmd() *cobra.Command {
	var server, actor, sessionID, timing string
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Inspect or drive a handoff attempt on a running server",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "http://localhost:8080", "advisor API base URL")
	cmd.PersistentFlags().StringVar(&actor, "actor", "", "actor identifier")
	cmd.PersistentFlags().StringVar(&sessionID, "session", "", "session ID")

	action := func(name, short string) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if actor == "" || sessionID == "" {
					return errors.New("--actor and --session are required")
				}
				verb := name
				if name == "status" {
					verb = ""
				}
				a, err := newAPIClient(server).Handoff(cmd.Context(), verb, actor, sessionID, timing)
				if err != nil {
					return err
				}
				printAttempt(cmd.OutOrStdout(), a)
				return nil
			},
		}
	}

	confirm := action("confirm", "Confirm the offered handoff and execute it")
	confirm.Flags().StringVar(&timing, "timing", "", "preferred contact timing")
	cmd.AddCommand(
		action("status", "Show the attempt"),
		confirm,
		action("decline", "Decline the offered handoff"),
		action("resume", "Resume a partially failed attempt from its first unfinished step"),
	)
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init <path>",
			Short: "Write the default configuration",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if _, err := os.Stat(args[0]); err == nil {
					return fmt.Errorf("%s already exists", args[0])
				}
				return config.SaveConfig(config.Default(), args[0])
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := opts.load()
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg.Redacted())
			},
		},
	)
	return cmd
}
