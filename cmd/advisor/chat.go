package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/advisor/internal/conversation"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

type chatOptions struct {
	server        string
	actor         string
	session       string
	systemContext string
}

func newChatCmd() *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against a running advisor server",
		Long: `Chat with the advisor over the streaming API.

Lines starting with "/" are commands:
  /confirm [timing]  accept the advisor handoff offer
  /decline           decline the offer
  /status            show the handoff attempt
  /quit              leave`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.actor == "" {
				return errors.New("--actor is required")
			}
			if opts.session == "" {
				opts.session = uuid.NewString()
			}
			return runChat(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "advisor API base URL")
	cmd.Flags().StringVar(&opts.actor, "actor", "", "actor identifier, e.g. a phone number")
	cmd.Flags().StringVar(&opts.session, "session", "", "session ID (default: new random ID)")
	cmd.Flags().StringVar(&opts.systemContext, "context", "", "optional system context sent with every turn")
	return cmd
}

func runChat(ctx context.Context, opts *chatOptions, out io.Writer) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	history := historyPath()
	if f, err := os.Open(history); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(history); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	s := &chatSession{
		opts:   opts,
		client: newAPIClient(opts.server),
		demux:  stream.NewDemultiplexer(zerolog.Nop()),
		out:    out,
	}
	fmt.Fprintf(out, "session %s (type /quit to leave)\n", opts.session)

	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if quit := s.handle(ctx, input); quit {
			return nil
		}
	}
}

type chatSession struct {
	opts   *chatOptions
	client *apiClient
	demux  *stream.Demultiplexer
	out    io.Writer
}

// handle runs one input line and reports whether the user asked to quit.
func (s *chatSession) handle(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "/") {
		s.turn(ctx, input)
		return false
	}

	cmd, arg, _ := strings.Cut(input, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/confirm":
		s.handoff(ctx, "confirm", strings.TrimSpace(arg))
	case "/decline":
		s.handoff(ctx, "decline", "")
	case "/status":
		s.handoff(ctx, "", "")
	default:
		fmt.Fprintf(s.out, "unknown command %s\n", cmd)
	}
	return false
}

func (s *chatSession) turn(ctx context.Context, prompt string) {
	req := conversation.Request{
		Prompt:          prompt,
		SessionID:       s.opts.session,
		ActorIdentifier: s.opts.actor,
		SystemContext:   s.opts.systemContext,
	}

	fmt.Fprint(s.out, "advisor> ")
	err := s.client.Chat(ctx, req, s.demux, func(f stream.Frame) {
		switch f.Type {
		case stream.FrameDelta:
			fmt.Fprint(s.out, f.Content)
		case stream.FrameToolStatus:
			if f.State == stream.ToolRunning {
				fmt.Fprintf(s.out, "[%s...] ", f.Label)
			}
		}
	})
	fmt.Fprintln(s.out)

	if err != nil {
		fmt.Fprintf(s.out, "! %v\n", err)
		return
	}
	if msg := s.demux.Err(); msg != "" {
		fmt.Fprintf(s.out, "! %s\n", msg)
		return
	}
	printAssistant(s.out, s.demux)
}

// printAssistant prints what the deltas did not: a final-only answer,
// its sources and a handoff offer.
func printAssistant(out io.Writer, demux *stream.Demultiplexer) {
	msg, ok := demux.LastAssistant()
	if !ok {
		return
	}
	if len(msg.Sources) > 0 {
		ids := make([]string, 0, len(msg.Sources))
		for _, src := range msg.Sources {
			ids = append(ids, src.ID)
		}
		fmt.Fprintf(out, "  sources: %s\n", strings.Join(ids, ", "))
	}
	if msg.Handoff != nil {
		fmt.Fprintln(out, "  (type /confirm to be contacted by an advisor, /decline to continue)")
	}
}

func (s *chatSession) handoff(ctx context.Context, action, timing string) {
	a, err := s.client.Handoff(ctx, action, s.opts.actor, s.opts.session, timing)
	if err != nil {
		fmt.Fprintf(s.out, "! %v\n", err)
		return
	}
	printAttempt(s.out, a)
}

func printAttempt(out io.Writer, a *Attempt) {
	fmt.Fprintf(out, "handoff %s: %s\n", a.ID, a.State)
	for _, st := range a.Steps {
		fmt.Fprintf(out, "  %-14s %-10s attempts=%d\n", st.Name, st.Status, st.Attempts)
	}
}

func historyPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	_ = os.MkdirAll(filepath.Join(dir, "advisor"), 0o700)
	return filepath.Join(dir, "advisor", "chat_history")
}
