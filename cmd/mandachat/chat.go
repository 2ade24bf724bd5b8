package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mandachat/internal/chat"
	"mandachat/internal/session"
)

func newAskCmd() *cobra.Command {
	var (
		files   []string
		newChat bool
	)

	cmd := &cobra.Command{
		Use:   "ask [text...]",
		Short: "Send one message in the current session and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if newChat {
					if _, err := a.sessions.Create(ctx); err != nil {
						return err
					}
				}
				for _, path := range files {
					if _, err := a.outbox.AddFile(path); err != nil {
						return err
					}
				}
				reply, err := a.chat.Send(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Message.Content)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().BoolVar(&newChat, "new", false, "start a new session first")
	return cmd
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r := &repl{app: a, in: cmd.InOrStdin(), out: cmd.OutOrStdout()}
				return r.run(ctx)
			})
		},
	}
}

type repl struct {
	app *app
	in  io.Reader
	out io.Writer
}

const replHelp = `Commands:
  /new             start a new session
  /attach <path>   attach a file to the next message
  /files           list pending attachments
  /regen           regenerate the last reply
  /delete <n>      delete message n of this session
  /history         print this session
  /quit            exit`

func (r *repl) run(ctx context.Context) error {
	cur := r.app.sessions.Current()
	fmt.Fprintf(r.out, "mandachat · %s · %s\nType /help for commands.\n", r.app.settings.Active().ModelKey, cur.Title)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		reply, err := r.app.chat.Send(ctx, line)
		r.print(reply, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/new":
		id, err := r.app.sessions.Create(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "new session %s\n", id)
	case "/attach":
		if arg == "" {
			return false, errors.New("usage: /attach <path>")
		}
		att, err := r.app.outbox.AddFile(arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "attached %s (%s, %s)\n", att.Name, att.Type, att.HumanSize())
	case "/files":
		pending := r.app.outbox.Pending()
		if len(pending) == 0 {
			fmt.Fprintln(r.out, "no pending attachments")
		}
		for i, att := range pending {
			fmt.Fprintf(r.out, "%d. %s (%s, %s) %s\n", i+1, att.Name, att.Type, att.HumanSize(), att.Status)
		}
	case "/regen":
		reply, err := r.app.chat.Regenerate(ctx)
		r.print(reply, err)
	case "/delete":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return false, errors.New("usage: /delete <message number>")
		}
		if err := r.app.chat.DeleteMessage(ctx, n-1); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "deleted message %d\n", n)
	case "/history":
		for i, m := range r.app.sessions.Messages() {
			fmt.Fprintf(r.out, "%d. [%s] %s\n", i+1, m.Role, m.Content)
		}
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

func (r *repl) print(reply chat.Reply, err error) {
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		msgs := r.app.sessions.Messages()
		if n := len(msgs); n > 0 && msgs[n-1].Role == session.RoleSystem {
			fmt.Fprintf(r.out, "[system] %s\n", msgs[n-1].Content)
		}
		return
	}
	fmt.Fprintf(r.out, "\n%s\n\n", reply.Message.Content)
}
