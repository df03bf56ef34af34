package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parley/pkg/completion"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/ids"
	"github.com/go-go-golems/parley/pkg/store"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the mentor, keeping conversations in the configured store",
		RunE:  runChat,
	}
	flags := cmd.Flags()
	flags.String("engine", completion.EngineOpenAI, "Completion engine (openai, echo)")
	flags.String("openai-api-key", "", "OpenAI API key")
	flags.String("openai-base-url", "", "OpenAI compatible base URL")
	flags.String("model", completion.DefaultModel, "Model name")
	flags.Duration("timeout", completion.DefaultTimeout, "Completion and relay request timeout")
	flags.String("system-directive", "", "Override the system directive sent with every request")
	flags.String("completion-config", "", "YAML file with completion settings")
	cobra.CheckErr(viper.BindPFlags(flags))
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	b, err := openBackend(true)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			log.Warn().Err(err).Msg("could not close remote store")
		}
	}()

	settings, err := completionSettings()
	if err != nil {
		return err
	}
	client, err := completion.NewClient(settings)
	if err != nil {
		return err
	}
	if settings.Engine != completion.EngineEcho && settings.APIKey == "" {
		log.Warn().Msg("no OpenAI API key configured, every reply will fail")
	}
	gen, err := ids.New(viper.GetString("id-kind"))
	if err != nil {
		return err
	}

	owner := viper.GetString("owner")
	s := store.New(b.store, client, owner,
		store.WithIDGenerator(gen),
		store.WithSystemDirective(settings.SystemDirective))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		r := newREPL(s, os.Stdout)
		r.printf(r.dim, "parley: %s as %s (type /help for commands)\n", b.kind, owner)
		return r.loop(ctx)
	})
	return eg.Wait()
}

type repl struct {
	store *store.Store
	ui    *input.UI
	out   io.Writer
	// shown is the last error already printed, so that it is shown once.
	shown error
	// renders assistant replies, which are markdown
	markdown *glamour.TermRenderer

	user      func(a ...interface{}) string
	assistant func(a ...interface{}) string
	active    func(a ...interface{}) string
	warn      *color.Color
	fail      *color.Color
	dim       *color.Color
}

func newREPL(s *store.Store, out io.Writer) *repl {
	style := glamour.WithAutoStyle()
	if color.NoColor {
		style = glamour.WithStandardStyle("notty")
	}
	markdown, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(100))
	if err != nil {
		log.Warn().Err(err).Msg("could not set up markdown rendering, printing replies as is")
	}
	return &repl{
		store:     s,
		ui:        input.DefaultUI(),
		out:       out,
		markdown:  markdown,
		user:      color.New(color.FgGreen, color.Bold).SprintFunc(),
		assistant: color.New(color.FgCyan, color.Bold).SprintFunc(),
		active:    color.New(color.FgYellow, color.Bold).SprintFunc(),
		warn:      color.New(color.FgYellow),
		fail:      color.New(color.FgRed),
		dim:       color.New(color.Faint),
	}
}

func (r *repl) printf(c *color.Color, format string, a ...interface{}) {
	_, _ = c.Fprintf(r.out, format, a...)
}

func (r *repl) loop(ctx context.Context) error {
	for {
		r.showLastError()

		line, err := r.ui.Ask(r.user("you"), &input.Options{HideOrder: true})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printf(r.fail, "%v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		_, _ = fmt.Fprintln(r.out, "/new            start a new conversation")
		_, _ = fmt.Fprintln(r.out, "/list           list conversations")
		_, _ = fmt.Fprintln(r.out, "/switch <n|id>  open a conversation")
		_, _ = fmt.Fprintln(r.out, "/show           print the open conversation")
		_, _ = fmt.Fprintln(r.out, "/quit           leave")
	case "/new":
		id, err := r.store.CreateConversation(ctx)
		if err != nil {
			r.markShown()
			return false, err
		}
		r.printf(r.dim, "started conversation %s\n", id)
	case "/list":
		r.renderConversations(r.store.View())
	case "/switch":
		if len(fields) != 2 {
			return false, errors.New("usage: /switch <n|id>")
		}
		id := r.resolve(fields[1])
		if err := r.store.SelectConversation(ctx, id); err != nil {
			r.markShown()
			return false, err
		}
		r.renderMessages(r.waitForMessages(ctx))
	case "/show":
		r.renderMessages(r.store.View())
	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

// resolve maps a 1-based position in the conversation list to its id.
func (r *repl) resolve(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	v := r.store.View()
	if n < 1 || n > len(v.Conversations) {
		return arg
	}
	return v.Conversations[n-1].ID
}

// waitForMessages gives the message stream of a freshly opened conversation
// a moment to deliver its first snapshot.
func (r *repl) waitForMessages(ctx context.Context) store.View {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AwaitMessages(ctx); err != nil {
		log.Debug().Err(err).Msg("messages did not arrive in time")
	}
	return r.store.View()
}

func (r *repl) send(ctx context.Context, text string) {
	res, err := r.store.SendMessage(ctx, text)
	switch {
	case err == nil && !res.Accepted:
		r.printf(r.warn, "still waiting for the previous reply\n")
		return
	case err == nil:
		r.printReply(res.AssistantMessage.Content)
		if res.MetaError != nil {
			r.markShown()
			r.printf(r.warn, "reply saved but the conversation details were not updated: %v\n", res.MetaError)
		}
		return
	}

	r.markShown()
	switch {
	case errors.Is(err, conversation.ErrValidation):
		r.printf(r.warn, "type a message first\n")
	case res.UserCommitted:
		r.printf(r.warn, "message saved but reply failed: %v\n", err)
	default:
		r.printf(r.fail, "nothing was saved: %v\n", err)
	}
}

// printReply renders an assistant reply as markdown, falling back to the raw
// text when rendering fails.
func (r *repl) printReply(content string) {
	rendered := content
	if r.markdown != nil {
		if out, err := r.markdown.Render(content); err == nil {
			rendered = strings.Trim(out, "\n")
		} else {
			log.Debug().Err(err).Msg("could not render reply")
		}
	}
	_, _ = fmt.Fprintf(r.out, "%s:\n%s\n", r.assistant("mentor"), rendered)
}

// markShown records the current error so that the prompt does not repeat it.
func (r *repl) markShown() {
	r.shown = r.store.View().LastError
}

func (r *repl) showLastError() {
	v := r.store.View()
	if v.LastError == nil || v.LastError == r.shown {
		return
	}
	r.shown = v.LastError
	r.printf(r.fail, "%s error: %v\n", v.LastErrorKind(), v.LastError)
}

func (r *repl) renderConversations(v store.View) {
	if len(v.Conversations) == 0 {
		r.printf(r.dim, "no conversations yet\n")
		return
	}
	for i, c := range v.Conversations {
		marker := " "
		title := c.Title
		if c.ID == v.ActiveID {
			marker = "*"
			title = r.active(title)
		}
		_, _ = fmt.Fprintf(r.out, "%s %2d. %s  ", marker, i+1, title)
		r.printf(r.dim, "%s\n", c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func (r *repl) renderMessages(v store.View) {
	if v.Active == nil {
		r.printf(r.dim, "no conversation open\n")
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s\n", r.active(v.Active.Title))
	for _, m := range v.Messages {
		if m.Role == conversation.RoleAssistant {
			r.printReply(m.Content)
			continue
		}
		_, _ = fmt.Fprintf(r.out, "%s: %s\n", r.user("you"), m.Content)
	}
	if v.Pending {
		r.printf(r.dim, "mentor is typing...\n")
	}
}
