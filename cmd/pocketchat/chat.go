package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/config"
	"github.com/kalambet/pocketchat/internal/persist"
	"github.com/kalambet/pocketchat/internal/provider"
	"github.com/kalambet/pocketchat/internal/recovery"
	"github.com/kalambet/pocketchat/internal/session"
	"github.com/kalambet/pocketchat/internal/storage"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat. Replies stream to the terminal and the
conversation is saved after every completed reply.

Commands inside the chat:
  /title <text>  rename the chat (empty clears the title)
  /save          save now
  /retry         regenerate the last failed or interrupted reply
  /quit          save and exit

Ctrl-C interrupts the current reply; the partial reply is kept.

Examples:
  pocketchat chat
  pocketchat chat --provider anthropic --title "Trip plan"
  pocketchat chat --chat 12`,
	RunE: func(cmd *cobra.Command, args []string) error {
		chatFlag, _ := cmd.Flags().GetString("chat")
		providerFlag, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		titleFlag, _ := cmd.Flags().GetString("title")
		system, _ := cmd.Flags().GetString("system")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		if providerFlag != "" {
			cfg.Chat.Provider = providerFlag
		}

		var loadID int64
		if chatFlag != session.NewScope {
			loadID, err = strconv.ParseInt(chatFlag, 10, 64)
			if err != nil || loadID <= 0 {
				return fmt.Errorf("--chat must be %q or a chat id, got %q", session.NewScope, chatFlag)
			}
		}

		providers, err := buildProviders(cfg)
		if err != nil {
			return err
		}
		startID, err := chat.ParseProviderID(cfg.Chat.Provider)
		if err != nil {
			return err
		}
		if _, err := providers.Get(startID); err != nil {
			return fmt.Errorf("%w (set PCHAT_%s_API_KEY)", err, strings.ToUpper(string(startID)))
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				printWarning("closing storage: %v", err)
			}
		}()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if p, err := providers.Get(chat.ProviderLocal); err == nil && startID == chat.ProviderLocal {
			if o, ok := p.(localModels); ok {
				m := model
				if m == "" {
					m = providers.DefaultModel(chat.ProviderLocal)
				}
				if err := ensureLocalModel(ctx, o, m, os.Stderr); err != nil {
					return err
				}
			}
		}

		opts := session.Options{
			ChatScope: session.NewScope,
			Provider:  startID,
			Model:     model,
			System:    system,
		}
		if titleFlag != "" {
			opts.Title = &titleFlag
		}

		ui := newChatUI(os.Stdout, os.Stderr)
		opts.OnDelta = ui.delta

		pc := persist.New(store,
			persist.WithDebounce(cfg.Persist.Debounce),
			persist.WithOnChange(ui.saveState),
		)
		s, err := session.New(session.Deps{
			Providers: providers,
			Store:     store,
			Recovery:  recovery.New(cfg.RetryPolicy(), recovery.WithOnChange(ui.retryState)),
			Persist:   pc,
			Logger:    slog.Default(),
		}, opts)
		if err != nil {
			return err
		}

		if loadID > 0 {
			if err := s.Load(ctx, loadID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("chat %d not found", loadID)
				}
				return err
			}
			ui.replay(s.Messages())
		}

		id, m := s.Provider()
		printStep("Chatting with %s (%s). /quit to exit.", id, m)

		loopErr := runChatLoop(ctx, s, os.Stdin, ui, interruptible)

		s.Save(ctx)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pc.Close(closeCtx); err != nil {
			printWarning("%v", err)
		}
		if chatID, ok := pc.LastSavedChatID(); ok {
			printSuccess("Saved as chat %d", chatID)
		}
		return loopErr
	},
}

func init() {
	chatCmd.Flags().String("chat", session.NewScope, `chat to continue: "new" or a stored chat id`)
	chatCmd.Flags().String("provider", "", "provider to start with (local, openai, anthropic, openrouter)")
	chatCmd.Flags().String("model", "", "model to use (default: the provider's configured model)")
	chatCmd.Flags().String("title", "", "title for a new chat")
	chatCmd.Flags().String("system", "", "system prompt for a new chat")
}

// interruptible scopes one reply to Ctrl-C, so an interrupt cancels the
// reply instead of the program.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// chatSession is what the chat loop drives.
type chatSession interface {
	Send(ctx context.Context, prompt string) (provider.Reply, error)
	Retry(ctx context.Context) (provider.Reply, error)
	Rename(title string)
	Save(ctx context.Context)
	Provider() (chat.ProviderID, string)
}

// runChatLoop reads prompts and commands from in until /quit or EOF.
func runChatLoop(ctx context.Context, s chatSession, in io.Reader, ui *chatUI, turnCtx func(context.Context) (context.Context, context.CancelFunc)) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		ui.prompt()
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			cmd, arg, _ := strings.Cut(line, " ")
			switch cmd {
			case "/quit", "/exit":
				return nil
			case "/title":
				s.Rename(arg)
				ui.info("title set")
			case "/save":
				s.Save(ctx)
			case "/retry":
				ui.turn(ctx, turnCtx, s, s.Retry)
			case "/help":
				ui.info("/title <text>, /save, /retry, /quit")
			default:
				ui.info("unknown command " + cmd)
			}
			continue
		}

		ui.turn(ctx, turnCtx, s, func(ctx context.Context) (provider.Reply, error) {
			return s.Send(ctx, line)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// chatUI renders streamed replies and controller state.
type chatUI struct {
	out, errOut io.Writer

	mu         sync.Mutex
	current    chat.ProviderID
	thinking   bool
	lastStatus persist.Status
	lastRetry  int
}

func newChatUI(out, errOut io.Writer) *chatUI {
	return &chatUI{out: out, errOut: errOut, lastStatus: persist.StatusIdle}
}

func (u *chatUI) prompt() {
	fmt.Fprint(u.out, colorize(colorBold, "> "))
}

func (u *chatUI) info(msg string) {
	fmt.Fprintln(u.errOut, colorize(colorDim, msg))
}

func (u *chatUI) turn(ctx context.Context, turnCtx func(context.Context) (context.Context, context.CancelFunc), s chatSession, run func(context.Context) (provider.Reply, error)) {
	tctx, cancel := turnCtx(ctx)
	defer cancel()

	u.mu.Lock()
	u.current, _ = s.Provider()
	u.thinking = false
	u.mu.Unlock()

	_, err := run(tctx)
	fmt.Fprintln(u.out)

	switch {
	case err == nil:
	case errors.Is(err, session.ErrEmptyPrompt), errors.Is(err, session.ErrNothingToRetry), errors.Is(err, session.ErrBusy):
		u.info(err.Error())
	case errors.Is(err, context.Canceled):
		u.info("interrupted; /retry to try again")
	default:
		printFriendly(u.errOut, err)
		u.info("/retry to try again")
	}
}

func (u *chatUI) delta(id chat.ProviderID, d provider.Delta) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if id != u.current {
		fmt.Fprintln(u.errOut, colorize(colorYellow, "⚠ switched to "+string(id)))
		u.current = id
	}
	if d.Thinking != "" {
		u.thinking = true
		fmt.Fprint(u.out, colorize(colorDim, d.Thinking))
	}
	if d.Text != "" {
		if u.thinking {
			fmt.Fprintln(u.out)
			u.thinking = false
		}
		fmt.Fprint(u.out, d.Text)
	}
}

func (u *chatUI) retryState(st recovery.State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !st.IsRetrying {
		u.lastRetry = 0
		return
	}
	if st.AttemptNumber == u.lastRetry {
		return
	}
	u.lastRetry = st.AttemptNumber
	reason := "error"
	if st.LastError != nil {
		reason = string(st.LastError.Category)
	}
	fmt.Fprintf(u.errOut, "\n%s\n", colorize(colorYellow,
		fmt.Sprintf("⚠ %s, retry %d in %ds", reason, st.AttemptNumber, int(st.NextRetryIn/time.Second))))
}

func (u *chatUI) saveState(st persist.State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if st.Status == u.lastStatus {
		return
	}
	u.lastStatus = st.Status
	if st.Status == persist.StatusError {
		fmt.Fprintln(u.errOut, colorize(colorRed, "✗ Save failed: "+st.Friendly.Message))
	}
}

// replay prints a loaded conversation.
func (u *chatUI) replay(msgs []chat.Message) {
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleUser:
			fmt.Fprintln(u.out, colorize(colorBold, "> ")+m.Content)
		case chat.RoleAssistant:
			fmt.Fprintln(u.out, m.Content)
		}
	}
}
