package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"counsel/cmd/internal/app"
	"counsel/cmd/internal/authtoken"
	"counsel/cmd/internal/chat"
	"counsel/cmd/internal/transport"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const chatHelp = `commands:
  /new                 start a new conversation in the current topic
  /topic <TOPIC>       switch topic (GENERAL, ESSAY_REVIEW, COLLEGE_LIST, FINANCIAL_AID, TEST_PREP, INTERVIEW_PREP)
  /sessions            list conversations of the current topic
  /archived            list archived conversations of the current topic
  /open <id>           load a conversation
  /archive <id>        archive a conversation
  /unarchive <id>      restore an archived conversation
  /help                show this help
  /quit                exit
anything else is sent as a message`

var chatCmd = &cobra.Command{
	Use:     "chat",
	Short:   "Interactive terminal client for a running counsel server.",
	PreRunE: bindFlags,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), terminationSignals...)
		defer stop()
		return runChat(ctx, os.Stdin, os.Stdout)
	},
}

func init() {
	f := chatCmd.Flags()
	f.String("server", "http://127.0.0.1:8080", "base URL of the counsel server")
	f.String("transport", "ws", "streaming transport: ws or sse")
	f.String("topic", string(chat.TopicGeneral), "initial topic")
	f.String("token", "", "access token (default: minted locally from COUNSEL_AUTH_SECRET)")
	f.String("refresh-token", "", "refresh token paired with --token")
	f.String("user", "", "user id for a locally minted token")
	f.String("origin", "", "Origin header for the WebSocket handshake")
	f.String("client-log-level", "warn", "client log level")
}

func runChat(ctx context.Context, in io.Reader, out io.Writer) error {
	log := app.NewLogger(viper.GetString("client-log-level"), "pretty", true)

	server := strings.TrimRight(strings.TrimSpace(viper.GetString("server")), "/")
	topic, err := chat.ParseTopic(viper.GetString("topic"))
	if err != nil {
		return err
	}
	sess, err := clientSession(app.LoadConfig())
	if err != nil {
		return err
	}

	tokens := authtoken.NewSupplier(
		authtoken.WithRefresher(authtoken.HTTPRefresher{URL: server + "/auth/refresh"}),
		authtoken.WithLogger(log),
	)
	tokens.Set(sess)

	dialer, streamURL, err := pickTransport(viper.GetString("transport"), server, viper.GetString("origin"), tokens, log)
	if err != nil {
		return err
	}

	api, err := chat.NewAPI(server, tokens, chat.WithAPILogger(log))
	if err != nil {
		return err
	}
	orch, err := chat.NewOrchestrator(chat.Config{
		Log:       log,
		Tokens:    tokens,
		Dialer:    dialer,
		StreamURL: streamURL,
		Backend:   api,
		Topic:     topic,
	})
	if err != nil {
		return err
	}

	p := newStreamPrinter(out)
	unsubscribe := orch.Subscribe(p.update)
	defer unsubscribe()

	orch.Start(ctx)
	defer func() { _ = orch.Stop() }()

	fmt.Fprintf(out, "connected to %s over %s, topic %s. /help lists commands.\n", server, viper.GetString("transport"), topic)

	lines := scanLines(ctx, in)
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, orch, line, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := sendAndWait(ctx, orch, p, line); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// sendAndWait submits text and blocks until the turn settles. A dropped connection is redialed
// once before giving up.
func sendAndWait(ctx context.Context, orch *chat.Orchestrator, p *streamPrinter, text string) error {
	done := p.arm()
	err := orch.SendMessage(ctx, text)
	if errors.Is(err, chat.ErrNotConnected) {
		if cerr := orch.ConnectWebSocket(ctx); cerr != nil {
			p.disarm()
			return fmt.Errorf("reconnect: %w", cerr)
		}
		err = orch.SendMessage(ctx, text)
	}
	if err != nil {
		p.disarm()
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runCommand(ctx context.Context, orch *chat.Orchestrator, line string, out io.Writer) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/new":
		if _, _, err := orch.StartNewChat("", arg); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "new %s conversation\n", orch.State().TopicType)
	case "/topic":
		topic, err := chat.ParseTopic(arg)
		if err != nil {
			return false, err
		}
		if err := orch.ChangeChatType(ctx, topic); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "topic %s\n", topic)
		printSessions(out, orch.State().Sessions)
	case "/sessions":
		list, err := orch.FetchSessions(ctx)
		if err != nil {
			return false, err
		}
		printSessions(out, list)
	case "/archived":
		list, err := orch.FetchArchivedSessions(ctx)
		if err != nil {
			return false, err
		}
		printSessions(out, list)
	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <id>")
		}
		if err := orch.FetchMessages(ctx, arg); err != nil {
			return false, err
		}
		st := orch.State()
		for _, m := range st.Messages {
			fmt.Fprintf(out, "%s: %s\n", speaker(m.Sender), m.Content)
		}
		if st.ViewingStatus == chat.StatusArchived {
			fmt.Fprintln(out, "(archived: read only)")
		}
	case "/archive", "/unarchive":
		if arg == "" {
			if id, ok := orch.State().Session.ID(); ok {
				arg = id
			} else {
				return false, fmt.Errorf("usage: %s <id>", name)
			}
		}
		if name == "/archive" {
			err = orch.ArchiveSession(ctx, arg)
		} else {
			err = orch.UnarchiveSession(ctx, arg)
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, "ok")
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func printSessions(out io.Writer, list []chat.Session) {
	if len(list) == 0 {
		fmt.Fprintln(out, "(no conversations)")
		return
	}
	for _, s := range list {
		title := "(untitled)"
		if s.Title != nil && *s.Title != "" {
			title = *s.Title
		}
		fmt.Fprintf(out, "%s  %s  %s\n", s.ID, s.UpdatedAt.Local().Format(time.DateTime), title)
	}
}

func speaker(s chat.Sender) string {
	if s == chat.SenderAI {
		return "advisor"
	}
	return "you"
}

// pickTransport maps the --transport flag to a dialer and the endpoint it talks to.
func pickTransport(kind, server, origin string, tokens *authtoken.Supplier, log *slog.Logger) (transport.Dialer, string, error) {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return nil, "", fmt.Errorf("invalid server url %q", server)
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "ws", "websocket":
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		default:
			return nil, "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
		}
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
		return transport.WSDialer{Log: log, Origin: origin}, u.String(), nil
	case "sse":
		u.Path = strings.TrimRight(u.Path, "/") + "/chat/stream"
		return transport.SSEDialer{Log: log, Tokens: tokens}, u.String(), nil
	default:
		return nil, "", fmt.Errorf("unknown transport %q (want ws or sse)", kind)
	}
}

// clientSession uses --token when given and otherwise mints a pair with the local secret.
func clientSession(cfg app.Config) (authtoken.Session, error) {
	if tok := strings.TrimSpace(viper.GetString("token")); tok != "" {
		return authtoken.Session{
			Status:       authtoken.StatusAuthenticated,
			AccessToken:  tok,
			RefreshToken: strings.TrimSpace(viper.GetString("refresh-token")),
		}, nil
	}

	issued, _, err := mintTokens(cfg, viper.GetString("user"))
	if err != nil {
		return authtoken.Session{}, fmt.Errorf("no --token given: %w", err)
	}
	return authtoken.Session{
		Status:       authtoken.StatusAuthenticated,
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    issued.AccessExp,
	}, nil
}

func scanLines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// streamPrinter writes the reply of an armed turn to out as chunks arrive.
type streamPrinter struct {
	out io.Writer

	mu      sync.Mutex
	armed   bool
	flying  bool
	done    chan struct{}
	id      string
	printed int
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

// arm starts tracking the next turn. The returned channel closes when it settles or fails.
func (p *streamPrinter) arm() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = true
	p.flying = false
	p.done = make(chan struct{})
	p.id = ""
	p.printed = 0
	return p.done
}

func (p *streamPrinter) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *streamPrinter) finishLocked() {
	if !p.armed {
		return
	}
	p.armed = false
	close(p.done)
}

func (p *streamPrinter) update(st chat.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed {
		return
	}
	// Ignore transitions published before this turn's submit.
	if !p.flying {
		if !st.Phase.InFlight() {
			return
		}
		p.flying = true
	}

	m, ok := lastAIMessage(st.Messages)
	if !ok {
		return
	}
	if m.ID != p.id {
		p.id = m.ID
		p.printed = 0
		fmt.Fprint(p.out, "advisor: ")
	}
	if len(m.Content) > p.printed {
		fmt.Fprint(p.out, m.Content[p.printed:])
		p.printed = len(m.Content)
	}

	switch st.Phase {
	case chat.PhaseSettled:
		fmt.Fprintln(p.out)
		p.finishLocked()
	case chat.PhaseFailed:
		fmt.Fprintln(p.out)
		if st.Error != "" && st.Error != m.Content {
			fmt.Fprintln(p.out, "error:", st.Error)
		}
		p.finishLocked()
	}
}

func lastAIMessage(msgs []chat.Message) (chat.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == chat.SenderAI {
			return msgs[i], true
		}
	}
	return chat.Message{}, false
}
