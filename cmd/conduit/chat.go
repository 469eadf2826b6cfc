package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/harunnryd/conduit/internal/gateway"

	"charm.land/lipgloss/v2"
	"github.com/google/shlex"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running gateway",
	Long:  `Opens an interactive session against a running 'conduit serve'. Local commands: /provider, /model, /source, /tools on|off, /exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		url, _ := cmd.Flags().GetString("url")
		if url == "" {
			url = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Server.Port)
		}

		frame := gateway.Frame{}
		frame.LLMProvider, _ = cmd.Flags().GetString("provider")
		frame.LLMModel, _ = cmd.Flags().GetString("model")
		frame.DataSource, _ = cmd.Flags().GetString("source")
		if noTools, _ := cmd.Flags().GetBool("no-tools"); noTools {
			off := false
			frame.UseTools = &off
		}

		ctx, stop := interruptContext(context.Background())
		defer stop()

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		defer conn.Close()

		repl := newChatREPL(conn, frame, os.Stdin, cmd.OutOrStdout())
		return repl.run(ctx)
	},
}

type chatREPL struct {
	conn  *websocket.Conn
	frame gateway.Frame
	in    *bufio.Reader
	out   io.Writer
	outMu sync.Mutex
}

func newChatREPL(conn *websocket.Conn, frame gateway.Frame, in io.Reader, out io.Writer) *chatREPL {
	return &chatREPL{conn: conn, frame: frame, in: bufio.NewReader(in), out: out}
}

func (r *chatREPL) printf(style lipgloss.Style, format string, a ...interface{}) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, style.Render(fmt.Sprintf(format, a...)))
}

func (r *chatREPL) run(ctx context.Context) error {
	r.printf(noteStyle, "Connected. Type '/exit' to quit.")

	readerDone := make(chan error, 1)
	go func() { readerDone <- r.readFrames() }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			text, err := r.in.ReadString('\n')
			if text = strings.TrimSpace(text); text != "" {
				lines <- text
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readerDone:
			if err != nil {
				return fmt.Errorf("connection closed: %w", err)
			}
			return nil
		case text, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := r.handleLine(text)
			if err != nil {
				return err
			}
			if done {
				_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
		}
	}
}

// handleLine applies a local command or sends the line as a user message.
// It reports true when the user asked to leave.
func (r *chatREPL) handleLine(text string) (bool, error) {
	if handled, done := r.localCommand(text); handled {
		return done, nil
	}

	frame := r.frame
	frame.Text = text
	if err := r.conn.WriteJSON(frame); err != nil {
		return false, fmt.Errorf("failed to send message: %w", err)
	}
	return false, nil
}

func (r *chatREPL) localCommand(text string) (handled bool, done bool) {
	if !strings.HasPrefix(text, "/") {
		return false, false
	}
	parts, err := shlex.Split(text)
	if err != nil || len(parts) == 0 {
		return false, false
	}

	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	switch parts[0] {
	case "/exit", "/quit":
		return true, true
	case "/provider":
		r.frame.LLMProvider = arg
		r.printf(noteStyle, "provider: %s", displayOrDefault(arg))
	case "/model":
		r.frame.LLMModel = arg
		r.printf(noteStyle, "model: %s", displayOrDefault(arg))
	case "/source":
		r.frame.DataSource = arg
		r.printf(noteStyle, "data source: %s", displayOrDefault(arg))
	case "/tools":
		enabled := arg != "off"
		r.frame.UseTools = &enabled
		r.printf(noteStyle, "tools enabled: %v", enabled)
	default:
		// Everything else goes to the gateway, which has its own slash commands.
		return false, false
	}
	return true, false
}

func (r *chatREPL) readFrames() error {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		text := string(data)
		switch {
		case strings.HasPrefix(text, "🤖"):
			r.printf(toolStyle, "%s", text)
		case strings.HasPrefix(text, "Error"):
			r.printf(errorStyle, "%s", text)
		default:
			r.printf(promptStyle, "agent>")
			r.printf(agentStyle, "%s", text)
		}
	}
}

func displayOrDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("url", "", "gateway websocket URL (default ws://127.0.0.1:<server.port>/ws)")
	chatCmd.Flags().String("provider", "", "backend name (e.g. cloud, local)")
	chatCmd.Flags().String("model", "", "model override for the backend")
	chatCmd.Flags().String("source", "", "data source passed to data tools")
	chatCmd.Flags().Bool("no-tools", false, "disable tool use")
}
