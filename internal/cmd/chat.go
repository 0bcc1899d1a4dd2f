package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/latch/internal/agent"
	"github.com/dativo-io/latch/internal/llm"
)

// chatHistoryTurns bounds the in-process history sent with each console turn.
const chatHistoryTurns = 10

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the assistant on the console (one message, or interactive when none is given)",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "chat")
	defer span.End()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := openDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		resp := d.runner.HandleTurn(ctx, agent.TurnRequest{Channel: "console", Text: strings.Join(args, " ")})
		fmt.Fprintln(out, resp.Reply)
		return nil
	}
	return chatLoop(ctx, d.runner, cmd.InOrStdin(), out)
}

type turnHandler interface {
	HandleTurn(ctx context.Context, req agent.TurnRequest) *agent.TurnResponse
}

// chatLoop reads one message per line until EOF or "/quit".
func chatLoop(ctx context.Context, runner turnHandler, in io.Reader, out io.Writer) error {
	var history []llm.Message
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "latch chat (type /quit to exit)")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		resp := runner.HandleTurn(ctx, agent.TurnRequest{Channel: "console", Text: text, History: history})
		fmt.Fprintln(out, resp.Reply)
		if resp.Failed {
			continue
		}
		history = append(history,
			llm.Message{Role: llm.RoleUser, Content: text},
			llm.Message{Role: llm.RoleAssistant, Content: resp.Reply})
		if n := len(history); n > 2*chatHistoryTurns {
			history = history[n-2*chatHistoryTurns:]
		}
	}
}
