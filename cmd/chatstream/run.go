package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/uuidx"
	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/provider"
)

var (
	runProvider     string
	runConversation string
	runSystemPrompt string
	runModel        string
	runEffort       string
	runJSON         bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one turn and print its events",
	Long: `Run starts a single turn on a provider and prints the streamed text.
The prompt is read from stdin when no argument is given. Ctrl-C aborts the
turn; a second Ctrl-C exits immediately.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		prompt, err := readPrompt(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		name := runProvider
		if name == "" {
			name = cfg.Server.DefaultProvider
		}
		conv := runConversation
		if conv == "" {
			conv = uuidx.NewString()
		}

		ctx := cmd.Context()
		session, err := a.runner.StartTurn(ctx, name, provider.Turn{
			ConversationID: conv,
			Messages:       []provider.Message{{Role: provider.RoleUser, Content: prompt}},
			Options: provider.Options{
				Model:           runModel,
				SystemPrompt:    runSystemPrompt,
				ReasoningEffort: runEffort,
			},
		})
		if err != nil {
			return err
		}

		interrupts := make(chan os.Signal, 2)
		signal.Notify(interrupts, os.Interrupt)
		defer signal.Stop(interrupts)
		go func() {
			<-interrupts
			_ = a.runner.Abort(conv)
			<-interrupts
			os.Exit(130)
		}()

		out := cmd.OutOrStdout()
		display := journal.NewDisplay()
		err = follow(ctx, a.journal, conv, session.FromIndex(), journal.ReadOptions{}, func(f journal.Frame) error {
			display.Apply(f)
			if runJSON {
				return writeFrameJSON(out, f)
			}
			printFrame(out, f)
			return nil
		})
		if err != nil {
			return err
		}
		<-session.Done()

		if !runJSON {
			fmt.Fprintln(out)
		}
		u := a.recorder.Usage(conv)
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s: %s (input %d, output %d tokens)\n",
			conv, session.Status(), u.InputTokens, u.OutputTokens)
		if display.Error != "" {
			return fmt.Errorf("turn failed: %s", display.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "Provider name (default from config)")
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "Conversation id; resumes CLI sessions when reused (default: new id)")
	runCmd.Flags().StringVarP(&runSystemPrompt, "system", "s", "", "System prompt")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override")
	runCmd.Flags().StringVar(&runEffort, "effort", "", "Reasoning effort")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print every frame as a JSON line")
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func writeFrameJSON(w io.Writer, f journal.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// printFrame renders text as it streams and marks tool activity.
func printFrame(w io.Writer, f journal.Frame) {
	if !f.IsEvent() {
		return
	}
	ev := f.Event()
	switch ev.Type {
	case agentstream.TypeTextDelta:
		fmt.Fprint(w, ev.Content)
	case agentstream.TypeToolUseStart:
		fmt.Fprintf(w, "\n[tool %s]\n", ev.MetaString(agentstream.MetaToolName))
	case agentstream.TypeToolResult:
		if isErr, _ := ev.Meta(agentstream.MetaIsError).(bool); isErr {
			fmt.Fprintf(w, "[tool error] %s\n", firstLine(ev.Content))
		}
	case agentstream.TypeCompactionSummary:
		fmt.Fprintln(w, "\n[context compacted]")
	case agentstream.TypeError:
		fmt.Fprintf(w, "\n[error] %s\n", ev.Content)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
