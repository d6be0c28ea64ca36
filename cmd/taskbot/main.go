package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/avvvet/intentpilot/internal/config"
	"github.com/avvvet/intentpilot/internal/llm"
	"github.com/avvvet/intentpilot/internal/memory"
)

// BackendFactory creates the generation backend (allows fakes in tests)
type BackendFactory func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (llm.Backend, error)

func defaultBackendFactory(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (llm.Backend, error) {
	return llm.NewBackend(ctx, cfg, config.Component(logger, "llm"))
}

// ChatOptions carries the injectable dependencies of the chat command.
type ChatOptions struct {
	Config         *config.Config
	BackendFactory BackendFactory
	Store          *memory.Store
	Message        string
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

var rootCmd = &cobra.Command{
	Use:           "taskbot",
	Short:         "taskbot - a todo list you talk to",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Manage tasks in natural language, single message or REPL",
	RunE:  runChat,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded interactions",
	RunE:  runHistory,
}

var (
	messageFlag string
	limitFlag   int
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of most recent interactions to show")
	rootCmd.AddCommand(chatCmd, historyCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func cliLogger(cfg *config.Config, w io.Writer) *logrus.Logger {
	logger := config.NewLogger(cfg)
	logger.SetOutput(w)
	return logger
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(cmd.Context(), ChatOptions{Message: messageFlag})
}

func runChatWithOptions(ctx context.Context, opts ChatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}
	logger := cliLogger(cfg, stderr)

	factory := opts.BackendFactory
	if factory == nil {
		factory = defaultBackendFactory
	}
	backend, err := factory(ctx, cfg, logger)
	if err != nil {
		return err
	}

	store := opts.Store
	if store == nil {
		store, err = memory.OpenStore(ctx, cfg, config.Component(logger, "store"))
		if err != nil {
			return err
		}
		defer store.Close()
	}

	s := newSession(backend, store, cfg, logger)
	defer s.close()

	if opts.Message != "" {
		resp, err := s.ask(ctx, opts.Message)
		if err != nil {
			return err
		}
		printResponse(stdout, resp)
		return nil
	}

	fmt.Fprintln(stdout, "taskbot (type 'tasks' to list, 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "tasks":
			printTasks(stdout, s.app)
			continue
		}

		resp, err := s.ask(ctx, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		printResponse(stdout, resp)
	}
	return scanner.Err()
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := memory.OpenStore(ctx, cfg, config.Component(cliLogger(cfg, os.Stderr), "store"))
	if err != nil {
		return err
	}
	defer store.Close()

	return printHistory(ctx, os.Stdout, store, limitFlag)
}

func printHistory(ctx context.Context, w io.Writer, store *memory.Store, limit int) error {
	entries, err := store.All(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No interactions recorded.")
		return nil
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	for _, e := range entries {
		fmt.Fprintf(w, "%s\n  User: %s\n  Assistant: %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Metadata.Query, e.Metadata.Response)
	}
	return nil
}
