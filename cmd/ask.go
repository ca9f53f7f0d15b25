package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pagemate/pagemate/internal/breaker"
	"github.com/pagemate/pagemate/internal/client"
	"github.com/pagemate/pagemate/internal/client/state"
	"github.com/pagemate/pagemate/internal/log"
	"github.com/pagemate/pagemate/internal/tools"
)

var askServerURL string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a running pagemate server from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askServerURL, "server", "http://localhost:8080", "base URL of the pagemate server")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting user home directory: %w", err)
	}
	stateDir := filepath.Join(home, ".pagemate")
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	store, err := state.Open(ctx, filepath.Join(stateDir, "client.db"))
	if err != nil {
		return fmt.Errorf("opening client state: %w", err)
	}
	defer store.Close()

	runtime, err := client.New(client.Config{
		BaseURL:  askServerURL,
		Executor: tools.NewExecutor(terminalEffects{}, log.NewNop()),
		State:    store,
		Breaker:  breaker.New(breaker.DefaultConfig()),
		Logger:   log.NewNop(),
	})
	if err != nil {
		return fmt.Errorf("creating client runtime: %w", err)
	}

	question := strings.Join(args, " ")

	// The callback delivers accumulated text; print only the new tail.
	printed := 0
	result, err := runtime.Send(ctx, question, nil, func(accumulated string) {
		if len(accumulated) < printed {
			// Authoritative message replaced the buffer; reprint.
			fmt.Println()
			printed = 0
		}
		fmt.Print(accumulated[printed:])
		printed = len(accumulated)
	})
	if err != nil {
		return fmt.Errorf("sending question: %w", err)
	}
	fmt.Println()

	for _, res := range result.ToolResults {
		fmt.Printf("  [%s] %s\n", res.Name, res.Message)
	}
	return nil
}

// terminalEffects maps page actions to terminal output; a navigation
// in the terminal is just a notice.
type terminalEffects struct{}

func (terminalEffects) Navigate(page string) error {
	fmt.Printf("  → würde zur Seite %q wechseln\n", page)
	return nil
}

func (terminalEffects) SetTheme(theme string) error {
	fmt.Printf("  → würde das Theme auf %q stellen\n", theme)
	return nil
}

func (terminalEffects) SearchBlog(query string) error {
	fmt.Printf("  → würde den Blog nach %q durchsuchen\n", query)
	return nil
}

func (terminalEffects) ToggleMenu() error {
	return nil
}

func (terminalEffects) ScrollToSection(section string) error {
	fmt.Printf("  → würde zum Abschnitt %q scrollen\n", section)
	return nil
}

func (terminalEffects) SummarizePage() (string, error) {
	return "", fmt.Errorf("im Terminal gibt es keine Seite zum Zusammenfassen")
}

func (terminalEffects) Recommend(topic string) (string, error) {
	return "", fmt.Errorf("im Terminal gibt es keine Empfehlungen")
}
