// Package chat implements the interactive command-line loop.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"PromptLoom/internal/backend"
	"PromptLoom/internal/exchange"
	"PromptLoom/internal/store"
	"PromptLoom/internal/template"
)

// App drives the interactive session. Exchanges go through the coordinator;
// a failed exchange prints the error and the loop continues.
type App struct {
	coordinator *exchange.Coordinator
	registry    *template.Registry
	backend     *backend.Client
	logger      *slog.Logger

	conversationID string
	activeTemplate string
	model          string

	in  io.Reader
	out io.Writer
}

func NewApp(
	coordinator *exchange.Coordinator,
	registry *template.Registry,
	client *backend.Client,
	conversationID string,
	model string,
	logger *slog.Logger,
) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		coordinator:    coordinator,
		registry:       registry,
		backend:        client,
		logger:         logger,
		conversationID: conversationID,
		model:          model,
		in:             os.Stdin,
		out:            os.Stdout,
	}
}

// Run starts the interactive loop. It returns on /quit or EOF.
func (a *App) Run() error {
	fmt.Fprintln(a.out, "=== PromptLoom ===")
	if a.conversationID != "" {
		fmt.Fprintf(a.out, "Conversation: %s\n", a.conversationID)
	} else {
		fmt.Fprintln(a.out, "Conversation: (new, id assigned on first exchange)")
	}
	fmt.Fprintf(a.out, "Model: %s\n", a.model)
	fmt.Fprintln(a.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(a.out)

	scanner := bufio.NewScanner(a.in)

	for {
		fmt.Fprint(a.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := a.handleCommand(input)
			if err != nil {
				fmt.Fprintf(a.out, "Error: %v\n", err)
				a.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		a.runExchange(scanner, input)
	}

	fmt.Fprintln(a.out, "Goodbye!")
	return nil
}

// runExchange builds the request from the current mode (raw or template),
// collects any remaining template variables, and executes it. An interrupt
// while inference is in flight cancels the call; the already appended prompt
// turn remains.
func (a *App) runExchange(scanner *bufio.Scanner, input string) {
	req, err := a.buildRequest(scanner, input)
	if err != nil {
		fmt.Fprintf(a.out, "Error: %v\n", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(a.out, "\n(interrupted)")
			cancel()
		case <-done:
		}
	}()

	res, err := a.coordinator.Execute(ctx, a.conversationID, req)

	close(done)
	signal.Stop(sigCh)
	cancel()

	if err != nil {
		fmt.Fprintf(a.out, "Error: %v\n", err)
		a.logger.Error("exchange failed", "request", req.Describe(), "error", err)
		return
	}

	a.conversationID = res.ConversationID
	fmt.Fprintf(a.out, "Bot: %s\n\n", res.Completion)
}

// buildRequest turns one line of input into a coordinator request. With no
// active template the input is the raw prompt. With an active template the
// input binds the first declared variable (or "prompt" when none are
// declared) and the remaining declared variables are collected
// interactively.
func (a *App) buildRequest(scanner *bufio.Scanner, input string) (exchange.Request, error) {
	if a.activeTemplate == "" {
		return exchange.Request{RawPrompt: input}, nil
	}

	name := a.activeTemplate
	def, ok := a.registry.Definition(name)
	if !ok {
		a.activeTemplate = ""
		return exchange.Request{}, fmt.Errorf("template %q is no longer registered", name)
	}

	vars := map[string]string{}
	if len(def.Variables) == 0 {
		vars["prompt"] = input
	} else {
		vars[def.Variables[0].Name] = input
		for _, v := range def.Variables[1:] {
			fmt.Fprintf(a.out, "  %s: ", v.Name)
			if !scanner.Scan() {
				return exchange.Request{}, fmt.Errorf("input ended while reading variable %q", v.Name)
			}
			vars[v.Name] = strings.TrimSpace(scanner.Text())
		}
	}

	return exchange.Request{Template: a.activeTemplate, Variables: vars}, nil
}

// handleCommand handles slash commands; the bool result requests loop exit.
func (a *App) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		a.conversationID = ""
		a.activeTemplate = ""
		fmt.Fprintln(a.out, "Started a new conversation (id assigned on first exchange)")
		return false, nil

	case "/use":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /use <template>")
		}
		name := parts[1]
		if _, ok := a.registry.Definition(name); !ok {
			return false, fmt.Errorf("unknown template: %s", name)
		}
		a.activeTemplate = name
		fmt.Fprintf(a.out, "Using template %s; your next inputs fill its variables\n", name)
		return false, nil

	case "/raw":
		a.activeTemplate = ""
		fmt.Fprintln(a.out, "Raw prompt mode")
		return false, nil

	case "/templates":
		names := a.registry.Names()
		if len(names) == 0 {
			fmt.Fprintln(a.out, "No templates registered.")
			return false, nil
		}
		fmt.Fprintln(a.out, "\nAvailable templates:")
		for i, name := range names {
			marker := ""
			if name == a.activeTemplate {
				marker = " (active)"
			}
			def, _ := a.registry.Definition(name)
			if def.Description != "" {
				fmt.Fprintf(a.out, "%d. %s%s - %s\n", i+1, name, marker, def.Description)
			} else {
				fmt.Fprintf(a.out, "%d. %s%s\n", i+1, name, marker)
			}
		}
		fmt.Fprintln(a.out)
		return false, nil

	case "/history":
		id := a.conversationID
		if len(parts) > 1 {
			id = parts[1]
		}
		if id == "" {
			return false, fmt.Errorf("no conversation yet; usage: /history [id]")
		}
		conv, err := a.coordinator.History(context.Background(), id)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "\nConversation %s (%d turns):\n", conv.ID, len(conv.Turns))
		for _, turn := range conv.Turns {
			label := "You"
			if turn.Role == store.RoleResponse {
				label = "Bot"
			}
			fmt.Fprintf(a.out, "[%s] %s: %s\n", turn.Timestamp.Format("15:04:05"), label, turn.Content)
		}
		fmt.Fprintln(a.out)
		return false, nil

	case "/models":
		models, err := a.backend.ListModels(context.Background())
		if err != nil {
			return false, fmt.Errorf("failed to list models: %w", err)
		}
		fmt.Fprintln(a.out, "\nAvailable models:")
		for i, model := range models {
			sizeGB := float64(model.Size) / (1 << 30)
			current := ""
			if model.Name == a.model {
				current = " (current)"
			}
			fmt.Fprintf(a.out, "%d. %s - %.2f GB%s\n", i+1, model.Name, sizeGB, current)
		}
		fmt.Fprintln(a.out)
		return false, nil

	case "/help":
		fmt.Fprintln(a.out, "Available commands:")
		fmt.Fprintln(a.out, "  /quit, /exit      - Exit")
		fmt.Fprintln(a.out, "  /new              - Start a new conversation")
		fmt.Fprintln(a.out, "  /use <template>   - Fill a template with your next inputs")
		fmt.Fprintln(a.out, "  /raw              - Back to raw prompt mode")
		fmt.Fprintln(a.out, "  /templates        - List registered templates")
		fmt.Fprintln(a.out, "  /history [id]     - Show a conversation's turns")
		fmt.Fprintln(a.out, "  /models           - List models on the backend")
		fmt.Fprintln(a.out, "  /help             - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}
