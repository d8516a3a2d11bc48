// ABOUTME: Entry point for the agent-relay orchestrator
// ABOUTME: serve runs a console loop against the loopback agent; init and check manage config

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/envelope"
	"github.com/2389/agent-relay/internal/relay"
	"github.com/2389/agent-relay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _                  _
  __ _  __ _  ___ _ __ | |_      _ __ ___| | __ _ _   _
 / _' |/ _' |/ _ \ '_ \| __|____| '__/ _ \ |/ _' | | | |
| (_| | (_| |  __/ | | | ||_____| | |  __/ | (_| | |_| |
 \__,_|\__, |\___|_| |_|\__|    |_|  \___|_|\__,_|\__, |
       |___/                                      |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/agent-relay/relay.yaml > ~/.config/agent-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-relay", "relay.yaml")
}

// getDataPath returns the default data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-relay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agent-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Run the orchestrator with a console loop and the loopback agent")
		fmt.Println("           (deployments embed the relay package with their own agent and bridges)")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  check    Validate the config and open the database")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "check":
		err = runCheck()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Policy:   %s\n", cfg.Agent.BacklogPolicy)
	fmt.Println()

	sink := &consoleSink{}
	rly, err := relay.New(cfg, relay.Options{
		Launcher: loopbackLauncher{},
		Sink:     sink,
		Version:  version,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	// Console loop: each stdin line is one inbound text event on a
	// fixed local conversation.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			in := envelope.Inbound{
				BridgeID:     "console",
				MessageID:    uuid.NewString(),
				Conversation: envelope.ConversationRef{BridgeID: "console", ChannelID: "local"},
				UserID:       "operator",
				ReceivedAt:   0,
				Event:        envelope.TextEvent{Body: line},
			}
			if err := rly.Handle(ctx, in); err != nil {
				logger.Error("handling console input", "error", err)
			}
		}
	}()

	return rly.Run(ctx)
}

func runCheck() error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	fmt.Printf("ok: %s\n", configPath)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agent-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "relay.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Database ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Agent lifecycle ---")
	idleTimeout := prompt(reader, "Idle timeout", "30m")
	permissionTTL := prompt(reader, "Permission TTL", "5m")
	backlogPolicy := prompt(reader, "Backlog policy (all/latest/ignore/override)", "all")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# agent-relay configuration\n")
	cfg.WriteString("# Generated by agent-relay init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  idle_timeout: %q\n", idleTimeout))
	cfg.WriteString(fmt.Sprintf("  permission_ttl: %q\n", permissionTTL))
	cfg.WriteString("  stale_threshold: \"2m\"\n")
	cfg.WriteString(fmt.Sprintf("  backlog_policy: %q\n", backlogPolicy))
	cfg.WriteString("  guidance: \"\"\n")
	cfg.WriteString("  pid_file: \"\"\n\n")

	cfg.WriteString("delivery:\n")
	cfg.WriteString("  max_chunk_chars: 4000\n")
	cfg.WriteString("  dedupe_ttl: \"10m\"\n")
	cfg.WriteString("  dedupe_max: 10000\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start:")
	fmt.Println("  agent-relay serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(level)
	}

	return slog.New(handler)
}

// consoleSink prints outbound envelopes to stdout.
type consoleSink struct {
	mu sync.Mutex
}

func (s *consoleSink) Deliver(ctx context.Context, out envelope.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	magenta := color.New(color.FgMagenta)
	pieces := out.Chunks
	if len(pieces) == 0 && out.Text != "" {
		pieces = []string{out.Text}
	}
	for _, p := range pieces {
		magenta.Print("agent> ")
		fmt.Println(p)
	}
	for _, b := range out.Buttons {
		fmt.Printf("  [%s] %s\n", b.Label, b.Payload)
	}
	for _, a := range out.Attachments {
		fmt.Printf("  (file) %s\n", a.Path)
	}
	return nil
}

// loopbackAgent echoes input back. It stands in for a real coding agent
// so the orchestrator path can be exercised without one.
type loopbackAgent struct {
	sessionID string
}

func (a *loopbackAgent) CreateSession(ctx context.Context, cwd string) (*agent.Result, error) {
	a.sessionID = uuid.NewString()
	return &agent.Result{
		Text:      "Loopback session " + a.sessionID,
		SessionID: a.sessionID,
		Cwd:       cwd,
	}, nil
}

func (a *loopbackAgent) RunPrompt(ctx context.Context, req agent.PromptRequest) (*agent.Result, error) {
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	return &agent.Result{Text: "loopback: " + req.Prompt, SessionID: a.sessionID}, nil
}

func (a *loopbackAgent) RunCommand(ctx context.Context, req agent.CommandRequest) (*agent.Result, error) {
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	return &agent.Result{Text: "loopback command: " + req.Command + " " + req.Args, SessionID: a.sessionID}, nil
}

func (a *loopbackAgent) Close(ctx context.Context) error { return nil }

type loopbackLauncher struct{}

func (loopbackLauncher) Start(ctx context.Context, key, cwd string) (agent.Context, error) {
	return &loopbackAgent{}, nil
}
