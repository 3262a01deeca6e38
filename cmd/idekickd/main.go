package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"idekick/internal/adapter/extool"
	"idekick/internal/adapter/host"
	"idekick/internal/adapter/llm"
	"idekick/internal/adapter/persist"
	"idekick/internal/adapter/tool"
	"idekick/internal/domain"
	"idekick/internal/infra/config"
	"idekick/internal/infra/logger"
	"idekick/internal/infra/tracer"
	"idekick/internal/usecase"
	"idekick/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`idekickd - in-IDE assistant daemon

USAGE:
    idekickd [FLAGS]

FLAGS:
    -h, --help      Show this help message
    --config PATH   Config file path (default: ./idekick.yaml)

CONFIGURATION:
    Config file: ./idekick.yaml
    Environment: IDEKICK_CONFIG overrides the config path

Once running, type a message and press enter. Slash commands:
    /new                   start a fresh conversation
    /stop                  cancel the in-flight turn
    /tools NAME...         set the sticky tool scope ("/tools all" clears it)
    /once NAME...          widen the scope for the next turn only
    /agents                list sub-agents
    /agent add ROLE [TEXT] create a sub-agent with optional instructions
    /agent send ID TEXT    delegate a task to a sub-agent
    /agent rm ID           remove a sub-agent
    /servers               list configured external tool servers
    /quit                  exit`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("IDEKICK_CONFIG"); p != "" {
		return p
	}
	return "idekick.yaml"
}

// consoleDisplay writes progress lines to stdout.
type consoleDisplay struct {
	mu sync.Mutex
}

func (d *consoleDisplay) Post(label, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Printf("[%s] %s\n", label, text)
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	for _, warning := range cfg.Validate() {
		log.Warn("config", "warning", warning)
	}

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	bus := eventbus.New(log)
	defer bus.Close()

	store, err := persist.NewSQLiteStore(filepath.Join(cfg.Session.DataDir, "idekick.db"))
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	defer store.Close()

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	workspace, err := host.NewLocal(root, log)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	registry := tool.NewRegistry(log)
	if err := tool.RegisterWorkspaceTools(registry, workspace, cfg.Tools, log); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	var external domain.ExternalSource
	var extMgr *extool.Manager
	if cfg.External.Enabled {
		extMgr = extool.NewManager(log, bus, extool.Options{
			ConnectTimeout:    cfg.External.ConnectTimeout,
			CallTimeout:       cfg.External.CallTimeout,
			Workers:           cfg.External.Workers,
			MaxCallsPerMinute: cfg.External.MaxCallsPerMinute,
		})
		defer extMgr.Close()
		extMgr.Refresh(ctx, cfg.External.Servers)
		external = extMgr
	}

	backend := llm.NewCircuitBreakerBackend(
		llm.NewResponsesBackend(cfg.Completion, log),
		cfg.Completion.Breaker,
		log,
	)

	display := &consoleDisplay{}
	var speech domain.Speech
	if cfg.Session.Speech {
		if s := host.NewCommandSpeech(log); s != nil {
			speech = s
		} else {
			log.Warn("speech enabled but no TTS command found")
		}
	}

	router := usecase.NewToolRouter(registry, external, log)
	engine := usecase.NewTurnEngine(backend, router, registry, external, bus, log)
	scope := usecase.NewScopeService(cfg.Session.AllowAllTools)

	agents := usecase.NewAgentManager(engine, store, display, cfg.Agents, cfg.Completion.Model, bus, log)
	defer agents.Close()
	if err := agents.RestoreSaved(ctx); err != nil {
		log.Warn("agent restore failed", "error", err)
	}

	session := usecase.NewSessionController(engine, scope, agents, store, display, speech,
		cfg.Session, bus, log)
	defer session.Close()
	if err := session.Restore(ctx); err != nil {
		log.Warn("session restore failed", "error", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("idekick started",
		"model", cfg.Completion.Model,
		"tools", len(registry.List()),
		"external", cfg.External.Enabled,
		"agents", cfg.Agents.Enabled,
	)

	return repl(ctx, replDeps{
		session: session,
		agents:  agents,
		scope:   scope,
		extMgr:  extMgr,
	})
}

type replDeps struct {
	session *usecase.SessionController
	agents  *usecase.AgentManager
	scope   *usecase.ScopeService
	extMgr  *extool.Manager
}

func repl(ctx context.Context, deps replDeps) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			if strings.HasPrefix(line, "/") {
				if err := handleCommand(ctx, deps, line); err != nil {
					fmt.Printf("error: %v\n", err)
				}
				continue
			}
			if err := deps.session.SendMessage(line); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

func handleCommand(ctx context.Context, deps replDeps, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		showUsage()
		return nil

	case "/new":
		deps.session.NewSession(ctx)
		fmt.Println("started a new session")
		return nil

	case "/stop":
		deps.session.StopProcessing()
		return nil

	case "/tools":
		if len(fields) == 2 && fields[1] == "all" {
			deps.scope.SetSticky(domain.ToolScope{})
			fmt.Println("sticky tool scope cleared")
			return nil
		}
		deps.scope.SetSticky(parseScope(fields[1:]))
		fmt.Printf("sticky tool scope set to %d tools\n", len(fields)-1)
		return nil

	case "/once":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /once NAME...")
		}
		deps.scope.SetTurn(parseScope(fields[1:]))
		fmt.Println("scope widened for the next turn")
		return nil

	case "/agents":
		roster := deps.agents.ListAgents()
		if len(roster) == 0 {
			fmt.Println("no agents")
			return nil
		}
		for _, a := range roster {
			fmt.Printf("%s  %s\n", a.ID, a.Config.Role)
		}
		return nil

	case "/agent":
		return handleAgentCommand(ctx, deps, fields[1:])

	case "/servers":
		if deps.extMgr == nil {
			fmt.Println("external tools disabled")
			return nil
		}
		for _, name := range deps.extMgr.Servers() {
			fmt.Println(name)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q (try /help)", fields[0])
	}
}

func handleAgentCommand(ctx context.Context, deps replDeps, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /agent <add|send|rm|stop> ...")
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: /agent add ROLE [INSTRUCTIONS]")
		}
		info, err := deps.agents.CreateAgent(ctx, domain.AgentConfig{
			Role:            args[1],
			Instructions:    strings.Join(args[2:], " "),
			Scope:           domain.ToolScope{AllowAll: true},
			IncludeExternal: true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created agent %s (%s)\n", info.ID, info.Config.Role)
		return nil

	case "send":
		if len(args) < 3 {
			return fmt.Errorf("usage: /agent send ID TEXT")
		}
		return deps.agents.SendToAgent(ctx, args[1], strings.Join(args[2:], " "))

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("usage: /agent rm ID")
		}
		return deps.agents.RemoveAgent(ctx, args[1])

	case "stop":
		if len(args) != 2 {
			return fmt.Errorf("usage: /agent stop ID")
		}
		return deps.agents.StopAgent(args[1])

	default:
		return fmt.Errorf("unknown agent command %q", args[0])
	}
}

// parseScope interprets names with a dot as external "server.method" pairs
// and anything else as a built-in tool name.
func parseScope(names []string) domain.ToolScope {
	var scope domain.ToolScope
	for _, n := range names {
		if strings.Contains(n, ".") {
			scope.External = append(scope.External, n)
		} else {
			scope.Builtin = append(scope.Builtin, n)
		}
	}
	return scope
}
