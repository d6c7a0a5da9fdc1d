// Wallflower is an ambient chat companion engine.
//
// It decides when a bot should speak at all: private messages and
// commands go through an LLM judge, group messages run a probabilistic
// "quiet group member" cascade with hourly caps and spacing, and every
// reply feeds layered conversational memory. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	wallflower serve             Run the engine against stdin/stdout
//	wallflower init [dir]        Initialize a working directory with defaults
//	wallflower ask <message>     Send one private message (for testing)
//	wallflower version           Print version and build information
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wallflower-bot/wallflower/internal/activemode"
	"github.com/wallflower-bot/wallflower/internal/buildinfo"
	"github.com/wallflower-bot/wallflower/internal/config"
	"github.com/wallflower-bot/wallflower/internal/engine"
	"github.com/wallflower-bot/wallflower/internal/events"
	"github.com/wallflower-bot/wallflower/internal/gate"
	"github.com/wallflower-bot/wallflower/internal/kv"
	"github.com/wallflower-bot/wallflower/internal/llm"
	"github.com/wallflower-bot/wallflower/internal/memory"
	"github.com/wallflower-bot/wallflower/internal/ratelimit"
	"github.com/wallflower-bot/wallflower/internal/session"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the wallflower command. OS-level
// dependencies are injected so tests can drive the lifecycle. Arguments
// are parsed by hand: the flag package relies on package-level globals,
// and the surface here is small.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdin, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wallflower ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wallflower - Ambient Chat Companion Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wallflower [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the engine against stdin/stdout")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Send a single private message (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/wallflower/config.yaml, /etc/wallflower/config.yaml")
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	info := buildinfo.Info()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). With no file
// anywhere, built-in defaults apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func loadPersona(cfg *config.Config) string {
	if cfg.PersonaFile == "" {
		return ""
	}
	data, err := os.ReadFile(cfg.PersonaFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// newJudge picks the judge implementation: the LLM judge when a judge
// model is configured, otherwise the deterministic keyword fallback.
func newJudge(cfg *config.Config, logger *slog.Logger) gate.Judge {
	jm := cfg.Models.JudgeModel()
	if jm.APIKey == "" {
		logger.Warn("no judge model configured, falling back to keyword matching")
		return &gate.KeywordJudge{Keywords: cfg.ReplyStrategy.ReplyOnKeyword}
	}
	client := llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL:     jm.BaseURL,
		APIKey:      jm.APIKey,
		Model:       jm.Model,
		Temperature: jm.Temperature,
		MaxTokens:   jm.MaxTokens,
	}, logger)
	return gate.NewLLMJudge(client, logger)
}

func gateConfig(cfg *config.Config) gate.Config {
	botName := ""
	if len(cfg.BotNicknames) > 0 {
		botName = cfg.BotNicknames[0]
	}
	return gate.Config{
		StalkerEnabled:            cfg.StalkerMode.Enabled,
		DefaultProbability:        cfg.StalkerMode.DefaultProbability,
		MentionProbability:        cfg.StalkerMode.MentionProbability,
		KeywordProbability:        cfg.StalkerMode.KeywordProbability,
		QuestionProbability:       cfg.StalkerMode.QuestionProbability,
		MinMessagesBetweenReplies: cfg.StalkerMode.MinMessagesBetweenReplies,
		MaxRepliesPerHour:         cfg.StalkerMode.MaxRepliesPerHour,
		SilenceThreshold:          cfg.StalkerMode.SilenceThreshold(),
		MinReplyInterval:          cfg.MinReplyInterval(),
		ReplyKeywords:             cfg.ReplyStrategy.ReplyOnKeyword,
		BotName:                   botName,
	}
}

// wireExtractor attaches the two LLM stages to the fact extractor:
// a cheap binary worth check, then line-oriented fact extraction.
func wireExtractor(extractor *memory.Extractor, client llm.Client, logger *slog.Logger) {
	worth := func(ctx context.Context, dialogue string) (bool, error) {
		prompt := "You decide whether a chat excerpt contains anything worth remembering " +
			"about the participants: personal facts, preferences, habits, relationships, " +
			"plans, or recent life changes. Greetings, stickers, and idle chatter are not " +
			"worth remembering. Answer with exactly \"yes\" or \"no\".\n\n" + dialogue
		out, err := client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, llm.Options{})
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "y"), nil
	}

	extract := func(ctx context.Context, dialogue string) ([]string, error) {
		prompt := "Extract durable facts about the participants from this chat excerpt. " +
			"Output one fact per line as \"category: fact\" (categories: preference, habit, " +
			"info, relationship, status, plan, other). Output \"none\" if there is nothing " +
			"worth keeping.\n\n" + dialogue
		out, err := client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, llm.Options{})
		if err != nil {
			return nil, err
		}
		var facts []string
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
			if line == "" || strings.EqualFold(line, "none") {
				continue
			}
			facts = append(facts, line)
		}
		logger.Debug("facts extracted", "count", len(facts))
		return facts, nil
	}

	extractor.SetFuncs(worth, extract)
}

// consoleSender writes outbound replies to stdout. It stands in for a
// platform adapter so the engine can be exercised end to end from a
// terminal.
type consoleSender struct {
	w io.Writer
}

func (s *consoleSender) Send(_ context.Context, platform, targetType, targetID, text string) error {
	_, err := fmt.Fprintf(s.w, "-> [%s %s:%s] %s\n", platform, targetType, targetID, text)
	return err
}

// runtime bundles what a command needs after construction: the engine
// itself, the event bus for observation, and the active-mode manager so
// the serve loop can grant and revoke engaged sessions.
type runtime struct {
	engine  *engine.Engine
	bus     *events.Bus
	active  *activemode.Manager
	cleanup func()
}

// buildEngine wires every component from configuration. The returned
// cleanup closes the durable store and stops continuation watchers.
func buildEngine(cfg *config.Config, sender engine.Sender, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := kv.OpenSQLite(filepath.Join(cfg.DataDir, "wallflower.db"))
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	mem := memory.New(store, logger, memory.Options{
		MaxHistory: cfg.MaxHistoryLength,
		FactBudget: cfg.Memory.MaxMemoryTokens,
	})

	dm := cfg.Models.Dialogue
	dialogue := llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL:     dm.BaseURL,
		APIKey:      dm.APIKey,
		Model:       dm.Model,
		Temperature: dm.Temperature,
		MaxTokens:   dm.MaxTokens,
	}, logger)

	extractor := memory.NewExtractor(mem, logger)
	if mm := cfg.Models.MemoryModel(); mm.APIKey != "" {
		memClient := llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL:     mm.BaseURL,
			APIKey:      mm.APIKey,
			Model:       mm.Model,
			Temperature: mm.Temperature,
			MaxTokens:   mm.MaxTokens,
		}, logger)
		wireExtractor(extractor, memClient, logger)
	} else {
		logger.Warn("no memory model configured, fact extraction disabled")
	}

	judge := newJudge(cfg, logger)
	counters := session.NewCounters()
	active := activemode.New(logger)
	g := gate.New(gateConfig(cfg), counters, active, mem, judge, nil, logger)

	botName := ""
	if len(cfg.BotNicknames) > 0 {
		botName = cfg.BotNicknames[0]
	}
	responder := engine.NewResponder(mem, dialogue, loadPersona(cfg), botName, llm.Options{}, logger)

	bus := events.New()
	eng := engine.New(cfg, engine.Deps{
		Gate:      g,
		Judge:     judge,
		Memory:    mem,
		Extractor: extractor,
		Counters:  counters,
		Limiter:   ratelimit.New(cfg.RateLimitTokens, cfg.RateLimitWindow(), logger),
		Flags:     engine.NewFlags(store, logger),
		Responder: responder,
		Sender:    sender,
		Bus:       bus,
		Logger:    logger,
	})

	cleanup := func() {
		eng.Close()
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}
	return &runtime{engine: eng, bus: bus, active: active, cleanup: cleanup}, nil
}

// runServe starts the engine and feeds it messages from stdin. Plain
// lines become private messages from the "console" user; lines starting
// with "{" are parsed as full JSON [engine.InboundMessage] values, so a
// group conversation can be replayed by hand. Lines starting with "/"
// are operator controls handled by [runControl].
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Warn("no config file found, using defaults")
	}
	logger.Info("starting", "build", buildinfo.String())

	rt, err := buildEngine(cfg, &consoleSender{w: stdout}, logger)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mirror operational events into the debug log.
	evCh := rt.bus.Subscribe(64)
	defer rt.bus.Unsubscribe(evCh)
	go func() {
		for ev := range evCh {
			logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.Info("input closed, shutting down")
				return nil
			}
			if strings.HasPrefix(strings.TrimSpace(line), "/") {
				runControl(stdout, rt.active, cfg.ActiveModeDuration(), line)
				continue
			}
			msg, err := parseInbound(line)
			if err != nil {
				logger.Warn("unparseable input", "error", err)
				continue
			}
			if msg.Text == "" && len(msg.Attachments) == 0 {
				continue
			}
			if err := rt.engine.HandleMessage(ctx, msg); err != nil {
				logger.Error("message handling failed", "error", err)
			}
		}
	}
}

func parseInbound(line string) (engine.InboundMessage, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		var msg engine.InboundMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return engine.InboundMessage{}, err
		}
		if msg.Platform == "" {
			msg.Platform = "console"
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		return msg, nil
	}
	return engine.InboundMessage{
		Text:           line,
		SenderID:       "console",
		SenderNickname: "console",
		Platform:       "console",
		Timestamp:      time.Now(),
	}, nil
}

// runControl handles operator lines in the serve loop. They adjust
// gating state directly instead of going through the message pipeline:
//
//	/active <session> [minutes]   engage the session for the given time
//	/passive <session>            return the session to ambient gating
//	/status                       list live active-mode grants
//
// Sessions use the "group:123" / "user:42" key form; a bare ID means a
// private session.
func runControl(w io.Writer, active *activemode.Manager, grantFor time.Duration, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "/active":
		if len(fields) < 2 {
			fmt.Fprintln(w, "usage: /active <session> [minutes]")
			return
		}
		if len(fields) > 2 {
			mins, err := strconv.Atoi(fields[2])
			if err != nil || mins <= 0 {
				fmt.Fprintf(w, "bad minutes %q\n", fields[2])
				return
			}
			grantFor = time.Duration(mins) * time.Minute
		}
		key := session.ParseKey(fields[1])
		active.Grant(key, grantFor)
		fmt.Fprintf(w, "active mode on for %s (%s)\n", key.String(), grantFor)
	case "/passive":
		if len(fields) < 2 {
			fmt.Fprintln(w, "usage: /passive <session>")
			return
		}
		key := session.ParseKey(fields[1])
		if active.Revoke(key) {
			fmt.Fprintf(w, "active mode off for %s\n", key.String())
		} else {
			fmt.Fprintf(w, "no live grant for %s\n", key.String())
		}
	case "/status":
		grants := active.ListActive()
		if len(grants) == 0 {
			fmt.Fprintln(w, "no active-mode grants")
			return
		}
		for _, g := range grants {
			fmt.Fprintf(w, "%s  %s remaining\n", g.Session.String(), g.Remaining.Round(time.Second))
		}
	default:
		fmt.Fprintf(w, "unknown control %s\n", fields[0])
	}
}

// runAsk sends one private message through the full pipeline and exits.
// The judge still decides whether the message deserves a reply.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, slog.LevelInfo)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	}

	rt, err := buildEngine(cfg, &consoleSender{w: stdout}, logger)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	msg := engine.InboundMessage{
		Text:           strings.Join(args, " "),
		SenderID:       "cli-test",
		SenderNickname: "cli",
		Platform:       "console",
		Timestamp:      time.Now(),
	}
	if err := rt.engine.HandleMessage(ctx, msg); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

const defaultConfigYAML = `# Wallflower configuration

bot_ids: []
bot_nicknames: []

log_level: info
data_dir: data
# persona_file: persona.txt

max_message_length: 1000
rate_limit_tokens: 20000
rate_limit_window: 60
min_reply_interval: 10
max_history_length: 20
active_mode_minutes: 10

stalker_mode:
  enabled: true
  default_probability: 0.03
  mention_probability: 0.8
  keyword_probability: 0.5
  question_probability: 0.4
  min_messages_between_replies: 15
  max_replies_per_hour: 8
  silence_threshold_minutes: 30

reply_strategy:
  reply_on_keyword: []

continue_conversation:
  enabled: true
  max_messages: 3
  max_duration: 120

memory:
  max_memory_tokens: 10000

models:
  dialogue:
    base_url: https://api.openai.com/v1
    api_key: ${OPENAI_API_KEY}
    model: gpt-4o
    temperature: 0.7
    max_tokens: 500
  # reply_judge and memory inherit dialogue credentials when unset
  reply_judge:
    model: gpt-4o-mini
  memory:
    model: gpt-4o-mini

# groups:
#   "12345":
#     memory_mode: sender_only
`

// runInit writes a starter config into dir, refusing to overwrite an
// existing one.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	fmt.Fprintln(stdout, "Set OPENAI_API_KEY (or edit api_key) and run: wallflower serve")
	return nil
}
