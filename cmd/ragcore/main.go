// ragcore command line entry point.
//
// Usage:
//
//	ragcore query "what services do you offer?"   # one-shot RAG query
//	ragcore init-embeddings --offerings o.json --faq f.json [--force]
//	ragcore search "wallet fees"                  # raw vector search
//	ragcore session info <session-id>
//	ragcore session summary <session-id>
//	ragcore session clear <session-id>
//	ragcore session list
//	ragcore memories <user-id>
//	ragcore health
//	ragcore version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dextrends/ragcore/config"
	"github.com/dextrends/ragcore/internal/cache"
	"github.com/dextrends/ragcore/internal/metrics"
	"github.com/dextrends/ragcore/llm"
	"github.com/dextrends/ragcore/llm/circuitbreaker"
	"github.com/dextrends/ragcore/llm/embedding"
	"github.com/dextrends/ragcore/llm/openai"
	"github.com/dextrends/ragcore/llm/retry"
	"github.com/dextrends/ragcore/memory"
	"github.com/dextrends/ragcore/rag"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "query":
		runQuery(os.Args[2:])
	case "init-embeddings":
		runInitEmbeddings(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "session":
		runSession(os.Args[2:])
	case "memories":
		runMemories(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// app holds the wired dependency graph.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	provider  *openai.Provider
	client    *llm.Client
	store     *rag.Store
	retriever *rag.Retriever
	cache     *cache.Manager
	sessions  *memory.SessionStore
	longTerm  *memory.LongTermClient
	pipeline  *rag.Pipeline
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

// buildApp wires the full stack from configuration. Redis being down
// disables session memory rather than failing the command.
func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	provider := openai.New(openai.Config{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		DefaultModel:    cfg.LLM.Model,
		ConnectTimeout:  cfg.LLM.Timeouts.Connect,
		ReadTimeout:     cfg.LLM.Timeouts.Read,
		PoolIdleTimeout: cfg.LLM.Timeouts.PoolIdle,
	}, logger)

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: cfg.LLM.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.LLM.Breaker.RecoveryTimeout,
	}, logger)

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.LLM.MaxRetries

	client := llm.NewClient(provider, llm.ClientConfig{
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
		RatePerMinute: cfg.LLM.RatePerMinute,
	}, logger,
		llm.WithBreaker(breaker),
		llm.WithMetrics(m),
		llm.WithRetryPolicy(policy),
	)

	embedder := embedding.New(embedding.Config{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	}, logger)

	store := rag.NewStore(rag.StoreConfig{
		BaseURL:    cfg.Qdrant.URL,
		APIKey:     cfg.Qdrant.APIKey,
		Timeout:    cfg.Qdrant.Timeout,
		VectorSize: cfg.Embedding.Dimensions,
	}, logger)

	retriever := rag.NewRetriever(embedder, store, m, logger)

	longTerm := memory.NewLongTermClient(memory.LongTermConfig{
		APIKey:    cfg.Memory.APIKey,
		OrgID:     cfg.Memory.OrgID,
		ProjectID: cfg.Memory.ProjectID,
		BaseURL:   cfg.Memory.BaseURL,
		Timeout:   cfg.Memory.Timeout,
	}, logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		provider:  provider,
		client:    client,
		store:     store,
		retriever: retriever,
		longTerm:  longTerm,
	}

	cacheManager, err := cache.NewManager(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, session memory disabled", zap.Error(err))
	} else {
		a.cache = cacheManager
		a.sessions = memory.NewSessionStore(cacheManager, memory.SessionConfig{
			MaxMessages: cfg.Redis.MaxMessages,
			TTL:         cfg.Redis.SessionTTL,
		}, logger)
	}

	processor := rag.NewProcessor(client, logger)

	// A typed nil in the interface slot would defeat the pipeline's nil
	// checks, so wrap conditionally.
	var sessions rag.SessionMemory
	if a.sessions != nil {
		sessions = a.sessions
	}
	a.pipeline = rag.NewPipeline(processor, retriever, longTerm, sessions,
		client, rag.DefaultPipelineConfig(), m, logger)
	return a, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	userID := fs.String("user", "cli-user", "User identifier for long-term memory")
	sessionID := fs.String("session", "", "Session identifier for conversation history")
	timeout := fs.Duration("timeout", 2*time.Minute, "Overall query timeout")
	asJSON := fs.Bool("json", false, "Print the full response object as JSON")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("usage: ragcore query [flags] <question>")
	}

	a, err := buildApp(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp := a.pipeline.ProcessQuery(ctx, fs.Arg(0), *userID, *sessionID)
	if *asJSON {
		printJSON(resp)
		return
	}

	fmt.Println(resp.Response)
	if resp.Metadata.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Metadata.Error)
		os.Exit(1)
	}
	for _, src := range resp.Sources {
		fmt.Printf("  source: %s %q (%.2f)\n", src.Type, src.Title, src.RelevanceScore)
	}
}

func runInitEmbeddings(args []string) {
	fs := flag.NewFlagSet("init-embeddings", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	offerings := fs.String("offerings", "data/offerings.json", "Offerings corpus JSON file")
	faq := fs.String("faq", "data/faq.json", "FAQ corpus JSON file")
	force := fs.Bool("force", false, "Drop and rebuild populated collections")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall ingestion timeout")
	fs.Parse(args)

	a, err := buildApp(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := a.retriever.InitializeEmbeddings(ctx, *offerings, *faq, *force); err != nil {
		fatalf("initialize embeddings: %v", err)
	}
	fmt.Println("Embeddings initialized")
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	limit := fs.Int("limit", 5, "Maximum results")
	threshold := fs.Float64("threshold", 0.4, "Minimum similarity score")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("usage: ragcore search [flags] <query>")
	}

	a, err := buildApp(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records := a.retriever.Search(ctx, fs.Arg(0),
		[]rag.CollectionKey{rag.CollectionOfferings, rag.CollectionFAQ}, *limit, *threshold)
	if len(records) == 0 {
		fmt.Println("No results")
		return
	}
	printJSON(records)
}

func runSession(args []string) {
	if len(args) < 1 {
		fatalf("usage: ragcore session <info|summary|clear|list> [flags] [session-id]")
	}
	sub := args[0]

	fs := flag.NewFlagSet("session "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args[1:])

	a, err := buildApp(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	if a.sessions == nil {
		fatalf("session memory is unavailable (redis not reachable)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch sub {
	case "info":
		if fs.NArg() < 1 {
			fatalf("usage: ragcore session info <session-id>")
		}
		turns, info := a.sessions.Export(ctx, fs.Arg(0))
		printJSON(map[string]any{"info": info, "messages": turns})
	case "summary":
		if fs.NArg() < 1 {
			fatalf("usage: ragcore session summary <session-id>")
		}
		printJSON(a.sessions.Summary(ctx, fs.Arg(0)))
	case "clear":
		if fs.NArg() < 1 {
			fatalf("usage: ragcore session clear <session-id>")
		}
		if !a.sessions.Clear(ctx, fs.Arg(0)) {
			fatalf("failed to clear session %s", fs.Arg(0))
		}
		fmt.Println("Session cleared")
	case "list":
		ids := a.sessions.ActiveSessions(ctx)
		if len(ids) == 0 {
			fmt.Println("No active sessions")
			return
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	default:
		fatalf("unknown session subcommand: %s", sub)
	}
}

func runMemories(args []string) {
	fs := flag.NewFlagSet("memories", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("usage: ragcore memories [flags] <user-id>")
	}

	a, err := buildApp(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	if !a.longTerm.Enabled() {
		fatalf("long-term memory is disabled (no API key configured)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	records := a.longTerm.GetAll(ctx, fs.Arg(0))
	if len(records) == 0 {
		fmt.Println("No memories")
		return
	}
	printJSON(records)
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	a, err := buildApp(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthy := true
	report := func(name string, err error) {
		if err != nil {
			healthy = false
			fmt.Printf("%-12s FAIL  %v\n", name, err)
			return
		}
		fmt.Printf("%-12s OK\n", name)
	}

	report("qdrant", a.store.HealthCheck(ctx))
	if a.cache != nil {
		report("redis", a.cache.Ping(ctx))
	} else {
		healthy = false
		fmt.Printf("%-12s FAIL  not connected\n", "redis")
	}
	hs, err := a.provider.HealthCheck(ctx)
	switch {
	case err != nil:
		report("llm", err)
	case !hs.Healthy:
		report("llm", fmt.Errorf("provider unhealthy"))
	default:
		report("llm", nil)
	}
	if !a.longTerm.Enabled() {
		fmt.Printf("%-12s SKIP  no API key configured\n", "memory")
	} else {
		fmt.Printf("%-12s OK\n", "memory")
	}

	if !healthy {
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("ragcore %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ragcore - RAG chat backend

Usage:
  ragcore <command> [options]

Commands:
  query            Answer one question through the full pipeline
  init-embeddings  Create collections and ingest the knowledge corpora
  search           Raw vector search across the knowledge collections
  session          Inspect or clear short-term conversation sessions
  memories         List a user's long-term memories
  health           Check connectivity to all backing services
  version          Show version information
  help             Show this help message

Examples:
  ragcore query "what services do you offer?"
  ragcore query --session demo --user alice "how much does it cost?"
  ragcore init-embeddings --offerings data/offerings.json --faq data/faq.json --force
  ragcore search --limit 3 "wallet fees"
  ragcore session info demo
  ragcore health`)
}
