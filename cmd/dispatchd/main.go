// Command dispatchd is the composition root: it loads configuration, wires
// every internal component together, and drives one demo streaming analysis
// end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/anrdispatch/dispatchd/internal/audit"
	"github.com/anrdispatch/dispatchd/internal/cache"
	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/chunk"
	cfg "github.com/anrdispatch/dispatchd/internal/config"
	"github.com/anrdispatch/dispatchd/internal/cost"
	"github.com/anrdispatch/dispatchd/internal/dispatch"
	"github.com/anrdispatch/dispatchd/internal/provider"
	"github.com/anrdispatch/dispatchd/internal/provider/anthropic"
	"github.com/anrdispatch/dispatchd/internal/provider/bedrock"
	"github.com/anrdispatch/dispatchd/internal/provider/openai"
	"github.com/anrdispatch/dispatchd/internal/queue"
	"github.com/anrdispatch/dispatchd/internal/ratelimit"
	"github.com/anrdispatch/dispatchd/internal/status"
	"github.com/anrdispatch/dispatchd/internal/telemetry"
)

const sampleANRTrace = `----- pid 4321 at 2026-07-30 10:15:00 -----
Cmd line: com.example.widgets
DALVIK THREADS (2):
"main" prio=5 tid=1 Blocked
  | state=S
  at com.example.widgets.MainActivity.onCreate(MainActivity.java:42)
  at android.app.Activity.performCreate(Activity.java:8000)
"Binder:1234_2" prio=5 tid=12 Runnable
  | state=R
  at com.example.widgets.net.ApiClient.fetch(ApiClient.java:88)
`

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config overlay")
	flag.Parse()

	ctx := context.Background()
	logger := telemetry.NewClueLogger()

	// 1) Load and validate configuration.
	settings, err := cfg.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatchd: config:", err)
		os.Exit(1)
	}

	// 2) Construct process-wide singletons: cache, rate limiter manager,
	// cancellation registry, task queue.
	c, err := cache.New(cache.Options{
		HotCapacity: settings.Cache.HotCapacity,
		TTL:         time.Duration(settings.Cache.TTLHours) * time.Hour,
		Dir:         settings.Cache.Dir,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatchd: cache:", err)
		os.Exit(1)
	}
	if err := c.WarmFromDisk(); err != nil {
		logger.Warn(ctx, "cache warm failed", "err", err)
	}

	limiters := ratelimit.NewManager()
	for providerName, tiers := range settings.RateLimits {
		for tierName, tc := range tiers {
			limiters.RegisterTier(cost.Provider(providerName), ratelimit.Tier(tierName), ratelimit.Config{
				RequestsPerMinute: tc.RPM,
				TokensPerMinute:   tc.TPM,
				RequestsPerDay:    tc.RPD,
				TokensPerDay:      tc.TPD,
				ConcurrentRequests: tc.Concurrent,
			})
		}
	}
	for providerName := range settings.Providers {
		if _, err := limiters.Configure(cost.Provider(providerName), ratelimit.TierFree); err != nil {
			logger.Warn(ctx, "rate limit tier not configured", "provider", providerName, "err", err)
		}
	}

	cancelMgr := cancel.NewManager()
	taskQueue := queue.New(settings.MaxQueueSize, settings.MaxConcurrentAnalyses)
	defer taskQueue.Shutdown()

	var durableSink func(analysisID string) status.DurableSink
	if settings.Status.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: settings.Status.RedisAddr})
		durableSink = func(analysisID string) status.DurableSink {
			return status.NewRedisSink(status.RedisSinkOptions{
				Client:     redisClient,
				AnalysisID: analysisID,
				StreamID:   func() string { return "dispatch:status:" + analysisID },
			})
		}
	}

	var auditStore *audit.Store
	if settings.Audit.MongoURI != "" {
		mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(settings.Audit.MongoURI))
		if err != nil {
			logger.Warn(ctx, "mongo connect failed, audit disabled", "err", err)
		} else {
			db := settings.Audit.Database
			if db == "" {
				db = "dispatchd"
			}
			coll := settings.Audit.Collection
			if coll == "" {
				coll = "audit_records"
			}
			auditStore = audit.NewStore(mongoClient.Database(db).Collection(coll))
			if err := auditStore.EnsureIndexes(ctx); err != nil {
				logger.Warn(ctx, "audit index creation failed, audit disabled", "err", err)
				auditStore = nil
			}
		}
	}

	// 3) Register provider adapters for every enabled provider in config.
	registry := provider.NewRegistry()
	if pc, ok := settings.Providers["anthropic"]; ok && pc.Enabled {
		registry.Register(anthropic.New(pc.APIKey, anthropic.Options{
			DefaultModel: "claude-3-5-sonnet-20241022",
			HighModel:    "claude-opus-4-20250514",
			SmallModel:   "claude-3-5-haiku-20241022",
		}))
	}
	if pc, ok := settings.Providers["openai"]; ok && pc.Enabled {
		registry.Register(openai.New(pc.APIKey, openai.Options{
			DefaultModel: "gpt-4o",
			FastModel:    "gpt-4o-mini",
		}))
	}
	if pc, ok := settings.Providers["bedrock"]; ok && pc.Enabled {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Warn(ctx, "bedrock aws config load failed", "err", err)
		} else {
			registry.Register(bedrock.New(bedrockruntime.NewFromConfig(awsCfg), "anthropic.claude-3-5-sonnet-20241022-v2:0"))
		}
	}

	// 4) Construct the Dispatch Engine over all of the above.
	engine := dispatch.New(dispatch.Options{
		Registry:         registry,
		Chunker:          chunk.New(),
		Cache:            c,
		Limiters:         limiters,
		CancelManager:    cancelMgr,
		Queue:            taskQueue,
		Logger:           logger,
		MaxFileSizeBytes: settings.MaxFileSizeBytes,
		DefaultProvider:  provider.Name(settings.DefaultProvider),
		DurableSink:      durableSink,
		AuditStore:       auditStore,
	})

	// 5) Run one demo streaming analysis against a sample ANR trace.
	req := dispatch.Request{
		Content:  []byte(sampleANRTrace),
		Kind:     chunk.KindANR,
		Mode:     cost.Mode(settings.DefaultMode),
		UseCache: true,
		ClientID: "dispatchd-demo",
	}

	events := make(chan dispatch.Event, 32)
	analysisID := engine.AnalyzeStream(ctx, req, events)
	fmt.Println("analysis_id:", analysisID)

	for ev := range events {
		switch ev.Type {
		case dispatch.EventContent:
			fmt.Print(ev.Text)
		case dispatch.EventProgress:
			fmt.Fprintf(os.Stderr, "\n[progress %.0f%% chunks=%d]\n", ev.Percent, ev.Chunks)
		case dispatch.EventError:
			fmt.Fprintf(os.Stderr, "\n[error %s] %s\n", ev.Kind, ev.Message)
		case dispatch.EventCancelled:
			fmt.Fprintf(os.Stderr, "\n[cancelled] %s\n", ev.Reason)
		case dispatch.EventComplete:
			fmt.Fprintf(os.Stderr, "\n[complete] tokens_in=%d tokens_out=%d cost_usd=%.4f\n", ev.InputTokens, ev.OutputTokens, ev.CostUSD)
		}
	}
}
