package bootstrap

import (
	"context"

	"shipment_worker/adapter/out/graph"
	"shipment_worker/adapter/out/messaging"
	"shipment_worker/adapter/out/mongodb"
	"shipment_worker/adapter/out/persistence"
	"shipment_worker/config"
	"shipment_worker/core/ai/llm"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/booking"
	"shipment_worker/core/service/classification"
	"shipment_worker/core/service/common"
	"shipment_worker/core/service/extraction"
	"shipment_worker/core/service/flagging"
	"shipment_worker/core/service/insight"
	"shipment_worker/core/service/linking"
	"shipment_worker/core/service/pipeline"
	"shipment_worker/core/service/workflow"
	"shipment_worker/infra/database"
	"shipment_worker/pkg/cache"
	"shipment_worker/pkg/logger"
	"shipment_worker/pkg/metrics"
	"shipment_worker/pkg/ratelimit"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds everything the worker wires together: connections,
// repositories, the optional capability adapters, and the pipeline services.
type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client
	Neo4j   neo4j.DriverWithContext

	// Repositories (Postgres)
	EmailRepo          out.EmailRepository
	AttachmentRepo     out.AttachmentRepository
	ClassificationRepo out.ClassificationRepository
	ExtractionRepo     out.ExtractionRepository
	ShipmentRepo       out.ShipmentRepository
	LinkRepo           out.LinkRepository
	WorkflowRepo       out.WorkflowRepository
	InsightRepo        out.InsightRepository
	ConfigRepo         out.ConfigRepository

	// Optional capability adapters
	DocTextStore  out.DocumentTextStore
	PartyGraph    out.PartyGraph
	IntentVectors out.IntentVectorStore

	// Messaging
	EventProducer   out.EventProducer
	InvalidationBus *messaging.RedisInvalidationBus

	// Configuration cache
	ConfigCache *common.ConfigCache

	// Model capabilities (noops when the feature flag is off or no key is set)
	LLMClient       *llm.Client
	Classifier      out.LLMClassifier
	InsightAnalyzer out.LLMInsightAnalyzer
	Embedder        out.EmbeddingProvider

	// Services
	FlaggingService       *flagging.Service
	ClassificationService *classification.Service
	ExtractionService     *extraction.Service
	LinkingService        *linking.Service
	BookingService        *booking.Service
	WorkflowService       *workflow.Service
	InsightService        *insight.Service
	ActionResolver        *insight.ActionResolver
	PipelineService       *pipeline.Service
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	// Database (pgxpool; the intent vector adapter reads through it)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the repository adapters)
	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	metrics.RegisterPool("postgres", sqlDB.DB)

	// Redis (optional: events, completion cache, rate limits, trigger)
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis connection failed, degrading to local-only caches: %v", err)
	} else {
		deps.Redis = redisClient
		cleanups = append(cleanups, func() { redisClient.Close() })
		deps.EventProducer = messaging.NewRedisEventProducer(redisClient)
		deps.InvalidationBus = messaging.NewRedisInvalidationBus(redisClient)
	}

	// MongoDB (optional: full attachment text)
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed, attachment text falls back to inline columns: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				mongoClient.Disconnect(context.Background())
			})

			textAdapter := mongodb.NewDocumentTextAdapter(mongoClient.Database(cfg.MongoDBName))
			if err := textAdapter.EnsureIndexes(context.Background()); err != nil {
				logger.Warn("Failed to ensure MongoDB indexes: %v", err)
			}
			deps.DocTextStore = textAdapter
		}
	}

	// Neo4j (optional: party-pair history for the insight gatherer)
	if cfg.PartyGraphEnabled && cfg.Neo4jURL != "" {
		neo4jDriver, err := graph.NewDriver(cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			logger.Warn("Neo4j connection failed, stakeholder stats fall back to standard tier: %v", err)
		} else {
			deps.Neo4j = neo4jDriver
			cleanups = append(cleanups, func() {
				neo4jDriver.Close(context.Background())
			})

			graphAdapter := graph.NewPartyGraphAdapter(neo4jDriver, "neo4j")
			if err := graphAdapter.EnsureIndexes(context.Background()); err != nil {
				logger.Warn("Failed to ensure Neo4j indexes: %v", err)
			}
			deps.PartyGraph = graphAdapter
		}
	}

	// Repositories
	deps.EmailRepo = persistence.NewEmailAdapter(sqlDB)
	deps.AttachmentRepo = persistence.NewAttachmentAdapter(sqlDB)
	deps.ClassificationRepo = persistence.NewClassificationAdapter(sqlDB)
	deps.ExtractionRepo = persistence.NewExtractionAdapter(sqlDB)
	deps.ShipmentRepo = persistence.NewShipmentAdapter(sqlDB)
	deps.LinkRepo = persistence.NewLinkAdapter(sqlDB)
	deps.WorkflowRepo = persistence.NewWorkflowAdapter(sqlDB)
	deps.InsightRepo = persistence.NewInsightAdapter(sqlDB)
	deps.ConfigRepo = persistence.NewConfigAdapter(sqlDB)

	if cfg.IntentVectorEnabled {
		deps.IntentVectors = persistence.NewIntentVectorAdapter(db)
	}

	// Configuration cache (workflow states, patterns, rules, carrier domains)
	deps.ConfigCache = common.NewConfigCache(deps.ConfigRepo, cfg.ConfigCacheTTL())

	// Model capabilities. The client is shared by the classifier, the insight
	// analyzer and the embedder; each port is a noop when its flag is off.
	deps.Classifier = llm.NoopClassifier{}
	deps.InsightAnalyzer = llm.NoopInsightAnalyzer{}
	deps.Embedder = llm.NoopEmbedder{}
	if cfg.OpenAIAPIKey != "" {
		var shared *cache.RedisCache
		if deps.Redis != nil {
			shared = cache.NewRedisCache(deps.Redis)
		}
		protector := ratelimit.NewLLMProtector(deps.Redis, &ratelimit.Config{
			MaxConcurrent:     cfg.LLMMaxConcurrent,
			RequestsPerSecond: cfg.LLMRequestsPerSec,
			BurstSize:         cfg.LLMRequestsPerSec * 2,
			DebounceDuration:  cfg.InterEmailDelay(),
		})
		completions := ratelimit.NewCompletionCache(deps.Redis, nil)
		costs := llm.NewCostTracker(shared, cfg.LLMTokenBudget)

		deps.LLMClient = llm.NewClient(llm.ClientConfig{
			APIKey:         cfg.OpenAIAPIKey,
			Model:          cfg.LLMModel,
			EmbeddingModel: cfg.EmbeddingModel,
			MaxTokens:      cfg.LLMMaxTokens,
			Temperature:    cfg.LLMTemperature,
			MaxConcurrent:  cfg.LLMMaxConcurrent,
			RequestsPerSec: cfg.LLMRequestsPerSec,
			DailyBudget:    cfg.LLMTokenBudget,
		}, protector, completions, costs)

		if cfg.AIClassificationEnabled {
			deps.Classifier = deps.LLMClient
		}
		if cfg.AIInsightsEnabled {
			deps.InsightAnalyzer = deps.LLMClient
		}
		if cfg.IntentVectorEnabled {
			deps.Embedder = deps.LLMClient
		}
		logger.Info("LLM client initialized (model=%s, classification=%v, insights=%v, intent=%v)",
			cfg.LLMModel, cfg.AIClassificationEnabled, cfg.AIInsightsEnabled, cfg.IntentVectorEnabled)
	} else {
		logger.Info("No model key configured, pipeline runs rules-only")
	}

	// Services
	deps.FlaggingService = flagging.NewService(flagging.Deps{
		Emails:      deps.EmailRepo,
		Attachments: deps.AttachmentRepo,
		OwnDomains:  cfg.ForwarderDomains,
	})

	deps.ClassificationService = classification.NewService(classification.Deps{
		Classifications: deps.ClassificationRepo,
		Config:          deps.ConfigCache,
		LLM:             deps.Classifier,
		OwnDomains:      cfg.ForwarderDomains,
	})

	deps.ExtractionService = extraction.NewService(extraction.Deps{
		Extractions:      deps.ExtractionRepo,
		Config:           deps.ConfigCache,
		ForwarderCompany: cfg.ForwarderCompany,
	})

	deps.LinkingService = linking.NewService(linking.Deps{
		Links:           deps.LinkRepo,
		Shipments:       deps.ShipmentRepo,
		Emails:          deps.EmailRepo,
		Extractions:     deps.ExtractionRepo,
		Classifications: deps.ClassificationRepo,
	})

	deps.BookingService = booking.NewService(booking.Deps{
		Shipments:        deps.ShipmentRepo,
		Config:           deps.ConfigCache,
		ForwarderCompany: cfg.ForwarderCompany,
	})

	deps.WorkflowService = workflow.NewService(workflow.Deps{
		Workflow: deps.WorkflowRepo,
		Config:   deps.ConfigCache,
	})

	deps.InsightService = insight.NewService(insight.Deps{
		Shipments: deps.ShipmentRepo,
		Links:     deps.LinkRepo,
		Workflow:  deps.WorkflowRepo,
		Emails:    deps.EmailRepo,
		Insights:  deps.InsightRepo,
		Config:    deps.ConfigCache,
		Analyzer:  deps.InsightAnalyzer,
		Graph:     deps.PartyGraph,
	})

	deps.ActionResolver = insight.NewActionResolver(insight.ActionDeps{
		Config:     deps.ConfigCache,
		ConfigRepo: deps.ConfigRepo,
		Embedder:   deps.Embedder,
		Vectors:    deps.IntentVectors,
	})

	deps.PipelineService = pipeline.NewService(pipeline.Deps{
		Emails:      deps.EmailRepo,
		Links:       deps.LinkRepo,
		Extractions: deps.ExtractionRepo,
		DocTexts:    deps.DocTextStore,
		Events:      deps.EventProducer,
		Graph:       deps.PartyGraph,

		Flagging:       deps.FlaggingService,
		Classification: deps.ClassificationService,
		Extraction:     deps.ExtractionService,
		Linking:        deps.LinkingService,
		Booking:        deps.BookingService,
		Workflow:       deps.WorkflowService,
		Insights:       deps.InsightService,
		Actions:        deps.ActionResolver,

		Counters: metrics.GlobalCounters(),

		EmailDeadline:   cfg.EmailTimeout(),
		InterEmailDelay: cfg.InterEmailDelay(),
	})

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	return deps, cleanup, nil
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}

	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	return nil
}
