package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

func main() {
	mode := flag.String("mode", "all", "run mode: all|api|worker")
	flag.Parse()

	cfg := loadConfig()
	st, err := newAppState(cfg)
	if err != nil {
		logger.Error("failed to initialize app state", "error", err)
		os.Exit(1)
	}
	defer st.redis.Close()
	defer st.asynqCli.Close()
	defer st.store.Close()
	defer st.inspector.Close()

	switch *mode {
	case "api":
		runAPI(st)
	case "worker":
		runWorker(st)
	case "all":
		go runWorker(st)
		runAPI(st)
	default:
		logger.Error("unknown run mode", "mode", *mode)
		os.Exit(1)
	}
}

func loadConfig() config {
	return config{
		redisAddr:      envOrDefault("REDIS_ADDR", "redis:6379"),
		redisPassword:  os.Getenv("REDIS_PASSWORD"),
		redisDB:        envInt("REDIS_DB", 0),
		queueName:      envOrDefault("ASYNQ_QUEUE", "default"),
		dbPath:         envOrDefault("DATABASE_PATH", "/app/deaths.db"),
		s3Bucket:       os.Getenv("S3_BUCKET"),
		s3Region:       envOrDefault("AWS_REGION", "ca-central-1"),
		discordAPIBase: envOrDefault("DISCORD_API_BASE", "https://discord.com/api/v10"),
		discordAppID:   os.Getenv("DISCORD_BOT_APPLICATION_ID"),
		discordToken:   os.Getenv("DISCORD_AUTHORIZATION"),
		backfillDelay:  envDuration("MESSAGE_ID_BACKFILL_DELAY", 30*time.Second),
		concurrency:    envInt("ASYNQ_CONCURRENCY", 10),
		apiAddr:        envOrDefault("RIP_BOT_API_ADDR", ":8001"),
	}
}

func newAppState(cfg config) (*appState, error) {
	if cfg.s3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	if cfg.discordAppID == "" || cfg.discordToken == "" {
		return nil, fmt.Errorf("DISCORD_BOT_APPLICATION_ID and DISCORD_AUTHORIZATION are required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	st, err := openStore(cfg.dbPath)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.s3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.redisAddr, Password: cfg.redisPassword, DB: cfg.redisDB}
	return &appState{
		cfg:        cfg,
		redis:      rdb,
		asynqCli:   asynq.NewClient(redisOpt),
		inspector:  asynq.NewInspector(redisOpt),
		store:      st,
		blobs:      &s3BlobStore{client: s3.NewFromConfig(awsCfg), bucket: cfg.s3Bucket, region: cfg.s3Region},
		discord:    newDiscordClient(cfg),
		pstate:     &redisPipelineState{rdb: rdb},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func runAPI(st *appState) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/deaths", st.handleDeaths)
	mux.HandleFunc("/api/deaths/remove", st.handleDeathRemove)
	mux.HandleFunc("/api/deaths/lookup", st.handleDeathLookup)
	mux.HandleFunc("/api/tally", st.handleTally)
	mux.HandleFunc("/api/tasks/status", st.handleTaskStatus)
	mux.HandleFunc("/api/queue/status", st.handleQueueStatus)

	logger.Info("rip-bot api listening", "addr", st.cfg.apiAddr)
	if err := http.ListenAndServe(st.cfg.apiAddr, loggingMiddleware(mux)); err != nil {
		logger.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}

func runWorker(st *appState) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: st.cfg.redisAddr, Password: st.cfg.redisPassword, DB: st.cfg.redisDB},
		asynq.Config{
			Concurrency: st.cfg.concurrency,
			Queues: map[string]int{
				st.cfg.queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypePersistRecord, st.processPersistRecord)
	mux.HandleFunc(taskTypeRelocateImage, st.processRelocateImage)
	mux.HandleFunc(taskTypeSetImageURL, st.processSetImageURL)
	mux.HandleFunc(taskTypeAttachImage, st.processAttachImage)
	mux.HandleFunc(taskTypeBackfillMessageID, st.processBackfillMessageID)
	mux.HandleFunc(taskTypeDeleteRecord, st.processDeleteRecord)
	mux.HandleFunc(taskTypeRedactMessage, st.processRedactMessage)

	logger.Info("rip-bot worker started",
		"queue", st.cfg.queueName,
		"concurrency", st.cfg.concurrency,
	)
	if err := srv.Run(mux); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
