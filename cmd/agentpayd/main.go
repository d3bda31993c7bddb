package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"agentpay/internal/agents"
	"agentpay/internal/config"
	"agentpay/internal/ledger"
	ledgereth "agentpay/internal/ledger/ethereum"
	"agentpay/internal/observability/metrics"
	"agentpay/internal/payment"
	storage "agentpay/internal/storage/mysql"
	"agentpay/internal/workflow"
	"agentpay/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	gateway, err := createGateway(ctx, cfg)
	if err != nil {
		return err
	}

	settlements, executions, err := createArchives(ctx, cfg)
	if err != nil {
		return err
	}

	directory := agents.NewMemoryDirectory()

	escrow := common.HexToAddress(cfg.Payment.EscrowAddress)
	paymentStore := payment.NewMemoryStore()
	orchestrator := payment.NewOrchestrator(paymentStore, gateway, escrow,
		payment.WithSettlementArchive(settlements),
	)

	engineOpts := []workflow.EngineOption{
		workflow.WithExecutionArchive(executions),
	}
	if cfg.Workflow.StepCeiling > 0 {
		engineOpts = append(engineOpts, workflow.WithStepCeiling(cfg.Workflow.StepCeiling))
	}
	if fee, ok := parseFee(cfg.Workflow.ExecutionFee); ok {
		engineOpts = append(engineOpts, workflow.WithExecutionFee(fee, common.HexToAddress(cfg.Workflow.FeeCollector)))
	}
	engine := workflow.NewEngine(workflow.NewMemoryStore(), gateway, directory, engineOpts...)

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("close trigger queue: %v", err)
		}
	}()

	requestStore := workflow.NewMemoryRequestStore()
	service := workflow.NewService(requestStore, queue, cfg.Workflow.MaxRetries)
	defer func() { _ = service.Close() }()

	go reportTriggerStats(ctx, service)

	processor := workflow.NewProcessor(engine, requestStore, queue, queue,
		workflow.WithWorkerCount(cfg.Queue.Workers),
		workflow.WithProcessorLogger(logger.Named("processor")),
	)

	scheduler := payment.NewScheduler(orchestrator, paymentStore, 30*time.Second)
	go func() {
		if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("recurring scheduler stopped: %v", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	logger.L().Info("agentpayd started",
		"ledger_driver", cfg.Ledger.Driver,
		"archive_driver", cfg.Archive.Driver,
		"queue_driver", cfg.Queue.Driver,
		"queue_workers", cfg.Queue.Workers,
	)

	if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createGateway(ctx context.Context, cfg *config.Config) (ledger.Gateway, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemory(), nil
	case "ethereum":
		operator, err := createOperator(cfg.Ledger.Ethereum)
		if err != nil {
			return nil, err
		}
		return ledgereth.NewClient(ctx, ledgereth.Config{
			RPCURL:       cfg.Ledger.Ethereum.RPCURL,
			TokenAddress: cfg.Ledger.Ethereum.TokenAddress,
		}, operator)
	default:
		return nil, fmt.Errorf("unknown ledger driver: %s", cfg.Ledger.Driver)
	}
}

func createOperator(cfg config.EthereumConfig) (*bind.TransactOpts, error) {
	if cfg.OperatorKeyEnv == "" {
		return nil, errors.New("ethereum ledger requires operator_key_env")
	}
	raw := strings.TrimSpace(os.Getenv(cfg.OperatorKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is empty", cfg.OperatorKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("ethereum ledger requires chain_id")
	}
	return bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
}

func createArchives(ctx context.Context, cfg *config.Config) (storage.SettlementRepository, storage.ExecutionRepository, error) {
	switch cfg.Archive.Driver {
	case "", "file":
		settlements, err := storage.NewFileSettlementRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, nil, err
		}
		executions, err := storage.NewFileExecutionRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return settlements, executions, nil
	case "mysql":
		sqlCfg := storage.Config{
			DSN:             cfg.Archive.MySQL.DSN,
			MaxOpenConns:    cfg.Archive.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Archive.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Archive.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Archive.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		}
		settlements, err := storage.NewSQLSettlementRepository(ctx, sqlCfg)
		if err != nil {
			return nil, nil, err
		}
		executions, err := storage.NewSQLExecutionRepository(ctx, sqlCfg)
		if err != nil {
			return nil, nil, err
		}
		return settlements, executions, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive driver: %s", cfg.Archive.Driver)
	}
}

func createQueue(cfg *config.Config) (workflow.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return workflow.NewMemoryQueue(1024), nil
	case "redis":
		return workflow.NewRedisQueue(workflow.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return workflow.NewRabbitMQQueue(workflow.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
}

func reportTriggerStats(ctx context.Context, service *workflow.Service) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := service.Stats(ctx)
			if err != nil {
				log.Printf("trigger stats failed: %v", err)
				continue
			}
			logger.L().Info("trigger pipeline stats",
				"total", stats.Total,
				"pending", stats.Pending,
				"running", stats.Running,
				"succeeded", stats.Succeeded,
				"failed", stats.Failed,
			)
		}
	}
}

func parseFee(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	fee, ok := new(big.Int).SetString(raw, 10)
	if !ok || fee.Sign() <= 0 {
		return nil, false
	}
	return fee, true
}
