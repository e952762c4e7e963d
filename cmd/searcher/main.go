package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/mev-cycle-searcher/adapters/redis"
	"github.com/flashbots/mev-cycle-searcher/adapters/sqlite"
	"github.com/flashbots/mev-cycle-searcher/bundler"
	"github.com/flashbots/mev-cycle-searcher/database"
	"github.com/flashbots/mev-cycle-searcher/encoder"
	"github.com/flashbots/mev-cycle-searcher/marketstate"
	"github.com/flashbots/mev-cycle-searcher/memo"
	"github.com/flashbots/mev-cycle-searcher/optimizer"
	"github.com/flashbots/mev-cycle-searcher/pipeline"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/flashbots/mev-cycle-searcher/search"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug               = os.Getenv("DEBUG") == "1"
	defaultLogProd             = os.Getenv("LOG_PROD") == "1"
	defaultLogService          = os.Getenv("LOG_SERVICE")
	defaultMetricsPort         = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint         = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultEthWSEndpoint       = cli.GetEnv("ETH_WS_ENDPOINT", "ws://127.0.0.1:8546")
	defaultRelayEndpoint       = cli.GetEnv("RELAY_ENDPOINT", "https://relay.flashbots.net")
	defaultPrivateKey          = os.Getenv("PRIVATE_KEY")
	defaultSigningKey          = os.Getenv("SIGNING_KEY")
	defaultBotAddress          = os.Getenv("BOT_ADDRESS")
	defaultSettlementToken     = cli.GetEnv("SETTLEMENT_TOKEN", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	defaultAllowListFile       = cli.GetEnv("ALLOWLIST_FILE", "allowlist.txt")
	defaultVenuesConfig        = cli.GetEnv("VENUES_CONFIG", "venues.yaml")
	defaultCheckpointBackend   = cli.GetEnv("CHECKPOINT_BACKEND", "sqlite")
	defaultCheckpointPath      = cli.GetEnv("CHECKPOINT_SQLITE_PATH", "checkpoints.db")
	defaultCheckpointEvery     = cli.GetEnv("CHECKPOINT_EVERY_BLOCKS", "100")
	defaultRedisEndpoint       = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultPostgresDSN         = os.Getenv("POSTGRES_DSN")
	defaultSearchTimeBudget    = cli.GetEnv("SEARCH_TIME_BUDGET_MS", "10000")
	defaultSearchMaxHops       = cli.GetEnv("SEARCH_MAX_HOPS", "4")
	defaultSearchMaxParallel   = cli.GetEnv("SEARCH_MAX_PARALLEL", "16")
	defaultSimRateLimit        = cli.GetEnv("SIM_RATE_LIMIT", "50")
	defaultValidatorPercentage = cli.GetEnv("VALIDATOR_PERCENTAGE", "128")
	defaultFlashLoanMode       = cli.GetEnv("FLASH_LOAN_MODE", "swap")

	// Flags
	debugPtr               = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr             = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr          = flag.String("log-service", defaultLogService, "'service' tag to logs")
	metricsPortPtr         = flag.String("metrics-port", defaultMetricsPort, "port for metrics and pprof")
	ethPtr                 = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	ethWSPtr               = flag.String("eth-ws", defaultEthWSEndpoint, "eth websocket endpoint for new heads")
	relayPtr               = flag.String("relay", defaultRelayEndpoint, "bundle relay endpoint")
	privateKeyPtr          = flag.String("private-key", defaultPrivateKey, "private key of the transaction sender (hex)")
	signingKeyPtr          = flag.String("signing-key", defaultSigningKey, "relay signing key (hex), random if empty")
	botPtr                 = flag.String("bot", defaultBotAddress, "address of the arbitrage contract")
	settlementPtr          = flag.String("settlement-token", defaultSettlementToken, "token every cycle starts and ends in")
	allowListPtr           = flag.String("allowlist", defaultAllowListFile, "file with allowed venue addresses")
	venuesConfigPtr        = flag.String("venues-config", defaultVenuesConfig, "venue families config file")
	checkpointBackendPtr   = flag.String("checkpoint-backend", defaultCheckpointBackend, "checkpoint store: sqlite or redis")
	checkpointPathPtr      = flag.String("checkpoint-path", defaultCheckpointPath, "sqlite checkpoint file")
	checkpointEveryPtr     = flag.String("checkpoint-every", defaultCheckpointEvery, "save checkpoints every n blocks (0 disables)")
	redisPtr               = flag.String("redis", defaultRedisEndpoint, "redis url string")
	postgresDSNPtr         = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn for bundle history, disabled if empty")
	searchTimeBudgetPtr    = flag.String("search-time-budget", defaultSearchTimeBudget, "search time budget per round (ms)")
	searchMaxHopsPtr       = flag.String("search-max-hops", defaultSearchMaxHops, "maximum hops of a cycle")
	searchMaxParallelPtr   = flag.String("search-max-parallel", defaultSearchMaxParallel, "maximum parallel search branches")
	simRateLimitPtr        = flag.String("sim-rate-limit", defaultSimRateLimit, "simulation calls per second (0 disables the limit)")
	validatorPercentagePtr = flag.String("validator-percentage", defaultValidatorPercentage, "share of profit paid to the proposer, out of 256")
	flashLoanPtr           = flag.String("flash-loan", defaultFlashLoanMode, "flash loan mode: none, pooled or swap")
	recoverTokenPtr        = flag.String("recover-token", "", "sweep this token out of the contract and exit")
	recoverEthPtr          = flag.String("recover-eth", "", "withdraw this amount of wei from the contract and exit")
	approveRouterPtr       = flag.String("approve-router", "", "approve this router for -approve-tokens on the contract and exit")
	approveTokensPtr       = flag.String("approve-tokens", "", "comma separated tokens for -approve-router")
	approveForcePtr        = flag.Bool("approve-force", false, "reset allowances that are already set")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting mev-cycle-searcher", zap.String("version", version))

	if *privateKeyPtr == "" {
		logger.Fatal("Private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(*privateKeyPtr, "0x"))
	if err != nil {
		logger.Fatal("Failed to parse private key", zap.Error(err))
	}
	signingKey, err := loadSigningKey(*signingKeyPtr)
	if err != nil {
		logger.Fatal("Failed to parse signing key", zap.Error(err))
	}
	if !common.IsHexAddress(*botPtr) {
		logger.Fatal("Bot address is required")
	}
	bot := common.HexToAddress(*botPtr)
	if !common.IsHexAddress(*settlementPtr) {
		logger.Fatal("Invalid settlement token", zap.String("token", *settlementPtr))
	}
	settlement := common.HexToAddress(*settlementPtr)

	validatorPercentage, err := strconv.ParseUint(*validatorPercentagePtr, 10, 8)
	if err != nil {
		logger.Fatal("Failed to parse validator percentage", zap.Error(err))
	}
	flashLoan, err := encoder.ParseFlashLoan(*flashLoanPtr)
	if err != nil {
		logger.Fatal("Failed to parse flash loan mode", zap.Error(err))
	}
	searchCfg, err := searchConfig()
	if err != nil {
		logger.Fatal("Failed to parse search config", zap.Error(err))
	}
	simRateLimit, err := strconv.ParseFloat(*simRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse simulation rate limit", zap.Error(err))
	}
	checkpointEvery, err := strconv.ParseUint(*checkpointEveryPtr, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse checkpoint interval", zap.Error(err))
	}

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to ethBackend endpoint", zap.Error(err))
	}
	chainID, err := ethBackend.ChainID(ctx)
	if err != nil {
		logger.Fatal("Failed to get chain id", zap.Error(err))
	}

	bundlerCfg := bundler.Config{
		ChainID:             chainID,
		Bot:                 bot,
		ValidatorPercentage: uint8(validatorPercentage),
		FlashLoan:           flashLoan,
	}
	relay := bundler.NewFlashbotsRelay(*relayPtr, signingKey)
	b, err := bundler.New(logger.Named("bundler"), bundlerCfg, key, ethBackend, relay)
	if err != nil {
		logger.Fatal("Failed to create bundler", zap.Error(err))
	}
	if err := b.SyncNonce(ctx); err != nil {
		logger.Fatal("Failed to sync nonce", zap.Error(err))
	}

	if *recoverTokenPtr != "" || *recoverEthPtr != "" || *approveRouterPtr != "" {
		if err := runAdmin(ctx, logger, ethBackend, b); err != nil {
			logger.Fatal("Failed to send contract admin transaction", zap.Error(err))
		}
		return
	}

	head, err := ethBackend.HeaderByNumber(ctx, nil)
	if err != nil {
		logger.Fatal("Failed to get latest header", zap.Error(err))
	}
	gas := pipeline.NewGasPrice(head.BaseFee)

	families, err := marketstate.LoadFamilies(*venuesConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load venues config", zap.Error(err))
	}
	allow := pricegraph.LoadAllowList(logger, *allowListPtr)

	checkpoints, closeCheckpoints, err := checkpointStore(*checkpointBackendPtr)
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", zap.Error(err))
	}
	defer closeCheckpoints()

	fetcher := marketstate.NewFetcher(logger.Named("fetcher"), ethBackend, 16)
	venues, block, err := marketstate.LoadCheckpoints(ctx, checkpoints, families)
	switch {
	case err == nil:
		logger.Info("Loaded venues from checkpoints", zap.Int("venues", len(venues)), zap.Uint64("block", block))
	case errors.Is(err, marketstate.ErrCheckpointMissing):
		block = head.Number.Uint64()
		logger.Info("Checkpoints incomplete, fetching venues from chain", zap.Int("venues", marketstate.VenueCount(families)), zap.Uint64("block", block))
		venues, err = fetcher.FetchFamilies(ctx, families, head.Number)
		if err != nil {
			logger.Fatal("Failed to fetch venues", zap.Error(err))
		}
		if err := marketstate.SaveCheckpoints(ctx, checkpoints, families, venues, block); err != nil {
			logger.Error("Failed to save checkpoints", zap.Error(err))
		}
	default:
		logger.Fatal("Failed to load checkpoints", zap.Error(err))
	}

	g, store, source, err := pricegraph.Build(logger.Named("graph"), venues, allow, settlement, pricegraph.DefaultThresholds)
	if err != nil {
		logger.Fatal("Failed to build price graph", zap.Error(err))
	}
	market := pricegraph.NewMarket(logger.Named("market"), g, store, source)

	cache := memo.New[search.Key](0)
	engine, err := search.NewEngine(logger.Named("search"), searchCfg, cache)
	if err != nil {
		logger.Fatal("Failed to create search engine", zap.Error(err))
	}
	simulator := bundler.NewContractSimulator(logger.Named("simulator"), ethBackend, b.Sender(), bundlerCfg, simRateLimit)
	opt := optimizer.New(logger.Named("optimizer"), optimizer.DefaultConfig, simulator)

	var bundleStore pipeline.BundleStore
	if *postgresDSNPtr != "" {
		dbBackend, err := database.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer dbBackend.Close()
		bundleStore = dbBackend
	}

	wsBackend, err := ethclient.Dial(*ethWSPtr)
	if err != nil {
		logger.Fatal("Failed to connect to websocket endpoint", zap.Error(err))
	}
	stream := marketstate.NewBlockStream(logger.Named("stream"), wsBackend, nil)
	syncBlocks := stream.Subscribe(4)
	submitBlocks := stream.Subscribe(4)
	changes := make(chan []common.Address, 4)
	syncer := marketstate.NewSyncer(logger.Named("syncer"), fetcher, market, families, venues).WithCheckpoints(checkpoints, checkpointEvery)

	p := pipeline.New(logger.Named("pipeline"), pipeline.DefaultConfig,
		pipeline.NewSearcher(logger.Named("searcher"), engine, cache, market, opt, gas),
		pipeline.NewResolver(logger.Named("resolver"), opt, gas),
		pipeline.NewSubmitter(logger.Named("submitter"), pipeline.DefaultSubmitterConfig, b, bundleStore, gas),
	)
	p.Go("stream", stream.Run)
	p.Go("syncer", func(ctx context.Context) error {
		return syncer.Run(ctx, syncBlocks, changes)
	})

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
	}()

	p.Run(ctx, pipeline.Sources{Blocks: submitBlocks, Changes: changes})
}

func loadSigningKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

func searchConfig() (search.Config, error) {
	cfg := search.DefaultConfig
	budget, err := strconv.Atoi(*searchTimeBudgetPtr)
	if err != nil {
		return cfg, err
	}
	cfg.TimeBudget = time.Duration(budget) * time.Millisecond
	if cfg.MaxHops, err = strconv.Atoi(*searchMaxHopsPtr); err != nil {
		return cfg, err
	}
	if cfg.MaxParallel, err = strconv.Atoi(*searchMaxParallelPtr); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func checkpointStore(backend string) (marketstate.CheckpointStore, func(), error) {
	switch backend {
	case "sqlite":
		store, err := sqlite.NewCheckpointStore(*checkpointPathPtr)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "redis":
		redisOpts, err := goredis.ParseURL(*redisPtr)
		if err != nil {
			return nil, nil, err
		}
		client := goredis.NewClient(redisOpts)
		return redis.NewCheckpointStore(client, 0, "checkpoint-"), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}

// runAdmin sends the single contract maintenance transaction selected by flags.
func runAdmin(ctx context.Context, logger *zap.Logger, eth *ethclient.Client, b *bundler.Bundler) error {
	switch {
	case *recoverTokenPtr != "":
		if !common.IsHexAddress(*recoverTokenPtr) {
			return fmt.Errorf("invalid token %q", *recoverTokenPtr)
		}
		token := common.HexToAddress(*recoverTokenPtr)
		return sendAdminTx(ctx, logger.With(zap.String("token", token.Hex())), eth, b, func(opts bundler.TxOpts) (*types.Transaction, error) {
			return b.RecoverTokenTx(token, opts)
		})
	case *recoverEthPtr != "":
		amount, ok := new(big.Int).SetString(*recoverEthPtr, 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("invalid amount %q", *recoverEthPtr)
		}
		return sendAdminTx(ctx, logger.With(zap.String("amount", amount.String())), eth, b, func(opts bundler.TxOpts) (*types.Transaction, error) {
			return b.RecoverEthTx(amount, opts)
		})
	default:
		if !common.IsHexAddress(*approveRouterPtr) {
			return fmt.Errorf("invalid router %q", *approveRouterPtr)
		}
		router := common.HexToAddress(*approveRouterPtr)
		var tokens []common.Address
		for _, s := range strings.Split(*approveTokensPtr, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !common.IsHexAddress(s) {
				return fmt.Errorf("invalid token %q", s)
			}
			tokens = append(tokens, common.HexToAddress(s))
		}
		return sendAdminTx(ctx, logger.With(zap.String("router", router.Hex()), zap.Int("tokens", len(tokens))), eth, b, func(opts bundler.TxOpts) (*types.Transaction, error) {
			return b.ApproveRouterTx(router, tokens, *approveForcePtr, opts)
		})
	}
}

func sendAdminTx(ctx context.Context, logger *zap.Logger, eth *ethclient.Client, b *bundler.Bundler, build func(opts bundler.TxOpts) (*types.Transaction, error)) error {
	head, err := eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	tip := big.NewInt(2e9)
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	tx, err := build(bundler.TxOpts{
		MaxPriorityFee: tip,
		MaxFee:         maxFee.Add(maxFee, tip),
	})
	if err != nil {
		return err
	}
	// admin transactions pay nothing to the proposer, so the relay would reject them as a bundle
	if err := eth.SendTransaction(ctx, tx); err != nil {
		b.RollbackNonce()
		return err
	}
	logger.Info("Sent contract admin transaction", zap.String("txHash", tx.Hash().Hex()))
	receipt, err := bind.WaitMined(ctx, eth, tx)
	if err != nil {
		return err
	}
	logger.Info("Contract admin transaction mined", zap.Uint64("block", receipt.BlockNumber.Uint64()), zap.Uint64("status", receipt.Status))
	return nil
}
