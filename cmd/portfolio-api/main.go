package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ayumi-zama/ayumi/internal/api"
	"github.com/ayumi-zama/ayumi/internal/blobstore"
	"github.com/ayumi-zama/ayumi/internal/chain"
	"github.com/ayumi-zama/ayumi/internal/dashboard"
	"github.com/ayumi-zama/ayumi/internal/eth"
	"github.com/ayumi-zama/ayumi/internal/events"
	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ayumi-zama/ayumi/internal/fhe/relayerhttp"
	"github.com/ayumi-zama/ayumi/internal/fhe/sdkexec"
	"github.com/ayumi-zama/ayumi/internal/proclock"
	proclockpg "github.com/ayumi-zama/ayumi/internal/proclock/postgres"
	"github.com/ayumi-zama/ayumi/internal/secrets"
	"github.com/ayumi-zama/ayumi/internal/session"
	"github.com/ayumi-zama/ayumi/internal/session/blobsession"
	sessionpg "github.com/ayumi-zama/ayumi/internal/session/postgres"
	"github.com/ayumi-zama/ayumi/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultToken     = "0x7D5BA7DeB9A5d2F36FE38782129F6401A66e1096"
	defaultPortfolio = "0xc5e5A9e484DD7B69E0235c94C4dE67388f20859c"
)

func main() {
	fheDefaults := fhe.SepoliaConfig()

	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		rpcURL      = flag.String("rpc-url", "", "EVM JSON-RPC URL (required)")
		chainIDFlag = flag.Uint64("chain-id", fheDefaults.ContractsChainID, "chain id the contracts are deployed on")
		tokenAddr   = flag.String("token-address", defaultToken, "test token contract address")
		portAddr    = flag.String("portfolio-address", defaultPortfolio, "PortfolioManager contract address")
		decimals    = flag.Uint("token-decimals", 18, "token decimals used to scale claim and approve amounts")

		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "secrets source (env|aws)")
		walletKeyRef  = flag.String("wallet-key-secret", "PORTFOLIO_WALLET_KEY", "env var name or secret id (id#field) holding the wallet private key hex")
		apiTokenRef   = flag.String("api-token-secret", "PORTFOLIO_API_TOKEN", "env var name or secret id holding the API bearer token; empty disables auth")

		relayerURL     = flag.String("relayer-url", relayerhttp.DefaultBaseURL, "decryption relayer base URL")
		relayerKeyRef  = flag.String("relayer-api-key-secret", "", "optional env var name or secret id holding the relayer API key")
		gatewayChainID = flag.Uint64("gateway-chain-id", fheDefaults.Domain.ChainID, "chain id of the decryption EIP-712 domain")
		verifierAddr   = flag.String("decryption-verifier", fheDefaults.Domain.VerifyingContract.Hex(), "verifying contract of the decryption EIP-712 domain")
		sdkBin         = flag.String("fhe-sdk-bin", "fhe-sdk-helper", "encryption SDK helper binary")
		sdkArgs        = flag.String("fhe-sdk-args", "", "extra helper arguments (space-separated)")
		sdkMaxResp     = flag.Int("fhe-sdk-max-response-bytes", 1<<20, "maximum helper response size")
		fheInitRetry   = flag.Duration("fhe-init-retry", 5*time.Second, "interval between encryption init attempts")
		revealDays     = flag.Uint("reveal-valid-days", 10, "decryption authorization validity window in days")

		sessionDriver = flag.String("session-store", "memory", "session store (memory|postgres|blob)")
		postgresDSN   = flag.String("postgres-dsn", "", "Postgres DSN (session-store=postgres)")
		blobDriver    = flag.String("blob-driver", blobstore.DriverMemory, "blob driver (memory|s3) for session-store=blob")
		blobBucket    = flag.String("blob-bucket", "", "S3 bucket for session-store=blob")
		blobPrefix    = flag.String("blob-prefix", "portfolio", "key prefix for session-store=blob")
		lockHolder    = flag.String("lock-holder", "", "replica name recorded on session locks (session-store=postgres); defaults to hostname-pid")

		eventsDriver  = flag.String("events-driver", events.DriverStdio, "events driver (kafka|stdio|none)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers (comma-separated)")
		eventsTopic   = flag.String("events-topic", events.DefaultTopic, "events topic")

		minTipGwei   = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMult      = flag.Float64("gas-mult", 1.2, "gas limit multiplier when estimating")
		pollInterval = flag.Duration("poll-interval", 2*time.Second, "receipt poll interval")
		replaceAfter = flag.Duration("replace-after", 30*time.Second, "send replacement after this long without a receipt")
		maxReplace   = flag.Int("max-replacements", 2, "maximum number of replacement transactions")
		bumpPercent  = flag.Int("bump-percent", 15, "replacement fee bump percentage")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 5, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 20, "per-IP burst capacity for API rate limiting")
		opTimeout          = flag.Duration("write-timeout", 10*time.Minute, "http.Server WriteTimeout and session lock TTL; a locked pipeline run is cancelled before its lock expires")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rpcURL == "" || *chainIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "error: --rpc-url and --chain-id are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*tokenAddr) || !common.IsHexAddress(*portAddr) || !common.IsHexAddress(*verifierAddr) {
		fmt.Fprintln(os.Stderr, "error: --token-address, --portfolio-address and --decryption-verifier must be hex addresses")
		os.Exit(2)
	}
	if *decimals > 36 {
		fmt.Fprintln(os.Stderr, "error: --token-decimals must be <= 36")
		os.Exit(2)
	}
	if *revealDays == 0 || *revealDays > fhe.MaxValidForDays {
		fmt.Fprintf(os.Stderr, "error: --reveal-valid-days must be 1..%d\n", fhe.MaxValidForDays)
		os.Exit(2)
	}
	if *gatewayChainID == 0 || *fheInitRetry <= 0 || *opTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --gateway-chain-id, --fhe-init-retry and --write-timeout must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretsProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	creds, err := secrets.Load(ctx, secretsProvider, *walletKeyRef, *apiTokenRef)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	key, err := eth.ParsePrivateKeyHex(creds.WalletKeyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse wallet key: %v\n", err)
		os.Exit(2)
	}
	if creds.APIToken == "" {
		log.Warn("api bearer auth disabled")
	}

	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStartup()

	client, err := ethclient.DialContext(startupCtx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	chainID := new(big.Int).SetUint64(*chainIDFlag)
	gotChainID, err := client.ChainID(startupCtx)
	if err != nil {
		log.Error("fetch chain id", "err", err)
		os.Exit(1)
	}
	if gotChainID.Cmp(chainID) != 0 {
		log.Error("chain id mismatch", "want", chainID.String(), "got", gotChainID.String())
		os.Exit(2)
	}

	w, err := wallet.NewLocal(key, client)
	if err != nil {
		log.Error("init wallet", "err", err)
		os.Exit(2)
	}

	submitter, err := eth.NewSubmitter(client, eth.SubmitterConfig{
		ChainID:                chainID,
		GasLimitMultiplier:     *gasMult,
		MinTipCap:              new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000)),
		ReceiptPollInterval:    *pollInterval,
		ReplaceAfter:           *replaceAfter,
		MaxReplacements:        *maxReplace,
		ReplacementBumpPercent: *bumpPercent,
		MinReplacementBump:     big.NewInt(1_000_000_000),
		Now:                    time.Now,
	})
	if err != nil {
		log.Error("init submitter", "err", err)
		os.Exit(2)
	}

	chainClient, err := chain.New(chain.Config{
		ChainID:   *chainIDFlag,
		Token:     common.HexToAddress(*tokenAddr),
		Portfolio: common.HexToAddress(*portAddr),
		Decimals:  uint8(*decimals),
	}, w, client, submitter)
	if err != nil {
		log.Error("init chain client", "err", err)
		os.Exit(2)
	}

	encrypter, err := sdkexec.New(*sdkBin, strings.Fields(*sdkArgs), *sdkMaxResp)
	if err != nil {
		log.Error("init encryption sdk", "err", err)
		os.Exit(2)
	}
	var relayerOpts []relayerhttp.ClientOption
	if strings.TrimSpace(*relayerKeyRef) != "" {
		relayerKey, err := secretsProvider.Get(ctx, *relayerKeyRef)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: relayer api key: %v\n", err)
			os.Exit(2)
		}
		relayerOpts = append(relayerOpts, relayerhttp.WithAPIKey(relayerKey))
	}
	relayer, err := relayerhttp.NewClient(*relayerURL, relayerOpts...)
	if err != nil {
		log.Error("init relayer client", "err", err)
		os.Exit(2)
	}
	encryption, err := fhe.NewInstance(fhe.Config{
		ContractsChainID: *chainIDFlag,
		Domain: fhe.Domain{
			ChainID:           *gatewayChainID,
			VerifyingContract: common.HexToAddress(*verifierAddr),
		},
	}, encrypter, relayer)
	if err != nil {
		log.Error("init encryption client", "err", err)
		os.Exit(2)
	}
	go initEncryption(ctx, encryption, *fheInitRetry, log)

	store, locks, closeStore, err := newSessionStore(ctx, *sessionDriver, *postgresDSN, *blobDriver, *blobBucket, *blobPrefix)
	if err != nil {
		log.Error("init session store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	producer, err := events.NewProducer(events.ProducerConfig{
		Driver:  *eventsDriver,
		Brokers: events.SplitCommaList(*eventsBrokers),
	})
	if err != nil {
		log.Error("init events producer", "err", err)
		os.Exit(2)
	}
	publisher, err := events.NewPublisher(producer, *eventsTopic)
	if err != nil {
		log.Error("init events publisher", "err", err)
		os.Exit(2)
	}
	defer publisher.Close()

	holder := strings.TrimSpace(*lockHolder)
	if holder == "" {
		host, _ := os.Hostname()
		holder = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	dashCfg := dashboard.Config{
		ChainID:            *chainIDFlag,
		RevealValidForDays: uint32(*revealDays),
		Now:                time.Now,
	}
	if locks != nil {
		// The dashboard cancels a locked run before the lock can expire.
		dashCfg.Locks = locks
		dashCfg.Holder = holder
		dashCfg.LockTTL = *opTimeout
	}
	ctrl, err := dashboard.New(dashCfg, store, chainClient, encryption, w, publisher, log)
	if err != nil {
		log.Error("init dashboard", "err", err)
		os.Exit(2)
	}
	if _, err := ctrl.Open(startupCtx); err != nil {
		log.Error("open session", "err", err)
		os.Exit(1)
	}

	handler, err := api.NewHandler(api.Config{
		APIToken:                creds.APIToken,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		Now:                     time.Now,
	}, ctrl, log)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      *opTimeout,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("portfolio-api listening", "addr", srv.Addr, "wallet", w.Address().Hex(), "chain_id", *chainIDFlag, "session_store", *sessionDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// initEncryption retries Init until it succeeds; until then deposits and reveals fail with
// EncryptionNotReady.
func initEncryption(ctx context.Context, inst *fhe.Instance, every time.Duration, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		err := inst.Init(ctx)
		if err == nil {
			log.Info("encryption ready")
			return
		}
		log.Warn("encryption init failed", "err", err, "retry_in", every)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// newSessionStore opens the configured session store. Only the postgres store is meant to be
// shared by several replicas, so it is the only one that comes with a lock store.
func newSessionStore(ctx context.Context, driver, dsn, blobDriver, bucket, prefix string) (session.Store, proclock.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return session.NewMemoryStore(), nil, func() {}, nil
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, nil, nil, errors.New("--postgres-dsn is required for session-store=postgres")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init pgx pool: %w", err)
		}
		store, err := sessionpg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ensure session schema: %w", err)
		}
		locks, err := proclockpg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := locks.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ensure lock schema: %w", err)
		}
		return store, locks, pool.Close, nil
	case "blob":
		cfg := blobstore.Config{
			Driver: strings.TrimSpace(blobDriver),
			Bucket: strings.TrimSpace(bucket),
			Prefix: strings.TrimSpace(prefix),
		}
		if strings.EqualFold(cfg.Driver, blobstore.DriverS3) {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("load aws config: %w", err)
			}
			cfg.S3Client = awss3.NewFromConfig(awsCfg)
		}
		blobs, err := blobstore.New(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := blobsession.New(blobs)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported session store %q", driver)
	}
}
