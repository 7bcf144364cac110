package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"investchain/config"
	"investchain/crypto"
	"investchain/native/common"
	"investchain/native/escrow"
	"investchain/native/sale"
	"investchain/native/token"
	"investchain/observability/logging"
	"investchain/services/deal-gateway/audit"
	"investchain/services/deal-gateway/auth"
	gwconfig "investchain/services/deal-gateway/config"
	gwmw "investchain/services/deal-gateway/middleware"
	"investchain/services/deal-gateway/models"
	"investchain/services/deal-gateway/recon"
	"investchain/services/deal-gateway/server"
	"investchain/services/deal-gateway/store"
	"investchain/state"
	"investchain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	gatewayConfigFlag := flag.String("gateway-config", "", "Path to the gateway configuration (overrides GatewayConfigFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	logger := logging.Setup(cfg.Service, cfg.Environment)

	gatewayConfigPath := strings.TrimSpace(*gatewayConfigFlag)
	if gatewayConfigPath == "" {
		gatewayConfigPath = cfg.GatewayConfigFile
	}
	if gatewayConfigPath == "" {
		logger.Error("no gateway configuration supplied")
		os.Exit(1)
	}
	gwCfg, err := gwconfig.Load(gatewayConfigPath)
	if err != nil {
		logger.Error("failed to load gateway config", "error", err.Error())
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open ledger database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	tokens := token.NewLedger(manager)

	authorizer := common.NewStaticAuthorizer()
	if err := grantAll(authorizer, cfg.EscrowAdmins, common.CapEscrowAdmin); err != nil {
		logger.Error("invalid escrow admin address", "error", err.Error())
		os.Exit(1)
	}
	if err := grantAll(authorizer, cfg.SaleAdmins, common.CapSaleAdmin); err != nil {
		logger.Error("invalid sale admin address", "error", err.Error())
		os.Exit(1)
	}
	if err := grantAll(authorizer, cfg.SweepOperators, common.CapSaleSweep); err != nil {
		logger.Error("invalid sweep operator address", "error", err.Error())
		os.Exit(1)
	}

	relay := server.NewRelay()

	saleEngine := sale.NewEngine()
	saleEngine.SetState(manager)
	saleEngine.SetTokenBackend(tokens)
	saleEngine.SetEscrowFactory(manager)
	saleEngine.SetAuthorizer(authorizer)
	saleEngine.SetPauses(manager)
	saleEngine.SetEmitter(relay)

	escrowEngine := escrow.NewEngine()
	escrowEngine.SetState(manager)
	escrowEngine.SetSaleExecutor(saleEngine)
	escrowEngine.SetAuthorizer(authorizer)
	escrowEngine.SetPauses(manager)
	escrowEngine.SetEmitter(relay)

	gdb, err := openGatewayDB(gwCfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to open gateway database", "error", err.Error())
		os.Exit(1)
	}
	if err := models.AutoMigrate(gdb); err != nil {
		logger.Error("failed to migrate gateway schema", "error", err.Error())
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(auth.Options{
		Alg:              gwCfg.Auth.Alg,
		Issuer:           gwCfg.Auth.Issuer,
		Audience:         gwCfg.Auth.Audience,
		MaxSkewSeconds:   int(gwCfg.Auth.ClockSkew / time.Second),
		HSSecretEnv:      gwCfg.Auth.HSSecretEnv,
		RSAPublicKeyFile: gwCfg.Auth.RSAPublicKeyFile,
		RoleClaim:        gwCfg.Auth.RoleClaim,
		TenantClaim:      gwCfg.Auth.TenantClaim,
	})
	if err != nil {
		logger.Error("failed to build token verifier", "error", err.Error())
		os.Exit(1)
	}

	recorder, err := audit.NewRecorder(gdb)
	if err != nil {
		logger.Error("failed to open audit chain", "error", err.Error())
		os.Exit(1)
	}

	idempotencyPath := gwCfg.IdempotencyDB
	if strings.TrimSpace(idempotencyPath) == "" {
		idempotencyPath = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	idemStore, err := store.NewStore(idempotencyPath, nil)
	if err != nil {
		logger.Error("failed to open idempotency store", "error", err.Error())
		os.Exit(1)
	}
	defer idemStore.Close()

	limits := make(map[string]gwmw.RateLimit, len(gwCfg.RateLimits))
	for _, limit := range gwCfg.RateLimits {
		limits[limit.Group] = gwmw.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}

	var observability *gwmw.Observability
	if gwCfg.Observability.Enabled {
		observability = gwmw.NewObservability(gwmw.ObservabilityConfig{
			Enabled:       true,
			ServiceName:   gwCfg.Observability.ServiceName,
			MetricsPrefix: gwCfg.Observability.MetricsPrefix,
			LogRequests:   gwCfg.Observability.LogRequests,
		}, logger)
	}

	srv, err := server.New(server.Config{
		DB:            gdb,
		Escrow:        escrowEngine,
		Sale:          saleEngine,
		Verifier:      verifier,
		Audit:         recorder,
		Relay:         relay,
		RateLimiter:   gwmw.NewRateLimiter(limits, logger),
		Idempotency:   gwmw.NewIdempotency(idemStore, gwCfg.IdempotencyTTL),
		Observability: observability,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to build gateway server", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if gwCfg.Recon.Enabled {
		reconciler, err := recon.New(recon.Config{
			DB:        gdb,
			Ledger:    manager,
			OutputDir: gwCfg.Recon.OutputDir,
			Logger:    logger,
		})
		if err != nil {
			logger.Error("failed to build reconciler", "error", err.Error())
			os.Exit(1)
		}
		go runReconLoop(ctx, reconciler, logger)
	}

	httpServer := &http.Server{
		Addr:         gwCfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  gwCfg.ReadTimeout,
		WriteTimeout: gwCfg.WriteTimeout,
		IdleTimeout:  gwCfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting investd",
		"component", "daemon",
		"listen", gwCfg.ListenAddress,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err.Error())
		os.Exit(1)
	}
}

func grantAll(authorizer *common.StaticAuthorizer, addrs []string, capability string) error {
	for _, raw := range addrs {
		decoded, err := crypto.DecodeAddress(raw)
		if err != nil {
			return err
		}
		var addr [20]byte
		copy(addr[:], decoded.Bytes())
		authorizer.Grant(addr, capability)
	}
	return nil
}

func openGatewayDB(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") {
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func runReconLoop(ctx context.Context, reconciler *recon.Reconciler, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if _, err := reconciler.Run(ctx); err != nil {
			logger.Error("reconciliation failed", "component", "recon", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
