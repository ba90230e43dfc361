package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/natefinch/lumberjack.v2"

	"dutchmarket/config"
	"dutchmarket/core/events"
	"dutchmarket/core/types"
	nativecommon "dutchmarket/native/common"
	"dutchmarket/native/ledger"
	"dutchmarket/native/market"
	"dutchmarket/native/swap"
	"dutchmarket/observability"
	"dutchmarket/observability/logging"
	"dutchmarket/observability/otel"
	"dutchmarket/rpc"
	"dutchmarket/storage"
)

// deriveAddress produces a stable ledger identity for an internal account.
func deriveAddress(label string) [20]byte {
	var addr [20]byte
	digest := ethcrypto.Keccak256([]byte(label))
	copy(addr[:], digest[12:])
	return addr
}

// logEmitter forwards engine events to the structured log.
type logEmitter struct {
	log *slog.Logger
}

type eventPayload interface {
	Event() *types.Event
}

func (e logEmitter) Emit(evt events.Event) {
	payload, ok := evt.(eventPayload)
	if !ok || payload.Event() == nil {
		return
	}
	typed := payload.Event()
	observability.Events().Record(typed.Type)
	attrs := make([]any, 0, 2+2*len(typed.Attributes))
	attrs = append(attrs, "event", typed.Type)
	for key, value := range typed.Attributes {
		attrs = append(attrs, key, value)
	}
	e.log.Info("engine event", attrs...)
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "marketd.toml", "path to marketd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var sink io.Writer
	if strings.TrimSpace(cfg.LogFile) != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MiB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	logger := logging.Setup("marketd", cfg.Environment, sink)

	if cfg.Otel.Enabled {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "marketd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Otel.Endpoint,
			Insecure:    cfg.Otel.Insecure,
			Headers:     otel.ParseHeaders(cfg.Otel.Headers),
			Metrics:     cfg.Otel.Metrics,
			Traces:      cfg.Otel.Traces,
		})
		if err != nil {
			logger.Error("init telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	var db storage.Database
	if strings.TrimSpace(cfg.DataDir) == "" {
		db = storage.NewMemDB()
		logger.Warn("no DataDir configured, using in-memory state")
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("open state database", "path", cfg.DataDir, "err", err)
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()

	state, err := market.NewManager(db)
	if err != nil {
		logger.Error("open state manager", "err", err)
		os.Exit(1)
	}

	currencies := make([]market.Currency, 0, len(cfg.Currency))
	tokenBySymbol := make(map[string][20]byte)
	for _, cur := range cfg.Currency {
		entry := market.Currency{
			Method:   market.PaymentMethod(cur.Method),
			Symbol:   cur.Symbol,
			Decimals: cur.Decimals,
		}
		if cur.Method != 0 {
			entry.Token = gethcommon.HexToAddress(cur.Token)
			tokenBySymbol[strings.ToUpper(strings.TrimSpace(cur.Symbol))] = entry.Token
		}
		currencies = append(currencies, entry)
	}
	registry, err := market.NewCurrencyRegistry(currencies)
	if err != nil {
		logger.Error("build currency registry", "err", err)
		os.Exit(1)
	}

	custody := ledger.New()
	oracle := swap.NewOracleAggregator(nil, time.Duration(cfg.Market.OracleMaxAgeSeconds)*time.Second)
	manual := swap.NewManualOracle()
	oracle.Register("manual", manual)
	for _, entry := range cfg.Rate {
		if err := manual.SetDecimal(entry.Base, entry.Quote, entry.Value, time.Now()); err != nil {
			logger.Error("seed oracle rate", "base", entry.Base, "quote", entry.Quote, "err", err)
			os.Exit(1)
		}
	}

	pricing, err := market.NewPricing(registry, oracle, time.Duration(cfg.Market.DecayWindowSeconds)*time.Second, cfg.Market.ReferenceSymbol)
	if err != nil {
		logger.Error("build pricing engine", "err", err)
		os.Exit(1)
	}

	vault := deriveAddress("dutchmarket/market-vault")
	venueAddr := deriveAddress("dutchmarket/swap-venue")

	emitter := logEmitter{log: logger}
	pauses := nativecommon.NewSwitchboard()

	sales := market.NewRegistry()
	sales.SetState(state)
	sales.SetEmitter(emitter)
	sales.SetPauses(pauses)

	settlement := market.NewSettlement(sales, pricing, custody, vault)
	settlement.SetEmitter(emitter)
	settlement.SetPauses(pauses)

	venue := swap.NewLedgerVenue(custody, oracle, venueAddr, cfg.Market.ReferenceSymbol, registry.Native().Symbol)
	for symbol, token := range tokenBySymbol {
		venue.ListToken(token, symbol)
	}
	router := swap.NewRouter(custody, venue, cfg.Swap.PercentScale)
	router.SetEmitter(emitter)
	router.SetPauses(pauses)

	if err := seedGenesis(cfg, custody, tokenBySymbol, vault); err != nil {
		logger.Error("seed genesis state", "err", err)
		os.Exit(1)
	}

	logger.Info("marketd starting",
		"rpc", cfg.RPCAddress,
		"vault", gethcommon.Address(vault).Hex(),
		"venue", gethcommon.Address(venueAddr).Hex(),
		"decayWindowSeconds", cfg.Market.DecayWindowSeconds,
		"percentScale", cfg.Swap.PercentScale,
	)

	server := rpc.NewServer(sales, settlement, pricing, router, oracle, logger)
	httpServer := &http.Server{
		Addr: cfg.RPCAddress,
		Handler: server.Handler(rpc.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("rpc server", "err", err)
			os.Exit(1)
		}
	}
}

// seedGenesis mints the configured balances, custody grants and market
// approvals into the ledger.
func seedGenesis(cfg *config.Config, custody *ledger.Ledger, tokenBySymbol map[string][20]byte, vault [20]byte) error {
	for _, acc := range cfg.Genesis {
		addr := gethcommon.HexToAddress(acc.Address)
		if strings.TrimSpace(acc.Native) != "" {
			amount, ok := new(big.Int).SetString(strings.TrimSpace(acc.Native), 10)
			if !ok {
				return fmt.Errorf("genesis %s: invalid native amount %q", acc.Address, acc.Native)
			}
			if err := custody.MintNative(addr, amount); err != nil {
				return err
			}
		}
		for symbol, raw := range acc.Tokens {
			token, ok := tokenBySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
			if !ok {
				return fmt.Errorf("genesis %s: unknown token symbol %s", acc.Address, symbol)
			}
			amount, okAmt := new(big.Int).SetString(strings.TrimSpace(raw), 10)
			if !okAmt {
				return fmt.Errorf("genesis %s: invalid %s amount %q", acc.Address, symbol, raw)
			}
			if err := custody.MintToken(token, addr, amount); err != nil {
				return err
			}
		}
		for _, grant := range acc.Asset {
			contract := gethcommon.HexToAddress(grant.Contract)
			custody.MintAsset(contract, grant.ID, addr, grant.Quantity)
			if grant.ApproveMarket {
				custody.SetApprovalForAll(contract, addr, vault, true)
			}
		}
		for symbol, raw := range acc.MarketAllowance {
			token, ok := tokenBySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
			if !ok {
				return fmt.Errorf("genesis %s: unknown allowance symbol %s", acc.Address, symbol)
			}
			amount, okAmt := new(big.Int).SetString(strings.TrimSpace(raw), 10)
			if !okAmt {
				return fmt.Errorf("genesis %s: invalid %s allowance %q", acc.Address, symbol, raw)
			}
			if err := custody.Approve(token, addr, vault, amount); err != nil {
				return err
			}
		}
	}
	custody.DiscardSnapshots()
	return nil
}
