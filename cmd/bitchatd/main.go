// Command bitchatd runs a consensus node: it joins the gossip mesh, takes
// part in the vote protocol as a validator (or verifies certificates as an
// observer) and optionally archives and exports consensus outcomes.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/config"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/detector"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/pbft"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/crypto"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/export"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/p2p"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/state"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/storage/postgres"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

// genesisBalance is the starting balance granted to every validator.
const genesisBalance = 1_000_000

func main() {
	envFile := flag.String("env", ".env", "path to environment file")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "bitchatd: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger, err := utils.NewLogger(&utils.LogConfig{
		Level:      cfg.LogLevel,
		OutputPath: cfg.LogOutput,
	})
	if err != nil {
		return err
	}
	defer logger.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Identity.
	var priv ed25519.PrivateKey
	if cfg.NodeKeySeed != "" {
		seed, err := hex.DecodeString(cfg.NodeKeySeed)
		if err != nil {
			return fmt.Errorf("decode node key seed: %w", err)
		}
		priv = ed25519.NewKeyFromSeed(seed)
	} else {
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate node key: %w", err)
		}
		logger.Warn("no NODE_KEY_SEED set, using an ephemeral identity")
	}
	keyring, err := crypto.NewKeyring(priv)
	if err != nil {
		return err
	}

	// Validator membership.
	validators := make([]types.NodeID, 0, len(cfg.ValidatorKeys))
	for _, k := range cfg.ValidatorKeys {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return fmt.Errorf("decode validator key: %w", err)
		}
		id, err := keyring.Register(ed25519.PublicKey(raw))
		if err != nil {
			return err
		}
		validators = append(validators, id)
	}
	var observers []types.NodeID
	if cfg.Role == "observer" {
		observers = append(observers, keyring.LocalID())
	}
	registry := detector.NewRegistry(keyring, validators, observers)

	logger.Info("node identity",
		utils.ZapString("node_id", keyring.LocalID().Short()),
		utils.ZapString("role", cfg.Role),
		utils.ZapInt("validators", registry.ActiveCount()),
	)

	// Optional sinks: archive and export.
	var slashSinks []types.SlashingSink
	var commitSinks []types.CommitSink
	if cfg.PostgresDSN != "" {
		store, err := postgres.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		slashSinks = append(slashSinks, store)
		commitSinks = append(commitSinks, store)
	}
	if len(cfg.KafkaBrokers) > 0 {
		exporter, err := export.NewExporter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		defer exporter.Close()
		slashSinks = append(slashSinks, exporter)
		commitSinks = append(commitSinks, exporter)
	}

	det := detector.NewDetector(registry, logger, nil, slashSinks...)

	// Application state: every validator starts with the genesis balance.
	genesis := make(map[types.NodeID]uint64, len(validators))
	for _, id := range validators {
		genesis[id] = genesisBalance
	}
	ledger, err := state.NewLedger(genesis, logger)
	if err != nil {
		return err
	}

	// Network.
	routerCfg := p2p.DefaultRouterConfig()
	routerCfg.ListenAddr = cfg.ListenAddr
	routerCfg.Peers = cfg.Peers
	router, err := p2p.NewRouter(ctx, priv, routerCfg, logger)
	if err != nil {
		return err
	}
	defer router.Close()
	bridge := p2p.NewBridge(router, cfg.TopicName)

	// Engine.
	metrics := pbft.NewMetrics(prometheus.DefaultRegisterer)
	engineCfg := &pbft.Config{
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   cfg.BatchTimeout,
		PipelineDepth:  cfg.PipelineDepth,
		BaseTimeout:    cfg.BaseTimeout,
		MaxTimeoutMult: cfg.MaxTimeoutMult,
	}
	engine, err := pbft.NewEngine(keyring, registry, det, ledger, bridge, logger, engineCfg, metrics, commitSinks...)
	if err != nil {
		return err
	}
	if err := bridge.Attach(engine); err != nil {
		return err
	}
	router.ConnectPeers(ctx)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	// Metrics endpoint.
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(engine.Stats()); err != nil {
				logger.Error("encode stats", utils.ZapError(err))
			}
		})
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", utils.ZapError(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		logger.Info("metrics listening", utils.ZapString("addr", cfg.MetricsAddr))
	}

	logger.Info("node running")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
