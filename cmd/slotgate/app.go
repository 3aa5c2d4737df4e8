package main

import (
    "context"
    "crypto/ed25519"
    "errors"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "slotgate/pkg/config"
    "slotgate/pkg/dispatch"
    "slotgate/pkg/gateway/rpc"
    "slotgate/pkg/identity"
    "slotgate/pkg/metrics"
    "slotgate/pkg/observability"
    "slotgate/pkg/pool"
    "slotgate/pkg/schedule"
    "slotgate/pkg/shardkv"
    "slotgate/pkg/transport"
    "slotgate/pkg/transport/mem"
    "slotgate/pkg/transport/quic"
    "slotgate/pkg/transport/udp"
    "slotgate/pkg/txstore"
)

const version = "0.1.0"

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("slotgate started", zap.String("app", cfg.AppName), zap.String("version", version))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    // Load/generate gateway identity (ed25519); the QUIC client certificate
    // is derived from it so validators see a stable peer id.
    priv, gatewayID, err := identity.LoadOrGenEd25519(cfg.Identity)
    if err != nil {
        zap.L().Error("failed to init identity", zap.Error(err))
        return 1
    }
    zap.L().Info("gateway identity", zap.String("id", string(gatewayID)))

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    m := metrics.New()

    // Leader schedule: sharded kv + tracker, fed by the update stream.
    schedKV := shardkv.New(shardkv.Options{})
    defer schedKV.Close()
    trk := schedule.NewTracker(schedKV, m)

    feedTr := buildTransport(cfg.Feed.Transport, priv)
    if feedTr == nil {
        zap.L().Error("unknown feed transport", zap.String("transport", cfg.Feed.Transport))
        return 1
    }
    feed := schedule.NewFeed(feedTr, cfg.Feed.Endpoints, trk, schedule.FeedOptions{
        BackoffInitial: time.Duration(cfg.Feed.BackoffInitialMS) * time.Millisecond,
        BackoffMax:     time.Duration(cfg.Feed.BackoffMaxMS) * time.Millisecond,
        BackoffJitter:  time.Duration(cfg.Feed.BackoffJitterMS) * time.Millisecond,
    })
    go feed.Run(ctx)

    // Session pool over the validator-facing transport.
    poolTr := buildTransport(cfg.Pool.Transport, priv)
    if poolTr == nil {
        zap.L().Error("unknown pool transport", zap.String("transport", cfg.Pool.Transport))
        return 1
    }
    sessions := pool.New(poolTr, pool.Options{
        MaxSessions:  cfg.Pool.MaxSessions,
        IdleTimeout:  time.Duration(cfg.Pool.IdleTimeoutMS) * time.Millisecond,
        FailCooldown: time.Duration(cfg.Pool.FailCooldownMS) * time.Millisecond,
    }, m)
    defer sessions.Close()

    engine := dispatch.New(trk, sessions, dispatch.Options{
        FanoutSlots:      cfg.Dispatch.FanoutSlots,
        RetryBudget:      cfg.Dispatch.RetryBudget,
        AttemptTimeout:   time.Duration(cfg.Dispatch.AttemptTimeoutMS) * time.Millisecond,
        MaxInflight:      cfg.Dispatch.MaxInflight,
        StalenessCeiling: time.Duration(cfg.Dispatch.StalenessCeilingMS) * time.Millisecond,
    }, m)

    // Pending store + rebroadcast loop.
    pendingKV := shardkv.New(shardkv.Options{})
    defer pendingKV.Close()
    pending := txstore.New(pendingKV, txstore.Options{
        MaxAge:        time.Duration(cfg.Store.MaxAgeMS) * time.Millisecond,
        RetryInterval: time.Duration(cfg.Store.RetryIntervalMS) * time.Millisecond,
        MaxRetries:    cfg.Store.MaxRetries,
    }, m)
    rebroadcast := txstore.NewRebroadcaster(pending, engine, trk)
    go rebroadcast.Run(ctx)

    // Inbound JSON-RPC API.
    api := rpc.New(rpc.Options{
        Listen:  cfg.RPC.Listen,
        Version: version,
    }, engine, trk, pending, m)

    errCh := make(chan error, 1)
    go func() { errCh <- api.Start() }()

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

    select {
    case sig := <-sigCh:
        zap.L().Info("shutting down", zap.String("signal", sig.String()))
    case err := <-errCh:
        if err != nil && !errors.Is(err, http.ErrServerClosed) {
            zap.L().Error("rpc server failed", zap.Error(err))
            return 1
        }
    }

    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer shutdownCancel()
    if err := api.Shutdown(shutdownCtx); err != nil {
        zap.L().Warn("rpc shutdown incomplete", zap.Error(err))
    }
    cancel()
    return 0
}

// buildTransport maps a config name to a transport. The mem transport exists
// for local runs without a network.
func buildTransport(name string, priv ed25519.PrivateKey) transport.Transport {
    switch name {
    case "quic", "":
        return quic.NewWithIdentity(priv)
    case "udp":
        return udp.New()
    case "mem":
        return mem.New()
    default:
        return nil
    }
}
