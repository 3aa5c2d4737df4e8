package config

// FeedConfig describes the leader/topology update feed connection.
// Example YAML:
// feed:
//   transport: quic
//   endpoints: ["10.0.0.5:7800", "10.0.0.6:7800"]
//   backoff_initial_ms: 500
//   backoff_max_ms: 30000
//   backoff_jitter_ms: 100
type FeedConfig struct {
    // Transport kind used to reach the feed: quic, udp, or mem (tests)
    Transport string `mapstructure:"transport"`
    // Endpoints tried in order on connect/reconnect
    Endpoints []string `mapstructure:"endpoints"`

    BackoffInitialMS int `mapstructure:"backoff_initial_ms"`
    BackoffMaxMS     int `mapstructure:"backoff_max_ms"`
    BackoffJitterMS  int `mapstructure:"backoff_jitter_ms"`
}

// PoolConfig contains connection pool tuning options.
type PoolConfig struct {
    // Transport kind used for validator ingest sessions: quic, udp, or mem
    Transport string `mapstructure:"transport"`
    // MaxSessions caps concurrent Active+Connecting sessions
    MaxSessions int `mapstructure:"max_sessions"`
    // IdleTimeoutMS evicts sessions unused for this long
    IdleTimeoutMS int `mapstructure:"idle_timeout_ms"`
    // FailCooldownMS blocks re-dialing an endpoint after a failure
    FailCooldownMS int `mapstructure:"fail_cooldown_ms"`
}

// DispatchConfig contains fan-out and backpressure tuning options.
type DispatchConfig struct {
    // FanoutSlots is the number of upcoming slots targeted per transaction (K)
    FanoutSlots int `mapstructure:"fanout_slots"`
    // RetryBudget is the number of re-sends allowed per target on transient failure
    RetryBudget int `mapstructure:"retry_budget"`
    // AttemptTimeoutMS bounds each individual send attempt
    AttemptTimeoutMS int `mapstructure:"attempt_timeout_ms"`
    // MaxInflight caps concurrent dispatch jobs; beyond it submissions are rejected
    MaxInflight int `mapstructure:"max_inflight"`
    // StalenessCeilingMS rejects dispatch when the schedule view is older than this
    StalenessCeilingMS int `mapstructure:"staleness_ceiling_ms"`
}

// StoreConfig contains pending-transaction store tuning options.
type StoreConfig struct {
    // MaxAgeMS drops a pending transaction after this age regardless of retries
    MaxAgeMS int `mapstructure:"max_age_ms"`
    // RetryIntervalMS is the rebroadcast loop period
    RetryIntervalMS int `mapstructure:"retry_interval_ms"`
    // MaxRetries is the default per-transaction rebroadcast budget
    MaxRetries int `mapstructure:"max_retries"`
}
