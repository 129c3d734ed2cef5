package config

// Escrow holds the timing windows applied to newly created escrows.
type Escrow struct {
	ReclamationPeriodSecs           uint64
	ArbitrationFeeDepositPeriodSecs uint64
}

// Arbitrator configures the centralized arbitrator run by the daemon. The
// owner identity is the key stored at KeystorePath.
type Arbitrator struct {
	KeystorePath    string
	ArbitrationCost string
}

// Storage selects the on-disk backend under DataDir.
type Storage struct {
	// Backend is "leveldb" or "bolt".
	Backend string
}

// HTTP tunes the API listener.
type HTTP struct {
	ReadHeaderTimeoutSecs uint64
	// MaxConnections caps concurrently accepted connections; zero is unlimited.
	MaxConnections     int
	RateLimitPerSecond float64
	RateLimitBurst     int
	EventBufferSize    int
}

// Auth enables bearer token authentication. When no secret is configured the
// daemon trusts the X-Caller header, which is only suitable for development.
type Auth struct {
	JWTSecretEnv string
	Issuer       string
	Audience     string
}

// Log controls structured logging output.
type Log struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint string
	Insecure bool
	Headers  string
	Metrics  bool
	Traces   bool
	// SampleRatio keeps this fraction of traces; zero keeps all.
	SampleRatio float64
}
