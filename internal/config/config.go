package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// PrometheusBind serves /metrics on its own listener. When empty the
	// metrics are served next to /healthz.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Audit       AuditConfig     `yaml:"audit"`
	Audio       AudioConfig     `yaml:"audio"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Prover      ProverConfig    `yaml:"prover"`
	Match       MatchConfig     `yaml:"match"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// AuditConfig controls the request audit trail. Audio and feature values are
// never written to it.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	MinSeconds       float64 `yaml:"min_seconds"`
	TranscodeCommand string  `yaml:"transcode_command"`
}

type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"` // deterministic, model
	Model             string  `yaml:"model"`
	BinarizeThreshold float64 `yaml:"binarize_threshold"`
	Loader            string  `yaml:"loader"` // exec, http
	Command           string  `yaml:"command"`
	Endpoint          string  `yaml:"endpoint"`
	TimeoutMS         int     `yaml:"timeout_ms"`
}

type ProverConfig struct {
	CircuitRoot       string `yaml:"circuit_root"`
	Command           string `yaml:"command"`
	CommitmentCircuit string `yaml:"commitment_circuit"`
	OwnershipCircuit  string `yaml:"ownership_circuit"`
	MaxConcurrency    int    `yaml:"max_concurrency"`
	TimeoutMS         int    `yaml:"timeout_ms"`
}

type MatchConfig struct {
	HammingThreshold int `yaml:"hamming_threshold"`
}

func Default() Config {
	return Config{
		RuntimeName: "voiceprint",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voiceprint-node-1",
			Role:              "voiceprint",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Path:          "./data/voiceprint-audit.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		Audio: AudioConfig{
			MinSeconds: 1.0,
		},
		Embedding: EmbeddingConfig{
			Provider:  "deterministic",
			Model:     "pyannote/embedding",
			Loader:    "exec",
			Endpoint:  "http://localhost:8765",
			TimeoutMS: 30000,
		},
		Prover: ProverConfig{
			CircuitRoot:       "./circuits",
			Command:           "snarkjs groth16 fullprove",
			CommitmentCircuit: "VoiceCommitment",
			OwnershipCircuit:  "VoiceOwnership",
			MaxConcurrency:    2,
			TimeoutMS:         120000,
		},
		Match: MatchConfig{
			HammingThreshold: 128,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEPRINT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEPRINT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEPRINT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEPRINT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEPRINT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEPRINT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEPRINT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEPRINT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICEPRINT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEPRINT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEPRINT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEPRINT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEPRINT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEPRINT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEPRINT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEPRINT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEPRINT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICEPRINT_NODE_ID")
	overrideString(&cfg.Node.Role, "VOICEPRINT_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICEPRINT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICEPRINT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Audit.Enabled, "VOICEPRINT_AUDIT_ENABLED")
	overrideString(&cfg.Audit.Path, "VOICEPRINT_AUDIT_PATH")
	overrideString(&cfg.Audit.RetentionMode, "VOICEPRINT_AUDIT_RETENTION_MODE")
	overrideInt(&cfg.Audit.RetentionDays, "VOICEPRINT_AUDIT_RETENTION_DAYS")
	overrideInt(&cfg.Audit.MaxRequests, "VOICEPRINT_AUDIT_MAX_REQUESTS")
	overrideBool(&cfg.Audit.VacuumOnStart, "VOICEPRINT_AUDIT_VACUUM_ON_START")
	overrideFloat(&cfg.Audio.MinSeconds, "VOICEPRINT_AUDIO_MIN_SECONDS")
	overrideString(&cfg.Audio.TranscodeCommand, "VOICEPRINT_AUDIO_TRANSCODE_COMMAND")
	overrideString(&cfg.Embedding.Provider, "VOICEPRINT_EMBEDDING_PROVIDER")
	overrideString(&cfg.Embedding.Model, "VOICEPRINT_EMBEDDING_MODEL")
	overrideFloat(&cfg.Embedding.BinarizeThreshold, "VOICEPRINT_EMBEDDING_BINARIZE_THRESHOLD")
	overrideString(&cfg.Embedding.Loader, "VOICEPRINT_EMBEDDING_LOADER")
	overrideString(&cfg.Embedding.Command, "VOICEPRINT_EMBEDDING_COMMAND")
	overrideString(&cfg.Embedding.Endpoint, "VOICEPRINT_EMBEDDING_ENDPOINT")
	overrideInt(&cfg.Embedding.TimeoutMS, "VOICEPRINT_EMBEDDING_TIMEOUT_MS")
	overrideString(&cfg.Prover.CircuitRoot, "VOICEPRINT_PROVER_CIRCUIT_ROOT")
	overrideString(&cfg.Prover.Command, "VOICEPRINT_PROVER_COMMAND")
	overrideString(&cfg.Prover.CommitmentCircuit, "VOICEPRINT_PROVER_COMMITMENT_CIRCUIT")
	overrideString(&cfg.Prover.OwnershipCircuit, "VOICEPRINT_PROVER_OWNERSHIP_CIRCUIT")
	overrideInt(&cfg.Prover.MaxConcurrency, "VOICEPRINT_PROVER_MAX_CONCURRENCY")
	overrideInt(&cfg.Prover.TimeoutMS, "VOICEPRINT_PROVER_TIMEOUT_MS")
	overrideInt(&cfg.Match.HammingThreshold, "VOICEPRINT_MATCH_HAMMING_THRESHOLD")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return errors.New("audit.path must not be empty")
		}
		switch cfg.Audit.RetentionMode {
		case "ephemeral", "session", "persistent":
			// ok
		default:
			return errors.New("audit.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.Audit.RetentionDays < 0 {
			return errors.New("audit.retention_days must be >= 0")
		}
	}
	if cfg.Audio.MinSeconds < 0 {
		return errors.New("audio.min_seconds must be >= 0")
	}
	switch cfg.Embedding.Provider {
	case "deterministic":
	case "model":
		if cfg.Embedding.Model == "" {
			return errors.New("embedding.model must be set when provider=model")
		}
		switch cfg.Embedding.Loader {
		case "exec":
			if cfg.Embedding.Command == "" {
				return errors.New("embedding.command must be set when loader=exec")
			}
		case "http":
			if cfg.Embedding.Endpoint == "" {
				return errors.New("embedding.endpoint must be set when loader=http")
			}
		default:
			return errors.New("embedding.loader must be one of exec|http")
		}
	default:
		return errors.New("embedding.provider must be one of deterministic|model")
	}
	if cfg.Embedding.TimeoutMS < 0 {
		return errors.New("embedding.timeout_ms must be >= 0")
	}
	if cfg.Prover.CircuitRoot == "" {
		return errors.New("prover.circuit_root must not be empty")
	}
	if cfg.Prover.Command == "" {
		return errors.New("prover.command must not be empty")
	}
	if cfg.Prover.CommitmentCircuit == "" || cfg.Prover.OwnershipCircuit == "" {
		return errors.New("prover circuit names must not be empty")
	}
	if cfg.Prover.MaxConcurrency <= 0 {
		return errors.New("prover.max_concurrency must be >= 1")
	}
	if cfg.Prover.TimeoutMS < 0 {
		return errors.New("prover.timeout_ms must be >= 0")
	}
	if cfg.Match.HammingThreshold < 0 || cfg.Match.HammingThreshold > 512 {
		return errors.New("match.hamming_threshold must be between 0 and 512")
	}
	return nil
}
