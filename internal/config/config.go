package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"monitorflux/internal/model"
	"monitorflux/internal/queue"
	"monitorflux/internal/transport"
)

const (
	TransportTLS       = "tls"
	TransportGRPC      = "grpc"
	TransportWebSocket = "websocket"

	MinRetryBase = 100 * time.Millisecond
	MaxRetryBase = 1000 * time.Second

	// MaxBatchBytes leaves room for encoding overhead below the wire
	// frame limit.
	MaxBatchBytes = transport.MaxFrameSize / 2
)

type Config struct {
	Endpoint      string `yaml:"endpoint"`
	Transport     string `yaml:"transport"`
	Token         string `yaml:"token"`
	GRPCMethod    string `yaml:"grpc_method"`
	TLSCAPath     string `yaml:"tls_ca_path"`
	TLSCertPath   string `yaml:"tls_cert_path"`
	TLSKeyPath    string `yaml:"tls_key_path"`
	TLSServerName string `yaml:"tls_server_name"`

	QueueCapacity int    `yaml:"queue_capacity"`
	QueuePolicy   string `yaml:"queue_policy"`

	BatchMaxItems int           `yaml:"batch_max_items"`
	BatchMaxBytes int           `yaml:"batch_max_bytes"`
	BatchMaxAge   time.Duration `yaml:"batch_max_age"`

	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
	CompressMinSize  int    `yaml:"compress_min_size"`

	Workers     int     `yaml:"workers"`
	MaxPending  int     `yaml:"max_pending"`
	MaxAttempts int     `yaml:"max_attempts"`
	RetryJitter float64 `yaml:"retry_jitter"`

	AckTimeout time.Duration `yaml:"ack_timeout"`
	AckGrace   time.Duration `yaml:"ack_grace"`
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max"`

	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnects        int           `yaml:"max_reconnects"`
	AuthFailureThreshold int           `yaml:"auth_failure_threshold"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`

	SchedulerTick   time.Duration `yaml:"scheduler_tick"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel        string `yaml:"log_level"`
	LogJSON         bool   `yaml:"log_json"`
	ProbeListenAddr string `yaml:"probe_listen_addr"`
	HTTPListenAddr  string `yaml:"http_listen_addr"`

	Hostname       string        `yaml:"hostname"`
	InstanceID     string        `yaml:"instance_id"`
	RootName       string        `yaml:"root_name"`
	StatusInterval time.Duration `yaml:"status_interval"`

	CollectInterval     time.Duration `yaml:"collect_interval"`
	CollectErrorBackoff time.Duration `yaml:"collect_error_backoff"`
	HostMetrics         bool          `yaml:"host_metrics"`
	ProcRoot            string        `yaml:"proc_root"`
	LibvirtURI          string        `yaml:"libvirt_uri"`
	LibvirtReconnect    time.Duration `yaml:"libvirt_reconnect"`
	LibvirtJitter       time.Duration `yaml:"libvirt_jitter"`
}

func Defaults() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return Config{
		Transport:            TransportTLS,
		QueueCapacity:        10000,
		QueuePolicy:          string(queue.DropOldest),
		BatchMaxItems:        500,
		BatchMaxBytes:        1 << 20,
		BatchMaxAge:          2 * time.Second,
		Compression:          "zlib",
		CompressMinSize:      256,
		Workers:              1,
		MaxPending:           256,
		MaxAttempts:          5,
		RetryJitter:          0.2,
		AckTimeout:           10 * time.Second,
		AckGrace:             30 * time.Second,
		RetryBase:            500 * time.Millisecond,
		RetryMax:             60 * time.Second,
		ReconnectBase:        500 * time.Millisecond,
		ReconnectMax:         60 * time.Second,
		MaxReconnects:        -1,
		AuthFailureThreshold: 3,
		DialTimeout:          8 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         15 * time.Second,
		SchedulerTick:        100 * time.Millisecond,
		DrainTimeout:         10 * time.Second,
		ShutdownTimeout:      20 * time.Second,
		LogLevel:             "info",
		ProbeListenAddr:      "0.0.0.0:7443",
		HTTPListenAddr:       "127.0.0.1:9464",
		Hostname:             hostname,
		RootName:             "monitorflux",
		StatusInterval:       30 * time.Second,
		CollectInterval:      10 * time.Second,
		CollectErrorBackoff:  1500 * time.Millisecond,
		HostMetrics:          true,
		ProcRoot:             "/proc",
		LibvirtReconnect:     4 * time.Second,
		LibvirtJitter:        900 * time.Millisecond,
	}
}

// Load resolves the configuration from defaults, an optional YAML file,
// MONITORFLUX_* environment variables and command-line flags, in that
// order of precedence.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("monitorflux", pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("MONITORFLUX_CONFIG"), "path to a YAML config file")
	endpoint := fs.String("endpoint", "", "collector address (host:port, or wss:// URL for websocket)")
	transport := fs.String("transport", "", "transport: tls, grpc or websocket")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	workers := fs.Int("workers", 0, "number of transport workers (1-4)")
	drainTimeout := fs.Duration("drain-timeout", 0, "maximum time spent draining on shutdown")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if fs.Changed("endpoint") {
		cfg.Endpoint = *endpoint
	}
	if fs.Changed("transport") {
		cfg.Transport = *transport
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("workers") {
		cfg.Workers = *workers
	}
	if fs.Changed("drain-timeout") {
		cfg.DrainTimeout = *drainTimeout
	}

	cfg.Transport = strings.ToLower(cfg.Transport)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var r envReader
	r.str("MONITORFLUX_ENDPOINT", &c.Endpoint)
	r.str("MONITORFLUX_TRANSPORT", &c.Transport)
	r.str("MONITORFLUX_TOKEN", &c.Token)
	r.str("MONITORFLUX_GRPC_METHOD", &c.GRPCMethod)
	r.str("MONITORFLUX_TLS_CA_PATH", &c.TLSCAPath)
	r.str("MONITORFLUX_TLS_CERT_PATH", &c.TLSCertPath)
	r.str("MONITORFLUX_TLS_KEY_PATH", &c.TLSKeyPath)
	r.str("MONITORFLUX_TLS_SERVER_NAME", &c.TLSServerName)
	r.int("MONITORFLUX_QUEUE_CAPACITY", &c.QueueCapacity)
	r.str("MONITORFLUX_QUEUE_POLICY", &c.QueuePolicy)
	r.int("MONITORFLUX_BATCH_MAX_ITEMS", &c.BatchMaxItems)
	r.int("MONITORFLUX_BATCH_MAX_BYTES", &c.BatchMaxBytes)
	r.duration("MONITORFLUX_BATCH_MAX_AGE", &c.BatchMaxAge)
	r.str("MONITORFLUX_COMPRESSION", &c.Compression)
	r.int("MONITORFLUX_COMPRESSION_LEVEL", &c.CompressionLevel)
	r.int("MONITORFLUX_COMPRESS_MIN_SIZE", &c.CompressMinSize)
	r.int("MONITORFLUX_WORKERS", &c.Workers)
	r.int("MONITORFLUX_MAX_PENDING", &c.MaxPending)
	r.int("MONITORFLUX_MAX_ATTEMPTS", &c.MaxAttempts)
	r.float("MONITORFLUX_RETRY_JITTER", &c.RetryJitter)
	r.duration("MONITORFLUX_ACK_TIMEOUT", &c.AckTimeout)
	r.duration("MONITORFLUX_ACK_GRACE", &c.AckGrace)
	r.duration("MONITORFLUX_RETRY_BASE", &c.RetryBase)
	r.duration("MONITORFLUX_RETRY_MAX", &c.RetryMax)
	r.duration("MONITORFLUX_RECONNECT_BASE", &c.ReconnectBase)
	r.duration("MONITORFLUX_RECONNECT_MAX", &c.ReconnectMax)
	r.int("MONITORFLUX_MAX_RECONNECTS", &c.MaxReconnects)
	r.int("MONITORFLUX_AUTH_FAILURE_THRESHOLD", &c.AuthFailureThreshold)
	r.duration("MONITORFLUX_DIAL_TIMEOUT", &c.DialTimeout)
	r.duration("MONITORFLUX_WRITE_TIMEOUT", &c.WriteTimeout)
	r.duration("MONITORFLUX_PING_INTERVAL", &c.PingInterval)
	r.duration("MONITORFLUX_SCHEDULER_TICK", &c.SchedulerTick)
	r.duration("MONITORFLUX_DRAIN_TIMEOUT", &c.DrainTimeout)
	r.duration("MONITORFLUX_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	r.str("MONITORFLUX_LOG_LEVEL", &c.LogLevel)
	r.bool("MONITORFLUX_LOG_JSON", &c.LogJSON)
	r.str("MONITORFLUX_PROBE_ADDR", &c.ProbeListenAddr)
	r.str("MONITORFLUX_HTTP_ADDR", &c.HTTPListenAddr)
	r.str("MONITORFLUX_HOSTNAME", &c.Hostname)
	r.str("MONITORFLUX_INSTANCE_ID", &c.InstanceID)
	r.str("MONITORFLUX_ROOT_NAME", &c.RootName)
	r.duration("MONITORFLUX_STATUS_INTERVAL", &c.StatusInterval)
	r.duration("MONITORFLUX_COLLECT_INTERVAL", &c.CollectInterval)
	r.duration("MONITORFLUX_COLLECT_ERROR_BACKOFF", &c.CollectErrorBackoff)
	r.bool("MONITORFLUX_HOST_METRICS", &c.HostMetrics)
	r.str("MONITORFLUX_PROC_ROOT", &c.ProcRoot)
	r.str("MONITORFLUX_LIBVIRT_URI", &c.LibvirtURI)
	r.duration("MONITORFLUX_LIBVIRT_RECONNECT", &c.LibvirtReconnect)
	r.duration("MONITORFLUX_LIBVIRT_JITTER", &c.LibvirtJitter)
	return r.err()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("MONITORFLUX_ENDPOINT is required")
	}
	switch c.Transport {
	case TransportTLS, TransportGRPC:
	case TransportWebSocket:
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme != "wss" {
			return errors.New("websocket transport requires a wss:// endpoint")
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both TLS cert and key are required for mTLS")
	}
	if c.QueueCapacity <= 0 {
		return errors.New("MONITORFLUX_QUEUE_CAPACITY must be > 0")
	}
	if _, err := queue.ParsePolicy(c.QueuePolicy); err != nil {
		return err
	}
	if c.BatchMaxItems <= 0 || c.BatchMaxBytes <= 0 || c.BatchMaxAge <= 0 {
		return errors.New("batch thresholds must be > 0")
	}
	if c.BatchMaxBytes > MaxBatchBytes {
		return fmt.Errorf("MONITORFLUX_BATCH_MAX_BYTES must be <= %d, got %d", MaxBatchBytes, c.BatchMaxBytes)
	}
	if _, err := model.ParseCodec(c.Compression); err != nil {
		return fmt.Errorf("MONITORFLUX_COMPRESSION: %w", err)
	}
	if c.Workers < 1 || c.Workers > 4 {
		return fmt.Errorf("MONITORFLUX_WORKERS must be 1..4, got %d", c.Workers)
	}
	if c.MaxPending <= 0 {
		return errors.New("MONITORFLUX_MAX_PENDING must be > 0")
	}
	if c.MaxAttempts < 1 {
		return errors.New("MONITORFLUX_MAX_ATTEMPTS must be >= 1")
	}
	if c.RetryBase < MinRetryBase || c.RetryBase > MaxRetryBase {
		return fmt.Errorf("MONITORFLUX_RETRY_BASE must be within %s..%s, got %s", MinRetryBase, MaxRetryBase, c.RetryBase)
	}
	if c.RetryMax < c.RetryBase {
		return errors.New("MONITORFLUX_RETRY_MAX must be >= MONITORFLUX_RETRY_BASE")
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return errors.New("MONITORFLUX_RETRY_JITTER must be within [0, 1)")
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return errors.New("reconnect backoff must satisfy 0 < base <= max")
	}
	if c.MaxReconnects == 0 {
		return errors.New("MONITORFLUX_MAX_RECONNECTS must be -1 (unlimited) or > 0")
	}
	if c.AuthFailureThreshold < 1 {
		return errors.New("MONITORFLUX_AUTH_FAILURE_THRESHOLD must be >= 1")
	}
	if c.AckTimeout <= 0 || c.AckGrace <= 0 || c.DialTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("ack and dial timeouts must be > 0")
	}
	if c.SchedulerTick <= 0 || c.DrainTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("scheduler tick, drain and shutdown timeouts must be > 0")
	}
	if c.StatusInterval <= 0 || c.CollectInterval <= 0 {
		return errors.New("status and collect intervals must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	return nil
}

// TLSConfig builds the client TLS configuration. Peer verification is
// always on.
func (c Config) TLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: c.TLSServerName}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

// Codec returns the configured compression codec. Validate has already
// accepted the name.
func (c Config) Codec() model.Codec {
	codec, _ := model.ParseCodec(c.Compression)
	return codec
}
