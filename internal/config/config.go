package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Operator    OperatorConfig    `yaml:"operator"`
	Log         LogConfig         `yaml:"log"`
	Network     NetworkConfig     `yaml:"network"`
	ADR         ADRConfig         `yaml:"adr"`
	SubBands    []SubBandConfig   `yaml:"sub_bands"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Integration IntegrationConfig `yaml:"integration"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig represents database configuration. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// OperatorConfig 运维账号（API 登录）
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig represents network server configuration
type NetworkConfig struct {
	Band            string        `yaml:"band"`
	RX1Delay        time.Duration `yaml:"rx1_delay"`
	RX2Delay        time.Duration `yaml:"rx2_delay"`
	RX2Frequency    uint32        `yaml:"rx2_frequency"`
	RX2DataRate     int           `yaml:"rx2_data_rate"`
	RX1DROffset     int           `yaml:"rx1_dr_offset"`
	AutoRegister    bool          `yaml:"auto_register"`
	DefaultDataRate int           `yaml:"default_data_rate"`
	DefaultTxPower  float64       `yaml:"default_tx_power"`
	Scheduler       string        `yaml:"scheduler"` // internal | external
	DownlinkTxPower float64       `yaml:"downlink_tx_power"`
}

// ADRConfig 自适应速率配置
type ADRConfig struct {
	Enabled         bool    `yaml:"enabled"`
	HistoryRange    int     `yaml:"history_range"`
	GatewayCombiner string  `yaml:"gateway_combiner"` // avg | max | min
	HistoryCombiner string  `yaml:"history_combiner"` // avg | max | min
	DeviceMargin    float64 `yaml:"device_margin"`
	TogglePower     *bool   `yaml:"toggle_power"`
	MinTxPower      float64 `yaml:"min_tx_power"`
	MaxTxPower      float64 `yaml:"max_tx_power"`
	MaxDataRate     *int    `yaml:"max_data_rate"`
}

// TogglePowerEnabled reports the effective toggle_power value (default true)
func (c ADRConfig) TogglePowerEnabled() bool {
	return c.TogglePower == nil || *c.TogglePower
}

// MaxDR reports the effective max_data_rate value (default 5)
func (c ADRConfig) MaxDR() int {
	if c.MaxDataRate == nil {
		return 5
	}
	return *c.MaxDataRate
}

// SubBandConfig 子频段占空比配置，频率范围 [low, high)
type SubBandConfig struct {
	Name       string  `yaml:"name"`
	Low        uint32  `yaml:"low"`
	High       uint32  `yaml:"high"`
	DutyCycle  float64 `yaml:"duty_cycle"`
	MaxTxPower float64 `yaml:"max_tx_power"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IntegrationConfig 事件转发配置
type IntegrationConfig struct {
	NATSSubjectPrefix string          `yaml:"nats_subject_prefix"`
	HTTP              HTTPIntegration `yaml:"http"`
	MQTT              MQTTIntegration `yaml:"mqtt"`
}

// HTTPIntegration webhook 配置
type HTTPIntegration struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// MQTTIntegration MQTT 配置
type MQTTIntegration struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ConfigurationError is returned for configuration that must not reach runtime
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies environment overrides and
// defaults, then validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if band := os.Getenv("NS_BAND"); band != "" {
		c.Network.Band = band
	}
}

// setDefaults 设置默认值；区域相关的默认值来自区域配置
func (c *Config) setDefaults() error {
	if c.Server.Name == "" {
		c.Server.Name = "lorawan-netctl"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 5 * time.Second
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "lorawan-netctl"
	}

	if c.Network.Band == "" {
		c.Network.Band = "EU868"
	}
	region, err := lorawan.GetRegionConfiguration(c.Network.Band)
	if err != nil {
		return invalid("network.band", "%v", err)
	}
	c.Network.Band = region.Name

	if c.Network.RX1Delay == 0 {
		c.Network.RX1Delay = time.Second
	}
	if c.Network.RX2Delay == 0 {
		c.Network.RX2Delay = c.Network.RX1Delay + time.Second
	}
	if c.Network.RX2Frequency == 0 {
		c.Network.RX2Frequency = region.DefaultRX2Freq
		c.Network.RX2DataRate = region.DefaultRX2DR
	}
	if c.Network.DefaultTxPower == 0 {
		c.Network.DefaultTxPower = 14
	}
	if c.Network.DownlinkTxPower == 0 {
		c.Network.DownlinkTxPower = region.MaxTxPowerDBm
	}
	if c.Network.Scheduler == "" {
		c.Network.Scheduler = "internal"
	}

	if c.ADR.HistoryRange == 0 {
		c.ADR.HistoryRange = 20
	}
	if c.ADR.GatewayCombiner == "" {
		c.ADR.GatewayCombiner = "max"
	}
	if c.ADR.HistoryCombiner == "" {
		c.ADR.HistoryCombiner = "max"
	}
	if c.ADR.MinTxPower == 0 && c.ADR.MaxTxPower == 0 {
		c.ADR.MaxTxPower = 14
	}

	if len(c.SubBands) == 0 {
		for _, sb := range region.SubBands {
			c.SubBands = append(c.SubBands, SubBandConfig{
				Name:       sb.Name,
				Low:        sb.Low,
				High:       sb.High,
				DutyCycle:  sb.DutyCycle,
				MaxTxPower: sb.MaxTxPowerDBm,
			})
		}
	}

	return nil
}

// Validate 校验配置；任何错误都是 *ConfigurationError
func (c *Config) Validate() error {
	if c.ADR.HistoryRange < 1 {
		return invalid("adr.history_range", "must be >= 1, got %d", c.ADR.HistoryRange)
	}
	for field, v := range map[string]string{
		"adr.gateway_combiner": c.ADR.GatewayCombiner,
		"adr.history_combiner": c.ADR.HistoryCombiner,
	} {
		switch strings.ToLower(v) {
		case "avg", "average", "max", "maximum", "min", "minimum":
		default:
			return invalid(field, "unknown combiner %q", v)
		}
	}
	if c.ADR.MinTxPower > c.ADR.MaxTxPower {
		return invalid("adr.min_tx_power", "%.1f dBm is above max_tx_power %.1f dBm", c.ADR.MinTxPower, c.ADR.MaxTxPower)
	}
	if c.ADR.MinTxPower < 0 {
		return invalid("adr.min_tx_power", "must be >= 0, got %.1f", c.ADR.MinTxPower)
	}
	if dr := c.ADR.MaxDR(); dr < 0 || dr >= len(lorawan.DemodulationSNR) {
		return invalid("adr.max_data_rate", "must be in [0, %d], got %d", len(lorawan.DemodulationSNR)-1, dr)
	}

	if c.Network.DefaultDataRate < 0 || c.Network.DefaultDataRate > c.ADR.MaxDR() {
		return invalid("network.default_data_rate", "must be in [0, %d], got %d", c.ADR.MaxDR(), c.Network.DefaultDataRate)
	}
	if c.Network.RX1Delay <= 0 || c.Network.RX2Delay <= c.Network.RX1Delay {
		return invalid("network.rx2_delay", "must be after rx1_delay (%s), got %s", c.Network.RX1Delay, c.Network.RX2Delay)
	}
	if c.Network.RX1DROffset < 0 || c.Network.RX1DROffset > 5 {
		return invalid("network.rx1_dr_offset", "must be in [0, 5], got %d", c.Network.RX1DROffset)
	}
	switch c.Network.Scheduler {
	case "internal", "external":
	default:
		return invalid("network.scheduler", "must be internal or external, got %q", c.Network.Scheduler)
	}

	if len(c.SubBands) == 0 {
		return invalid("sub_bands", "no sub-bands configured")
	}
	bands := make([]SubBandConfig, len(c.SubBands))
	copy(bands, c.SubBands)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Low < bands[j].Low })
	for i, sb := range bands {
		field := fmt.Sprintf("sub_bands[%s]", sb.Name)
		if sb.Low >= sb.High {
			return invalid(field, "low %d must be below high %d", sb.Low, sb.High)
		}
		if sb.DutyCycle <= 0 || sb.DutyCycle > 1 {
			return invalid(field, "duty_cycle must be in (0, 1], got %g", sb.DutyCycle)
		}
		if i > 0 && sb.Low < bands[i-1].High {
			return invalid(field, "overlaps sub-band %s", bands[i-1].Name)
		}
	}

	return nil
}

// IsConfigurationError reports whether err is a *ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Network Controller Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Network Band: %s\n", c.Network.Band)
	fmt.Printf("RX1 Delay: %s, RX2 Delay: %s, RX2 Frequency: %.3f MHz (DR%d)\n",
		c.Network.RX1Delay, c.Network.RX2Delay,
		float64(c.Network.RX2Frequency)/1000000, c.Network.RX2DataRate)
	fmt.Printf("Scheduler: %s, Auto Register: %v\n", c.Network.Scheduler, c.Network.AutoRegister)
	fmt.Printf("ADR Enabled: %v (history=%d, gateway=%s, history=%s, margin=%.1f dB, power %.0f-%.0f dBm, max DR%d, toggle power=%v)\n",
		c.ADR.Enabled, c.ADR.HistoryRange, c.ADR.GatewayCombiner, c.ADR.HistoryCombiner,
		c.ADR.DeviceMargin, c.ADR.MinTxPower, c.ADR.MaxTxPower, c.ADR.MaxDR(), c.ADR.TogglePowerEnabled())
	fmt.Printf("Sub-bands:\n")
	for _, sb := range c.SubBands {
		fmt.Printf("  %-6s %.3f-%.3f MHz duty=%.2f%% max=%.0f dBm\n",
			sb.Name, float64(sb.Low)/1000000, float64(sb.High)/1000000, sb.DutyCycle*100, sb.MaxTxPower)
	}
	fmt.Printf("================================================\n")
}
