package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/vrischmann/envconfig"
)

// Role names accepted on the command line
const (
	RoleControlPlane = "control-plane"
	RoleWorker       = "worker"
	RoleBoth         = "both"
)

// Instance lookup modes
const (
	LookupPrivateDNSName = "private-dns-name"
	LookupPrivateIP      = "private-ip-address"
)

// DefaultConfigFile is read when no --config path is given and it exists
const DefaultConfigFile = "node-rotator.toml"

// Config holds all configuration parameters for a rotation run
type Config struct {
	// Kubernetes Configuration
	KubeQPS                float32 `envconfig:"NODE_ROTATOR_KUBE_QPS"`
	KubeBurst              int     `envconfig:"NODE_ROTATOR_KUBE_BURST"`
	RoleLabelKey           string  `envconfig:"NODE_ROTATOR_ROLE_LABEL_KEY"`
	ControlPlaneLabelValue string  `envconfig:"NODE_ROTATOR_CONTROL_PLANE_LABEL_VALUE"`
	WorkerLabelValue       string  `envconfig:"NODE_ROTATOR_WORKER_LABEL_VALUE"`
	MarkerLabelKey         string  `envconfig:"NODE_ROTATOR_MARKER_LABEL_KEY"`

	// AWS Configuration
	AWSRegion      string  `envconfig:"NODE_ROTATOR_AWS_REGION"`
	AWSProfile     string  `envconfig:"NODE_ROTATOR_AWS_PROFILE"`
	InstanceLookup string  `envconfig:"NODE_ROTATOR_INSTANCE_LOOKUP"`
	AWSAPIQPS      float64 `envconfig:"NODE_ROTATOR_AWS_API_QPS"`

	// Rotation Configuration
	Role          string        `envconfig:"NODE_ROTATOR_ROLE"`
	ResumeMarker  string        `envconfig:"NODE_ROTATOR_RESUME_MARKER"`
	DrainTimeout  time.Duration `envconfig:"NODE_ROTATOR_DRAIN_TIMEOUT"`
	PollInterval  time.Duration `envconfig:"NODE_ROTATOR_POLL_INTERVAL"`
	SettleDelay   time.Duration `envconfig:"NODE_ROTATOR_SETTLE_DELAY"`
	RetryAttempts int           `envconfig:"NODE_ROTATOR_RETRY_ATTEMPTS"`
	RetryDelay    time.Duration `envconfig:"NODE_ROTATOR_RETRY_DELAY"`

	// Alerting Configuration
	AlertsEnabled       bool   `envconfig:"NODE_ROTATOR_ALERTS_ENABLED"`
	SlackWebhookURL     string `envconfig:"NODE_ROTATOR_SLACK_WEBHOOK_URL"`
	PagerDutyRoutingKey string `envconfig:"NODE_ROTATOR_PAGERDUTY_ROUTING_KEY"`

	// Event publishing
	SQSQueueURL string `envconfig:"NODE_ROTATOR_SQS_QUEUE_URL"`

	// Metrics
	PushgatewayURL string `envconfig:"NODE_ROTATOR_PUSHGATEWAY_URL"`

	// Logging Configuration
	LogLevel  string `envconfig:"NODE_ROTATOR_LOG_LEVEL"`
	LogFormat string `envconfig:"NODE_ROTATOR_LOG_FORMAT"`

	// API Server Configuration
	APIEnabled bool `envconfig:"NODE_ROTATOR_API_ENABLED"`
	APIPort    int  `envconfig:"NODE_ROTATOR_API_PORT"`
}

// TOMLConfig represents the TOML file structure
type TOMLConfig struct {
	Kubernetes struct {
		QPS                    float32 `toml:"qps"`
		Burst                  int     `toml:"burst"`
		RoleLabelKey           string  `toml:"role_label_key"`
		ControlPlaneLabelValue string  `toml:"control_plane_label_value"`
		WorkerLabelValue       string  `toml:"worker_label_value"`
		MarkerLabelKey         string  `toml:"marker_label_key"`
	} `toml:"kubernetes"`

	AWS struct {
		Region         string  `toml:"region"`
		Profile        string  `toml:"profile"`
		InstanceLookup string  `toml:"instance_lookup"`
		APIQPS         float64 `toml:"api_qps"`
	} `toml:"aws"`

	Rotation struct {
		Role          string `toml:"role"`
		DrainTimeout  string `toml:"drain_timeout"`
		PollInterval  string `toml:"poll_interval"`
		SettleDelay   string `toml:"settle_delay"`
		RetryAttempts int    `toml:"retry_attempts"`
		RetryDelay    string `toml:"retry_delay"`
	} `toml:"rotation"`

	Alerts struct {
		Enabled             *bool  `toml:"enabled"`
		SlackWebhookURL     string `toml:"slack_webhook_url"`
		PagerDutyRoutingKey string `toml:"pagerduty_routing_key"`
	} `toml:"alerts"`

	Events struct {
		SQSQueueURL string `toml:"sqs_queue_url"`
	} `toml:"events"`

	Metrics struct {
		PushgatewayURL string `toml:"pushgateway_url"`
	} `toml:"metrics"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`

	API struct {
		Enabled bool `toml:"enabled"`
		Port    int  `toml:"port"`
	} `toml:"api"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		KubeQPS:                20,
		KubeBurst:              50,
		RoleLabelKey:           "kubernetes.io/role",
		ControlPlaneLabelValue: "master",
		WorkerLabelValue:       "node",
		MarkerLabelKey:         "node-rotator/retire-marker",

		InstanceLookup: LookupPrivateDNSName,
		AWSAPIQPS:      5,

		Role:          RoleBoth,
		DrainTimeout:  300 * time.Second,
		PollInterval:  32 * time.Second,
		SettleDelay:   60 * time.Second,
		RetryAttempts: 12,
		RetryDelay:    8 * time.Second,

		AlertsEnabled: true,

		LogLevel:  "info",
		LogFormat: "",

		APIEnabled: false,
		APIPort:    8080,
	}
}

// LoadConfig builds the configuration from defaults, the TOML file at path
// and NODE_ROTATOR_* environment variables, in that order of precedence.
// An empty path falls back to DefaultConfigFile when it exists.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	if path != "" {
		tomlConfig, err := loadTOMLConfig(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyTOML(tomlConfig); err != nil {
			return nil, err
		}
	}

	if err := envconfig.InitWithOptions(cfg, envconfig.Options{AllOptional: true}); err != nil {
		return nil, fmt.Errorf("failed to read environment configuration: %w", err)
	}

	return cfg, nil
}

// loadTOMLConfig loads configuration from a TOML file
func loadTOMLConfig(filename string) (*TOMLConfig, error) {
	var config TOMLConfig

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, fmt.Errorf("TOML config file %s does not exist", filename)
	}

	if _, err := toml.DecodeFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to decode TOML config file %s: %w", filename, err)
	}

	return &config, nil
}

func (c *Config) applyTOML(t *TOMLConfig) error {
	setString(&c.RoleLabelKey, t.Kubernetes.RoleLabelKey)
	setString(&c.ControlPlaneLabelValue, t.Kubernetes.ControlPlaneLabelValue)
	setString(&c.WorkerLabelValue, t.Kubernetes.WorkerLabelValue)
	setString(&c.MarkerLabelKey, t.Kubernetes.MarkerLabelKey)
	if t.Kubernetes.QPS != 0 {
		c.KubeQPS = t.Kubernetes.QPS
	}
	if t.Kubernetes.Burst != 0 {
		c.KubeBurst = t.Kubernetes.Burst
	}

	setString(&c.AWSRegion, t.AWS.Region)
	setString(&c.AWSProfile, t.AWS.Profile)
	setString(&c.InstanceLookup, t.AWS.InstanceLookup)
	if t.AWS.APIQPS != 0 {
		c.AWSAPIQPS = t.AWS.APIQPS
	}

	setString(&c.Role, t.Rotation.Role)
	if t.Rotation.RetryAttempts != 0 {
		c.RetryAttempts = t.Rotation.RetryAttempts
	}
	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"rotation.drain_timeout", t.Rotation.DrainTimeout, &c.DrainTimeout},
		{"rotation.poll_interval", t.Rotation.PollInterval, &c.PollInterval},
		{"rotation.settle_delay", t.Rotation.SettleDelay, &c.SettleDelay},
		{"rotation.retry_delay", t.Rotation.RetryDelay, &c.RetryDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		value, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("cannot parse TOML %s as duration: %w", d.key, err)
		}
		*d.dst = value
	}

	if t.Alerts.Enabled != nil {
		c.AlertsEnabled = *t.Alerts.Enabled
	}
	setString(&c.SlackWebhookURL, t.Alerts.SlackWebhookURL)
	setString(&c.PagerDutyRoutingKey, t.Alerts.PagerDutyRoutingKey)

	setString(&c.SQSQueueURL, t.Events.SQSQueueURL)
	setString(&c.PushgatewayURL, t.Metrics.PushgatewayURL)

	setString(&c.LogLevel, t.Logging.Level)
	setString(&c.LogFormat, t.Logging.Format)

	if t.API.Enabled {
		c.APIEnabled = true
	}
	if t.API.Port != 0 {
		c.APIPort = t.API.Port
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Role {
	case RoleControlPlane, RoleWorker, RoleBoth:
	default:
		result = multierror.Append(result, fmt.Errorf("role must be one of: %s, %s, %s", RoleControlPlane, RoleWorker, RoleBoth))
	}

	if c.ResumeMarker != "" && c.Role == RoleBoth {
		result = multierror.Append(result, errors.New("resume requires an explicit role of control-plane or worker"))
	}

	if c.RoleLabelKey == "" {
		result = multierror.Append(result, errors.New("role_label_key cannot be empty"))
	}
	if c.MarkerLabelKey == "" {
		result = multierror.Append(result, errors.New("marker_label_key cannot be empty"))
	}
	if c.ControlPlaneLabelValue == "" || c.WorkerLabelValue == "" {
		result = multierror.Append(result, errors.New("role label values cannot be empty"))
	}
	if c.ControlPlaneLabelValue != "" && c.ControlPlaneLabelValue == c.WorkerLabelValue {
		result = multierror.Append(result, errors.New("control-plane and worker label values must differ"))
	}

	switch c.InstanceLookup {
	case LookupPrivateDNSName, LookupPrivateIP:
	default:
		result = multierror.Append(result, fmt.Errorf("instance_lookup must be %s or %s", LookupPrivateDNSName, LookupPrivateIP))
	}

	if c.DrainTimeout <= 0 {
		result = multierror.Append(result, errors.New("drain_timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		result = multierror.Append(result, errors.New("poll_interval must be positive"))
	}
	if c.SettleDelay < 0 {
		result = multierror.Append(result, errors.New("settle_delay must be non-negative"))
	}
	if c.RetryAttempts < 1 {
		result = multierror.Append(result, errors.New("retry_attempts must be at least 1"))
	}
	if c.RetryDelay < 0 {
		result = multierror.Append(result, errors.New("retry_delay must be non-negative"))
	}
	if c.KubeQPS < 0 || c.KubeBurst < 0 || c.AWSAPIQPS < 0 {
		result = multierror.Append(result, errors.New("rate limits must be non-negative"))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		result = multierror.Append(result, fmt.Errorf("log level must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	if c.APIEnabled && (c.APIPort <= 0 || c.APIPort > 65535) {
		result = multierror.Append(result, errors.New("api port must be between 1 and 65535 when API is enabled"))
	}

	return result.ErrorOrNil()
}

// Roles expands the configured role into the ordered list of roles to rotate.
// Control-plane nodes always go first.
func (c *Config) Roles() []string {
	if c.Role == RoleBoth {
		return []string{RoleControlPlane, RoleWorker}
	}
	return []string{c.Role}
}

// RoleLabelValue maps a role name to the node label value identifying it
func (c *Config) RoleLabelValue(role string) (string, bool) {
	switch role {
	case RoleControlPlane:
		return c.ControlPlaneLabelValue, true
	case RoleWorker:
		return c.WorkerLabelValue, true
	}
	return "", false
}

// IsResume reports whether the run continues an interrupted rotation
func (c *Config) IsResume() bool {
	return c.ResumeMarker != ""
}
