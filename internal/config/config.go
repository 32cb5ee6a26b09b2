package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/compaction"
	"github.com/haasonsaas/nexus/internal/hooks"
	"github.com/haasonsaas/nexus/internal/nodes"
	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/secrets"
	"github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the agentd runtime.
type Config struct {
	Agent      AgentConfig               `yaml:"agent"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Failover   FailoverConfig            `yaml:"failover"`
	Tools      ToolsConfig               `yaml:"tools"`
	Hooks      HooksConfig               `yaml:"hooks"`
	Nodes      NodesConfig               `yaml:"nodes"`
	Alerts     AlertsConfig              `yaml:"alerts"`
	Secrets    SecretsConfig             `yaml:"secrets"`
	RateLimit  RateLimitConfig           `yaml:"rate_limit"`
	Compliance ComplianceConfig          `yaml:"compliance"`
	Usage      UsageConfig               `yaml:"usage"`
	Cron       CronConfig                `yaml:"cron"`
	Logging    LoggingConfig             `yaml:"logging"`
	Tracing    TracingConfig             `yaml:"tracing"`
}

// IdentityConfig names the agent persona surfaced in its static system
// prompt.
type IdentityConfig struct {
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
}

// AgentConfig configures the agent loop, dialog loop, and compaction
// behavior (SPEC_FULL.md §4.0-§4.2).
type AgentConfig struct {
	Identity         IdentityConfig   `yaml:"identity"`
	Workspace        string           `yaml:"workspace"`
	BootstrapFiles   []string         `yaml:"bootstrap_files"`
	DefaultModel     string           `yaml:"default_model"`
	MaxIterations    int              `yaml:"max_iterations"`
	MaxTokens        int              `yaml:"max_tokens"`
	StreamEvents     bool             `yaml:"stream_events"`
	RunTimeoutSecs   int              `yaml:"run_timeout_secs"`
	IdleResetMinutes int              `yaml:"idle_reset_minutes"`
	ApprovalTimeoutS int              `yaml:"approval_timeout_s"`
	NoReplyToken     string           `yaml:"no_reply_token"`
	Queue            models.QueueConfig `yaml:"queue"`
	Approval         agent.ToolApprovalConfig `yaml:"approval"`
	Compaction       CompactionConfig `yaml:"compaction"`
	SessionsDir      string           `yaml:"sessions_dir"`
	RunHistoryDir    string           `yaml:"run_history_dir"`
	MaxRunHistory    int              `yaml:"max_run_history"`
}

// CompactionConfig mirrors compaction.SummarizationConfig with yaml tags.
type CompactionConfig struct {
	ReserveTokens       int    `yaml:"reserve_tokens"`
	MaxChunkTokens      int    `yaml:"max_chunk_tokens"`
	ContextWindow       int    `yaml:"context_window"`
	CustomInstructions  string `yaml:"custom_instructions"`
	Parts               int    `yaml:"parts"`
	MinMessagesForSplit int    `yaml:"min_messages_for_split"`
}

// Build converts c into a compaction.SummarizationConfig, using model as
// the summarizer model when set.
func (c CompactionConfig) Build(model string) *compaction.SummarizationConfig {
	cfg := compaction.DefaultSummarizationConfig()
	cfg.Model = model
	if c.ReserveTokens > 0 {
		cfg.ReserveTokens = c.ReserveTokens
	}
	if c.MaxChunkTokens > 0 {
		cfg.MaxChunkTokens = c.MaxChunkTokens
	}
	if c.ContextWindow > 0 {
		cfg.ContextWindow = c.ContextWindow
	}
	if c.CustomInstructions != "" {
		cfg.CustomInstructions = c.CustomInstructions
	}
	if c.Parts > 0 {
		cfg.Parts = c.Parts
	}
	if c.MinMessagesForSplit > 0 {
		cfg.MinMessagesForSplit = c.MinMessagesForSplit
	}
	return cfg
}

// ProviderConfig configures one named LLM provider candidate. Kind
// selects which concrete provider package builds it; unused fields for a
// given kind are ignored.
type ProviderConfig struct {
	Kind            string `yaml:"kind"`
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	DefaultModel    string `yaml:"default_model"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// FailoverConfig mirrors providers.FailoverPolicy/CircuitBreakerConfig
// with yaml tags, plus the ordered candidate chain to try.
type FailoverConfig struct {
	Chain            []string               `yaml:"chain"`
	DefaultModel     string                 `yaml:"default_model"`
	Default          RetryPolicyConfig       `yaml:"default"`
	ProviderOverride map[string]RetryPolicyConfig `yaml:"provider_override"`
	ModelOverride    map[string]RetryPolicyConfig `yaml:"model_override"`
	Breaker          CircuitBreakerConfigYAML     `yaml:"breaker"`
}

type RetryPolicyConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms"`
}

type CircuitBreakerConfigYAML struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
	MaxOpenDuration  time.Duration `yaml:"max_open_duration"`
}

// BuildPolicy converts f into a providers.FailoverPolicy.
func (f FailoverConfig) BuildPolicy() providers.FailoverPolicy {
	policy := providers.DefaultFailoverPolicy()
	if f.Default.MaxAttempts > 0 || f.Default.BaseBackoffMs > 0 || f.Default.MaxBackoffMs > 0 {
		policy.Default = providers.RetryPolicy(f.Default)
	}
	if len(f.ProviderOverride) > 0 {
		policy.ProviderOverride = map[string]providers.RetryPolicy{}
		for k, v := range f.ProviderOverride {
			policy.ProviderOverride[k] = providers.RetryPolicy(v)
		}
	}
	if len(f.ModelOverride) > 0 {
		policy.ModelOverride = map[string]providers.RetryPolicy{}
		for k, v := range f.ModelOverride {
			policy.ModelOverride[k] = providers.RetryPolicy(v)
		}
	}
	return policy
}

// BuildBreaker converts f.Breaker into a providers.CircuitBreakerConfig.
func (f FailoverConfig) BuildBreaker() providers.CircuitBreakerConfig {
	cfg := providers.DefaultCircuitBreakerConfig()
	if f.Breaker.FailureThreshold > 0 {
		cfg.FailureThreshold = f.Breaker.FailureThreshold
	}
	if f.Breaker.OpenDuration > 0 {
		cfg.OpenDuration = f.Breaker.OpenDuration
	}
	if f.Breaker.MaxOpenDuration > 0 {
		cfg.MaxOpenDuration = f.Breaker.MaxOpenDuration
	}
	return cfg
}

// ToolsConfig configures tool execution: the sandbox that the exec tool
// routes host commands through, and async job retention.
type ToolsConfig struct {
	Sandbox SandboxConfig  `yaml:"sandbox"`
	Jobs    ToolJobsConfig `yaml:"jobs"`
}

type ToolJobsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// SandboxConfig mirrors exec.DockerSandboxConfig with yaml tags.
type SandboxConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Mode            string        `yaml:"mode"` // off | non_main | all
	Image           string        `yaml:"image"`
	Scope           string        `yaml:"scope"` // shared | agent | session
	WorkspaceAccess string        `yaml:"workspace_access"` // none | ro | rw
	CPUSeconds      int           `yaml:"cpu_seconds"`
	MemoryMB        int           `yaml:"memory_mb"`
	FileSizeMB      int           `yaml:"file_size_mb"`
	MaxProcesses    int           `yaml:"max_processes"`
	PruneIdle       time.Duration `yaml:"prune_idle"`
	PruneMaxAge     time.Duration `yaml:"prune_max_age"`
}

// BuildMode returns the exec.SandboxMode s configures, defaulting to off.
func (s SandboxConfig) BuildMode() exec.SandboxMode {
	switch exec.SandboxMode(s.Mode) {
	case exec.SandboxNonMain:
		return exec.SandboxNonMain
	case exec.SandboxAll:
		return exec.SandboxAll
	default:
		return exec.SandboxOff
	}
}

// Build converts s into an exec.DockerSandboxConfig.
func (s SandboxConfig) Build() exec.DockerSandboxConfig {
	limits := exec.DefaultResourceLimits()
	if s.CPUSeconds > 0 {
		limits.CPUSeconds = s.CPUSeconds
	}
	if s.MemoryMB > 0 {
		limits.MemoryMB = s.MemoryMB
	}
	if s.FileSizeMB > 0 {
		limits.FileSizeMB = s.FileSizeMB
	}
	if s.MaxProcesses > 0 {
		limits.MaxProcesses = s.MaxProcesses
	}
	scope := exec.SandboxScope(s.Scope)
	if scope == "" {
		scope = exec.ScopeAgent
	}
	access := exec.WorkspaceAccess(s.WorkspaceAccess)
	if access == "" {
		access = exec.WorkspaceAccessRW
	}
	return exec.DockerSandboxConfig{
		Image:           s.Image,
		Scope:           scope,
		WorkspaceAccess: access,
		ResourceLimits:  limits,
		PruneIdle:       s.PruneIdle,
		PruneMaxAge:     s.PruneMaxAge,
	}
}

// HooksConfig mirrors hooks.Config (the shell-hook runner) with yaml tags.
type HooksConfig struct {
	Enabled              bool          `yaml:"enabled"`
	HooksDir             string        `yaml:"hooks_dir"`
	ConfigFile           string        `yaml:"config_file"`
	Timeout              time.Duration `yaml:"timeout"`
	SafeMode             bool          `yaml:"safe_mode"`
	AllowCommandPrefixes []string      `yaml:"allow_command_prefixes"`
	DenyCommandPatterns  []string      `yaml:"deny_command_patterns"`
}

// Build converts h into an hooks.Config rooted at workspace.
func (h HooksConfig) Build(workspace string) hooks.Config {
	return hooks.Config{
		Workspace:            workspace,
		Enabled:              h.Enabled,
		HooksDir:             h.HooksDir,
		ConfigFile:           h.ConfigFile,
		Timeout:              h.Timeout,
		SafeMode:             h.SafeMode,
		AllowCommandPrefixes: h.AllowCommandPrefixes,
		DenyCommandPatterns:  h.DenyCommandPatterns,
	}
}

// NodesConfig mirrors nodes.Config with yaml tags. Enabled gates whether
// agentd registers a distributed-node manager at all; a single-node
// deployment leaves this off.
type NodesConfig struct {
	Enabled           bool     `yaml:"enabled"`
	StorePath         string   `yaml:"store_path"`
	LocalNodeID       string   `yaml:"local_node_id"`
	PeerAllowlist     []string `yaml:"peer_allowlist"`
	HeartbeatTimeoutS int      `yaml:"heartbeat_timeout_s"`
	MaxTasks          int      `yaml:"max_tasks"`
}

func (n NodesConfig) Build() nodes.Config {
	return nodes.Config{
		StorePath:         n.StorePath,
		LocalNodeID:       n.LocalNodeID,
		PeerAllowlist:     n.PeerAllowlist,
		HeartbeatTimeoutS: n.HeartbeatTimeoutS,
		MaxTasks:          n.MaxTasks,
	}
}

// AlertsConfig mirrors alerts.Config with yaml tags.
type AlertsConfig struct {
	Enabled             bool          `yaml:"enabled"`
	DedupWindow         time.Duration `yaml:"dedup_window"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	CancelRateThreshold int           `yaml:"cancel_rate_threshold"`
	SinkPath            string        `yaml:"sink_path"`
}

// SecretsConfig mirrors secrets.Config with yaml tags.
type SecretsConfig struct {
	Namespace string `yaml:"namespace"`
	Backend   string `yaml:"backend"`
	Home      string `yaml:"home"`
}

func (s SecretsConfig) Build() secrets.Config {
	return secrets.Config{Namespace: s.Namespace, Backend: s.Backend, Home: s.Home}
}

// RateLimitConfig mirrors ratelimit.Config with yaml tags.
type RateLimitConfig struct {
	MessagesPerMinute  int    `yaml:"messages_per_minute"`
	ToolCallsPerMinute int    `yaml:"tool_calls_per_minute"`
	StorePath          string `yaml:"store_path"`
}

func (r RateLimitConfig) Build() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if r.MessagesPerMinute > 0 {
		cfg.MessagesPerMinute = r.MessagesPerMinute
	}
	if r.ToolCallsPerMinute > 0 {
		cfg.ToolCallsPerMinute = r.ToolCallsPerMinute
	}
	cfg.StorePath = r.StorePath
	return cfg
}

// ComplianceConfig mirrors compliance.Config with yaml tags.
type ComplianceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	SessionRetention time.Duration `yaml:"session_retention"`
	ExportDir        string        `yaml:"export_dir"`
	KnownSecretKeys  []string      `yaml:"known_secret_keys"`
	SweepCron        string        `yaml:"sweep_cron"`
}

// UsageConfig mirrors usage.LedgerConfig with yaml tags.
type UsageConfig struct {
	Path   string        `yaml:"path"`
	Window time.Duration `yaml:"window"`
}

func (u UsageConfig) Build() usage.LedgerConfig {
	return usage.LedgerConfig{Path: u.Path, Window: u.Window}
}

// CronConfig configures scheduled jobs (internal/cron).
type CronConfig struct {
	Enabled bool            `yaml:"enabled"`
	Jobs    []CronJobConfig `yaml:"jobs"`
}

type CronJobConfig struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Type     string             `yaml:"type"`
	Enabled  bool               `yaml:"enabled"`
	Schedule CronScheduleConfig `yaml:"schedule"`
	Message  *CronMessageConfig `yaml:"message,omitempty"`
	Webhook  *CronWebhookConfig `yaml:"webhook,omitempty"`
	Custom   *CronCustomConfig  `yaml:"custom,omitempty"`
	Retry    CronRetryConfig    `yaml:"retry"`
}

type CronScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	At       string        `yaml:"at"`
	Timezone string        `yaml:"timezone"`
}

type CronMessageConfig struct {
	Channel   string `yaml:"channel"`
	ChannelID string `yaml:"channel_id"`
	Content   string `yaml:"content"`
}

type CronWebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	Timeout time.Duration     `yaml:"timeout"`
	Auth    *CronWebhookAuth  `yaml:"auth,omitempty"`
}

// CronWebhookAuth authenticates an outbound cron webhook call.
type CronWebhookAuth struct {
	Type   string `yaml:"type"` // bearer, basic, header
	Token  string `yaml:"token,omitempty"`
	User   string `yaml:"user,omitempty"`
	Pass   string `yaml:"pass,omitempty"`
	Header string `yaml:"header,omitempty"`
}

// CronCustomConfig names an in-process job handler registered by the
// entrypoint, plus the arguments passed to it at fire time.
type CronCustomConfig struct {
	Handler string         `yaml:"handler"`
	Args    map[string]any `yaml:"args,omitempty"`
}

type CronRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LoggingConfig configures the structured logger (internal/observability).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig mirrors observability.TraceConfig with yaml tags. An
// empty Endpoint leaves tracing a no-op (spans are created but never
// exported).
type TracingConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Environment    string            `yaml:"environment"`
	Attributes     map[string]string `yaml:"attributes"`
	EnableInsecure bool              `yaml:"enable_insecure"`
}

// Load reads and parses the configuration file at path, applying
// environment-variable expansion, defaults, and validation.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader parses cfg from r without $include resolution; useful for
// tests and embedded defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = "."
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.RunTimeoutSecs == 0 {
		cfg.Agent.RunTimeoutSecs = 120
	}
	if cfg.Agent.ApprovalTimeoutS == 0 {
		cfg.Agent.ApprovalTimeoutS = 60
	}
	if cfg.Agent.NoReplyToken == "" {
		cfg.Agent.NoReplyToken = agent.DefaultNoReplyToken
	}
	if cfg.Agent.SessionsDir == "" {
		cfg.Agent.SessionsDir = "sessions"
	}
	if cfg.Agent.RunHistoryDir == "" {
		cfg.Agent.RunHistoryDir = "run_history"
	}
	if cfg.Agent.MaxRunHistory == 0 {
		cfg.Agent.MaxRunHistory = 1000
	}
	if cfg.Agent.Queue.Mode == "" {
		cfg.Agent.Queue = models.DefaultQueueConfig()
	}
	if cfg.Agent.Approval == (agent.ToolApprovalConfig{}) {
		cfg.Agent.Approval = agent.DefaultToolApprovalConfig()
	}
	if cfg.Failover.DefaultModel == "" && cfg.Agent.DefaultModel != "" {
		cfg.Failover.DefaultModel = cfg.Agent.DefaultModel
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tools.Jobs.Retention == 0 {
		cfg.Tools.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Tools.Jobs.PruneInterval == 0 {
		cfg.Tools.Jobs.PruneInterval = time.Hour
	}
	if cfg.Alerts.DedupWindow == 0 {
		cfg.Alerts.DedupWindow = 10 * time.Minute
	}
	if cfg.Alerts.PollInterval == 0 {
		cfg.Alerts.PollInterval = 30 * time.Second
	}
	if cfg.Alerts.CancelRateThreshold == 0 {
		cfg.Alerts.CancelRateThreshold = 5
	}
	if cfg.Compliance.SessionRetention == 0 {
		cfg.Compliance.SessionRetention = 30 * 24 * time.Hour
	}
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var issues []string

	if cfg.Agent.MaxIterations < 0 {
		issues = append(issues, "agent.max_iterations must be >= 0")
	}
	if cfg.Agent.RunTimeoutSecs < 0 {
		issues = append(issues, "agent.run_timeout_secs must be >= 0")
	}
	switch cfg.Agent.Queue.Mode {
	case "", models.QueueModeQueue, models.QueueModeSteer, models.QueueModeSteerBacklog, models.QueueModeCollect, models.QueueModeFollowup:
	default:
		issues = append(issues, fmt.Sprintf("agent.queue.mode %q is not a recognized queue mode", cfg.Agent.Queue.Mode))
	}
	if len(cfg.Providers) == 0 {
		issues = append(issues, "providers must configure at least one LLM candidate")
	}
	for name, p := range cfg.Providers {
		if strings.TrimSpace(p.Kind) == "" {
			issues = append(issues, fmt.Sprintf("providers.%s.kind is required", name))
		}
	}
	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
			}
			if strings.TrimSpace(job.Type) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].type is required", i))
			}
			if strings.TrimSpace(job.Schedule.Cron) == "" && job.Schedule.Every == 0 && strings.TrimSpace(job.Schedule.At) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
			}
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
