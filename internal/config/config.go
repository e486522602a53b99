package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Backend failover policies accepted for BACKEND_MODE.
const (
	ModeProviderOnly      = "provider_only"
	ModeLocalOnly         = "local_only"
	ModeProviderThenLocal = "provider_then_local"
	ModeLocalThenProvider = "local_then_provider"
)

type Config struct {
	Server struct {
		Port            string
		LogLevel        string
		OriginAllowlist []string
	}
	Auth struct {
		TokenSecret   string
		TokenSkewSecs int
	}
	Backend struct {
		Mode                 string
		FallbackTriggerMs    int
		FallbackErrorBurst   int
		FallbackErrorWindowS int
		FallbackCooldownS    int
		AllowExternal        bool
		ProviderURL          string
		ProviderToken        string
	}
	Bandit struct {
		StatePath           string
		BlacklistMinSamples int
		BlacklistMinReward  float64
	}
	Deploy struct {
		StatePath             string
		TrafficSplitNew       float64
		TrafficSplitUncertain float64
		CatalogPath           string
	}
	Gateway struct {
		RateLimitMsgsPerSec  int
		RateLimitBytesPerSec int
		RateLimitConnPerMin  int
		MaxFrameBytes        int
	}
	Feedback struct {
		StorePath     string
		RetentionDays int
		PhoneHashSalt string
	}
	Record struct {
		Enabled        bool
		Path           string
		RetentionHours int
		EgressOptIn    bool
	}
	Cost struct {
		LogDir         string
		PriceSTTPerMin float64
		PriceLLMPerMin float64
		PriceTTSPerMin float64
	}
	Reward struct {
		OptimalDurationSec float64
	}
}

// recognizedKeys is the contractual env surface. Anything that carries one of
// our prefixes but is not in this set gets a startup warning so typos are not
// silently ignored.
var recognizedKeys = map[string]bool{
	"PORT": true, "LOG_LEVEL": true,
	"WS_GATEWAY_ORIGIN_ALLOWLIST": true,
	"TOKEN_SECRET":                true,
	"TOKEN_SKEW_SECS":             true,
	"BACKEND_MODE":                true,
	"FALLBACK_TRIGGER_MS":         true,
	"FALLBACK_ERROR_BURST":        true,
	"FALLBACK_ERROR_WINDOW_S":     true,
	"FALLBACK_COOLDOWN_SEC":       true,
	"ALLOW_EXTERNAL_BACKEND":      true,
	"PROVIDER_WS_URL":             true,
	"PROVIDER_TOKEN":              true,
	"BANDIT_STATE_PATH":           true,
	"BLACKLIST_MIN_SAMPLES":       true,
	"BLACKLIST_MIN_REWARD":        true,
	"DEPLOY_STATE_PATH":           true,
	"TRAFFIC_SPLIT_NEW":           true,
	"TRAFFIC_SPLIT_UNCERTAIN":     true,
	"POLICY_CATALOG_PATH":         true,
	"RATE_LIMIT_MSGS_PER_SEC":     true,
	"RATE_LIMIT_BYTES_PER_SEC":    true,
	"RATE_LIMIT_CONN_PER_MIN":     true,
	"MAX_FRAME_BYTES":             true,
	"FEEDBACK_STORE_PATH":         true,
	"FEEDBACK_RETENTION_DAYS":     true,
	"PHONE_HASH_SALT":             true,
	"RECORD_AUDIO":                true,
	"RECORD_PATH":                 true,
	"RECORD_RETENTION_HOURS":      true,
	"RECORD_WITH_EGRESS_OPT_IN":   true,
	"COST_LOG_DIR":                true,
	"PRICE_STT_PER_MIN":           true,
	"PRICE_LLM_PER_MIN":           true,
	"PRICE_TTS_PER_MIN":           true,
	"OPTIMAL_DURATION_SEC":        true,
}

var ownPrefixes = []string{
	"FALLBACK_", "BANDIT_", "DEPLOY_", "TRAFFIC_SPLIT_", "BLACKLIST_",
	"RATE_LIMIT_", "RECORD_", "FEEDBACK_", "PRICE_", "POLICY_", "BACKEND_",
	"PROVIDER_",
}

func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("auth.token_skew_secs", 30)

	v.SetDefault("backend.mode", ModeProviderThenLocal)
	v.SetDefault("backend.fallback_trigger_ms", 800)
	v.SetDefault("backend.fallback_error_burst", 3)
	v.SetDefault("backend.fallback_error_window_s", 60)
	v.SetDefault("backend.fallback_cooldown_sec", 600)
	v.SetDefault("backend.allow_external", false)

	v.SetDefault("bandit.state_path", "data/rl/bandit_state.json")
	v.SetDefault("bandit.blacklist_min_samples", 20)
	v.SetDefault("bandit.blacklist_min_reward", -0.2)

	v.SetDefault("deploy.state_path", "data/rl/deploy_state.json")
	v.SetDefault("deploy.traffic_split_new", 0.10)
	v.SetDefault("deploy.traffic_split_uncertain", 0.05)
	v.SetDefault("deploy.catalog_path", "config/policy_catalog.yaml")

	v.SetDefault("gateway.rate_limit_msgs_per_sec", 120)
	v.SetDefault("gateway.rate_limit_bytes_per_sec", 256*1024)
	v.SetDefault("gateway.rate_limit_conn_per_min", 30)
	v.SetDefault("gateway.max_frame_bytes", 64*1024)

	v.SetDefault("feedback.store_path", "data/rl/feedback.jsonl")
	v.SetDefault("feedback.retention_days", 90)

	v.SetDefault("record.enabled", false)
	v.SetDefault("record.path", "data/recordings")
	v.SetDefault("record.retention_hours", 24)
	v.SetDefault("record.egress_opt_in", false)

	v.SetDefault("cost.log_dir", "data/cost_logs")
	v.SetDefault("cost.price_stt_per_min", 0.030)
	v.SetDefault("cost.price_llm_per_min", 0.040)
	v.SetDefault("cost.price_tts_per_min", 0.010)

	v.SetDefault("reward.optimal_duration_sec", 180.0)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.origin_allowlist", "WS_GATEWAY_ORIGIN_ALLOWLIST")
	v.BindEnv("auth.token_secret", "TOKEN_SECRET")
	v.BindEnv("auth.token_skew_secs", "TOKEN_SKEW_SECS")

	v.BindEnv("backend.mode", "BACKEND_MODE")
	v.BindEnv("backend.fallback_trigger_ms", "FALLBACK_TRIGGER_MS")
	v.BindEnv("backend.fallback_error_burst", "FALLBACK_ERROR_BURST")
	v.BindEnv("backend.fallback_error_window_s", "FALLBACK_ERROR_WINDOW_S")
	v.BindEnv("backend.fallback_cooldown_sec", "FALLBACK_COOLDOWN_SEC")
	v.BindEnv("backend.allow_external", "ALLOW_EXTERNAL_BACKEND")
	v.BindEnv("backend.provider_url", "PROVIDER_WS_URL")
	v.BindEnv("backend.provider_token", "PROVIDER_TOKEN")

	v.BindEnv("bandit.state_path", "BANDIT_STATE_PATH")
	v.BindEnv("bandit.blacklist_min_samples", "BLACKLIST_MIN_SAMPLES")
	v.BindEnv("bandit.blacklist_min_reward", "BLACKLIST_MIN_REWARD")

	v.BindEnv("deploy.state_path", "DEPLOY_STATE_PATH")
	v.BindEnv("deploy.traffic_split_new", "TRAFFIC_SPLIT_NEW")
	v.BindEnv("deploy.traffic_split_uncertain", "TRAFFIC_SPLIT_UNCERTAIN")
	v.BindEnv("deploy.catalog_path", "POLICY_CATALOG_PATH")

	v.BindEnv("gateway.rate_limit_msgs_per_sec", "RATE_LIMIT_MSGS_PER_SEC")
	v.BindEnv("gateway.rate_limit_bytes_per_sec", "RATE_LIMIT_BYTES_PER_SEC")
	v.BindEnv("gateway.rate_limit_conn_per_min", "RATE_LIMIT_CONN_PER_MIN")
	v.BindEnv("gateway.max_frame_bytes", "MAX_FRAME_BYTES")

	v.BindEnv("feedback.store_path", "FEEDBACK_STORE_PATH")
	v.BindEnv("feedback.retention_days", "FEEDBACK_RETENTION_DAYS")
	v.BindEnv("feedback.phone_hash_salt", "PHONE_HASH_SALT")

	v.BindEnv("record.enabled", "RECORD_AUDIO")
	v.BindEnv("record.path", "RECORD_PATH")
	v.BindEnv("record.retention_hours", "RECORD_RETENTION_HOURS")
	v.BindEnv("record.egress_opt_in", "RECORD_WITH_EGRESS_OPT_IN")

	v.BindEnv("cost.log_dir", "COST_LOG_DIR")
	v.BindEnv("cost.price_stt_per_min", "PRICE_STT_PER_MIN")
	v.BindEnv("cost.price_llm_per_min", "PRICE_LLM_PER_MIN")
	v.BindEnv("cost.price_tts_per_min", "PRICE_TTS_PER_MIN")

	v.BindEnv("reward.optimal_duration_sec", "OPTIMAL_DURATION_SEC")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.OriginAllowlist = splitList(v.GetString("server.origin_allowlist"))
	c.Auth.TokenSecret = v.GetString("auth.token_secret")
	c.Auth.TokenSkewSecs = v.GetInt("auth.token_skew_secs")

	c.Backend.Mode = v.GetString("backend.mode")
	c.Backend.FallbackTriggerMs = v.GetInt("backend.fallback_trigger_ms")
	c.Backend.FallbackErrorBurst = v.GetInt("backend.fallback_error_burst")
	c.Backend.FallbackErrorWindowS = v.GetInt("backend.fallback_error_window_s")
	c.Backend.FallbackCooldownS = v.GetInt("backend.fallback_cooldown_sec")
	c.Backend.AllowExternal = v.GetBool("backend.allow_external")
	c.Backend.ProviderURL = v.GetString("backend.provider_url")
	c.Backend.ProviderToken = v.GetString("backend.provider_token")

	c.Bandit.StatePath = v.GetString("bandit.state_path")
	c.Bandit.BlacklistMinSamples = v.GetInt("bandit.blacklist_min_samples")
	c.Bandit.BlacklistMinReward = v.GetFloat64("bandit.blacklist_min_reward")

	c.Deploy.StatePath = v.GetString("deploy.state_path")
	c.Deploy.TrafficSplitNew = v.GetFloat64("deploy.traffic_split_new")
	c.Deploy.TrafficSplitUncertain = v.GetFloat64("deploy.traffic_split_uncertain")
	c.Deploy.CatalogPath = v.GetString("deploy.catalog_path")

	c.Gateway.RateLimitMsgsPerSec = v.GetInt("gateway.rate_limit_msgs_per_sec")
	c.Gateway.RateLimitBytesPerSec = v.GetInt("gateway.rate_limit_bytes_per_sec")
	c.Gateway.RateLimitConnPerMin = v.GetInt("gateway.rate_limit_conn_per_min")
	c.Gateway.MaxFrameBytes = v.GetInt("gateway.max_frame_bytes")

	c.Feedback.StorePath = v.GetString("feedback.store_path")
	c.Feedback.RetentionDays = v.GetInt("feedback.retention_days")
	c.Feedback.PhoneHashSalt = v.GetString("feedback.phone_hash_salt")

	c.Record.Enabled = v.GetBool("record.enabled")
	c.Record.Path = v.GetString("record.path")
	c.Record.RetentionHours = v.GetInt("record.retention_hours")
	c.Record.EgressOptIn = v.GetBool("record.egress_opt_in")

	c.Cost.LogDir = v.GetString("cost.log_dir")
	c.Cost.PriceSTTPerMin = v.GetFloat64("cost.price_stt_per_min")
	c.Cost.PriceLLMPerMin = v.GetFloat64("cost.price_llm_per_min")
	c.Cost.PriceTTSPerMin = v.GetFloat64("cost.price_tts_per_min")

	c.Reward.OptimalDurationSec = v.GetFloat64("reward.optimal_duration_sec")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	warnUnknownKeys(os.Environ())

	log.Printf("[config] loaded: port=%s backend_mode=%s record_audio=%v", c.Server.Port, c.Backend.Mode, c.Record.Enabled)
	return c, nil
}

func (c Config) Validate() error {
	switch c.Backend.Mode {
	case ModeProviderOnly, ModeLocalOnly, ModeProviderThenLocal, ModeLocalThenProvider:
	default:
		return fmt.Errorf("BACKEND_MODE %q: must be one of provider_only, local_only, provider_then_local, local_then_provider", c.Backend.Mode)
	}
	if c.Deploy.TrafficSplitNew < 0 || c.Deploy.TrafficSplitNew > 1 {
		return fmt.Errorf("TRAFFIC_SPLIT_NEW %v: must be in [0,1]", c.Deploy.TrafficSplitNew)
	}
	if c.Deploy.TrafficSplitUncertain < 0 || c.Deploy.TrafficSplitUncertain > 1 {
		return fmt.Errorf("TRAFFIC_SPLIT_UNCERTAIN %v: must be in [0,1]", c.Deploy.TrafficSplitUncertain)
	}
	if c.Backend.FallbackTriggerMs <= 0 {
		return fmt.Errorf("FALLBACK_TRIGGER_MS must be positive")
	}
	if c.Backend.FallbackErrorBurst <= 0 {
		return fmt.Errorf("FALLBACK_ERROR_BURST must be positive")
	}
	if c.Backend.FallbackErrorWindowS <= 0 {
		return fmt.Errorf("FALLBACK_ERROR_WINDOW_S must be positive")
	}
	if c.Gateway.RateLimitMsgsPerSec <= 0 {
		return fmt.Errorf("RATE_LIMIT_MSGS_PER_SEC must be positive")
	}
	if c.Gateway.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be positive")
	}
	if c.Bandit.BlacklistMinSamples < 1 {
		return fmt.Errorf("BLACKLIST_MIN_SAMPLES must be >= 1")
	}
	if c.Record.RetentionHours <= 0 {
		return fmt.Errorf("RECORD_RETENTION_HOURS must be positive")
	}
	if c.Reward.OptimalDurationSec <= 0 {
		return fmt.Errorf("OPTIMAL_DURATION_SEC must be positive")
	}
	return nil
}

// warnUnknownKeys logs any env var that carries one of our prefixes but is
// not a recognized key, so a typo like FALLBACK_TRIGER_MS shows up at boot.
func warnUnknownKeys(environ []string) {
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || recognizedKeys[name] {
			continue
		}
		for _, p := range ownPrefixes {
			if strings.HasPrefix(name, p) {
				log.Printf("[config] unrecognized key %s (typo?)", name)
				break
			}
		}
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toString(v any) string { return fmt.Sprint(v) }
