// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	LLM     LLMConfig
	Runtime RuntimeConfig
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string
	Model       string
	MaxTokens   uint32
	Temperature float64
}

// RuntimeConfig holds the skill runtime's resource-governance parameters.
// All ceilings are estimates over serialized payload sizes, not true
// tokenizer counts.
type RuntimeConfig struct {
	// StepWarnTokens is the per-step input size that triggers a logged
	// warning without blocking execution.
	StepWarnTokens int
	// StepMaxTokens is the per-step input hard ceiling; steps over it are
	// rejected before execution.
	StepMaxTokens int
	// RunSoftTokens is the run-level soft target; exceeding it flags the
	// run but never blocks it.
	RunSoftTokens int
	// ClassifyItemCeiling bounds how many items a classify step may pass
	// to the classification provider.
	ClassifyItemCeiling int
	// OutputSizeCap bounds a compute step's serialized output in bytes.
	OutputSizeCap int
	// ReasonFanOutLimit bounds array items fed directly from a compute
	// output into a reason step's context.
	ReasonFanOutLimit int
	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration
	// CollaboratorRetries bounds retry attempts for recoverable
	// collaborator errors.
	CollaboratorRetries int
}

// MaxClassifyItemCeiling is the hard upper bound a skill definition may
// declare for a classify step's item ceiling.
const MaxClassifyItemCeiling = 30

// DefaultRuntimeConfig returns the default runtime governance settings.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		StepWarnTokens:      8000,
		StepMaxTokens:       20000,
		RunSoftTokens:       12000,
		ClassifyItemCeiling: MaxClassifyItemCeiling,
		OutputSizeCap:       8 * 1024,
		ReasonFanOutLimit:   10,
		ToolTimeout:         30 * time.Second,
		CollaboratorRetries: 3,
	}
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// New creates settings for the specified provider, loading values from
// environment variables. Returns an error if the provider is unknown or
// environment variables contain invalid values.
func New(provider string) (Settings, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", 4096)
	if err != nil {
		return Settings{}, err
	}

	temperature, err := getEnvFloat64("LLM_TEMPERATURE", 0.2)
	if err != nil {
		return Settings{}, err
	}

	runtime, err := runtimeFromEnv()
	if err != nil {
		return Settings{}, err
	}

	// Get model from environment or use default
	model := os.Getenv(info.modelEnv)
	if model == "" {
		model = info.defaultModel
	}

	return Settings{
		LLM: LLMConfig{
			Provider:    provider,
			Model:       model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		Runtime: runtime,
	}, nil
}

// runtimeFromEnv reads runtime governance settings, falling back to
// defaults.
func runtimeFromEnv() (RuntimeConfig, error) {
	defaults := DefaultRuntimeConfig()

	stepWarn, err := getEnvInt("RUN_STEP_WARN_TOKENS", defaults.StepWarnTokens)
	if err != nil {
		return RuntimeConfig{}, err
	}
	stepMax, err := getEnvInt("RUN_STEP_MAX_TOKENS", defaults.StepMaxTokens)
	if err != nil {
		return RuntimeConfig{}, err
	}
	runSoft, err := getEnvInt("RUN_SOFT_TOKENS", defaults.RunSoftTokens)
	if err != nil {
		return RuntimeConfig{}, err
	}
	itemCeiling, err := getEnvInt("CLASSIFY_ITEM_CEILING", defaults.ClassifyItemCeiling)
	if err != nil {
		return RuntimeConfig{}, err
	}
	if itemCeiling > MaxClassifyItemCeiling {
		return RuntimeConfig{}, fmt.Errorf("CLASSIFY_ITEM_CEILING %d exceeds maximum %d", itemCeiling, MaxClassifyItemCeiling)
	}
	outputCap, err := getEnvInt("COMPUTE_OUTPUT_CAP_BYTES", defaults.OutputSizeCap)
	if err != nil {
		return RuntimeConfig{}, err
	}
	fanOut, err := getEnvInt("REASON_FAN_OUT_LIMIT", defaults.ReasonFanOutLimit)
	if err != nil {
		return RuntimeConfig{}, err
	}
	toolTimeoutSecs, err := getEnvInt("TOOL_TIMEOUT_SECS", int(defaults.ToolTimeout/time.Second))
	if err != nil {
		return RuntimeConfig{}, err
	}
	retries, err := getEnvInt("COLLABORATOR_RETRIES", defaults.CollaboratorRetries)
	if err != nil {
		return RuntimeConfig{}, err
	}

	return RuntimeConfig{
		StepWarnTokens:      stepWarn,
		StepMaxTokens:       stepMax,
		RunSoftTokens:       runSoft,
		ClassifyItemCeiling: itemCeiling,
		OutputSizeCap:       outputCap,
		ReasonFanOutLimit:   fanOut,
		ToolTimeout:         time.Duration(toolTimeoutSecs) * time.Second,
		CollaboratorRetries: retries,
	}, nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	return result
}

// Environment variable helpers with proper error handling

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}
