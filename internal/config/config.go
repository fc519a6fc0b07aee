// Package config loads the promptlab configuration: defaults, an optional
// YAML file, then environment overrides, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Model         ModelConfig         `yaml:"model"`
	Judge         JudgeConfig         `yaml:"judge"`
	Eval          EvalConfig          `yaml:"eval"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ModelConfig struct {
	Endpoint         string `yaml:"endpoint"`
	Name             string `yaml:"name"`
	APIKey           string `yaml:"api_key"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type JudgeConfig struct {
	Enabled bool `yaml:"enabled"`
	// Model overrides the completion model for judge calls. Empty means
	// judge with the same model the chains use.
	Model string `yaml:"model"`
}

type EvalConfig struct {
	Dataset         string `yaml:"dataset"`
	MaxSummaryWords int    `yaml:"max_summary_words"`
	ResultsPath     string `yaml:"results_path"`
	ABResultsPath   string `yaml:"ab_results_path"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "promptlab"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Model: ModelConfig{
			Endpoint:         "http://localhost:11434/v1",
			Name:             "llama3",
			RequestTimeoutMS: 120000,
		},
		Judge: JudgeConfig{
			Enabled: false,
		},
		Eval: EvalConfig{
			Dataset:         "./data/dataset.jsonl",
			MaxSummaryWords: 20,
			ResultsPath:     "./data/results.jsonl",
			ABResultsPath:   "./data/ab_results.jsonl",
		},
		Storage: StorageConfig{
			Driver: "jsonl",
			Path:   "./data/runs.jsonl",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	endpoint := strings.TrimSpace(cfg.Model.Endpoint)
	if endpoint == "" {
		return errors.New("model.endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse model.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("model.endpoint must include scheme and host (got %q)", cfg.Model.Endpoint)
	}
	if strings.TrimSpace(cfg.Model.Name) == "" {
		return errors.New("model.name is required")
	}
	if cfg.Model.RequestTimeoutMS <= 0 {
		return fmt.Errorf("model.request_timeout_ms must be > 0 (got %d)", cfg.Model.RequestTimeoutMS)
	}

	if cfg.Eval.MaxSummaryWords <= 0 {
		return fmt.Errorf("eval.max_summary_words must be > 0 (got %d)", cfg.Eval.MaxSummaryWords)
	}
	if strings.TrimSpace(cfg.Eval.ResultsPath) == "" {
		return errors.New("eval.results_path is required")
	}
	if strings.TrimSpace(cfg.Eval.ABResultsPath) == "" {
		return errors.New("eval.ab_results_path is required")
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "jsonl", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of jsonl, sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if endpoint := os.Getenv("PROMPTLAB_MODEL_ENDPOINT"); endpoint != "" {
		cfg.Model.Endpoint = endpoint
	}
	if name := os.Getenv("PROMPTLAB_MODEL_NAME"); name != "" {
		cfg.Model.Name = name
	}
	if apiKey := os.Getenv("PROMPTLAB_MODEL_API_KEY"); apiKey != "" {
		cfg.Model.APIKey = apiKey
	}
	if timeout := os.Getenv("PROMPTLAB_MODEL_TIMEOUT_MS"); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_MODEL_TIMEOUT_MS: %w", err)
		}
		cfg.Model.RequestTimeoutMS = v
	}

	if judgeEnabled := os.Getenv("PROMPTLAB_JUDGE_ENABLED"); judgeEnabled != "" {
		v, err := strconv.ParseBool(judgeEnabled)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_JUDGE_ENABLED: %w", err)
		}
		cfg.Judge.Enabled = v
	}
	if judgeModel := os.Getenv("PROMPTLAB_JUDGE_MODEL"); judgeModel != "" {
		cfg.Judge.Model = judgeModel
	}

	if dataset := os.Getenv("PROMPTLAB_EVAL_DATASET"); dataset != "" {
		cfg.Eval.Dataset = dataset
	}
	if maxWords := os.Getenv("PROMPTLAB_EVAL_MAX_SUMMARY_WORDS"); maxWords != "" {
		v, err := strconv.Atoi(maxWords)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_EVAL_MAX_SUMMARY_WORDS: %w", err)
		}
		cfg.Eval.MaxSummaryWords = v
	}
	if resultsPath := os.Getenv("PROMPTLAB_EVAL_RESULTS_PATH"); resultsPath != "" {
		cfg.Eval.ResultsPath = resultsPath
	}
	if abResultsPath := os.Getenv("PROMPTLAB_EVAL_AB_RESULTS_PATH"); abResultsPath != "" {
		cfg.Eval.ABResultsPath = abResultsPath
	}

	if storageDriver := os.Getenv("PROMPTLAB_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("PROMPTLAB_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("PROMPTLAB_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if level := os.Getenv("PROMPTLAB_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return applyOTelEnv(cfg)
}

// applyOTelEnv honors the standard OTEL_* variables so the exporter can be
// pointed at a collector without touching the config file. Setting any of
// them implies enabling the SDK unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
