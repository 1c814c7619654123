package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	"sigs.k8s.io/yaml"

	"github.com/vidfleet/vidfleet/log"
)

const fetchTimeout = 10 * time.Second

// Fetcher is satisfied by *http.Client; tests substitute a stub.
type Fetcher interface {
	Get(url string) (*http.Response, error)
}

// Resolver fetches the remote config document (if configured) and
// deep-merges it into a local baseline, producing a typed PipelineConfig.
// A fetch or parse failure is logged and never fails the job: the resolver
// proceeds with the baseline alone.
type Resolver struct {
	HTTPClient Fetcher
}

func NewResolver() *Resolver {
	return &Resolver{HTTPClient: &http.Client{Timeout: fetchTimeout}}
}

// Resolve parses baseline, optionally merges a remote document referenced
// by baseline's `config_url` key, and decodes the result into a typed
// PipelineConfig plus an UnrecognizedConfig passthrough map.
func (r *Resolver) Resolve(requestID string, baseline map[string]any) (PipelineConfig, error) {
	merged := baseline
	if url, _ := baseline["config_url"].(string); url != "" {
		remote, err := r.fetchRemote(requestID, url)
		if err != nil {
			log.LogError(requestID, "failed to fetch remote config, proceeding with baseline", err, "config_url", url)
		} else {
			merged = DeepMerge(baseline, remote)
		}
	}

	var cfg PipelineConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(merged); err != nil {
		return PipelineConfig{}, fmt.Errorf("decoding merged config: %w", err)
	}

	cfg.UnrecognizedConfig = make(map[string]any)
	for k, v := range merged {
		if !recognizedTopLevelKeys[k] {
			cfg.UnrecognizedConfig[k] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

func (r *Resolver) fetchRemote(requestID, url string) (map[string]any, error) {
	resp, err := r.HTTPClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetching config document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("config document fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading config document: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err == nil {
		return doc, nil
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing config document as JSON or YAML: %w", err)
	}
	return doc, nil
}
