package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile overlays the JSON config file at path onto cfg.
// Fields absent from the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	if path == "" {
		return fmt.Errorf("config file path is empty")
	}

	// #nosec G304 - config file path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// UnmarshalJSON accepts timeouts as seconds (60) or duration strings ("1m")
func (sc *ServerConfig) UnmarshalJSON(data []byte) error {
	type plain ServerConfig
	aux := struct {
		*plain
		Timeout   json.RawMessage `json:"timeout"`
		KeepAlive json.RawMessage `json:"keep_alive"`
	}{plain: (*plain)(sc)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if sc.Timeout, err = parseSeconds(aux.Timeout, sc.Timeout); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	if sc.KeepAlive, err = parseSeconds(aux.KeepAlive, sc.KeepAlive); err != nil {
		return fmt.Errorf("keep_alive: %w", err)
	}
	return nil
}

func parseSeconds(raw json.RawMessage, current time.Duration) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return current, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseSeconds(s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("expected seconds or a duration string, got %s", raw)
	}
	return time.Duration(n * float64(time.Second)), nil
}

// ParseSeconds reads a bare number as seconds, otherwise a Go duration
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
