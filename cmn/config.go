// Package cmn carries process-wide, immutable-after-construction
// configuration (spec §2.2): a value assembled once and handed to
// LocalNode's constructor, rather than a package-level mutable singleton
// (spec §9 "Global mutable state").
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var globalsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Config mirrors spec §6.4's recognised environment variables and Global
// numeric attributes.
type Config struct {
	ObjectBufferSize   int           // CO_OBJECT_BUFFER_SIZE, default 60000
	Timeout            time.Duration // CO_TIMEOUT, default 300000ms
	KeepaliveTimeout   time.Duration // CO_KEEPALIVE_TIMEOUT, default 2000ms

	InstanceCacheSizeMB int     // Global attribute: instance-cache size (MB)
	SendQueueSize       int     // Global attribute: send-queue size
	SendQueueAge        time.Duration
	Robustness          bool
	CommandQueueLimit   int
	CompressionThreshold int64 // bytes; object compression threshold
}

// DefaultConfig returns the documented defaults, then overlays any
// recognised environment variables.
func DefaultConfig() *Config {
	c := &Config{
		ObjectBufferSize:     60000,
		Timeout:              300000 * time.Millisecond,
		KeepaliveTimeout:     2000 * time.Millisecond,
		InstanceCacheSizeMB:  256,
		SendQueueSize:        256,
		SendQueueAge:         10 * time.Second,
		Robustness:           false,
		CommandQueueLimit:    4096,
		CompressionThreshold: 1023,
	}
	c.loadEnv()
	return c
}

func (c *Config) loadEnv() {
	if v, ok := envInt("CO_OBJECT_BUFFER_SIZE"); ok {
		c.ObjectBufferSize = v
	}
	if v, ok := envInt("CO_TIMEOUT"); ok {
		c.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("CO_KEEPALIVE_TIMEOUT"); ok {
		c.KeepaliveTimeout = time.Duration(v) * time.Millisecond
	}
}

func envInt(key string) (int, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// globals is the subset of Config actually shared between peers over the
// wire (spec §6.4 "Serialised Globals"). It exists separately from Config so
// json-iterator's struct tags name the keys and render each value's text
// form; ToString and FromString each list the same keys again.
type globals struct {
	InstanceCacheSizeMB  int   `json:"instanceCacheSizeMB"`
	SendQueueSize        int   `json:"sendQueueSize"`
	SendQueueAgeMs       int64 `json:"sendQueueAgeMs"`
	Robustness           bool  `json:"robustness"`
	CommandQueueLimit    int   `json:"commandQueueLimit"`
	CompressionThreshold int64 `json:"compressionThreshold"`
}

func (c *Config) globals() globals {
	return globals{
		InstanceCacheSizeMB:  c.InstanceCacheSizeMB,
		SendQueueSize:        c.SendQueueSize,
		SendQueueAgeMs:       c.SendQueueAge.Milliseconds(),
		Robustness:           c.Robustness,
		CommandQueueLimit:    c.CommandQueueLimit,
		CompressionThreshold: c.CompressionThreshold,
	}
}

// ToString serialises the Global attributes as a '#'-delimited string
// (spec §6.4 "Serialised Globals"), e.g. "#key1=val1#key2=val2#". Each
// value's text comes from marshaling through json-iterator; the keys and
// their order are the fixed list below.
func (c *Config) ToString() string {
	raw, err := globalsJSON.Marshal(c.globals())
	if err != nil {
		return "##"
	}
	var fields map[string]jsoniter.RawMessage
	if err := globalsJSON.Unmarshal(raw, &fields); err != nil {
		return "##"
	}
	var b strings.Builder
	b.WriteByte('#')
	for _, key := range []string{
		"instanceCacheSizeMB", "sendQueueSize", "sendQueueAgeMs",
		"robustness", "commandQueueLimit", "compressionThreshold",
	} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s=%s#", key, strings.Trim(string(v), `"`))
	}
	return b.String()
}

// FromString parses the Globals wire format produced by ToString, applying
// recognised keys onto c and ignoring unknown ones (forward compatible).
func (c *Config) FromString(s string) error {
	if len(s) < 2 || s[0] != '#' || s[len(s)-1] != '#' {
		return fmt.Errorf("cmn: malformed globals string %q", s)
	}
	g := c.globals()
	for _, p := range strings.Split(s[1:len(s)-1], "#") {
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		target := map[string]any{
			"instanceCacheSizeMB":  &g.InstanceCacheSizeMB,
			"sendQueueSize":        &g.SendQueueSize,
			"sendQueueAgeMs":       &g.SendQueueAgeMs,
			"robustness":           &g.Robustness,
			"commandQueueLimit":    &g.CommandQueueLimit,
			"compressionThreshold": &g.CompressionThreshold,
		}[key]
		if target == nil {
			continue
		}
		_ = globalsJSON.UnmarshalFromString(val, target)
	}
	c.InstanceCacheSizeMB = g.InstanceCacheSizeMB
	c.SendQueueSize = g.SendQueueSize
	c.SendQueueAge = time.Duration(g.SendQueueAgeMs) * time.Millisecond
	c.Robustness = g.Robustness
	c.CommandQueueLimit = g.CommandQueueLimit
	c.CompressionThreshold = g.CompressionThreshold
	return nil
}
