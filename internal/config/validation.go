package config

import (
	"fmt"
	"net"
	"time"
)

// ValueKind is the tagged-enum discriminant for a runtime config value:
// a closed set validators can be written against, instead of
// interface{}-typed values checked ad hoc.
type ValueKind string

const (
	KindString   ValueKind = "string"
	KindInt      ValueKind = "int"
	KindFloat    ValueKind = "float"
	KindBool     ValueKind = "bool"
	KindList     ValueKind = "list"
	KindDict     ValueKind = "dict"
	KindPassword ValueKind = "password"
	KindFilePath ValueKind = "file_path"
	KindIPAddr   ValueKind = "ip_address"
)

// Validator checks one value of the given kind, returning a descriptive
// error on failure.
type Validator func(kind ValueKind, value interface{}) error

// validators is the table-driven set of per-kind checks.
var validators = map[ValueKind]Validator{
	KindIPAddr: func(_ ValueKind, v interface{}) error {
		s, ok := v.(string)
		if !ok || net.ParseIP(s) == nil {
			return fmt.Errorf("not a valid IP address: %v", v)
		}
		return nil
	},
	KindInt: func(_ ValueKind, v interface{}) error {
		switch v.(type) {
		case int, int32, int64:
			return nil
		default:
			return fmt.Errorf("not an integer: %v", v)
		}
	},
	KindBool: func(_ ValueKind, v interface{}) error {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("not a boolean: %v", v)
		}
		return nil
	},
}

// ValidateValue runs the registered validator for kind against value. Kinds
// with no registered validator (String, Float, List, Dict, Password,
// FilePath) are accepted as-is; their constraints are structural (handled
// by mapstructure) rather than value-level.
func ValidateValue(kind ValueKind, value interface{}) error {
	if v, ok := validators[kind]; ok {
		return v(kind, value)
	}
	return nil
}

// Validate checks each config key's structural invariants; values are
// validated on set, not at first use.
func Validate(c *Config) error {
	if c.Network.Timeout < time.Second {
		return fmt.Errorf("network.timeout must be >= 1s")
	}
	if c.Network.Retries < 0 {
		return fmt.Errorf("network.retries must be >= 0")
	}
	if c.Network.BufferSize < 1 {
		return fmt.Errorf("network.buffer_size must be >= 1")
	}
	if c.Performance.MaxConcurrentConnections < 1 {
		return fmt.Errorf("performance.max_concurrent_connections must be >= 1")
	}
	if c.Performance.ThreadPoolSize < 1 {
		return fmt.Errorf("performance.thread_pool_size must be >= 1")
	}
	if c.Connection.MaxRetries < 0 {
		return fmt.Errorf("connection.max_retries must be >= 0")
	}
	if c.Connection.MaxAttemptHistory < 1 || c.Connection.MaxAttemptHistory > 100 {
		return fmt.Errorf("connection.max_attempt_history must be in [1,100]")
	}
	if c.Stream.BufferSize < 1 {
		return fmt.Errorf("stream.buffer_size must be >= 1")
	}
	if c.Scan.MaxConcurrentScans < 1 {
		return fmt.Errorf("scan.max_concurrent_scans must be >= 1")
	}
	for name, cred := range c.Vendors {
		if cred.IP != "" && net.ParseIP(cred.IP) == nil {
			return fmt.Errorf("vendors.%s.ip is not a valid IP: %q", name, cred.IP)
		}
	}
	return nil
}
