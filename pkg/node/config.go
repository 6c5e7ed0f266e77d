// Package node runs a hive node: it owns the actor system, the listener for
// inbound peers, and the outbound connections configured or remembered for
// this node.
package node

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for a hive node. The env struct tag
// contains the environment variable name and the default value if missing, or
// empty (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The symbolic name of this node. Required.
	CtxID string `env:"HIVE_CTXID"`

	// The address to accept peer connections on. Empty disables listening.
	Addr string `env:"HIVE_ADDR?=:7100"`

	// Whether this node relays traffic between its peers.
	Router bool `env:"HIVE_ROUTER"`

	// Peers to connect to at boot. Comma-separated list of ctxid=endpoint,
	// e.g. one=tcp://10.0.0.1:7100. Prefix the ctxid with router: if the
	// peer is a relay.
	Peers []string `env:"HIVE_PEERS"`

	// The sqlite3 database remembering known peers. Empty disables
	// persistence.
	DB string `env:"HIVE_DB"`

	// Whether to redial peers remembered in the database at boot.
	RedialKnownPeers bool `env:"HIVE_REDIAL_KNOWN_PEERS=true"`

	// Minimum peer semver to accept logins from. If not provided, all peer
	// versions are allowed.
	MinPeerVersion string `env:"HIVE_MIN_PEER_VERSION"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"HIVE_LOG_LEVEL=debug"`

	// Whether to use pretty logs.
	LogPretty bool `env:"HIVE_LOG_PRETTY=true"`

	// Delay between initial-phase connect attempts.
	InitReconnPeriod time.Duration `env:"HIVE_INIT_RECONN_PERIOD=1s"`

	// Count of initial attempts before reporting failure to the originator.
	InitReconnTry int `env:"HIVE_INIT_RECONN_TRY=3"`

	// Delay between steady-state reconnect attempts.
	ReconnPeriod time.Duration `env:"HIVE_RECONN_PERIOD=10s"`

	// Count of steady-state attempts between net-error events.
	ReconnTry int `env:"HIVE_RECONN_TRY=2"`

	// Keepalive tick interval.
	HeartbeatPeriod time.Duration `env:"HIVE_HEARTBEAT_PERIOD=30s"`

	// Missed-tick threshold before treating a peer as dead.
	HeartbeatCount int `env:"HIVE_HEARTBEAT_COUNT=3"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values will
// not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "HIVE_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		// get the default value, and check if it can be explicitly set to an
		// empty value
		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			// if the value is non-empty or we are allowed to set it to an
			// empty value, set it, otherwise simply keep the default
			if unsettable || v != "" {
				val = v
			}

			// we're finished processing this var
			delete(em, key)
		} else if incremental {
			// if we're only doing incremental updates, don't use the default
			// value if the current env list doesn't have the var
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// PeerSpec is one parsed HIVE_PEERS entry.
type PeerSpec struct {
	CtxID    string
	Endpoint string
	Router   bool
}

// ParsePeers parses HIVE_PEERS entries.
func ParsePeers(ss []string) ([]PeerSpec, error) {
	var ps []PeerSpec
	for _, s := range ss {
		var p PeerSpec
		if rest, ok := strings.CutPrefix(s, "router:"); ok {
			p.Router = true
			s = rest
		}
		ctxid, ep, ok := strings.Cut(s, "=")
		if !ok || ctxid == "" || ep == "" {
			return nil, fmt.Errorf("invalid peer %q (expected [router:]ctxid=endpoint)", s)
		}
		p.CtxID, p.Endpoint = ctxid, ep
		ps = append(ps, p)
	}
	return ps, nil
}
