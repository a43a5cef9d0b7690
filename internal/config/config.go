// Package config defines ratmand's environment-variable configuration
// surface: a tagged struct unmarshalled field-by-field, mirroring
// pkg/atlas/config.go's Config.UnmarshalEnv reflection walk.
package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds every setting ratmand reads from its environment. The env
// struct tag carries the variable name and default value (after '='); a
// trailing '?' on the key lets the variable be explicitly set to empty
// rather than falling back to the default.
type Config struct {
	// Path to the sqlite3-backed metadata store and block journal.
	DBPath string `env:"RATMAN_DB_PATH?=./ratman.db"`

	// Path to the instance lock file; ratmand refuses to start a second
	// instance against the same DBPath while this is held.
	LockFile string `env:"RATMAN_LOCK_FILE?=./ratmand.lock"`

	// UDP overlay bind address (host:port). Empty disables the overlay
	// link.
	OverlayListen netip.AddrPort `env:"RATMAN_OVERLAY_LISTEN"`

	// Comma-separated host:port list of UDP overlay peers to dial on
	// startup.
	OverlayPeers []string `env:"RATMAN_OVERLAY_PEERS"`

	// Ethernet interface name for the raw-socket datalink driver. Empty
	// disables it.
	EthInterface string `env:"RATMAN_ETH_INTERFACE"`

	// Whether to enable the LAN multicast discovery/transport link.
	LanMcastEnable bool `env:"RATMAN_LAN_MCAST_ENABLE=true"`

	// Multicast group address (host:port) for the LAN link.
	LanMcastGroup string `env:"RATMAN_LAN_MCAST_GROUP?=239.255.73.42:9876"`

	// Interface the LAN multicast link joins the group on. Empty lets the
	// OS pick the default multicast interface.
	LanMcastInterface string `env:"RATMAN_LAN_MCAST_INTERFACE"`

	// Multicast TTL/hop limit for outgoing LAN datagrams.
	LanMcastTTL int `env:"RATMAN_LAN_MCAST_TTL=1"`

	// Announce interval setting. It is parsed and stored here only;
	// ratmand does not pass it to pkg/proto, whose announcers use a fixed
	// 15-second interval.
	AnnounceInterval time.Duration `env:"RATMAN_ANNOUNCE_INTERVAL=15s"`

	// The minimum log level (e.g. trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"RATMAN_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"RATMAN_LOG_STDOUT=true"`

	// Whether to use pretty (non-JSON) stdout logs.
	LogStdoutPretty bool `env:"RATMAN_LOG_STDOUT_PRETTY=true"`

	// The log file to output to, if provided, in addition to stdout.
	LogFile string `env:"RATMAN_LOG_FILE"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment entries into
// c, applying each field's default when its variable is absent.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "RATMAN_") {
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

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
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
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled config field type %T (%s)", cvf.Interface(), env)
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
