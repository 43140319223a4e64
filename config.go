package ethrpc

import (
	"net/http"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

/*
Settings for clients, pending transactions and watchers. Start from
"DefaultConfig" or "LoadConfig"; zero durations are replaced with defaults at
dial time, but "Reconnects" is used as-is, so a literal Config{} never
reconnects.

The zero Logger discards everything; a nil Metrics records nothing.
*/
type Config struct {
	Logger  zerolog.Logger `toml:"-"`
	Metrics *Metrics       `toml:"-"`
	Header  http.Header    `toml:"-"`

	// Reconnect attempts allowed over the lifetime of a client. Each failed
	// attempt consumes one; once exhausted, the client shuts down.
	Reconnects        int      `toml:"reconnects"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`

	PollInterval  Duration `toml:"poll_interval"`
	Confirmations uint64   `toml:"confirmations"`

	BroadcastInterval      Duration `toml:"broadcast_interval"`
	EscalationPollInterval Duration `toml:"escalation_poll_interval"`

	// Used by "RetryTrans". Attempts include the first call.
	RetryAttempts uint     `toml:"retry_attempts"`
	RetryBackoff  Duration `toml:"retry_backoff"`
}

func DefaultConfig() Config {
	return Config{
		Logger:                 zerolog.Nop(),
		Reconnects:             DefaultReconnects,
		ReconnectDelay:         Duration(DefaultReconnectDelay),
		KeepaliveInterval:      Duration(DefaultKeepaliveInterval),
		PollInterval:           Duration(DefaultPollInterval),
		Confirmations:          DefaultConfirmations,
		BroadcastInterval:      Duration(DefaultBroadcastInterval),
		EscalationPollInterval: Duration(DefaultEscalationPollInterval),
		RetryAttempts:          DefaultRetryAttempts,
		RetryBackoff:           Duration(DefaultRetryBackoff),
	}
}

/*
Reads a TOML file over "DefaultConfig". Keys that are absent keep their
defaults. Example:

	reconnects = 3
	reconnect_delay = "500ms"
	poll_interval = "2s"
	confirmations = 6
*/
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()

	input, err := os.ReadFile(path)
	if err != nil {
		return conf, errors.Wrapf(err, "failed to read config %q", path)
	}

	err = toml.Unmarshal(input, &conf)
	if err != nil {
		return conf, errors.Wrapf(err, "failed to decode config %q", path)
	}

	if conf.Reconnects < 0 {
		return conf, errors.Errorf("invalid config %q: negative reconnects %d", path, conf.Reconnects)
	}
	return conf, nil
}

func (self Config) withDefaults() Config {
	defaultDuration(&self.ReconnectDelay, DefaultReconnectDelay)
	defaultDuration(&self.KeepaliveInterval, DefaultKeepaliveInterval)
	defaultDuration(&self.PollInterval, DefaultPollInterval)
	defaultDuration(&self.BroadcastInterval, DefaultBroadcastInterval)
	defaultDuration(&self.EscalationPollInterval, DefaultEscalationPollInterval)
	defaultDuration(&self.RetryBackoff, DefaultRetryBackoff)
	if self.RetryAttempts == 0 {
		self.RetryAttempts = DefaultRetryAttempts
	}
	if self.Confirmations == 0 {
		self.Confirmations = DefaultConfirmations
	}
	return self
}

func defaultDuration(val *Duration, def time.Duration) {
	if *val <= 0 {
		*val = Duration(def)
	}
}

// Version of "time.Duration" that encodes and decodes as a string such as
// "1.5s", for config files.
type Duration time.Duration

// Implements "encoding.TextUnmarshaler" via "time.ParseDuration".
func (self *Duration) UnmarshalText(input []byte) error {
	val, err := time.ParseDuration(string(input))
	if err != nil {
		return errors.WithStack(err)
	}
	*self = Duration(val)
	return nil
}

// Implements "encoding.TextMarshaler".
func (self Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(self).String()), nil
}

func (self Duration) Std() time.Duration { return time.Duration(self) }
