package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/sheerbytes/warp/internal/transfer"
	"github.com/sheerbytes/warp/internal/transport"
	"github.com/sheerbytes/warp/pkg/manifest"
)

// EnvPrefix prefixes environment overrides, e.g. WARP_NUM_PORTS.
const EnvPrefix = "WARP"

// Keys shared by flags, environment variables and the config file.
const (
	KeyDirectory       = "directory"
	KeyHost            = "host"
	KeyStartPort       = "start-port"
	KeyNumPorts        = "num-ports"
	KeyPorts           = "ports"
	KeyTransport       = "transport"
	KeyTransferID      = "transfer-id"
	KeyProtocolVersion = "protocol-version"
	KeyInclude         = "include"
	KeyExclude         = "exclude"
	KeyPrune           = "prune"
	KeyBlockSize       = "block-size"
	KeyFrameSize       = "frame-size"
	KeyBlockRetries    = "block-retries"
	KeyReconnects      = "reconnects"
	KeyIOTimeout       = "io-timeout"
	KeyAcceptTimeout   = "accept-timeout"
	KeyAbortAfter      = "abort-after"
	KeyRunForever      = "run-forever"
	KeySenderLog       = "sender-log"
	KeySocketBuffer    = "socket-buffer"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyHistory         = "history"
	KeyHistoryPath     = "history-path"
	KeyProgress        = "progress"
)

// Config is the resolved configuration of one command invocation.
type Config struct {
	Directory       string
	Host            string
	StartPort       int
	NumPorts        int
	Ports           []int // explicit destination ports (sender only)
	Transport       string
	TransferID      string
	ProtocolVersion int
	Include         string
	Exclude         string
	Prune           string
	BlockSize       int64
	FrameSize       int
	BlockRetries    int
	Reconnects      int
	IOTimeout       time.Duration
	AcceptTimeout   time.Duration
	AbortAfter      time.Duration
	RunForever      bool
	SenderLog       bool
	SocketBuffer    int
	LogLevel        string
	LogFormat       string
	History         bool
	HistoryPath     string // empty selects history.DefaultPath
	Progress        bool
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDirectory, ".")
	v.SetDefault(KeyHost, "")
	v.SetDefault(KeyStartPort, 22356)
	v.SetDefault(KeyNumPorts, 8)
	v.SetDefault(KeyTransport, transport.TCP)
	v.SetDefault(KeyProtocolVersion, transfer.MaxProtocolVersion)
	v.SetDefault(KeyBlockSize, "16mb")
	v.SetDefault(KeyFrameSize, "1mb")
	v.SetDefault(KeyBlockRetries, transfer.DefaultBlockRetries)
	v.SetDefault(KeyReconnects, transfer.DefaultReconnects)
	v.SetDefault(KeyIOTimeout, transfer.DefaultIOTimeout)
	v.SetDefault(KeyAcceptTimeout, 10*time.Second)
	v.SetDefault(KeyAbortAfter, time.Duration(0))
	v.SetDefault(KeyRunForever, false)
	v.SetDefault(KeySenderLog, false)
	v.SetDefault(KeySocketBuffer, 0)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyHistory, true)
	v.SetDefault(KeyProgress, true)
}

// ReadFile loads the config file at path. With an empty path it looks for
// $HOME/.warp.yaml and treats a missing file as empty.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".warp")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load resolves v into a validated Config.
func Load(v *viper.Viper) (Config, error) {
	ports, err := intSlice(v.Get(KeyPorts))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyPorts, err)
	}
	cfg := Config{
		Directory:       v.GetString(KeyDirectory),
		Host:            v.GetString(KeyHost),
		StartPort:       v.GetInt(KeyStartPort),
		NumPorts:        v.GetInt(KeyNumPorts),
		Ports:           ports,
		Transport:       strings.ToLower(v.GetString(KeyTransport)),
		TransferID:      v.GetString(KeyTransferID),
		ProtocolVersion: v.GetInt(KeyProtocolVersion),
		Include:         v.GetString(KeyInclude),
		Exclude:         v.GetString(KeyExclude),
		Prune:           v.GetString(KeyPrune),
		BlockSize:       int64(v.GetSizeInBytes(KeyBlockSize)),
		FrameSize:       int(v.GetSizeInBytes(KeyFrameSize)),
		BlockRetries:    v.GetInt(KeyBlockRetries),
		Reconnects:      v.GetInt(KeyReconnects),
		IOTimeout:       v.GetDuration(KeyIOTimeout),
		AcceptTimeout:   v.GetDuration(KeyAcceptTimeout),
		AbortAfter:      v.GetDuration(KeyAbortAfter),
		RunForever:      v.GetBool(KeyRunForever),
		SenderLog:       v.GetBool(KeySenderLog),
		SocketBuffer:    int(v.GetSizeInBytes(KeySocketBuffer)),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
		History:         v.GetBool(KeyHistory),
		HistoryPath:     v.GetString(KeyHistoryPath),
		Progress:        v.GetBool(KeyProgress),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// intSlice accepts the shapes a port list arrives in: a flag slice, a YAML
// sequence or a comma separated environment value.
func intSlice(val any) ([]int, error) {
	switch x := val.(type) {
	case nil:
		return nil, nil
	case []int:
		return x, nil
	case string:
		var out []int
		for _, f := range strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ' ' }) {
			n, err := strconv.Atoi(f)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return cast.ToIntSliceE(val)
	}
}

// Validate checks ranges that would otherwise surface mid-transfer.
func (c Config) Validate() error {
	if c.NumPorts < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyNumPorts, c.NumPorts)
	}
	if c.StartPort < 0 || c.StartPort+c.NumPorts-1 > 65535 {
		return fmt.Errorf("port range %d+%d is outside 0..65535", c.StartPort, c.NumPorts)
	}
	for _, p := range c.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	if !knownTransport(c.Transport) {
		return fmt.Errorf("unknown transport %q (want one of %s)", c.Transport, strings.Join(transport.Names(), ", "))
	}
	if c.ProtocolVersion < transfer.MinProtocolVersion || c.ProtocolVersion > transfer.MaxProtocolVersion {
		return fmt.Errorf("%s must be in %d..%d, got %d", KeyProtocolVersion,
			transfer.MinProtocolVersion, transfer.MaxProtocolVersion, c.ProtocolVersion)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyBlockSize)
	}
	if c.FrameSize <= 0 || c.FrameSize > transfer.MaxFrameSize {
		return fmt.Errorf("%s must be in 1..%d bytes", KeyFrameSize, transfer.MaxFrameSize)
	}
	if c.BlockRetries < 0 || c.Reconnects < 0 {
		return fmt.Errorf("%s and %s must not be negative", KeyBlockRetries, KeyReconnects)
	}
	if c.AbortAfter < 0 {
		return fmt.Errorf("%s must not be negative", KeyAbortAfter)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%s must be debug, info, warn or error, got %q", KeyLogLevel, c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%s must be text or json, got %q", KeyLogFormat, c.LogFormat)
	}
	return nil
}

func knownTransport(name string) bool {
	if name == "ws" {
		return true
	}
	for _, n := range transport.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// TransferOptions maps the config onto engine options.
func (c Config) TransferOptions(logger *slog.Logger) transfer.Options {
	return transfer.Options{
		TransferID:      c.TransferID,
		ProtocolVersion: c.ProtocolVersion,
		BlockSize:       c.BlockSize,
		FrameSize:       c.FrameSize,
		BlockRetries:    c.BlockRetries,
		Reconnects:      c.Reconnects,
		IOTimeout:       c.IOTimeout,
		Logger:          logger,
	}
}

// TransportOptions maps the config onto transport options.
func (c Config) TransportOptions(logger *slog.Logger) transport.Options {
	return transport.Options{SocketBuffer: c.SocketBuffer, Logger: logger}
}

// Filter returns the enumeration filter.
func (c Config) Filter() manifest.Filter {
	return manifest.Filter{Include: c.Include, Exclude: c.Exclude, Prune: c.Prune}
}
