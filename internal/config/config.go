package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
)

const (
	TransportNative = "native"
	TransportPaho   = "paho"
	TransportMemory = "memory"
)

type Broker struct {
	Address        string `json:"address"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Transport      string `json:"transport"`
	KeepAlive      string `json:"keep_alive"`
	ConnectTimeout string `json:"connect_timeout"`
}

type Reconnect struct {
	Delay      string  `json:"delay"`
	MaxDelay   string  `json:"max_delay"`
	Multiplier float64 `json:"multiplier"`
	Jitter     float64 `json:"jitter"`
}

type Ingest struct {
	Workers       int  `json:"workers"`
	QueueSize     int  `json:"queue_size"`
	OrderedTopics bool `json:"ordered_topics"`
}

type Registry struct {
	AutoUnsubscribe bool `json:"auto_unsubscribe"`
	CacheSize       int  `json:"cache_size"`
}

type Database struct {
	Enabled            bool   `json:"enabled"`
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type Config struct {
	Broker    Broker    `json:"broker"`
	Reconnect Reconnect `json:"reconnect"`
	Ingest    Ingest    `json:"ingest"`
	Registry  Registry  `json:"registry"`
	Database  Database  `json:"database"`
	Topics    []string  `json:"topics"`
	DebugMode bool      `json:"debug_mode"`
	AppName   string    `json:"app_name"`
	LogPath   string    `json:"log_path"`
}

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

// Default returns the template written when no configuration file exists.
func Default() *Config {
	return &Config{
		Broker: Broker{
			Address:        "tcp://127.0.0.1:1883",
			Transport:      TransportNative,
			KeepAlive:      "60s",
			ConnectTimeout: "10s",
		},
		Reconnect: Reconnect{
			Delay:      "5s",
			MaxDelay:   "5s",
			Multiplier: 1,
		},
		Ingest: Ingest{
			QueueSize: 0,
		},
		Registry: Registry{
			CacheSize: 256,
		},
		Database: Database{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "mqtt_client",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        4,
		},
		AppName: "life-stream-mqtt-client",
		LogPath: "logs",
	}
}

// ReadConfig loads path, writing a template there first if it is missing.
func ReadConfig(path string) (*Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("unable to read configuration file %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(Default(), "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("unable to create configuration file %s: %w", path, err)
		}
		return nil, ErrConfigCreated
	}

	config := Default()
	if err = json.Unmarshal(bytes, config); err != nil {
		return nil, errors.New("the configuration file does not contain valid JSON")
	}

	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func durationRule(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := utils.ParseDuration(s); err != nil {
		return err
	}
	return nil
}

func (b Broker) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Address, validation.Required),
		validation.Field(&b.ClientID, validation.Length(0, 23)),
		validation.Field(&b.Transport, validation.Required, validation.In(TransportNative, TransportPaho, TransportMemory)),
		validation.Field(&b.KeepAlive, validation.By(durationRule)),
		validation.Field(&b.ConnectTimeout, validation.By(durationRule)),
	)
}

func (r Reconnect) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Delay, validation.Required, validation.By(durationRule)),
		validation.Field(&r.MaxDelay, validation.By(durationRule)),
		validation.Field(&r.Multiplier, validation.Min(0.0)),
		validation.Field(&r.Jitter, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (i Ingest) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Workers, validation.Min(0)),
		validation.Field(&i.QueueSize, validation.Min(0)),
	)
}

func (d Database) Validate() error {
	if !d.Enabled {
		return nil
	}
	return validation.ValidateStruct(&d,
		validation.Field(&d.Host, validation.Required),
		validation.Field(&d.Port, validation.Required),
		validation.Field(&d.Database, validation.Required),
		validation.Field(&d.OperationTimeout, validation.Required, validation.By(durationRule)),
		validation.Field(&d.ConnectTimeout, validation.By(durationRule)),
		validation.Field(&d.SocketTimeout, validation.By(durationRule)),
		validation.Field(&d.ConnectIdleTimeout, validation.By(durationRule)),
		validation.Field(&d.Heartbeat, validation.By(durationRule)),
	)
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Broker),
		validation.Field(&c.Reconnect),
		validation.Field(&c.Ingest),
		validation.Field(&c.Database),
		validation.Field(&c.Topics, validation.Each(validation.Required)),
	)
}
