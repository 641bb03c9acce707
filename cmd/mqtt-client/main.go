package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/backoff"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/ingest"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/registry"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport/memory"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport/paho"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
)

const journalHistory = 10

var (
	configPath  = flag.StringP("config", "c", "config.json", "path of the configuration file")
	statusTopic = flag.String("status-topic", "", "topic that receives \"online\" after every successful (re)connect")
)

func transportFactory(name string) transport.Factory {
	switch name {
	case config.TransportPaho:
		return paho.NewSession
	case config.TransportMemory:
		logger.Warn("Using the in-process memory broker, nothing leaves this process")
		return memory.NewBroker().Factory()
	default:
		return connection.NewSession
	}
}

func reconnectStrategy(cfg config.Reconnect) backoff.Strategy {
	delay := utils.ParseStringTime(cfg.Delay, backoff.DefaultDelay)
	return backoff.Strategy{
		BaseDelay:  delay,
		MaxDelay:   utils.ParseStringTime(cfg.MaxDelay, delay),
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
	}
}

func openJournal(cfg *config.Config, cleaner *event.Cleaner) (database.Journal, error) {
	if !cfg.Database.Enabled {
		return database.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), utils.ParseStringTime(cfg.Database.ConnectTimeout, 10*time.Second))
	defer cancel()
	store, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cleaner.Add(store)
	return store, nil
}

func logListener(topic string) *registry.Listener {
	return registry.NewListener("log:"+topic, func(topic string, payload []byte) error {
		logger.InfoF("[%s] %s", topic, payload)
		return nil
	})
}

func main() {
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			fmt.Println(err)
			return
		}
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}

	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	journal, err := openJournal(cfg, cleaner)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		cleaner.Shutdown()
		os.Exit(1)
	}
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = client.GenerateClientID()
	}
	cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
		events, err := journal.Recent(ctx, clientID, journalHistory)
		if err != nil {
			return err
		}
		logger.InfoF("Client %s saw %d recent state changes, last %s", clientID, len(events), lastState(events))
		return nil
	}))
	recorder := database.NewRecorder(journal, 0)
	cleaner.Add(recorder)

	var regOpts []registry.Option
	if cfg.Registry.AutoUnsubscribe {
		regOpts = append(regOpts, registry.WithAutoUnsubscribe())
	}
	regOpts = append(regOpts, registry.WithCacheSize(cfg.Registry.CacheSize))
	reg := registry.New(regOpts...)

	ingestOpts := []ingest.Option{
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithQueueCapacity(cfg.Ingest.QueueSize),
	}
	if cfg.Ingest.OrderedTopics {
		ingestOpts = append(ingestOpts, ingest.WithOrderedTopics())
	}
	pipeline := ingest.New(reg, ingestOpts...)
	if err := pipeline.Start(); err != nil {
		logger.FatalF("Error occured while starting ingest pipeline, details: %v", err)
		cleaner.Shutdown()
		os.Exit(1)
	}
	cleaner.Add(pipeline)

	var manager *client.Manager
	onStateChange := func(change client.StateChange) {
		logger.InfoF("Client %s: %s -> %s", change.ClientID, change.From, change.To)
		if change.To != client.Connected || *statusTopic == "" {
			return
		}
		if err := manager.Publish(*statusTopic, []byte("online")); err != nil {
			logger.WarnF("Fail to publish status, details: %v", err)
		}
	}

	managerOpts := []client.Option{
		client.WithReconnectStrategy(reconnectStrategy(cfg.Reconnect)),
		client.WithConnectTimeout(utils.ParseStringTime(cfg.Broker.ConnectTimeout, 10*time.Second)),
		client.WithKeepAlive(utils.ParseStringTime(cfg.Broker.KeepAlive, 60*time.Second)),
		client.WithStateObserver(onStateChange),
		client.WithStateObserver(recorder.Observe),
		client.WithClientID(clientID),
	}
	manager = client.NewManager(reg, pipeline, transportFactory(cfg.Broker.Transport), managerOpts...)

	for _, topic := range cfg.Topics {
		if err := reg.Register(topic, logListener(topic)); err != nil {
			logger.ErrorF("Fail to register listener for %s, details: %v", topic, err)
		}
	}

	err = manager.Start(cfg.Broker.Address, client.Credentials{
		Username: cfg.Broker.Username,
		Password: cfg.Broker.Password,
	})
	if err != nil {
		logger.FatalF("Error occured while starting client, details: %v", err)
		cleaner.Shutdown()
		os.Exit(1)
	}
	// 先停止连接，再排空队列，最后写完日志
	cleaner.Add(manager)

	<-cleaner.Done()
}

func lastState(events []database.SessionEvent) string {
	if len(events) == 0 {
		return "none"
	}
	return events[0].To
}
