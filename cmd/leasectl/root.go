package main

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lease/v1/lock"
)

// session holds what the persistent pre-run builds for a command.
type session struct {
	log      *zap.Logger
	backend  *backend
	shutdown func()
}

var (
	current *session

	rootCmd = &cobra.Command{
		Use:                "leasectl",
		Short:              "Manage distributed TTL lease mutexes",
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("backend", "redis", "store backend (redis, etcd, postgres, memory)")
	f.String("bus", "", "release notification bus (redis, nats, kafka, none); defaults to redis for the redis backend")
	f.String("redis-addr", "localhost:6379", "comma separated Redis addresses")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("etcd-endpoints", "localhost:2379", "comma separated etcd endpoints")
	f.String("etcd-prefix", "/lease/", "prefix for keys written to etcd")
	f.String("postgres-dsn", "", "PostgreSQL connection string")
	f.String("postgres-table", "lease_locks", "PostgreSQL table holding the locks")
	f.String("nats-url", "nats://localhost:4222", "NATS server URL for --bus nats")
	f.String("kafka-brokers", "localhost:9092", "comma separated Kafka brokers for --bus kafka")
	f.String("kafka-topic", "", "Kafka topic for --bus kafka")
	f.Duration("lock-timeout", lock.DefaultLockTimeout, "lease duration")
	f.Duration("acquire-timeout", lock.DefaultAcquireTimeout, "how long to keep trying to acquire")
	f.Duration("retry-interval", lock.DefaultRetryInterval, "pause between acquisition attempts")
	f.Int("attempts", 0, "maximum acquisition attempts, 0 for unlimited")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("trace", false, "print OpenTelemetry spans to stdout")

	rootCmd.AddCommand(acquireCmd, refreshCmd, releaseCmd, runCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("lease")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	log, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	shutdown := func() {}
	if viper.GetBool("trace") {
		if shutdown, err = setupTracing(); err != nil {
			return err
		}
	}
	b, err := openBackend(cmd.Context(), viper.GetString("backend"), viper.GetString("bus"), log)
	if err != nil {
		shutdown()
		return err
	}
	current = &session{log: log, backend: b, shutdown: shutdown}
	return nil
}

func teardown(*cobra.Command, []string) error {
	if current == nil {
		return nil
	}
	err := current.backend.Close()
	current.shutdown()
	_ = current.log.Sync()
	current = nil
	return err
}

// lockOptions turns the shared flags into lock options. Commands that exit
// right away disable background renewal.
func lockOptions(log *zap.Logger, renew bool) []lock.Option {
	opts := []lock.Option{
		lock.WithLogger(log),
		lock.WithLockTimeout(viper.GetDuration("lock-timeout")),
		lock.WithAcquireTimeout(viper.GetDuration("acquire-timeout")),
		lock.WithRetryInterval(viper.GetDuration("retry-interval")),
		lock.WithAcquireAttemptsLimit(viper.GetInt("attempts")),
	}
	if !renew {
		opts = append(opts, lock.WithRefreshInterval(0))
	}
	return opts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
