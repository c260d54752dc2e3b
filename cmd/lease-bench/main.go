package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 10000, "Acquire/release cycles per target")
	keys        = flag.Int("k", 10, "Number of distinct mutexes to contend on")
	target      = flag.String("target", "memory", "Targets: memory, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	for _, t := range strings.Split(*target, ",") {
		store, closeFn, err := openStore(t)
		if err != nil {
			log.Printf("[%s] skipped: %v", t, err)
			continue
		}
		run(t, store)
		closeFn()
	}
}

func openStore(name string) (lock.Store, func(), error) {
	switch name {
	case "memory":
		return adapter.NewInMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr, PoolSize: *concurrency})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return adapter.NewRedisStore(client), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown target %q", name)
}

func run(name string, store lock.Store) {
	log.Printf("[%s] %d cycles, %d concurrency, %d keys", name, *requests, *concurrency, *keys)
	ctx := context.Background()

	var wg sync.WaitGroup
	var cycles, contended, errorsCount int64
	reqsPerWorker := *requests / *concurrency

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				l := lock.NewMutex(store, fmt.Sprintf("bench-%d", (worker+j)%*keys),
					lock.WithAcquireTimeout(time.Second),
					lock.WithRetryInterval(time.Millisecond),
					lock.WithRefreshInterval(0),
				)
				ok, err := l.TryAcquireOnce(ctx)
				if err != nil {
					atomic.AddInt64(&errorsCount, 1)
					continue
				}
				if !ok {
					atomic.AddInt64(&contended, 1)
					if ok, err = l.TryAcquire(ctx); err != nil || !ok {
						atomic.AddInt64(&errorsCount, 1)
						continue
					}
				}
				if err := l.Release(ctx); err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
				atomic.AddInt64(&cycles, 1)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	log.Printf("[%s] Finished in %v", name, elapsed)
	log.Printf("[%s] Throughput: %.2f cycles/s", name, float64(cycles)/elapsed.Seconds())
	log.Printf("[%s] Contended: %d", name, contended)
	if errorsCount > 0 {
		log.Printf("[%s] Errors: %d", name, errorsCount)
	}
}
