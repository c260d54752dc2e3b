package main

import (
	"context"
	stdErrors "errors"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run [name] -- [command...]",
	Short: "Hold a mutex while a command runs",
	Long: `Acquire the mutex on name, keep renewing it while command runs and
release it when command exits. If the lease is lost, command is killed and
leasectl exits with an error.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runHold,
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while holding")
}

func runHold(cmd *cobra.Command, args []string) error {
	h := holder{
		log:         current.log,
		metricsAddr: viper.GetString("metrics-addr"),
		newLock: func(opts ...lock.Option) *lock.Lock {
			return current.backend.mutex(args[0], append(lockOptions(current.log, true), opts...)...)
		},
	}
	return h.run(cmd.Context(), args[1:])
}

// holder runs a child process under a mutex.
type holder struct {
	log         *zap.Logger
	metricsAddr string
	newLock     func(opts ...lock.Option) *lock.Lock
}

func (h holder) run(ctx context.Context, argv []string) error {
	childCtx, cancelChild := context.WithCancelCause(ctx)
	defer cancelChild(nil)

	l := h.newLock(lock.WithOnLockLost(func(err error) {
		h.log.Error("lease lost, stopping command", zap.Error(err))
		cancelChild(err)
	}))
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	h.log.Info("acquired", zap.String("key", l.Key()), zap.String("identifier", l.Identifier()))
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			h.log.Warn("release failed", zap.Error(err))
		}
	}()

	runCtx, stop := context.WithCancel(childCtx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if h.metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		srv := &http.Server{
			Addr:              h.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer stop()
		c := exec.CommandContext(childCtx, argv[0], argv[1:]...)
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		err := c.Run()
		if cause := context.Cause(childCtx); stdErrors.Is(cause, leaseerrors.ErrLostLock) {
			return cause
		}
		return err
	})
	return g.Wait()
}
