package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-lease/v1/lock"
)

var (
	acquireCmd = &cobra.Command{
		Use:   "acquire [name]",
		Short: "Acquire a mutex and print its identifier",
		Long: `Acquire the mutex on name and print the identifier that owns it.
The lease is not renewed: it expires after --lock-timeout unless refreshed
with "leasectl refresh" or released with "leasectl release".`,
		Args: cobra.ExactArgs(1),
		RunE: runAcquire,
	}

	refreshCmd = &cobra.Command{
		Use:   "refresh [name] [identifier]",
		Short: "Renew a mutex held by identifier",
		Args:  cobra.ExactArgs(2),
		RunE:  runRefresh,
	}

	releaseCmd = &cobra.Command{
		Use:   "release [name] [identifier]",
		Short: "Release a mutex held by identifier",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}
)

func runAcquire(cmd *cobra.Command, args []string) error {
	l := current.backend.mutex(args[0], lockOptions(current.log, false)...)
	if err := l.Acquire(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), l.Identifier())
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	opts := append(lockOptions(current.log, false), lock.WithExternallyAcquiredIdentifier(args[1]))
	l := current.backend.mutex(args[0], opts...)
	ok, err := l.TryAcquire(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mutex %s is not held by %s", args[0], args[1])
	}
	fmt.Fprintln(cmd.OutOrStdout(), "refreshed")
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	opts := append(lockOptions(current.log, false), lock.WithExternallyAcquiredIdentifier(args[1]))
	l := current.backend.mutex(args[0], opts...)
	if err := l.Release(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "released")
	return nil
}
