// Package supervisor runs and monitors the keeper's services ("pg_autoctl
// run" registers the keeper tick loop and the local Postgres instance).
// Each service runs as a goroutine inside the supervisor's own process; no
// OS child is forked, and internal/notify's listener is not one of the
// registered services. It is adapted from the teacher's Process type
// (internal/supervisor/supervisor_test.go, whose non-test companion
// supervisor.go this module replaces): a circuit-breaker-guarded child with
// exponential backoff. The teacher supervises exactly one OS child with one
// crash policy; here a Supervisor owns a named set of services, each with
// its own restart policy, and fans out signal-driven shutdown across all of
// them with golang.org/x/sync/errgroup the way the teacher's own command
// layer fans out start/stop across multiple listeners.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/metrics"
	"gitlab.com/pg-auto-failover/pg_autoctl/internal/pidfile"
)

// Policy governs whether a service is restarted after its Run function
// returns.
type Policy int

const (
	// Permanent services restart on any exit, success or failure.
	Permanent Policy = iota
	// Transient services restart only on abnormal exit (a non-nil error).
	Transient
	// Temporary services are never restarted.
	Temporary
)

// ShutdownMode names how aggressively a shutdown interrupts running
// services. The Supervisor has no Stop method and does not read a
// ShutdownMode: a shutdown reaches services through the ctx and hard
// contexts passed to Run.
type ShutdownMode int

const (
	// Smart lets each service finish its current tick or transaction.
	Smart ShutdownMode = iota
	// Fast interrupts the service's current action.
	Fast
	// Immediate kills child processes outright.
	Immediate
)

const baseDelay = 1 * time.Second
const resetAfter = 60 * time.Second

// RunFunc is a supervised service body. It must return when ctx is
// canceled; hard is canceled additionally on Fast or Immediate shutdown and
// should be checked at points where an in-progress action can be safely
// aborted.
type RunFunc func(ctx, hard context.Context) error

// Service describes one child the supervisor manages.
type Service struct {
	Name   string
	Policy Policy
	Run    RunFunc

	// PID, if non-nil, reports the OS process id backing this service (for
	// an exec.Cmd-driven service such as Postgres). Goroutine-only services
	// leave this nil and are recorded against the supervisor's own pid.
	PID func() int
}

// Supervisor runs a fixed set of named services and maintains the PID file
// describing them.
type Supervisor struct {
	pidPath  string
	log      logrus.FieldLogger
	services []Service

	mu      sync.Mutex
	retries map[string]int
}

// New creates a Supervisor that will write its PID file at pidPath.
func New(pidPath string, log logrus.FieldLogger) *Supervisor {
	return &Supervisor{
		pidPath: pidPath,
		log:     log,
		retries: make(map[string]int),
	}
}

// Register adds svc to the set of services started by Run. Register must be
// called before Run.
func (s *Supervisor) Register(svc Service) {
	s.services = append(s.services, svc)
}

// CheckSingleInstance refuses to start if pidPath names a still-live
// process, the single-instance rule enforced before any service starts.
func (s *Supervisor) CheckSingleInstance() error {
	leader, _, err := pidfile.Read(s.pidPath)
	if err != nil {
		return nil // no usable pid file; nothing is running
	}
	if pidfile.IsAlive(leader) {
		return ferrors.New(ferrors.KindConfig, "supervisor.CheckSingleInstance",
			fmt.Errorf("pid file %s names running process %d", s.pidPath, leader))
	}
	return nil
}

// Run starts every registered service and blocks until ctx is canceled and
// every service has exited, or a Permanent/Transient service exhausts its
// restart budget in a way the caller should treat as fatal (never happens
// today: Permanent and Transient retry forever, matching the teacher's
// "respawn until told to stop" Process loop).
func (s *Supervisor) Run(ctx context.Context, hard context.Context) error {
	if err := s.writePIDFile(); err != nil {
		return err
	}
	defer pidfile.Remove(s.pidPath)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, svc := range s.services {
		svc := svc
		group.Go(func() error {
			return s.superviseOne(groupCtx, hard, svc)
		})
	}

	return group.Wait()
}

func (s *Supervisor) writePIDFile() error {
	entries := make([]pidfile.Entry, 0, len(s.services))
	for _, svc := range s.services {
		pid := os.Getpid()
		if svc.PID != nil {
			pid = svc.PID()
		}
		entries = append(entries, pidfile.Entry{Name: svc.Name, PID: pid})
	}
	return pidfile.Write(s.pidPath, os.Getpid(), entries)
}

// superviseOne runs svc.Run in a restart loop, applying its Policy and the
// teacher's exponential-backoff-with-reset circuit breaker.
func (s *Supervisor) superviseOne(ctx, hard context.Context, svc Service) error {
	log := s.log.WithField("service", svc.Name)

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		err := svc.Run(ctx, hard)
		uptime := time.Since(start)

		if ctx.Err() != nil {
			return nil
		}

		restart := false
		switch svc.Policy {
		case Permanent:
			restart = true
		case Transient:
			restart = err != nil
		case Temporary:
			restart = false
		}

		if err != nil {
			log.WithError(err).Warn("service exited")
		} else {
			log.Info("service exited")
		}

		if !restart {
			return err
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(svc.Name).Inc()

		retries := s.nextRetryCount(svc.Name, uptime)
		delay := time.Duration(math.Min(math.Pow(2, float64(retries)), 32)) * baseDelay
		log.WithField("retry", retries).WithField("delay", delay).Info("restarting service")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// nextRetryCount returns the retry count to use for this restart and
// records it, resetting to zero if the previous run stayed up for at least
// resetAfter.
func (s *Supervisor) nextRetryCount(name string, uptime time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uptime >= resetAfter {
		s.retries[name] = 0
	}
	s.retries[name]++
	return s.retries[name]
}
