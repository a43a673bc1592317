// Package notify maintains the monitor's LISTEN subscription: on monitor
// nodes only, it listens on the "state" and "log" channels and logs
// decoded notifications at INFO level. Loss of a notification is not an
// error — the monitor's SQL state is the authoritative source of truth,
// this channel only makes changes visible sooner than the next tick would.
package notify

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/monitorclient"
)

const (
	stateChannel = "state"
	logChannel   = "log"

	dedupCacheSize = 256
	minReconnect   = 10 * time.Second
	maxReconnect   = 2 * time.Minute
)

// Listener subscribes to the monitor's notification channels and logs
// decoded events, deduplicating repeated payloads so a monitor that fires
// the same notification on every row update doesn't flood the log.
type Listener struct {
	connInfo string
	log      logrus.FieldLogger

	seen *lru.Cache
}

// New builds a Listener against connInfo, a libpq connection string for the
// monitor.
func New(connInfo string, log logrus.FieldLogger) (*Listener, error) {
	seen, err := lru.New(dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Listener{connInfo: connInfo, log: log, seen: seen}, nil
}

// Run maintains the subscription until ctx is canceled, reconnecting with
// exponential backoff (bounded by maxReconnect) on disconnect.
func (l *Listener) Run(ctx context.Context) error {
	reportProblem := func(event pq.ListenerEventType, err error) {
		if err != nil {
			l.log.WithError(err).Debug("monitor listener connection event")
		}
	}

	listener := pq.NewListener(l.connInfo, minReconnect, maxReconnect, reportProblem)
	defer listener.Close()

	if err := listener.Listen(stateChannel); err != nil {
		return err
	}
	if err := listener.Listen(logChannel); err != nil {
		return err
	}

	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			l.handle(n)
		case <-ticker.C:
			go listener.Ping()
		}
	}
}

func (l *Listener) handle(n *pq.Notification) {
	if n == nil {
		return
	}

	if l.seen.Contains(n.Extra) {
		return
	}
	l.seen.Add(n.Extra, struct{}{})

	if n.Channel != stateChannel {
		l.log.WithField("channel", n.Channel).Info(n.Extra)
		return
	}

	decoded, err := monitorclient.ParseNotification(n.Extra)
	if err != nil {
		l.log.WithError(err).WithField("payload", n.Extra).Warn("could not decode monitor notification")
		return
	}

	l.log.WithFields(logrus.Fields{
		"node_id":        decoded.NodeID,
		"nodename":       decoded.Nodename,
		"formation":      decoded.Formation,
		"group_id":       decoded.GroupID,
		"reported_state": decoded.ReportedState,
		"goal_state":     decoded.GoalState,
	}).Info("node state change")
}
