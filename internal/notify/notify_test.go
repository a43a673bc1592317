package notify

import (
	"bytes"
	"testing"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestListener(t *testing.T) (*Listener, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	l, err := New("host=monitor dbname=pg_auto_failover", log)
	require.NoError(t, err)
	return l, &buf
}

func TestHandleLogsDecodedStateNotification(t *testing.T) {
	l, buf := newTestListener(t)

	l.handle(&pq.Notification{
		Channel: "state",
		Extra:   "S:secondary:primary:3.default:0:3:node3:5432",
	})

	require.Contains(t, buf.String(), "node3")
	require.Contains(t, buf.String(), "node state change")
}

func TestHandleDeduplicatesRepeatedPayload(t *testing.T) {
	l, buf := newTestListener(t)

	payload := &pq.Notification{Channel: "state", Extra: "S:secondary:primary:3.default:0:3:node3:5432"}
	l.handle(payload)
	firstLen := buf.Len()

	l.handle(payload)
	require.Equal(t, firstLen, buf.Len(), "a repeated payload must not be logged twice")
}

func TestHandleMalformedPayloadLogsWarningWithoutPanic(t *testing.T) {
	l, buf := newTestListener(t)

	require.NotPanics(t, func() {
		l.handle(&pq.Notification{Channel: "state", Extra: "not-a-valid-payload"})
	})
	require.Contains(t, buf.String(), "could not decode")
}

func TestHandleNonStateChannelIsLoggedVerbatim(t *testing.T) {
	l, buf := newTestListener(t)

	l.handle(&pq.Notification{Channel: "log", Extra: "some monitor log line"})
	require.Contains(t, buf.String(), "some monitor log line")
}

func TestHandleNilNotificationIsIgnored(t *testing.T) {
	l, buf := newTestListener(t)

	require.NotPanics(t, func() { l.handle(nil) })
	require.Empty(t, buf.String())
}
