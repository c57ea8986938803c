package logger

import (
	"bytes"
	"strings"
	"testing"

	gnatsd "github.com/nats-io/nats-server/v2/server"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoggerSilent(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel)).(*logger)
	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	l.Silent(true)
	l.Info("hidden")
	require.Zero(t, buf.Len())

	l.Silent(false)
	l.Info("visible")
	require.True(t, strings.Contains(buf.String(), "visible"))
}

func TestLoggerSilentPanicsIfNotEnabled(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel))
	require.Panics(t, func() { l.Silent(false) })
}

func TestLoggerLevelFilters(t *testing.T) {
	l := NewLogger(uint32(log.WarnLevel)).(*logger)
	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	require.Zero(t, buf.Len())

	l.Warnf("warn %d", 3)
	require.Contains(t, buf.String(), "warn 3")
}

// Ensure messages are written as plain text with a full timestamp and the
// component prefix supplied by the caller.
func TestLoggerTextFormat(t *testing.T) {
	l := NewLogger(uint32(log.InfoLevel)).(*logger)
	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	l.Infof("controller: elected with epoch %d", 2)
	out := buf.String()
	require.Contains(t, out, "level=info")
	require.Contains(t, out, `msg="controller: elected with epoch 2"`)
	require.Regexp(t, `time="\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}"`, out)
}

func TestNATSLoggerOutput(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel)).(*logger)
	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	NewNATSLogger(l, true).Noticef("server %s ready", "a")
	require.Contains(t, buf.String(), "nats: server a ready")
}

func TestNoopNATSLoggerDoesNotLog(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel)).(*logger)
	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	natsLog := NewNATSLogger(l, false)
	natsLog.Noticef("test")
	natsLog.Warnf("test")
	natsLog.Errorf("test")
	natsLog.Debugf("test")
	natsLog.Tracef("test")
	require.Zero(t, buf.Len())
}

var _ Logger = (*logger)(nil)
var _ gnatsd.Logger = (*natsLogger)(nil)
var _ gnatsd.Logger = (*noopNATSLogger)(nil)
