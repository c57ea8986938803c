package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Ensure raft log lines are routed to the matching log level.
func TestRaftLogger(t *testing.T) {
	tests := []struct {
		line  string
		level string
		msg   string
	}{
		{"2024/01/02 15:04:05 [DEBUG] raft: starting", "debug", "raft: raft: starting"},
		{"2024-01-02T15:04:05.000Z [INFO]  raft: entering follower state\n", "info", "raft: raft: entering follower state"},
		{"2024/01/02 15:04:05 [WARN] heartbeat timeout", "warn", "raft: heartbeat timeout"},
		{"2024/01/02 15:04:05 [ERR] failed to contact", "error", "raft: failed to contact"},
		{"2024/01/02 15:04:05 [ERROR] failed to contact", "error", "raft: failed to contact"},
		{"no level here\n", "info", "no level here"},
	}
	for _, tt := range tests {
		log := &dummyLogger{}
		w := &raftLogger{logger: log, enabled: true}
		n, err := w.Write([]byte(tt.line))
		require.NoError(t, err)
		require.Equal(t, len(tt.line), n)
		level, msg := log.last()
		require.Equal(t, tt.level, level, tt.line)
		require.Equal(t, tt.msg, msg, tt.line)
	}
}

// Ensure nothing is logged when raft logging is disabled.
func TestRaftLoggerDisabled(t *testing.T) {
	log := &dummyLogger{}
	w := &raftLogger{logger: log}
	n, err := w.Write([]byte("[ERR] boom"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	level, msg := log.last()
	require.Empty(t, level)
	require.Empty(t, msg)
}
