package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerCarriesName(t *testing.T) {
	l := NewLogger("LoggingTest")
	require.Same(t, l, NewLogger("LoggingTest"))

	buf := new(bytes.Buffer)
	l.SetOutput(buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	l.Info("hello")
	require.Contains(t, buf.String(), "logger=LoggingTest")
}

func TestSetLevel(t *testing.T) {
	l := NewLogger("LoggingLevelTest")
	require.NoError(t, SetLevel("debug"))
	require.Equal(t, logrus.DebugLevel, l.GetLevel())
	require.Error(t, SetLevel("loud"))
	require.NoError(t, SetLevel("info"))
	require.Equal(t, logrus.InfoLevel, l.GetLevel())
}
