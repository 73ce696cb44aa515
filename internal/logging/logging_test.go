package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)

	var buf bytes.Buffer
	require.NoError(t, Setup(Options{Level: "debug", Format: "json", Output: &buf}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	ForHost("h1").Info("hello")
	assert.Contains(t, buf.String(), `"host":"h1"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	require.NoError(t, Setup(Options{Output: &buf}))
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}

func TestSetupInvalid(t *testing.T) {
	assert.Error(t, Setup(Options{Level: "loud"}))
	assert.Error(t, Setup(Options{Level: "info", Format: "xml"}))
}
