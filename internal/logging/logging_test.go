package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	assert := assert.New(t)
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, Setup(&Config{Level: "debug", JSON: true}))
	assert.Equal(log.DebugLevel, log.GetLevel())

	require.NoError(t, Setup(&Config{}))
	assert.Equal(log.InfoLevel, log.GetLevel())

	assert.Error(Setup(&Config{Level: "chatty"}))
}

func TestSetupWritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Setup(&Config{Dir: dir}))
	defer log.StandardLogger().ReplaceHooks(make(log.LevelHooks))

	log.Info("hello")

	_, err := os.Lstat(filepath.Join(dir, logFileName))
	assert.NoError(t, err)
}
