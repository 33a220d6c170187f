package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestSplitKeys(t *testing.T) {
	assert.Equal(t, []string{"61C", "P1", "71A"}, splitKeys("61C, P1,,71A "))
	assert.Nil(t, splitKeys(""))
	assert.Nil(t, splitKeys(" , "))
}

func runLoadConfig(t *testing.T, args ...string) (config.AppConfig, error) {
	t.Helper()
	t.Setenv("BUSTRACKER_CONFIG", "")
	t.Setenv("BUSTRACKER_API_KEY", "")

	var (
		cfg     config.AppConfig
		loadErr error
	)
	app := &cli.App{
		Name:  "bustracker",
		Flags: globalFlags(),
		Commands: []*cli.Command{{
			Name:  "check",
			Flags: []cli.Flag{&cli.StringFlag{Name: "listen"}},
			Action: func(c *cli.Context) error {
				cfg, loadErr = loadConfig(c)
				return nil
			},
		}},
	}
	require.NoError(t, app.Run(append([]string{"bustracker"}, args...)))
	return cfg, loadErr
}

func TestLoadConfigFlagsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bustracker.yml")
	require.NoError(t, os.WriteFile(path, []byte("refresh:\n  period: 4s\n  batchSize: 8\n"), 0o600))

	cfg, err := runLoadConfig(t,
		"-c", path,
		"--api-key", "flagkey",
		"--batch-size", "3",
		"--region", "bbox:40.43,-80.01,40.45,-79.98",
		"check", "--listen", ":9191",
	)
	require.NoError(t, err)

	assert.Equal(t, "flagkey", cfg.Provider.APIKey)
	assert.Equal(t, 4*time.Second, cfg.Refresh.Period)
	assert.Equal(t, 3, cfg.Refresh.BatchSize)
	assert.Equal(t, ":9191", cfg.Server.Listen)
	assert.Equal(t, "bbox:40.43,-80.01,40.45,-79.98", cfg.Viewport.Region)
}

func TestLoadConfigValidatesAfterFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bustracker.yml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  apiKey: filekey\n"), 0o600))

	_, err := runLoadConfig(t, "-c", path, "--batch-size", "11", "check")
	var cerr *config.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "refresh.batchSize", cerr.Field)

	_, err = runLoadConfig(t, "-c", filepath.Join(t.TempDir(), "missing.yml"), "--api-key", "k", "check")
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "file", cerr.Field)
}
