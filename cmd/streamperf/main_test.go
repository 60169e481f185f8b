package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&logs)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunPasses(t *testing.T) {
	t.Parallel()
	out, err := execute(t,
		"--size", "64KiB",
		"--pattern", "sequence",
		"--recv-addr", "127.0.0.1:0",
		"--send-addr", "127.0.0.1:0",
		"--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "payload 64 KiB (sequence)")
	assert.Contains(t, out, "write acked, status=ok")
	assert.Contains(t, out, "A endpoint closed")
	assert.Contains(t, out, "B endpoint closed")
	assert.Contains(t, out, "readhash=")
	assert.Contains(t, out, "PASS")
}

func TestConfigFileApplied(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"size: 0\nrecv_addr: 127.0.0.1:0\nsend-addr: 127.0.0.1:0\nlog-level: error\nreceiver-teardown: read-complete\n"), 0644))

	out, err := execute(t, "--config", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "payload 0 B")
	assert.Contains(t, out, "read 0/0 bytes")
}

func TestBadFlags(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "--pattern", "ones")
	assert.Error(t, err)

	_, err = execute(t, "--size", "lots")
	assert.Error(t, err)

	_, err = execute(t, "--receiver-teardown", "never")
	assert.Error(t, err)

	_, err = execute(t, "extra-arg")
	assert.Error(t, err)
}

func TestSetupFailureExitsWithError(t *testing.T) {
	t.Parallel()
	out, err := execute(t,
		"--size", "1KiB",
		"--recv-addr", "127.0.0.1:99999",
		"--send-addr", "127.0.0.1:0",
		"--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup bind (peer A)")
	assert.Contains(t, out, "FAIL")
}

func TestSizeValue(t *testing.T) {
	t.Parallel()
	var s sizeValue
	require.NoError(t, s.Set("50MiB"))
	assert.Equal(t, sizeValue(50<<20), s)
	assert.Equal(t, "50 MiB", s.String())
	require.NoError(t, s.Set("4k"))
	assert.Equal(t, sizeValue(4000), s)
}
