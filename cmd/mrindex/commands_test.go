package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestREPLSession(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha beta beta")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "beta gamma")
	cfgPath := filepath.Join(dir, "mrindex.yaml")
	writeFile(t, cfgPath, "dir: "+filepath.Join(dir, "idx")+"\nname: repl\nlog_level: error\nworkers: 2\n")

	var out bytes.Buffer
	repl := REPL{out: &out}

	assert.ErrorIs(t, repl.Run("find beta"), ErrNotOpen)
	require.NoError(t, repl.Run("open "+cfgPath))
	require.NoError(t, repl.Run("index "+src))
	assert.Contains(t, out.String(), "2 files indexed")

	out.Reset()
	require.NoError(t, repl.Run("find beta"))
	assert.Equal(t, filepath.Join(src, "a.txt")+"\n"+filepath.Join(src, "sub", "b.txt")+"\n", out.String())

	out.Reset()
	require.NoError(t, repl.Run("keys "+filepath.Join(src, "a.txt")))
	assert.Contains(t, out.String(), "beta\t2\n")
	assert.Contains(t, out.String(), "alpha\t1\n")

	require.NoError(t, repl.Run("drop "+filepath.Join(src, "a.txt")))
	out.Reset()
	require.NoError(t, repl.Run("find alpha"))
	assert.Empty(t, out.String())

	out.Reset()
	require.NoError(t, repl.Run("verify"))
	require.NoError(t, repl.Run("flush"))
	require.NoError(t, repl.Run("dump"))
	require.NoError(t, repl.Run("status"))
	assert.Contains(t, out.String(), "index is consistent")
	assert.Contains(t, out.String(), "repl: ready")

	require.NoError(t, repl.Run("rebuild "+src))
	out.Reset()
	require.NoError(t, repl.Run("find alpha"))
	assert.Equal(t, filepath.Join(src, "a.txt")+"\n", out.String())

	assert.ErrorIs(t, repl.Run("index"), HelpIndex)
	assert.NoError(t, repl.Run("nonsense"))
	assert.ErrorIs(t, repl.Run("exit"), io.EOF)
	assert.ErrorIs(t, repl.Run("close"), ErrNotOpen)
}
