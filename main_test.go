package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/etnz/package-statistics/contents"
	"github.com/etnz/package-statistics/mirror"
	"github.com/fatih/color"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const index = `bin/busybox             utils/busybox,shells/busybox-static
bin/bash                shells/bash
usr/bin/bashbug         shells/bash
usr/share/doc/busybox   utils/busybox
usr/share/man/bash.1.gz shells/bash
`

func gzipped(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// execute runs the root command with args in a scratch directory holding a
// Contents-amd64.gz built from body.
func execute(t *testing.T, body string, args ...string) (dir, stdout, stderr string, err error) {
	t.Helper()
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })

	dir = t.TempDir()
	if body != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Contents-amd64.gz"), gzipped(t, body), 0644))
	}

	var out, errb bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errb)
	base := []string{"--dir", dir, "--config", filepath.Join(dir, "absent.yaml")}
	cmd.SetArgs(append(base, args...))
	err = cmd.Execute()
	return dir, out.String(), errb.String(), err
}

func TestRun_OfflineTable(t *testing.T) {
	_, out, _, err := execute(t, index, "amd64", "--offline", "--top", "2")
	require.NoError(t, err)

	assert.Contains(t, out, "Initial setup ... OK\n")
	assert.Contains(t, out, "Parsing ... OK 5 lines, 3 packages\n")
	assert.Contains(t, out, "Analyzing data ... OK\n")
	assert.NotContains(t, out, "Downloading")

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	rows := lines[len(lines)-2:]
	assert.True(t, strings.HasPrefix(rows[0], "1   shells/bash "), rows[0])
	assert.True(t, strings.HasPrefix(rows[1], "2   utils/busybox "), rows[1])
	assert.NotContains(t, out, "busybox-static")
}

func TestRun_OfflineJSON(t *testing.T) {
	_, out, _, err := execute(t, index, "amd64", "--offline", "--format", "json")
	require.NoError(t, err)

	var got []struct {
		Rank    int    `json:"rank"`
		Package string `json:"package"`
		Files   int    `json:"files"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	require.Len(t, got, 3)
	assert.Equal(t, "shells/bash", got[0].Package)
	assert.Equal(t, 3, got[0].Files)
	assert.Equal(t, "shells/busybox-static", got[2].Package)
	assert.Equal(t, 1, got[2].Files)
	assert.Equal(t, 3, got[2].Rank)
}

func TestRun_HTTP(t *testing.T) {
	served := gzipped(t, index)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/debian/dists/bookworm/contrib/Contents-amd64.gz" {
			w.Write(served)
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()

	mirrorHost := strings.TrimPrefix(ts.URL, "http://")
	dir, out, _, err := execute(t, "", "amd64",
		"--protocol", "http", "--mirror", mirrorHost,
		"--dist", "bookworm", "--comp", "contrib", "--format", "yaml", "--top", "1")
	require.NoError(t, err)
	assert.Equal(t, "- rank: 1\n  package: shells/bash\n  files: 3\n", out)

	// The index stays on disk for the next run.
	data, err := os.ReadFile(filepath.Join(dir, "Contents-amd64.gz"))
	require.NoError(t, err)
	assert.Equal(t, served, data)
}

func TestRun_NetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, out, _, err := execute(t, "", "amd64",
		"--protocol", "http", "--mirror", strings.TrimPrefix(ts.URL, "http://"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, mirror.ErrNetwork))
	assert.Contains(t, out, "Downloading Contents-amd64.gz ... FAILED")
}

func TestRun_MalformedLines(t *testing.T) {
	body := index + "orphaned/path\n"

	_, _, stderr, err := execute(t, body, "amd64", "--offline", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, stderr, "skipped malformed lines")

	_, _, _, err = execute(t, body, "amd64", "--offline", "--strict")
	require.Error(t, err)
	assert.True(t, errors.Is(err, contents.ErrMalformedLine))
	assert.Contains(t, err.Error(), "line 6")
}

func TestRun_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Contents-amd64.gz"), []byte("not gzip"), 0644))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"amd64", "--offline", "--dir", dir, "--config", filepath.Join(dir, "none.yaml")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, contents.ErrDecompression))
}

func TestRun_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Contents-amd64.gz"), gzipped(t, index), 0644))
	conf := filepath.Join(dir, "package-statistics.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("top: 1\nformat: json\ndir: "+dir+"\n"), 0644))

	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"amd64", "--offline", "--config", conf}, args...))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(run()), &got))
	assert.Len(t, got, 1)

	// Flags win over the file.
	require.NoError(t, json.Unmarshal([]byte(run("--top", "2")), &got))
	assert.Len(t, got, 2)
}

func TestRun_TopZero(t *testing.T) {
	_, out, _, err := execute(t, index, "amd64", "--offline", "--top", "0", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestRootCmd_Args(t *testing.T) {
	_, _, _, err := execute(t, "")
	assert.Error(t, err)

	_, _, _, err = execute(t, "", "amd64", "i386")
	assert.Error(t, err)

	_, _, _, err = execute(t, index, "amd64", "--offline", "--top", "-1")
	assert.ErrorContains(t, err, "top must not be negative")

	_, _, _, err = execute(t, index, "amd64", "--offline", "--protocol", "scp")
	assert.ErrorContains(t, err, "unknown protocol")
}

func TestRootCmd_Defaults(t *testing.T) {
	fs := newRootCmd().Flags()
	for name, want := range map[string]string{
		"top":     "10",
		"country": "uk",
		"dist":    "stable",
		"comp":    "main",
	} {
		f := fs.Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, want, f.DefValue, name)
	}
}

func TestRootCmd_Version(t *testing.T) {
	for _, flag := range []string{"--version", "-v"} {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{flag})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "package-statistics "+version+"\n", out.String())
	}
}
