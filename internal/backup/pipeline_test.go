package backup

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline("", nil)
	require.NoError(t, err)
	return p
}

func writeDump(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCompressGzipRoundTrip(t *testing.T) {
	p := newTestPipeline(t)
	content := strings.Repeat("INSERT INTO users VALUES (1, 'alice');\n", 200)
	src := writeDump(t, t.TempDir(), "dump.sql", content)

	out, err := p.Compress(src, "gzip")
	require.NoError(t, err)
	assert.Equal(t, src+".gz", out)

	// Original is deleted after a successful compress.
	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr))

	// The artifact is a real gzip stream holding the original bytes.
	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	restored, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, content, string(restored))
}

func TestCompressBzip2FallsBackToDeflate(t *testing.T) {
	p := newTestPipeline(t)
	content := strings.Repeat("schema line\n", 100)
	src := writeDump(t, t.TempDir(), "dump.sql", content)

	out, err := p.Compress(src, "bzip2")
	require.NoError(t, err)
	assert.Equal(t, src+".deflate", out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	fr := flate.NewReader(bytes.NewReader(data))
	restored, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Equal(t, content, string(restored))
}

func TestCompressNoneIsPassthrough(t *testing.T) {
	p := newTestPipeline(t)
	src := writeDump(t, t.TempDir(), "dump.sql", "SELECT 1;\n")

	out, err := p.Compress(src, "none")
	require.NoError(t, err)
	assert.Equal(t, src, out)

	_, statErr := os.Stat(src)
	assert.NoError(t, statErr)
}

func TestCompressUnknownAlgorithm(t *testing.T) {
	p := newTestPipeline(t)
	src := writeDump(t, t.TempDir(), "dump.sql", "SELECT 1;\n")

	_, err := p.Compress(src, "zstd")
	assert.Error(t, err)
}

func TestCompressMissingSourceLeavesNothingBehind(t *testing.T) {
	p := newTestPipeline(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "missing.sql")

	_, err := p.Compress(src, "gzip")
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChecksumMatchesSHA256(t *testing.T) {
	p := newTestPipeline(t)
	content := "-- PostgreSQL database dump\nCREATE TABLE t (id int);\n"
	src := writeDump(t, t.TempDir(), "dump.sql", content)

	sum, err := p.Checksum(src)
	require.NoError(t, err)

	want := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
}

func TestEncryptWithoutRecipientIsPassthrough(t *testing.T) {
	p := newTestPipeline(t)
	src := writeDump(t, t.TempDir(), "dump.sql.gz", "compressed bytes")

	out, err := p.Encrypt(src)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestEncryptWithRecipient(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	p, err := NewPipeline(identity.Recipient().String(), nil)
	require.NoError(t, err)

	content := "compressed bytes"
	src := writeDump(t, t.TempDir(), "dump.sql.gz", content)
	out, err := p.Encrypt(src)
	require.NoError(t, err)
	assert.Equal(t, src+".age", out)

	// Plaintext artifact is removed once the encrypted copy exists.
	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr))

	// The identity can open the artifact and recover the bytes.
	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	r, err := age.Decrypt(f, identity)
	require.NoError(t, err)
	restored, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, string(restored))
}
