package cryptoutil

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/checksum"
)

func writePassphrase(t *testing.T, dir, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "pass-"+body)
	require.NoError(t, os.WriteFile(path, []byte(body+"\n"), 0o600))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

func roundTrip(t *testing.T, c Cipher, suffix string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	pass := writePassphrase(t, dir, "correct-horse", 0o600)
	wrong := writePassphrase(t, dir, "wrong-horse", 0o600)

	plain := bytes.Repeat([]byte("INSERT INTO t VALUES (1);\n"), 4096)
	want, _, err := checksum.Sum(bytes.NewReader(plain))
	require.NoError(t, err)

	plainPath := filepath.Join(dir, "postgres_all.sql")
	require.NoError(t, os.WriteFile(plainPath, plain, 0o600))

	encPath, err := c.Encrypt(ctx, plainPath, pass)
	require.NoError(t, err)
	assert.Equal(t, plainPath+suffix, encPath)
	_, err = os.Stat(plainPath)
	assert.True(t, os.IsNotExist(err), "plaintext must be removed")

	enc, err := os.ReadFile(encPath)
	require.NoError(t, err)
	assert.NotContains(t, string(enc), "INSERT INTO")

	w := checksum.NewWriter()
	require.NoError(t, c.Decrypt(ctx, bytes.NewReader(enc), w, pass))
	assert.Equal(t, want, w.Sum())

	err = c.Decrypt(ctx, bytes.NewReader(enc), &bytes.Buffer{}, wrong)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDecryption))
}

func TestDARERoundTrip(t *testing.T) {
	roundTrip(t, &DARE{Iterations: 1000}, ".enc")
}

func TestGPGRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("gpg"); err != nil {
		t.Skip("gpg not installed")
	}
	t.Setenv("GNUPGHOME", t.TempDir())
	roundTrip(t, &GPG{}, ".gpg")
}

func TestGPGUnavailable(t *testing.T) {
	g := &GPG{Binary: "bchain-no-such-gpg"}
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "dump")
	require.NoError(t, os.WriteFile(plainPath, []byte("x"), 0o600))

	_, err := g.Encrypt(context.Background(), plainPath, writePassphrase(t, dir, "p", 0o600))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrToolUnavailable))
	_, err = os.Stat(plainPath)
	assert.NoError(t, err, "plaintext must survive a missing tool")
}

func TestPassphraseFilePermissions(t *testing.T) {
	dir := t.TempDir()
	open := writePassphrase(t, dir, "loose", 0o644)
	_, err := ReadPassphraseFile(open)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, apperr.HintOf(err), "chmod 600")

	strict := writePassphrase(t, dir, "strict", 0o600)
	pass, err := ReadPassphraseFile(strict)
	require.NoError(t, err)
	assert.Equal(t, "strict", string(pass))

	_, err = ReadPassphraseFile("")
	assert.True(t, errors.Is(err, apperr.ErrDecryption))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = ReadPassphraseFile(empty)
	assert.Error(t, err)
}

func TestDAREEncryptRejectsLoosePassphrase(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "dump")
	require.NoError(t, os.WriteFile(plainPath, []byte("x"), 0o600))

	_, err := (&DARE{Iterations: 1000}).Encrypt(context.Background(), plainPath, writePassphrase(t, dir, "loose", 0o640))
	require.Error(t, err)
	_, statErr := os.Stat(plainPath)
	assert.NoError(t, statErr)
}

func TestDAREDecryptRejectsForeignInput(t *testing.T) {
	dir := t.TempDir()
	err := (&DARE{}).Decrypt(context.Background(), bytes.NewReader([]byte("plain text, not encrypted at all, definitely long enough")), &bytes.Buffer{}, writePassphrase(t, dir, "p", 0o600))
	assert.True(t, errors.Is(err, apperr.ErrDecryption))
}

func TestDAREDamagedHeaderFailsFast(t *testing.T) {
	dir := t.TempDir()
	pass := writePassphrase(t, dir, "hello", 0o600)
	plainPath := filepath.Join(dir, "rows")
	require.NoError(t, os.WriteFile(plainPath, []byte("hello rows"), 0o600))
	encPath, err := (&DARE{}).Encrypt(context.Background(), plainPath, pass)
	require.NoError(t, err)
	enc, err := os.ReadFile(encPath)
	require.NoError(t, err)

	for _, tc := range []struct {
		name  string
		patch func([]byte)
	}{
		{"count inflated", func(b []byte) { b[6] = 0x01 }},
		{"count maxed", func(b []byte) { b[6] = 0xff }},
		{"count zeroed", func(b []byte) { copy(b[6:10], []byte{0, 0, 0, 0}) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			damaged := bytes.Clone(enc)
			tc.patch(damaged)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			started := time.Now()
			err := (&DARE{}).Decrypt(ctx, bytes.NewReader(damaged), &bytes.Buffer{}, pass)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrDecryption))
			assert.Less(t, time.Since(started), time.Second)
		})
	}
}

func TestDAREHonorsTimeout(t *testing.T) {
	dir := t.TempDir()
	pass := writePassphrase(t, dir, "hello", 0o600)
	plainPath := filepath.Join(dir, "rows")
	require.NoError(t, os.WriteFile(plainPath, []byte("hello rows"), 0o600))
	encPath, err := (&DARE{Iterations: 1000}).Encrypt(context.Background(), plainPath, pass)
	require.NoError(t, err)
	enc, err := os.ReadFile(encPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = (&DARE{Timeout: time.Minute}).Decrypt(ctx, bytes.NewReader(enc), &bytes.Buffer{}, pass)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSealedConfig(t *testing.T) {
	plain := []byte("repository:\n  backend: local\n")
	sealed, err := SealConfig(plain, []byte("secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "repository")

	opened, err := OpenConfig(sealed, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	_, err = OpenConfig(sealed, []byte("other"))
	assert.Error(t, err)
	_, err = OpenConfig([]byte("short"), []byte("secret"))
	assert.Error(t, err)
}

func TestForMethod(t *testing.T) {
	c, err := ForMethod(MethodDARE, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, MethodDARE, c.Method())
	assert.Equal(t, time.Minute, c.(*DARE).Timeout)

	c, err = ForMethod(MethodGPG, 0)
	require.NoError(t, err)
	assert.Equal(t, MethodGPG, c.Method())

	_, err = ForMethod("rot13", 0)
	assert.Error(t, err)
}
