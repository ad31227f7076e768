package cryptoutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/util"
)

const MethodGPG = "gpg-symmetric"

// GPG shells out to gpg for AES256 symmetric encryption. The passphrase is
// handed over by file path only.
type GPG struct {
	Binary  string
	Timeout time.Duration
}

func (g *GPG) Method() string { return MethodGPG }

func (g *GPG) Available() error {
	return util.RequireBinary(g.binary())
}

func (g *GPG) binary() string {
	if g.Binary == "" {
		return "gpg"
	}
	return g.Binary
}

func (g *GPG) baseArgs(passphraseFile string) []string {
	return []string{"--batch", "--yes", "--quiet", "--no-symkey-cache", "--pinentry-mode", "loopback", "--passphrase-file", passphraseFile}
}

func (g *GPG) Encrypt(ctx context.Context, plainPath, passphraseFile string) (string, error) {
	if err := g.Available(); err != nil {
		return "", err
	}
	if err := CheckPassphraseFile(passphraseFile); err != nil {
		return "", err
	}
	ctx, cancel := withTimeout(ctx, g.Timeout)
	defer cancel()

	out := plainPath + ".gpg"
	args := append(g.baseArgs(passphraseFile), "--symmetric", "--cipher-algo", "AES256", "--output", out, plainPath)
	cmd := util.Command(ctx, g.binary(), args, nil)
	stderr := util.NewTailBuffer(util.DefaultTail)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", fmt.Errorf("gpg encrypt %s: %w: %s", plainPath, err, strings.TrimSpace(stderr.String()))
	}
	if err := os.Chmod(out, 0o600); err != nil {
		return "", err
	}
	if err := os.Remove(plainPath); err != nil {
		return "", err
	}
	return out, nil
}

func (g *GPG) Decrypt(ctx context.Context, src io.Reader, dst io.Writer, passphraseFile string) error {
	if err := g.Available(); err != nil {
		return err
	}
	if err := CheckPassphraseFile(passphraseFile); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, g.Timeout)
	defer cancel()

	args := append(g.baseArgs(passphraseFile), "--decrypt")
	cmd := util.Command(ctx, g.binary(), args, nil)
	cmd.Stdin = src
	cmd.Stdout = dst
	stderr := util.NewTailBuffer(util.DefaultTail)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return apperr.Wrap(apperr.KindDecryption, err, "gpg decrypt failed: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
