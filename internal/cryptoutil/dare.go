package cryptoutil

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/sio"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/util"
)

const (
	MethodDARE = "dare-pbkdf2"

	dareMagic      = "BCE1"
	dareVersion    = uint16(1)
	dareSaltSize   = 32
	dareIterations = 200_000

	// The header is not authenticated, so a damaged count must not drive key
	// derivation for minutes.
	dareMinIterations = 1_000
	dareMaxIterations = 1_000_000
)

// DARE encrypts in process with the sio DARE format (AES-256-GCM) under a
// PBKDF2-SHA256 key. Each artifact carries its own salt in a short header.
type DARE struct {
	Iterations int
	Timeout    time.Duration
}

func (d *DARE) Method() string { return MethodDARE }

func (d *DARE) Available() error { return nil }

func (d *DARE) iterations() int {
	if d.Iterations >= dareMinIterations && d.Iterations <= dareMaxIterations {
		return d.Iterations
	}
	return dareIterations
}

func (d *DARE) Encrypt(ctx context.Context, plainPath, passphraseFile string) (string, error) {
	ctx, cancel := withTimeout(ctx, d.Timeout)
	defer cancel()
	pass, err := ReadPassphraseFile(passphraseFile)
	if err != nil {
		return "", err
	}
	in, err := os.Open(plainPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	outPath := plainPath + ".enc"
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", err
	}

	salt := make([]byte, dareSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fail(err)
	}
	iter := d.iterations()
	header := make([]byte, 0, 4+2+4+dareSaltSize)
	header = append(header, dareMagic...)
	header = binary.BigEndian.AppendUint16(header, dareVersion)
	header = binary.BigEndian.AppendUint32(header, uint32(iter))
	header = append(header, salt...)
	if _, err := out.Write(header); err != nil {
		return fail(err)
	}
	cfg := sio.Config{Key: deriveKey(pass, salt, iter), CipherSuites: []byte{sio.AES_256_GCM}}
	if _, err := sio.Encrypt(out, util.ContextReader(ctx, in), cfg); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fail(fmt.Errorf("dare encrypt %s: %w", plainPath, err))
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return "", err
	}
	if err := os.Remove(plainPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func (d *DARE) Decrypt(ctx context.Context, src io.Reader, dst io.Writer, passphraseFile string) error {
	ctx, cancel := withTimeout(ctx, d.Timeout)
	defer cancel()
	pass, err := ReadPassphraseFile(passphraseFile)
	if err != nil {
		return err
	}
	header := make([]byte, 4+2+4+dareSaltSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return apperr.Wrap(apperr.KindDecryption, err, "artifact header truncated")
	}
	if string(header[:4]) != dareMagic {
		return apperr.New(apperr.KindDecryption, "artifact is not DARE encrypted")
	}
	if ver := binary.BigEndian.Uint16(header[4:6]); ver != dareVersion {
		return apperr.New(apperr.KindDecryption, "unsupported artifact version %d", ver)
	}
	iter := int(binary.BigEndian.Uint32(header[6:10]))
	if iter < dareMinIterations || iter > dareMaxIterations {
		return apperr.New(apperr.KindDecryption, "artifact header is damaged: key derivation count %d out of range", iter)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	salt := header[10:]
	cfg := sio.Config{Key: deriveKey(pass, salt, iter), CipherSuites: []byte{sio.AES_256_GCM}}
	if _, err := sio.Decrypt(dst, util.ContextReader(ctx, src), cfg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Wrap(apperr.KindDecryption, err, "wrong passphrase or damaged artifact")
	}
	return nil
}

func deriveKey(pass, salt []byte, iter int) []byte {
	return pbkdf2.Key(pass, salt, iter, 32, sha256.New)
}
