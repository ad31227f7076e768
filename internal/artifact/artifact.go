package artifact

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/compress"
	"github.com/rowjay/bchain/internal/cryptoutil"
	"github.com/rowjay/bchain/internal/manifest"
)

// Open streams the plaintext of entry, an inline entry of holder. Encrypted
// artifacts are decrypted on the fly with the method recorded in holder;
// nothing is written to disk.
func Open(ctx context.Context, store *manifest.Store, holder *manifest.Manifest, entry manifest.FileEntry, passphraseFile string, timeout time.Duration) (io.ReadCloser, error) {
	if entry.Storage.Encrypted && passphraseFile == "" {
		return nil, apperr.New(apperr.KindDecryption, "artifact is encrypted and no passphrase file was given").
			WithBackup(holder.BackupID).WithService(entry.Service).WithPath(entry.Storage.StoredPath).
			WithHint("re-run with --passphrase-file")
	}
	var cipher cryptoutil.Cipher
	if entry.Storage.Encrypted {
		c, err := cryptoutil.ForMethod(holder.EncryptionMethod, timeout)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindManifestCorrupt, err, "unknown encryption method").WithBackup(holder.BackupID)
		}
		if err := c.Available(); err != nil {
			return nil, err
		}
		if err := cryptoutil.CheckPassphraseFile(passphraseFile); err != nil {
			return nil, err
		}
		cipher = c
	}

	raw, err := store.Open(ctx, holder.BackupID, entry.Storage.StoredPath)
	if err != nil {
		return nil, err
	}
	r := &reader{raw: raw}
	var src io.Reader = raw
	if cipher != nil {
		pr, pw := io.Pipe()
		r.pipe = pr
		r.done = make(chan struct{})
		go func() {
			defer close(r.done)
			pw.CloseWithError(cipher.Decrypt(ctx, raw, pw, passphraseFile))
		}()
		src = pr
	}
	dec, err := compress.WrapReader(entry.Storage.Compression, src)
	if err != nil {
		_ = r.Close()
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindChecksumMismatch, err, "stored artifact cannot be decompressed").
			WithBackup(holder.BackupID).WithService(entry.Service).WithPath(entry.Storage.StoredPath)
	}
	r.plain = dec
	return r, nil
}

type reader struct {
	raw   io.ReadCloser
	pipe  *io.PipeReader
	done  chan struct{}
	plain io.ReadCloser
}

func (r *reader) Read(p []byte) (int, error) {
	return r.plain.Read(p)
}

// Close stops a running decryption and releases the stored object.
func (r *reader) Close() error {
	if r.plain != nil {
		_ = r.plain.Close()
	}
	if r.pipe != nil {
		_ = r.pipe.CloseWithError(io.ErrClosedPipe)
		<-r.done
	}
	return r.raw.Close()
}
