package cryptoutil

import (
	"bytes"
	"fmt"
	"os"

	"github.com/rowjay/bchain/internal/apperr"
)

// CheckPassphraseFile enforces owner-only permissions on path.
func CheckPassphraseFile(path string) error {
	if path == "" {
		return apperr.New(apperr.KindDecryption, "no passphrase file given").
			WithHint("re-run with --passphrase-file pointing at a 0600 file")
	}
	info, err := os.Stat(path)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "passphrase file unreadable").WithPath(path)
	}
	if !info.Mode().IsRegular() {
		return apperr.New(apperr.KindValidation, "passphrase file is not a regular file").WithPath(path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return apperr.New(apperr.KindValidation, "passphrase file has mode %04o", perm).WithPath(path).
			WithHint(fmt.Sprintf("chmod 600 %s", path))
	}
	return nil
}

// ReadPassphraseFile returns the passphrase stored in path with the trailing
// newline removed.
func ReadPassphraseFile(path string) ([]byte, error) {
	if err := CheckPassphraseFile(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "read passphrase file").WithPath(path)
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindValidation, "passphrase file is empty").WithPath(path)
	}
	return data, nil
}
