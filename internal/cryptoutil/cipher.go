package cryptoutil

import (
	"context"
	"fmt"
	"io"
	"time"
)

const (
	BackendGPG  = "gpg"
	BackendDARE = "dare"
)

// Cipher encrypts staged plaintext files and decrypts stored artifacts.
type Cipher interface {
	// Method is recorded in the manifest as encryption_method.
	Method() string
	// Available fails with a tool_unavailable error when the backend cannot run.
	Available() error
	// Encrypt writes an encrypted sibling of plainPath, deletes the plaintext
	// and returns the new path.
	Encrypt(ctx context.Context, plainPath, passphraseFile string) (string, error)
	// Decrypt streams the plaintext of src into dst.
	Decrypt(ctx context.Context, src io.Reader, dst io.Writer, passphraseFile string) error
}

// New returns the cipher backend by name.
func New(backend string, timeout time.Duration) (Cipher, error) {
	switch backend {
	case BackendGPG, "":
		return &GPG{Binary: "gpg", Timeout: timeout}, nil
	case BackendDARE:
		return &DARE{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unsupported cipher backend: %s", backend)
	}
}

// ForMethod returns the backend able to decrypt artifacts written with method.
func ForMethod(method string, timeout time.Duration) (Cipher, error) {
	switch method {
	case MethodGPG, "":
		return New(BackendGPG, timeout)
	case MethodDARE:
		return New(BackendDARE, timeout)
	default:
		return nil, fmt.Errorf("unknown encryption method %q", method)
	}
}
