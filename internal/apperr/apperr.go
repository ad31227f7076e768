package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies user-visible failures.
type Kind string

const (
	KindCredentialUnavailable Kind = "credential_unavailable"
	KindDumpFailed            Kind = "dump_failed"
	KindRestoreFailed         Kind = "restore_failed"
	KindManifestCorrupt       Kind = "manifest_corrupt"
	KindChecksumMismatch      Kind = "checksum_mismatch"
	KindChainBroken           Kind = "chain_broken"
	KindDecryption            Kind = "decryption"
	KindToolUnavailable       Kind = "tool_unavailable"
	KindInvalidBackupID       Kind = "invalid_backup_id"
	KindConcurrentRun         Kind = "concurrent_run"
	KindBackupInUse           Kind = "backup_in_use"
	KindValidation            Kind = "validation"
	KindVerificationFailed    Kind = "verification_failed"
)

// Error carries enough context for an operator to act on a failure.
type Error struct {
	Kind     Kind
	BackupID string
	Service  string
	Path     string
	Message  string
	Hint     string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	var ctx []string
	if e.BackupID != "" {
		ctx = append(ctx, "backup="+e.BackupID)
	}
	if e.Service != "" {
		ctx = append(ctx, "service="+e.Service)
	}
	if e.Path != "" {
		ctx = append(ctx, "path="+e.Path)
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinels such as
// ErrChainBroken work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.BackupID == "" && t.Service == "" && t.Path == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrCredentialUnavailable = &Error{Kind: KindCredentialUnavailable}
	ErrDumpFailed            = &Error{Kind: KindDumpFailed}
	ErrRestoreFailed         = &Error{Kind: KindRestoreFailed}
	ErrManifestCorrupt       = &Error{Kind: KindManifestCorrupt}
	ErrChecksumMismatch      = &Error{Kind: KindChecksumMismatch}
	ErrChainBroken           = &Error{Kind: KindChainBroken}
	ErrDecryption            = &Error{Kind: KindDecryption}
	ErrToolUnavailable       = &Error{Kind: KindToolUnavailable}
	ErrInvalidBackupID       = &Error{Kind: KindInvalidBackupID}
	ErrConcurrentRun         = &Error{Kind: KindConcurrentRun}
	ErrBackupInUse           = &Error{Kind: KindBackupInUse}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrVerificationFailed    = &Error{Kind: KindVerificationFailed}
)

var defaultHints = map[Kind]string{
	KindCredentialUnavailable: "check the secret store path and the AppRole/token permissions for this service",
	KindDumpFailed:            "inspect the captured stderr; the run was aborted and nothing was kept",
	KindRestoreFailed:         "inspect the captured stderr and re-run restore with --services for the failed ones",
	KindManifestCorrupt:       "the manifest is structurally invalid; restore from another backup",
	KindChecksumMismatch:      "stored bytes were modified or corrupted; use another backup",
	KindChainBroken:           "an ancestor backup is missing or damaged; take a new full backup",
	KindDecryption:            "re-run with --passphrase-file pointing at the correct 0600 passphrase file",
	KindToolUnavailable:       "install the tool or add it to PATH",
	KindInvalidBackupID:       "backup ids look like 20250101_020000; run 'bchain list'",
	KindConcurrentRun:         "wait for the other run to finish or inspect the lock file; do not retry blindly",
	KindBackupInUse:           "delete the dependent incremental backups first",
	KindValidation:            "fix the input or configuration and re-run",
	KindVerificationFailed:    "run 'bchain verify' for the per-file report",
}

// New builds an error of kind with a formatted message and the default hint.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Hint: defaultHints[kind]}
}

// Wrap attaches kind to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Err = cause
	return e
}

// WithBackup sets the backup id and returns e.
func (e *Error) WithBackup(id string) *Error {
	e.BackupID = id
	return e
}

// WithService sets the service and returns e.
func (e *Error) WithService(service string) *Error {
	e.Service = service
	return e
}

// WithPath sets the file path and returns e.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithHint overrides the remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HintOf returns the remediation hint of the first *Error in err's chain.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Hint != "" {
			return e.Hint
		}
		return defaultHints[e.Kind]
	}
	return ""
}

// Exit codes for automation.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitFatal   = 2
)

// ExitCode maps err onto the CLI exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindInvalidBackupID, KindManifestCorrupt, KindChecksumMismatch, KindChainBroken,
		KindValidation, KindVerificationFailed, KindBackupInUse, KindConcurrentRun,
		KindRestoreFailed, KindDecryption:
		return ExitFailure
	default:
		return ExitFatal
	}
}
