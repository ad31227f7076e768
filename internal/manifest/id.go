package manifest

import (
	"regexp"
	"time"

	"github.com/rowjay/bchain/internal/apperr"
)

// IDLayout is the time layout of backup ids.
const IDLayout = "20060102_150405"

var idPattern = regexp.MustCompile(`^\d{8}_\d{6}$`)

// NewID returns the backup id for a run started at t.
func NewID(t time.Time) string {
	return t.UTC().Format(IDLayout)
}

// ValidID reports whether id has the YYYYMMDD_HHMMSS shape and is a real
// calendar instant.
func ValidID(id string) bool {
	_, err := ParseID(id)
	return err == nil
}

// ParseID returns the UTC instant encoded in id.
func ParseID(id string) (time.Time, error) {
	if !idPattern.MatchString(id) {
		return time.Time{}, apperr.New(apperr.KindInvalidBackupID, "%q does not match YYYYMMDD_HHMMSS", id).WithBackup(id)
	}
	t, err := time.ParseInLocation(IDLayout, id, time.UTC)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindInvalidBackupID, err, "%q is not a valid timestamp", id).WithBackup(id)
	}
	return t, nil
}
