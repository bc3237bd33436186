package setup

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultUser = "root@pam"
	DefaultHost = "localhost"
)

var (
	storeNameRegexp = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._\-]*$`)
	backupIDRegexp  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._\-]*$`)
	backupTypes     = map[string]bool{"vm": true, "ct": true, "host": true}
)

// Repository is a parsed repository location of the form
// [[user@]host:]store. User names may themselves contain '@'
// (for example "backup@pbs").
type Repository struct {
	User  string
	Host  string
	Store string
}

// String renders the repository in canonical user@host:store form.
func (r Repository) String() string {
	return fmt.Sprintf("%s@%s:%s", r.User, r.Host, r.Store)
}

// ParseRepository parses a repository location. Missing user and host fall
// back to DefaultUser and DefaultHost. A bracketed IPv6 host such as
// "[::1]:store" is supported.
func ParseRepository(s string) (Repository, error) {
	r := Repository{User: DefaultUser, Host: DefaultHost}

	rest := s
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		r.Store = rest[i+1:]
		rest = rest[:i]

		if j := strings.LastIndex(rest, "@"); j >= 0 {
			r.User = rest[:j]
			rest = rest[j+1:]
		}
		r.Host = strings.TrimSuffix(strings.TrimPrefix(rest, "["), "]")
	} else {
		r.Store = rest
	}

	if r.User == "" || r.Host == "" {
		return Repository{}, fmt.Errorf("%w: %q", ErrInvalidRepository, s)
	}
	if !storeNameRegexp.MatchString(r.Store) {
		return Repository{}, fmt.Errorf("%w: bad store name in %q", ErrInvalidRepository, s)
	}
	return r, nil
}

// Snapshot identifies one backup: type/id/time, for example
// "vm/100/2024-05-01T10:00:00Z".
type Snapshot struct {
	Type string
	ID   string
	Time time.Time
}

// Group is the type/id prefix shared by all snapshots of one target.
func (s Snapshot) Group() string {
	return s.Type + "/" + s.ID
}

// String renders the snapshot with an RFC 3339 UTC timestamp.
func (s Snapshot) String() string {
	return s.Group() + "/" + s.Time.UTC().Format(time.RFC3339)
}

// ParseSnapshot parses a type/id/time snapshot identifier. The time may be
// RFC 3339 or Unix seconds.
func ParseSnapshot(s string) (Snapshot, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Snapshot{}, fmt.Errorf("%w: %q (expected type/id/time)", ErrInvalidSnapshot, s)
	}

	if !backupTypes[parts[0]] {
		return Snapshot{}, fmt.Errorf("%w: unknown backup type %q", ErrInvalidSnapshot, parts[0])
	}
	if !backupIDRegexp.MatchString(parts[1]) {
		return Snapshot{}, fmt.Errorf("%w: bad backup id %q", ErrInvalidSnapshot, parts[1])
	}

	t, err := parseBackupTime(parts[2])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	return Snapshot{Type: parts[0], ID: parts[1], Time: t}, nil
}

// CheckVM fails with ErrWrongBackupType unless the snapshot is a VM backup.
func (s Snapshot) CheckVM() error {
	if s.Type != BackupTypeVM {
		return fmt.Errorf("%w (%s != %s)", ErrWrongBackupType, s.Type, BackupTypeVM)
	}
	return nil
}

func parseBackupTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}

	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err == nil && fmt.Sprint(secs) == s {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad backup time %q", s)
}
