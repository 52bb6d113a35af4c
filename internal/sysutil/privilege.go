//go:build unix

package sysutil

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// RestorePrivileges switches the effective identity back to root when the
// process is running with root as its real uid but has temporarily
// lowered its effective uid. It is a no-op otherwise.
func RestorePrivileges() error {
	if unix.Getuid() != 0 || unix.Geteuid() == 0 {
		return nil
	}
	// -1 leaves the real id alone
	if err := unix.Setreuid(-1, 0); err != nil {
		return fmt.Errorf("setreuid(-1, 0): %w", err)
	}
	if err := unix.Setregid(-1, 0); err != nil {
		return fmt.Errorf("setregid(-1, 0): %w", err)
	}
	return nil
}

// Identity is a resolved run-as user.
type Identity struct {
	Name   string
	UID    int
	GID    int
	Groups []int
	Home   string
}

// LookupIdentity resolves a user name (or numeric uid) to an Identity.
func LookupIdentity(name string) (*Identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		if _, convErr := strconv.Atoi(name); convErr != nil {
			return nil, fmt.Errorf("lookup user %q: %w", name, err)
		}
		if u, err = user.LookupId(name); err != nil {
			return nil, fmt.Errorf("lookup uid %s: %w", name, err)
		}
	}

	id := &Identity{Name: u.Username, Home: u.HomeDir}
	if id.UID, err = strconv.Atoi(u.Uid); err != nil {
		return nil, fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	if id.GID, err = strconv.Atoi(u.Gid); err != nil {
		return nil, fmt.Errorf("user %q has non-numeric gid %q", name, u.Gid)
	}

	gids, err := u.GroupIds()
	if err != nil {
		gids = []string{u.Gid}
	}
	for _, g := range gids {
		if n, err := strconv.Atoi(g); err == nil {
			id.Groups = append(id.Groups, n)
		}
	}
	return id, nil
}

// DropPrivileges permanently switches the process to the named user:
// supplementary groups, then gid, then uid. Once it returns nil there is no
// way back to the previous identity.
func DropPrivileges(name string) error {
	id, err := LookupIdentity(name)
	if err != nil {
		return err
	}

	if err := unix.Setgroups(id.Groups); err != nil {
		return fmt.Errorf("setgroups for %s: %w", id.Name, err)
	}
	if err := unix.Setgid(id.GID); err != nil {
		return fmt.Errorf("setgid(%d): %w", id.GID, err)
	}
	if err := unix.Setuid(id.UID); err != nil {
		return fmt.Errorf("setuid(%d): %w", id.UID, err)
	}

	// setuid from a non-root euid only changes the effective uid
	if unix.Getuid() != id.UID || unix.Geteuid() != id.UID {
		return fmt.Errorf("privilege drop to %s incomplete (uid=%d euid=%d)", id.Name, unix.Getuid(), unix.Geteuid())
	}
	return nil
}
