//go:build unix

package sysutil

import (
	"os/user"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
)

func TestLookupIdentity(t *testing.T) {
	me, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}

	id, err := LookupIdentity(me.Username)
	if err != nil {
		t.Fatalf("LookupIdentity(%q): %v", me.Username, err)
	}
	if strconv.Itoa(id.UID) != me.Uid {
		t.Errorf("UID = %d, want %s", id.UID, me.Uid)
	}

	byID, err := LookupIdentity(me.Uid)
	if err != nil {
		t.Fatalf("LookupIdentity(%s): %v", me.Uid, err)
	}
	if byID.UID != id.UID {
		t.Errorf("lookup by uid = %d, want %d", byID.UID, id.UID)
	}
}

func TestDropPrivileges_UnknownUser(t *testing.T) {
	if err := DropPrivileges("no-such-user-childproc-test"); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestRestorePrivileges_NoOp(t *testing.T) {
	if unix.Getuid() == 0 && unix.Geteuid() != 0 {
		t.Skip("running with lowered euid")
	}
	if err := RestorePrivileges(); err != nil {
		t.Errorf("RestorePrivileges() = %v, want nil", err)
	}
}
