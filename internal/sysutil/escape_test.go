package sysutil

import (
	"os/exec"
	"reflect"
	"testing"
)

func TestShellEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"with space", "'with space'"},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ShellEscape(tt.in)
			if err != nil {
				t.Fatalf("ShellEscape(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ShellEscape(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestShellEscape_RoundTrip(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}

	for _, in := range []string{"it's here", `back\slash`, "semi;colon && rm -rf x", `"quoted"`, "*glob?"} {
		q, err := ShellEscape(in)
		if err != nil {
			t.Fatalf("ShellEscape(%q): %v", in, err)
		}
		out, err := exec.Command(sh, "-c", "printf %s "+q).Output()
		if err != nil {
			t.Fatalf("sh -c printf %s: %v", q, err)
		}
		if string(out) != in {
			t.Errorf("round trip %q via %q = %q", in, q, out)
		}
	}
}

func TestShellEscape_RejectsNUL(t *testing.T) {
	if _, err := ShellEscape("a\x00b"); err == nil {
		t.Error("expected error for NUL byte")
	}
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		name           string
		cmd, out, errf string
		want           string
	}{
		{"no redirects", "ls -l", "", "", "ls -l"},
		{"stdout only", "ls", "/tmp/out.txt", "", "{ ls\n} > /tmp/out.txt"},
		{"both quoted", "make", "/tmp/my out", "/tmp/my err", "{ make\n} > '/tmp/my out' 2> '/tmp/my err'"},
		{"stderr only", "x", "", "e.log", "{ x\n} 2> e.log"},
		{"command list", "a; b", "o", "", "{ a; b\n} > o"},
		{"trailing comment", "a # note", "o", "", "{ a # note\n} > o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ShellCommand(tt.cmd, tt.out, tt.errf)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ShellCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvList(t *testing.T) {
	got := EnvList(map[string]string{"B": "2", "A": "1", "EMPTY": ""})
	want := []string{"A=1", "B=2", "EMPTY="}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EnvList() = %v, want %v", got, want)
	}
}

func TestParseEnv(t *testing.T) {
	env, err := ParseEnv([]string{"A=1", "B=x=y", "A=3"})
	if err != nil {
		t.Fatal(err)
	}
	if env["A"] != "3" || env["B"] != "x=y" {
		t.Errorf("ParseEnv() = %v", env)
	}

	for _, bad := range []string{"NOEQUALS", "=value"} {
		if _, err := ParseEnv([]string{bad}); err == nil {
			t.Errorf("ParseEnv(%q) should fail", bad)
		}
	}
}
