package rpc

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		token string
		want  RPC
		ok    bool
	}{
		{"git-upload-pack", UploadPack, true},
		{"upload-pack", UploadPack, true},
		{"git-receive-pack", ReceivePack, true},
		{"receive-pack", ReceivePack, true},
		{"git-shell", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := Parse(c.token)
		if ok != c.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", c.token, ok, c.ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("Parse(%q) = %v, want %v", c.token, got, c.want)
		}
	}
}

func TestGitCommandName(t *testing.T) {
	if UploadPack.GitCommandName() != "git-upload-pack" {
		t.Errorf("unexpected GitCommandName: %s", UploadPack.GitCommandName())
	}
	if ReceivePack.GitCommandName() != "git-receive-pack" {
		t.Errorf("unexpected GitCommandName: %s", ReceivePack.GitCommandName())
	}
}
