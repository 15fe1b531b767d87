package pathresolver

import "testing"

func TestFileResolverLookup(t *testing.T) {
	r := &FileResolver{
		RootPath: "/srv/git",
		BaseURLPaths: map[string]string{
			"http": "http://git.example.com",
			"git":  "git://git.example.com",
		},
		Exists: func(path string) bool {
			return path == "/srv/git/public.git"
		},
	}

	loc, err := r.Lookup(nil, "/public.git", ProtocolHTTP)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !loc.Found() {
		t.Fatalf("expected repository to be found")
	}
	if loc.FSPath != "/srv/git/public.git" {
		t.Errorf("unexpected FSPath: %s", loc.FSPath)
	}
	if loc.CloneURLs["http"] != "http://git.example.com/public.git" {
		t.Errorf("unexpected http clone URL: %s", loc.CloneURLs["http"])
	}
}

func TestFileResolverNotFound(t *testing.T) {
	r := &FileResolver{
		RootPath: "/srv/git",
		Exists:   func(path string) bool { return false },
	}
	loc, err := r.Lookup(nil, "/private.git", ProtocolSSH)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc.Found() {
		t.Errorf("expected repository to not be found")
	}
}

func TestFileResolverLookupWithTail(t *testing.T) {
	r := &FileResolver{
		RootPath: "/srv/git",
		Exists: func(path string) bool {
			return path == "/srv/git/team/project.git"
		},
	}

	loc, err := r.Lookup(nil, "/team/project.git/info/refs", ProtocolHTTP)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !loc.Found() {
		t.Fatalf("expected repository to be found")
	}
	if loc.FSPath != "/srv/git/team/project.git" {
		t.Errorf("unexpected FSPath: %s", loc.FSPath)
	}
	if loc.BaseURLPath != "/team/project.git" {
		t.Errorf("unexpected BaseURLPath: %s", loc.BaseURLPath)
	}
}

func TestFileResolverRejectsTraversal(t *testing.T) {
	r := &FileResolver{
		RootPath: "/srv/git",
		Exists:   func(path string) bool { return true },
	}
	loc, err := r.Lookup(nil, "/../../etc/passwd", ProtocolHTTP)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc.Found() {
		t.Errorf("expected traversal attempt to be rejected")
	}
}
