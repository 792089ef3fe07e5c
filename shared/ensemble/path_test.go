package ensemble

import (
	"errors"
	"testing"
)

func TestValidatePath(t *testing.T) {
	for _, p := range []string{"/", "/a", "/a/b", "/a-1/_c_x"} {
		if err := ValidatePath(p); err != nil {
			t.Fatal(p, err)
		}
	}
	for _, p := range []string{"", "a", "/a/", "//a", "/a//b", "/a/./b", "/.."} {
		if err := ValidatePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Fatal("expected invalid path:", p)
		}
	}
}

func TestPathNavigation(t *testing.T) {
	if Join("/", "a") != "/a" || Join("/a", "b") != "/a/b" {
		t.Fatal("join failed")
	}
	if Parent("/a/b") != "/a" || Parent("/a") != "/" || Parent("/") != "/" {
		t.Fatal("parent failed")
	}
	if Name("/a/b") != "b" || Name("/") != "" {
		t.Fatal("name failed")
	}
	anc := Ancestors("/a/b/c")
	if len(anc) != 2 || anc[0] != "/a" || anc[1] != "/a/b" {
		t.Fatal("ancestors failed:", anc)
	}
	if Depth("/") != 0 || Depth("/a") != 1 || Depth("/a/b/c") != 3 {
		t.Fatal("depth failed")
	}
	if !IsDescendant("/a/b", "/a") || IsDescendant("/ab", "/a") || IsDescendant("/a", "/a") || !IsDescendant("/a", "/") {
		t.Fatal("descendant failed")
	}
}

func TestSequence(t *testing.T) {
	name := FormatSequence("job-", 42)
	if name != "job-0000000042" {
		t.Fatal("unexpected name:", name)
	}
	seq, ok := SequenceOf(name)
	if !ok || seq != 42 {
		t.Fatal("sequence not parsed")
	}
	if _, ok := SequenceOf("job"); ok {
		t.Fatal("short name must not parse")
	}
	if _, ok := SequenceOf("job-00000000x1"); ok {
		t.Fatal("non numeric suffix must not parse")
	}
}
