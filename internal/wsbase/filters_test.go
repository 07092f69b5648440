package wsbase

import "testing"

func TestCompileSessionFilterEmptyMatchesAll(t *testing.T) {
	f, err := CompileSessionFilter("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Match("anything") {
		t.Fatal("empty filter should pass all session ids")
	}
}

func TestCompileSessionFilterInclude(t *testing.T) {
	f, err := CompileSessionFilter("^web-", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Match("web-123") {
		t.Fatal("expected web-123 to pass include filter")
	}
	if f.Match("sms-123") {
		t.Fatal("expected sms-123 to fail include filter")
	}
}

func TestCompileSessionFilterExclude(t *testing.T) {
	f, err := CompileSessionFilter("", "^test-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Match("web-1") {
		t.Fatal("expected web-1 to pass exclude filter")
	}
	if f.Match("test-1") {
		t.Fatal("expected test-1 to be excluded")
	}
}

func TestCompileSessionFilterBoth(t *testing.T) {
	f, err := CompileSessionFilter("^web-", "debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Match("web-foo") {
		t.Fatal("expected web-foo to pass both filters")
	}
	if f.Match("web-debug") {
		t.Fatal("expected web-debug to be excluded despite matching include")
	}
	if f.Match("other-foo") {
		t.Fatal("expected other-foo to fail include")
	}
}

func TestCompileSessionFilterInvalid(t *testing.T) {
	if _, err := CompileSessionFilter("[invalid", ""); err == nil {
		t.Fatal("expected error for invalid include regex")
	}
	if _, err := CompileSessionFilter("", "[invalid"); err == nil {
		t.Fatal("expected error for invalid exclude regex")
	}
}
