package common

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"/a//b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/../b", "/b"},
	}
	for _, c := range cases {
		if got := NormalizePath(c.in); got != c.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParentPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/", ""},
		{"/a", "/"},
		{"/a/b/c", "/a/b"},
	}
	for _, c := range cases {
		if got := ParentPath(c.in); got != c.want {
			t.Errorf("ParentPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIsValidEndpoint(t *testing.T) {
	valid := []string{"localhost:8000", "127.0.0.1:9100", "node-3.cluster:80"}
	for _, e := range valid {
		if !IsValidEndpoint(e) {
			t.Errorf("IsValidEndpoint(%q) = false", e)
		}
	}
	invalid := []string{"", "localhost", "localhost:", "localhost:abc", "a:b:c"}
	for _, e := range invalid {
		if IsValidEndpoint(e) {
			t.Errorf("IsValidEndpoint(%q) = true", e)
		}
	}
}
