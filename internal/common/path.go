package common

import (
	gopath "path"
	"strconv"
	"strings"
)

// Validate endpoint (IP:port or DomainName:port)
func IsValidEndpoint(endpoint string) bool {
	parts := strings.Split(endpoint, ":")
	if len(parts) != 2 {
		return false
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return false
	}
	return true
}

// NormalizePath resolves "." and ".." components and guarantees a
// leading slash. The empty path is the namespace root.
func NormalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p)
}

// ParentPath returns the parent directory, or "" for the root.
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "/" {
		return ""
	}
	return gopath.Dir(p)
}

func BaseName(p string) string {
	return gopath.Base(NormalizePath(p))
}
