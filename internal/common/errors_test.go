package common

import (
	"errors"
	"testing"
)

// net/rpc delivers remote errors as fresh values carrying only the
// message, so recovery must work from the string alone.
func TestFromRPCRecoversSentinels(t *testing.T) {
	for _, sentinel := range sentinels {
		crossed := errors.New(sentinel.Error())
		if got := FromRPC(crossed); !errors.Is(got, sentinel) {
			t.Errorf("FromRPC(%q) = %v, want %v", crossed, got, sentinel)
		}
	}
}

func TestFromRPCPassesThroughUnknown(t *testing.T) {
	unknown := errors.New("connection reset by peer")
	if got := FromRPC(unknown); got != unknown {
		t.Errorf("FromRPC mangled unknown error: %v", got)
	}
	if FromRPC(nil) != nil {
		t.Error("FromRPC(nil) should be nil")
	}
}
