package ssrf

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver maps hostnames to a fixed set of addresses for deterministic
// tests, including a rebinding scenario where a hostname resolves to a
// private address.
type fakeResolver struct {
	addrs map[string][]net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func TestCheck_RejectsDisallowedScheme(t *testing.T) {
	f := New()
	err := f.Check(context.Background(), "ftp://example.com/file")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestCheck_RejectsPrivateAndLocalHosts(t *testing.T) {
	f := New()
	rejected := []string{
		"http://localhost/",
		"http://127.0.0.1/",
		"http://[::1]/",
		"http://0.0.0.0/",
		"http://169.254.169.254/",
		"http://10.0.0.1/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://100.64.0.1/",
		"http://[fc00::1]/",
		"http://[fe80::1]/",
		"http://[::ffff:127.0.0.1]/",
		"http://[::ffff:7f00:1]/",
		"http://0177.0.0.1/",
		"http://0x7f.0.0.1/",
		"http://service.local/",
		"http://box.internal/",
	}
	for _, u := range rejected {
		err := f.Check(context.Background(), u)
		assert.ErrorIsf(t, err, ErrRejected, "expected rejection for %s", u)
	}
}

func TestCheck_AllowsPublicIPsAndHostnames(t *testing.T) {
	f := NewWithResolver(&fakeResolver{
		addrs: map[string][]net.IPAddr{
			"api.openai.com": {{IP: net.ParseIP("1.2.3.4")}},
		},
	})

	allowed := []string{
		"https://8.8.8.8/",
		"https://1.1.1.1/",
		"https://api.openai.com/v1/chat/completions",
	}
	for _, u := range allowed {
		err := f.Check(context.Background(), u)
		assert.NoErrorf(t, err, "expected %s to be allowed", u)
	}
}

func TestCheck_RejectsDNSRebindingToPrivateAddress(t *testing.T) {
	f := NewWithResolver(&fakeResolver{
		addrs: map[string][]net.IPAddr{
			"evil.example.com": {{IP: net.ParseIP("127.0.0.1")}},
		},
	})
	err := f.Check(context.Background(), "http://evil.example.com/")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestCheck_LookupTimeoutIsNotTreatedAsPrivate(t *testing.T) {
	f := NewWithResolver(&fakeResolver{err: &net.DNSError{IsTimeout: true, Err: "timeout"}})
	err := f.Check(context.Background(), "http://slow.example.com/")
	assert.NoError(t, err)
}

func TestCheck_LookupHardFailureIsRejected(t *testing.T) {
	f := NewWithResolver(&fakeResolver{err: errors.New("no such host")})
	err := f.Check(context.Background(), "http://nowhere.example.com/")
	assert.ErrorIs(t, err, ErrRejected)
}
