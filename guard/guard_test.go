package guard

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSecret(t *testing.T) {
	assert.ErrorIs(t, ValidateSecret("short"), ErrSecretTooShort)
	assert.NoError(t, ValidateSecret(strings.Repeat("a", MinSecretLen)))
}

func TestCheckURL(t *testing.T) {
	u, err := CheckURL(" https://example.test/signup ")
	require.NoError(t, err)
	assert.Equal(t, "example.test", u.Hostname())

	_, err = CheckURL("ftp://example.test/")
	assert.ErrorIs(t, err, ErrUnsafeScheme)
	_, err = CheckURL("javascript:alert(1)")
	assert.ErrorIs(t, err, ErrUnsafeScheme)
	_, err = CheckURL("http:///path")
	assert.ErrorIs(t, err, ErrNoHost)
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestPublicURL(t *testing.T) {
	r := fakeResolver{
		"public.test":   {"93.184.216.34"},
		"internal.test": {"93.184.216.34", "10.1.2.3"},
	}
	ctx := context.Background()
	cases := []struct {
		url  string
		want error
	}{
		{"https://public.test/", nil},
		{"https://internal.test/", ErrPrivateTarget},
		{"http://127.0.0.1:8080/", ErrPrivateTarget},
		{"http://[::1]/", ErrPrivateTarget},
		{"http://169.254.169.254/latest/meta-data", ErrPrivateTarget},
		{"http://localhost/", ErrPrivateTarget},
		{"http://8.8.8.8/", nil},
		{"http://unresolvable.test/", nil},
		{"file:///etc/passwd", ErrUnsafeScheme},
	}
	for _, c := range cases {
		err := PublicURL(ctx, c.url, r)
		if c.want == nil {
			assert.NoError(t, err, c.url)
		} else {
			assert.ErrorIs(t, err, c.want, c.url)
		}
	}
}

func TestPrivate(t *testing.T) {
	for ip, want := range map[string]bool{
		"127.0.0.1":        true,
		"10.0.0.1":         true,
		"172.16.0.1":       true,
		"192.168.0.1":      true,
		"fd00::1":          true,
		"::ffff:127.0.0.1": true,
		"0.0.0.0":          true,
		"8.8.8.8":          false,
		"2606:4700::1111":  false,
	} {
		assert.Equal(t, want, Private(netip.MustParseAddr(ip)), ip)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = LimitedReadAll(strings.NewReader("hello!"), 5)
	assert.ErrorIs(t, err, ErrTooLarge)
}
