package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplane-io/dspool/pkg/dserrors"
)

type fakeConn struct {
	closed  bool
	pingErr error
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close() error { c.closed = true; return nil }

type fakeDriver struct {
	openErr  error
	lastURL  string
	lastUser string
	opened   int
}

func (d *fakeDriver) Open(_ context.Context, url, username, _ string) (Conn, error) {
	d.opened++
	d.lastURL = url
	d.lastUser = username
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &fakeConn{}, nil
}

func TestSchemeOf(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "mysql url", url: "mysql://localhost:3306/db", want: "mysql"},
		{name: "scheme is lowercased", url: "MySQL://localhost/db", want: "mysql"},
		{name: "postgres url", url: "postgres://host/db", want: "postgres"},
		{name: "no scheme", url: "localhost:3306/db", wantErr: true},
		{name: "empty scheme", url: "://localhost/db", wantErr: true},
		{name: "empty url", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SchemeOf(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("fake", &fakeDriver{}))

	err := reg.Register("fake", &fakeDriver{})
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeInvalidConfig))

	d, ok := reg.Lookup("fake")
	assert.True(t, ok)
	assert.NotNil(t, d)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"fake"}, reg.Schemes())
}

func TestResolverConnect(t *testing.T) {
	t.Run("resolves and opens", func(t *testing.T) {
		reg := NewRegistry()
		d := &fakeDriver{}
		require.NoError(t, reg.Register("fake", d))

		r := NewResolver(reg, "ds1", "fake://localhost/db", "app", "secret")
		conn, err := r.Connect(context.Background())
		require.NoError(t, err)
		require.NotNil(t, conn)
		assert.Equal(t, 1, d.opened)
		assert.Equal(t, "fake://localhost/db", d.lastURL)
		assert.Equal(t, "app", d.lastUser)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		r := NewResolver(NewRegistry(), "ds1", "nosuch://host/db", "", "")
		_, err := r.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeDriverNotFound))
	})

	t.Run("malformed url", func(t *testing.T) {
		r := NewResolver(NewRegistry(), "ds1", "not-a-url", "", "")
		_, err := r.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeInvalidConfig))
	})

	t.Run("open failure is wrapped", func(t *testing.T) {
		reg := NewRegistry()
		cause := errors.New("connection refused")
		require.NoError(t, reg.Register("fake", &fakeDriver{openErr: cause}))

		r := NewResolver(reg, "ds1", "fake://localhost/db", "", "")
		_, err := r.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeConnectionFailed))
		assert.ErrorIs(t, err, cause)
	})
}
