package connpool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/lookup-checker/internal/testutil"
	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

type fakeCooldowns map[int64]time.Duration

func (f fakeCooldowns) ShouldAllow(ctx context.Context, credentialID int64) (bool, time.Duration, error) {
	if d, ok := f[credentialID]; ok {
		return false, d, nil
	}
	return true, 0, nil
}

// socks5OnlyDialer refuses every proxy type but SOCKS5.
type socks5OnlyDialer struct {
	remote.Dialer
}

func (d socks5OnlyDialer) Dial(cred model.Credential, p *model.Proxy) (remote.Provider, error) {
	if p != nil && p.Type != model.ProxySOCKS5 {
		return nil, fmt.Errorf("%w: %s", remote.ErrUnsupportedProxy, p.Type)
	}
	return d.Dialer.Dial(cred, p)
}

func seedCredentials(st *testutil.MemStore, n int) []int64 {
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, st.AddCredential(model.Credential{Phone: fmt.Sprintf("+7900000%04d", i)}))
	}
	return ids
}

func TestAcquire(t *testing.T) {
	st := testutil.NewMemStore()
	seedCredentials(st, 3)
	svc := testutil.NewFakeService()
	pool := New(st.Credentials(), svc)

	conns, err := pool.Acquire(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, conns, 2)
	for _, c := range conns {
		assert.True(t, c.Ready())
	}
	assert.NotEqual(t, conns[0].ID, conns[1].ID)
	assert.Equal(t, 2, pool.Live())
}

func TestAcquireNeverExceedsEligible(t *testing.T) {
	st := testutil.NewMemStore()
	seedCredentials(st, 2)
	pool := New(st.Credentials(), testutil.NewFakeService())

	conns, err := pool.Acquire(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, conns, 2)
}

func TestAcquireSkipsBoundCredentials(t *testing.T) {
	st := testutil.NewMemStore()
	seedCredentials(st, 3)
	pool := New(st.Credentials(), testutil.NewFakeService())
	ctx := context.Background()

	first, err := pool.Acquire(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := pool.Acquire(ctx, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	for _, c := range first {
		assert.NotEqual(t, c.CredentialID(), second[0].CredentialID())
	}
}

func TestAcquireNoCredentials(t *testing.T) {
	st := testutil.NewMemStore()
	pool := New(st.Credentials(), testutil.NewFakeService())

	conns, err := pool.Acquire(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestAcquireInvalidatesRejectedCredentials(t *testing.T) {
	tests := []struct {
		name  string
		setup func(svc *testutil.FakeService, id int64)
	}{
		{
			name:  "fatal state",
			setup: func(svc *testutil.FakeService, id int64) { svc.SetAuthState(id, remote.AuthFatal) },
		},
		{
			name:  "needs interactive",
			setup: func(svc *testutil.FakeService, id int64) { svc.SetAuthState(id, remote.AuthNeedsInteractive) },
		},
		{
			name: "fatal auth error",
			setup: func(svc *testutil.FakeService, id int64) {
				svc.SetAuthError(id, fmt.Errorf("session revoked: %w", remote.ErrFatalAuth))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testutil.NewMemStore()
			ids := seedCredentials(st, 2)
			svc := testutil.NewFakeService()
			tt.setup(svc, ids[0])
			pool := New(st.Credentials(), svc)

			conns, err := pool.Acquire(context.Background(), 2)
			require.NoError(t, err)
			require.Len(t, conns, 1)
			assert.Equal(t, ids[1], conns[0].CredentialID())
			assert.False(t, st.Credential(ids[0]).IsActive)
			assert.Equal(t, 1, svc.Disconnects(ids[0]))
		})
	}
}

func TestAcquireSkipsTransientFailures(t *testing.T) {
	st := testutil.NewMemStore()
	ids := seedCredentials(st, 2)
	svc := testutil.NewFakeService()
	svc.FailConnect(ids[0], errors.New("dial tcp: i/o timeout"))
	pool := New(st.Credentials(), svc)
	ctx := context.Background()

	conns, err := pool.Acquire(ctx, 2)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, ids[1], conns[0].CredentialID())
	assert.True(t, st.Credential(ids[0]).IsActive)

	// The queued failure is consumed; the next round picks the credential up.
	again, err := pool.Acquire(ctx, 2)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, ids[0], again[0].CredentialID())
}

func TestAcquireSkipsUndialableCredentials(t *testing.T) {
	st := testutil.NewMemStore()
	proxyID := st.AddProxy(model.Proxy{Type: model.ProxySOCKS4, Host: "10.0.0.1", Port: 1080})
	socks4 := st.AddCredential(model.Credential{Phone: "+79000000001", ProxyID: &proxyID})
	direct := st.AddCredential(model.Credential{Phone: "+79000000002"})
	svc := testutil.NewFakeService()
	pool := New(st.Credentials(), socks5OnlyDialer{Dialer: svc})

	conns, err := pool.Acquire(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, direct, conns[0].CredentialID())
	assert.True(t, st.Credential(socks4).IsActive)
	assert.Zero(t, svc.Connects(socks4))
	assert.Equal(t, 1, pool.Live())
}

func TestAcquireSkipsCooldowns(t *testing.T) {
	st := testutil.NewMemStore()
	ids := seedCredentials(st, 3)
	svc := testutil.NewFakeService()
	pool := New(st.Credentials(), svc, WithCooldowns(fakeCooldowns{ids[1]: time.Minute}))

	conns, err := pool.Acquire(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, conns, 2)
	for _, c := range conns {
		assert.NotEqual(t, ids[1], c.CredentialID())
	}
	assert.Zero(t, svc.Connects(ids[1]))
}

func TestAcquireStoreError(t *testing.T) {
	st := testutil.NewMemStore()
	seedCredentials(st, 1)
	st.ListErr = errors.New("db down")
	pool := New(st.Credentials(), testutil.NewFakeService())

	_, err := pool.Acquire(context.Background(), 1)
	assert.Error(t, err)
}

func TestRelease(t *testing.T) {
	st := testutil.NewMemStore()
	ids := seedCredentials(st, 1)
	svc := testutil.NewFakeService()
	pool := New(st.Credentials(), svc)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return at }
	ctx := context.Background()

	conns, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	pool.Release(ctx, conns[0])
	assert.Equal(t, 0, pool.Live())
	assert.False(t, conns[0].Ready())
	assert.Equal(t, 1, svc.Disconnects(ids[0]))
	assert.True(t, st.Credential(ids[0]).LastUsed.Equal(at))

	// Releasing twice is a no-op.
	pool.Release(ctx, conns[0])
	assert.Equal(t, 1, svc.Disconnects(ids[0]))
}

func TestInvalidate(t *testing.T) {
	st := testutil.NewMemStore()
	ids := seedCredentials(st, 1)
	pool := New(st.Credentials(), testutil.NewFakeService())
	ctx := context.Background()

	conns, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	require.NoError(t, pool.Invalidate(ctx, conns[0], "revoked"))
	assert.False(t, st.Credential(ids[0]).IsActive)
	assert.Equal(t, 0, pool.Live())

	again, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReconnect(t *testing.T) {
	st := testutil.NewMemStore()
	ids := seedCredentials(st, 1)
	svc := testutil.NewFakeService()
	svc.FailNext("+79161234567", remote.ErrConnectionLost)
	pool := New(st.Credentials(), svc)
	ctx := context.Background()

	conns, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	conn := conns[0]

	_, err = conn.Lookup(ctx, "+79161234567")
	require.ErrorIs(t, err, remote.ErrConnectionLost)
	assert.False(t, conn.Ready())

	require.NoError(t, pool.Reconnect(ctx, conn))
	assert.True(t, conn.Ready())
	assert.Equal(t, 2, svc.Connects(ids[0]))

	_, err = conn.Lookup(ctx, "+79161234567")
	assert.NoError(t, err)
}

func TestReconnectFatal(t *testing.T) {
	st := testutil.NewMemStore()
	ids := seedCredentials(st, 1)
	svc := testutil.NewFakeService()
	pool := New(st.Credentials(), svc)
	ctx := context.Background()

	conns, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)

	svc.SetAuthState(ids[0], remote.AuthFatal)
	err = pool.Reconnect(ctx, conns[0])
	assert.ErrorIs(t, err, remote.ErrFatalAuth)
}

func TestClose(t *testing.T) {
	st := testutil.NewMemStore()
	ids := seedCredentials(st, 2)
	svc := testutil.NewFakeService()
	pool := New(st.Credentials(), svc)
	ctx := context.Background()

	_, err := pool.Acquire(ctx, 2)
	require.NoError(t, err)

	pool.Close(ctx)
	assert.Equal(t, 0, pool.Live())
	for _, id := range ids {
		assert.Equal(t, 1, svc.Disconnects(id))
	}
}
