package app

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/protocol/keyexchange"
	"securechat/internal/repository/sessionkey"
	"securechat/internal/service/server"
)

type lines struct {
	mu  sync.Mutex
	out []string
}

func (l *lines) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = append(l.out, fmt.Sprintf(format, args...))
}

func (l *lines) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.out {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T) string {
	t.Helper()

	pair, err := asymmetric.GenerateKeyPair(1024, time.Hour)
	require.NoError(t, err)

	provider := asymmetric.NewProvider(pair)
	store := sessionkey.NewMemoryStore()
	orch := keyexchange.NewOrchestrator(provider, store, time.Hour)

	srv := httptest.NewServer(server.NewHttpServer(provider, orch, store, nil).Router(false))
	t.Cleanup(srv.Close)

	return strings.TrimPrefix(srv.URL, "http://")
}

func newTestApp(t *testing.T, host, userID, toName string) (*App, *lines) {
	t.Helper()

	out := &lines{}
	c := NewApp(host, 1024)
	c.print = out.printf
	c.toName = toName

	require.NoError(t, c.connect(userID))
	t.Cleanup(func() { _ = c.conn.Close() })

	require.Eventually(t, c.peer.HasKey, 5*time.Second, 10*time.Millisecond)
	return c, out
}

func TestApp_ChatBetweenTwoClients(t *testing.T) {
	host := newTestServer(t)

	alice, aliceOut := newTestApp(t, host, "alice", "bob")
	_, bobOut := newTestApp(t, host, "bob", "alice")

	assert.True(t, aliceOut.contains("session key established"))

	require.NoError(t, alice.SendMessage("hello bob"))
	assert.True(t, aliceOut.contains("You:[-] hello bob"))

	assert.Eventually(t, func() bool {
		return bobOut.contains("alice:[-] hello bob")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApp_GetServerKey(t *testing.T) {
	host := newTestServer(t)
	c := NewApp(host, 1024)

	info, err := c.getServerKey()
	require.NoError(t, err)
	assert.Equal(t, string(asymmetric.FormatSPKI), info.Format)
	assert.NotEmpty(t, info.PublicKey)
}

func TestApp_ServerErrorIsShown(t *testing.T) {
	host := newTestServer(t)
	c, out := newTestApp(t, host, "alice", "")

	require.NoError(t, c.writeFrame("bogus", nil))

	assert.Eventually(t, func() bool {
		return out.contains("server:[-] invalid message")
	}, 5*time.Second, 10*time.Millisecond)
}
