package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observantio/becertain/internal/config"
)

func TestMemoryProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider(8, time.Hour)

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	value := []byte("v1")
	require.NoError(t, m.Set(ctx, "k", value, 0))
	value[0] = 'x'
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "stored bytes must not alias the caller's slice")

	stored, err := m.SetNX(ctx, "k", []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, stored)

	require.NoError(t, m.Del(ctx, "k"))
	stored, err = m.SetNX(ctx, "k", []byte("v3"), 0)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestMemoryProviderPerKeyTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider(8, time.Hour)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "short", []byte("x"), time.Second))
	now = now.Add(2 * time.Second)
	_, err := m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider(4, 0)
	in := map[string]float64{"metrics": 0.3}
	require.NoError(t, SetJSON(ctx, m, "w", in, 0))
	var out map[string]float64
	require.NoError(t, GetJSON(ctx, m, "w", &out))
	assert.Equal(t, in, out)
}

func TestNewFallsBackToMemory(t *testing.T) {
	p := New(config.CacheConfig{Enabled: true, Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}, nil)
	_, ok := p.(*MemoryProvider)
	assert.True(t, ok, "unreachable valkey should degrade to memory")
}

// fakeValkey is a tiny RESP server backed by a map.
type fakeValkey struct {
	mu   sync.Mutex
	data map[string]string
	ln   net.Listener
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeValkey{data: map[string]string{}, ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeValkey) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		conn.Write([]byte(f.handle(args)))
	}
}

func (f *fakeValkey) handle(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		v, ok := f.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		nx := strings.EqualFold(args[len(args)-1], "NX")
		if _, exists := f.data[args[1]]; nx && exists {
			return "$-1\r\n"
		}
		f.data[args[1]] = args[2]
		return "+OK\r\n"
	case "DEL":
		delete(f.data, args[1])
		return ":1\r\n"
	default:
		return "-ERR unknown command\r\n"
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(header[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lenLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, _ := strconv.Atoi(strings.TrimSpace(lenLine[1:]))
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestValkeyProviderAgainstFakeServer(t *testing.T) {
	f := startFakeValkey(t)
	p, err := NewValkeyProvider(ValkeyConfig{Addr: f.ln.Addr().String()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.Get(ctx, "absent")
	assert.True(t, errors.Is(err, ErrCacheMiss), "got %v", err)

	require.NoError(t, p.Set(ctx, "tenant:w", []byte(`{"logs":0.4}`), time.Minute))
	got, err := p.Get(ctx, "tenant:w")
	require.NoError(t, err)
	assert.Equal(t, `{"logs":0.4}`, string(got))

	stored, err := p.SetNX(ctx, "tenant:w", []byte("other"), 0)
	require.NoError(t, err)
	assert.False(t, stored)

	require.NoError(t, p.Del(ctx, "tenant:w"))
	_, err = p.Get(ctx, "tenant:w")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	_, err := NewValkeyProvider(ValkeyConfig{})
	assert.Error(t, err)
}
