package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyProvider implements Provider with one connection per command.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// NewValkeyProvider pings the server so bad credentials fail at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	p := &ValkeyProvider{cfg: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	err := p.with(ctx, func(c *respConn) error {
		r, err := c.doStrings("PING")
		if err != nil {
			return err
		}
		if r.kind != kindSimple || string(r.data) != "PONG" {
			return fmt.Errorf("unexpected PING reply %q", r.data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := p.with(ctx, func(c *respConn) error {
		r, err := c.do([]byte("GET"), []byte(key))
		if err != nil {
			return err
		}
		switch r.kind {
		case kindNil:
			return backoff.Permanent(ErrCacheMiss)
		case kindBulk:
			out = r.data
			return nil
		default:
			return fmt.Errorf("unexpected GET reply kind %q", r.kind)
		}
	})
	return out, err
}

// Set stores value with an optional millisecond TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.with(ctx, func(c *respConn) error {
		r, err := c.do(setArgs(key, value, ttl)...)
		if err != nil {
			return err
		}
		if !r.ok() {
			return fmt.Errorf("unexpected SET reply %q", r.data)
		}
		return nil
	})
}

// SetNX stores value only when key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var stored bool
	err := p.with(ctx, func(c *respConn) error {
		r, err := c.do(append(setArgs(key, value, ttl), []byte("NX"))...)
		if err != nil {
			return err
		}
		switch r.kind {
		case kindSimple:
			stored = true
		case kindNil:
			stored = false
		default:
			return fmt.Errorf("unexpected SET NX reply kind %q", r.kind)
		}
		return nil
	})
	return stored, err
}

// Del removes key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.with(ctx, func(c *respConn) error {
		_, err := c.do([]byte("DEL"), []byte(key))
		return err
	})
}

// Close is a no-op; connections are per command.
func (p *ValkeyProvider) Close() error { return nil }

func setArgs(key string, value []byte, ttl time.Duration) [][]byte {
	args := [][]byte{[]byte("SET"), []byte(key), value}
	if ttl > 0 {
		args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
	}
	return args
}

// with dials, authenticates and runs fn, retrying network timeouts.
func (p *ValkeyProvider) with(ctx context.Context, fn func(*respConn) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(25*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), uint64(p.cfg.MaxRetries-1)),
		ctx,
	)
	return backoff.Retry(func() error {
		c, err := p.dial(ctx)
		if err != nil {
			return classify(err)
		}
		defer c.Close()
		if err := p.handshake(c); err != nil {
			return classify(err)
		}
		return classify(fn(c))
	}, policy)
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return newRespConn(conn, p.cfg.ReadTimeout, p.cfg.WriteTimeout), nil
}

func (p *ValkeyProvider) handshake(c *respConn) error {
	if p.cfg.Password != "" {
		args := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		r, err := c.doStrings(args...)
		if err != nil {
			return err
		}
		if !r.ok() {
			return fmt.Errorf("auth failed: %s", r.data)
		}
	}
	if p.cfg.DB > 0 {
		r, err := c.doStrings("SELECT", strconv.Itoa(p.cfg.DB))
		if err != nil {
			return err
		}
		if !r.ok() {
			return fmt.Errorf("select failed: %s", r.data)
		}
	}
	return nil
}

// classify leaves network timeouts retryable and stops on everything else.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	return backoff.Permanent(err)
}
