package xui

import (
	"context"
	"strconv"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/panelfleet/panelfleet/internal/model"
)

// Connector hands out logged-in API clients for panels.
type Connector interface {
	Connect(ctx context.Context, panel model.Panel) (API, error)
}

// DefaultSessionTTL bounds how long a logged-in client is reused.
const DefaultSessionTTL = 10 * time.Minute

// Dialer is the production Connector. It reuses logged-in clients for up to
// the session TTL, keyed by panel id and a fingerprint of its URL and
// credentials so that edited panels log in again.
type Dialer struct {
	opts  Options
	cache otter.Cache[string, *Client]
}

var _ Connector = (*Dialer)(nil)

// NewDialer creates a Dialer caching up to capacity sessions for ttl.
func NewDialer(opts Options, capacity int, ttl time.Duration) *Dialer {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	cache, err := otter.MustBuilder[string, *Client](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("xui: failed to create session cache: " + err.Error())
	}
	return &Dialer{opts: opts, cache: cache}
}

// Connect returns a cached client or logs in anew.
func (d *Dialer) Connect(ctx context.Context, panel model.Panel) (API, error) {
	key := sessionKey(panel)
	if c, ok := d.cache.Get(key); ok {
		return c, nil
	}
	c, err := Dial(ctx, Credentials{
		URL:      panel.URL,
		Username: panel.Username,
		Password: panel.Password,
	}, d.opts)
	if err != nil {
		return nil, err
	}
	d.cache.Set(key, c)
	return c, nil
}

// Forget drops the cached session of a panel.
func (d *Dialer) Forget(panel model.Panel) {
	d.cache.Delete(sessionKey(panel))
}

// Close releases the cache.
func (d *Dialer) Close() {
	d.cache.Close()
}

func sessionKey(p model.Panel) string {
	fp := xxh3.HashString(p.URL + "\x00" + p.Username + "\x00" + p.Password)
	return strconv.FormatInt(p.ID, 10) + ":" + strconv.FormatUint(fp, 16)
}
