package license

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

// CachingDialer resolves hosts through an in-process DNS cache so repeated
// checks against the same licensing host skip the system resolver.
type CachingDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer
	stop     chan struct{}
	once     sync.Once
}

// NewCachingDialer starts a resolver whose entries are refreshed every
// refresh interval. Close stops the refresh goroutine.
func NewCachingDialer(refresh time.Duration) *CachingDialer {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}

	d := &CachingDialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		stop: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.resolver.Refresh(true)
			case <-d.stop:
				return
			}
		}
	}()

	return d
}

// DialContext dials the first address the cached resolver returns
func (d *CachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if ip := net.ParseIP(host); ip != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Close stops the refresh goroutine
func (d *CachingDialer) Close() {
	d.once.Do(func() { close(d.stop) })
}

// NewHTTPClient returns a client whose transport dials through d. Timeouts
// are applied per request by the caller's context.
func NewHTTPClient(d *CachingDialer) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = d.DialContext
	transport.MaxIdleConnsPerHost = 16

	return &http.Client{Transport: transport}
}
