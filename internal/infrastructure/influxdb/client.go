package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
)

// Batching defaults for a configuration that leaves them unset.
const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	// Readings carry no device clock, so the bridge stamps them on
	// arrival; milliseconds are plenty.
	pointPrecision = time.Millisecond

	applicationName = "coap-bridge"
)

// Client is the write side of the InfluxDB mirror. The library batches
// points and sends them in the background.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	// mu orders writes against Close; the library panics on a write
	// after its channels are closed.
	mu     sync.RWMutex
	closed bool

	onError atomic.Pointer[func(error)]
}

// Connect pings the server and opens the batched write API for
// cfg.Bucket. It returns ErrDisabled when the mirror is off.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ping(pingCtx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cfg.URL, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}
	// Errors() must be taken before the first write or failures are
	// only logged by the library.
	go c.forwardErrors(c.writeAPI.Errors())

	return c, nil
}

// clientOptions maps the mirror settings onto the library's batching.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) // #nosec G115 -- checked positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())). // #nosec G115 -- positive duration
		SetPrecision(pointPrecision).
		SetApplicationName(applicationName)
}

// ping fails unless the server answers /ping with a 2xx.
func ping(ctx context.Context, client influxdb2.Client) error {
	ok, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("server not ready")
	}
	return nil
}

// forwardErrors runs until Close shuts the write API.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("%w to bucket %s: %w", ErrWrite, c.bucket, err))
		}
	}
}

// SetOnError registers the callback for failed batches. Pass nil to stop
// reporting.
func (c *Client) SetOnError(fn func(error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return nil
}

// Close sends any batched points and releases the client. Points written
// afterwards are dropped. Close is idempotent and safe on a nil Client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	// Closing the client flushes every write API it handed out.
	c.client.Close()
	return nil
}
