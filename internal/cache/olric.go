package cache

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olric-data/olric"
	olricconfig "github.com/olric-data/olric/config"
	"github.com/rs/zerolog"
)

// parseBindAddr splits "host:port" or a bare host. Port is 0 when absent.
func parseBindAddr(addr string) (host string, port int) {
	h, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return h, 0
	}
	return h, p
}

// applyClusterTuning copies the non-zero replication settings onto c.
func applyClusterTuning(c *olricconfig.Config, cfg *OlricConfig) {
	if cfg.ReplicaCount > 0 {
		c.ReplicaCount = cfg.ReplicaCount
	}
	if cfg.ReadQuorum > 0 {
		c.ReadQuorum = cfg.ReadQuorum
	}
	if cfg.WriteQuorum > 0 {
		c.WriteQuorum = cfg.WriteQuorum
	}
	if cfg.MemberCountQuorum > 0 {
		c.MemberCountQuorum = cfg.MemberCountQuorum
	}
	if cfg.LeaveTimeout > 0 {
		c.LeaveTimeout = cfg.LeaveTimeout
	}
}

// olricCache implements Cache on an Olric DMap, either by running an
// embedded node that joins its peers or by connecting to a cluster.
type olricCache struct {
	db     *olric.Olric // nil in client mode
	client olric.Client
	dmap   olric.DMap
	log    *zerolog.Logger
	name   string
	mu     sync.RWMutex
	closed atomic.Bool
}

var (
	_ Cache         = (*olricCache)(nil)
	_ StatsProvider = (*olricCache)(nil)
	_ Pinger        = (*olricCache)(nil)
)

func newOlricCache(ctx context.Context, cfg *OlricConfig) (*olricCache, error) {
	olricLog := logger().With().Str("backend", "olric").Logger()

	dmapName := cfg.DMapName
	if dmapName == "" {
		dmapName = DefaultOlricConfig().DMapName
	}

	if cfg.Embedded {
		olricLog.Debug().Str("mode", "embedded").Msg("olric: starting embedded node")
		return newEmbeddedOlricCache(ctx, cfg, dmapName, &olricLog)
	}
	olricLog.Debug().Str("mode", "client").Strs("addresses", cfg.Addresses).Msg("olric: connecting to cluster")
	return newClientOlricCache(ctx, cfg, dmapName, &olricLog)
}

// newEmbeddedOlricCache starts an embedded Olric node.
func newEmbeddedOlricCache(
	ctx context.Context, cfg *OlricConfig, dmapName string, lg *zerolog.Logger,
) (*olricCache, error) {
	env := cfg.Environment
	if env == "" {
		env = EnvLocal
	}
	c := olricconfig.New(env)
	applyClusterTuning(c, cfg)

	bindAddr, bindPort := parseBindAddr(cfg.BindAddr)
	c.BindAddr = bindAddr
	if bindPort > 0 {
		c.BindPort = bindPort
	}

	if len(cfg.Peers) > 0 {
		c.Peers = cfg.Peers
	}

	// Olric logs through the standard logger; lifecycle events are logged here instead.
	c.LogOutput = io.Discard
	c.Logger = log.New(io.Discard, "", 0)

	// Started must be set before olric.New.
	ready := make(chan struct{})
	c.Started = func() {
		close(ready)
	}

	db, err := olric.New(c)
	if err != nil {
		lg.Error().Err(err).Msg("olric: failed to create embedded instance")
		return nil, err
	}

	startErr := make(chan error, 1)
	go func() {
		if err := db.Start(); err != nil {
			startErr <- err
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	select {
	case <-ready:
		lg.Debug().Msg("olric: embedded node ready")
	case err := <-startErr:
		lg.Error().Err(err).Msg("olric: embedded node failed to start")
		return nil, err
	case <-startupCtx.Done():
		// Still joining; the embedded client is usable shortly after.
		lg.Debug().Msg("olric: embedded node startup timeout, proceeding")
		time.Sleep(100 * time.Millisecond)
	}

	client := db.NewEmbeddedClient()
	dm, err := client.NewDMap(dmapName)
	if err != nil {
		lg.Error().Err(err).Str("dmap", dmapName).Msg("olric: failed to create dmap")
		if shutdownErr := db.Shutdown(context.Background()); shutdownErr != nil {
			lg.Error().Err(shutdownErr).Msg("olric: failed to shutdown after dmap creation error")
		}
		return nil, err
	}

	lg.Info().
		Str("bind_addr", bindAddr).
		Int("bind_port", bindPort).
		Str("dmap", dmapName).
		Int("peers", len(cfg.Peers)).
		Msg("olric embedded cache created")

	return &olricCache{
		client: client,
		dmap:   dm,
		db:     db,
		name:   dmapName,
		log:    lg,
	}, nil
}

// newClientOlricCache connects to an external Olric cluster.
func newClientOlricCache(
	ctx context.Context, cfg *OlricConfig, dmapName string, lg *zerolog.Logger,
) (*olricCache, error) {
	if len(cfg.Addresses) == 0 {
		lg.Error().Msg("olric: addresses required for client mode")
		return nil, errors.New("cache: olric addresses required for client mode")
	}

	client, err := olric.NewClusterClient(cfg.Addresses)
	if err != nil {
		lg.Error().Err(err).Strs("addresses", cfg.Addresses).Msg("olric: failed to connect to cluster")
		return nil, err
	}

	dm, err := client.NewDMap(dmapName)
	if err != nil {
		lg.Error().Err(err).Str("dmap", dmapName).Msg("olric: failed to create dmap")
		if closeErr := client.Close(ctx); closeErr != nil {
			lg.Error().Err(closeErr).Msg("olric: failed to close client after dmap creation error")
		}
		return nil, err
	}

	lg.Info().
		Strs("addresses", cfg.Addresses).
		Str("dmap", dmapName).
		Msg("olric cluster cache created")

	return &olricCache{
		client: client,
		dmap:   dm,
		name:   dmapName,
		log:    lg,
	}, nil
}

func (o *olricCache) acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.closed.Load() {
		return nil, ErrClosed
	}
	o.mu.RLock()
	if o.closed.Load() {
		o.mu.RUnlock()
		return nil, ErrClosed
	}
	return o.mu.RUnlock, nil
}

func (o *olricCache) Get(ctx context.Context, key string) ([]byte, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := o.dmap.Get(ctx, key)
	if errors.Is(err, olric.ErrKeyNotFound) {
		o.log.Debug().Str("key", key).Bool("hit", false).Msg("cache get")
		return nil, ErrNotFound
	}
	if err != nil {
		o.log.Debug().Str("key", key).Err(err).Msg("cache get error")
		return nil, err
	}

	value, err := resp.Byte()
	if err != nil {
		return nil, errors.Join(ErrSerializationFailed, err)
	}
	o.log.Debug().Str("key", key).Bool("hit", true).Msg("cache get")
	return copyBytes(value), nil
}

func (o *olricCache) Set(ctx context.Context, key string, value []byte) error {
	return o.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL stores value; a zero ttl never expires.
func (o *olricCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var opts []olric.PutOption
	if ttl > 0 {
		opts = append(opts, olric.EX(ttl))
	}
	if err := o.dmap.Put(ctx, key, copyBytes(value), opts...); err != nil {
		o.log.Debug().Str("key", key).Err(err).Msg("cache set error")
		return err
	}
	o.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("cache set")
	return nil
}

func (o *olricCache) Delete(ctx context.Context, key string) error {
	release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = o.dmap.Delete(ctx, key)
	if err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		o.log.Debug().Str("key", key).Err(err).Msg("cache delete error")
		return err
	}
	o.log.Debug().Str("key", key).Msg("cache delete")
	return nil
}

func (o *olricCache) Exists(ctx context.Context, key string) (bool, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	_, err = o.dmap.Get(ctx, key)
	if errors.Is(err, olric.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (o *olricCache) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed.Swap(true) {
		return nil
	}

	ctx := context.Background()
	if o.dmap != nil {
		if err := o.dmap.Close(ctx); err != nil {
			o.log.Debug().Err(err).Msg("olric: dmap close error during shutdown")
		}
	}

	if o.db != nil {
		if err := o.db.Shutdown(ctx); err != nil {
			o.log.Error().Err(err).Msg("olric: embedded node shutdown error")
			return err
		}
		o.log.Info().Msg("olric embedded cache closed")
		return nil
	}

	if err := o.client.Close(ctx); err != nil {
		o.log.Error().Err(err).Msg("olric: client disconnect error")
		return err
	}
	o.log.Info().Msg("olric cluster cache closed")
	return nil
}

// Stats reports nothing: Olric keeps statistics per member, not per DMap.
func (o *olricCache) Stats() Stats {
	return Stats{}
}

// Ping reads a sentinel key; a miss proves the cluster answered.
func (o *olricCache) Ping(ctx context.Context) error {
	release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = o.dmap.Get(ctx, "__apigate_ping__")
	if err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		o.log.Debug().Err(err).Msg("cache ping: unhealthy")
		return err
	}
	return nil
}
