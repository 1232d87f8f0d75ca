package cli

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/cruciblehq/stratum/internal/build"
	"github.com/cruciblehq/stratum/internal/cache"
	"github.com/cruciblehq/stratum/internal/paths"
	"github.com/cruciblehq/stratum/internal/registry"
	"github.com/cruciblehq/stratum/internal/runtime"
	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Instrumentation scope of the build metrics.
const meterName = "github.com/cruciblehq/stratum/internal/build"

// Returns the store root from the global flag, else fallback.
func storeRoot(fallback string) string {
	if RootCmd.Store != "" {
		return RootCmd.Store
	}
	if fallback != "" {
		return fallback
	}
	return paths.Store()
}

// Opens the store and the layer cache.
func openStore(root string) (*store.Store, *cache.Cache, error) {
	st, err := store.Open(storeRoot(root))
	if err != nil {
		return nil, nil, err
	}
	c, err := cache.Open(paths.CacheIndex())
	if err != nil {
		return nil, nil, err
	}
	return st, c, nil
}

// Returns build collaborators backed by the local store and containerd.
//
// The runtime connects on the first RUN step, so builds without one work
// without containerd.
func buildDeps(st *store.Store, c *cache.Cache) (build.Deps, *lazyRuntime) {
	rt := &lazyRuntime{address: RootCmd.Containerd, namespace: RootCmd.Namespace}
	return build.Deps{
		Store:    st,
		Cache:    c,
		Resolver: &registry.Cached{Store: st, Next: &registry.Remote{}},
		Executor: rt,
	}, rt
}

var _ build.Executor = (*lazyRuntime)(nil)

// Executor that connects to containerd on first use.
type lazyRuntime struct {
	address   string
	namespace string
	once      sync.Once
	rt        *runtime.Runtime
	err       error
}

func (l *lazyRuntime) Start(ctx context.Context, img v1.Image, id string) (build.Session, error) {
	rt, err := l.get()
	if err != nil {
		return nil, err
	}
	return rt.Start(ctx, img, id)
}

func (l *lazyRuntime) get() (*runtime.Runtime, error) {
	l.once.Do(func() {
		l.rt, l.err = runtime.New(l.address, l.namespace)
	})
	return l.rt, l.err
}

// Closes the connection if one was made.
func (l *lazyRuntime) Close() error {
	if l.rt == nil {
		return nil
	}
	return l.rt.Close()
}

// Creates build instruments exported to stderr.
//
// The returned function flushes and stops the exporter.
func newMetrics() (*build.Metrics, func(context.Context) error, error) {
	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	exporter, err := stdoutmetric.New(stdoutmetric.WithEncoder(enc))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(provider)

	m, err := build.NewMetrics(provider.Meter(meterName))
	if err != nil {
		provider.Shutdown(context.Background())
		return nil, nil, err
	}
	return m, provider.Shutdown, nil
}
