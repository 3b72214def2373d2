package assemble

import (
	"context"
	"errors"
	"io"

	"github.com/devicectl/imagekit/docker/reference"
	"github.com/devicectl/imagekit/types"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v8"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxParallelDownloads returns the number of layers downloaded at the same time.
func (a *Assembler) maxParallelDownloads() int {
	if a.sys == nil || a.sys.MaxParallelDownloads < 1 {
		return 1
	}
	return a.sys.MaxParallelDownloads
}

// fetchLayers makes sure every blob in descs is in the cache and returns the
// corresponding tarball layers in descs order.  diffIDs are paired by position.
func (a *Assembler) fetchLayers(ctx context.Context, client registryClient, ref reference.Reference, descs []imgspecv1.Descriptor, diffIDs []digest.Digest, reportWriter io.Writer) ([]types.Layer, error) {
	pool := newProgressPool(reportWriter)
	layers := make([]types.Layer, len(descs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxParallelDownloads())
	for i, desc := range descs {
		g.Go(func() error {
			if err := a.fetchLayer(gctx, client, ref.Repository, desc, pool); err != nil {
				return &StageError{Stage: StageDownloadLayer, Layer: i, Digest: desc.Digest, Err: err}
			}
			l := &types.TarballLayer{
				TarballPath: a.cache.LayerPath(desc.Digest),
				Size:        desc.Size,
				MediaType:   desc.MediaType,
				Digest:      desc.Digest,
			}
			if i < len(diffIDs) {
				l.DiffID = diffIDs[i]
			}
			layers[i] = l
			return nil
		})
	}
	err := g.Wait()
	if pool != nil {
		pool.Wait()
	}
	if err != nil {
		return nil, err
	}
	return layers, nil
}

// fetchLayer downloads desc into the cache unless it is already there.
// Concurrent calls for the same digest share one download, which keeps
// running as long as any of them still waits for it; a caller whose ctx is
// cancelled stops waiting without failing the others.
func (a *Assembler) fetchLayer(ctx context.Context, client registryClient, repository string, desc imgspecv1.Descriptor, pool *mpb.Progress) error {
	if a.cache.HasLayer(desc.Digest) {
		logrus.Debugf("Layer %s found in cache", desc.Digest)
		bar := createProgressBar(pool, desc, "skipped: already exists")
		completeBar(bar, desc)
		return nil
	}

	bar := createProgressBar(pool, desc, "done")
	if bar != nil {
		defer bar.Abort(false)
	}
	key := desc.Digest.String()
	for {
		downloadCtx := a.joinDownload(key)
		ch := a.downloads.DoChan(key, func() (any, error) {
			if a.cache.HasLayer(desc.Digest) {
				return nil, nil
			}
			return nil, a.downloadLayer(downloadCtx, client, repository, desc, bar)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			a.leaveDownload(key)
			return context.Cause(ctx)
		}
		a.leaveDownload(key)
		// We joined a download that every earlier waiter had already given up on.
		if res.Err != nil && res.Shared && ctx.Err() == nil && errors.Is(res.Err, context.Canceled) {
			logrus.Debugf("Shared download of layer %s was cancelled, retrying", desc.Digest)
			continue
		}
		if res.Err == nil {
			completeBar(bar, desc)
		}
		return res.Err
	}
}

// joinDownload registers a waiter for the download of key and returns the
// context the download runs under.  It is independent of any caller's
// context and is cancelled once the last waiter has left.
func (a *Assembler) joinDownload(key string) context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.inflight[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		d = &inflightDownload{ctx: ctx, cancel: cancel}
		a.inflight[key] = d
	}
	d.waiters++
	return d.ctx
}

func (a *Assembler) leaveDownload(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.inflight[key]
	d.waiters--
	if d.waiters == 0 {
		d.cancel()
		delete(a.inflight, key)
	}
}

// downloadLayer streams desc from the registry into the cache, reporting
// progress on bar, which may be nil.
func (a *Assembler) downloadLayer(ctx context.Context, client registryClient, repository string, desc imgspecv1.Descriptor, bar *mpb.Bar) error {
	logrus.Debugf("Downloading layer %s (%d bytes)", desc.Digest, desc.Size)
	stream, size, err := client.GetBlob(ctx, repository, desc.Digest)
	if err != nil {
		return err
	}
	defer stream.Close()
	if desc.Size > 0 && size >= 0 && size != desc.Size {
		logrus.Debugf("Registry reports %d bytes for layer %s, manifest says %d", size, desc.Digest, desc.Size)
	}

	var r io.Reader = stream
	if bar != nil {
		proxy := bar.ProxyReader(stream)
		defer proxy.Close()
		r = proxy
	}
	_, err = a.cache.PutLayer(desc.Digest, r)
	return err
}
