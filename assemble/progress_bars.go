package assemble

import (
	"fmt"
	"io"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// shortDigestLen is the number of hex digits of a layer digest shown in bar prefixes.
const shortDigestLen = 12

// newProgressPool creates a *mpb.Progress writing to w, or returns nil if w is nil.
// The caller must eventually call pool.Wait() after the pool will no longer be updated.
// NOTE: Every progress bar created within the progress pool must either successfully
// complete or be aborted, or pool.Wait() will hang. That is typically done
// using "defer bar.Abort(false)", which must be called BEFORE pool.Wait() is called.
func newProgressPool(w io.Writer) *mpb.Progress {
	if w == nil {
		return nil
	}
	return mpb.New(mpb.WithWidth(40), mpb.WithOutput(w))
}

// barPrefix returns "Copying blob <short digest>", truncated so that all bars align.
func barPrefix(desc imgspecv1.Descriptor) string {
	prefix := fmt.Sprintf("Copying blob %s", desc.Digest.Encoded())
	maxPrefixLen := len("Copying blob ") + shortDigestLen
	if len(prefix) > maxPrefixLen {
		prefix = prefix[:maxPrefixLen]
	}
	return prefix
}

// createProgressBar creates a mpb.Bar for desc in pool; it returns nil if pool is nil.
// onComplete replaces the counters once the bar has completed.
func createProgressBar(pool *mpb.Progress, desc imgspecv1.Descriptor, onComplete string) *mpb.Bar {
	if pool == nil {
		return nil
	}
	prefix := barPrefix(desc)
	onComplete = prefix + " " + onComplete

	// Use a normal progress bar when we know the size (i.e., size > 0).
	// Otherwise, use a spinner to indicate that something's happening.
	if desc.Size > 0 {
		return pool.AddBar(desc.Size,
			mpb.BarFillerClearOnComplete(),
			mpb.PrependDecorators(
				decor.OnComplete(decor.Name(prefix), onComplete),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.CountersKibiByte("%.1f / %.1f"), ""),
			),
		)
	}
	return pool.New(0,
		mpb.SpinnerStyle(".", "..", "...", "....", "").PositionLeft(),
		mpb.BarFillerClearOnComplete(),
		mpb.PrependDecorators(
			decor.OnComplete(decor.Name(prefix), onComplete),
		),
	)
}

// completeBar marks bar, which may be nil, as done after desc was transferred or skipped.
func completeBar(bar *mpb.Bar, desc imgspecv1.Descriptor) {
	if bar == nil {
		return
	}
	if desc.Size > 0 {
		bar.SetCurrent(desc.Size)
	} else {
		bar.SetTotal(-1, true)
	}
}
