package screenshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Browser captures pages with a fresh headless Chrome per call.
type Browser struct {
	config Config
}

// NewBrowser creates a chromedp capturer.
func NewBrowser(cfg Config) *Browser {
	return &Browser{config: cfg.withDefaults()}
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.UserAgent(b.config.UserAgent),
		chromedp.WindowSize(int(b.config.Width), int(b.config.Height)),
	)
	if b.config.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(b.config.ChromePath))
	}
	return opts
}

// Capture loads url in a mobile dark-mode viewport, waits for the network to
// go idle and returns a JPEG of the viewport.
func (b *Browser) Capture(ctx context.Context, url string) ([]byte, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	idle := waitNetworkIdle(tabCtx, b.config.Settle)

	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.EmulateViewport(b.config.Width, b.config.Height,
			chromedp.EmulateScale(b.config.Scale),
			chromedp.EmulateMobile,
			chromedp.EmulateTouch,
		),
		emulation.SetEmulatedMedia().WithFeatures([]*emulation.MediaFeature{
			{Name: "prefers-color-scheme", Value: "dark"},
		}),
		chromedp.Navigate(url),
	)
	if err != nil {
		return nil, err
	}

	select {
	case <-idle:
	case <-time.After(b.config.Timeout / 2):
	case <-tabCtx.Done():
		return nil, tabCtx.Err()
	}

	var buf []byte
	err = chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(b.config.Quality)).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// waitNetworkIdle signals once no request has been in flight for idleAfter.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) <-chan struct{} {
	idle := make(chan struct{})
	var active int32
	var mu sync.Mutex
	var timer *time.Timer
	var once sync.Once

	arm := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&active) == 0 {
				once.Do(func() { close(idle) })
			}
		})
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&active, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&active, -1) <= 0 {
				arm()
			}
		case *page.EventLoadEventFired:
			if atomic.LoadInt32(&active) <= 0 {
				arm()
			}
		}
	})

	return idle
}
