// Package headless drives Chrome through chromedp to visit crawl targets
// and records what the page did while the worker dwelled on it.
package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

const (
	recordContentType = "application/json"
	recordWriteBudget = 15 * time.Second
)

// Config controls the browser pool and what gets recorded.
type Config struct {
	Browsers       int
	Headless       bool
	UserAgent      string
	ExecPath       string
	CrawlDirectory string
	SessionID      string
	Instruments    Instruments
}

type browser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Engine implements crawler.Engine with a fixed pool of Chrome instances
// sharing one allocator.
type Engine struct {
	cfg         Config
	store       crawler.BlobStore
	hasher      crawler.Hasher
	clock       crawler.Clock
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
	slots       chan *browser

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ crawler.Engine = (*Engine)(nil)

// NewChromedp prepares the allocator and browser slots. Chrome itself is
// started lazily on first use of each slot.
func NewChromedp(
	cfg Config,
	store crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Engine, error) {
	if cfg.Browsers <= 0 {
		return nil, fmt.Errorf("browsers must be > 0")
	}
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	slots := make(chan *browser, cfg.Browsers)
	for i := 0; i < cfg.Browsers; i++ {
		slots <- &browser{}
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		hasher:      hasher,
		clock:       clock,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		slots:       slots,
		done:        make(chan struct{}),
	}, nil
}

// Visit loads the target in a fresh browser context, dwells, captures the
// configured instruments and writes the visit record. The record is written
// for failed visits too.
func (e *Engine) Visit(ctx context.Context, d crawler.Directive) (crawler.VisitResult, error) {
	b, err := e.acquire(ctx)
	if err != nil {
		return crawler.VisitResult{}, err
	}
	defer e.release(b)

	if err := e.ensureStarted(b); err != nil {
		return crawler.VisitResult{}, err
	}

	var tabOpts []chromedp.ContextOption
	if d.ResetSessionFirst {
		tabOpts = append(tabOpts, chromedp.WithNewBrowserContext())
	}
	tabCtx, cancelTab := chromedp.NewContext(b.ctx, tabOpts...)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	rec := newRecorder(e.cfg.Instruments, Record{
		SessionID: e.cfg.SessionID,
		Rank:      d.Rank,
		Target:    d.Target,
		StartedAt: e.clock.Now(),
		DwellMs:   d.Dwell.Milliseconds(),
	})
	chromedp.ListenTarget(tabCtx, rec.onEvent)

	var finalURL, html string
	runErr := chromedp.Run(tabCtx,
		e.setupAction(d.ResetSessionFirst),
		chromedp.Navigate(d.Target),
		chromedp.Sleep(d.Dwell),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		e.captureAction(rec),
	)
	if runErr != nil {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("visit %s: %w: %w", d.Target, ctx.Err(), runErr)
		} else {
			runErr = fmt.Errorf("visit %s: %w", d.Target, runErr)
		}
	}
	if b.ctx.Err() != nil {
		e.logger.Warn("browser exited during visit, restarting on next use", zap.String("target", d.Target))
	}

	var docHash string
	if html != "" && e.hasher != nil {
		if docHash, err = e.hasher.Hash([]byte(html)); err != nil {
			e.logger.Warn("hash document failed", zap.Error(err))
		}
	}
	record := rec.finish(finalURL, docHash, e.clock.Now(), runErr)
	uri, writeErr := e.writeRecord(ctx, record)
	if writeErr != nil {
		e.logger.Error("write visit record failed", zap.String("target", d.Target), zap.Error(writeErr))
	}

	result := crawler.VisitResult{FinalURL: finalURL, RecordURI: uri}
	if runErr != nil {
		return result, runErr
	}
	if writeErr != nil {
		return result, writeErr
	}
	return result, nil
}

func (e *Engine) setupAction(reset bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if reset {
			if err := network.ClearBrowserCookies().Do(ctx); err != nil {
				return fmt.Errorf("clear cookies: %w", err)
			}
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// captureAction collects state that has to be queried rather than observed.
func (e *Engine) captureAction(rec *recorder) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if e.cfg.Instruments.Cookies {
			cookies, err := network.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("get cookies: %w", err)
			}
			rec.addCookies(cookies)
		}
		if !e.cfg.Instruments.SaveJavaScript {
			return nil
		}
		for id, scriptURL := range rec.scriptRequests() {
			body, err := network.GetResponseBody(id).Do(ctx)
			if err != nil {
				e.logger.Debug("script body unavailable", zap.String("url", scriptURL), zap.Error(err))
				continue
			}
			hash := ""
			if e.hasher != nil {
				hash, _ = e.hasher.Hash(body)
			}
			rec.addScript(ScriptRecord{URL: scriptURL, Hash: hash, Source: string(body)})
		}
		return nil
	})
}

func (e *Engine) writeRecord(ctx context.Context, record Record) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode visit record: %w", err)
	}
	// The visit context may already be past its deadline.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordWriteBudget)
	defer cancel()
	p := recordPath(e.cfg.CrawlDirectory, e.cfg.SessionID, record.Rank, record.Target)
	uri, err := e.store.PutObject(writeCtx, p, recordContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put visit record: %w", err)
	}
	return uri, nil
}

func (e *Engine) acquire(ctx context.Context) (*browser, error) {
	select {
	case <-e.done:
		return nil, crawler.ErrEngineClosed
	default:
	}
	select {
	case b := <-e.slots:
		return b, nil
	case <-e.done:
		return nil, crawler.ErrEngineClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (e *Engine) release(b *browser) {
	e.slots <- b
}

// ensureStarted launches Chrome for a slot, replacing a browser that died.
func (e *Engine) ensureStarted(b *browser) error {
	if b.ctx != nil && b.ctx.Err() == nil {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.ctx, b.cancel = chromedp.NewContext(e.allocator)
	if err := chromedp.Run(b.ctx); err != nil {
		b.cancel()
		b.ctx, b.cancel = nil, nil
		return fmt.Errorf("start browser: %w", err)
	}
	return nil
}

// Close waits for in-flight visits to return their slots, shuts every
// browser down and releases the allocator. It is safe to call twice.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	defer e.allocCancel()
	for i := 0; i < cap(e.slots); i++ {
		select {
		case b := <-e.slots:
			if b.ctx != nil {
				if err := chromedp.Cancel(b.ctx); err != nil {
					e.logger.Debug("browser cancel", zap.Error(err))
				}
				b.cancel()
			}
		case <-ctx.Done():
			return fmt.Errorf("close engine: %w", ctx.Err())
		}
	}
	return nil
}
