// Package browser owns the chromedp session the agent drives. One session is
// created per hunt run and is used by exactly one goroutine at a time.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/blackbox-cli/internal/config"
)

// Typed errors the executor maps to step penalties. Only ErrBrowserCrashed is
// fatal to the run.
var (
	ErrElementNotFound  = errors.New("browser: element not found")
	ErrNavigation       = errors.New("browser: navigation failed")
	ErrExecutionTimeout = errors.New("browser: operation timed out")
	ErrBrowserCrashed   = errors.New("browser: session crashed")
)

// Element describes one visible interactive element on the page.
type Element struct {
	Tag         string `json:"tag"`
	Selector    string `json:"selector"`
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Snapshot is a read-only capture of page state after an action.
type Snapshot struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	BodyText   string    `json:"body_text"`
	HTML       string    `json:"-"`
	Elements   []Element `json:"elements"`
	CapturedAt time.Time `json:"captured_at"`
}

// elementQueryJS enumerates visible interactive elements and derives a usable
// selector for each (id first, then name, then a tag:nth-of-type path).
const elementQueryJS = `(() => {
	const out = [];
	const nodes = document.querySelectorAll('a[href], button, input, textarea, select, [role="button"]');
	for (const el of nodes) {
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		if (rect.width === 0 || rect.height === 0) continue;
		if (style.display === 'none' || style.visibility === 'hidden') continue;
		let selector = '';
		if (el.id) {
			selector = '#' + el.id;
		} else if (el.name) {
			selector = el.tagName.toLowerCase() + '[name="' + el.name + '"]';
		} else {
			const tag = el.tagName.toLowerCase();
			const siblings = Array.from(el.parentNode ? el.parentNode.children : []).filter(s => s.tagName === el.tagName);
			const idx = siblings.indexOf(el) + 1;
			selector = tag + ':nth-of-type(' + idx + ')';
		}
		out.push({
			tag: el.tagName.toLowerCase(),
			selector: selector,
			type: el.type || '',
			text: (el.innerText || el.value || '').slice(0, 120),
			placeholder: el.placeholder || ''
		});
		if (out.length >= 40) break;
	}
	return out;
})()`

// Session wraps an exclusively-owned chromedp browser context.
type Session struct {
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	browserCtx    context.Context
	cfg           config.BrowserConfig
	logger        *zap.Logger
	evidenceSeq   int
}

// NewSession launches a browser and returns the handle for it. The caller
// must Close the session; the browser's lifetime is detached from ctx so
// canceling a run lets the in-flight operation finish under its own timeout
// instead of tearing the browser down mid-step.
func NewSession(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("window-size", "1280,800"),
	)
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		browserCtx:    browserCtx,
		cfg:           cfg,
		logger:        logger.Named("browser"),
	}

	// Launch eagerly so a missing Chrome binary fails here, not mid-run.
	startCtx, cancel := context.WithTimeout(browserCtx, cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: launch failed: %v", ErrBrowserCrashed, err)
	}

	if cfg.EvidenceDir != "" {
		if err := os.MkdirAll(cfg.EvidenceDir, 0o755); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create evidence dir: %w", err)
		}
	}

	s.logger.Info("Browser session started", zap.Bool("headless", cfg.Headless))
	return s, nil
}

// Navigate loads the given URL and waits for the document to settle.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, "navigate", s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Fill focuses the selector's element and replaces its value.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx, "fill", s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Click clicks the element addressed by the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, "click", s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Submit submits the form containing the selector's element.
func (s *Session) Submit(ctx context.Context, selector string) error {
	return s.run(ctx, "submit", s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Submit(selector, chromedp.ByQuery),
	)
}

// Snapshot captures the current page state: URL, title, body text, outer HTML
// and visible interactive elements.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var elements []Element
	err := s.run(ctx, "snapshot", s.cfg.ActionTimeout,
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
		chromedp.Text("body", &snap.BodyText, chromedp.ByQuery),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
		chromedp.Evaluate(elementQueryJS, &elements),
	)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snap.BodyText) > 8000 {
		snap.BodyText = snap.BodyText[:8000]
	}
	snap.Elements = elements
	snap.CapturedAt = time.Now().UTC()
	return snap, nil
}

// CaptureEvidence writes a full-page screenshot into the evidence directory
// and returns its path.
func (s *Session) CaptureEvidence(ctx context.Context, label string) (string, error) {
	if s.cfg.EvidenceDir == "" {
		return "", nil
	}
	var buf []byte
	err := s.run(ctx, "screenshot", s.cfg.ActionTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().WithCaptureBeyondViewport(true).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", err
	}

	s.evidenceSeq++
	name := fmt.Sprintf("%03d_%s.png", s.evidenceSeq, sanitizeLabel(label))
	path := filepath.Join(s.cfg.EvidenceDir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write evidence file: %w", err)
	}
	s.logger.Debug("Captured evidence screenshot", zap.String("path", path))
	return path, nil
}

// Close tears the browser down. Safe to call more than once.
func (s *Session) Close() {
	s.browserCancel()
	s.allocCancel()
}

// run executes chromedp actions under a per-operation timeout and converts
// raw chromedp failures into the package's typed errors.
func (s *Session) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	if s.browserCtx.Err() != nil {
		return fmt.Errorf("%w: context closed", ErrBrowserCrashed)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	opCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()

	err := chromedp.Run(opCtx, actions...)
	// The operation itself runs to completion (or its timeout) under the
	// browser context; a canceled run context is reported only afterwards.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	if s.browserCtx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrBrowserCrashed, err)
	}
	return classifyError(op, err)
}

// classifyError maps a chromedp failure onto the typed error taxonomy.
func classifyError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrExecutionTimeout, op)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "could not find node") ||
		strings.Contains(msg, "no nodes found") ||
		strings.Contains(msg, "waiting for selector"):
		return fmt.Errorf("%w: %s: %v", ErrElementNotFound, op, err)
	case op == "navigate":
		return fmt.Errorf("%w: %v", ErrNavigation, err)
	default:
		return fmt.Errorf("browser: %s failed: %w", op, err)
	}
}

// sanitizeLabel keeps evidence file names filesystem-safe.
func sanitizeLabel(label string) string {
	if label == "" {
		return "step"
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
