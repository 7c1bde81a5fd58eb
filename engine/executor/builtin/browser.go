package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/task"
)

// browserPayload is the JSON shape a "browser" task's payload decodes
// into: navigate to URL, optionally pull text out of one CSS selector.
type browserPayload struct {
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

// BrowserExecutor drives a single shared headless browser instance and
// opens one page per Execute call, adapted from
// ratchetplugin.BrowserManager's lazy-launch technique (launcher.New +
// rod.New().ControlURL(...), started on first use rather than at
// construction) but scoped to one task instead of one page per agent ID.
type BrowserExecutor struct {
	headless bool

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserExecutor creates a BrowserExecutor. The browser process is not
// started until the first task executes.
func NewBrowserExecutor(headless bool) *BrowserExecutor {
	return &BrowserExecutor{headless: headless}
}

func (e *BrowserExecutor) TaskType() string { return "browser" }

// IsAvailable checks whether a Chrome/Chromium binary is reachable,
// mirroring BrowserManager.IsAvailable.
func (e *BrowserExecutor) IsAvailable() bool {
	if _, has := launcher.LookPath(); has {
		return true
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil && p != "" {
			return true
		}
	}
	return false
}

func (e *BrowserExecutor) ensureBrowser() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return nil
	}
	l := launcher.New().Headless(e.headless)
	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("browser executor: launch: %w", err)
	}
	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser executor: connect: %w", err)
	}
	e.browser = b
	return nil
}

func (e *BrowserExecutor) Execute(ctx context.Context, t *task.Item, sink executor.ProgressSink) error {
	var p browserPayload
	if err := json.Unmarshal([]byte(t.Payload), &p); err != nil {
		return fmt.Errorf("browser executor: invalid payload: %w", err)
	}
	if p.URL == "" {
		return fmt.Errorf("browser executor: payload.url is required")
	}

	if err := e.ensureBrowser(); err != nil {
		return err
	}
	sink.Report(10, "browser ready", "")

	page, err := e.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("browser executor: create page: %w", err)
	}
	defer page.Close()

	if err := page.Navigate(p.URL); err != nil {
		return fmt.Errorf("browser executor: navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser executor: wait load: %w", err)
	}
	sink.Report(70, "page loaded", "")

	if p.Selector != "" {
		el, err := page.Element(p.Selector)
		if err != nil {
			return fmt.Errorf("browser executor: selector %q: %w", p.Selector, err)
		}
		text, err := el.Text()
		if err != nil {
			return fmt.Errorf("browser executor: extract text: %w", err)
		}
		sink.SetOutput(text)
	}

	sink.Report(100, "extraction complete", "")
	return nil
}

// Shutdown closes the shared browser instance, if one was started.
func (e *BrowserExecutor) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	e.browser = nil
	return err
}
