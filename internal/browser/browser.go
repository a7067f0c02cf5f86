// SPDX-License-Identifier: AGPL-3.0-only
package browser

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Session owns the single headless browser every account routine renders
// through. It is passed explicitly; the orchestrator serializes access.
type Session struct {
	BaseURL   string
	UserAgent string
	WaitFor   time.Duration

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

func New(baseURL string) *Session {
	s := &Session{
		BaseURL:   baseURL,
		UserAgent: defaultUserAgent,
		WaitFor:   3 * time.Second,
	}
	s.launch("")
	return s
}

func (s *Session) launch(proxyAddr string) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(s.UserAgent),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if proxyAddr != "" {
		log.Printf("Browser: using proxy %s", proxyAddr)
		opts = append(opts, chromedp.ProxyServer(proxyAddr))
	}

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	s.tabCtx, s.tabCancel = chromedp.NewContext(s.allocCtx)
}

// Rebuild relaunches the browser, optionally behind a proxy.
func (s *Session) Rebuild(proxyAddr string) {
	log.Println("Browser: setting up new driver")
	s.Close()
	s.launch(proxyAddr)
}

func (s *Session) Close() {
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// ProfileHTML renders an account's feed page and returns its serialized HTML.
func (s *Session) ProfileHTML(account string) (string, error) {
	if account == "" {
		return "", fmt.Errorf("no account provided")
	}
	return s.RenderURL(s.BaseURL + account)
}

// RenderURL navigates to url, waits for the page scripts to populate the feed
// and returns the document HTML.
func (s *Session) RenderURL(url string) (string, error) {
	ctx, cancel := context.WithTimeout(s.tabCtx, 90*time.Second)
	defer cancel()

	var html string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.Sleep(s.WaitFor),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, nil
}
