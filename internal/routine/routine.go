// SPDX-License-Identifier: AGPL-3.0-only
package routine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/fluffyriot/gabrelay/internal/config"
	"github.com/fluffyriot/gabrelay/internal/history"
	"github.com/fluffyriot/gabrelay/internal/parser"
	"github.com/fluffyriot/gabrelay/internal/proxy"
	"github.com/fluffyriot/gabrelay/internal/relay"
)

// Renderer is the browser surface the routine drives: profile rendering plus
// the hooks proxy rotation needs. *browser.Session satisfies it.
type Renderer interface {
	ProfileHTML(account string) (string, error)
	RenderURL(url string) (string, error)
	Rebuild(proxyAddr string)
}

// Orchestrator sequences the per-account routine. One shared lock serializes
// the two steps that touch singleton state, the browser render and the
// channel sends; everything between runs concurrently across accounts.
type Orchestrator struct {
	Session  Renderer
	Store    *history.Store
	Pipeline *relay.Pipeline
	Cfg      *config.AppConfig

	shared sync.Mutex

	flightMu sync.Mutex
	inFlight map[string]bool

	running atomic.Int64
}

func New(s Renderer, st *history.Store, pl *relay.Pipeline, cfg *config.AppConfig) *Orchestrator {
	return &Orchestrator{
		Session:  s,
		Store:    st,
		Pipeline: pl,
		Cfg:      cfg,
		inFlight: make(map[string]bool),
	}
}

// Running reports how many account routines are currently in flight.
func (o *Orchestrator) Running() int {
	return int(o.running.Load())
}

// RunAccount executes one polling cycle for account: render, parse, diff
// against history, deliver the novel posts, commit. At most one cycle per
// account runs at a time; overlapping triggers are dropped.
func (o *Orchestrator) RunAccount(ctx context.Context, account string) error {
	if account == "" {
		return fmt.Errorf("no account provided")
	}
	if !o.begin(account) {
		log.Printf("Worker: routine already running for %s, skipping", account)
		return nil
	}
	defer o.end(account)

	log.Printf("Worker: executing routine for %s", account)

	if o.Cfg.UseProxies {
		o.shared.Lock()
		o.rotateProxy()
		o.shared.Unlock()
	}

	o.shared.Lock()
	html, err := o.Session.ProfileHTML(account)
	o.shared.Unlock()
	if err != nil {
		return err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse page for %s: %w", account, err)
	}

	frags := parser.FilterPinned(parser.Fragments(doc, o.Cfg.PostSelector))
	fresh := parser.ParseAll(frags)

	stored, err := o.Store.Read(account)
	if err != nil {
		// Never deliver or write on top of an unreadable history.
		return err
	}

	novel := history.DetectNovel(fresh, stored)
	if len(novel) == 0 {
		log.Printf("Worker: no new posts for %s", account)
		return nil
	}

	// Media is fetched outside the shared lock; only the channel sends need
	// serializing.
	batch, err := o.Pipeline.Prepare(ctx, novel)
	if err != nil {
		log.Printf("Worker: media fetch failed for %s: %v", account, err)
	} else {
		o.shared.Lock()
		o.Pipeline.Send(ctx, batch)
		o.shared.Unlock()
	}

	if err := o.Store.Commit(account, novel, o.Cfg.MaxStored); err != nil {
		return err
	}

	log.Printf("Worker: routine completed for %s, %d new posts", account, len(novel))
	return nil
}

// RunAll runs one cycle for every configured account concurrently. Account
// starts are staggered by AccountStagger so a cycle edge does not pile every
// routine onto the shared browser at once; the shared lock inside RunAccount
// serializes the browser and channel steps.
func (o *Orchestrator) RunAll(ctx context.Context) {
	var wg sync.WaitGroup
	for i, account := range o.Cfg.Accounts {
		wg.Add(1)
		go func(account string, offset time.Duration) {
			defer wg.Done()
			if offset > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(offset):
				}
			}
			if err := o.RunAccount(ctx, account); err != nil {
				log.Printf("Worker: routine failed for %s: %v", account, err)
			}
		}(account, time.Duration(i)*o.Cfg.AccountStagger)
	}
	wg.Wait()
}

// Poll triggers a full cycle every PollInterval until ctx is cancelled.
func (o *Orchestrator) Poll(ctx context.Context) {
	ticker := time.NewTicker(o.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunAll(ctx)
		}
	}
}

func (o *Orchestrator) rotateProxy() {
	list, err := proxy.Fetch(o.Session)
	if err != nil {
		log.Printf("Worker: proxy refresh failed, keeping current session: %v", err)
		return
	}
	proxy.SortByLatency(list)
	o.Session.Rebuild(list[0].Addr)
}

func (o *Orchestrator) begin(account string) bool {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	if o.inFlight[account] {
		return false
	}
	o.inFlight[account] = true
	o.running.Add(1)
	return true
}

func (o *Orchestrator) end(account string) {
	o.flightMu.Lock()
	delete(o.inFlight, account)
	o.flightMu.Unlock()
	o.running.Add(-1)
}
