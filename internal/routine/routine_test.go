package routine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fluffyriot/gabrelay/internal/config"
	"github.com/fluffyriot/gabrelay/internal/history"
	"github.com/fluffyriot/gabrelay/internal/relay"
)

const emptyPage = `<html><body></body></html>`

const feedPage = `<html><body>
<div class="post">
  <div class="avatar"></div>
  <div class="meta"></div>
  <div class="actions"></div>
  <div class="body" data-id="p1">
    <div class="header">handle</div>
    <div class="content"><div><div lang="en">fresh from the feed</div></div></div>
  </div>
</div>
</body></html>`

// stubRenderer serves a canned page. started/release, when set, let a test
// observe a render in flight and hold it open.
type stubRenderer struct {
	mu      sync.Mutex
	renders []string

	page    string
	started chan string
	release chan struct{}
}

func (r *stubRenderer) ProfileHTML(account string) (string, error) {
	r.mu.Lock()
	r.renders = append(r.renders, account)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- account
	}
	if r.release != nil {
		<-r.release
	}
	return r.page, nil
}

func (r *stubRenderer) RenderURL(string) (string, error) { return r.page, nil }

func (r *stubRenderer) Rebuild(string) {}

func (r *stubRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.renders...)
}

type recordingMessenger struct {
	mu    sync.Mutex
	calls []string
}

func (m *recordingMessenger) SendText(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "text:"+text)
	return nil
}

func (m *recordingMessenger) SendPhoto(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "photo:"+path)
	return nil
}

func (m *recordingMessenger) SendVideo(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "video:"+path)
	return nil
}

func newTestOrchestrator(t *testing.T, r *stubRenderer, m relay.Messenger) *Orchestrator {
	t.Helper()
	pl := relay.New(m, t.TempDir())
	pl.MessageDelay = 0
	pl.PostDelay = 0
	cfg := &config.AppConfig{
		Accounts:     []string{"alpha", "beta"},
		MaxStored:    10,
		PostSelector: ".post",
	}
	return New(r, &history.Store{Dir: t.TempDir()}, pl, cfg)
}

func TestRunAccountDropsOverlappingTrigger(t *testing.T) {
	r := &stubRenderer{
		page:    emptyPage,
		started: make(chan string, 2),
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, r, &recordingMessenger{})

	first := make(chan error, 1)
	go func() { first <- o.RunAccount(context.Background(), "alpha") }()
	<-r.started

	if got := o.Running(); got != 1 {
		t.Fatalf("Running=%d with one routine in flight, want 1", got)
	}

	// A second trigger for the same account is dropped, not queued.
	if err := o.RunAccount(context.Background(), "alpha"); err != nil {
		t.Fatalf("overlapping RunAccount: %v", err)
	}
	if got := r.rendered(); len(got) != 1 {
		t.Fatalf("renders=%v after overlapping trigger, want just the first", got)
	}

	// A different account is admitted while alpha is still in flight.
	second := make(chan error, 1)
	go func() { second <- o.RunAccount(context.Background(), "beta") }()
	deadline := time.Now().Add(2 * time.Second)
	for o.Running() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("beta never entered the routine while alpha was in flight")
		}
		time.Sleep(time.Millisecond)
	}

	close(r.release)
	if err := <-first; err != nil {
		t.Fatalf("alpha routine: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("beta routine: %v", err)
	}
	<-r.started

	if got := r.rendered(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("renders=%v, want [alpha beta]", got)
	}
	if got := o.Running(); got != 0 {
		t.Fatalf("Running=%d after both routines finished, want 0", got)
	}
}

func TestRunAccountDeliversAndCommits(t *testing.T) {
	r := &stubRenderer{page: feedPage}
	m := &recordingMessenger{}
	o := newTestOrchestrator(t, r, m)

	if err := o.RunAccount(context.Background(), "alpha"); err != nil {
		t.Fatalf("RunAccount: %v", err)
	}

	m.mu.Lock()
	calls := append([]string(nil), m.calls...)
	m.mu.Unlock()
	if len(calls) != 1 || calls[0] != "text:fresh from the feed" {
		t.Fatalf("calls=%v, want the parsed post's text", calls)
	}

	stored, err := o.Store.Read("alpha")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != "p1" {
		t.Fatalf("history=%+v, want just p1", stored)
	}

	// The same feed on the next cycle yields nothing new.
	if err := o.RunAccount(context.Background(), "alpha"); err != nil {
		t.Fatalf("second RunAccount: %v", err)
	}
	m.mu.Lock()
	n := len(m.calls)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("calls=%d after unchanged feed, want 1", n)
	}
}

func TestRunAllStaggersAccountStarts(t *testing.T) {
	r := &stubRenderer{page: emptyPage}
	o := newTestOrchestrator(t, r, &recordingMessenger{})
	o.Cfg.AccountStagger = 75 * time.Millisecond

	o.RunAll(context.Background())

	if got := r.rendered(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("renders=%v, want alpha before beta", got)
	}
}
