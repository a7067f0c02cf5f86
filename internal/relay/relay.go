// SPDX-License-Identifier: AGPL-3.0-only
package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fluffyriot/gabrelay/internal/parser"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// MaxAttachmentBytes is the channel's upload ceiling. Anything at or above it
// is relayed without a local copy.
const MaxAttachmentBytes = 50 << 20

// Pipeline fetches a batch's media concurrently, waits for every fetch to
// resolve, then delivers the posts to the chat target strictly in order.
type Pipeline struct {
	Messenger  Messenger
	HTTPClient *http.Client
	Limiter    *rate.Limiter

	CacheDir     string
	MaxBytes     int64
	Workers      int
	FetchTimeout time.Duration
	MessageDelay time.Duration
	PostDelay    time.Duration

	sleep func(time.Duration)
}

func New(m Messenger, cacheDir string) *Pipeline {
	return &Pipeline{
		Messenger:    m,
		HTTPClient:   &http.Client{},
		Limiter:      rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		CacheDir:     cacheDir,
		MaxBytes:     MaxAttachmentBytes,
		Workers:      4,
		FetchTimeout: 60 * time.Second,
		MessageDelay: 3 * time.Second,
		PostDelay:    9 * time.Second,
		sleep:        time.Sleep,
	}
}

// attachment tracks one media URL through the batch. localPath stays empty
// when the fetch errored, timed out, or the resource was oversize.
type attachment struct {
	url       string
	localPath string
	oversize  bool
}

type batchPost struct {
	text        string
	attachments []*attachment
}

// Batch is a prepared delivery unit: the posts of one cycle with their media
// already fetched into the cache.
type Batch struct {
	posts []*batchPost
	all   []*attachment
}

// Prepare runs the fan-out fetch for the batch's media and waits for every
// fetch to resolve. It touches only the local cache, so callers can run it
// outside whatever lock guards the chat target. Only being unable to create
// the cache directory fails it.
func (pl *Pipeline) Prepare(ctx context.Context, posts []parser.Post) (*Batch, error) {
	if pl.sleep == nil {
		pl.sleep = time.Sleep
	}

	b := &Batch{}
	if len(posts) == 0 {
		return b, nil
	}
	if err := os.MkdirAll(pl.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media cache: %w", err)
	}

	for _, p := range posts {
		bp := &batchPost{text: p.Text}
		for _, u := range p.Attachments {
			a := &attachment{url: u}
			bp.attachments = append(bp.attachments, a)
			b.all = append(b.all, a)
		}
		b.posts = append(b.posts, bp)
	}

	// Fan-out fetch. The group's Wait is the join over exactly len(all)
	// completions; a batch without attachments falls straight through. Fetch
	// failures resolve their own entry and never abort the group.
	g := new(errgroup.Group)
	g.SetLimit(pl.Workers)
	for _, a := range b.all {
		g.Go(func() error {
			pl.fetch(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	return b, nil
}

// Send delivers a prepared batch to the chat target strictly in order, then
// removes its cached media. Failures inside the batch are absorbed at the
// smallest scope.
func (pl *Pipeline) Send(ctx context.Context, b *Batch) {
	defer pl.cleanup(b.all)

	for i, bp := range b.posts {
		if i > 0 {
			// Longer pause between consecutive posts.
			pl.sleep(pl.PostDelay)
		}

		if bp.text != "" {
			pl.send(ctx, func(ctx context.Context) error {
				return pl.Messenger.SendText(ctx, bp.text)
			})
		}
		pl.sleep(pl.MessageDelay)

		for _, a := range bp.attachments {
			if a.oversize {
				// The post goes out without it, with the original URL only.
				log.Printf("Relay: oversize attachment not relayed: %s", a.url)
				continue
			}
			if a.localPath == "" {
				continue
			}
			path := a.localPath
			switch strings.TrimPrefix(filepath.Ext(path), ".") {
			case "mp4":
				pl.send(ctx, func(ctx context.Context) error {
					return pl.Messenger.SendVideo(ctx, path)
				})
			case "jpeg", "jpg", "png":
				pl.send(ctx, func(ctx context.Context) error {
					return pl.Messenger.SendPhoto(ctx, path)
				})
			default:
				// not a media type the channel accepts
			}
		}
	}
}

// Deliver runs the whole batch end to end: fan-out fetch, fan-in gate,
// sequential sends, temp-file cleanup.
func (pl *Pipeline) Deliver(ctx context.Context, posts []parser.Post) error {
	b, err := pl.Prepare(ctx, posts)
	if err != nil {
		return err
	}
	pl.Send(ctx, b)
	return nil
}

// fetch retrieves one attachment into a uniquely named cache file. Each fetch
// runs under its own timeout so a stalled download resolves its join entry as
// errored instead of stalling the batch gate.
func (pl *Pipeline) fetch(ctx context.Context, a *attachment) {
	if pl.Limiter != nil {
		if err := pl.Limiter.Wait(ctx); err != nil {
			log.Printf("Relay: fetch cancelled for %s: %v", a.url, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, pl.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		log.Printf("Relay: bad attachment url %s: %v", a.url, err)
		return
	}

	resp, err := pl.HTTPClient.Do(req)
	if err != nil {
		log.Printf("Relay: fetch failed for %s: %v", a.url, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Relay: unexpected HTTP status %d for %s", resp.StatusCode, a.url)
		return
	}

	if resp.ContentLength >= pl.MaxBytes {
		// Too large for the channel; the post goes out without it.
		a.oversize = true
		log.Printf("Relay: attachment over size limit, skipping: %s", a.url)
		return
	}

	path := filepath.Join(pl.CacheDir, uuid.New().String()+urlExt(a.url))
	f, err := os.Create(path)
	if err != nil {
		log.Printf("Relay: failed to create %s: %v", path, err)
		return
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		log.Printf("Relay: download failed for %s: %v", a.url, err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		log.Printf("Relay: failed to close %s: %v", path, err)
		return
	}

	a.localPath = path
}

// send runs one send, retrying exactly once when the channel answers with a
// flood-wait hint. Any other failure abandons only this send.
func (pl *Pipeline) send(ctx context.Context, op func(context.Context) error) {
	err := op(ctx)
	if err == nil {
		return
	}

	if wait, ok := AsFloodWait(err); ok {
		log.Printf("Relay: flood wait, retrying in %s", wait+time.Second)
		pl.sleep(wait + time.Second)
		if err = op(ctx); err == nil {
			return
		}
	}

	log.Printf("Relay: send failed: %v", err)
}

func (pl *Pipeline) cleanup(all []*attachment) {
	for _, a := range all {
		if a.localPath == "" {
			continue
		}
		if err := os.Remove(a.localPath); err != nil {
			log.Printf("Relay: failed to delete %s: %v", a.localPath, err)
		}
	}
}

// urlExt returns the suffix of the URL's final path segment, dot included, or
// the empty string when the segment has none.
func urlExt(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	last := path[strings.LastIndex(path, "/")+1:]
	if i := strings.LastIndex(last, "."); i >= 0 {
		return last[i:]
	}
	return ""
}
