// SPDX-License-Identifier: AGPL-3.0-only
package proxy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const listingURL = "https://spys.one/en/https-ssl-proxy/"

type Proxy struct {
	Addr    string
	Latency float64
	Uptime  string
}

// Renderer renders a URL through a script-capable browser; *browser.Session
// satisfies it.
type Renderer interface {
	RenderURL(url string) (string, error)
}

// Fetch renders the public proxy listing through the shared browser session
// (the table only populates after script execution) and parses it.
func Fetch(r Renderer) ([]Proxy, error) {
	html, err := r.RenderURL(listingURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	list := Parse(doc)
	if len(list) == 0 {
		return nil, fmt.Errorf("no proxies found in listing")
	}
	return list, nil
}

// Parse extracts the proxy rows from the listing tables. The first spy1x row
// is the table header and is skipped.
func Parse(doc *goquery.Document) []Proxy {
	var out []Proxy

	doc.Find("tr.spy1xx").Each(func(_ int, row *goquery.Selection) {
		if p, ok := parseRow(row); ok {
			out = append(out, p)
		}
	})

	header := true
	doc.Find("tr.spy1x").Each(func(_ int, row *goquery.Selection) {
		if header {
			header = false
			return
		}
		if p, ok := parseRow(row); ok {
			out = append(out, p)
		}
	})

	return out
}

func parseRow(row *goquery.Selection) (Proxy, bool) {
	addr := strings.TrimSpace(row.Find("font.spy14").First().Text())
	if addr == "" {
		return Proxy{}, false
	}

	latency, err := strconv.ParseFloat(strings.TrimSpace(row.Find("td:nth-child(6) font.spy1").Text()), 64)
	if err != nil {
		return Proxy{}, false
	}

	return Proxy{
		Addr:    addr,
		Latency: latency,
		Uptime:  strings.TrimSpace(row.Find("td:nth-child(8) font.spy1 acronym").Text()),
	}, true
}

// SortByLatency orders the list fastest-first.
func SortByLatency(list []Proxy) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Latency < list[j].Latency
	})
}
