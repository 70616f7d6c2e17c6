package features

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"
)

// Link is one navigable element of the UI surface.
type Link struct {
	Text        string `yaml:"name"`
	Destination string `yaml:"route"`
}

// Source enumerates the links currently present on the UI surface.
type Source interface {
	Links(ctx context.Context) ([]Link, error)
}

// StaticSource is a fixed list of links.
type StaticSource []Link

func (s StaticSource) Links(context.Context) ([]Link, error) {
	return append([]Link(nil), s...), nil
}

// Manifest lists the application's destinations in a YAML file.
type Manifest struct {
	Features []Link `yaml:"features"`
}

// ManifestSource reads a Manifest from disk on every scan.
type ManifestSource struct {
	Path string
}

func (m ManifestSource) Links(context.Context) ([]Link, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("read feature manifest: %w", err)
	}
	var mf Manifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse feature manifest: %w", err)
	}
	return mf.Features, nil
}

// HTMLSource extracts anchors whose href contains a "/" from an HTML page.
// Open is called on every scan so a rescan sees the current document.
type HTMLSource struct {
	Open func() (io.ReadCloser, error)
}

// HTMLFile returns an HTMLSource reading path.
func HTMLFile(path string) HTMLSource {
	return HTMLSource{Open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

func (h HTMLSource) Links(ctx context.Context) ([]Link, error) {
	if h.Open == nil {
		return nil, fmt.Errorf("html source has no document")
	}
	rc, err := h.Open()
	if err != nil {
		return nil, fmt.Errorf("open html document: %w", err)
	}
	defer rc.Close()

	doc, err := html.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("parse html document: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var links []Link
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href, ok := attr(n, "href"); ok && strings.Contains(href, "/") {
				links = append(links, Link{Text: textContent(n), Destination: href})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.TrimSpace(sb.String())
}
