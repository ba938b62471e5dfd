package offlinecache

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// RequestKind is the kind of resource a request asks for.
type RequestKind string

const (
	KindNavigation RequestKind = "navigation"
	KindStyle      RequestKind = "style"
	KindScript     RequestKind = "script"
	KindImage      RequestKind = "image"
	KindFont       RequestKind = "font"
	KindOther      RequestKind = "other"
)

// RequestDescriptor is everything the dispatch policy looks at.
type RequestDescriptor struct {
	Method      string
	URL         *url.URL
	Kind        RequestKind
	CrossOrigin bool
	// Script is set when the request targets the controller's own script.
	Script bool
}

type Strategy int

const (
	// Do not intercept; the request goes to the network as is.
	StrategyPassThrough Strategy = iota
	// Network bypassing HTTP caches, then any cached entry, then the offline page.
	StrategyNetworkFirstNoStore
	// Cached entry if present while the entry is refreshed in the background.
	StrategyStaleWhileRevalidate
	// Network, then any cached entry.
	StrategyNetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyPassThrough:
		return "pass-through"
	case StrategyNetworkFirstNoStore:
		return "network-first-no-store"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	case StrategyNetworkFirst:
		return "network-first"
	}
	return "unknown"
}

// Classify selects the strategy for a request. The first matching rule wins.
func Classify(d RequestDescriptor) Strategy {
	switch {
	case d.Method != http.MethodGet:
		return StrategyPassThrough
	case d.CrossOrigin:
		return StrategyPassThrough
	case d.Script:
		return StrategyPassThrough
	case d.Kind == KindNavigation:
		return StrategyNetworkFirstNoStore
	case d.Kind == KindStyle, d.Kind == KindScript, d.Kind == KindImage, d.Kind == KindFont:
		return StrategyStaleWhileRevalidate
	}
	return StrategyNetworkFirst
}

// requestKind derives the resource kind from fetch metadata headers.
// Clients that send no fetch metadata are treated as navigating when they prefer HTML.
func requestKind(r *http.Request) RequestKind {
	mode := strings.ToLower(r.Header.Get("Sec-Fetch-Mode"))
	if mode == "navigate" {
		return KindNavigation
	}
	switch strings.ToLower(r.Header.Get("Sec-Fetch-Dest")) {
	case "style":
		return KindStyle
	case "script":
		return KindScript
	case "image":
		return KindImage
	case "font":
		return KindFont
	}
	if mode == "" && prefersHTML(r.Header.Get("Accept")) {
		return KindNavigation
	}
	return KindOther
}

// prefersHTML reports whether the first media range of an Accept header is HTML.
func prefersHTML(accept string) bool {
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
