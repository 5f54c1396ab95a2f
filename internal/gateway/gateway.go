// Package gateway stitches independently rendered HTML fragments into a
// shell document. Fragments are fetched from upstream renderers, wrapped
// in piercing-fragment-host elements, and streamed into the shell ahead
// of client-side hydration. Shared message-bus state travels in a single
// JSON-valued header.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/weftdb/weft/internal/streams"
)

// MessageBusHeader carries the JSON-encoded message-bus state between
// the gateway, upstream fragment renderers, and the browser.
const MessageBusHeader = "x-message-bus-state"

// Fragment is one registered micro-frontend.
type Fragment struct {
	// ID must be unique across the registry.
	ID string

	// Fetch renders the fragment for a request. The gateway owns the
	// response body and always closes it.
	Fetch func(r *http.Request) (*http.Response, error)

	// TransformRequest optionally rewrites the child request before
	// Fetch. The message-bus header is re-applied afterwards.
	TransformRequest func(r *http.Request) *http.Request

	// ShouldBeIncluded gates the fragment per request. Nil means always.
	ShouldBeIncluded func(r *http.Request) bool

	// ServeAssets handles /_fragment/<id>/* requests with the path
	// rewritten to the remainder. Nil yields 404.
	ServeAssets http.Handler

	// PrePierceRoutes lists glob patterns ('*' and '?') of page paths
	// that embed this fragment server-side.
	PrePierceRoutes []string

	// PrePiercingStyles is CSS inlined into the fragment host wrapper.
	PrePiercingStyles string

	routeRes []*regexp.Regexp
}

// Config wires a Gateway.
type Config struct {
	// GetShellHTML returns the application shell for a page request.
	GetShellHTML func(r *http.Request) (io.ReadCloser, error)

	// ShouldPiercingBeEnabled gates server-side piercing per request.
	// Nil means always enabled.
	ShouldPiercingBeEnabled func(r *http.Request) bool

	// GenerateMessageBusState derives the initial state from the state
	// found on the request. Nil passes the request state through.
	GenerateMessageBusState func(state map[string]any, r *http.Request) map[string]any

	// ClientScriptURL is the module that registers the client-side
	// piercing components. Empty skips the tag.
	ClientScriptURL string
}

// Gateway is the piercing middleware. Register fragments, then wrap the
// application handler with Middleware.
type Gateway struct {
	cfg Config

	mu        sync.RWMutex
	fragments map[string]*Fragment
	order     []string

	badStateOnce sync.Once
}

// New creates a gateway with no fragments.
func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg, fragments: make(map[string]*Fragment)}
}

// RegisterFragment adds a fragment. Duplicate or empty IDs and bad
// route globs are rejected.
func (g *Gateway) RegisterFragment(f Fragment) error {
	if f.ID == "" {
		return fmt.Errorf("fragment id must not be empty")
	}
	if f.Fetch == nil {
		return fmt.Errorf("fragment %q has no fetcher", f.ID)
	}
	f.routeRes = make([]*regexp.Regexp, 0, len(f.PrePierceRoutes))
	for _, glob := range f.PrePierceRoutes {
		re, err := compileGlob(glob)
		if err != nil {
			return fmt.Errorf("fragment %q route %q: %w", f.ID, glob, err)
		}
		f.routeRes = append(f.routeRes, re)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.fragments[f.ID]; dup {
		return fmt.Errorf("fragment %q already registered", f.ID)
	}
	g.fragments[f.ID] = &f
	g.order = append(g.order, f.ID)
	return nil
}

// UnregisterFragment removes a fragment. Unknown IDs are ignored.
func (g *Gateway) UnregisterFragment(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.fragments[id]; !ok {
		return
	}
	delete(g.fragments, id)
	for i, fid := range g.order {
		if fid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *Gateway) fragment(id string) (*Fragment, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.fragments[id]
	return f, ok
}

func (g *Gateway) all() []*Fragment {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Fragment, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.fragments[id])
	}
	return out
}

// compileGlob translates a route glob into an anchored regexp:
// '*' matches any run, '?' matches one character, the rest is literal.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Middleware wraps next with fragment SSR, fragment asset serving, and
// shell piercing for HTML page requests.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := strings.CutPrefix(r.URL.Path, "/piercing-fragment/"); ok {
			g.serveFragmentSSR(w, r, id)
			return
		}
		if rest, ok := strings.CutPrefix(r.URL.Path, "/_fragment/"); ok {
			g.serveFragmentAsset(w, r, rest)
			return
		}
		if g.isPiercableHTMLRequest(r) {
			g.servePiercedShell(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) isPiercableHTMLRequest(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	g.mu.RLock()
	empty := len(g.fragments) == 0
	g.mu.RUnlock()
	if empty || g.cfg.GetShellHTML == nil {
		return false
	}
	if g.cfg.ShouldPiercingBeEnabled != nil && !g.cfg.ShouldPiercingBeEnabled(r) {
		return false
	}
	return true
}

// stateFromRequest decodes the message-bus header; missing or malformed
// values mean empty state.
func (g *Gateway) stateFromRequest(r *http.Request) map[string]any {
	raw := r.Header.Get(MessageBusHeader)
	if raw == "" {
		return map[string]any{}
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(raw), &state); err != nil || state == nil {
		g.badStateOnce.Do(func() {
			log.Printf("gateway: malformed %s header, treating as empty state", MessageBusHeader)
		})
		return map[string]any{}
	}
	return state
}

// childRequest builds the upstream request for a fragment: transform
// hook first, message-bus header re-applied last so transforms cannot
// drop it.
func childRequest(f *Fragment, r *http.Request, stateJSON []byte) *http.Request {
	child := r.Clone(r.Context())
	if f.TransformRequest != nil {
		child = f.TransformRequest(child)
	}
	child.Header.Set(MessageBusHeader, string(stateJSON))
	return child
}

// fetchFragmentBody renders one fragment and returns its wrapped body
// stream. Empty bodies are errors.
func (g *Gateway) fetchFragmentBody(f *Fragment, r *http.Request, stateJSON []byte) (io.ReadCloser, error) {
	resp, err := f.Fetch(childRequest(f, r, stateJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fragment %q: %w", f.ID, err)
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fragment %q upstream returned %d", f.ID, resp.StatusCode)
	}

	// Peek one byte so empty bodies fail here rather than mid-stream.
	var first [1]byte
	n, err := io.ReadFull(resp.Body, first[:])
	if n == 0 {
		_ = resp.Body.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("fragment %q returned an empty body", f.ID)
		}
		return nil, fmt.Errorf("failed to read fragment %q: %w", f.ID, err)
	}

	body := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(first[:n]), resp.Body), resp.Body}
	return wrapFragmentHost(f, body), nil
}

func wrapFragmentHost(f *Fragment, body io.ReadCloser) io.ReadCloser {
	var prefix strings.Builder
	fmt.Fprintf(&prefix, `<piercing-fragment-host fragment-id=%q>`, f.ID)
	if f.PrePiercingStyles != "" {
		prefix.WriteString("<style>")
		prefix.WriteString(f.PrePiercingStyles)
		prefix.WriteString("</style>")
	}
	return streams.WrapText(prefix.String(), body, "</piercing-fragment-host>")
}

// serveFragmentSSR handles /piercing-fragment/<id>: on-demand rendering
// of one wrapped fragment.
func (g *Gateway) serveFragmentSSR(w http.ResponseWriter, r *http.Request, id string) {
	f, ok := g.fragment(id)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown fragment %q", id), http.StatusNotFound)
		return
	}
	if f.ShouldBeIncluded != nil && !f.ShouldBeIncluded(r) {
		http.Error(w, fmt.Sprintf("fragment %q not available", id), http.StatusNotFound)
		return
	}
	stateJSON, err := json.Marshal(g.stateFromRequest(r))
	if err != nil {
		http.Error(w, "failed to serialize state", http.StatusInternalServerError)
		return
	}
	body, err := g.fetchFragmentBody(f, r, stateJSON)
	if err != nil {
		log.Printf("gateway: %v", err)
		http.Error(w, fmt.Sprintf("fragment %q failed to render", id), http.StatusInternalServerError)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", "text/html")
	if _, err := io.Copy(w, body); err != nil {
		log.Printf("gateway: streaming fragment %q: %v", id, err)
	}
}

// serveFragmentAsset handles /_fragment/<id>/<rest> by rewriting the
// path to /<rest> and delegating to the fragment's asset handler.
func (g *Gateway) serveFragmentAsset(w http.ResponseWriter, r *http.Request, rest string) {
	id, remainder, _ := strings.Cut(rest, "/")
	f, ok := g.fragment(id)
	if !ok || f.ServeAssets == nil {
		http.NotFound(w, r)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + remainder
	r2.URL.RawPath = ""
	f.ServeAssets.ServeHTTP(w, r2)
}

// servePiercedShell composes the shell with every pre-pierced fragment
// and streams the result.
func (g *Gateway) servePiercedShell(w http.ResponseWriter, r *http.Request) {
	state := g.stateFromRequest(r)
	if g.cfg.GenerateMessageBusState != nil {
		state = g.cfg.GenerateMessageBusState(state, r)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		http.Error(w, "failed to serialize state", http.StatusInternalServerError)
		return
	}

	shell, err := g.cfg.GetShellHTML(r)
	if err != nil {
		log.Printf("gateway: shell fetch failed: %v", err)
		http.Error(w, "failed to load shell", http.StatusInternalServerError)
		return
	}
	shellHTML, err := io.ReadAll(shell)
	_ = shell.Close()
	if err != nil {
		log.Printf("gateway: shell read failed: %v", err)
		http.Error(w, "failed to load shell", http.StatusInternalServerError)
		return
	}
	shellHTML = g.injectHead(shellHTML, stateJSON)

	// Fetch selected fragments in parallel; a failed fragment is
	// dropped and the shell still renders.
	selected := g.selectPrePierce(r)
	bodies := make([]io.ReadCloser, len(selected))
	var eg errgroup.Group
	for i, f := range selected {
		i, f := i, f
		eg.Go(func() error {
			body, err := g.fetchFragmentBody(f, r, stateJSON)
			if err != nil {
				log.Printf("gateway: dropping pre-pierced fragment: %v", err)
				return nil
			}
			bodies[i] = body
			return nil
		})
	}
	_ = eg.Wait()

	pre, post := splitAtBodyClose(shellHTML)
	parts := make([]io.ReadCloser, 0, len(bodies)+2)
	parts = append(parts, io.NopCloser(bytes.NewReader(pre)))
	for _, body := range bodies {
		if body != nil {
			parts = append(parts, body)
		}
	}
	parts = append(parts, io.NopCloser(bytes.NewReader(post)))
	out := streams.Concat(parts...)
	defer func() { _ = out.Close() }()

	w.Header().Set("Content-Type", "text/html")
	if _, err := io.Copy(w, out); err != nil {
		log.Printf("gateway: streaming shell: %v", err)
	}
}

func (g *Gateway) selectPrePierce(r *http.Request) []*Fragment {
	var selected []*Fragment
	for _, f := range g.all() {
		if !matchesRoute(f, r.URL.Path) {
			continue
		}
		if f.ShouldBeIncluded != nil && !f.ShouldBeIncluded(r) {
			continue
		}
		selected = append(selected, f)
	}
	return selected
}

func matchesRoute(f *Fragment, path string) bool {
	for _, re := range f.routeRes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// injectHead inserts the state bootstrap and client component scripts
// before </head>, falling back to the start of <body>, then to a plain
// prepend.
func (g *Gateway) injectHead(shell, stateJSON []byte) []byte {
	var tags bytes.Buffer
	fmt.Fprintf(&tags, "<script>window.__PIERCING_MESSAGE_BUS_STATE__ = %s;</script>", stateJSON)
	if g.cfg.ClientScriptURL != "" {
		fmt.Fprintf(&tags, `<script type="module" src=%q></script>`, g.cfg.ClientScriptURL)
	}

	if i := bytes.Index(shell, []byte("</head>")); i >= 0 {
		return insertAt(shell, i, tags.Bytes())
	}
	if i := bytes.Index(shell, []byte("<body")); i >= 0 {
		if j := bytes.IndexByte(shell[i:], '>'); j >= 0 {
			return insertAt(shell, i+j+1, tags.Bytes())
		}
	}
	return append(tags.Bytes(), shell...)
}

func insertAt(b []byte, i int, insert []byte) []byte {
	out := make([]byte, 0, len(b)+len(insert))
	out = append(out, b[:i]...)
	out = append(out, insert...)
	out = append(out, b[i:]...)
	return out
}

// splitAtBodyClose divides the shell at </body>; fragments stream into
// the gap. A shell without </body> gets fragments appended.
func splitAtBodyClose(shell []byte) (pre, post []byte) {
	if i := bytes.Index(shell, []byte("</body>")); i >= 0 {
		return shell[:i], shell[i:]
	}
	return shell, nil
}
