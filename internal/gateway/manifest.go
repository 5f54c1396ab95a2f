package gateway

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML description of a gateway deployment: the shell
// upstream plus the fragment upstreams to pierce into it.
type Manifest struct {
	// ShellUpstream serves the application shell HTML.
	ShellUpstream string `yaml:"shell-upstream"`
	// ClientScriptURL is injected into the shell head.
	ClientScriptURL string             `yaml:"client-script-url"`
	Fragments       []FragmentManifest `yaml:"fragments"`
}

// FragmentManifest configures one proxied fragment.
type FragmentManifest struct {
	ID       string `yaml:"id"`
	Upstream string `yaml:"upstream"`
	// FragmentPath is the upstream path rendering the fragment body.
	// Defaults to /.
	FragmentPath    string   `yaml:"fragment-path"`
	PrePierceRoutes []string `yaml:"pre-pierce-routes"`
	Styles          string   `yaml:"styles"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse gateway manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.ShellUpstream == "" {
		return fmt.Errorf("gateway manifest: shell-upstream is required")
	}
	if _, err := url.Parse(m.ShellUpstream); err != nil {
		return fmt.Errorf("gateway manifest: bad shell-upstream: %w", err)
	}
	if len(m.Fragments) == 0 {
		return fmt.Errorf("gateway manifest: at least one fragment is required")
	}
	seen := make(map[string]bool, len(m.Fragments))
	for i, f := range m.Fragments {
		if f.ID == "" {
			return fmt.Errorf("gateway manifest: fragment %d has no id", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("gateway manifest: duplicate fragment id %q", f.ID)
		}
		seen[f.ID] = true
		if f.Upstream == "" {
			return fmt.Errorf("gateway manifest: fragment %q has no upstream", f.ID)
		}
		if _, err := url.Parse(f.Upstream); err != nil {
			return fmt.Errorf("gateway manifest: fragment %q has a bad upstream: %w", f.ID, err)
		}
	}
	return nil
}

// Build constructs a gateway from the manifest. Fragment bodies are
// fetched from each upstream's fragment path and assets are reverse
// proxied.
func (m *Manifest) Build(client *http.Client) (*Gateway, error) {
	if client == nil {
		client = http.DefaultClient
	}

	shellURL, err := url.Parse(m.ShellUpstream)
	if err != nil {
		return nil, fmt.Errorf("gateway manifest: bad shell-upstream: %w", err)
	}
	gw := New(Config{
		GetShellHTML:    shellFetcher(client, shellURL),
		ClientScriptURL: m.ClientScriptURL,
	})

	for _, fm := range m.Fragments {
		upstream, err := url.Parse(fm.Upstream)
		if err != nil {
			return nil, fmt.Errorf("gateway manifest: fragment %q has a bad upstream: %w", fm.ID, err)
		}
		fragPath := fm.FragmentPath
		if fragPath == "" {
			fragPath = "/"
		}
		f := Fragment{
			ID:                fm.ID,
			Fetch:             fragmentFetcher(client, upstream, fragPath),
			ServeAssets:       httputil.NewSingleHostReverseProxy(upstream),
			PrePierceRoutes:   fm.PrePierceRoutes,
			PrePiercingStyles: fm.Styles,
		}
		if err := gw.RegisterFragment(f); err != nil {
			return nil, err
		}
	}
	return gw, nil
}

func shellFetcher(client *http.Client, upstream *url.URL) func(r *http.Request) (io.ReadCloser, error) {
	return func(r *http.Request) (io.ReadCloser, error) {
		resp, err := client.Do(upstreamRequest(r, upstream, r.URL.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch shell: %w", err)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("shell upstream answered %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

func fragmentFetcher(client *http.Client, upstream *url.URL, path string) func(r *http.Request) (*http.Response, error) {
	return func(r *http.Request) (*http.Response, error) {
		return client.Do(upstreamRequest(r, upstream, path))
	}
}

// upstreamRequest clones the inbound request onto the upstream host so
// cookies and the message-bus header travel with it.
func upstreamRequest(r *http.Request, upstream *url.URL, path string) *http.Request {
	out := r.Clone(r.Context())
	out.URL.Scheme = upstream.Scheme
	out.URL.Host = upstream.Host
	out.URL.Path = path
	out.Host = upstream.Host
	out.RequestURI = ""
	out.Method = http.MethodGet
	out.Body = nil
	out.ContentLength = 0
	return out
}
