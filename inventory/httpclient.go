// Copyright 2026 The Waferlock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// FactoryOption is an option used to customize the clients built by
// NewHTTPFactory.
type FactoryOption interface {
	apply(*httpFactory)
}

type factoryOptionFunc func(*httpFactory)

func (f factoryOptionFunc) apply(c *httpFactory) {
	f(c)
}

// WithHTTPClient configures the underlying transport shared by every
// location's client. The default is [http.DefaultClient].
func WithHTTPClient(httpClient *http.Client) FactoryOption {
	return factoryOptionFunc(func(f *httpFactory) {
		f.httpClient = httpClient
	})
}

// WithScheme overrides the URL scheme used for location endpoints. The
// default is "http".
func WithScheme(scheme string) FactoryOption {
	return factoryOptionFunc(func(f *httpFactory) {
		f.scheme = scheme
	})
}

// WithHostPrefix overrides the host label prepended to the location when
// building endpoint hostnames. The default is "inventory".
func WithHostPrefix(prefix string) FactoryOption {
	return factoryOptionFunc(func(f *httpFactory) {
		f.hostPrefix = prefix
	})
}

// NewHTTPFactory returns a Factory building HTTP+JSON clients whose endpoint
// hostname is composed from the location and the given domain suffix, e.g.
// location "east-1" with suffix "example.com" yields
// "http://inventory.east-1.example.com".
func NewHTTPFactory(suffix string, options ...FactoryOption) Factory {
	factory := &httpFactory{
		suffix:     suffix,
		scheme:     "http",
		hostPrefix: "inventory",
		httpClient: http.DefaultClient,
	}
	for _, option := range options {
		option.apply(factory)
	}
	return factory.new
}

type httpFactory struct {
	suffix     string
	scheme     string
	hostPrefix string
	httpClient *http.Client
}

func (f *httpFactory) new(location string) (Client, error) {
	if location == "" {
		return nil, fmt.Errorf("inventory: empty location")
	}
	return &httpClient{
		base: url.URL{
			Scheme: f.scheme,
			Host:   fmt.Sprintf("%s.%s.%s", f.hostPrefix, location, f.suffix),
		},
		httpClient: f.httpClient,
	}, nil
}

type httpClient struct {
	base       url.URL
	httpClient *http.Client
}

func (c *httpClient) LookupIDs(ctx context.Context, ids []string) ([]Record, error) {
	predicate, err := json.Marshal(predicateFor(ids))
	if err != nil {
		return nil, fmt.Errorf("inventory: encode predicate: %w", err)
	}
	target := c.base
	target.Path = "/machines"
	target.RawQuery = url.Values{"predicate": {string(predicate)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("inventory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inventory: GET %s: %w", c.base.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inventory: GET %s: unexpected status %s", c.base.Host, resp.Status)
	}
	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("inventory: decode response from %s: %w", c.base.Host, err)
	}
	return records, nil
}

// predicateFor builds the lookup predicate over a set of ids: a single id
// collapses to a plain equality, more become an equality-or.
func predicateFor(ids []string) map[string]any {
	if len(ids) == 1 {
		return eqPredicate(ids[0])
	}
	terms := make([]map[string]any, len(ids))
	for i, id := range ids {
		terms[i] = eqPredicate(id)
	}
	return map[string]any{"or": terms}
}

func eqPredicate(id string) map[string]any {
	return map[string]any{"eq": []string{"uuid", id}}
}
