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

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ClientOption is an option used to customize the behavior of an HTTP
// directory client.
type ClientOption interface {
	apply(*httpClient)
}

type clientOptionFunc func(*httpClient)

func (f clientOptionFunc) apply(c *httpClient) {
	f(c)
}

// WithHTTPClient configures the underlying transport. The default is
// [http.DefaultClient].
func WithHTTPClient(client *http.Client) ClientOption {
	return clientOptionFunc(func(c *httpClient) {
		c.httpClient = client
	})
}

// WithIncludeMaster asks the directory to include records that have not yet
// been promoted to master. Deployments tracking the distinguished application
// typically enable this.
func WithIncludeMaster() ClientOption {
	return clientOptionFunc(func(c *httpClient) {
		c.includeMaster = true
	})
}

// NewHTTPClient returns a Client that speaks the directory service's
// HTTP+JSON interface rooted at baseURL.
func NewHTTPClient(baseURL string, options ...ClientOption) (Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("directory: invalid base URL %q: %w", baseURL, err)
	}
	client := &httpClient{
		base:       base,
		httpClient: http.DefaultClient,
	}
	for _, option := range options {
		option.apply(client)
	}
	return client, nil
}

type httpClient struct {
	base          *url.URL
	httpClient    *http.Client
	includeMaster bool
}

func (c *httpClient) ListApplications(ctx context.Context, name string) ([]Application, error) {
	var apps []Application
	query := url.Values{"name": {name}}
	if err := c.list(ctx, "/applications", query, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (c *httpClient) ListServices(ctx context.Context, name, applicationID string) ([]Service, error) {
	var services []Service
	query := url.Values{
		"name":             {name},
		"application_uuid": {applicationID},
	}
	if err := c.list(ctx, "/services", query, &services); err != nil {
		return nil, err
	}
	return services, nil
}

func (c *httpClient) ListInstances(ctx context.Context, serviceID string) ([]Instance, error) {
	var instances []Instance
	query := url.Values{"service_uuid": {serviceID}}
	if err := c.list(ctx, "/instances", query, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (c *httpClient) list(ctx context.Context, path string, query url.Values, out any) error {
	if c.includeMaster {
		query.Set("include_master", "true")
	}
	target := *c.base
	target.Path += path
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("directory: build request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("directory: GET %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory: decode %s response: %w", path, err)
	}
	return nil
}
