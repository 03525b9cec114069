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
	"errors"
)

// Resolver turns an application/service name pair into ids via two sequential
// directory lookups. Resolution is cached: once a lookup has succeeded it is
// never re-queried, and failures downstream do not invalidate it. A name that
// matches anything other than exactly one record yields an AmbiguityError.
type Resolver struct {
	client      Client
	appName     string
	serviceName string

	app      *Application
	service  *Service
	fallback string
}

// NewResolver returns a Resolver for the given name pair.
func NewResolver(client Client, appName, serviceName string) *Resolver {
	return &Resolver{
		client:      client,
		appName:     appName,
		serviceName: serviceName,
	}
}

// ResolveApplication resolves the application name to an id. It is
// idempotent: once resolved it returns nil without querying again. When the
// resolver tracks the distinguished application, the application's fallback
// location attribute is captured as well.
func (r *Resolver) ResolveApplication(ctx context.Context) error {
	if r.app != nil {
		return nil
	}
	apps, err := r.client.ListApplications(ctx, r.appName)
	if err != nil {
		return err
	}
	if len(apps) != 1 {
		return &AmbiguityError{Kind: "application", Name: r.appName, Count: len(apps)}
	}
	app := apps[0]
	r.app = &app
	if r.appName == FallbackApp {
		r.fallback = app.Metadata[FallbackLocationKey]
	}
	return nil
}

// ResolveService resolves the service name, scoped to the resolved
// application, to an id. Idempotent in the same way as ResolveApplication.
func (r *Resolver) ResolveService(ctx context.Context) error {
	if r.service != nil {
		return nil
	}
	if r.app == nil {
		return errors.New("directory: application not yet resolved")
	}
	services, err := r.client.ListServices(ctx, r.serviceName, r.app.ID)
	if err != nil {
		return err
	}
	if len(services) != 1 {
		return &AmbiguityError{Kind: "service", Name: r.serviceName, Count: len(services)}
	}
	service := services[0]
	r.service = &service
	return nil
}

// ApplicationResolved reports whether the application id is known.
func (r *Resolver) ApplicationResolved() bool {
	return r.app != nil
}

// ServiceResolved reports whether the service id is known.
func (r *Resolver) ServiceResolved() bool {
	return r.service != nil
}

// ServiceID returns the resolved service id, or "" if unresolved.
func (r *Resolver) ServiceID() string {
	if r.service == nil {
		return ""
	}
	return r.service.ID
}

// FallbackLocation returns the location to assume for instances that omit
// their own, or "" if none is known.
func (r *Resolver) FallbackLocation() string {
	return r.fallback
}
