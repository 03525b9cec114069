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

// Package directory models the read-only directory service that maps
// application and service names to stable ids and lists the current instances
// of a service. It provides the wire types, a client interface with an
// HTTP+JSON implementation, and a Resolver that caches name→id resolution for
// the lifetime of the process.
package directory

import (
	"context"
	"fmt"
)

// FallbackApp is the distinguished application whose metadata carries a
// fallback location for instances that omit their own.
const FallbackApp = "sdc"

// FallbackLocationKey is the metadata attribute on the distinguished
// application that names the fallback location.
const FallbackLocationKey = "datacenter"

// Application is a named deployment root in the directory service.
type Application struct {
	ID       string            `json:"uuid"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service is a named service scoped to an application.
type Service struct {
	ID            string `json:"uuid"`
	Name          string `json:"name"`
	ApplicationID string `json:"application_uuid"`
}

// Instance is one registered instance of a service. Location and Shard may be
// empty; Metadata carries any further attributes the directory records.
type Instance struct {
	ID        string            `json:"uuid"`
	ServiceID string            `json:"service_uuid"`
	Location  string            `json:"datacenter,omitempty"`
	Shard     string            `json:"shard,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Client is a read-only view of the directory service. Implementations must
// be safe for use from a single tracker goroutine; they are never called
// concurrently by one tracker.
type Client interface {
	// ListApplications returns every application with the given name.
	ListApplications(ctx context.Context, name string) ([]Application, error)

	// ListServices returns every service with the given name scoped to the
	// given application id.
	ListServices(ctx context.Context, name, applicationID string) ([]Service, error)

	// ListInstances returns the current instances of the given service.
	ListInstances(ctx context.Context, serviceID string) ([]Instance, error)
}

// AmbiguityError indicates a directory lookup that should identify exactly
// one record returned some other number of matches.
type AmbiguityError struct {
	Kind  string // "application" or "service"
	Name  string
	Count int
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("directory: %d %ss named %q", e.Count, e.Kind, e.Name)
}
