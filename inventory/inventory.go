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

// Package inventory resolves instance ids into network addresses through the
// per-location inventory service. Lookups are batched (at most BatchLimit ids
// per call), one lazily created client is reused per location, and instances
// whose records repeatedly lack usable addresses are retried a bounded number
// of times before being dropped.
package inventory

import (
	"context"
	"fmt"
	"strings"
)

const (
	// BatchLimit is the maximum number of instance ids resolved in one
	// inventory lookup.
	BatchLimit = 50

	// RetryLimit is the number of consecutive incomplete-data observations
	// after which an instance is dropped for the remainder of its snapshot
	// lifetime.
	RetryLimit = 5
)

// Record is a live machine record returned by a location's inventory service.
type Record struct {
	ID        string `json:"uuid"`
	State     string `json:"state"`
	Destroyed bool   `json:"destroyed,omitempty"`
	NICs      []NIC  `json:"nics,omitempty"`
}

// NIC is one network-interface entry on a record. IPs is the usual form; IP
// is a single-address fallback used by older records.
type NIC struct {
	IPs []string `json:"ips,omitempty"`
	IP  string   `json:"ip,omitempty"`
}

// Terminal reports whether the record is in a lifecycle state from which it
// will never serve traffic.
func (r Record) Terminal() bool {
	return r.Destroyed || r.State == "destroyed" || r.State == "failed"
}

// Addresses extracts the record's bare addresses: each NIC contributes its
// address list, or its single fallback address when no list is present, with
// any trailing prefix length stripped. An empty result means the record's
// address data is incomplete.
func (r Record) Addresses() []string {
	var out []string
	for _, nic := range r.NICs {
		ips := nic.IPs
		if len(ips) == 0 && nic.IP != "" {
			ips = []string{nic.IP}
		}
		for _, ip := range ips {
			if bare := stripPrefixLen(ip); bare != "" {
				out = append(out, bare)
			}
		}
	}
	return out
}

func stripPrefixLen(ip string) string {
	if i := strings.IndexByte(ip, '/'); i >= 0 {
		return ip[:i]
	}
	return ip
}

// Client looks up records in one location's inventory service.
type Client interface {
	// LookupIDs returns the records matching the given instance ids. Ids
	// without a live record are simply absent from the result.
	LookupIDs(ctx context.Context, ids []string) ([]Record, error)
}

// Factory creates the Client for a location. The Resolver calls it at most
// once per location and reuses the result.
type Factory func(location string) (Client, error)

// Batch is an ordered group of at most BatchLimit instance ids sharing a
// location, resolved together in one lookup.
type Batch struct {
	Location string
	IDs      []string
}

// IncompleteDataError reports that a batch contained records without usable
// network interfaces; the affected ids have been re-enqueued for retry.
type IncompleteDataError struct {
	Location string
	IDs      []string
}

func (e *IncompleteDataError) Error() string {
	return fmt.Sprintf("inventory: %d records in %s lack usable addresses", len(e.IDs), e.Location)
}
