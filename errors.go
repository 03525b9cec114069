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

package waferlock

import "fmt"

// TransportError wraps a network or protocol failure on a remote call. It
// drives the tracker's fault state; it is never returned to a caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnresolvableLocationError reports an instance with no determinable
// location: it declares none of its own and no fallback is known. It is
// logged and absorbed; the instance is skipped for the remainder of its
// snapshot membership.
type UnresolvableLocationError struct {
	InstanceID string
}

func (e *UnresolvableLocationError) Error() string {
	return fmt.Sprintf("no determinable location for instance %s", e.InstanceID)
}
