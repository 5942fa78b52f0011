// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import "errors"

// Is re-exports the standard library's errors.Is so callers need only
// import this package when working with the ticketflow error taxonomy.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports the standard library's errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// IsNotFound reports whether err (or a wrapped cause) is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err represents a condition worth retrying
// with backoff per the taxonomy in §7 ("Transient").
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsLogical reports whether err is a non-retryable invariant or transition
// violation per §7 ("Logical").
func IsLogical(err error) bool {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return true
	}
	var te *TransitionError
	return errors.As(err, &te)
}
