/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package k8sutil

import (
	"context"
	"fmt"
	"reflect"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"
)

// PreconditionError is returned by a modifier to abort the whole
// ModifyAtomically call (no further retries) and propagate to the RPC
// boundary as a precondition-failed abort, e.g. when a watched claim or pod
// turns out to have been replaced by another object of the same name.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// Precondition builds a *PreconditionError for use inside a modifier.
func Precondition(format string, args ...interface{}) error {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

// ModifyAtomically reads obj via get, runs modifier over a deep copy,
// and - if modifier changed it - replaces it via update, retrying the whole
// read-modify-replace cycle on a version conflict. If modifier makes no
// change (deep-equal to the object returned by get), ModifyAtomically
// returns without calling update. A modifier may return a *PreconditionError
// to abort immediately without retrying.
//
// The object returned by get is expected to be a pointer to a typed API
// object (e.g. *v1.Pod) so that deepCopy/modifier/update can share it by
// reference.
func ModifyAtomically(ctx context.Context, get func(context.Context) (interface{}, error), deepCopy func(interface{}) interface{}, modifier func(interface{}) error, update func(context.Context, interface{}) error) error {
	return retry.OnError(retry.DefaultRetry, apierrors.IsConflict, func() error {
		live, err := get(ctx)
		if err != nil {
			return fmt.Errorf("k8sutil: reading object to modify: %w", err)
		}

		modified := deepCopy(live)
		if err := modifier(modified); err != nil {
			if _, ok := err.(*PreconditionError); ok {
				return err
			}
			return err
		}

		if reflect.DeepEqual(live, modified) {
			return nil
		}

		if err := update(ctx, modified); err != nil {
			return fmt.Errorf("k8sutil: replacing modified object: %w", err)
		}
		return nil
	})
}
