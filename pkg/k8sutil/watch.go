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

// Package k8sutil implements the three generic primitives every agent and
// the CSI front-end build on: watching a single object by selector, watching
// every object matching a selector, and atomically read-modify-replacing an
// object under optimistic-concurrency retry.
package k8sutil

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
)

// StopValue wraps a sentinel value returned by a WatchOne/WatchAll callback
// to request early termination of the watch loop.
type StopValue struct {
	Value interface{}
}

func (s *StopValue) Error() string { return "k8sutil: watch stopped" }

// Stop builds an error that, when returned by a WatchOne callback, ends the
// watch and causes WatchOne to return value, nil.
func Stop(value interface{}) error {
	return &StopValue{Value: value}
}

// ObjectDeletedError is returned by WatchOne when the watched object is
// deleted before the callback requests termination.
type ObjectDeletedError struct {
	Kind, Namespace, Name string
}

func (e *ObjectDeletedError) Error() string {
	return fmt.Sprintf("k8sutil: %s %s/%s was deleted", e.Kind, e.Namespace, e.Name)
}

// Callback is invoked once per observed object version. exists is false only
// for the terminal deletion event delivered by WatchAll.
type Callback func(obj runtime.Object, exists bool) error

// WatchOne lists once via lw (expected to be scoped to a single object by a
// metadata.name field selector), invokes callback with the initial object,
// then streams subsequent events, invoking callback again for every update
// and treating deletion as a terminal ObjectDeletedError. If callback returns
// a *StopValue, WatchOne returns its wrapped value. If the watch's
// resourceVersion ages out, WatchOne silently relists and resumes.
func WatchOne(ctx context.Context, kind string, lw cache.ListerWatcher, callback Callback) (interface{}, error) {
	for {
		list, err := lw.List(metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("k8sutil: listing %s: %w", kind, err)
		}
		items, resourceVersion, err := listItems(list)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, &ObjectDeletedError{Kind: kind}
		}

		for _, obj := range items {
			if err := callback(obj, true); err != nil {
				if sv, ok := err.(*StopValue); ok {
					return sv.Value, nil
				}
				return nil, err
			}
		}

		value, relist, err := streamOne(ctx, kind, lw, resourceVersion, callback)
		if err != nil {
			return nil, err
		}
		if !relist {
			return value, nil
		}
	}
}

func streamOne(ctx context.Context, kind string, lw cache.ListerWatcher, resourceVersion string, callback Callback) (interface{}, bool, error) {
	w, err := lw.Watch(metav1.ListOptions{ResourceVersion: resourceVersion})
	if err != nil {
		return nil, false, fmt.Errorf("k8sutil: watching %s: %w", kind, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return nil, false, fmt.Errorf("k8sutil: watch channel for %s closed", kind)
			}
			switch event.Type {
			case watch.Deleted:
				return nil, false, &ObjectDeletedError{Kind: kind}
			case watch.Error:
				if apierrors.IsResourceExpired(apierrors.FromObject(event.Object)) {
					return nil, true, nil
				}
				return nil, false, fmt.Errorf("k8sutil: watch error on %s: %v", kind, event.Object)
			default:
				if err := callback(event.Object, true); err != nil {
					if sv, ok := err.(*StopValue); ok {
						return sv.Value, false, nil
					}
					return nil, false, err
				}
			}
		}
	}
}

// WatchAll lists once via lw (scoped by label/field selectors matching any
// number of objects), invokes callback(obj, true) for each initial item,
// then streams subsequent add/update/delete events forever, invoking
// callback(obj, false) on deletion. It only returns when ctx is cancelled,
// lw.List/Watch fails, or the callback returns an error (a *StopValue is
// returned as is).
func WatchAll(ctx context.Context, kind string, lw cache.ListerWatcher, callback Callback) error {
	for {
		list, err := lw.List(metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("k8sutil: listing %s: %w", kind, err)
		}
		items, resourceVersion, err := listItems(list)
		if err != nil {
			return err
		}

		for _, obj := range items {
			if err := callback(obj, true); err != nil {
				return err
			}
		}

		relist, err := streamAll(ctx, kind, lw, resourceVersion, callback)
		if err != nil {
			return err
		}
		if !relist {
			return nil
		}
	}
}

func streamAll(ctx context.Context, kind string, lw cache.ListerWatcher, resourceVersion string, callback Callback) (bool, error) {
	w, err := lw.Watch(metav1.ListOptions{ResourceVersion: resourceVersion})
	if err != nil {
		return false, fmt.Errorf("k8sutil: watching %s: %w", kind, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return true, nil
			}
			switch event.Type {
			case watch.Deleted:
				if err := callback(event.Object, false); err != nil {
					return false, err
				}
			case watch.Error:
				if apierrors.IsResourceExpired(apierrors.FromObject(event.Object)) {
					return true, nil
				}
				return false, fmt.Errorf("k8sutil: watch error on %s: %v", kind, event.Object)
			default:
				if err := callback(event.Object, true); err != nil {
					return false, err
				}
			}
		}
	}
}

// listItems extracts items and the list's resourceVersion via the runtime
// meta accessors, avoiding a type switch per concrete list kind.
func listItems(list runtime.Object) ([]runtime.Object, string, error) {
	items, err := meta.ExtractList(list)
	if err != nil {
		return nil, "", fmt.Errorf("k8sutil: extracting list items: %w", err)
	}
	accessor, err := meta.ListAccessor(list)
	if err != nil {
		return nil, "", fmt.Errorf("k8sutil: reading list metadata: %w", err)
	}
	return items, accessor.GetResourceVersion(), nil
}
