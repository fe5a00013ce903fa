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

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

// claimListWatch scopes list/watch calls to a single claim by name, the
// pattern WatchOne expects of its ListerWatcher.
func claimListWatch(client kubernetes.Interface, namespace, name string) cache.ListerWatcher {
	selector := fields.OneTermEqualSelector("metadata.name", name).String()
	return &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			options.FieldSelector = selector
			return client.CoreV1().PersistentVolumeClaims(namespace).List(context.Background(), options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			options.FieldSelector = selector
			return client.CoreV1().PersistentVolumeClaims(namespace).Watch(context.Background(), options)
		},
	}
}

// WatchOneClaim watches a single PersistentVolumeClaim by namespace/name.
// callback receives *v1.PersistentVolumeClaim values.
func WatchOneClaim(ctx context.Context, client kubernetes.Interface, namespace, name string, callback func(pvc *v1.PersistentVolumeClaim) (interface{}, error)) (interface{}, error) {
	return WatchOne(ctx, "PersistentVolumeClaim", claimListWatch(client, namespace, name), func(obj runtime.Object, exists bool) error {
		pvc, ok := obj.(*v1.PersistentVolumeClaim)
		if !ok {
			return nil
		}
		value, err := callback(pvc)
		if err != nil {
			return err
		}
		if value != nil {
			return Stop(value)
		}
		return nil
	})
}

// WatchAllClaims watches every PersistentVolumeClaim matching labelSelector.
// callback receives *v1.PersistentVolumeClaim values and exists=false on
// deletion.
func WatchAllClaims(ctx context.Context, client kubernetes.Interface, labelSelector string, callback func(pvc *v1.PersistentVolumeClaim, exists bool) error) error {
	lw := &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			options.LabelSelector = labelSelector
			return client.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).List(context.Background(), options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			options.LabelSelector = labelSelector
			return client.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).Watch(context.Background(), options)
		},
	}
	return WatchAll(ctx, "PersistentVolumeClaim", lw, func(obj runtime.Object, exists bool) error {
		pvc, ok := obj.(*v1.PersistentVolumeClaim)
		if !ok {
			return nil
		}
		return callback(pvc, exists)
	})
}

// ModifyClaimAtomically reads the named claim, runs modifier over a deep
// copy, and replaces it if changed, retrying on version conflict.
func ModifyClaimAtomically(ctx context.Context, client kubernetes.Interface, namespace, name string, modifier func(pvc *v1.PersistentVolumeClaim) error) error {
	return ModifyAtomically(ctx,
		func(ctx context.Context) (interface{}, error) {
			return client.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
		},
		func(obj interface{}) interface{} {
			return obj.(*v1.PersistentVolumeClaim).DeepCopy()
		},
		func(obj interface{}) error {
			return modifier(obj.(*v1.PersistentVolumeClaim))
		},
		func(ctx context.Context, obj interface{}) error {
			_, err := client.CoreV1().PersistentVolumeClaims(namespace).Update(ctx, obj.(*v1.PersistentVolumeClaim), metav1.UpdateOptions{})
			return err
		},
	)
}
