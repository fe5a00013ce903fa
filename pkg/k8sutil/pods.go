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

func podListWatch(client kubernetes.Interface, namespace, name string) cache.ListerWatcher {
	selector := fields.OneTermEqualSelector("metadata.name", name).String()
	return &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			options.FieldSelector = selector
			return client.CoreV1().Pods(namespace).List(context.Background(), options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			options.FieldSelector = selector
			return client.CoreV1().Pods(namespace).Watch(context.Background(), options)
		},
	}
}

// WatchOnePod watches a single Pod by namespace/name. callback receives
// *v1.Pod values.
func WatchOnePod(ctx context.Context, client kubernetes.Interface, namespace, name string, callback func(pod *v1.Pod) (interface{}, error)) (interface{}, error) {
	return WatchOne(ctx, "Pod", podListWatch(client, namespace, name), func(obj runtime.Object, exists bool) error {
		pod, ok := obj.(*v1.Pod)
		if !ok {
			return nil
		}
		value, err := callback(pod)
		if err != nil {
			return err
		}
		if value != nil {
			return Stop(value)
		}
		return nil
	})
}

// WatchAllPods watches every Pod matching labelSelector in namespace.
// callback receives *v1.Pod values and exists=false on deletion.
func WatchAllPods(ctx context.Context, client kubernetes.Interface, namespace, labelSelector string, callback func(pod *v1.Pod, exists bool) error) error {
	return WatchAllPodsSelector(ctx, client, namespace, labelSelector, "", callback)
}

// WatchAllPodsSelector is WatchAllPods with an additional field selector
// (e.g. "spec.nodeName=<node>", to scope a node agent's watch to pods
// actually scheduled onto it).
func WatchAllPodsSelector(ctx context.Context, client kubernetes.Interface, namespace, labelSelector, fieldSelector string, callback func(pod *v1.Pod, exists bool) error) error {
	lw := &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			options.LabelSelector = labelSelector
			options.FieldSelector = fieldSelector
			return client.CoreV1().Pods(namespace).List(context.Background(), options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			options.LabelSelector = labelSelector
			options.FieldSelector = fieldSelector
			return client.CoreV1().Pods(namespace).Watch(context.Background(), options)
		},
	}
	return WatchAll(ctx, "Pod", lw, func(obj runtime.Object, exists bool) error {
		pod, ok := obj.(*v1.Pod)
		if !ok {
			return nil
		}
		return callback(pod, exists)
	})
}

// ModifyPodAtomically reads the named pod, runs modifier over a deep copy,
// and replaces it if changed, retrying on version conflict.
func ModifyPodAtomically(ctx context.Context, client kubernetes.Interface, namespace, name string, modifier func(pod *v1.Pod) error) error {
	return ModifyAtomically(ctx,
		func(ctx context.Context) (interface{}, error) {
			return client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		},
		func(obj interface{}) interface{} {
			return obj.(*v1.Pod).DeepCopy()
		},
		func(obj interface{}) error {
			return modifier(obj.(*v1.Pod))
		},
		func(ctx context.Context, obj interface{}) error {
			_, err := client.CoreV1().Pods(namespace).Update(ctx, obj.(*v1.Pod), metav1.UpdateOptions{})
			return err
		},
	)
}
