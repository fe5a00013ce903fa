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
	"testing"
	"time"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestWatchOnePodReturnsOnCallbackStop(t *testing.T) {
	client := fake.NewSimpleClientset(&v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "helper-1", Namespace: "pav"},
		Status:     v1.PodStatus{Phase: v1.PodRunning},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	value, err := WatchOnePod(ctx, client, "pav", "helper-1", func(pod *v1.Pod) (interface{}, error) {
		if pod.Status.Phase == v1.PodRunning {
			return pod.Name, nil
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("WatchOnePod: %v", err)
	}
	if value != "helper-1" {
		t.Errorf("got %v, want helper-1", value)
	}
}

func TestWatchOnePodDeletedReturnsError(t *testing.T) {
	client := fake.NewSimpleClientset()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := WatchOnePod(ctx, client, "pav", "missing", func(pod *v1.Pod) (interface{}, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected ObjectDeletedError, got nil")
	}
	if _, ok := err.(*ObjectDeletedError); !ok {
		t.Errorf("expected *ObjectDeletedError, got %T: %v", err, err)
	}
}

func TestWatchAllClaimsInitialList(t *testing.T) {
	client := fake.NewSimpleClientset(
		&v1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "claim-a",
				Namespace: "default",
				Labels:    map[string]string{"pav.albertofaria.github.io/provisioner": "prov-1"},
			},
		},
		&v1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "claim-b", Namespace: "default"},
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	seen := map[string]bool{}
	err := WatchAllClaims(ctx, client, "pav.albertofaria.github.io/provisioner=prov-1", func(pvc *v1.PersistentVolumeClaim, exists bool) error {
		seen[pvc.Name] = exists
		return nil
	})
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("WatchAllClaims: %v", err)
	}
	if !seen["claim-a"] {
		t.Errorf("expected claim-a to be observed, saw %v", seen)
	}
	if seen["claim-b"] {
		t.Errorf("claim-b should have been excluded by the label selector, saw %v", seen)
	}
}

func TestModifyClaimAtomicallySkipsNoOpUpdate(t *testing.T) {
	client := fake.NewSimpleClientset(&v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "claim-a", Namespace: "default"},
	})

	err := ModifyClaimAtomically(context.Background(), client, "default", "claim-a", func(pvc *v1.PersistentVolumeClaim) error {
		return nil
	})
	if err != nil {
		t.Fatalf("ModifyClaimAtomically: %v", err)
	}
}

func TestModifyPodAtomicallyAppliesChange(t *testing.T) {
	client := fake.NewSimpleClientset(&v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "helper-1", Namespace: "pav"},
	})

	err := ModifyPodAtomically(context.Background(), client, "pav", "helper-1", func(pod *v1.Pod) error {
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		pod.Annotations["pav.albertofaria.github.io/state"] = `{"name":"Staged"}`
		return nil
	})
	if err != nil {
		t.Fatalf("ModifyPodAtomically: %v", err)
	}

	got, err := client.CoreV1().Pods("pav").Get(context.Background(), "helper-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Annotations["pav.albertofaria.github.io/state"] != `{"name":"Staged"}` {
		t.Errorf("annotation not applied: %v", got.Annotations)
	}
}

func TestModifyPodAtomicallyPreconditionAborts(t *testing.T) {
	client := fake.NewSimpleClientset(&v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "helper-1", Namespace: "pav", UID: "wrong-uid"},
	})

	err := ModifyPodAtomically(context.Background(), client, "pav", "helper-1", func(pod *v1.Pod) error {
		if pod.UID != "expected-uid" {
			return Precondition("pod %s has uid %s, want %s", pod.Name, pod.UID, "expected-uid")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected precondition error")
	}
	if _, ok := err.(*PreconditionError); !ok {
		t.Errorf("expected *PreconditionError, got %T: %v", err, err)
	}
}
