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

package controlleragent

import (
	"context"
	"testing"

	v1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"sigs.k8s.io/yaml"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

func newTestContext(t *testing.T, provisionerSpec map[string]interface{}) (*ProvisioningContext, *k8sfake.Clientset) {
	t.Helper()

	sc := &storagev1.StorageClass{
		ObjectMeta: metav1.ObjectMeta{Name: "sc-a"},
		Provisioner: "test-provisioner",
	}
	scJSON, err := yaml.Marshal(sc)
	if err != nil {
		t.Fatalf("marshaling StorageClass: %v", err)
	}

	pvc := &v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "claim-a",
			Namespace: "default",
			UID:       "uid-1",
			Annotations: map[string]string{
				config.AnnotationStorageClass: string(scJSON),
			},
			Finalizers: []string{config.DeleteVolumeFinalizer},
		},
	}

	k8sClient := k8sfake.NewSimpleClientset(pvc)

	scheme := runtime.NewScheme()
	gvr := schema.GroupVersionResource{Group: config.ProvisionerGroup, Version: config.ProvisionerVersion, Resource: config.ProvisionerPlural}
	listKinds := map[schema.GroupVersionResource]string{gvr: "PavProvisionerList"}

	u := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": config.ProvisionerGroup + "/" + config.ProvisionerVersion,
		"kind":       config.ProvisionerKind,
		"metadata":   map[string]interface{}{"name": "test-provisioner"},
		"spec":       provisionerSpec,
	}}

	dynClient := fake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds, u)

	pctx, err := NewProvisioningContextFromPVC(context.Background(), k8sClient, dynClient, "default", "claim-a")
	if err != nil {
		t.Fatalf("NewProvisioningContextFromPVC: %v", err)
	}
	return pctx, k8sClient
}

func readState(t *testing.T, client *k8sfake.Clientset) state.ProvisioningState {
	t.Helper()
	pvc, err := client.CoreV1().PersistentVolumeClaims("default").Get(context.Background(), "claim-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("reading claim: %v", err)
	}
	s, err := state.DecodeProvisioning([]byte(pvc.Annotations[config.AnnotationState]))
	if err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	return s
}

func TestLaunchValidationPodSkipsWhenNoPodTemplate(t *testing.T) {
	pctx, client := newTestContext(t, map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeValidation":  map[string]interface{}{},
	})

	if err := LaunchValidationPod(context.Background(), pctx, state.LaunchValidationPod{}); err != nil {
		t.Fatalf("LaunchValidationPod: %v", err)
	}

	if _, ok := readState(t, client).(state.LaunchCreationPod); !ok {
		t.Errorf("expected LaunchCreationPod, got %#v", readState(t, client))
	}
}

func TestLaunchCreationPodUsesLiteralHandleAndCapacityWithoutPodTemplate(t *testing.T) {
	pctx, client := newTestContext(t, map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeCreation": map[string]interface{}{
			"handle":   "my-handle",
			"capacity": "5Gi",
		},
	})

	if err := LaunchCreationPod(context.Background(), pctx, state.LaunchCreationPod{}); err != nil {
		t.Fatalf("LaunchCreationPod: %v", err)
	}

	got, ok := readState(t, client).(state.Created)
	if !ok {
		t.Fatalf("expected Created, got %#v", readState(t, client))
	}
	if got.Handle != "my-handle" {
		t.Errorf("handle = %q, want my-handle", got.Handle)
	}
	if got.Capacity != 5*1024*1024*1024 {
		t.Errorf("capacity = %d, want %d", got.Capacity, 5*1024*1024*1024)
	}
}

func TestLaunchDeletionPodSkipsWhenNoPodTemplate(t *testing.T) {
	pctx, client := newTestContext(t, map[string]interface{}{
		"volumeDeletion": map[string]interface{}{},
	})

	if err := LaunchDeletionPod(context.Background(), pctx, state.LaunchDeletionPod{}); err != nil {
		t.Fatalf("LaunchDeletionPod: %v", err)
	}

	if _, ok := readState(t, client).(state.Deleted); !ok {
		t.Errorf("expected Deleted, got %#v", readState(t, client))
	}

	pvc, err := client.CoreV1().PersistentVolumeClaims("default").Get(context.Background(), "claim-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("reading claim: %v", err)
	}
	for _, f := range pvc.Finalizers {
		if f == config.DeleteVolumeFinalizer {
			t.Errorf("expected delete-volume finalizer to be removed once Deleted")
		}
	}
}

func TestLaunchDeletionPodAfterFailurePreservesErrorWhenSkipped(t *testing.T) {
	pctx, client := newTestContext(t, map[string]interface{}{
		"volumeDeletion": map[string]interface{}{},
	})

	in := state.LaunchDeletionPodAfterFailure{ErrorCode: 3, ErrorDetails: "boom"}
	if err := LaunchDeletionPodAfterFailure(context.Background(), pctx, in); err != nil {
		t.Fatalf("LaunchDeletionPodAfterFailure: %v", err)
	}

	got, ok := readState(t, client).(state.CreationFailed)
	if !ok {
		t.Fatalf("expected CreationFailed, got %#v", readState(t, client))
	}
	if got.ErrorCode != 3 || got.ErrorDetails != "boom" {
		t.Errorf("got %#v, want preserved error code/details", got)
	}
}
