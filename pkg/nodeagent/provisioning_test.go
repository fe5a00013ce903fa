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

package nodeagent

import (
	"context"
	"testing"
	"time"

	v1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"sigs.k8s.io/yaml"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/controlleragent"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

func newTestProvisioningContext(t *testing.T, provisionerSpec map[string]interface{}, pvcExtra func(*v1.PersistentVolumeClaim)) (*controlleragent.ProvisioningContext, *k8sfake.Clientset) {
	t.Helper()

	sc := &storagev1.StorageClass{
		ObjectMeta:  metav1.ObjectMeta{Name: "sc-a"},
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
	if pvcExtra != nil {
		pvcExtra(pvc)
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

	pctx, err := controlleragent.NewProvisioningContextFromPVC(context.Background(), k8sClient, dynClient, "default", "claim-a")
	if err != nil {
		t.Fatalf("NewProvisioningContextFromPVC: %v", err)
	}
	return pctx, k8sClient
}

func readProvisioningState(t *testing.T, client *k8sfake.Clientset) state.ProvisioningState {
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

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAwaitDeletionPodTrapsUnrecoverablyOnFailureNoRetry(t *testing.T) {
	pctx, client := newTestProvisioningContext(t, map[string]interface{}{
		"volumeDeletion": map[string]interface{}{},
	}, nil)

	if _, err := client.CoreV1().Pods("default").Create(context.Background(), &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: deletionPodName(pctx), Namespace: "default"},
		Status:     v1.PodStatus{Phase: v1.PodFailed},
	}, metav1.CreateOptions{}); err != nil {
		t.Fatalf("creating deletion pod: %v", err)
	}

	err := awaitDeletionPod(withTimeout(t), pctx, state.AwaitDeletionPod{DeletionPodNamespace: "default"}, "node-a")
	if err != nil {
		t.Fatalf("awaitDeletionPod: %v", err)
	}

	got, ok := readProvisioningState(t, client).(state.UnrecoverableFailure)
	if !ok {
		t.Fatalf("expected UnrecoverableFailure, got %#v", readProvisioningState(t, client))
	}
	if got.ErrorCode == 0 {
		t.Errorf("expected a non-zero error code")
	}
}

func TestRemoveCreationPodAdvancesToCreated(t *testing.T) {
	pctx, client := newTestProvisioningContext(t, map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeCreation":    map[string]interface{}{},
	}, nil)

	in := state.RemoveCreationPod{CreationPodNamespace: "default", Handle: "h-1", Capacity: 42}
	if err := removeCreationPod(withTimeout(t), pctx, in); err != nil {
		t.Fatalf("removeCreationPod: %v", err)
	}

	got, ok := readProvisioningState(t, client).(state.Created)
	if !ok {
		t.Fatalf("expected Created, got %#v", readProvisioningState(t, client))
	}
	if got.Handle != "h-1" || got.Capacity != 42 {
		t.Errorf("got %#v, want handle h-1 capacity 42", got)
	}
}

func TestRemoveValidationPodAfterFailureAdvancesToCreationFailed(t *testing.T) {
	pctx, client := newTestProvisioningContext(t, map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeValidation":  map[string]interface{}{},
	}, nil)

	in := state.RemoveValidationPodAfterFailure{
		ValidationPodNamespace: "default",
		ErrorCode:              3,
		ErrorDetails:           "bad capacity",
	}
	if err := removeValidationPod(withTimeout(t), pctx, in); err != nil {
		t.Fatalf("removeValidationPod: %v", err)
	}

	got, ok := readProvisioningState(t, client).(state.CreationFailed)
	if !ok {
		t.Fatalf("expected CreationFailed, got %#v", readProvisioningState(t, client))
	}
	if got.ErrorCode != 3 || got.ErrorDetails != "bad capacity" {
		t.Errorf("got %#v, want preserved error code/details", got)
	}
}
