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

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

func newTestStagingContext(t *testing.T, provisionerSpec map[string]interface{}) (*StagingContext, *k8sfake.Clientset) {
	t.Helper()

	pvc := &v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "claim-a", Namespace: "default", UID: "pvc-uid-1"},
		Spec:       v1.PersistentVolumeClaimSpec{VolumeName: "pv-a"},
	}
	pv := &v1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "pv-a"},
		Spec: v1.PersistentVolumeSpec{
			Capacity: v1.ResourceList{v1.ResourceStorage: resource.MustParse("1Gi")},
			PersistentVolumeSource: v1.PersistentVolumeSource{
				CSI: &v1.CSIPersistentVolumeSource{Driver: "test-provisioner"},
			},
		},
	}
	node := &v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}}

	clientPod := &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: "client-pod-a", Namespace: "default", UID: "pod-uid-1",
			Annotations: map[string]string{
				config.ClientPodAnnotation("pvc-uid-1", config.ClientPodPVCNameSuffix):      "claim-a",
				config.ClientPodAnnotation("pvc-uid-1", config.ClientPodPVCNamespaceSuffix): "default",
				config.ClientPodAnnotation("pvc-uid-1", config.ClientPodTargetPathSuffix):   "/var/lib/kubelet/pods/pod-uid-1/volumes/vol",
			},
		},
	}

	k8sClient := k8sfake.NewSimpleClientset(pvc, pv, node, clientPod)

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

	sctx, err := NewStagingContextFromClientPod(context.Background(), k8sClient, dynClient, clientPod, "pvc-uid-1", "node-a")
	if err != nil {
		t.Fatalf("NewStagingContextFromClientPod: %v", err)
	}
	return sctx, k8sClient
}

func readStagingState(t *testing.T, client *k8sfake.Clientset) state.StagingState {
	t.Helper()
	pod, err := client.CoreV1().Pods("default").Get(context.Background(), "client-pod-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("reading client pod: %v", err)
	}
	key := config.ClientPodAnnotation("pvc-uid-1", config.ClientPodStateSuffix)
	s, err := state.DecodeStaging([]byte(pod.Annotations[key]))
	if err != nil {
		t.Fatalf("decoding staging state: %v", err)
	}
	return s
}

func TestLaunchUnstagingPodSkipsToUnstagedWhenNoPodTemplate(t *testing.T) {
	sctx, client := newTestStagingContext(t, map[string]interface{}{
		"volumeUnstaging": map[string]interface{}{},
	})

	if err := launchUnstagingPod(withTimeout(t), sctx, state.LaunchUnstagingPod{}); err != nil {
		t.Fatalf("launchUnstagingPod: %v", err)
	}

	if _, ok := readStagingState(t, client).(state.Unstaged); !ok {
		t.Errorf("expected Unstaged, got %#v", readStagingState(t, client))
	}
}

func TestLaunchUnstagingPodAfterFailureSkipsToStagingFailed(t *testing.T) {
	sctx, client := newTestStagingContext(t, map[string]interface{}{
		"volumeUnstaging": map[string]interface{}{},
	})

	in := state.LaunchUnstagingPodAfterFailure{ErrorCode: 3, ErrorDetails: "volume check failed"}
	if err := launchUnstagingPod(withTimeout(t), sctx, in); err != nil {
		t.Fatalf("launchUnstagingPod: %v", err)
	}

	got, ok := readStagingState(t, client).(state.StagingFailed)
	if !ok {
		t.Fatalf("expected StagingFailed, got %#v", readStagingState(t, client))
	}
	if got.ErrorCode != 3 || got.ErrorDetails != "volume check failed" {
		t.Errorf("got %#v, want preserved error code/details", got)
	}
}

func TestRemoveUnstagingPodAdvancesToUnstaged(t *testing.T) {
	sctx, client := newTestStagingContext(t, map[string]interface{}{
		"volumeUnstaging": map[string]interface{}{},
	})

	in := state.RemoveUnstagingPod{UnstagingPodNamespace: "default"}
	if err := removeUnstagingPod(withTimeout(t), sctx, in); err != nil {
		t.Fatalf("removeUnstagingPod: %v", err)
	}

	if _, ok := readStagingState(t, client).(state.Unstaged); !ok {
		t.Errorf("expected Unstaged, got %#v", readStagingState(t, client))
	}
}

func TestSetStateRedirectsStagedToRemoveStagingPodWhenUnstagingAlreadyRequested(t *testing.T) {
	sctx, client := newTestStagingContext(t, map[string]interface{}{
		"volumeUnstaging": map[string]interface{}{},
	})

	if err := k8sutilModifyPodAddUnstagingRequested(client, "default", "client-pod-a"); err != nil {
		t.Fatalf("marking unstaging requested: %v", err)
	}

	if err := sctx.SetState(context.Background(), state.Staged{StagingPodNamespace: "default"}); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	got, ok := readStagingState(t, client).(state.RemoveStagingPod)
	if !ok {
		t.Fatalf("expected RemoveStagingPod, got %#v", readStagingState(t, client))
	}
	if got.StagingPodNamespace != "default" {
		t.Errorf("got %#v, want staging_pod_namespace default", got)
	}
}

func k8sutilModifyPodAddUnstagingRequested(client *k8sfake.Clientset, namespace, name string) error {
	pod, err := client.CoreV1().Pods(namespace).Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	pod = pod.DeepCopy()
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[config.ClientPodAnnotation("pvc-uid-1", config.ClientPodUnstagingReqSuffix)] = "true"
	_, err = client.CoreV1().Pods(namespace).Update(context.Background(), pod, metav1.UpdateOptions{})
	return err
}
