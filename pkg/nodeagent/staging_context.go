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
	"fmt"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
	"github.com/kubernetes-sigs/pav/pkg/provisioner"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

// StagingContext bundles everything a staging FSM handler needs for one
// (client pod, claim) pair: the claim, its bound PersistentVolume, the node
// the client pod (and its staging/unstaging helper pods) run on, and where
// on the host the volume must ultimately be made available.
type StagingContext struct {
	k8sClient kubernetes.Interface

	Provisioner      *provisioner.Provisioner
	PVC              *v1.PersistentVolumeClaim
	PV               *v1.PersistentVolume
	Node             *v1.Node
	ClientPod        *v1.Pod
	TargetPathInHost string
	ReadOnly         bool
}

// NewStagingContextFromClientPod reconstructs a StagingContext from the
// client pod's per-claim annotations (stashed there by the CSI Node servicer
// when it first requested staging), keyed by pvcUID.
func NewStagingContextFromClientPod(ctx context.Context, k8sClient kubernetes.Interface, dynClient dynamic.Interface, clientPod *v1.Pod, pvcUID, nodeName string) (*StagingContext, error) {
	pvcName, ok := clientPod.Annotations[config.ClientPodAnnotation(pvcUID, config.ClientPodPVCNameSuffix)]
	if !ok {
		return nil, fmt.Errorf("nodeagent: client pod %s/%s has no pvc-name annotation for claim %s", clientPod.Namespace, clientPod.Name, pvcUID)
	}
	pvcNamespace, ok := clientPod.Annotations[config.ClientPodAnnotation(pvcUID, config.ClientPodPVCNamespaceSuffix)]
	if !ok {
		return nil, fmt.Errorf("nodeagent: client pod %s/%s has no pvc-namespace annotation for claim %s", clientPod.Namespace, clientPod.Name, pvcUID)
	}

	pvc, err := k8sClient.CoreV1().PersistentVolumeClaims(pvcNamespace).Get(ctx, pvcName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("nodeagent: reading claim %s/%s: %w", pvcNamespace, pvcName, err)
	}

	pv, err := k8sClient.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("nodeagent: reading persistent volume %q: %w", pvc.Spec.VolumeName, err)
	}
	if pv.Spec.CSI == nil {
		return nil, fmt.Errorf("nodeagent: persistent volume %q has no CSI source", pv.Name)
	}

	prov, err := provisioner.Get(ctx, dynClient, k8sClient, pv.Spec.CSI.Driver)
	if err != nil {
		return nil, err
	}

	node, err := k8sClient.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("nodeagent: reading node %q: %w", nodeName, err)
	}

	targetPath, ok := clientPod.Annotations[config.ClientPodAnnotation(pvcUID, config.ClientPodTargetPathSuffix)]
	if !ok {
		return nil, fmt.Errorf("nodeagent: client pod %s/%s has no target-path annotation for claim %s", clientPod.Namespace, clientPod.Name, pvcUID)
	}

	readOnly := clientPod.Annotations[config.ClientPodAnnotation(pvcUID, config.ClientPodReadOnlySuffix)] == "true"

	return &StagingContext{
		k8sClient:        k8sClient,
		Provisioner:      prov,
		PVC:              pvc,
		PV:               pv,
		Node:             node,
		ClientPod:        clientPod,
		TargetPathInHost: targetPath,
		ReadOnly:         readOnly,
	}, nil
}

// K8sClient is the Kubernetes API client this context was built from.
func (c *StagingContext) K8sClient() kubernetes.Interface { return c.k8sClient }

// EvalStagingConfig evaluates the claim's Provisioner's spec.volumeStaging
// field for this (claim, PV, node) triple.
func (c *StagingContext) EvalStagingConfig(ctx context.Context) (provisioner.VolumeStagingConfig, error) {
	return c.Provisioner.EvalStagingConfig(ctx, c.PVC, c.PV, c.Node, c.ReadOnly)
}

// EvalUnstagingConfig evaluates the claim's Provisioner's spec.volumeUnstaging
// field.
func (c *StagingContext) EvalUnstagingConfig(ctx context.Context) (provisioner.VolumeUnstagingConfig, error) {
	return c.Provisioner.EvalUnstagingConfig(ctx, c.PVC, c.PV, c.Node, c.ReadOnly)
}

// SetState atomically writes a new staging state onto the client pod's
// per-claim annotation, applying the same late-override pattern as
// controlleragent.SetState: a Staged target is redirected to RemoveStagingPod
// if unstaging was already requested by write time, a StagingFailed or
// Unstaged target drops the claim's per-claim unstage finalizer (and
// StagingFailed is further redirected to Unstaged under the same condition).
func (c *StagingContext) SetState(ctx context.Context, target state.StagingState) error {
	pvcUID := string(c.PVC.UID)
	stateKey := config.ClientPodAnnotation(pvcUID, config.ClientPodStateSuffix)
	unstagingReqKey := config.ClientPodAnnotation(pvcUID, config.ClientPodUnstagingReqSuffix)
	finalizer := fmt.Sprintf(config.ClientPodUnstageFinalizerFmt, pvcUID)

	return k8sutil.ModifyPodAtomically(ctx, c.k8sClient, c.ClientPod.Namespace, c.ClientPod.Name, func(pod *v1.Pod) error {
		_, unstagingRequested := pod.Annotations[unstagingReqKey]

		newState := target

		switch st := target.(type) {
		case state.Staged:
			if unstagingRequested {
				newState = state.RemoveStagingPod{StagingPodNamespace: st.StagingPodNamespace}
			}
		case state.StagingFailed:
			removePodFinalizer(pod, finalizer)
			if unstagingRequested {
				newState = state.Unstaged{}
			}
		case state.Unstaged:
			removePodFinalizer(pod, finalizer)
		}

		encoded, err := state.EncodeStaging(newState)
		if err != nil {
			return fmt.Errorf("nodeagent: encoding staging state: %w", err)
		}

		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		pod.Annotations[stateKey] = string(encoded)

		return nil
	})
}

func removePodFinalizer(pod *v1.Pod, name string) {
	out := pod.Finalizers[:0]
	for _, f := range pod.Finalizers {
		if f != name {
			out = append(out, f)
		}
	}
	pod.Finalizers = out
}
