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

// Package controlleragent runs the cluster-wide controller that drives a
// PersistentVolumeClaim's provisioning FSM from CSI-request-triggered state
// seeding through to Launch*Pod, delegating Await*/Remove* handling to
// whichever node agent claims the object via the handler-node label.
package controlleragent

import (
	"context"
	"fmt"

	v1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
	"github.com/kubernetes-sigs/pav/pkg/provisioner"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

// ProvisioningContext bundles everything a provisioning FSM handler needs to
// evaluate a Provisioner's config and to advance the claim's state.
type ProvisioningContext struct {
	k8sClient kubernetes.Interface
	dynClient dynamic.Interface

	Provisioner *provisioner.Provisioner
	PVC         *v1.PersistentVolumeClaim
	SC          *storagev1.StorageClass
}

// NewProvisioningContextFromPVC reads the named claim, reconstructs its
// StorageClass from the annotation the controller stashed there (the real
// StorageClass object may already be gone by the time deletion runs), and
// loads the Provisioner it names.
func NewProvisioningContextFromPVC(ctx context.Context, k8sClient kubernetes.Interface, dynClient dynamic.Interface, namespace, name string) (*ProvisioningContext, error) {
	pvc, err := k8sClient.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("controlleragent: reading claim %s/%s: %w", namespace, name, err)
	}

	scJSON, ok := pvc.Annotations[config.AnnotationStorageClass]
	if !ok {
		return nil, fmt.Errorf("controlleragent: claim %s/%s has no %s annotation", namespace, name, config.AnnotationStorageClass)
	}
	var sc storagev1.StorageClass
	if err := yaml.Unmarshal([]byte(scJSON), &sc); err != nil {
		return nil, fmt.Errorf("controlleragent: decoding stashed StorageClass for claim %s/%s: %w", namespace, name, err)
	}

	prov, err := provisioner.Get(ctx, dynClient, k8sClient, sc.Provisioner)
	if err != nil {
		return nil, err
	}

	return &ProvisioningContext{
		k8sClient:   k8sClient,
		dynClient:   dynClient,
		Provisioner: prov,
		PVC:         pvc,
		SC:          &sc,
	}, nil
}

// K8sClient is the Kubernetes API client this context was built from, for
// handlers (in pkg/nodeagent) that need to read/watch/modify objects beyond
// the claim itself, such as the helper pod a Launch* handler created.
func (c *ProvisioningContext) K8sClient() kubernetes.Interface { return c.k8sClient }

// DynClient is the dynamic client this context was built from.
func (c *ProvisioningContext) DynClient() dynamic.Interface { return c.dynClient }

// EvalDynamicValidationConfig evaluates the claim's Provisioner's
// spec.volumeValidation field.
func (c *ProvisioningContext) EvalDynamicValidationConfig(ctx context.Context) (provisioner.VolumeValidationConfig, error) {
	return c.Provisioner.EvalDynamicValidationConfig(ctx, c.SC, c.PVC)
}

// EvalCreationConfig evaluates the claim's Provisioner's spec.volumeCreation
// field.
func (c *ProvisioningContext) EvalCreationConfig(ctx context.Context) (provisioner.VolumeCreationConfig, error) {
	return c.Provisioner.EvalCreationConfig(ctx, c.SC, c.PVC)
}

// EvalDeletionConfig evaluates the claim's Provisioner's spec.volumeDeletion
// field.
func (c *ProvisioningContext) EvalDeletionConfig(ctx context.Context) (provisioner.VolumeDeletionConfig, error) {
	return c.Provisioner.EvalDeletionConfig(ctx, c.SC, c.PVC)
}

// SetState atomically writes state (and, when handlerNodeName is non-empty,
// the handler-node label that routes the claim to a node agent) to the
// claim, applying three late overrides inspected from sibling annotations at
// write time rather than at decision time:
//
//   - a Created target is redirected to LaunchDeletionPod if deletion was
//     already requested by the time the write lands;
//   - a CreationFailed target drops the delete-volume finalizer, and is
//     further redirected to Deleted under the same condition;
//   - a Deleted target drops the delete-volume finalizer.
//
// Centralizing these overrides in the write path (rather than in each
// handler) is what lets a deletion request that arrives mid-creation, after
// the handler has already decided its next state, still take effect.
func SetState(ctx context.Context, client kubernetes.Interface, pvc *v1.PersistentVolumeClaim, target state.ProvisioningState, handlerNodeName string) error {
	return k8sutil.ModifyClaimAtomically(ctx, client, pvc.Namespace, pvc.Name, func(pvc *v1.PersistentVolumeClaim) error {
		_, deletionRequested := pvc.Annotations[config.AnnotationDeletionRequested]

		newState := target

		switch target.(type) {
		case state.Created:
			if deletionRequested {
				newState = state.LaunchDeletionPod{}
			}
		case state.CreationFailed:
			removeFinalizer(pvc, config.DeleteVolumeFinalizer)
			if deletionRequested {
				newState = state.Deleted{}
			}
		case state.Deleted:
			removeFinalizer(pvc, config.DeleteVolumeFinalizer)
		}

		encoded, err := state.EncodeProvisioning(newState)
		if err != nil {
			return fmt.Errorf("controlleragent: encoding state: %w", err)
		}

		if pvc.Annotations == nil {
			pvc.Annotations = map[string]string{}
		}
		pvc.Annotations[config.AnnotationState] = string(encoded)

		if pvc.Labels == nil {
			pvc.Labels = map[string]string{}
		}
		if handlerNodeName == "" {
			delete(pvc.Labels, config.LabelHandlerNode)
		} else {
			pvc.Labels[config.LabelHandlerNode] = handlerNodeName
		}

		return nil
	})
}

func removeFinalizer(pvc *v1.PersistentVolumeClaim, name string) {
	out := pvc.Finalizers[:0]
	for _, f := range pvc.Finalizers {
		if f != name {
			out = append(out, f)
		}
	}
	pvc.Finalizers = out
}
