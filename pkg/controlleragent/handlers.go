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
	"fmt"

	v1 "k8s.io/api/core/v1"

	"github.com/kubernetes-sigs/pav/pkg/helperpod"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

// The four handlers in this file are the only provisioning FSM states the
// Controller Agent runs (see DESIGN.md's Open Question OQ-1): they evaluate
// the claim's Provisioner config and, if it calls for a helper pod, create
// one, handing off to whichever node agent the pod happens to land on. Every
// Await*/Remove* state from here on is handled by pkg/nodeagent.

func validationPodName(pvc *v1.PersistentVolumeClaim) string {
	return fmt.Sprintf("pav-volume-validation-pod-%s", pvc.UID)
}

func creationPodName(pvc *v1.PersistentVolumeClaim) string {
	return fmt.Sprintf("pav-volume-creation-pod-%s", pvc.UID)
}

func deletionPodName(pvc *v1.PersistentVolumeClaim) string {
	return fmt.Sprintf("pav-volume-deletion-pod-%s", pvc.UID)
}

// LaunchValidationPod creates the validation helper pod named by the claim's
// Provisioner config, or skips straight to LaunchCreationPod if the
// Provisioner declares no volumeValidation.podTemplate.
func LaunchValidationPod(ctx context.Context, pctx *ProvisioningContext, _ state.ProvisioningState) error {
	cfg, err := pctx.EvalDynamicValidationConfig(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: evaluating volume validation config: %w", err)
	}

	if cfg.PodTemplate == nil {
		return SetState(ctx, pctx.k8sClient, pctx.PVC, state.LaunchCreationPod{}, "")
	}

	pod, err := cfg.PodTemplate.Create(ctx, validationPodName(pctx.PVC), helperpod.CreateOptions{})
	if err != nil {
		return fmt.Errorf("controlleragent: creating validation pod: %w", err)
	}

	nodeName, err := pod.WaitScheduled(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: waiting for validation pod to be scheduled: %w", err)
	}

	return SetState(ctx, pctx.k8sClient, pctx.PVC,
		state.AwaitValidationPod{ValidationPodNamespace: pod.Namespace()}, nodeName)
}

// LaunchCreationPod creates the creation helper pod, or, if the Provisioner
// declares no volumeCreation.podTemplate, skips straight to Created using the
// configured handle (default pvc-<uid>) and capacity; with neither a
// podTemplate nor a capacity it returns an error.
func LaunchCreationPod(ctx context.Context, pctx *ProvisioningContext, _ state.ProvisioningState) error {
	cfg, err := pctx.EvalCreationConfig(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: evaluating volume creation config: %w", err)
	}

	if cfg.PodTemplate == nil {
		handle := cfg.Handle
		if handle == "" {
			handle = fmt.Sprintf("pvc-%s", pctx.PVC.UID)
		}
		if cfg.Capacity == nil {
			return fmt.Errorf("controlleragent: volumeCreation has neither podTemplate nor capacity")
		}
		return SetState(ctx, pctx.k8sClient, pctx.PVC,
			state.Created{Handle: handle, Capacity: *cfg.Capacity}, "")
	}

	pod, err := cfg.PodTemplate.Create(ctx, creationPodName(pctx.PVC), helperpod.CreateOptions{})
	if err != nil {
		return fmt.Errorf("controlleragent: creating creation pod: %w", err)
	}

	nodeName, err := pod.WaitScheduled(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: waiting for creation pod to be scheduled: %w", err)
	}

	return SetState(ctx, pctx.k8sClient, pctx.PVC, state.AwaitCreationPod{
		CreationPodNamespace: pod.Namespace(),
		Handle:               nonEmptyOrNil(cfg.Handle),
		Capacity:             cfg.Capacity,
	}, nodeName)
}

// LaunchDeletionPod creates the deletion helper pod, or skips straight to
// Deleted if the Provisioner declares no volumeDeletion.podTemplate.
func LaunchDeletionPod(ctx context.Context, pctx *ProvisioningContext, _ state.ProvisioningState) error {
	cfg, err := pctx.EvalDeletionConfig(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: evaluating volume deletion config: %w", err)
	}

	if cfg.PodTemplate == nil {
		return SetState(ctx, pctx.k8sClient, pctx.PVC, state.Deleted{}, "")
	}

	pod, err := cfg.PodTemplate.Create(ctx, deletionPodName(pctx.PVC), helperpod.CreateOptions{})
	if err != nil {
		return fmt.Errorf("controlleragent: creating deletion pod: %w", err)
	}

	nodeName, err := pod.WaitScheduled(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: waiting for deletion pod to be scheduled: %w", err)
	}

	return SetState(ctx, pctx.k8sClient, pctx.PVC,
		state.AwaitDeletionPod{DeletionPodNamespace: pod.Namespace()}, nodeName)
}

// LaunchDeletionPodAfterFailure is LaunchDeletionPod's failure-carrying
// counterpart: the creation path failed after the helper pod ran, deletion
// must still run to clean up, and the carried error must survive to
// CreationFailed once deletion completes.
func LaunchDeletionPodAfterFailure(ctx context.Context, pctx *ProvisioningContext, s state.ProvisioningState) error {
	failed := s.(state.LaunchDeletionPodAfterFailure)

	cfg, err := pctx.EvalDeletionConfig(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: evaluating volume deletion config: %w", err)
	}

	if cfg.PodTemplate == nil {
		return SetState(ctx, pctx.k8sClient, pctx.PVC, state.CreationFailed{
			ErrorCode:    failed.ErrorCode,
			ErrorDetails: failed.ErrorDetails,
		}, "")
	}

	pod, err := cfg.PodTemplate.Create(ctx, deletionPodName(pctx.PVC), helperpod.CreateOptions{})
	if err != nil {
		return fmt.Errorf("controlleragent: creating deletion pod: %w", err)
	}

	nodeName, err := pod.WaitScheduled(ctx)
	if err != nil {
		return fmt.Errorf("controlleragent: waiting for deletion pod to be scheduled: %w", err)
	}

	return SetState(ctx, pctx.k8sClient, pctx.PVC, state.AwaitDeletionPodAfterFailure{
		DeletionPodNamespace: pod.Namespace(),
		ErrorCode:            failed.ErrorCode,
		ErrorDetails:         failed.ErrorDetails,
	}, nodeName)
}

func nonEmptyOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RegisterLaunchHandlers wires the four Launch* handlers above into h, for
// use by cmd/pav-agent's controller subcommand.
func RegisterLaunchHandlers(h Handlers) {
	h.Register(LaunchValidationPod, state.LaunchValidationPod{})
	h.Register(LaunchCreationPod, state.LaunchCreationPod{})
	h.Register(LaunchDeletionPod, state.LaunchDeletionPod{})
	h.Register(LaunchDeletionPodAfterFailure, state.LaunchDeletionPodAfterFailure{})
}
