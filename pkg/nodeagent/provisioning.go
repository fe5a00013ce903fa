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

// Package nodeagent runs the per-node agent that drives the Await*/Remove*
// legs of a claim's provisioning FSM and the entire staging FSM for volumes
// mounted by pods scheduled onto this node.
package nodeagent

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/kubernetes-sigs/pav/pkg/controlleragent"
	"github.com/kubernetes-sigs/pav/pkg/helperpod"
	"github.com/kubernetes-sigs/pav/pkg/quantity"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

func validationPodName(pctx *controlleragent.ProvisioningContext) string {
	return fmt.Sprintf("pav-volume-validation-pod-%s", pctx.PVC.UID)
}

func creationPodName(pctx *controlleragent.ProvisioningContext) string {
	return fmt.Sprintf("pav-volume-creation-pod-%s", pctx.PVC.UID)
}

func deletionPodName(pctx *controlleragent.ProvisioningContext) string {
	return fmt.Sprintf("pav-volume-deletion-pod-%s", pctx.PVC.UID)
}

// ProvisioningHandlers builds the registered Await*/Remove* handler set this
// node agent runs, closing over its own node name so that transitions which
// must stay pinned to this node (the ones still awaiting or removing a pod)
// carry handler_node_name=nodeName, while terminal/handoff transitions
// (LaunchCreationPod, CreationFailed, Created's sibling states) release the
// pin by passing "".
func ProvisioningHandlers(nodeName string) controlleragent.Handlers {
	h := controlleragent.Handlers{}

	h.Register(func(ctx context.Context, pctx *controlleragent.ProvisioningContext, s state.ProvisioningState) error {
		return awaitValidationPod(ctx, pctx, s.(state.AwaitValidationPod), nodeName)
	}, state.AwaitValidationPod{})

	h.Register(removeValidationPod, state.RemoveValidationPod{}, state.RemoveValidationPodAfterFailure{})

	h.Register(func(ctx context.Context, pctx *controlleragent.ProvisioningContext, s state.ProvisioningState) error {
		return awaitCreationPod(ctx, pctx, s.(state.AwaitCreationPod), nodeName)
	}, state.AwaitCreationPod{})

	h.Register(removeCreationPod, state.RemoveCreationPod{}, state.RemoveCreationPodAfterFailure{})

	h.Register(func(ctx context.Context, pctx *controlleragent.ProvisioningContext, s state.ProvisioningState) error {
		return awaitDeletionPod(ctx, pctx, s, nodeName)
	}, state.AwaitDeletionPod{}, state.AwaitDeletionPodAfterFailure{})

	h.Register(removeDeletionPod, state.RemoveDeletionPod{}, state.RemoveDeletionPodAfterFailure{})

	return h
}

// awaitValidationPod waits for the validation pod to terminate and routes to
// RemoveValidationPod (success) or RemoveValidationPodAfterFailure (failure),
// reading /pav/error on failure.
func awaitValidationPod(ctx context.Context, pctx *controlleragent.ProvisioningContext, st state.AwaitValidationPod, nodeName string) error {
	pod := helperpod.NewPod(pctx.K8sClient(), validationPodName(pctx), st.ValidationPodNamespace, "")

	ok, err := pod.WaitTerminated(ctx)
	if err != nil {
		return err
	}

	if ok {
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC,
			state.RemoveValidationPod{ValidationPodNamespace: st.ValidationPodNamespace}, nodeName)
	}

	msg, _, err := pod.ReadSideChannelFile("error")
	if err != nil {
		return err
	}
	return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC, state.RemoveValidationPodAfterFailure{
		ValidationPodNamespace: st.ValidationPodNamespace,
		ErrorCode:              codes.InvalidArgument,
		ErrorDetails:           fmt.Sprintf("Validation pod failed: %s", strings.TrimSpace(msg)),
	}, nodeName)
}

// removeValidationPod deletes the validation pod and its side-channel
// directory, then advances to LaunchCreationPod (success) or CreationFailed
// (failure), unpinning the claim from this node either way.
func removeValidationPod(ctx context.Context, pctx *controlleragent.ProvisioningContext, s state.ProvisioningState) error {
	var ns string
	switch st := s.(type) {
	case state.RemoveValidationPod:
		ns = st.ValidationPodNamespace
	case state.RemoveValidationPodAfterFailure:
		ns = st.ValidationPodNamespace
	}

	pod := helperpod.NewPod(pctx.K8sClient(), validationPodName(pctx), ns, "")
	if err := pod.Delete(ctx); err != nil {
		return err
	}

	if st, ok := s.(state.RemoveValidationPodAfterFailure); ok {
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC,
			state.CreationFailed{ErrorCode: st.ErrorCode, ErrorDetails: st.ErrorDetails}, "")
	}
	return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC, state.LaunchCreationPod{}, "")
}

// awaitCreationPod waits for the creation pod to terminate, then resolves the
// volume handle and capacity from the pod's /pav/handle and /pav/capacity
// side-channel files, falling back to whatever the state already carries
// (see DESIGN.md OQ-2 on this fallback chain's leniency).
func awaitCreationPod(ctx context.Context, pctx *controlleragent.ProvisioningContext, st state.AwaitCreationPod, nodeName string) error {
	pod := helperpod.NewPod(pctx.K8sClient(), creationPodName(pctx), st.CreationPodNamespace, "")

	fail := func(message string) error {
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC, state.RemoveCreationPodAfterFailure{
			CreationPodNamespace: st.CreationPodNamespace,
			ErrorCode:            codes.InvalidArgument,
			ErrorDetails:         fmt.Sprintf("Creation pod failed: %s", strings.TrimSpace(message)),
		}, nodeName)
	}

	ok, err := pod.WaitTerminated(ctx)
	if err != nil {
		return err
	}
	if !ok {
		msg, _, err := pod.ReadSideChannelFile("error")
		if err != nil {
			return err
		}
		return fail(msg)
	}

	handleFromFile, present, err := pod.ReadSideChannelFile("handle")
	if err != nil {
		return err
	}

	var handle string
	switch {
	case present:
		if handleFromFile == "" {
			return fail("Specified empty handle in file /pav/handle")
		}
		handle = handleFromFile
	case st.Handle != nil:
		handle = *st.Handle
	default:
		handle = fmt.Sprintf("pvc-%s", pctx.PVC.UID)
	}

	capacityFromFile, present, err := pod.ReadSideChannelFile("capacity")
	if err != nil {
		return err
	}

	var capacity int64
	switch {
	case present:
		capacity, err = quantity.ParseAndRound(strings.TrimSpace(capacityFromFile), quantity.RoundHalfEven)
		if err != nil {
			return fail(fmt.Sprintf("Specified invalid capacity in file /pav/capacity: %v", err))
		}
	case st.Capacity != nil:
		capacity = *st.Capacity
	default:
		return fail("Creation pod didn't specify volume capacity in file /pav/capacity")
	}

	return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC, state.RemoveCreationPod{
		CreationPodNamespace: st.CreationPodNamespace,
		Handle:               handle,
		Capacity:             capacity,
	}, nodeName)
}

// removeCreationPod deletes the creation pod and its side-channel directory,
// then advances to Created (success) or LaunchDeletionPodAfterFailure
// (failure, which must still clean up a volume the creation pod may have
// partially created), unpinning the claim from this node either way.
func removeCreationPod(ctx context.Context, pctx *controlleragent.ProvisioningContext, s state.ProvisioningState) error {
	var ns string
	switch st := s.(type) {
	case state.RemoveCreationPod:
		ns = st.CreationPodNamespace
	case state.RemoveCreationPodAfterFailure:
		ns = st.CreationPodNamespace
	}

	pod := helperpod.NewPod(pctx.K8sClient(), creationPodName(pctx), ns, "")
	if err := pod.Delete(ctx); err != nil {
		return err
	}

	switch st := s.(type) {
	case state.RemoveCreationPod:
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC,
			state.Created{Handle: st.Handle, Capacity: st.Capacity}, "")
	case state.RemoveCreationPodAfterFailure:
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC,
			state.LaunchDeletionPodAfterFailure{ErrorCode: st.ErrorCode, ErrorDetails: st.ErrorDetails}, "")
	}
	return nil
}

// awaitDeletionPod waits for the deletion pod to terminate. Unlike the
// validation and creation pods, a failure here is unrecoverable: there is no
// further fallback state that could retry deletion safely, so the FSM traps
// in UnrecoverableFailure.
func awaitDeletionPod(ctx context.Context, pctx *controlleragent.ProvisioningContext, s state.ProvisioningState, nodeName string) error {
	var ns string
	var failureCode codes.Code
	var failureDetails string
	afterFailure := false
	switch st := s.(type) {
	case state.AwaitDeletionPod:
		ns = st.DeletionPodNamespace
	case state.AwaitDeletionPodAfterFailure:
		ns = st.DeletionPodNamespace
		failureCode = st.ErrorCode
		failureDetails = st.ErrorDetails
		afterFailure = true
	}

	pod := helperpod.NewPod(pctx.K8sClient(), deletionPodName(pctx), ns, "")

	ok, err := pod.WaitTerminated(ctx)
	if err != nil {
		return err
	}
	if !ok {
		msg, _, err := pod.ReadSideChannelFile("error")
		if err != nil {
			return err
		}
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC, state.UnrecoverableFailure{
			ErrorCode:    codes.InvalidArgument,
			ErrorDetails: fmt.Sprintf("Deletion pod failed: %s", strings.TrimSpace(msg)),
		}, "")
	}

	if afterFailure {
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC, state.RemoveDeletionPodAfterFailure{
			DeletionPodNamespace: ns,
			ErrorCode:            failureCode,
			ErrorDetails:         failureDetails,
		}, nodeName)
	}
	return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC,
		state.RemoveDeletionPod{DeletionPodNamespace: ns}, nodeName)
}

// removeDeletionPod deletes the deletion pod and its side-channel directory,
// then advances to Deleted (success) or CreationFailed (the creation path's
// original failure, now fully cleaned up), unpinning the claim from this node
// either way.
func removeDeletionPod(ctx context.Context, pctx *controlleragent.ProvisioningContext, s state.ProvisioningState) error {
	var ns string
	switch st := s.(type) {
	case state.RemoveDeletionPod:
		ns = st.DeletionPodNamespace
	case state.RemoveDeletionPodAfterFailure:
		ns = st.DeletionPodNamespace
	}

	pod := helperpod.NewPod(pctx.K8sClient(), deletionPodName(pctx), ns, "")
	if err := pod.Delete(ctx); err != nil {
		return err
	}

	switch st := s.(type) {
	case state.RemoveDeletionPod:
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC, state.Deleted{}, "")
	case state.RemoveDeletionPodAfterFailure:
		return controlleragent.SetState(ctx, pctx.K8sClient(), pctx.PVC,
			state.CreationFailed{ErrorCode: st.ErrorCode, ErrorDetails: st.ErrorDetails}, "")
	}
	return nil
}
