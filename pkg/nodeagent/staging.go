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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/kubernetes-sigs/pav/pkg/helperpod"
	"github.com/kubernetes-sigs/pav/pkg/quantity"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

// StagingHandler advances a StagingContext's FSM from one observed state.
type StagingHandler func(ctx context.Context, sctx *StagingContext, s state.StagingState) error

// StagingHandlers maps a staging state's name (as returned by Name()) to the
// handler that advances it.
type StagingHandlers map[string]StagingHandler

func stagingPodName(sctx *StagingContext) string {
	return fmt.Sprintf("pav-volume-staging-pod-%s-%s", sctx.PVC.UID, sctx.ClientPod.UID)
}

func stagingVolumeDirName(sctx *StagingContext) string {
	return fmt.Sprintf("pav-volume-stage-%s-%s", sctx.PVC.UID, sctx.ClientPod.UID)
}

func unstagingPodName(sctx *StagingContext) string {
	return fmt.Sprintf("pav-volume-unstaging-pod-%s-%s", sctx.PVC.UID, sctx.ClientPod.UID)
}

// StagingHandlerSet builds the registered staging FSM handlers this node
// agent runs, keyed by state name (the tagged-variant discriminator), unlike
// the provisioning engine's reflect.Type keys.
func StagingHandlerSet() StagingHandlers {
	return StagingHandlers{
		state.LaunchStagingPod{}.Name():              launchStagingPod,
		state.AwaitStagingPod{}.Name():                awaitStagingPod,
		state.RemoveStagingPod{}.Name():               removeStagingPod,
		state.RemoveStagingPodAfterFailure{}.Name():   removeStagingPod,
		state.LaunchUnstagingPod{}.Name():             launchUnstagingPod,
		state.LaunchUnstagingPodAfterFailure{}.Name(): launchUnstagingPod,
		state.AwaitUnstagingPod{}.Name():               awaitUnstagingPod,
		state.AwaitUnstagingPodAfterFailure{}.Name():   awaitUnstagingPod,
		state.RemoveUnstagingPod{}.Name():              removeUnstagingPod,
		state.RemoveUnstagingPodAfterFailure{}.Name():  removeUnstagingPod,
	}
}

func launchStagingPod(ctx context.Context, sctx *StagingContext, _ state.StagingState) error {
	cfg, err := sctx.EvalStagingConfig(ctx)
	if err != nil {
		return sctx.SetState(ctx, state.StagingFailed{
			ErrorCode: codes.InvalidArgument, ErrorDetails: err.Error(),
		})
	}

	pod, err := cfg.PodTemplate.Create(ctx, stagingPodName(sctx), helperpod.CreateOptions{
		NodeName:                      sctx.Node.Name,
		VolumeDirName:                 stagingVolumeDirName(sctx),
		BidirectionalMountPropagation: true,
	})
	if err != nil {
		return sctx.SetState(ctx, state.RemoveStagingPodAfterFailure{
			StagingPodNamespace: cfg.PodTemplate.Namespace(),
			ErrorCode:           codes.InvalidArgument,
			ErrorDetails:        err.Error(),
		})
	}

	return sctx.SetState(ctx, state.AwaitStagingPod{StagingPodNamespace: pod.Namespace()})
}

func awaitStagingPod(ctx context.Context, sctx *StagingContext, s state.StagingState) error {
	st := s.(state.AwaitStagingPod)

	pod := helperpod.NewPod(sctx.K8sClient(), stagingPodName(sctx), st.StagingPodNamespace, stagingVolumeDirName(sctx))

	fail := func(message string) error {
		return sctx.SetState(ctx, state.RemoveStagingPodAfterFailure{
			StagingPodNamespace: st.StagingPodNamespace,
			ErrorCode:           codes.InvalidArgument,
			ErrorDetails:        fmt.Sprintf("Staging pod failed: %s", strings.TrimSpace(message)),
		})
	}

	ok, err := pod.WaitTerminatedOrReady(ctx)
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

	sideChannelDir := pod.SideChannelDirOnHost()
	volumePath, err := filepath.EvalSymlinks(filepath.Join(sideChannelDir, "volume"))
	if err != nil {
		return fail(fmt.Sprintf("Error resolving /pav/volume: %v", err))
	}
	if !helperpod.IsUnder(volumePath, sideChannelDir) {
		return fail("/pav/volume resolves to a path outside /pav")
	}

	info, err := os.Stat(volumePath)
	if err != nil {
		return fail(fmt.Sprintf("Error resolving /pav/volume: %v", err))
	}

	switch sctx.PV.Spec.VolumeMode {
	case nil:
	default:
		switch *sctx.PV.Spec.VolumeMode {
		case "Filesystem":
			if !info.IsDir() {
				return fail("/pav/volume must resolve to a directory")
			}
		case "Block":
			if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
				return fail("/pav/volume must resolve to a block special file")
			}
		}
	}

	if info.Mode()&os.ModeDevice != 0 && info.Mode()&os.ModeCharDevice == 0 {
		expectedCapacity, err := quantity.ParseAndRound(sctx.PV.Spec.Capacity.Storage().String(), quantity.RoundHalfEven)
		if err != nil {
			return fmt.Errorf("nodeagent: parsing persistent volume capacity: %w", err)
		}
		actualCapacity, err := helperpod.BlockDeviceSize(volumePath)
		if err != nil {
			return err
		}
		if actualCapacity != expectedCapacity {
			return fail(fmt.Sprintf("Block device at /pav/volume has size %d, should be %d", actualCapacity, expectedCapacity))
		}
	}

	if err := os.Remove(sctx.TargetPathInHost); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("nodeagent: removing stale target path %s: %w", sctx.TargetPathInHost, err)
	}
	if err := os.Symlink(volumePath, sctx.TargetPathInHost); err != nil {
		return fmt.Errorf("nodeagent: symlinking %s to %s: %w", sctx.TargetPathInHost, volumePath, err)
	}

	return sctx.SetState(ctx, state.Staged{StagingPodNamespace: st.StagingPodNamespace})
}

func removeStagingPod(ctx context.Context, sctx *StagingContext, s state.StagingState) error {
	var ns string
	switch st := s.(type) {
	case state.RemoveStagingPod:
		ns = st.StagingPodNamespace
	case state.RemoveStagingPodAfterFailure:
		ns = st.StagingPodNamespace
	}

	pod := helperpod.NewPod(sctx.K8sClient(), stagingPodName(sctx), ns, stagingVolumeDirName(sctx))
	if err := pod.Delete(ctx); err != nil {
		return err
	}

	if err := os.Remove(sctx.TargetPathInHost); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("nodeagent: removing target path %s: %w", sctx.TargetPathInHost, err)
	}

	if st, ok := s.(state.RemoveStagingPodAfterFailure); ok {
		return sctx.SetState(ctx, state.LaunchUnstagingPodAfterFailure{ErrorCode: st.ErrorCode, ErrorDetails: st.ErrorDetails})
	}
	return sctx.SetState(ctx, state.LaunchUnstagingPod{})
}

func launchUnstagingPod(ctx context.Context, sctx *StagingContext, s state.StagingState) error {
	var failureCode codes.Code
	var failureDetails string
	afterFailure := false
	if st, ok := s.(state.LaunchUnstagingPodAfterFailure); ok {
		afterFailure = true
		failureCode = st.ErrorCode
		failureDetails = st.ErrorDetails
	}

	cfg, err := sctx.EvalUnstagingConfig(ctx)
	if err != nil {
		return sctx.SetState(ctx, state.UnrecoverableStagingFailure{
			ErrorCode: codes.InvalidArgument, ErrorDetails: err.Error(),
		})
	}

	if cfg.PodTemplate == nil {
		if afterFailure {
			return sctx.SetState(ctx, state.StagingFailed{ErrorCode: failureCode, ErrorDetails: failureDetails})
		}
		return sctx.SetState(ctx, state.Unstaged{})
	}

	pod, err := cfg.PodTemplate.Create(ctx, unstagingPodName(sctx), helperpod.CreateOptions{
		NodeName:                      sctx.Node.Name,
		VolumeDirName:                 stagingVolumeDirName(sctx),
		BidirectionalMountPropagation: true,
	})
	if err != nil {
		return sctx.SetState(ctx, state.UnrecoverableStagingFailure{
			ErrorCode: codes.InvalidArgument, ErrorDetails: err.Error(),
		})
	}

	if afterFailure {
		return sctx.SetState(ctx, state.AwaitUnstagingPodAfterFailure{
			UnstagingPodNamespace: pod.Namespace(),
			ErrorCode:             failureCode,
			ErrorDetails:          failureDetails,
		})
	}
	return sctx.SetState(ctx, state.AwaitUnstagingPod{UnstagingPodNamespace: pod.Namespace()})
}

func awaitUnstagingPod(ctx context.Context, sctx *StagingContext, s state.StagingState) error {
	var ns string
	var failureCode codes.Code
	var failureDetails string
	afterFailure := false
	switch st := s.(type) {
	case state.AwaitUnstagingPod:
		ns = st.UnstagingPodNamespace
	case state.AwaitUnstagingPodAfterFailure:
		ns = st.UnstagingPodNamespace
		failureCode = st.ErrorCode
		failureDetails = st.ErrorDetails
		afterFailure = true
	}

	pod := helperpod.NewPod(sctx.K8sClient(), unstagingPodName(sctx), ns, stagingVolumeDirName(sctx))
	ok, err := pod.WaitTerminated(ctx)
	if err != nil {
		return err
	}
	if !ok {
		msg, _, err := pod.ReadSideChannelFile("error")
		if err != nil {
			return err
		}
		return sctx.SetState(ctx, state.UnrecoverableStagingFailure{
			ErrorCode:    codes.InvalidArgument,
			ErrorDetails: fmt.Sprintf("Unstaging pod failed: %s", strings.TrimSpace(msg)),
		})
	}

	if afterFailure {
		return sctx.SetState(ctx, state.RemoveUnstagingPodAfterFailure{
			UnstagingPodNamespace: ns, ErrorCode: failureCode, ErrorDetails: failureDetails,
		})
	}
	return sctx.SetState(ctx, state.RemoveUnstagingPod{UnstagingPodNamespace: ns})
}

func removeUnstagingPod(ctx context.Context, sctx *StagingContext, s state.StagingState) error {
	var ns string
	switch st := s.(type) {
	case state.RemoveUnstagingPod:
		ns = st.UnstagingPodNamespace
	case state.RemoveUnstagingPodAfterFailure:
		ns = st.UnstagingPodNamespace
	}

	pod := helperpod.NewPod(sctx.K8sClient(), unstagingPodName(sctx), ns, stagingVolumeDirName(sctx))
	if err := pod.Delete(ctx); err != nil {
		return err
	}

	if st, ok := s.(state.RemoveUnstagingPodAfterFailure); ok {
		return sctx.SetState(ctx, state.StagingFailed{ErrorCode: st.ErrorCode, ErrorDetails: st.ErrorDetails})
	}
	return sctx.SetState(ctx, state.Unstaged{})
}
