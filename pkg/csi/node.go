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

package csi

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	csipb "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

// objectRef identifies a single Kubernetes object.
type objectRef struct {
	Name      string
	Namespace string
	UID       string
}

// volumeStageRef identifies the (client pod, claim) pair a staged volume's
// target path belongs to.
type volumeStageRef struct {
	ClientPod objectRef
	PVC       objectRef
}

// Node implements the CSI Node service. NodePublishVolume/NodeUnpublishVolume
// seed and tear down a client pod's per-claim staging FSM; this driver
// advertises no STAGE_UNSTAGE_VOLUME capability, so kubelet always calls
// these two RPCs directly instead of the separate NodeStageVolume/
// NodePublishVolume/NodeUnpublishVolume/NodeUnstageVolume sequence.
type Node struct {
	csipb.UnimplementedNodeServer

	k8sClient       kubernetes.Interface
	dynClient       dynamic.Interface
	provisionerName string
	provisionerUID  string
	nodeName        string
}

// NewNode builds a Node servicer for the named PavProvisioner, running on
// nodeName.
func NewNode(k8sClient kubernetes.Interface, dynClient dynamic.Interface, provisionerName, provisionerUID, nodeName string) *Node {
	return &Node{
		k8sClient:       k8sClient,
		dynClient:       dynClient,
		provisionerName: provisionerName,
		provisionerUID:  provisionerUID,
		nodeName:        nodeName,
	}
}

func (s *Node) NodeGetInfo(ctx context.Context, req *csipb.NodeGetInfoRequest) (*csipb.NodeGetInfoResponse, error) {
	return &csipb.NodeGetInfoResponse{NodeId: s.nodeName}, nil
}

func (s *Node) NodeGetCapabilities(ctx context.Context, req *csipb.NodeGetCapabilitiesRequest) (*csipb.NodeGetCapabilitiesResponse, error) {
	return &csipb.NodeGetCapabilitiesResponse{Capabilities: nil}, nil
}

func (s *Node) NodePublishVolume(ctx context.Context, req *csipb.NodePublishVolumeRequest) (*csipb.NodePublishVolumeResponse, error) {
	if err := ensureProvisionerIsNotBeingDeleted(ctx, s.dynClient, s.provisionerName); err != nil {
		return nil, err
	}

	clientPodRef := objectRef{
		Name:      req.VolumeContext["pod.name"],
		Namespace: req.VolumeContext["pod.namespace"],
		UID:       req.VolumeContext["pod.uid"],
	}
	if clientPodRef.Name == "" || clientPodRef.Namespace == "" || clientPodRef.UID == "" {
		return nil, fmt.Errorf("csi: volume context missing pod.name/pod.namespace/pod.uid")
	}

	pv, err := s.getPV(ctx, req.VolumeId)
	if err != nil {
		return nil, err
	}
	if pv.Spec.ClaimRef == nil {
		return nil, fmt.Errorf("csi: persistent volume %q has no claimRef", pv.Name)
	}

	pvc, err := s.k8sClient.CoreV1().PersistentVolumeClaims(pv.Spec.ClaimRef.Namespace).Get(ctx, pv.Spec.ClaimRef.Name, metav1.GetOptions{})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading claim %s/%s: %v", pv.Spec.ClaimRef.Namespace, pv.Spec.ClaimRef.Name, err)
	}
	if pvc.UID != pv.Spec.ClaimRef.UID {
		return nil, fmt.Errorf("csi: persistent volume %q claimRef UID does not match claim's current UID", pv.Name)
	}

	if err := assertPublishVolumeRequestMatchesPV(req, pv, pvc, s.provisionerName); err != nil {
		return nil, err
	}
	if err := validatePublishVolumeRequest(req); err != nil {
		return nil, err
	}

	if err := s.delegateVolumeStagingToAgent(ctx, clientPodRef, pvc, req); err != nil {
		return nil, err
	}

	if err := s.waitForAgentToStageVolume(ctx, clientPodRef, pvc.UID); err != nil {
		return nil, err
	}

	return &csipb.NodePublishVolumeResponse{}, nil
}

// getPV finds the sole PersistentVolume backed by this driver with the
// given volume handle.
func (s *Node) getPV(ctx context.Context, volumeID string) (*v1.PersistentVolume, error) {
	pvs, err := s.k8sClient.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing persistent volumes: %v", err)
	}

	var found *v1.PersistentVolume
	for i := range pvs.Items {
		pv := &pvs.Items[i]
		if pv.Spec.CSI == nil || pv.Spec.CSI.Driver != s.provisionerName || pv.Spec.CSI.VolumeHandle != volumeID {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("csi: more than one persistent volume has handle %q", volumeID)
		}
		found = pv
	}
	if found == nil {
		return nil, status.Errorf(codes.NotFound, "no persistent volume has handle %q", volumeID)
	}
	return found, nil
}

// assertPublishVolumeRequestMatchesPV checks that the request carries the
// same data as the PersistentVolume/PersistentVolumeClaim it was derived
// from. A mismatch here is a bug in the CSI caller (kubelet), not user
// error.
func assertPublishVolumeRequestMatchesPV(req *csipb.NodePublishVolumeRequest, pv *v1.PersistentVolume, pvc *v1.PersistentVolumeClaim, provisionerName string) error {
	if pv.Spec.CSI.Driver != provisionerName {
		return fmt.Errorf("csi: persistent volume %q has driver %q, want %q", pv.Name, pv.Spec.CSI.Driver, provisionerName)
	}

	volumeMode, err := soleVolumeMode([]*csipb.VolumeCapability{req.VolumeCapability})
	if err != nil {
		return err
	}
	if volumeMode != pvcVolumeMode(pvc) {
		return fmt.Errorf("csi: requested volume mode %q does not match claim's", volumeMode)
	}

	requestedMode, err := accessModeString(req.VolumeCapability.AccessMode.Mode)
	if err != nil {
		return err
	}
	found := false
	for _, m := range pvc.Spec.AccessModes {
		if string(m) == requestedMode {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("csi: requested access mode %q is not among claim's access modes", requestedMode)
	}

	return nil
}

func validatePublishVolumeRequest(req *csipb.NodePublishVolumeRequest) error {
	mount := req.VolumeCapability.GetMount()
	if mount == nil {
		return nil
	}
	if err := ensure(mount.FsType == "", codes.InvalidArgument,
		`Must not specify 'StorageClass.parameters["csi.storage.k8s.io/fstype"]'`); err != nil {
		return err
	}
	if err := ensure(len(mount.MountFlags) == 0, codes.InvalidArgument,
		"Must not specify 'StorageClass.mountOptions'"); err != nil {
		return err
	}
	return nil
}

// delegateVolumeStagingToAgent seeds the client pod's per-claim staging FSM
// the first time NodePublishVolume is called for it, or re-seeds it after a
// previous attempt left it StagingFailed.
func (s *Node) delegateVolumeStagingToAgent(ctx context.Context, clientPodRef objectRef, pvc *v1.PersistentVolumeClaim, req *csipb.NodePublishVolumeRequest) error {
	prefix := config.Domain + "/" + string(pvc.UID)
	clientPodUID := clientPodRef.UID

	err := k8sutil.ModifyPodAtomically(ctx, s.k8sClient, clientPodRef.Namespace, clientPodRef.Name, func(p *v1.Pod) error {
		if string(p.UID) != clientPodUID {
			return k8sutil.Precondition("client pod object was replaced")
		}

		if p.Annotations == nil {
			p.Annotations = map[string]string{}
		}

		var current state.StagingState
		var err error
		if raw, ok := p.Annotations[config.ClientPodAnnotation(string(pvc.UID), config.ClientPodStateSuffix)]; ok {
			if current, err = state.DecodeStaging([]byte(raw)); err != nil {
				return fmt.Errorf("csi: decoding client pod staging state: %w", err)
			}
		}

		_, unstagingRequested := p.Annotations[config.ClientPodAnnotation(string(pvc.UID), config.ClientPodUnstagingReqSuffix)]
		_, stagingFailed := current.(state.StagingFailed)

		if current == nil || stagingFailed {
			if p.Labels == nil {
				p.Labels = map[string]string{}
			}
			p.Labels[config.LabelUsesProvisionerPrefix+s.provisionerUID] = ""
			p.Labels[config.LabelUsesVolumePrefix+string(pvc.UID)] = ""
			p.Labels[config.LabelUsesVolumes] = "true"

			if !unstagingRequested {
				finalizer := fmt.Sprintf(config.ClientPodUnstageFinalizerFmt, pvc.UID)
				p.Finalizers = append(p.Finalizers, finalizer)

				encoded, err := state.EncodeStaging(state.LaunchStagingPod{})
				if err != nil {
					return fmt.Errorf("csi: encoding client pod staging state: %w", err)
				}
				p.Annotations[prefix+config.ClientPodStateSuffix] = string(encoded)
				p.Annotations[prefix+config.ClientPodPVCNameSuffix] = pvc.Name
				p.Annotations[prefix+config.ClientPodPVCNamespaceSuffix] = pvc.Namespace
				p.Annotations[prefix+config.ClientPodTargetPathSuffix] = req.TargetPath
				p.Annotations[prefix+config.ClientPodReadOnlySuffix] = strconv.FormatBool(req.Readonly)
			}
		}

		return nil
	})
	if pe, ok := err.(*k8sutil.PreconditionError); ok {
		return status.Error(codes.FailedPrecondition, pe.Message)
	}
	return err
}

// waitForAgentToStageVolume blocks until the agents drive the client pod's
// per-claim staging FSM to Staged, aborting the RPC if it instead reaches a
// failure or after-staged state.
func (s *Node) waitForAgentToStageVolume(ctx context.Context, clientPodRef objectRef, pvcUID string) error {
	key := config.ClientPodAnnotation(pvcUID, config.ClientPodStateSuffix)
	clientPodUID := clientPodRef.UID

	_, err := k8sutil.WatchOnePod(ctx, s.k8sClient, clientPodRef.Namespace, clientPodRef.Name, func(p *v1.Pod) (interface{}, error) {
		if string(p.UID) != clientPodUID {
			return nil, k8sutil.Precondition("client pod object was replaced")
		}

		current, err := state.DecodeStaging([]byte(p.Annotations[key]))
		if err != nil {
			return nil, fmt.Errorf("csi: decoding client pod staging state: %w", err)
		}

		switch st := current.(type) {
		case state.StagingFailed:
			return nil, status.Error(st.ErrorCode, st.ErrorDetails)
		case state.UnrecoverableStagingFailure:
			return nil, status.Error(st.ErrorCode, st.ErrorDetails)
		case state.Staged:
			return st, nil
		}

		if _, ok := current.(state.StateAfterStaged); ok {
			return nil, status.Error(codes.Aborted, "volume already started being unstaged")
		}

		return nil, nil
	})
	if err != nil {
		if pe, ok := err.(*k8sutil.PreconditionError); ok {
			return status.Error(codes.FailedPrecondition, pe.Message)
		}
		return err
	}

	return nil
}

func (s *Node) NodeUnpublishVolume(ctx context.Context, req *csipb.NodeUnpublishVolumeRequest) (*csipb.NodeUnpublishVolumeResponse, error) {
	ref, err := s.getVolumeStageRef(ctx, req.TargetPath)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return &csipb.NodeUnpublishVolumeResponse{}, nil
	}

	if err := s.delegateVolumeUnstagingToAgent(ctx, *ref); err != nil {
		return nil, err
	}
	if err := s.waitForAgentToUnstageVolume(ctx, *ref); err != nil {
		return nil, err
	}

	return &csipb.NodeUnpublishVolumeResponse{}, nil
}

var targetPathAnnotationSuffix = config.ClientPodTargetPathSuffix

// getVolumeStageRef finds the (client pod, claim) pair whose staging
// target-path annotation matches targetPath, by scanning every pod
// scheduled to this node. Returns (nil, nil) if none matches.
func (s *Node) getVolumeStageRef(ctx context.Context, targetPath string) (*volumeStageRef, error) {
	pods, err := s.k8sClient.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", s.nodeName).String(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing pods on node %q: %v", s.nodeName, err)
	}

	prefix := config.Domain + "/"

	var found *volumeStageRef
	for i := range pods.Items {
		pod := &pods.Items[i]
		for k, v := range pod.Annotations {
			if v != targetPath || !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, targetPathAnnotationSuffix) {
				continue
			}
			pvcUID := strings.TrimSuffix(strings.TrimPrefix(k, prefix), targetPathAnnotationSuffix)

			if found != nil {
				return nil, fmt.Errorf("csi: more than one client pod claims target path %q", targetPath)
			}
			found = &volumeStageRef{
				ClientPod: objectRef{Name: pod.Name, Namespace: pod.Namespace, UID: string(pod.UID)},
				PVC: objectRef{
					Name:      pod.Annotations[config.ClientPodAnnotation(pvcUID, config.ClientPodPVCNameSuffix)],
					Namespace: pod.Annotations[config.ClientPodAnnotation(pvcUID, config.ClientPodPVCNamespaceSuffix)],
					UID:       pvcUID,
				},
			}
		}
	}

	return found, nil
}

// delegateVolumeUnstagingToAgent records that unstaging has been requested,
// and if the staging FSM is currently Staged, redirects it straight to
// RemoveStagingPod.
func (s *Node) delegateVolumeUnstagingToAgent(ctx context.Context, ref volumeStageRef) error {
	key := config.ClientPodAnnotation(ref.PVC.UID, config.ClientPodStateSuffix)
	clientPodUID := ref.ClientPod.UID

	err := k8sutil.ModifyPodAtomically(ctx, s.k8sClient, ref.ClientPod.Namespace, ref.ClientPod.Name, func(p *v1.Pod) error {
		if string(p.UID) != clientPodUID {
			return k8sutil.Precondition("client pod object was replaced")
		}

		if p.Annotations == nil {
			p.Annotations = map[string]string{}
		}
		p.Annotations[config.ClientPodAnnotation(ref.PVC.UID, config.ClientPodUnstagingReqSuffix)] = "true"

		current, err := state.DecodeStaging([]byte(p.Annotations[key]))
		if err != nil {
			return fmt.Errorf("csi: decoding client pod staging state: %w", err)
		}

		if staged, ok := current.(state.Staged); ok {
			encoded, err := state.EncodeStaging(state.RemoveStagingPod{StagingPodNamespace: staged.StagingPodNamespace})
			if err != nil {
				return fmt.Errorf("csi: encoding client pod staging state: %w", err)
			}
			p.Annotations[key] = string(encoded)
		}

		return nil
	})
	if pe, ok := err.(*k8sutil.PreconditionError); ok {
		return status.Error(codes.FailedPrecondition, pe.Message)
	}
	return err
}

// waitForAgentToUnstageVolume blocks until the staging FSM reaches Unstaged
// or a failure state.
func (s *Node) waitForAgentToUnstageVolume(ctx context.Context, ref volumeStageRef) error {
	key := config.ClientPodAnnotation(ref.PVC.UID, config.ClientPodStateSuffix)
	clientPodUID := ref.ClientPod.UID

	_, err := k8sutil.WatchOnePod(ctx, s.k8sClient, ref.ClientPod.Namespace, ref.ClientPod.Name, func(p *v1.Pod) (interface{}, error) {
		if string(p.UID) != clientPodUID {
			return nil, k8sutil.Precondition("client pod object was replaced")
		}

		current, err := state.DecodeStaging([]byte(p.Annotations[key]))
		if err != nil {
			return nil, fmt.Errorf("csi: decoding client pod staging state: %w", err)
		}

		switch current.(type) {
		case state.Unstaged, state.StagingFailed, state.UnrecoverableStagingFailure:
			return true, nil
		}

		return nil, nil
	})
	if err != nil {
		if pe, ok := err.(*k8sutil.PreconditionError); ok {
			return status.Error(codes.FailedPrecondition, pe.Message)
		}
		return err
	}

	return nil
}
