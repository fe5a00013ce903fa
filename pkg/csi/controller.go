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

	csipb "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	v1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	storagehelpers "k8s.io/component-helpers/storage/volume"
	"sigs.k8s.io/yaml"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
	"github.com/kubernetes-sigs/pav/pkg/quantity"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

// Controller implements the CSI Controller service. CreateVolume seeds a
// claim's provisioning FSM (creating it if this is the claim's first
// CreateVolume, re-seeding it if a previous attempt left it CreationFailed)
// and blocks until the controller/node agents drive it to Created.
// DeleteVolume is a no-op: by the time Kubernetes calls it, the
// PersistentVolumeClaim has already been fully deleted, which only happens
// after the agents have finished deleting the volume and dropped the
// delete-volume finalizer.
type Controller struct {
	csipb.UnimplementedControllerServer

	k8sClient       kubernetes.Interface
	dynClient       dynamic.Interface
	provisionerName string
}

// NewController builds a Controller servicer for the named PavProvisioner.
func NewController(k8sClient kubernetes.Interface, dynClient dynamic.Interface, provisionerName string) *Controller {
	return &Controller{k8sClient: k8sClient, dynClient: dynClient, provisionerName: provisionerName}
}

func (s *Controller) ControllerGetCapabilities(ctx context.Context, req *csipb.ControllerGetCapabilitiesRequest) (*csipb.ControllerGetCapabilitiesResponse, error) {
	return &csipb.ControllerGetCapabilitiesResponse{
		Capabilities: []*csipb.ControllerServiceCapability{
			{
				Type: &csipb.ControllerServiceCapability_Rpc{
					Rpc: &csipb.ControllerServiceCapability_RPC{
						Type: csipb.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
					},
				},
			},
		},
	}, nil
}

func (s *Controller) CreateVolume(ctx context.Context, req *csipb.CreateVolumeRequest) (*csipb.CreateVolumeResponse, error) {
	pvcName := req.Parameters["csi.storage.k8s.io/pvc/name"]
	pvcNamespace := req.Parameters["csi.storage.k8s.io/pvc/namespace"]

	if err := ensureProvisionerIsNotBeingDeleted(ctx, s.dynClient, s.provisionerName); err != nil {
		return nil, err
	}

	pvc, err := s.k8sClient.CoreV1().PersistentVolumeClaims(pvcNamespace).Get(ctx, pvcName, metav1.GetOptions{})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading claim %s/%s: %v", pvcNamespace, pvcName, err)
	}
	// falls back to the claim's deprecated storage-class annotation if
	// spec.storageClassName is unset, same as external-provisioner does
	scName := storagehelpers.GetPersistentVolumeClaimClass(pvc)
	if scName == "" {
		return nil, fmt.Errorf("csi: claim %s/%s has no storage class name", pvcNamespace, pvcName)
	}

	sc, err := s.k8sClient.StorageV1().StorageClasses().Get(ctx, scName, metav1.GetOptions{})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading storage class %q: %v", scName, err)
	}

	if err := assertCreateVolumeRequestMatchesPVCAndSC(req, pvc, sc, s.provisionerName); err != nil {
		return nil, err
	}
	if err := validateCreateVolumeRequest(req); err != nil {
		return nil, err
	}

	if err := s.delegateVolumeCreationToAgent(ctx, pvc, sc); err != nil {
		return nil, err
	}

	created, err := s.waitForAgentToCreateVolume(ctx, pvc)
	if err != nil {
		return nil, err
	}

	volumeContext := make(map[string]string, len(sc.Parameters))
	for k, v := range sc.Parameters {
		volumeContext[k] = v
	}

	return &csipb.CreateVolumeResponse{
		Volume: &csipb.Volume{
			VolumeId:      created.Handle,
			CapacityBytes: created.Capacity,
			VolumeContext: volumeContext,
		},
	}, nil
}

// assertCreateVolumeRequestMatchesPVCAndSC checks that the request carries
// the same data as the PVC and StorageClass it was derived from, which
// should always be the case since the agent reconstructs its view of the
// world from the PVC and StorageClass themselves. A mismatch here means the
// CSI caller (external-provisioner) and this plugin have diverged, which is
// a bug, not user error.
func assertCreateVolumeRequestMatchesPVCAndSC(req *csipb.CreateVolumeRequest, pvc *v1.PersistentVolumeClaim, sc *storagev1.StorageClass, provisionerName string) error {
	if sc.Provisioner != provisionerName {
		return fmt.Errorf("csi: storage class %q has provisioner %q, want %q", sc.Name, sc.Provisioner, provisionerName)
	}

	volumeMode, err := soleVolumeMode(req.VolumeCapabilities)
	if err != nil {
		return err
	}
	if volumeMode != pvcVolumeMode(pvc) {
		return fmt.Errorf("csi: requested volume mode %q does not match claim's", volumeMode)
	}

	requestedAccessModes := map[string]bool{}
	for _, cap := range req.VolumeCapabilities {
		m, err := accessModeString(cap.AccessMode.Mode)
		if err != nil {
			return err
		}
		requestedAccessModes[m] = true
	}
	claimAccessModes := map[string]bool{}
	for _, m := range pvc.Spec.AccessModes {
		claimAccessModes[string(m)] = true
	}
	if !stringSetsEqual(requestedAccessModes, claimAccessModes) {
		return fmt.Errorf("csi: requested access modes do not match claim's")
	}

	minCapacity, err := quantity.ParseAndRound(pvc.Spec.Resources.Requests.Storage().String(), quantity.RoundHalfEven)
	if err != nil {
		return err
	}
	var maxCapacity int64
	if limit, ok := pvc.Spec.Resources.Limits[v1.ResourceStorage]; ok {
		if maxCapacity, err = quantity.ParseAndRound(limit.String(), quantity.RoundHalfEven); err != nil {
			return err
		}
	}
	if req.CapacityRange == nil || req.CapacityRange.RequiredBytes != minCapacity || req.CapacityRange.LimitBytes != maxCapacity {
		return fmt.Errorf("csi: requested capacity range does not match claim's")
	}

	for k, v := range sc.Parameters {
		if req.Parameters[k] != v {
			return fmt.Errorf("csi: request parameters do not match storage class %q's", sc.Name)
		}
	}

	return nil
}

func validateCreateVolumeRequest(req *csipb.CreateVolumeRequest) error {
	for _, cap := range req.VolumeCapabilities {
		mount := cap.GetMount()
		if mount == nil {
			continue
		}
		if err := ensure(mount.FsType == "", codes.InvalidArgument,
			`Must not specify 'StorageClass.parameters["csi.storage.k8s.io/fstype"]'`); err != nil {
			return err
		}
		if err := ensure(len(mount.MountFlags) == 0, codes.InvalidArgument,
			"Must not specify 'StorageClass.mountOptions'"); err != nil {
			return err
		}
	}
	return nil
}

// delegateVolumeCreationToAgent seeds the claim's provisioning FSM the first
// time CreateVolume is called for it, or re-seeds it after a previous
// attempt left it CreationFailed.
func (s *Controller) delegateVolumeCreationToAgent(ctx context.Context, pvc *v1.PersistentVolumeClaim, sc *storagev1.StorageClass) error {
	scJSON, err := yaml.Marshal(sc)
	if err != nil {
		return status.Errorf(codes.Internal, "marshaling storage class %q: %v", sc.Name, err)
	}
	pvcUID := pvc.UID

	err = k8sutil.ModifyClaimAtomically(ctx, s.k8sClient, pvc.Namespace, pvc.Name, func(p *v1.PersistentVolumeClaim) error {
		if p.UID != pvcUID {
			return k8sutil.Precondition("PersistentVolumeClaim object was replaced")
		}

		if p.Annotations == nil {
			p.Annotations = map[string]string{}
		}
		// must stash the StorageClass: it may be deleted before the claim is
		p.Annotations[config.AnnotationStorageClass] = string(scJSON)

		var current state.ProvisioningState
		if raw, ok := p.Annotations[config.AnnotationState]; ok {
			if current, err = state.DecodeProvisioning([]byte(raw)); err != nil {
				return fmt.Errorf("csi: decoding claim state: %w", err)
			}
		}

		_, deletionRequested := p.Annotations[config.AnnotationDeletionRequested]
		_, creationFailed := current.(state.CreationFailed)

		if current == nil || creationFailed {
			if p.Labels == nil {
				p.Labels = map[string]string{}
			}
			p.Labels[config.LabelProvisioner] = s.provisionerName

			if !deletionRequested {
				p.Finalizers = append(p.Finalizers, config.DeleteVolumeFinalizer)

				encoded, err := state.EncodeProvisioning(state.LaunchValidationPod{})
				if err != nil {
					return fmt.Errorf("csi: encoding claim state: %w", err)
				}
				p.Annotations[config.AnnotationState] = string(encoded)
			}
		}

		return nil
	})
	if pe, ok := err.(*k8sutil.PreconditionError); ok {
		return status.Error(codes.FailedPrecondition, pe.Message)
	}
	return err
}

// waitForAgentToCreateVolume blocks until the agents drive pvc's
// provisioning FSM to Created, aborting the RPC if it instead reaches a
// failure or after-created state.
func (s *Controller) waitForAgentToCreateVolume(ctx context.Context, pvc *v1.PersistentVolumeClaim) (state.Created, error) {
	pvcUID := pvc.UID

	result, err := k8sutil.WatchOneClaim(ctx, s.k8sClient, pvc.Namespace, pvc.Name, func(p *v1.PersistentVolumeClaim) (interface{}, error) {
		if p.UID != pvcUID {
			return nil, k8sutil.Precondition("PersistentVolumeClaim object was replaced")
		}

		current, err := state.DecodeProvisioning([]byte(p.Annotations[config.AnnotationState]))
		if err != nil {
			return nil, fmt.Errorf("csi: decoding claim state: %w", err)
		}

		switch st := current.(type) {
		case state.CreationFailed:
			return nil, status.Error(st.ErrorCode, st.ErrorDetails)
		case state.UnrecoverableFailure:
			return nil, status.Error(st.ErrorCode, st.ErrorDetails)
		case state.Created:
			return st, nil
		}

		if _, ok := current.(state.StateAfterCreated); ok {
			// volume already started being deleted after being created
			return nil, status.Error(codes.Aborted, "volume already started being deleted")
		}

		return nil, nil
	})
	if err != nil {
		if pe, ok := err.(*k8sutil.PreconditionError); ok {
			return state.Created{}, status.Error(codes.FailedPrecondition, pe.Message)
		}
		return state.Created{}, err
	}

	return result.(state.Created), nil
}

func (s *Controller) DeleteVolume(ctx context.Context, req *csipb.DeleteVolumeRequest) (*csipb.DeleteVolumeResponse, error) {
	return &csipb.DeleteVolumeResponse{}, nil
}

func pvcVolumeMode(pvc *v1.PersistentVolumeClaim) string {
	if pvc.Spec.VolumeMode == nil {
		return "Filesystem"
	}
	return string(*pvc.Spec.VolumeMode)
}

func soleVolumeMode(caps []*csipb.VolumeCapability) (string, error) {
	modes := map[string]bool{}
	for _, cap := range caps {
		if cap.GetMount() != nil {
			modes["Filesystem"] = true
		} else {
			modes["Block"] = true
		}
	}
	if len(modes) != 1 {
		return "", fmt.Errorf("csi: volume capabilities must agree on exactly one volume mode")
	}
	for m := range modes {
		return m, nil
	}
	panic("unreachable")
}

func accessModeString(mode csipb.VolumeCapability_AccessMode_Mode) (string, error) {
	switch mode {
	case csipb.VolumeCapability_AccessMode_SINGLE_NODE_WRITER:
		return "ReadWriteOnce", nil
	case csipb.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY:
		return "ReadOnlyMany", nil
	case csipb.VolumeCapability_AccessMode_MULTI_NODE_MULTI_WRITER:
		return "ReadWriteMany", nil
	default:
		return "", fmt.Errorf("csi: unsupported access mode %v", mode)
	}
}

func stringSetsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
