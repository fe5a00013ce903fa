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

// Package config holds process-wide constants shared by every pav
// component: the annotation/label/finalizer domain prefix, the
// PavProvisioner CRD coordinates, and filesystem/socket paths.
package config

import "time"

const (
	// Domain prefixes every annotation, label and finalizer this module
	// writes onto Kubernetes objects.
	Domain = "pav.albertofaria.github.io"

	ProvisionerGroup   = Domain
	ProvisionerVersion = "v1alpha1"
	ProvisionerKind    = "PavProvisioner"
	ProvisionerPlural  = "pavprovisioners"

	// InternalNamespace is the namespace of all namespaced objects owned
	// by a pav deployment.
	InternalNamespace = "pav"

	// CSISocketPath is the default Unix domain socket the CSI gRPC server
	// listens on inside a plugin container.
	CSISocketPath = "/csi/socket"

	// PAVVolumeDirPath is the host directory under which side-channel
	// directories for helper pods are created.
	PAVVolumeDirPath = "/var/lib/kubernetes-pav"

	// DeleteVolumeFinalizer is the claim finalizer held while a volume may
	// still need deleting; like ClientPodUnstageFinalizerFmt, it is derived
	// from Domain.
	DeleteVolumeFinalizer = Domain + "/delete-volume"
)

// AgentHandlerRetryDelay is how long a managing goroutine sleeps before
// retrying after an internal (non-helper-pod) error.
const AgentHandlerRetryDelay = 5 * time.Second

// Leader election timing for the controller agent's single-writer guarantee,
// matching client-go/tools/leaderelection's own conventional defaults.
const (
	LeaderElectionLeaseDuration = 15 * time.Second
	LeaderElectionRenewDeadline = 10 * time.Second
	LeaderElectionRetryPeriod   = 2 * time.Second
)

// Annotation and label suffixes under Domain.
const (
	AnnotationStorageClass       = Domain + "/storage-class"
	AnnotationState              = Domain + "/state"
	AnnotationDeletionRequested  = Domain + "/deletion-requested"
	LabelProvisioner             = Domain + "/provisioner"
	LabelHandlerNode             = Domain + "/handler-node"
	LabelUsesVolumes             = Domain + "/uses-volumes"
	LabelUsesVolumePrefix        = Domain + "/uses-volume-"
	LabelUsesProvisionerPrefix   = Domain + "/uses-provisioner-"
	ClientPodStateSuffix         = "-state"
	ClientPodPVCNameSuffix       = "-pvc-name"
	ClientPodPVCNamespaceSuffix  = "-pvc-namespace"
	ClientPodTargetPathSuffix    = "-target-path-in-host"
	ClientPodReadOnlySuffix      = "-read-only"
	ClientPodUnstagingReqSuffix  = "-unstaging-requested"
	ClientPodUnstageFinalizerFmt = Domain + "/%s-unstage-volume"
)

// ClientPodAnnotation returns the fully-qualified annotation key for the
// given per-claim annotation suffix (e.g. ClientPodStateSuffix), keyed by
// claim uid.
func ClientPodAnnotation(claimUID, suffix string) string {
	return Domain + "/" + claimUID + suffix
}
