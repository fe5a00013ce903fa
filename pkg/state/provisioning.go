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

package state

import "google.golang.org/grpc/codes"

// ProvisioningState is the closed sum of states of a claim's provisioning
// state machine. Every concrete type in this file implements it.
type ProvisioningState interface {
	Name() string
	isProvisioningState()
}

// StateAfterCreated groups the provisioning states that must cause the
// front-end to abort a pending CreateVolume RPC: the volume has already
// started on (or finished) its deletion path after having been created.
type StateAfterCreated interface {
	ProvisioningState
	isAfterCreated()
}

// StateWithFailure groups provisioning states that carry an error code and
// details describing why the FSM took its failure branch.
type StateWithFailure interface {
	ProvisioningState
	ErrorInfo() (codes.Code, string)
}

type provisioningBase struct{}

func (provisioningBase) isProvisioningState() {}

// --- non-terminal, pre-creation ------------------------------------------

type LaunchValidationPod struct{ provisioningBase }

func (LaunchValidationPod) Name() string { return "LaunchValidationPod" }

type AwaitValidationPod struct {
	provisioningBase
	ValidationPodNamespace string
}

func (AwaitValidationPod) Name() string { return "AwaitValidationPod" }

type RemoveValidationPod struct {
	provisioningBase
	ValidationPodNamespace string
}

func (RemoveValidationPod) Name() string { return "RemoveValidationPod" }

type LaunchCreationPod struct{ provisioningBase }

func (LaunchCreationPod) Name() string { return "LaunchCreationPod" }

type AwaitCreationPod struct {
	provisioningBase
	CreationPodNamespace string
	Handle               *string
	Capacity             *int64
}

func (AwaitCreationPod) Name() string { return "AwaitCreationPod" }

type RemoveCreationPod struct {
	provisioningBase
	CreationPodNamespace string
	Handle               string
	Capacity             int64
}

func (RemoveCreationPod) Name() string { return "RemoveCreationPod" }

// --- terminal / after-created ---------------------------------------------

type Created struct {
	provisioningBase
	Handle   string
	Capacity int64
}

func (Created) Name() string { return "Created" }

type LaunchDeletionPod struct{ provisioningBase }

func (LaunchDeletionPod) Name() string { return "LaunchDeletionPod" }
func (LaunchDeletionPod) isAfterCreated() {}

type AwaitDeletionPod struct {
	provisioningBase
	DeletionPodNamespace string
}

func (AwaitDeletionPod) Name() string    { return "AwaitDeletionPod" }
func (AwaitDeletionPod) isAfterCreated() {}

type RemoveDeletionPod struct {
	provisioningBase
	DeletionPodNamespace string
}

func (RemoveDeletionPod) Name() string    { return "RemoveDeletionPod" }
func (RemoveDeletionPod) isAfterCreated() {}

type Deleted struct{ provisioningBase }

func (Deleted) Name() string { return "Deleted" }

// --- failure branch ---------------------------------------------------

type RemoveValidationPodAfterFailure struct {
	provisioningBase
	ValidationPodNamespace string
	ErrorCode              codes.Code
	ErrorDetails           string
}

func (RemoveValidationPodAfterFailure) Name() string { return "RemoveValidationPodAfterFailure" }
func (s RemoveValidationPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type RemoveCreationPodAfterFailure struct {
	provisioningBase
	CreationPodNamespace string
	ErrorCode            codes.Code
	ErrorDetails         string
}

func (RemoveCreationPodAfterFailure) Name() string { return "RemoveCreationPodAfterFailure" }
func (s RemoveCreationPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type LaunchDeletionPodAfterFailure struct {
	provisioningBase
	ErrorCode    codes.Code
	ErrorDetails string
}

func (LaunchDeletionPodAfterFailure) Name() string    { return "LaunchDeletionPodAfterFailure" }
func (LaunchDeletionPodAfterFailure) isAfterCreated() {}
func (s LaunchDeletionPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type AwaitDeletionPodAfterFailure struct {
	provisioningBase
	DeletionPodNamespace string
	ErrorCode            codes.Code
	ErrorDetails         string
}

func (AwaitDeletionPodAfterFailure) Name() string    { return "AwaitDeletionPodAfterFailure" }
func (AwaitDeletionPodAfterFailure) isAfterCreated() {}
func (s AwaitDeletionPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type RemoveDeletionPodAfterFailure struct {
	provisioningBase
	DeletionPodNamespace string
	ErrorCode            codes.Code
	ErrorDetails         string
}

func (RemoveDeletionPodAfterFailure) Name() string    { return "RemoveDeletionPodAfterFailure" }
func (RemoveDeletionPodAfterFailure) isAfterCreated() {}
func (s RemoveDeletionPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type CreationFailed struct {
	provisioningBase
	ErrorCode    codes.Code
	ErrorDetails string
}

func (CreationFailed) Name() string { return "CreationFailed" }
func (s CreationFailed) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type UnrecoverableFailure struct {
	provisioningBase
	ErrorCode    codes.Code
	ErrorDetails string
}

func (UnrecoverableFailure) Name() string { return "UnrecoverableFailure" }
func (s UnrecoverableFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

// EncodeProvisioning renders a ProvisioningState into its canonical JSON
// form.
func EncodeProvisioning(s ProvisioningState) ([]byte, error) {
	switch v := s.(type) {
	case LaunchValidationPod:
		return newEncoder(v.Name()).marshal()
	case AwaitValidationPod:
		return newEncoder(v.Name()).str("validation_pod_namespace", v.ValidationPodNamespace).marshal()
	case RemoveValidationPod:
		return newEncoder(v.Name()).str("validation_pod_namespace", v.ValidationPodNamespace).marshal()
	case LaunchCreationPod:
		return newEncoder(v.Name()).marshal()
	case AwaitCreationPod:
		return newEncoder(v.Name()).
			str("creation_pod_namespace", v.CreationPodNamespace).
			optStr("handle", v.Handle).
			optInteger("capacity", v.Capacity).
			marshal()
	case RemoveCreationPod:
		return newEncoder(v.Name()).
			str("creation_pod_namespace", v.CreationPodNamespace).
			str("handle", v.Handle).
			integer("capacity", v.Capacity).
			marshal()
	case Created:
		return newEncoder(v.Name()).str("handle", v.Handle).integer("capacity", v.Capacity).marshal()
	case LaunchDeletionPod:
		return newEncoder(v.Name()).marshal()
	case AwaitDeletionPod:
		return newEncoder(v.Name()).str("deletion_pod_namespace", v.DeletionPodNamespace).marshal()
	case RemoveDeletionPod:
		return newEncoder(v.Name()).str("deletion_pod_namespace", v.DeletionPodNamespace).marshal()
	case Deleted:
		return newEncoder(v.Name()).marshal()
	case RemoveValidationPodAfterFailure:
		return newEncoder(v.Name()).
			str("validation_pod_namespace", v.ValidationPodNamespace).
			code("error_code", v.ErrorCode).
			str("error_details", v.ErrorDetails).
			marshal()
	case RemoveCreationPodAfterFailure:
		return newEncoder(v.Name()).
			str("creation_pod_namespace", v.CreationPodNamespace).
			code("error_code", v.ErrorCode).
			str("error_details", v.ErrorDetails).
			marshal()
	case LaunchDeletionPodAfterFailure:
		return newEncoder(v.Name()).code("error_code", v.ErrorCode).str("error_details", v.ErrorDetails).marshal()
	case AwaitDeletionPodAfterFailure:
		return newEncoder(v.Name()).
			str("deletion_pod_namespace", v.DeletionPodNamespace).
			code("error_code", v.ErrorCode).
			str("error_details", v.ErrorDetails).
			marshal()
	case RemoveDeletionPodAfterFailure:
		return newEncoder(v.Name()).
			str("deletion_pod_namespace", v.DeletionPodNamespace).
			code("error_code", v.ErrorCode).
			str("error_details", v.ErrorDetails).
			marshal()
	case CreationFailed:
		return newEncoder(v.Name()).code("error_code", v.ErrorCode).str("error_details", v.ErrorDetails).marshal()
	case UnrecoverableFailure:
		return newEncoder(v.Name()).code("error_code", v.ErrorCode).str("error_details", v.ErrorDetails).marshal()
	default:
		return nil, decodeErrorf("unknown provisioning state type %T", s)
	}
}

// DecodeProvisioning parses the canonical JSON form of a ProvisioningState,
// failing strictly on any unknown variant, missing field, or extra field.
func DecodeProvisioning(data []byte) (ProvisioningState, error) {
	r, err := parseRaw(data)
	if err != nil {
		return nil, err
	}

	switch r.Name {
	case "LaunchValidationPod":
		if err := r.fieldSet(); err != nil {
			return nil, err
		}
		return LaunchValidationPod{}, nil

	case "AwaitValidationPod":
		if err := r.fieldSet("validation_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("validation_pod_namespace")
		if err != nil {
			return nil, err
		}
		return AwaitValidationPod{ValidationPodNamespace: ns}, nil

	case "RemoveValidationPod":
		if err := r.fieldSet("validation_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("validation_pod_namespace")
		if err != nil {
			return nil, err
		}
		return RemoveValidationPod{ValidationPodNamespace: ns}, nil

	case "LaunchCreationPod":
		if err := r.fieldSet(); err != nil {
			return nil, err
		}
		return LaunchCreationPod{}, nil

	case "AwaitCreationPod":
		if err := r.fieldSet("creation_pod_namespace", "handle", "capacity"); err != nil {
			return nil, err
		}
		ns, err := r.str("creation_pod_namespace")
		if err != nil {
			return nil, err
		}
		handle, err := r.optStr("handle")
		if err != nil {
			return nil, err
		}
		capacity, err := r.optInteger("capacity")
		if err != nil {
			return nil, err
		}
		return AwaitCreationPod{CreationPodNamespace: ns, Handle: handle, Capacity: capacity}, nil

	case "RemoveCreationPod":
		if err := r.fieldSet("creation_pod_namespace", "handle", "capacity"); err != nil {
			return nil, err
		}
		ns, err := r.str("creation_pod_namespace")
		if err != nil {
			return nil, err
		}
		handle, err := r.str("handle")
		if err != nil {
			return nil, err
		}
		capacity, err := r.integer("capacity")
		if err != nil {
			return nil, err
		}
		return RemoveCreationPod{CreationPodNamespace: ns, Handle: handle, Capacity: capacity}, nil

	case "Created":
		if err := r.fieldSet("handle", "capacity"); err != nil {
			return nil, err
		}
		handle, err := r.str("handle")
		if err != nil {
			return nil, err
		}
		capacity, err := r.integer("capacity")
		if err != nil {
			return nil, err
		}
		return Created{Handle: handle, Capacity: capacity}, nil

	case "LaunchDeletionPod":
		if err := r.fieldSet(); err != nil {
			return nil, err
		}
		return LaunchDeletionPod{}, nil

	case "AwaitDeletionPod":
		if err := r.fieldSet("deletion_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("deletion_pod_namespace")
		if err != nil {
			return nil, err
		}
		return AwaitDeletionPod{DeletionPodNamespace: ns}, nil

	case "RemoveDeletionPod":
		if err := r.fieldSet("deletion_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("deletion_pod_namespace")
		if err != nil {
			return nil, err
		}
		return RemoveDeletionPod{DeletionPodNamespace: ns}, nil

	case "Deleted":
		if err := r.fieldSet(); err != nil {
			return nil, err
		}
		return Deleted{}, nil

	case "RemoveValidationPodAfterFailure":
		if err := r.fieldSet("validation_pod_namespace", "error_code", "error_details"); err != nil {
			return nil, err
		}
		ns, err := r.str("validation_pod_namespace")
		if err != nil {
			return nil, err
		}
		code, err := r.code("error_code")
		if err != nil {
			return nil, err
		}
		details, err := r.str("error_details")
		if err != nil {
			return nil, err
		}
		return RemoveValidationPodAfterFailure{ValidationPodNamespace: ns, ErrorCode: code, ErrorDetails: details}, nil

	case "RemoveCreationPodAfterFailure":
		if err := r.fieldSet("creation_pod_namespace", "error_code", "error_details"); err != nil {
			return nil, err
		}
		ns, err := r.str("creation_pod_namespace")
		if err != nil {
			return nil, err
		}
		code, err := r.code("error_code")
		if err != nil {
			return nil, err
		}
		details, err := r.str("error_details")
		if err != nil {
			return nil, err
		}
		return RemoveCreationPodAfterFailure{CreationPodNamespace: ns, ErrorCode: code, ErrorDetails: details}, nil

	case "LaunchDeletionPodAfterFailure":
		if err := r.fieldSet("error_code", "error_details"); err != nil {
			return nil, err
		}
		code, err := r.code("error_code")
		if err != nil {
			return nil, err
		}
		details, err := r.str("error_details")
		if err != nil {
			return nil, err
		}
		return LaunchDeletionPodAfterFailure{ErrorCode: code, ErrorDetails: details}, nil

	case "AwaitDeletionPodAfterFailure":
		if err := r.fieldSet("deletion_pod_namespace", "error_code", "error_details"); err != nil {
			return nil, err
		}
		ns, err := r.str("deletion_pod_namespace")
		if err != nil {
			return nil, err
		}
		code, err := r.code("error_code")
		if err != nil {
			return nil, err
		}
		details, err := r.str("error_details")
		if err != nil {
			return nil, err
		}
		return AwaitDeletionPodAfterFailure{DeletionPodNamespace: ns, ErrorCode: code, ErrorDetails: details}, nil

	case "RemoveDeletionPodAfterFailure":
		if err := r.fieldSet("deletion_pod_namespace", "error_code", "error_details"); err != nil {
			return nil, err
		}
		ns, err := r.str("deletion_pod_namespace")
		if err != nil {
			return nil, err
		}
		code, err := r.code("error_code")
		if err != nil {
			return nil, err
		}
		details, err := r.str("error_details")
		if err != nil {
			return nil, err
		}
		return RemoveDeletionPodAfterFailure{DeletionPodNamespace: ns, ErrorCode: code, ErrorDetails: details}, nil

	case "CreationFailed":
		if err := r.fieldSet("error_code", "error_details"); err != nil {
			return nil, err
		}
		code, err := r.code("error_code")
		if err != nil {
			return nil, err
		}
		details, err := r.str("error_details")
		if err != nil {
			return nil, err
		}
		return CreationFailed{ErrorCode: code, ErrorDetails: details}, nil

	case "UnrecoverableFailure":
		if err := r.fieldSet("error_code", "error_details"); err != nil {
			return nil, err
		}
		code, err := r.code("error_code")
		if err != nil {
			return nil, err
		}
		details, err := r.str("error_details")
		if err != nil {
			return nil, err
		}
		return UnrecoverableFailure{ErrorCode: code, ErrorDetails: details}, nil

	default:
		return nil, decodeErrorf("unknown provisioning state variant %q", r.Name)
	}
}
