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

// StagingState is the closed sum of states of a (client-pod, claim) pair's
// staging state machine.
type StagingState interface {
	Name() string
	isStagingState()
}

// StateAfterStaged groups staging states reached only once a mount has
// already succeeded at least once: the front-end must abort a pending
// NodePublishVolume when it observes one of these mid-wait.
type StateAfterStaged interface {
	StagingState
	isAfterStaged()
}

// StagingStateWithFailure groups staging states carrying an error code and
// details.
type StagingStateWithFailure interface {
	StagingState
	ErrorInfo() (codes.Code, string)
}

type stagingBase struct{}

func (stagingBase) isStagingState() {}

type LaunchStagingPod struct{ stagingBase }

func (LaunchStagingPod) Name() string { return "LaunchStagingPod" }

type AwaitStagingPod struct {
	stagingBase
	StagingPodNamespace string
}

func (AwaitStagingPod) Name() string { return "AwaitStagingPod" }

type Staged struct {
	stagingBase
	StagingPodNamespace string
}

func (Staged) Name() string    { return "Staged" }
func (Staged) isAfterStaged() {}

type RemoveStagingPod struct {
	stagingBase
	StagingPodNamespace string
}

func (RemoveStagingPod) Name() string    { return "RemoveStagingPod" }
func (RemoveStagingPod) isAfterStaged() {}

type LaunchUnstagingPod struct{ stagingBase }

func (LaunchUnstagingPod) Name() string    { return "LaunchUnstagingPod" }
func (LaunchUnstagingPod) isAfterStaged() {}

type AwaitUnstagingPod struct {
	stagingBase
	UnstagingPodNamespace string
}

func (AwaitUnstagingPod) Name() string    { return "AwaitUnstagingPod" }
func (AwaitUnstagingPod) isAfterStaged() {}

type RemoveUnstagingPod struct {
	stagingBase
	UnstagingPodNamespace string
}

func (RemoveUnstagingPod) Name() string    { return "RemoveUnstagingPod" }
func (RemoveUnstagingPod) isAfterStaged() {}

type Unstaged struct{ stagingBase }

func (Unstaged) Name() string { return "Unstaged" }

type RemoveStagingPodAfterFailure struct {
	stagingBase
	StagingPodNamespace string
	ErrorCode           codes.Code
	ErrorDetails        string
}

func (RemoveStagingPodAfterFailure) Name() string { return "RemoveStagingPodAfterFailure" }
func (s RemoveStagingPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type LaunchUnstagingPodAfterFailure struct {
	stagingBase
	ErrorCode    codes.Code
	ErrorDetails string
}

func (LaunchUnstagingPodAfterFailure) Name() string { return "LaunchUnstagingPodAfterFailure" }
func (s LaunchUnstagingPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type AwaitUnstagingPodAfterFailure struct {
	stagingBase
	UnstagingPodNamespace string
	ErrorCode             codes.Code
	ErrorDetails          string
}

func (AwaitUnstagingPodAfterFailure) Name() string { return "AwaitUnstagingPodAfterFailure" }
func (s AwaitUnstagingPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type RemoveUnstagingPodAfterFailure struct {
	stagingBase
	UnstagingPodNamespace string
	ErrorCode             codes.Code
	ErrorDetails          string
}

func (RemoveUnstagingPodAfterFailure) Name() string { return "RemoveUnstagingPodAfterFailure" }
func (s RemoveUnstagingPodAfterFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

type StagingFailed struct {
	stagingBase
	ErrorCode    codes.Code
	ErrorDetails string
}

func (StagingFailed) Name() string { return "StagingFailed" }
func (s StagingFailed) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

// UnrecoverableStagingFailure is the staging FSM's trap state. It shares its
// JSON variant name ("UnrecoverableFailure") with the provisioning FSM's trap
// — the two FSMs are encoded independently so this is not ambiguous.
type UnrecoverableStagingFailure struct {
	stagingBase
	ErrorCode    codes.Code
	ErrorDetails string
}

func (UnrecoverableStagingFailure) Name() string { return "UnrecoverableFailure" }
func (s UnrecoverableStagingFailure) ErrorInfo() (codes.Code, string) {
	return s.ErrorCode, s.ErrorDetails
}

// EncodeStaging renders a StagingState into its canonical JSON form.
func EncodeStaging(s StagingState) ([]byte, error) {
	switch v := s.(type) {
	case LaunchStagingPod:
		return newEncoder(v.Name()).marshal()
	case AwaitStagingPod:
		return newEncoder(v.Name()).str("staging_pod_namespace", v.StagingPodNamespace).marshal()
	case Staged:
		return newEncoder(v.Name()).str("staging_pod_namespace", v.StagingPodNamespace).marshal()
	case RemoveStagingPod:
		return newEncoder(v.Name()).str("staging_pod_namespace", v.StagingPodNamespace).marshal()
	case LaunchUnstagingPod:
		return newEncoder(v.Name()).marshal()
	case AwaitUnstagingPod:
		return newEncoder(v.Name()).str("unstaging_pod_namespace", v.UnstagingPodNamespace).marshal()
	case RemoveUnstagingPod:
		return newEncoder(v.Name()).str("unstaging_pod_namespace", v.UnstagingPodNamespace).marshal()
	case Unstaged:
		return newEncoder(v.Name()).marshal()
	case RemoveStagingPodAfterFailure:
		return newEncoder(v.Name()).
			str("staging_pod_namespace", v.StagingPodNamespace).
			code("error_code", v.ErrorCode).
			str("error_details", v.ErrorDetails).
			marshal()
	case LaunchUnstagingPodAfterFailure:
		return newEncoder(v.Name()).code("error_code", v.ErrorCode).str("error_details", v.ErrorDetails).marshal()
	case AwaitUnstagingPodAfterFailure:
		return newEncoder(v.Name()).
			str("unstaging_pod_namespace", v.UnstagingPodNamespace).
			code("error_code", v.ErrorCode).
			str("error_details", v.ErrorDetails).
			marshal()
	case RemoveUnstagingPodAfterFailure:
		return newEncoder(v.Name()).
			str("unstaging_pod_namespace", v.UnstagingPodNamespace).
			code("error_code", v.ErrorCode).
			str("error_details", v.ErrorDetails).
			marshal()
	case StagingFailed:
		return newEncoder(v.Name()).code("error_code", v.ErrorCode).str("error_details", v.ErrorDetails).marshal()
	case UnrecoverableStagingFailure:
		return newEncoder(v.Name()).code("error_code", v.ErrorCode).str("error_details", v.ErrorDetails).marshal()
	default:
		return nil, decodeErrorf("unknown staging state type %T", s)
	}
}

// DecodeStaging parses the canonical JSON form of a StagingState, failing
// strictly on any unknown variant, missing field, or extra field.
func DecodeStaging(data []byte) (StagingState, error) {
	r, err := parseRaw(data)
	if err != nil {
		return nil, err
	}

	switch r.Name {
	case "LaunchStagingPod":
		if err := r.fieldSet(); err != nil {
			return nil, err
		}
		return LaunchStagingPod{}, nil

	case "AwaitStagingPod":
		if err := r.fieldSet("staging_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("staging_pod_namespace")
		if err != nil {
			return nil, err
		}
		return AwaitStagingPod{StagingPodNamespace: ns}, nil

	case "Staged":
		if err := r.fieldSet("staging_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("staging_pod_namespace")
		if err != nil {
			return nil, err
		}
		return Staged{StagingPodNamespace: ns}, nil

	case "RemoveStagingPod":
		if err := r.fieldSet("staging_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("staging_pod_namespace")
		if err != nil {
			return nil, err
		}
		return RemoveStagingPod{StagingPodNamespace: ns}, nil

	case "LaunchUnstagingPod":
		if err := r.fieldSet(); err != nil {
			return nil, err
		}
		return LaunchUnstagingPod{}, nil

	case "AwaitUnstagingPod":
		if err := r.fieldSet("unstaging_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("unstaging_pod_namespace")
		if err != nil {
			return nil, err
		}
		return AwaitUnstagingPod{UnstagingPodNamespace: ns}, nil

	case "RemoveUnstagingPod":
		if err := r.fieldSet("unstaging_pod_namespace"); err != nil {
			return nil, err
		}
		ns, err := r.str("unstaging_pod_namespace")
		if err != nil {
			return nil, err
		}
		return RemoveUnstagingPod{UnstagingPodNamespace: ns}, nil

	case "Unstaged":
		if err := r.fieldSet(); err != nil {
			return nil, err
		}
		return Unstaged{}, nil

	case "RemoveStagingPodAfterFailure":
		if err := r.fieldSet("staging_pod_namespace", "error_code", "error_details"); err != nil {
			return nil, err
		}
		ns, err := r.str("staging_pod_namespace")
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
		return RemoveStagingPodAfterFailure{StagingPodNamespace: ns, ErrorCode: code, ErrorDetails: details}, nil

	case "LaunchUnstagingPodAfterFailure":
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
		return LaunchUnstagingPodAfterFailure{ErrorCode: code, ErrorDetails: details}, nil

	case "AwaitUnstagingPodAfterFailure":
		if err := r.fieldSet("unstaging_pod_namespace", "error_code", "error_details"); err != nil {
			return nil, err
		}
		ns, err := r.str("unstaging_pod_namespace")
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
		return AwaitUnstagingPodAfterFailure{UnstagingPodNamespace: ns, ErrorCode: code, ErrorDetails: details}, nil

	case "RemoveUnstagingPodAfterFailure":
		if err := r.fieldSet("unstaging_pod_namespace", "error_code", "error_details"); err != nil {
			return nil, err
		}
		ns, err := r.str("unstaging_pod_namespace")
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
		return RemoveUnstagingPodAfterFailure{UnstagingPodNamespace: ns, ErrorCode: code, ErrorDetails: details}, nil

	case "StagingFailed":
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
		return StagingFailed{ErrorCode: code, ErrorDetails: details}, nil

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
		return UnrecoverableStagingFailure{ErrorCode: code, ErrorDetails: details}, nil

	default:
		return nil, decodeErrorf("unknown staging state variant %q", r.Name)
	}
}
