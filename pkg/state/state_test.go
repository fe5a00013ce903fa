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

import (
	"reflect"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestProvisioningRoundTrip(t *testing.T) {
	handle := "pvc-abc"
	capacity := int64(10737418240)

	cases := []ProvisioningState{
		LaunchValidationPod{},
		AwaitValidationPod{ValidationPodNamespace: "pav"},
		RemoveValidationPod{ValidationPodNamespace: "pav"},
		LaunchCreationPod{},
		AwaitCreationPod{CreationPodNamespace: "pav", Handle: &handle, Capacity: &capacity},
		AwaitCreationPod{CreationPodNamespace: "pav", Handle: nil, Capacity: nil},
		RemoveCreationPod{CreationPodNamespace: "pav", Handle: handle, Capacity: capacity},
		Created{Handle: handle, Capacity: capacity},
		LaunchDeletionPod{},
		AwaitDeletionPod{DeletionPodNamespace: "pav"},
		RemoveDeletionPod{DeletionPodNamespace: "pav"},
		Deleted{},
		RemoveValidationPodAfterFailure{ValidationPodNamespace: "pav", ErrorCode: codes.InvalidArgument, ErrorDetails: "boom"},
		CreationFailed{ErrorCode: codes.InvalidArgument, ErrorDetails: "boom"},
		UnrecoverableFailure{ErrorCode: codes.Internal, ErrorDetails: "boom"},
	}

	for _, want := range cases {
		data, err := EncodeProvisioning(want)
		if err != nil {
			t.Fatalf("EncodeProvisioning(%#v): %v", want, err)
		}
		got, err := DecodeProvisioning(data)
		if err != nil {
			t.Fatalf("DecodeProvisioning(%s): %v", data, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip mismatch: got %#v, want %#v", got, want)
		}
	}
}

func TestStagingRoundTrip(t *testing.T) {
	cases := []StagingState{
		LaunchStagingPod{},
		AwaitStagingPod{StagingPodNamespace: "pav"},
		Staged{StagingPodNamespace: "pav"},
		RemoveStagingPod{StagingPodNamespace: "pav"},
		LaunchUnstagingPod{},
		AwaitUnstagingPod{UnstagingPodNamespace: "pav"},
		RemoveUnstagingPod{UnstagingPodNamespace: "pav"},
		Unstaged{},
		StagingFailed{ErrorCode: codes.InvalidArgument, ErrorDetails: "boom"},
		UnrecoverableStagingFailure{ErrorCode: codes.Internal, ErrorDetails: "boom"},
	}

	for _, want := range cases {
		data, err := EncodeStaging(want)
		if err != nil {
			t.Fatalf("EncodeStaging(%#v): %v", want, err)
		}
		got, err := DecodeStaging(data)
		if err != nil {
			t.Fatalf("DecodeStaging(%s): %v", data, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip mismatch: got %#v, want %#v", got, want)
		}
	}
}

func TestDecodeStrictness(t *testing.T) {
	cases := map[string]string{
		"missing name":    `{"validation_pod_namespace": "pav"}`,
		"unknown variant": `{"name": "NotAVariant"}`,
		"missing field":   `{"name": "AwaitValidationPod"}`,
		"extra field":     `{"name": "LaunchValidationPod", "oops": "1"}`,
		"mistyped field":  `{"name": "AwaitValidationPod", "validation_pod_namespace": 1}`,
	}
	for name, data := range cases {
		if _, err := DecodeProvisioning([]byte(data)); err == nil {
			t.Errorf("%s: expected decode error, got none for %s", name, data)
		}
	}
}

func TestAwaitCreationPodNullFields(t *testing.T) {
	data := []byte(`{"name": "AwaitCreationPod", "creation_pod_namespace": "pav", "handle": null, "capacity": null}`)
	got, err := DecodeProvisioning(data)
	if err != nil {
		t.Fatalf("DecodeProvisioning: %v", err)
	}
	s, ok := got.(AwaitCreationPod)
	if !ok {
		t.Fatalf("got %T, want AwaitCreationPod", got)
	}
	if s.Handle != nil || s.Capacity != nil {
		t.Errorf("expected nil optional fields, got %#v", s)
	}
}

func TestStateAfterCreatedMembership(t *testing.T) {
	var s ProvisioningState = LaunchDeletionPod{}
	if _, ok := s.(StateAfterCreated); !ok {
		t.Errorf("LaunchDeletionPod should satisfy StateAfterCreated")
	}
	s = Created{Handle: "h", Capacity: 1}
	if _, ok := s.(StateAfterCreated); ok {
		t.Errorf("Created should not satisfy StateAfterCreated")
	}
}
