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

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHandlerRunRecordsOutcome(t *testing.T) {
	HandlerRunsTotal.Reset()
	HandlerDurationSeconds.Reset()

	ObserveHandlerRun("provisioning", "LaunchValidationPod", time.Now(), nil)
	if got := testutil.ToFloat64(HandlerRunsTotal.WithLabelValues("provisioning", "LaunchValidationPod", "success")); got != 1 {
		t.Fatalf("success counter = %v, want 1", got)
	}

	ObserveHandlerRun("provisioning", "LaunchValidationPod", time.Now(), errors.New("boom"))
	if got := testutil.ToFloat64(HandlerRunsTotal.WithLabelValues("provisioning", "LaunchValidationPod", "error")); got != 1 {
		t.Fatalf("error counter = %v, want 1", got)
	}

	if n := testutil.CollectAndCount(HandlerDurationSeconds); n != 1 {
		t.Fatalf("handler duration series count = %d, want 1", n)
	}
}

func TestCollectorsListsEveryMetric(t *testing.T) {
	cs := Collectors()
	if len(cs) != 3 {
		t.Fatalf("len(Collectors()) = %d, want 3", len(cs))
	}
}
