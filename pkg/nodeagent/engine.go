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
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/golang/glog"
	v1 "k8s.io/api/core/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
	"github.com/kubernetes-sigs/pav/pkg/metrics"
	"github.com/kubernetes-sigs/pav/pkg/state"
)

// engineName identifies this engine's handler runs in pkg/metrics.
const engineName = "staging"

var claimUIDInAnnotationKey = regexp.MustCompile(
	`^` + regexp.QuoteMeta(config.Domain) + `/([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})-`,
)

type podClaimKey struct {
	podUID   string
	claimUID string
}

// RunStaging watches every pod using a pav volume that's scheduled onto
// nodeName, and spawns one goroutine per (pod uid, claim uid) pair found
// among its per-claim annotation keys. Each goroutine repeatedly decodes
// that pair's staging state from the pod's annotations and runs the matching
// handler until no handler is registered for the current state, the state
// stops changing, or the pod is deleted.
func RunStaging(ctx context.Context, k8sClient kubernetes.Interface, dynClient dynamic.Interface, nodeName string, handlers StagingHandlers) error {
	var mu sync.Mutex
	latest := map[podClaimKey]*v1.Pod{}
	hasTask := map[podClaimKey]bool{}

	manage := func(key podClaimKey) {
		metrics.ManagedObjectsTotal.WithLabelValues(engineName).Inc()
		defer func() {
			mu.Lock()
			delete(hasTask, key)
			mu.Unlock()
			metrics.ManagedObjectsTotal.WithLabelValues(engineName).Dec()
		}()

		var prev state.StagingState
		for {
			mu.Lock()
			pod := latest[key]
			mu.Unlock()
			if pod == nil {
				return // pod no longer using this claim
			}

			stateKey := config.ClientPodAnnotation(key.claimUID, config.ClientPodStateSuffix)
			current, err := state.DecodeStaging([]byte(pod.Annotations[stateKey]))
			if err != nil {
				glog.Errorf("nodeagent: decoding staging state of claim %s on pod %s: %v", key.claimUID, key.podUID, err)
				time.Sleep(config.AgentHandlerRetryDelay)
				continue
			}

			if prev != nil && reflect.DeepEqual(prev, current) {
				return // state hasn't changed
			}

			handler, ok := handlers[current.Name()]
			if !ok {
				return // no handler for current state
			}

			sctx, err := NewStagingContextFromClientPod(ctx, k8sClient, dynClient, pod, key.claimUID, nodeName)
			if err != nil {
				glog.Errorf("nodeagent: building staging context for claim %s on pod %s: %v", key.claimUID, key.podUID, err)
				time.Sleep(config.AgentHandlerRetryDelay)
				continue
			}

			glog.Infof("nodeagent: running handler for staging state %s of claim %s on pod %s", current.Name(), key.claimUID, key.podUID)

			start := time.Now()
			err = handler(ctx, sctx, current)
			metrics.ObserveHandlerRun(engineName, current.Name(), start, err)
			if err != nil {
				glog.Errorf("nodeagent: error while managing staging of claim %s on pod %s: %v", key.claimUID, key.podUID, err)
				time.Sleep(config.AgentHandlerRetryDelay)
				continue
			}

			prev = current
		}
	}

	fieldSelector := fmt.Sprintf("spec.nodeName=%s", nodeName)

	return k8sutil.WatchAllPodsSelector(ctx, k8sClient, "", config.LabelUsesVolumes, fieldSelector, func(pod *v1.Pod, exists bool) error {
		mu.Lock()
		defer mu.Unlock()

		claimUIDs := map[string]bool{}
		for key := range pod.Annotations {
			if m := claimUIDInAnnotationKey.FindStringSubmatch(key); m != nil {
				claimUIDs[m[1]] = true
			}
		}

		for claimUID := range claimUIDs {
			key := podClaimKey{podUID: string(pod.UID), claimUID: claimUID}

			if !exists {
				delete(latest, key)
				continue
			}

			latest[key] = pod
			if !hasTask[key] {
				hasTask[key] = true
				go manage(key)
			}
		}

		return nil
	})
}
