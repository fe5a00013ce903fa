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

package controlleragent

import (
	"context"
	"fmt"
	"reflect"
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
const engineName = "provisioning"

// Handler runs the side effects for one provisioning FSM state and (usually)
// calls SetState to advance it.
type Handler func(ctx context.Context, pctx *ProvisioningContext, s state.ProvisioningState) error

// Handlers maps a provisioning state's Go type to the handler that runs it.
// Types are compared via reflect.TypeOf, so states must be registered as
// values (as DecodeProvisioning returns them), not as pointers.
type Handlers map[reflect.Type]Handler

// Register associates handler with every listed zero-value state sample's
// type.
func (h Handlers) Register(handler Handler, samples ...state.ProvisioningState) {
	for _, s := range samples {
		h[reflect.TypeOf(s)] = handler
	}
}

// Run watches every PersistentVolumeClaim labeled for this provisioner
// (optionally narrowed to ones already assigned to handlerNodeName), and
// spawns one goroutine per claim UID that repeatedly decodes the claim's
// state annotation and runs the matching handler until no handler is
// registered for the current state, the state stops changing, or the claim
// is deleted. It never returns except via ctx cancellation or a list or
// watch error; a handler error is logged and retried after config.AgentHandlerRetryDelay.
func Run(ctx context.Context, k8sClient kubernetes.Interface, dynClient dynamic.Interface, handlers Handlers, handlerNodeName string) error {
	var mu sync.Mutex
	latest := map[string]*v1.PersistentVolumeClaim{}
	hasTask := map[string]bool{}

	labelSelector := config.LabelProvisioner
	if handlerNodeName != "" {
		labelSelector += fmt.Sprintf(",%s=%s", config.LabelHandlerNode, handlerNodeName)
	}

	manage := func(uid string) {
		metrics.ManagedObjectsTotal.WithLabelValues(engineName).Inc()
		defer func() {
			mu.Lock()
			delete(hasTask, uid)
			mu.Unlock()
			metrics.ManagedObjectsTotal.WithLabelValues(engineName).Dec()
		}()

		var prev state.ProvisioningState
		for {
			mu.Lock()
			pvc := latest[uid]
			mu.Unlock()
			if pvc == nil {
				return // claim no longer exists
			}

			encoded := pvc.Annotations[config.AnnotationState]
			current, err := state.DecodeProvisioning([]byte(encoded))
			if err != nil {
				glog.Errorf("controlleragent: decoding state of claim %s: %v", uid, err)
				time.Sleep(config.AgentHandlerRetryDelay)
				continue
			}

			if prev != nil && reflect.DeepEqual(prev, current) {
				return // state hasn't changed
			}

			handler, ok := handlers[reflect.TypeOf(current)]
			if !ok {
				return // no handler for current state
			}

			pctx, err := NewProvisioningContextFromPVC(ctx, k8sClient, dynClient, pvc.Namespace, pvc.Name)
			if err != nil {
				glog.Errorf("controlleragent: building context for claim %s: %v", uid, err)
				time.Sleep(config.AgentHandlerRetryDelay)
				continue
			}

			glog.Infof("controlleragent: running handler for state %T of claim %s", current, uid)

			stateName := reflect.TypeOf(current).String()
			start := time.Now()
			err = handler(ctx, pctx, current)
			metrics.ObserveHandlerRun(engineName, stateName, start, err)
			if err != nil {
				glog.Errorf("controlleragent: error while managing claim %s: %v", uid, err)
				time.Sleep(config.AgentHandlerRetryDelay)
				continue
			}

			prev = current
		}
	}

	return k8sutil.WatchAllClaims(ctx, k8sClient, labelSelector, func(pvc *v1.PersistentVolumeClaim, exists bool) error {
		mu.Lock()
		defer mu.Unlock()

		uid := string(pvc.UID)
		if !exists {
			delete(latest, uid)
			return nil
		}

		latest[uid] = pvc
		if !hasTask[uid] {
			hasTask[uid] = true
			go manage(uid)
		}
		return nil
	})
}
