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

// Command pav-agent runs the controller agent (drives the Launch* legs of
// every claim's provisioning FSM) or a node agent (drives the Await*/Remove*
// legs of the provisioning FSM plus the entire staging FSM for volumes used
// by pods scheduled onto one node).
//
// Usage:
//
//	pav-agent controller <image>
//	pav-agent node <node-name>
package main

import (
	"context"
	goflag "flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/controlleragent"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
	"github.com/kubernetes-sigs/pav/pkg/metrics"
	"github.com/kubernetes-sigs/pav/pkg/nodeagent"
)

var (
	leaderElectionEnabled   = flag.Bool("leader-election", true, "Enables leader election among controller agent replicas, so only one replica drives claims at a time.")
	leaderElectionNamespace = flag.String("leader-election-namespace", config.InternalNamespace, "Namespace holding the leader election lease. Only consulted for the controller subcommand.")
	metricsAddress          = flag.String("metrics-address", ":8080", "address on which to expose Prometheus metrics")
	metricsPath             = flag.String("metrics-path", "/metrics", "path under which to expose Prometheus metrics")
)

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Set("logtostderr", "true")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	k8sClient, dynClient, err := k8sutil.BuildClients()
	if err != nil {
		glog.Fatalf("pav-agent: %v", err)
	}

	prometheus.MustRegister(metrics.Collectors()...)
	http.Handle(*metricsPath, promhttp.Handler())
	go func() {
		glog.Infof("pav-agent: starting metrics server at %s%s", *metricsAddress, *metricsPath)
		if err := http.ListenAndServe(*metricsAddress, nil); err != nil {
			glog.Errorf("pav-agent: metrics server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	switch args[0] {
	case "controller":
		// The helper pod image(s) actually run are read per-claim from the
		// PavProvisioner's podTemplate, not from this argument; it is kept
		// only for parity with the original CLI contract.
		image := args[1]
		glog.Infof("pav-agent: starting controller agent (image=%s)", image)

		handlers := controlleragent.Handlers{}
		controlleragent.RegisterLaunchHandlers(handlers)

		run := func(ctx context.Context) {
			if err := controlleragent.Run(ctx, k8sClient, dynClient, handlers, ""); err != nil {
				glog.Fatalf("pav-agent: controller agent: %v", err)
			}
		}

		if !*leaderElectionEnabled {
			run(ctx)
			break
		}

		// Multiple controller agent replicas may run for availability, but
		// only one may drive claims at a time, or they'd race writing the
		// same PVC's state annotation. Leader election provides that
		// single-writer guarantee the same way sig-storage-lib-external-
		// provisioner's ProvisionController does internally, invoked
		// directly here since that library's own provisioning loop isn't
		// used (see DESIGN.md).
		id, err := os.Hostname()
		if err != nil {
			glog.Fatalf("pav-agent: reading hostname for leader election identity: %v", err)
		}
		id = id + "_" + uuid.New().String()

		lock, err := resourcelock.New(
			resourcelock.LeasesResourceLock,
			*leaderElectionNamespace,
			"pav-controller-agent",
			k8sClient.CoreV1(),
			k8sClient.CoordinationV1(),
			resourcelock.ResourceLockConfig{Identity: id},
		)
		if err != nil {
			glog.Fatalf("pav-agent: creating leader election lock: %v", err)
		}

		leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
			Lock:          lock,
			LeaseDuration: config.LeaderElectionLeaseDuration,
			RenewDeadline: config.LeaderElectionRenewDeadline,
			RetryPeriod:   config.LeaderElectionRetryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: run,
				OnStoppedLeading: func() {
					glog.Fatalf("pav-agent: lost leadership, exiting")
				},
			},
		})

	case "node":
		nodeName := args[1]
		glog.Infof("pav-agent: starting node agent for node %s", nodeName)

		provisioningHandlers := nodeagent.ProvisioningHandlers(nodeName)
		stagingHandlers := nodeagent.StagingHandlerSet()

		errCh := make(chan error, 2)
		go func() {
			errCh <- controlleragent.Run(ctx, k8sClient, dynClient, provisioningHandlers, nodeName)
		}()
		go func() {
			errCh <- nodeagent.RunStaging(ctx, k8sClient, dynClient, nodeName, stagingHandlers)
		}()

		if err := <-errCh; err != nil {
			glog.Fatalf("pav-agent: node agent: %v", err)
		}

	default:
		usage()
	}
}

func usage() {
	glog.Fatalf("usage: pav-agent controller <image> | pav-agent node <node-name>")
}
