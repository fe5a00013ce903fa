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

// Command pav-csi-plugin runs the CSI Identity service plus either the
// Controller or the Node service, over a Unix domain socket, for one
// PavProvisioner.
//
// Usage:
//
//	pav-csi-plugin <prov-name> <prov-uid> controller
//	pav-csi-plugin <prov-name> <prov-uid> node <node-name>
package main

import (
	goflag "flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	csipb "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/golang/glog"
	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/csi"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
)

var socketPath = flag.String("csi-socket", config.CSISocketPath, "Unix domain socket the CSI gRPC server listens on.")

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Set("logtostderr", "true")
	flag.Parse()

	args := flag.Args()
	if len(args) < 3 {
		usage()
	}
	provisionerName, provisionerUID, mode := args[0], args[1], args[2]

	k8sClient, dynClient, err := k8sutil.BuildClients()
	if err != nil {
		glog.Fatalf("pav-csi-plugin: %v", err)
	}

	if err := os.RemoveAll(*socketPath); err != nil && !os.IsNotExist(err) {
		glog.Fatalf("pav-csi-plugin: removing stale socket %q: %v", *socketPath, err)
	}

	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		glog.Fatalf("pav-csi-plugin: listening on %q: %v", *socketPath, err)
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(csi.LoggingInterceptor()))

	csipb.RegisterIdentityServer(server, csi.NewIdentity(provisionerName))

	switch mode {
	case "controller":
		csipb.RegisterControllerServer(server, csi.NewController(k8sClient, dynClient, provisionerName))

	case "node":
		if len(args) < 4 {
			usage()
		}
		nodeName := args[3]
		csipb.RegisterNodeServer(server, csi.NewNode(k8sClient, dynClient, provisionerName, provisionerUID, nodeName))

	default:
		usage()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		glog.Infof("pav-csi-plugin: received termination signal, stopping gracefully")
		server.GracefulStop()
	}()

	glog.Infof("pav-csi-plugin: serving %s on %s", mode, *socketPath)
	if err := server.Serve(listener); err != nil {
		glog.Fatalf("pav-csi-plugin: serving: %v", err)
	}
}

func usage() {
	glog.Fatalf("usage: pav-csi-plugin <prov-name> <prov-uid> controller | pav-csi-plugin <prov-name> <prov-uid> node <node-name>")
}
