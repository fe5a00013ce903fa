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

// Package csi implements the Identity, Controller and Node gRPC services of
// a pav plugin process: it seeds a claim's provisioning FSM or a client
// pod's staging FSM in response to CSI requests, and blocks until the
// controller/node agents have driven the FSM to a terminal or failure
// state.
package csi

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"

	"github.com/kubernetes-sigs/pav/pkg/provisioner"
)

// ensure aborts the current RPC with code if cond is false.
func ensure(cond bool, code codes.Code, format string, args ...interface{}) error {
	if cond {
		return nil
	}
	return status.Errorf(code, format, args...)
}

// ensureProvisionerIsNotBeingDeleted aborts the current RPC with
// FAILED_PRECONDITION if the named PavProvisioner is already under deletion.
func ensureProvisionerIsNotBeingDeleted(ctx context.Context, dynClient dynamic.Interface, provisionerName string) error {
	u, err := dynClient.Resource(provisioner.GroupVersionResource()).Get(ctx, provisionerName, metav1.GetOptions{})
	if err != nil {
		return status.Errorf(codes.Internal, "reading PavProvisioner %q: %v", provisionerName, err)
	}
	return ensure(u.GetDeletionTimestamp() == nil, codes.FailedPrecondition, "The PavProvisioner is under deletion.")
}

var callSeqnum int64

// LoggingInterceptor logs every unary RPC's entry and exit, tagged with a
// global monotonic sequence number, so that concurrent calls can be told
// apart in the log. Successful exits are logged green, aborts/cancellations
// and unrecovered panics red.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		seqnum := atomic.AddInt64(&callSeqnum, 1) - 1
		header := fmt.Sprintf("%d: %s", seqnum, methodName(info.FullMethod))

		glog.Infof("entering %s <-- %s", header, describeMessage(req))

		defer func() {
			if r := recover(); r != nil {
				glog.Infof("\033[31mexited   %s --> unhandled exception: %v\033[0m", header, r)
				panic(r)
			}
		}()

		resp, err = handler(ctx, req)

		switch {
		case status.Code(err) == codes.Canceled:
			glog.Infof("\033[31mexited   %s --> canceled\033[0m", header)
		case err != nil:
			if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
				glog.Infof("\033[31mexited   %s --> aborted: %s\033[0m", header, st.Message())
			} else {
				glog.Infof("\033[31mexited   %s --> unhandled exception: %v\033[0m", header, err)
			}
		default:
			glog.Infof("\033[32mexited   %s --> %s\033[0m", header, describeMessage(resp))
		}

		return resp, err
	}
}

// methodName turns a gRPC FullMethod ("/csi.v1.Controller/CreateVolume")
// into "Controller.CreateVolume()", matching the original's
// "{ServicerClassName}.{methodName}()" log header.
func methodName(fullMethod string) string {
	i := strings.LastIndexByte(fullMethod, '/')
	service, method := fullMethod[:i], fullMethod[i+1:]
	if j := strings.LastIndexByte(service, '.'); j >= 0 {
		service = service[j+1:]
	}
	return fmt.Sprintf("%s.%s()", service, method)
}

func describeMessage(m interface{}) string {
	pm, ok := m.(proto.Message)
	if !ok || pm == nil {
		return "{ }"
	}
	name := string(pm.ProtoReflect().Descriptor().Name())
	text := strings.TrimSpace(prototext.Format(pm))
	if text == "" {
		return fmt.Sprintf("%s { }", name)
	}
	return fmt.Sprintf("%s { %s }", name, text)
}
