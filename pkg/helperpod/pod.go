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

package helperpod

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/k8sutil"
)

// Pod is a handle to a running (or completed) helper pod and its /pav
// side-channel directory on the host.
type Pod struct {
	client           kubernetes.Interface
	name             string
	namespace        string
	volumeDirName    string
	sideChannelDirOS string // path on the node's filesystem
}

// NewPod wraps an already-existing helper pod by name, without creating it.
// volumeDirName defaults to name.
func NewPod(client kubernetes.Interface, name, namespace, volumeDirName string) *Pod {
	if volumeDirName == "" {
		volumeDirName = name
	}
	return &Pod{
		client:           client,
		name:             name,
		namespace:        namespace,
		volumeDirName:    volumeDirName,
		sideChannelDirOS: filepath.Join(config.PAVVolumeDirPath, volumeDirName),
	}
}

// Name is the pod's name.
func (p *Pod) Name() string { return p.name }

// Namespace is the pod's namespace.
func (p *Pod) Namespace() string { return p.namespace }

// SideChannelDirOnHost is the path to the pod's /pav volume as seen on the
// node (not inside the pod).
func (p *Pod) SideChannelDirOnHost() string { return p.sideChannelDirOS }

// ReadSideChannelFile returns the contents of a UTF-8 file under the pod's
// /pav volume as seen on the node. MUST ONLY be called from the node agent
// running on the pod's own node. Returns ("", false, nil) if the file does
// not exist or is not a regular file (or a symlink to one).
func (p *Pod) ReadSideChannelFile(relativePath string) (string, bool, error) {
	path := filepath.Join(p.sideChannelDirOS, relativePath)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("helperpod: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("helperpod: reading %s: %w", path, err)
	}
	return string(data), true, nil
}

// WaitScheduled blocks until the pod is assigned to a node, returning that
// node's name.
func (p *Pod) WaitScheduled(ctx context.Context) (string, error) {
	value, err := k8sutil.WatchOnePod(ctx, p.client, p.namespace, p.name, func(pod *v1.Pod) (interface{}, error) {
		if pod.Spec.NodeName != "" {
			return pod.Spec.NodeName, nil
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// WaitTerminated blocks until the pod reaches a terminal phase, returning
// true if it succeeded and false if it failed.
func (p *Pod) WaitTerminated(ctx context.Context) (bool, error) {
	value, err := k8sutil.WatchOnePod(ctx, p.client, p.namespace, p.name, func(pod *v1.Pod) (interface{}, error) {
		switch pod.Status.Phase {
		case v1.PodSucceeded:
			return true, nil
		case v1.PodFailed:
			return false, nil
		default:
			return nil, nil
		}
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// WaitTerminatedOrReady blocks until the pod reaches a terminal phase or
// creates file /pav/ready. MUST ONLY be called from the node agent running
// on the pod's own node (the ready file is read directly from the host
// filesystem, not through the API server). Returns true if the pod
// succeeded or the ready file appeared; false if the pod failed first.
func (p *Pod) WaitTerminatedOrReady(ctx context.Context) (bool, error) {
	readyPath := filepath.Join(p.sideChannelDirOS, "ready")

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, p.name, metav1.GetOptions{})
		if err != nil {
			return false, fmt.Errorf("helperpod: reading pod %s/%s: %w", p.namespace, p.name, err)
		}

		if pod.Status.Phase == v1.PodSucceeded {
			return true, nil
		}
		if _, err := os.Stat(readyPath); err == nil {
			return true, nil
		}
		if pod.Status.Phase == v1.PodFailed {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Delete deletes the pod (waiting for it to be gone) and the /pav volume,
// unmounting any mount points the pod left behind. MUST ONLY be called from
// the node agent running on the pod's own node. Errors due to the pod no
// longer existing are ignored.
func (p *Pod) Delete(ctx context.Context) error {
	if err := p.deletePodAndWait(ctx); err != nil {
		return err
	}

	// Unmount mount points repeatedly: layered mounts can hide other
	// mounts, so a single pass may not be enough to empty the directory.
	for {
		mounts, err := findTopLevelMounts(p.sideChannelDirOS)
		if err != nil {
			return err
		}
		if len(mounts) == 0 {
			break
		}
		for _, mp := range mounts {
			if err := forceUnmount(mp); err != nil {
				return err
			}
		}
	}

	if err := os.RemoveAll(p.sideChannelDirOS); err != nil {
		return fmt.Errorf("helperpod: removing side-channel directory %s: %w", p.sideChannelDirOS, err)
	}
	return nil
}

func (p *Pod) deletePodAndWait(ctx context.Context) error {
	policy := metav1.DeletePropagationForeground
	err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, p.name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("helperpod: deleting pod %s/%s: %w", p.namespace, p.name, err)
	}

	_, err = k8sutil.WatchOnePod(ctx, p.client, p.namespace, p.name, func(pod *v1.Pod) (interface{}, error) {
		return nil, nil
	})
	if _, ok := err.(*k8sutil.ObjectDeletedError); ok {
		return nil
	}
	return err
}

// forceUnmount unmounts mountPoint, aborting any file system requests that
// may never be served because the remote or backing FUSE process is gone.
// mountPoint is expected to come from /proc/self/mountinfo and so already be
// canonical; --no-canonicalize additionally prevents umount from issuing
// further metadata requests against a possibly unresponsive file system.
func forceUnmount(mountPoint string) error {
	cmd := exec.Command("/bin/umount", "--force", "--no-canonicalize", "--recursive", mountPoint)
	cmd.Stdin = nil
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("helperpod: umount %s: %w: %s", mountPoint, err, out)
	}
	return nil
}
