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

// Package helperpod creates and tears down the short-lived "helper pods"
// that stage, unstage, create, and delete a pav volume's backing storage on
// behalf of the node and controller agents, each instantiated from an
// operator-supplied PodTemplateSpec and co-mounted with a host-path
// side-channel directory at /pav.
package helperpod

import (
	"context"
	"fmt"
	"path"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/kubernetes-sigs/pav/pkg/config"
)

const sideChannelVolumeName = "pav"

// Template wraps a validated Kubernetes PodTemplateSpec-like object from
// which helper pods are instantiated. It is not the same type as
// Kubernetes' own PodTemplate API object.
type Template struct {
	client    kubernetes.Interface
	raw       map[string]interface{}
	namespace string
}

// NewTemplate validates podTemplateSpec (expected to carry only "metadata"
// and "spec" keys, per a Kubernetes PodTemplateSpec) by dry-run
// instantiating a pod from it against the API server, and returns a Template
// wrapping a defensive deep copy. podTemplateSpec is never mutated.
func NewTemplate(ctx context.Context, client kubernetes.Interface, podTemplateSpec map[string]interface{}) (*Template, error) {
	raw, err := deepCopyViaYAML(podTemplateSpec)
	if err != nil {
		return nil, fmt.Errorf("helperpod: copying pod template: %w", err)
	}

	for key := range raw {
		if key != "metadata" && key != "spec" {
			return nil, fmt.Errorf("helperpod: pod template may only specify fields %q and %q, found %q", "metadata", "spec", key)
		}
	}

	namespace := "default"
	dryRun := deepCopyMust(raw)
	dryRun["apiVersion"] = "v1"
	dryRun["kind"] = "Pod"

	metadata, _ := dryRun["metadata"].(map[string]interface{})
	if metadata == nil {
		metadata = map[string]interface{}{}
		dryRun["metadata"] = metadata
	}
	delete(metadata, "name")
	metadata["generateName"] = "pod-"
	if ns, ok := metadata["namespace"].(string); ok && ns != "" {
		namespace = ns
	}

	spec, _ := dryRun["spec"].(map[string]interface{})
	if spec == nil {
		spec = map[string]interface{}{}
		dryRun["spec"] = spec
	}
	insertSideChannelMount(spec)

	pod, err := toUnstructuredPod(dryRun)
	if err != nil {
		return nil, fmt.Errorf("helperpod: invalid pod template: %w", err)
	}

	_, err = client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{
		DryRun: []string{metav1.DryRunAll},
	})
	if err != nil {
		if apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) {
			return nil, fmt.Errorf("helperpod: invalid pod template: %w", err)
		}
		return nil, fmt.Errorf("helperpod: dry-run validating pod template: %w", err)
	}

	return &Template{client: client, raw: raw, namespace: namespace}, nil
}

// Namespace is the namespace that pods instantiated from this template
// belong to.
func (t *Template) Namespace() string { return t.namespace }

// CreateOptions configures a single helper pod instantiation.
type CreateOptions struct {
	// NodeName pins the pod to a specific node, as CSI NodeStageVolume /
	// NodePublishVolume handlers must.
	NodeName string
	// VolumeDirName names the host-path directory backing the pod's /pav
	// mount, under config.PAVVolumeDirPath. Defaults to podName.
	VolumeDirName string
	// BidirectionalMountPropagation marks the /pav mount as
	// mountPropagation: Bidirectional in every privileged container, so
	// that mounts the helper pod creates under /pav become visible on the
	// host (and vice versa).
	BidirectionalMountPropagation bool
}

// Create instantiates a pod named podName from the template, or does
// nothing if a pod with that name already exists in the template's
// namespace.
func (t *Template) Create(ctx context.Context, podName string, opts CreateOptions) (*Pod, error) {
	volumeDirName := opts.VolumeDirName
	if volumeDirName == "" {
		volumeDirName = podName
	}

	definition := deepCopyMust(t.raw)
	definition["apiVersion"] = "v1"
	definition["kind"] = "Pod"

	metadata, _ := definition["metadata"].(map[string]interface{})
	if metadata == nil {
		metadata = map[string]interface{}{}
		definition["metadata"] = metadata
	}
	metadata["name"] = podName
	delete(metadata, "generateName")

	spec, _ := definition["spec"].(map[string]interface{})
	if spec == nil {
		spec = map[string]interface{}{}
		definition["spec"] = spec
	}
	if opts.NodeName != "" {
		spec["nodeName"] = opts.NodeName
	}

	hostPath := path.Join(config.PAVVolumeDirPath, volumeDirName)
	insertSideChannelVolume(spec, hostPath, opts.BidirectionalMountPropagation)

	pod, err := toUnstructuredPod(definition)
	if err != nil {
		return nil, fmt.Errorf("helperpod: instantiating pod %s: %w", podName, err)
	}

	_, err = t.client.CoreV1().Pods(t.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("helperpod: creating pod %s: %w", podName, err)
	}

	return &Pod{
		client:           t.client,
		name:             podName,
		namespace:        t.namespace,
		volumeDirName:    volumeDirName,
		sideChannelDirOS: path.Join(config.PAVVolumeDirPath, volumeDirName),
	}, nil
}

// insertSideChannelMount adds a placeholder /pav emptyDir volume and mount
// to every container and init container, used only during dry-run
// validation (Create always substitutes a real host-path volume).
func insertSideChannelMount(spec map[string]interface{}) {
	volumes, _ := spec["volumes"].([]interface{})
	spec["volumes"] = append([]interface{}{map[string]interface{}{
		"name":     sideChannelVolumeName,
		"emptyDir": map[string]interface{}{},
	}}, volumes...)

	for _, container := range allContainers(spec) {
		insertMount(container, false)
	}
}

func insertSideChannelVolume(spec map[string]interface{}, hostPath string, bidirectional bool) {
	volumes, _ := spec["volumes"].([]interface{})
	spec["volumes"] = append([]interface{}{map[string]interface{}{
		"name": sideChannelVolumeName,
		"hostPath": map[string]interface{}{
			"path": hostPath,
			"type": "DirectoryOrCreate",
		},
	}}, volumes...)

	for _, container := range allContainers(spec) {
		insertMount(container, bidirectional)
	}
}

func allContainers(spec map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, key := range []string{"initContainers", "containers"} {
		list, _ := spec[key].([]interface{})
		for _, c := range list {
			if m, ok := c.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func insertMount(container map[string]interface{}, bidirectionalIfPrivileged bool) {
	mount := map[string]interface{}{
		"name":      sideChannelVolumeName,
		"mountPath": "/pav",
	}

	if bidirectionalIfPrivileged {
		securityContext, _ := container["securityContext"].(map[string]interface{})
		privileged, _ := securityContext["privileged"].(bool)
		if privileged {
			mount["mountPropagation"] = "Bidirectional"
		}
	}

	mounts, _ := container["volumeMounts"].([]interface{})
	container["volumeMounts"] = append([]interface{}{mount}, mounts...)
}

func toUnstructuredPod(m map[string]interface{}) (*v1.Pod, error) {
	u := &unstructured.Unstructured{Object: m}
	pod := &v1.Pod{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, pod); err != nil {
		return nil, err
	}
	return pod, nil
}

func deepCopyViaYAML(v map[string]interface{}) (map[string]interface{}, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func deepCopyMust(v map[string]interface{}) map[string]interface{} {
	out, err := deepCopyViaYAML(v)
	if err != nil {
		panic(fmt.Sprintf("helperpod: re-copying already-validated template: %v", err))
	}
	return out
}
