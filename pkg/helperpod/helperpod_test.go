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
	"os"
	"path/filepath"
	"testing"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestNewTemplateRejectsUnknownField(t *testing.T) {
	client := fake.NewSimpleClientset()

	_, err := NewTemplate(context.Background(), client, map[string]interface{}{
		"status": map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("expected error for unrecognized top-level field")
	}
}

func TestNewTemplateAndCreate(t *testing.T) {
	client := fake.NewSimpleClientset()

	tmpl, err := NewTemplate(context.Background(), client, map[string]interface{}{
		"spec": map[string]interface{}{
			"containers": []interface{}{
				map[string]interface{}{
					"name":  "main",
					"image": "busybox",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	if tmpl.Namespace() != "default" {
		t.Errorf("namespace = %q, want default", tmpl.Namespace())
	}

	pod, err := tmpl.Create(context.Background(), "helper-1", CreateOptions{NodeName: "node-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if pod.Name() != "helper-1" {
		t.Errorf("pod name = %q, want helper-1", pod.Name())
	}

	created, err := client.CoreV1().Pods("default").Get(context.Background(), "helper-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if created.Spec.NodeName != "node-a" {
		t.Errorf("nodeName = %q, want node-a", created.Spec.NodeName)
	}
	if len(created.Spec.Containers) != 1 || len(created.Spec.Containers[0].VolumeMounts) != 1 {
		t.Fatalf("expected exactly one side-channel volume mount, got %+v", created.Spec.Containers)
	}
	if created.Spec.Containers[0].VolumeMounts[0].MountPath != "/pav" {
		t.Errorf("mount path = %q, want /pav", created.Spec.Containers[0].VolumeMounts[0].MountPath)
	}
	if len(created.Spec.Volumes) != 1 || created.Spec.Volumes[0].HostPath == nil {
		t.Fatalf("expected a single hostPath side-channel volume, got %+v", created.Spec.Volumes)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()

	tmpl, err := NewTemplate(context.Background(), client, map[string]interface{}{
		"spec": map[string]interface{}{
			"containers": []interface{}{
				map[string]interface{}{"name": "main", "image": "busybox"},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}

	if _, err := tmpl.Create(context.Background(), "helper-1", CreateOptions{}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := tmpl.Create(context.Background(), "helper-1", CreateOptions{}); err != nil {
		t.Fatalf("second Create should be a no-op, got: %v", err)
	}
}

func TestReadSideChannelFileMissing(t *testing.T) {
	dir := t.TempDir()
	pod := &Pod{name: "helper-1", namespace: "default", sideChannelDirOS: dir}

	contents, ok, err := pod.ReadSideChannelFile("ready")
	if err != nil {
		t.Fatalf("ReadSideChannelFile: %v", err)
	}
	if ok {
		t.Errorf("expected file to be absent, got contents %q", contents)
	}
}

func TestReadSideChannelFilePresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "size"), []byte("1048576"), 0o644); err != nil {
		t.Fatal(err)
	}
	pod := &Pod{name: "helper-1", namespace: "default", sideChannelDirOS: dir}

	contents, ok, err := pod.ReadSideChannelFile("size")
	if err != nil {
		t.Fatalf("ReadSideChannelFile: %v", err)
	}
	if !ok || contents != "1048576" {
		t.Errorf("got (%q, %v), want (1048576, true)", contents, ok)
	}
}

func TestWaitTerminatedSucceeded(t *testing.T) {
	client := fake.NewSimpleClientset(&v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "helper-1", Namespace: "default"},
		Status:     v1.PodStatus{Phase: v1.PodSucceeded},
	})
	pod := NewPod(client, "helper-1", "default", "")

	ok, err := pod.WaitTerminated(context.Background())
	if err != nil {
		t.Fatalf("WaitTerminated: %v", err)
	}
	if !ok {
		t.Error("expected success, got failure")
	}
}

func TestWaitTerminatedFailed(t *testing.T) {
	client := fake.NewSimpleClientset(&v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "helper-1", Namespace: "default"},
		Status:     v1.PodStatus{Phase: v1.PodFailed},
	})
	pod := NewPod(client, "helper-1", "default", "")

	ok, err := pod.WaitTerminated(context.Background())
	if err != nil {
		t.Fatalf("WaitTerminated: %v", err)
	}
	if ok {
		t.Error("expected failure, got success")
	}
}

func TestFindTopLevelMountsFiltersNestedMounts(t *testing.T) {
	// findTopLevelMounts reads the real /proc/self/mountinfo, whose mounts
	// vary by host, so it is not called here: this test replays its
	// shadowing filter over a fixed list of mount points, exercising isUnder.
	mounts := []string{"/a/b", "/a/b/c", "/a/d"}
	var topLevel []string
	for _, mp := range mounts {
		shadowed := false
		for _, other := range mounts {
			if other != mp && isUnder(mp, other) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			topLevel = append(topLevel, mp)
		}
	}
	want := map[string]bool{"/a/b": true, "/a/d": true}
	if len(topLevel) != len(want) {
		t.Fatalf("got %v, want members of %v", topLevel, want)
	}
	for _, mp := range topLevel {
		if !want[mp] {
			t.Errorf("unexpected top-level mount %s", mp)
		}
	}
}

func TestUnescapeMountinfoPath(t *testing.T) {
	got := unescapeMountinfoPath(`/mnt/my\040dir`)
	if got != "/mnt/my dir" {
		t.Errorf("got %q, want %q", got, "/mnt/my dir")
	}
}
