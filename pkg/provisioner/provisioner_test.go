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

package provisioner

import (
	"context"
	"testing"

	v1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestProvisioner(spec map[string]interface{}) *Provisioner {
	return &Provisioner{
		k8sClient: fake.NewSimpleClientset(),
		name:      "test-provisioner",
		spec:      spec,
		templater: NewTemplater(),
	}
}

func filesystemMode() *v1.PersistentVolumeMode {
	m := v1.PersistentVolumeFilesystem
	return &m
}

func TestEvalDynamicValidationConfigDefaults(t *testing.T) {
	p := newTestProvisioner(map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeValidation":  map[string]interface{}{},
	})

	pvc := &v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "claim-a", Namespace: "default"},
		Spec: v1.PersistentVolumeClaimSpec{
			VolumeMode:  filesystemMode(),
			AccessModes: []v1.PersistentVolumeAccessMode{v1.ReadWriteOnce},
			Resources: v1.ResourceRequirements{
				Requests: v1.ResourceList{v1.ResourceStorage: resource.MustParse("5Gi")},
			},
		},
	}
	sc := &storagev1.StorageClass{ObjectMeta: metav1.ObjectMeta{Name: "sc-a"}}

	cfg, err := p.EvalDynamicValidationConfig(context.Background(), sc, pvc)
	if err != nil {
		t.Fatalf("EvalDynamicValidationConfig: %v", err)
	}
	if cfg.MinCapacity != 1 {
		t.Errorf("default minCapacity = %d, want 1", cfg.MinCapacity)
	}
	if cfg.MaxCapacity != nil {
		t.Errorf("default maxCapacity = %v, want nil", cfg.MaxCapacity)
	}
	if len(cfg.VolumeModes) != 1 || cfg.VolumeModes[0] != VolumeModeFilesystem {
		t.Errorf("default volumeModes = %v, want [Filesystem]", cfg.VolumeModes)
	}
}

func TestEvalDynamicValidationConfigMinGreaterThanMaxRejected(t *testing.T) {
	p := newTestProvisioner(map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeValidation": map[string]interface{}{
			"minCapacity": "10Gi",
			"maxCapacity": "1Gi",
		},
	})

	pvc := &v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "claim-a", Namespace: "default"},
		Spec: v1.PersistentVolumeClaimSpec{
			AccessModes: []v1.PersistentVolumeAccessMode{v1.ReadWriteOnce},
			Resources: v1.ResourceRequirements{
				Requests: v1.ResourceList{v1.ResourceStorage: resource.MustParse("5Gi")},
			},
		},
	}
	sc := &storagev1.StorageClass{ObjectMeta: metav1.ObjectMeta{Name: "sc-a"}}

	if _, err := p.EvalDynamicValidationConfig(context.Background(), sc, pvc); err == nil {
		t.Fatal("expected error when minCapacity > maxCapacity")
	}
}

func TestEvalCreationConfigRequiresCapacityOrPodTemplateWhenDynamic(t *testing.T) {
	p := newTestProvisioner(map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeCreation":    map[string]interface{}{},
	})

	pvc := &v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "claim-a", Namespace: "default", UID: "uid-1"},
		Spec: v1.PersistentVolumeClaimSpec{
			AccessModes: []v1.PersistentVolumeAccessMode{v1.ReadWriteOnce},
			Resources: v1.ResourceRequirements{
				Requests: v1.ResourceList{v1.ResourceStorage: resource.MustParse("5Gi")},
			},
		},
	}
	sc := &storagev1.StorageClass{ObjectMeta: metav1.ObjectMeta{Name: "sc-a"}}

	if _, err := p.EvalCreationConfig(context.Background(), sc, pvc); err == nil {
		t.Fatal("expected error when neither capacity nor podTemplate is specified under Dynamic mode")
	}
}

func TestEvalCreationConfigUsesDefaultHandleTemplate(t *testing.T) {
	p := newTestProvisioner(map[string]interface{}{
		"provisioningModes": []interface{}{"Dynamic"},
		"volumeCreation": map[string]interface{}{
			"handle":   "{{ .defaultHandle }}",
			"capacity": "{{ .requestedMinCapacity }}",
		},
	})

	pvc := &v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "claim-a", Namespace: "default", UID: "uid-1"},
		Spec: v1.PersistentVolumeClaimSpec{
			AccessModes: []v1.PersistentVolumeAccessMode{v1.ReadWriteOnce},
			Resources: v1.ResourceRequirements{
				Requests: v1.ResourceList{v1.ResourceStorage: resource.MustParse("1Gi")},
			},
		},
	}
	sc := &storagev1.StorageClass{ObjectMeta: metav1.ObjectMeta{Name: "sc-a"}}

	cfg, err := p.EvalCreationConfig(context.Background(), sc, pvc)
	if err != nil {
		t.Fatalf("EvalCreationConfig: %v", err)
	}
	if cfg.Handle != "pvc-uid-1" {
		t.Errorf("handle = %q, want pvc-uid-1", cfg.Handle)
	}
	if cfg.Capacity == nil || *cfg.Capacity != 1073741824 {
		t.Errorf("capacity = %v, want 1073741824", cfg.Capacity)
	}
}

func TestEvalStagingConfigRequiresPodTemplate(t *testing.T) {
	p := newTestProvisioner(map[string]interface{}{
		"volumeStaging": map[string]interface{}{},
	})

	pvc := &v1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "claim-a", Namespace: "default"},
		Spec: v1.PersistentVolumeClaimSpec{
			AccessModes: []v1.PersistentVolumeAccessMode{v1.ReadWriteOnce},
		},
	}
	pv := &v1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "pv-a"},
		Spec: v1.PersistentVolumeSpec{
			VolumeMode: filesystemMode(),
			Capacity:   v1.ResourceList{v1.ResourceStorage: resource.MustParse("1Gi")},
			PersistentVolumeSource: v1.PersistentVolumeSource{
				CSI: &v1.CSIPersistentVolumeSource{VolumeHandle: "handle-a"},
			},
		},
	}
	node := &v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}}

	if _, err := p.EvalStagingConfig(context.Background(), pvc, pv, node, false); err == nil {
		t.Fatal("expected error when spec.volumeStaging.podTemplate is absent")
	}
}
