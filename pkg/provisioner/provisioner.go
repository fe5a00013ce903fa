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
	"fmt"

	v1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/kubernetes-sigs/pav/pkg/config"
	"github.com/kubernetes-sigs/pav/pkg/helperpod"
	"github.com/kubernetes-sigs/pav/pkg/quantity"
)

// VolumeMode mirrors a PersistentVolumeClaim's requested volume mode.
type VolumeMode string

const (
	VolumeModeFilesystem VolumeMode = "Filesystem"
	VolumeModeBlock       VolumeMode = "Block"
)

// AccessMode mirrors a PersistentVolumeClaim's requested access mode.
type AccessMode string

const (
	AccessModeReadWriteOnce  AccessMode = "ReadWriteOnce"
	AccessModeReadOnlyMany   AccessMode = "ReadOnlyMany"
	AccessModeReadWriteMany  AccessMode = "ReadWriteMany"
)

// RequestedVolumeProperties is the subset of a PersistentVolumeClaim's spec
// that volume validation checks against a Provisioner's declared bounds.
type RequestedVolumeProperties struct {
	VolumeMode   VolumeMode
	AccessModes  []AccessMode
	MinCapacity  int64
	MaxCapacity  *int64
}

// RequestedVolumePropertiesFromPVC extracts RequestedVolumeProperties from a
// PersistentVolumeClaim.
func RequestedVolumePropertiesFromPVC(pvc *v1.PersistentVolumeClaim) (RequestedVolumeProperties, error) {
	var mode VolumeMode
	if pvc.Spec.VolumeMode != nil {
		mode = VolumeMode(*pvc.Spec.VolumeMode)
	} else {
		mode = VolumeModeFilesystem
	}

	accessModes := make([]AccessMode, len(pvc.Spec.AccessModes))
	for i, m := range pvc.Spec.AccessModes {
		accessModes[i] = AccessMode(m)
	}

	minQty, ok := pvc.Spec.Resources.Requests[v1.ResourceStorage]
	if !ok {
		return RequestedVolumeProperties{}, fmt.Errorf("provisioner: claim %s/%s requests no storage capacity", pvc.Namespace, pvc.Name)
	}
	minCapacity, err := quantity.ParseAndRound(minQty.String(), quantity.RoundHalfEven)
	if err != nil {
		return RequestedVolumeProperties{}, err
	}

	var maxCapacity *int64
	if maxQty, ok := pvc.Spec.Resources.Limits[v1.ResourceStorage]; ok {
		v, err := quantity.ParseAndRound(maxQty.String(), quantity.RoundHalfEven)
		if err != nil {
			return RequestedVolumeProperties{}, err
		}
		maxCapacity = &v
	}

	return RequestedVolumeProperties{
		VolumeMode:  mode,
		AccessModes: accessModes,
		MinCapacity: minCapacity,
		MaxCapacity: maxCapacity,
	}, nil
}

// VolumeValidationConfig is the evaluated spec.volumeValidation field.
type VolumeValidationConfig struct {
	VolumeModes  []VolumeMode
	AccessModes  []AccessMode
	MinCapacity  int64
	MaxCapacity  *int64
	PodTemplate  *helperpod.Template
}

// VolumeCreationConfig is the evaluated spec.volumeCreation field.
type VolumeCreationConfig struct {
	Handle      string
	Capacity    *int64
	PodTemplate *helperpod.Template
}

// VolumeDeletionConfig is the evaluated spec.volumeDeletion field.
type VolumeDeletionConfig struct {
	PodTemplate *helperpod.Template
}

// VolumeStagingConfig is the evaluated spec.volumeStaging field.
type VolumeStagingConfig struct {
	PodTemplate *helperpod.Template
}

// VolumeUnstagingConfig is the evaluated spec.volumeUnstaging field.
type VolumeUnstagingConfig struct {
	PodTemplate *helperpod.Template
}

// GroupVersionResource identifies the PavProvisioner custom resource served
// by the API server.
func GroupVersionResource() schema.GroupVersionResource {
	return schema.GroupVersionResource{
		Group:    config.ProvisionerGroup,
		Version:  config.ProvisionerVersion,
		Resource: config.ProvisionerPlural,
	}
}

// Provisioner wraps a single PavProvisioner custom object and evaluates its
// templated config fields on demand.
type Provisioner struct {
	k8sClient  kubernetes.Interface
	name       string
	spec       map[string]interface{}
	templater  Templater
}

// Get fetches the named PavProvisioner custom object via dynClient and
// returns a Provisioner wrapping it.
func Get(ctx context.Context, dynClient dynamic.Interface, k8sClient kubernetes.Interface, name string) (*Provisioner, error) {
	u, err := dynClient.Resource(GroupVersionResource()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("provisioner: reading PavProvisioner %q: %w", name, err)
	}

	spec, _, err := unstructuredNestedMap(u.Object, "spec")
	if err != nil {
		return nil, fmt.Errorf("provisioner: reading spec of PavProvisioner %q: %w", name, err)
	}

	return &Provisioner{
		k8sClient: k8sClient,
		name:      name,
		spec:      spec,
		templater: NewTemplater(),
	}, nil
}

// Name is the PavProvisioner object's name.
func (p *Provisioner) Name() string { return p.name }

// ProvisioningModes is the declared spec.provisioningModes list (e.g.
// "Static", "Dynamic").
func (p *Provisioner) ProvisioningModes() []string {
	raw, _ := p.spec["provisioningModes"].([]interface{})
	modes := make([]string, 0, len(raw))
	for _, m := range raw {
		if s, ok := m.(string); ok {
			modes = append(modes, s)
		}
	}
	return modes
}

func (p *Provisioner) supportsDynamicProvisioning() bool {
	for _, m := range p.ProvisioningModes() {
		if m == "Dynamic" {
			return true
		}
	}
	return false
}

// EvalStaticValidationConfig evaluates spec.volumeValidation against the
// context of a statically-provisioned PersistentVolume.
func (p *Provisioner) EvalStaticValidationConfig(ctx context.Context, pv *v1.PersistentVolume) (VolumeValidationConfig, error) {
	capacity, err := capacityFromPV(pv)
	if err != nil {
		return VolumeValidationConfig{}, err
	}

	templateCtx := map[string]interface{}{
		"requestedVolumeMode":  string(volumeModeOf(pv.Spec.VolumeMode)),
		"requestedAccessModes": accessModeStrings(pv.Spec.AccessModes),
		"requestedMinCapacity": capacity,
		"requestedMaxCapacity": capacity,
		"params":               csiVolumeAttributes(pv),
		"handle":                csiVolumeHandle(pv),
		"pv":                    toPlainObject(pv),
	}

	return p.evalValidationConfig(ctx, templateCtx)
}

// EvalDynamicValidationConfig evaluates spec.volumeValidation against the
// context of a dynamically-provisioned claim.
func (p *Provisioner) EvalDynamicValidationConfig(ctx context.Context, sc *storagev1.StorageClass, pvc *v1.PersistentVolumeClaim) (VolumeValidationConfig, error) {
	templateCtx, err := p.dynamicValidationContext(sc, pvc)
	if err != nil {
		return VolumeValidationConfig{}, err
	}
	return p.evalValidationConfig(ctx, templateCtx)
}

func (p *Provisioner) evalValidationConfig(ctx context.Context, templateCtx map[string]interface{}) (VolumeValidationConfig, error) {
	obj, err := p.evaluateField("volumeValidation", templateCtx)
	if err != nil {
		return VolumeValidationConfig{}, err
	}

	volumeModes := []VolumeMode{VolumeModeFilesystem}
	if raw, ok := obj["volumeModes"].([]interface{}); ok {
		volumeModes = nil
		for _, m := range raw {
			if s, ok := m.(string); ok {
				volumeModes = append(volumeModes, VolumeMode(s))
			}
		}
	}

	accessModes := []AccessMode{AccessModeReadWriteOnce, AccessModeReadOnlyMany, AccessModeReadWriteMany}
	if raw, ok := obj["accessModes"].([]interface{}); ok {
		accessModes = nil
		for _, m := range raw {
			if s, ok := m.(string); ok {
				accessModes = append(accessModes, AccessMode(s))
			}
		}
	}

	minCapacity, err := parseCapacityField(obj, "minCapacity", int64(1), quantity.RoundFloor)
	if err != nil {
		return VolumeValidationConfig{}, err
	}
	maxCapacity, err := parseOptionalCapacityField(obj, "maxCapacity", quantity.RoundCeiling)
	if err != nil {
		return VolumeValidationConfig{}, err
	}
	if maxCapacity != nil && minCapacity > *maxCapacity {
		return VolumeValidationConfig{}, fmt.Errorf("provisioner: 'spec.volumeValidation.minCapacity' must not be greater than 'spec.volumeValidation.maxCapacity'")
	}

	podTemplate, err := p.createPodTemplateOpt(ctx, obj["podTemplate"])
	if err != nil {
		return VolumeValidationConfig{}, err
	}

	return VolumeValidationConfig{
		VolumeModes: volumeModes,
		AccessModes: accessModes,
		MinCapacity: minCapacity,
		MaxCapacity: maxCapacity,
		PodTemplate: podTemplate,
	}, nil
}

// EvalCreationConfig evaluates spec.volumeCreation for a claim about to be
// dynamically provisioned.
func (p *Provisioner) EvalCreationConfig(ctx context.Context, sc *storagev1.StorageClass, pvc *v1.PersistentVolumeClaim) (VolumeCreationConfig, error) {
	templateCtx, err := p.creationAndDeletionContext(sc, pvc)
	if err != nil {
		return VolumeCreationConfig{}, err
	}

	obj, err := p.evaluateField("volumeCreation", templateCtx)
	if err != nil {
		return VolumeCreationConfig{}, err
	}

	capacity, err := parseOptionalCapacityField(obj, "capacity", quantity.RoundFloor)
	if err != nil {
		return VolumeCreationConfig{}, err
	}

	_, hasCapacity := obj["capacity"]
	_, hasPodTemplate := obj["podTemplate"]
	if p.supportsDynamicProvisioning() && !hasCapacity && !hasPodTemplate {
		return VolumeCreationConfig{}, fmt.Errorf("provisioner: at least one of 'spec.volumeCreation.capacity' or 'spec.volumeCreation.podTemplate' must be specified when 'spec.provisioningModes' contains 'Dynamic'")
	}

	podTemplate, err := p.createPodTemplateOpt(ctx, obj["podTemplate"])
	if err != nil {
		return VolumeCreationConfig{}, err
	}

	handle, _ := obj["handle"].(string)

	return VolumeCreationConfig{
		Handle:      handle,
		Capacity:    capacity,
		PodTemplate: podTemplate,
	}, nil
}

// EvalDeletionConfig evaluates spec.volumeDeletion for a claim being torn
// down.
func (p *Provisioner) EvalDeletionConfig(ctx context.Context, sc *storagev1.StorageClass, pvc *v1.PersistentVolumeClaim) (VolumeDeletionConfig, error) {
	templateCtx, err := p.creationAndDeletionContext(sc, pvc)
	if err != nil {
		return VolumeDeletionConfig{}, err
	}

	obj, err := p.evaluateField("volumeDeletion", templateCtx)
	if err != nil {
		return VolumeDeletionConfig{}, err
	}

	podTemplate, err := p.createPodTemplateOpt(ctx, obj["podTemplate"])
	if err != nil {
		return VolumeDeletionConfig{}, err
	}

	return VolumeDeletionConfig{PodTemplate: podTemplate}, nil
}

// EvalStagingConfig evaluates spec.volumeStaging for a node about to stage a
// volume.
func (p *Provisioner) EvalStagingConfig(ctx context.Context, pvc *v1.PersistentVolumeClaim, pv *v1.PersistentVolume, node *v1.Node, readOnly bool) (VolumeStagingConfig, error) {
	templateCtx, err := p.stagingAndUnstagingContext(pvc, pv, node, readOnly)
	if err != nil {
		return VolumeStagingConfig{}, err
	}

	obj, err := p.evaluateField("volumeStaging", templateCtx)
	if err != nil {
		return VolumeStagingConfig{}, err
	}

	podTemplateSpec, ok := obj["podTemplate"]
	if !ok {
		return VolumeStagingConfig{}, fmt.Errorf("provisioner: 'spec.volumeStaging.podTemplate' is required")
	}
	podTemplate, err := p.createPodTemplate(ctx, podTemplateSpec)
	if err != nil {
		return VolumeStagingConfig{}, err
	}

	return VolumeStagingConfig{PodTemplate: podTemplate}, nil
}

// EvalUnstagingConfig evaluates spec.volumeUnstaging for a node about to
// unstage a volume.
func (p *Provisioner) EvalUnstagingConfig(ctx context.Context, pvc *v1.PersistentVolumeClaim, pv *v1.PersistentVolume, node *v1.Node, readOnly bool) (VolumeUnstagingConfig, error) {
	templateCtx, err := p.stagingAndUnstagingContext(pvc, pv, node, readOnly)
	if err != nil {
		return VolumeUnstagingConfig{}, err
	}

	obj, err := p.evaluateField("volumeUnstaging", templateCtx)
	if err != nil {
		return VolumeUnstagingConfig{}, err
	}

	podTemplate, err := p.createPodTemplateOpt(ctx, obj["podTemplate"])
	if err != nil {
		return VolumeUnstagingConfig{}, err
	}

	return VolumeUnstagingConfig{PodTemplate: podTemplate}, nil
}

func (p *Provisioner) dynamicValidationContext(sc *storagev1.StorageClass, pvc *v1.PersistentVolumeClaim) (map[string]interface{}, error) {
	props, err := RequestedVolumePropertiesFromPVC(pvc)
	if err != nil {
		return nil, err
	}

	var maxCapacity interface{}
	if props.MaxCapacity != nil {
		maxCapacity = *props.MaxCapacity
	}

	return map[string]interface{}{
		"requestedVolumeMode":  string(props.VolumeMode),
		"requestedAccessModes": accessModesToStrings(props.AccessModes),
		"requestedMinCapacity": props.MinCapacity,
		"requestedMaxCapacity": maxCapacity,
		"params":                stringMapToInterface(sc.Parameters),
		"sc":                    toPlainObject(sc),
		"pvc":                   toPlainObject(pvc),
	}, nil
}

func (p *Provisioner) creationAndDeletionContext(sc *storagev1.StorageClass, pvc *v1.PersistentVolumeClaim) (map[string]interface{}, error) {
	ctx, err := p.dynamicValidationContext(sc, pvc)
	if err != nil {
		return nil, err
	}
	ctx["defaultHandle"] = fmt.Sprintf("pvc-%s", pvc.UID)
	return ctx, nil
}

func (p *Provisioner) stagingAndUnstagingContext(pvc *v1.PersistentVolumeClaim, pv *v1.PersistentVolume, node *v1.Node, readOnly bool) (map[string]interface{}, error) {
	capacity, err := capacityFromPV(pv)
	if err != nil {
		return nil, err
	}

	// accessModes is read from the claim, not the PV: every mount of the
	// volume is constrained by the access modes the claim requested, not
	// by whatever the PV object happens to carry.
	accessModes := make([]string, len(pvc.Spec.AccessModes))
	for i, m := range pvc.Spec.AccessModes {
		accessModes[i] = string(m)
	}

	return map[string]interface{}{
		"volumeMode":  string(volumeModeOf(pv.Spec.VolumeMode)),
		"accessModes": accessModes,
		"capacity":    capacity,
		"params":      csiVolumeAttributes(pv),
		"handle":      csiVolumeHandle(pv),
		"readOnly":    readOnly,
		"pvc":         toPlainObject(pvc),
		"pv":          toPlainObject(pv),
		"node":        toPlainObject(node),
	}, nil
}

func (p *Provisioner) evaluateField(field string, templateCtx map[string]interface{}) (map[string]interface{}, error) {
	raw, _ := p.spec[field].(map[string]interface{})
	if raw == nil {
		raw = map[string]interface{}{}
	}

	evaluated, err := p.templater.Evaluate(raw, templateCtx)
	if err != nil {
		return nil, fmt.Errorf("provisioner: evaluating 'spec.%s': %w", field, err)
	}

	obj, ok := evaluated.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("provisioner: 'spec.%s' must evaluate to a mapping", field)
	}
	return obj, nil
}

func (p *Provisioner) createPodTemplate(ctx context.Context, podTemplateSpec interface{}) (*helperpod.Template, error) {
	m, ok := podTemplateSpec.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("provisioner: podTemplate must be a mapping")
	}
	return helperpod.NewTemplate(ctx, p.k8sClient, m)
}

func (p *Provisioner) createPodTemplateOpt(ctx context.Context, podTemplateSpec interface{}) (*helperpod.Template, error) {
	if podTemplateSpec == nil {
		return nil, nil
	}
	return p.createPodTemplate(ctx, podTemplateSpec)
}

func parseCapacityField(obj map[string]interface{}, key string, defaultValue int64, mode quantity.Rounding) (int64, error) {
	v, present := obj[key]
	if !present {
		return defaultValue, nil
	}
	cap, err := parseCapacityValue(v, mode)
	if err != nil {
		return 0, err
	}
	if cap <= 0 {
		return 0, fmt.Errorf("provisioner: %q must be a positive quantity", key)
	}
	return cap, nil
}

func parseOptionalCapacityField(obj map[string]interface{}, key string, mode quantity.Rounding) (*int64, error) {
	v, present := obj[key]
	if !present || v == nil {
		return nil, nil
	}
	cap, err := parseCapacityValue(v, mode)
	if err != nil {
		return nil, err
	}
	if cap <= 0 {
		return nil, fmt.Errorf("provisioner: %q must be a positive quantity", key)
	}
	return &cap, nil
}

func parseCapacityValue(v interface{}, mode quantity.Rounding) (int64, error) {
	switch x := v.(type) {
	case string:
		return quantity.ParseAndRound(x, mode)
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("provisioner: capacity value must be a string or number, got %T", v)
	}
}

func capacityFromPV(pv *v1.PersistentVolume) (int64, error) {
	qty, ok := pv.Spec.Capacity[v1.ResourceStorage]
	if !ok {
		return 0, fmt.Errorf("provisioner: PersistentVolume %s has no declared storage capacity", pv.Name)
	}
	return quantity.ParseAndRound(qty.String(), quantity.RoundHalfEven)
}

func volumeModeOf(mode *v1.PersistentVolumeMode) VolumeMode {
	if mode == nil {
		return VolumeModeFilesystem
	}
	return VolumeMode(*mode)
}

func accessModeStrings(modes []v1.PersistentVolumeAccessMode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}

func accessModesToStrings(modes []AccessMode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}

func csiVolumeAttributes(pv *v1.PersistentVolume) map[string]interface{} {
	out := map[string]interface{}{}
	if pv.Spec.CSI == nil {
		return out
	}
	for k, v := range pv.Spec.CSI.VolumeAttributes {
		out[k] = v
	}
	return out
}

func csiVolumeHandle(pv *v1.PersistentVolume) string {
	if pv.Spec.CSI == nil {
		return ""
	}
	return pv.Spec.CSI.VolumeHandle
}

func stringMapToInterface(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// toPlainObject converts a typed API object to the same
// map[string]interface{} shape the original's ApiClient.sanitize_for_serialization
// produces, for use as opaque template context (the `pv`/`pvc`/`sc`/`node`
// keys): a plain JSON-shaped structure, never reflected over again downstream.
func toPlainObject(obj runtime.Object) map[string]interface{} {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return map[string]interface{}{}
	}
	return u
}

func unstructuredNestedMap(obj map[string]interface{}, field string) (map[string]interface{}, bool, error) {
	val, ok := obj[field]
	if !ok {
		return nil, false, nil
	}
	m, ok := val.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("field %q is not a mapping", field)
	}
	return m, true, nil
}
