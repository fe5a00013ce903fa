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

import "testing"

func TestEvaluateYAMLTypedResult(t *testing.T) {
	tpl := NewTemplater()

	got, err := tpl.Evaluate("{{ yamlResult }}{{ .count }}", map[string]interface{}{"count": 3})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	n, ok := got.(int64)
	if !ok || n != 3 {
		t.Errorf("got %#v (%T), want int64(3)", got, got)
	}
}

func TestEvaluatePlainStringResult(t *testing.T) {
	tpl := NewTemplater()

	got, err := tpl.Evaluate("{{ .count }}", map[string]interface{}{"count": 3})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != "3" {
		t.Errorf("got %#v, want \"3\"", got)
	}
}

func TestEvaluateTobashMultilineQuoting(t *testing.T) {
	tpl := NewTemplater()

	got, err := tpl.Evaluate(`{{ .value | tobash }}`, map[string]interface{}{"value": "line one's\nline two"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := `'line one'\''s'$'\n''line two'`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestEvaluateTobashEmptyString(t *testing.T) {
	tpl := NewTemplater()

	got, err := tpl.Evaluate(`{{ .value | tobash }}`, map[string]interface{}{"value": ""})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != "''" {
		t.Errorf("got %q, want \"''\"", got)
	}
}

func TestEvaluateUndefinedVariableErrors(t *testing.T) {
	tpl := NewTemplater()

	_, err := tpl.Evaluate("{{ .missing }}", map[string]interface{}{"count": 3})
	if err == nil {
		t.Fatal("expected error for reference to undefined template variable")
	}
}

func TestEvaluateRecursesOverMapsAndLists(t *testing.T) {
	tpl := NewTemplater()

	obj := map[string]interface{}{
		"a": []interface{}{"{{ .x }}", map[string]interface{}{"b": "{{ .x }}"}},
		"c": true,
		"d": int64(5),
	}
	got, err := tpl.Evaluate(obj, map[string]interface{}{"x": "hi"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	m := got.(map[string]interface{})
	list := m["a"].([]interface{})
	if list[0] != "hi" {
		t.Errorf("list[0] = %v, want hi", list[0])
	}
	if list[1].(map[string]interface{})["b"] != "hi" {
		t.Errorf("nested map field not rendered")
	}
	if m["c"] != true {
		t.Errorf("bool passed through should be unchanged")
	}
	if m["d"] != int64(5) {
		t.Errorf("int passed through should be unchanged")
	}
}
