// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schema validates decoded JSON values against a deliberately
// small subset of JSON Schema, and against full draft 2020-12 schemas
// via santhosh-tekuri/jsonschema/v6 when the caller wants strict mode.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError is a single schema violation, path-addressed the way a
// reprompt needs to reference it.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks data against the simplified schema subset: required,
// type, enum, nullable, minLength/maxLength, pattern, numeric
// min/max (inclusive/exclusive), nested objects, and array items with
// type/enum. Integers accept whole-valued JSON numbers. Unknown
// properties are always allowed.
func Validate(data any, schema map[string]any) []ValidationError {
	var errs []ValidationError
	validateNode(data, schema, "$", &errs)
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

func validateNode(value any, schema map[string]any, path string, errs *[]ValidationError) {
	if value == nil {
		if nullable, _ := schema["nullable"].(bool); nullable {
			return
		}
		if t, ok := schema["type"].(string); ok && t == "null" {
			return
		}
	}

	if t, ok := schema["type"].(string); ok {
		if !checkType(value, t) {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("expected type %s, got %s", t, jsonType(value))})
			return
		}
	}

	if enumVals, ok := schema["enum"].([]any); ok {
		if !containsValue(enumVals, value) {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("value must be one of %v", enumVals)})
		}
	}

	switch v := value.(type) {
	case string:
		validateString(v, schema, path, errs)
	case float64:
		validateNumber(v, schema, path, errs)
	case map[string]any:
		validateObject(v, schema, path, errs)
	case []any:
		validateArray(v, schema, path, errs)
	}
}

func checkType(value any, t string) bool {
	switch t {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func jsonType(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

func containsValue(vals []any, target any) bool {
	for _, v := range vals {
		if fmt.Sprint(v) == fmt.Sprint(target) {
			return true
		}
	}
	return false
}

func validateString(v string, schema map[string]any, path string, errs *[]ValidationError) {
	if minLen, ok := numField(schema, "minLength"); ok && len(v) < int(minLen) {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("length %d is less than minLength %d", len(v), int(minLen))})
	}
	if maxLen, ok := numField(schema, "maxLength"); ok && len(v) > int(maxLen) {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("length %d exceeds maxLength %d", len(v), int(maxLen))})
	}
	if pattern, ok := schema["pattern"].(string); ok {
		re, err := regexp.Compile(pattern)
		if err == nil && !re.MatchString(v) {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("does not match pattern %q", pattern)})
		}
	}
}

func validateNumber(v float64, schema map[string]any, path string, errs *[]ValidationError) {
	if min, ok := numField(schema, "minimum"); ok && v < min {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%v is less than minimum %v", v, min)})
	}
	if max, ok := numField(schema, "maximum"); ok && v > max {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%v exceeds maximum %v", v, max)})
	}
	if min, ok := numField(schema, "exclusiveMinimum"); ok && v <= min {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%v must be greater than %v", v, min)})
	}
	if max, ok := numField(schema, "exclusiveMaximum"); ok && v >= max {
		*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%v must be less than %v", v, max)})
	}
}

func validateObject(v map[string]any, schema map[string]any, path string, errs *[]ValidationError) {
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			key, _ := r.(string)
			if _, present := v[key]; !present {
				*errs = append(*errs, ValidationError{Path: path + "." + key, Message: "required field is missing"})
			}
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for key, raw := range v {
		propSchema, ok := props[key].(map[string]any)
		if !ok {
			continue // additional properties always allowed
		}
		validateNode(raw, propSchema, path+"."+key, errs)
	}
}

func validateArray(v []any, schema map[string]any, path string, errs *[]ValidationError) {
	itemSchema, ok := schema["items"].(map[string]any)
	if !ok {
		return
	}
	for i, item := range v {
		validateNode(item, itemSchema, fmt.Sprintf("%s[%d]", path, i), errs)
	}
}

func numField(schema map[string]any, key string) (float64, bool) {
	v, ok := schema[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// CompileStrict compiles a full JSON Schema document (draft 2020-12) for
// callers that need a stricter, standards-complete validation path than
// the subset above provides.
func CompileStrict(schemaJSON []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	if err := c.AddResource("inline.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	return c.Compile("inline.json")
}

// ValidateStrict validates data (already decoded to any) against a
// compiled strict schema, returning a flattened error list.
func ValidateStrict(sch *jsonschema.Schema, data any) []ValidationError {
	if err := sch.Validate(data); err != nil {
		var buf bytes.Buffer
		buf.WriteString(err.Error())
		return []ValidationError{{Path: "$", Message: strings.TrimSpace(buf.String())}}
	}
	return nil
}
