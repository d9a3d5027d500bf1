package strictjson

import (
	"strings"
	"testing"
)

type invokePayload struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Args   any    `json:"args,omitempty"`
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"name and Name", `{"name":"legitimate","Name":"smuggled"}`},
		{"method and METHOD", `{"method":"invoke","METHOD":"secret"}`},
		{"duplicate in nested object", `{"name":"test","args":{"key":"value","Key":"smuggled"}}`},
		{"triple duplicate", `{"name":"a","Name":"b","NAME":"c"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result invokePayload
			err := Unmarshal([]byte(tt.json), &result)
			if err == nil {
				t.Fatalf("Unmarshal() = nil, want duplicate key error; result = %+v", result)
			}
			if !strings.Contains(err.Error(), "duplicate key with different case") {
				t.Fatalf("Unmarshal() error = %v, want duplicate key error", err)
			}
		})
	}
}

func TestUnmarshalRejectsCaseMismatchedFields(t *testing.T) {
	tests := []string{
		`{"Name":"test"}`,
		`{"METHOD":"invoke"}`,
		`{"name":"test","METHOD":"invoke"}`,
	}
	for _, j := range tests {
		var result invokePayload
		err := Unmarshal([]byte(j), &result)
		if err == nil {
			t.Fatalf("Unmarshal(%s) = nil, want case mismatch error", j)
		}
		if !strings.Contains(err.Error(), "field name case mismatch") {
			t.Fatalf("Unmarshal(%s) error = %v, want case mismatch error", j, err)
		}
	}
}

func TestUnmarshalRejectsUnknownFields(t *testing.T) {
	var result invokePayload
	err := Unmarshal([]byte(`{"name":"test","bogus":"value"}`), &result)
	if err == nil {
		t.Fatal("Unmarshal() = nil, want unknown field error")
	}
}

func TestUnmarshalAllowsValid(t *testing.T) {
	tests := []struct {
		json     string
		wantName string
	}{
		{`{"name":"test"}`, "test"},
		{`{"name":"greet","method":"invoke"}`, "greet"},
		{`{"name":"test","method":"invoke","args":{"key":"value"}}`, "test"},
	}
	for _, tt := range tests {
		var result invokePayload
		if err := Unmarshal([]byte(tt.json), &result); err != nil {
			t.Fatalf("Unmarshal(%s) unexpected error = %v", tt.json, err)
		}
		if result.Name != tt.wantName {
			t.Fatalf("Unmarshal(%s) Name = %q, want %q", tt.json, result.Name, tt.wantName)
		}
	}
}

func TestUnmarshalNestedDuplicatesAndArrays(t *testing.T) {
	type nested struct {
		Name string `json:"name"`
		Args struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"args"`
	}
	var n nested
	if err := Unmarshal([]byte(`{"name":"test","args":{"key":"k","value":"v"}}`), &n); err != nil {
		t.Fatalf("Unmarshal() valid nested payload error = %v", err)
	}
	if err := Unmarshal([]byte(`{"name":"test","args":{"key":"k","Key":"smuggled"}}`), &n); err == nil {
		t.Fatal("Unmarshal() nested duplicate = nil, want error")
	}

	type withItems struct {
		Items []map[string]string `json:"items"`
	}
	var w withItems
	if err := Unmarshal([]byte(`{"items":[{"key":"value1"},{"key":"value2"}]}`), &w); err != nil {
		t.Fatalf("Unmarshal() valid array payload error = %v", err)
	}
	if err := Unmarshal([]byte(`{"items":[{"key":"value","Key":"smuggled"}]}`), &w); err == nil {
		t.Fatal("Unmarshal() duplicate in array element = nil, want error")
	}
}

func TestExpectedFieldNames(t *testing.T) {
	type testCase struct {
		Field1 string `json:"field1"`
		Field2 int    `json:"field2,omitempty"`
		Field3 bool   `json:"-"`
		Field4 string
	}
	fields := expectedFieldNames(&testCase{})
	if !fields["field1"] || !fields["field2"] {
		t.Fatalf("expectedFieldNames() = %v, want field1 and field2", fields)
	}
	if fields["Field3"] || fields["Field4"] || fields["field4"] {
		t.Fatalf("expectedFieldNames() = %v, want no untagged/dash fields", fields)
	}
}
