package cache

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func joinWithSeparator(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

func TestDefaultKeySerializer_BasicTypes(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "no args",
			method: "List",
			args:   []any{},
			want:   "List",
		},
		{
			name:   "single int",
			method: "GetByID",
			args:   []any{42},
			want:   joinWithSeparator("GetByID", "42"),
		},
		{
			name:   "multiple basic types",
			method: "Get",
			args:   []any{1, "hello", true, 3.14},
			want:   joinWithSeparator("Get", "1", "hello", "true", "3.14"),
		},
		{
			name:   "string with special chars",
			method: "Search",
			args:   []any{"hello:world"},
			want:   joinWithSeparator("Search", "hello:world"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_NilValues(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "nil interface",
			method: "GetByPtr",
			args:   []any{nil},
			want:   joinWithSeparator("GetByPtr", "nil"),
		},
		{
			name:   "nil pointer",
			method: "GetByRef",
			args:   []any{(*int)(nil)},
			want:   joinWithSeparator("GetByRef", "nil"),
		},
		{
			name:   "nil slice",
			method: "GetBySlice",
			args:   []any{([]int)(nil)},
			want:   joinWithSeparator("GetBySlice", "slice:nil"),
		},
		{
			name:   "nil map",
			method: "GetByMap",
			args:   []any{(map[string]int)(nil)},
			want:   joinWithSeparator("GetByMap", "map:nil"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_Slices(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "empty slice",
			method: "GetByIDs",
			args:   []any{[]int{}},
			want:   joinWithSeparator("GetByIDs", "slice[0]:{}"),
		},
		{
			name:   "int slice",
			method: "GetByIDs",
			args:   []any{[]int{1, 2, 3}},
			want:   joinWithSeparator("GetByIDs", "slice[3]:{1,2,3}"),
		},
		{
			name:   "string slice",
			method: "GetByNames",
			args:   []any{[]string{"alice", "bob"}},
			want:   joinWithSeparator("GetByNames", "slice[2]:{alice,bob}"),
		},
		{
			name:   "nested slice",
			method: "GetByMatrix",
			args:   []any{[][]int{{1, 2}, {3, 4}}},
			want:   joinWithSeparator("GetByMatrix", "slice[2]:{slice[2]:{1,2},slice[2]:{3,4}}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_Arrays(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "int array",
			method: "GetByArray",
			args:   []any{[3]int{1, 2, 3}},
			want:   joinWithSeparator("GetByArray", "array[3]:{1,2,3}"),
		},
		{
			name:   "string array",
			method: "GetByStrArray",
			args:   []any{[2]string{"hello", "world"}},
			want:   joinWithSeparator("GetByStrArray", "array[2]:{hello,world}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_Maps(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "empty map",
			method: "GetByFilters",
			args:   []any{map[string]int{}},
			want:   joinWithSeparator("GetByFilters", "map[0]:{}"),
		},
		{
			name:   "string to int map",
			method: "GetByFilters",
			args:   []any{map[string]int{"age": 25, "count": 10}},
			want:   joinWithSeparator("GetByFilters", "map[2]:{age=25,count=10}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_Structs(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	type User struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	type UserWithPrivate struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		password string // unexported field should be ignored
	}

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "simple struct",
			method: "GetUser",
			args:   []any{User{ID: 1, Name: "alice"}},
			want:   joinWithSeparator("GetUser", "struct:{ID:1,Name:alice}"),
		},
		{
			name:   "struct with private field",
			method: "GetUserPrivate",
			args:   []any{UserWithPrivate{ID: 2, Name: "bob", password: "secret"}},
			want:   joinWithSeparator("GetUserPrivate", "struct:{ID:2,Name:bob}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_FunctionsAndChannels(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	first := func() {}
	second := func() {}

	if serializer.SerializeKey("Get", first) != serializer.SerializeKey("Get", second) {
		t.Error("expected functions to serialize by kind only")
	}

	if got, want := serializer.SerializeKey("Get", first), joinWithSeparator("Get", "func"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	if got, want := serializer.SerializeKey("Get", make(chan int)), joinWithSeparator("Get", "chan"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDefaultKeySerializer_Pointers(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	value := 42
	ptr := &value

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{
			name:   "non-nil pointer",
			method: "GetByPtr",
			args:   []any{ptr},
			want:   joinWithSeparator("GetByPtr", "42"),
		},
		{
			name:   "nil pointer",
			method: "GetByPtr",
			args:   []any{(*int)(nil)},
			want:   joinWithSeparator("GetByPtr", "nil"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_Stability(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	// Test that the same arguments produce the same key across multiple calls
	args := []any{1, "hello", []int{1, 2, 3}, map[string]int{"a": 1, "b": 2}}

	key1 := serializer.SerializeKey("TestMethod", args...)
	key2 := serializer.SerializeKey("TestMethod", args...)

	if key1 != key2 {
		t.Errorf("Key serialization should be stable across runs: %v != %v", key1, key2)
	}
}

func TestDefaultKeySerializer_RawJSONIsNormalized(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	compact := json.RawMessage(`{"b":2,"a":[1,"x"]}`)
	spaced := json.RawMessage(`{ "a": [1, "x"],
		"b": 2 }`)

	got1 := serializer.SerializeKey("Body", compact)
	got2 := serializer.SerializeKey("Body", spaced)
	if got1 != got2 {
		t.Errorf("expected equal keys for equivalent JSON, got %q and %q", got1, got2)
	}

	invalid := serializer.SerializeKey("Body", json.RawMessage(`{oops`))
	if want := joinWithSeparator("Body", "bytes:{oops"); invalid != want {
		t.Errorf("expected %q, got %q", want, invalid)
	}
}

func TestDefaultKeySerializer_TimeAndDuration(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	got := serializer.SerializeKey("At", local, 90*time.Second)
	want := joinWithSeparator("At", "time:2024-03-01T11:00:00Z", "duration:1m30s")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDefaultKeySerializer_Stringer(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	got := serializer.SerializeKey("Prio", PriorityHigh)
	if want := joinWithSeparator("Prio", "high"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDefaultKeySerializer_MapOrderIndependent(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	for i := 0; i < 20; i++ {
		m := map[string]any{"z": 1, "a": map[string]int{"y": 2, "b": 3}, "m": []string{"q"}}
		got := serializer.SerializeKey("Filters", m)
		want := joinWithSeparator("Filters", "map[3]:{a=map[2]:{b=3,y=2},m=slice[1]:{q},z=1}")
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func BenchmarkDefaultKeySerializer(b *testing.B) {
	serializer := NewDefaultKeySerializer()
	args := []any{1, "benchmark", []int{1, 2, 3}, map[string]int{"test": 1}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		serializer.SerializeKey("BenchmarkMethod", args...)
	}
}
