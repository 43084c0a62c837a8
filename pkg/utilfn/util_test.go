package utilfn

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestReUnmarshal(t *testing.T) {
	type point struct {
		X int    `json:"x"`
		Y int    `json:"y"`
		L string `json:"label"`
	}
	tests := []struct {
		name string
		in   any
		want point
	}{
		{"map", map[string]any{"x": 1.0, "y": 2.0, "label": "a"}, point{X: 1, Y: 2, L: "a"}},
		{"struct", point{X: 5, Y: 6}, point{X: 5, Y: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got point
			err := ReUnmarshal(&got, tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ReUnmarshal() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGetOrderedMapKeys(t *testing.T) {
	got := GetOrderedMapKeys(map[string]int{"noop": 1, "add": 2, "echo": 3})
	want := []string{"add", "echo", "noop"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetOrderedMapKeys() = %v, want %v", got, want)
	}
}

func TestWriteFileIfDifferent(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "out.go")
	written, err := WriteFileIfDifferent(fileName, []byte("package x\n"))
	if err != nil || !written {
		t.Fatalf("Expected first write to happen, got written=%v err=%v", written, err)
	}
	written, err = WriteFileIfDifferent(fileName, []byte("package x\n"))
	if err != nil || written {
		t.Errorf("Expected identical write to be skipped, got written=%v err=%v", written, err)
	}
	written, err = WriteFileIfDifferent(fileName, []byte("package y\n"))
	if err != nil || !written {
		t.Errorf("Expected changed write to happen, got written=%v err=%v", written, err)
	}
	barr, _ := os.ReadFile(fileName)
	if string(barr) != "package y\n" {
		t.Errorf("Expected updated contents, got %q", string(barr))
	}
}

func TestExpandHomeDir(t *testing.T) {
	home := GetHomeDir()
	if got := ExpandHomeDir("~"); got != home {
		t.Errorf("ExpandHomeDir(~) = %q, want %q", got, home)
	}
	if got := ExpandHomeDir("~/.framerpc/lock"); got != filepath.Join(home, ".framerpc", "lock") {
		t.Errorf("ExpandHomeDir(~/.framerpc/lock) = %q", got)
	}
	if got := ExpandHomeDir("/tmp/../tmp/x"); got != "/tmp/x" {
		t.Errorf("ExpandHomeDir(/tmp/../tmp/x) = %q", got)
	}
}
