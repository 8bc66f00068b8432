package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/heapsys/memutils"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    operation
		wantErr bool
	}{
		{name: "alloc", text: "alloc:100", want: operation{kind: opAlloc, size: 100}},
		{name: "aligned", text: "aligned:24:64", want: operation{kind: opAligned, size: 24, alignment: 64}},
		{name: "free", text: "free:3", want: operation{kind: opFree, index: 3}},
		{name: "collect", text: "collect", want: operation{kind: opCollect}},
		{name: "name keeps colons in the label", text: "name:0:a:b", want: operation{kind: opName, index: 0, label: "a:b"}},
		{name: "unknown", text: "grow:5", wantErr: true},
		{name: "alloc without size", text: "alloc", wantErr: true},
		{name: "bad size", text: "alloc:lots", wantErr: true},
		{name: "negative alignment", text: "aligned:8:-4", wantErr: true},
		{name: "collect with argument", text: "collect:1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := parseOperation(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, op)
		})
	}
}

// exhaustedOnce fails its first allocation with ExhaustedError and succeeds afterwards
type exhaustedOnce struct {
	memory   [64]byte
	calls    int
	collects int
}

func (e *exhaustedOnce) Alloc(size int) (unsafe.Pointer, error) {
	e.calls++
	if e.calls == 1 {
		return nil, cerrors.Wrap(memutils.ExhaustedError, "test")
	}
	return unsafe.Pointer(&e.memory[0]), nil
}

func (e *exhaustedOnce) AllocAligned(size int, alignment uint) (unsafe.Pointer, error) {
	return e.Alloc(size)
}

func (e *exhaustedOnce) Free(ptr unsafe.Pointer) error { return nil }

func (e *exhaustedOnce) Collect() int {
	e.collects++
	return 0
}

func (e *exhaustedOnce) SetAllocationName(ptr unsafe.Pointer, name string) error { return nil }

func TestRunnerCollectsAndRetries(t *testing.T) {
	fake := &exhaustedOnce{}
	var out bytes.Buffer
	r := &runner{system: fake, out: &out}

	require.NoError(t, r.apply(operation{kind: opAlloc, size: 10}))
	require.Equal(t, 2, fake.calls)
	require.Equal(t, 1, fake.collects)
	require.Equal(t, 1, r.retries)
	require.Len(t, r.allocations, 1)
	require.Contains(t, out.String(), "retrying")
}

func TestRunnerUnknownIndex(t *testing.T) {
	var out bytes.Buffer
	r := &runner{system: &exhaustedOnce{}, out: &out}

	require.Error(t, r.apply(operation{kind: opFree, index: 0}))
	require.Error(t, r.apply(operation{kind: opName, index: -1, label: "x"}))
}

func TestRunScript(t *testing.T) {
	heapSize = defaultHeapSize
	jsonOut = false

	var out bytes.Buffer
	err := runScript(&out, []string{"alloc:100", "alloc:8", "free:0", "alloc:100", "collect", "name:1:config"})
	require.NoError(t, err)

	require.Contains(t, out.String(), "alloc[2] 100 bytes")
	require.Contains(t, out.String(), "free[0]")
	require.Contains(t, out.String(), "collect: 0 merges")
	require.Contains(t, out.String(), "Allocations made:     3")
	require.Contains(t, out.String(), "Live pool slots:      1")
	require.Contains(t, out.String(), "Live heap blocks:     1")
}

func TestRunScriptDoubleFree(t *testing.T) {
	heapSize = defaultHeapSize
	jsonOut = false

	var out bytes.Buffer
	err := runScript(&out, []string{"alloc:500", "free:0", "free:0"})
	require.ErrorIs(t, err, memutils.DoubleFreeError)
}

func TestRunScriptJSON(t *testing.T) {
	heapSize = defaultHeapSize
	jsonOut = true
	defer func() { jsonOut = false }()

	var out bytes.Buffer
	err := runScript(&out, []string{"aligned:256:4096", "name:0:page"})
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	var detailedMap map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &detailedMap))
	require.Contains(t, detailedMap, "Heap")
	require.Contains(t, detailedMap, "Pools")
	require.Contains(t, string(lines[len(lines)-1]), `"Name":"page"`)
}

func TestRunMap(t *testing.T) {
	heapSize = defaultHeapSize

	var out bytes.Buffer
	require.NoError(t, runMap(&out))

	var detailedMap map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &detailedMap))
	require.Equal(t, false, detailedMap["Destroyed"])
}

func TestRunMapArenaTooSmall(t *testing.T) {
	heapSize = 1024
	defer func() { heapSize = defaultHeapSize }()

	var out bytes.Buffer
	require.ErrorIs(t, runMap(&out), memutils.ExhaustedError)
}
