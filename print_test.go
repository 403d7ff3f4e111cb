package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/driftsync/driftsync/internal/sync"
)

func strPtr(s string) *string { return &s }

func TestDescribeOp(t *testing.T) {
	tests := []struct {
		name string
		op   sync.Operation
		want string
	}{
		{
			name: "add file with size",
			op:   sync.Operation{Kind: sync.OpAddFile, Name: "a.txt", Size: 2048},
			want: "+ file a.txt (2.0 KiB)",
		},
		{
			name: "add dir",
			op:   sync.Operation{Kind: sync.OpAddDir, Name: "docs"},
			want: "+ dir  docs/",
		},
		{
			name: "delete file",
			op:   sync.Operation{Kind: sync.OpDelFile, ID: "f1", Name: "old.txt"},
			want: "- file old.txt",
		},
		{
			name: "rename",
			op:   sync.Operation{Kind: sync.OpRenameMoveFile, ID: "f1", NewName: strPtr("b.txt")},
			want: "> file f1: rename to b.txt",
		},
		{
			name: "move",
			op:   sync.Operation{Kind: sync.OpRenameMoveDir, ID: "d1", Destination: strPtr("d2")},
			want: "> dir d1: move under d2",
		},
		{
			name: "rename and move",
			op: sync.Operation{
				Kind: sync.OpRenameMoveFile, ID: "f1",
				NewName: strPtr("b.txt"), Destination: strPtr("d2"),
			},
			want: "> file f1: rename to b.txt, move under d2",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, describeOp(tc.op))
		})
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	quiet := buildLogger("debug", &syncFlags{quiet: true})
	assert.NotNil(t, quiet)

	verbose := buildLogger("warn", &syncFlags{verbose: true})
	assert.NotNil(t, verbose)

	plain := buildLogger("info", nil)
	assert.NotNil(t, plain)
}
