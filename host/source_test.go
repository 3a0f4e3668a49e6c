package host

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestSelectMissingFile(t *testing.T) {
	_, err := Select("missing.file", nil)
	require.Error(t, err)

	var serr *SourceError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "missing.file", serr.Path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, "initial script isn't found [no such file or directory]", err.Error())
}

func TestSelectFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.lua")
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env lode\nresult = 40 + 2\n"), 0o644))

	src, err := Select(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, src.Name())

	L := lua.NewState()
	defer L.Close()
	fn, err := src.Load(L)
	require.NoError(t, err)
	L.Push(fn)
	require.NoError(t, L.PCall(0, 0, nil))
	assert.Equal(t, lua.LNumber(42), L.GetGlobal("result"))
}

func TestSelectStdin(t *testing.T) {
	src, err := Select(StdinArg, strings.NewReader("x = 1"))
	require.NoError(t, err)
	assert.Equal(t, "<stdin>", src.Name())

	L := lua.NewState()
	defer L.Close()
	fn, err := src.Load(L)
	require.NoError(t, err)
	assert.Equal(t, "<stdin>", fn.Proto.SourceName)
}

func TestTextChunkName(t *testing.T) {
	src := Text("return 1")
	assert.Equal(t, InlineChunk, src.Name())

	L := lua.NewState()
	defer L.Close()
	fn, err := src.Load(L)
	require.NoError(t, err)
	assert.Equal(t, "inscript", fn.Proto.SourceName)
}

func TestStripShebang(t *testing.T) {
	assert.Equal(t, []byte("\nx()"), stripShebang([]byte("#!/bin/lode\nx()")))
	assert.Nil(t, stripShebang([]byte("#!/bin/lode")))
	assert.Equal(t, []byte("x()"), stripShebang([]byte("x()")))
}
