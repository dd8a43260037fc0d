package util

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExists(t *testing.T) {
	asserts := assert.New(t)
	asserts.True(Exists("io_test.go"))
	asserts.False(Exists("io_test.js"))
}

func TestCreatNestedFile(t *testing.T) {
	asserts := assert.New(t)
	defer os.RemoveAll("test")

	// 父目录不存在
	{
		file, err := CreatNestedFile("test/nest.txt")
		asserts.NoError(err)
		asserts.NoError(file.Close())
		asserts.FileExists("test/nest.txt")
	}

	// 父目录存在
	{
		file, err := CreatNestedFile("test/direct.txt")
		asserts.NoError(err)
		asserts.NoError(file.Close())
		asserts.FileExists("test/direct.txt")
	}
}

func TestCopyBuffer(t *testing.T) {
	asserts := assert.New(t)

	// copies everything
	{
		var dst bytes.Buffer
		n, err := CopyBuffer(context.Background(), &dst, strings.NewReader("hello world"), 4)
		asserts.NoError(err)
		asserts.EqualValues(11, n)
		asserts.Equal("hello world", dst.String())
	}

	// canceled context stops reading
	{
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var dst bytes.Buffer
		_, err := CopyBuffer(ctx, &dst, strings.NewReader("hello world"), 4)
		asserts.ErrorIs(err, context.Canceled)
		asserts.Equal(0, dst.Len())
	}
}
