package global

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.CodeMisconfiguredCache))
}

func TestWriteIntoStageRequiresOpenAux(t *testing.T) {
	b := &Backend{aux: make(map[string]bool), written: make(map[string]int64)}
	_, err := b.WriteIntoStage(context.Background(), "never-opened", 0, cachetypes.ContiguousSelection(1), cachetypes.ElementType{Name: "f64", Size: 8}, make([]byte, 8))
	assert.Error(t, err)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.CodeStageWriteError))
}

func TestOpenAndCloseTracksAuxState(t *testing.T) {
	b := &Backend{aux: make(map[string]bool), written: make(map[string]int64)}
	assert.NoError(t, b.open("stage0"))
	assert.True(t, b.aux["stage0"])
	assert.NoError(t, b.close("stage0"))
	assert.False(t, b.aux["stage0"])
}

func TestPerTaskStageIsTrue(t *testing.T) {
	b := &Backend{}
	assert.True(t, b.PerTaskStage())
}
