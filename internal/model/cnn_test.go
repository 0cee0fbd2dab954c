package model

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifierGraph(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
	}
	backend := backends.MustNew()
	ctx := context.New()
	// Small model: 16x16 inputs through 2 blocks.
	ctx.SetParam(ParamNumConvBlocks, 2)
	ctx.SetParam(ParamBaseChannels, 4)
	ctx.SetParam(ParamHiddenNodes, 8)
	ctx.SetParam(ParamEmbeddingSize, 4)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *Node) (logits, probs *Node) {
		logits = ClassifierGraph(ctx, nil, []*Node{images})[0]
		probs = Softmax(logits)
		return
	})
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 16, 16, 3))
	logits, probabilities, err := exec.Exec2(images)
	require.NoError(t, err)
	assert.Equal(t, []int{3, NumClasses}, logits.Shape().Dimensions)

	// Each row of probabilities sums to 1.
	tensors.MustConstFlatData[float32](probabilities, func(flat []float32) {
		for row := 0; row < 3; row++ {
			sum := float64(flat[row*NumClasses] + flat[row*NumClasses+1])
			assert.InDelta(t, 1.0, sum, 1e-4)
			assert.False(t, math.IsNaN(sum))
		}
	})
}
