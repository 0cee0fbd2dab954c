// Package model defines the convolutional classifier graph: four conv blocks,
// an FNN head and a two-logit readout. All hyperparameters are read from the
// context, so they can be set from the command line.
package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// NumClasses of the classifier: it separates exactly two classes, and the
// readout produces one logit per class.
const NumClasses = 2

// Context hyperparameter names, with their defaults.
const (
	// ParamNumConvBlocks is the number of conv→batchnorm→activation→pool
	// blocks. Each block doubles the channels and halves the image.
	ParamNumConvBlocks = "cnn_num_blocks"

	// ParamBaseChannels is the number of channels of the first block.
	ParamBaseChannels = "cnn_base_channels"

	// ParamHiddenNodes is the width of the hidden FNN layer after the
	// convolutions.
	ParamHiddenNodes = "cnn_hidden_nodes"

	// ParamEmbeddingSize is the dimension of the embedding fed to the
	// readout layer.
	ParamEmbeddingSize = "cnn_embedding_size"
)

// Per-channel statistics used to standardize the [0, 1] RGB inputs. These are
// the usual ImageNet values; they must match between training and serving,
// which is guaranteed by doing the standardization inside the graph.
var (
	channelMean   = []float32{0.485, 0.456, 0.406}
	channelStdDev = []float32{0.229, 0.224, 0.225}
)

// ClassifierGraph builds the classifier. It takes one input tensor shaped
// [batch_size, height, width, 3] with values in [0, 1] and returns one output,
// the logits shaped [batch_size, NumClasses]. It works with sparse
// cross-entropy losses, which take logits, not probabilities.
func ClassifierGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Same graph for all dataset specs.
	ctx = ctx.In("model")
	embeddings := Embeddings(ctx, inputs[0])
	logits := fnn.New(ctx.In("readout"), embeddings, NumClasses).NumHiddenLayers(0, 0).Done()
	return []*Node{logits}
}

// Embeddings builds the image tower: standardization, the conv blocks and the
// FNN head, returning one embedding vector per image.
func Embeddings(ctx *context.Context, images *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	numBlocks := context.GetParamOr(ctx, ParamNumConvBlocks, 4)
	numChannels := context.GetParamOr(ctx, ParamBaseChannels, 32)

	x := standardizeImage(images)
	for blockIdx := range numBlocks {
		ctx := ctx.Inf("%03d_conv", blockIdx)
		x = layers.Convolution(ctx, x).Channels(numChannels).KernelSize(3).PadSame().Done()
		x = batchnorm.New(ctx, x, -1).Done()
		x = activations.ApplyFromContext(ctx, x)
		x = MaxPool(x).Window(2).Done()
		numChannels *= 2
	}

	// Flatten and treat the convolved values as tabular.
	x = Reshape(x, batchSize, -1)
	hiddenNodes := context.GetParamOr(ctx, ParamHiddenNodes, 512)
	embeddingSize := context.GetParamOr(ctx, ParamEmbeddingSize, 128)
	return fnn.New(ctx.In("embeddings"), x, embeddingSize).
		NumHiddenLayers(1, hiddenNodes).
		Done()
}

// standardizeImage shifts and scales each RGB channel by fixed statistics.
func standardizeImage(images *Node) *Node {
	images.AssertRank(4) // [batch_size, height, width, depth]
	g := images.Graph()
	mean := BroadcastToShape(InsertAxes(Const(g, channelMean), 0, 0, 0), images.Shape())
	stddev := BroadcastToShape(InsertAxes(Const(g, channelStdDev), 0, 0, 0), images.Shape())
	return Div(Sub(images, mean), stddev)
}
