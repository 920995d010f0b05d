package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// maxSequence matches the training window of the MiniLM sentence models.
const maxSequence = 256

var ortInit struct {
	sync.Mutex
	err error
}

// initRuntime loads the onnxruntime shared library once per process.
func initRuntime(libPath string) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if ortInit.err != nil {
		return ortInit.err
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		ortInit.err = fmt.Errorf("initializing onnxruntime: %w", err)
		return ortInit.err
	}
	return nil
}

// ONNX runs a sentence-transformer ONNX export (all-MiniLM-L6-v2 and
// friends) locally. Output vectors are mean-pooled and L2-normalised.
type ONNX struct {
	tk      *tokenizer.Tokenizer
	inputs  []string
	output  string
	hidden  int
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewONNX loads model.onnx and tokenizer.json from cfg.ModelDir. A missing
// runtime library or model file is reported as ErrUnavailable.
func NewONNX(cfg *EmbedConfig) (*ONNX, error) {
	if cfg == nil || cfg.ModelDir == "" {
		return nil, fmt.Errorf("%w: no local model directory configured", ErrUnavailable)
	}
	dir := expandHome(cfg.ModelDir)
	modelPath := filepath.Join(dir, "model.onnx")
	tokPath := filepath.Join(dir, "tokenizer.json")
	for _, p := range []string{modelPath, tokPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if err := initRuntime(cfg.OnnxLib); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	tk, err := pretrained.FromFile(tokPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model io: %w", err)
	}
	if len(outInfo) == 0 {
		return nil, fmt.Errorf("model %s has no outputs", modelPath)
	}

	m := &ONNX{tk: tk, output: outInfo[0].Name}
	for _, in := range inInfo {
		switch in.Name {
		case "input_ids", "attention_mask", "token_type_ids":
			m.inputs = append(m.inputs, in.Name)
		default:
			return nil, fmt.Errorf("unsupported model input %q", in.Name)
		}
	}
	dims := outInfo[0].Dimensions
	if len(dims) != 3 || dims[2] <= 0 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	m.hidden = int(dims[2])

	m.session, err = ort.NewDynamicAdvancedSession(modelPath, m.inputs, []string{m.output}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating onnx session: %w", err)
	}
	return m, nil
}

// Close releases the session.
func (m *ONNX) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Destroy()
}

// Dimensions returns the model's hidden size.
func (m *ONNX) Dimensions() int { return m.hidden }

// Embed embeds a single text.
func (m *ONNX) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch runs one padded batch through the model.
func (m *ONNX) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoded := make([]*tokenizer.Encoding, len(texts))
	seq := 0
	for i, text := range texts {
		enc, err := m.tk.EncodeSingle(strings.TrimSpace(text), true)
		if err != nil {
			return nil, fmt.Errorf("tokenizing text %d: %w", i, err)
		}
		encoded[i] = enc
		if n := min(len(enc.Ids), maxSequence); n > seq {
			seq = n
		}
	}
	if seq == 0 {
		return nil, fmt.Errorf("no tokens produced")
	}

	batch := len(texts)
	ids := make([]int64, batch*seq)
	mask := make([]int64, batch*seq)
	types := make([]int64, batch*seq)
	for b, enc := range encoded {
		n := min(len(enc.Ids), seq)
		for t := 0; t < n; t++ {
			ids[b*seq+t] = int64(enc.Ids[t])
			mask[b*seq+t] = 1
			if t < len(enc.TypeIds) {
				types[b*seq+t] = int64(enc.TypeIds[t])
			}
		}
		// Keep the closing [SEP] when truncating.
		if len(enc.Ids) > seq {
			ids[b*seq+seq-1] = int64(enc.Ids[len(enc.Ids)-1])
		}
	}

	shape := ort.NewShape(int64(batch), int64(seq))
	byName := map[string][]int64{"input_ids": ids, "attention_mask": mask, "token_type_ids": types}
	inputs := make([]ort.Value, 0, len(m.inputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, name := range m.inputs {
		tensor, err := ort.NewTensor(shape, byName[name])
		if err != nil {
			return nil, fmt.Errorf("building %s tensor: %w", name, err)
		}
		inputs = append(inputs, tensor)
	}

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(seq), int64(m.hidden)))
	if err != nil {
		return nil, fmt.Errorf("allocating output tensor: %w", err)
	}
	defer out.Destroy()

	m.mu.Lock()
	err = m.session.Run(inputs, []ort.Value{out})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("running onnx session: %w", err)
	}

	return meanPool(out.GetData(), mask, batch, seq, m.hidden), nil
}

// meanPool averages token states under the attention mask and L2-normalises.
func meanPool(states []float32, mask []int64, batch, seq, hidden int) [][]float32 {
	vecs := make([][]float32, batch)
	for b := 0; b < batch; b++ {
		vec := make([]float32, hidden)
		var count float32
		for t := 0; t < seq; t++ {
			if mask[b*seq+t] == 0 {
				continue
			}
			count++
			row := states[(b*seq+t)*hidden : (b*seq+t+1)*hidden]
			for h, v := range row {
				vec[h] += v
			}
		}
		if count > 0 {
			var norm float64
			for h := range vec {
				vec[h] /= count
				norm += float64(vec[h]) * float64(vec[h])
			}
			if norm > 0 {
				inv := float32(1 / math.Sqrt(norm))
				for h := range vec {
					vec[h] *= inv
				}
			}
		}
		vecs[b] = vec
	}
	return vecs
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
