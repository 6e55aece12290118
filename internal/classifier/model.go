package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/mbd888/fraudwatch/internal/feature"
)

// Artifact kinds.
const (
	KindLogistic = "logistic"
	KindForest   = "forest"
	KindConstant = "constant"
)

// ConstantModel returns the same probability for every vector. It is the
// prior-only baseline and a stand-in for smoke tests.
type ConstantModel struct {
	Cols        []string `json:"columns"`
	Probability float64  `json:"probability"`
}

func (m *ConstantModel) Columns() []string { return m.Cols }

func (m *ConstantModel) Predict(context.Context, feature.Vector) (float64, error) {
	return m.Probability, nil
}

// LogisticModel is p = sigmoid(w.x + b).
type LogisticModel struct {
	Cols      []string  `json:"columns"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
}

func (m *LogisticModel) Columns() []string { return m.Cols }

func (m *LogisticModel) Predict(_ context.Context, v feature.Vector) (float64, error) {
	if len(v) != len(m.Weights) {
		return 0, &ScoringError{Reason: fmt.Sprintf("logistic model has %d weights, got %d features", len(m.Weights), len(v))}
	}
	z := m.Intercept
	for i, w := range m.Weights {
		z += w * v[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Node is one node of a decision tree. Leaves have Left == Right == -1 and
// carry the fraud-class probability in Value.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// Tree is a flattened decision tree rooted at node 0; x[feature] <= threshold goes left.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t Tree) leaf(v feature.Vector) (float64, error) {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		if i < 0 || i >= len(t.Nodes) {
			return 0, fmt.Errorf("tree node index %d out of range", i)
		}
		n := t.Nodes[i]
		if n.Left < 0 && n.Right < 0 {
			return n.Value, nil
		}
		if n.Feature < 0 || n.Feature >= len(v) {
			return 0, &ScoringError{Reason: fmt.Sprintf("tree splits on feature %d, vector has %d", n.Feature, len(v))}
		}
		if v[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0, fmt.Errorf("tree has a cycle")
}

// ForestModel averages the leaf probabilities of its trees.
type ForestModel struct {
	Cols  []string `json:"columns"`
	Trees []Tree   `json:"trees"`
}

func (m *ForestModel) Columns() []string { return m.Cols }

func (m *ForestModel) Predict(_ context.Context, v feature.Vector) (float64, error) {
	if len(m.Trees) == 0 {
		return 0, fmt.Errorf("forest has no trees")
	}
	var sum float64
	for _, t := range m.Trees {
		p, err := t.leaf(v)
		if err != nil {
			return 0, err
		}
		sum += p
	}
	return sum / float64(len(m.Trees)), nil
}

type artifact struct {
	Kind     string         `json:"kind"`
	Logistic *LogisticModel `json:"logistic,omitempty"`
	Forest   *ForestModel   `json:"forest,omitempty"`
	Constant *ConstantModel `json:"constant,omitempty"`
}

// LoadArtifact decodes a model artifact. Failure here is fatal at startup.
func LoadArtifact(r io.Reader) (Model, error) {
	var a artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	switch a.Kind {
	case KindLogistic:
		m := a.Logistic
		if m == nil || len(m.Cols) == 0 {
			return nil, fmt.Errorf("model artifact: logistic model has no columns")
		}
		if len(m.Weights) != len(m.Cols) {
			return nil, fmt.Errorf("model artifact: %d weights for %d columns", len(m.Weights), len(m.Cols))
		}
		return m, nil
	case KindForest:
		m := a.Forest
		if m == nil || len(m.Cols) == 0 || len(m.Trees) == 0 {
			return nil, fmt.Errorf("model artifact: forest needs columns and trees")
		}
		for ti, t := range m.Trees {
			if len(t.Nodes) == 0 {
				return nil, fmt.Errorf("model artifact: tree %d is empty", ti)
			}
			for ni, n := range t.Nodes {
				leaf := n.Left < 0 && n.Right < 0
				if leaf && (n.Value < 0 || n.Value > 1) {
					return nil, fmt.Errorf("model artifact: tree %d node %d leaf value %v outside [0, 1]", ti, ni, n.Value)
				}
				if !leaf && (n.Feature < 0 || n.Feature >= len(m.Cols) || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) || n.Left < 0 || n.Right < 0) {
					return nil, fmt.Errorf("model artifact: tree %d node %d is malformed", ti, ni)
				}
			}
		}
		return m, nil
	case KindConstant:
		m := a.Constant
		if m == nil || len(m.Cols) == 0 {
			return nil, fmt.Errorf("model artifact: constant model has no columns")
		}
		if m.Probability < 0 || m.Probability > 1 {
			return nil, fmt.Errorf("model artifact: constant probability %v outside [0, 1]", m.Probability)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("model artifact: unknown kind %q", a.Kind)
	}
}

// LoadArtifactFile opens path and calls LoadArtifact.
func LoadArtifactFile(path string) (Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model artifact: %w", err)
	}
	defer f.Close()
	return LoadArtifact(f)
}

// WriteArtifact encodes a model in the artifact format.
func WriteArtifact(w io.Writer, m Model) error {
	a := artifact{}
	switch mm := m.(type) {
	case *LogisticModel:
		a.Kind, a.Logistic = KindLogistic, mm
	case *ForestModel:
		a.Kind, a.Forest = KindForest, mm
	case *ConstantModel:
		a.Kind, a.Constant = KindConstant, mm
	default:
		return fmt.Errorf("model artifact: cannot serialize %T", m)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// KindOf names the model implementation for health and /model output.
func KindOf(m Model) string {
	switch m.(type) {
	case *LogisticModel:
		return KindLogistic
	case *ForestModel:
		return KindForest
	case *ConstantModel:
		return KindConstant
	case *RemoteModel:
		return "remote"
	default:
		return fmt.Sprintf("%T", m)
	}
}

// SameColumns reports whether two layouts match in order and count.
func SameColumns(a, b []string) bool {
	return slices.Equal(a, b)
}
