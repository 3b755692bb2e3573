package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// LabelEncoder maps encoded class i to Labels[i]. It must be the encoder the
// paired pipeline was fit with.
type LabelEncoder struct {
	Labels []string `json:"classes"`
}

func LoadEncoder(path string) (*LabelEncoder, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var enc LabelEncoder
	if err := json.Unmarshal(content, &enc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(enc.Labels) == 0 {
		return nil, fmt.Errorf("%s: no classes", path)
	}
	seen := make(map[string]struct{}, len(enc.Labels))
	for _, l := range enc.Labels {
		if l == "" {
			return nil, fmt.Errorf("%s: empty class label", path)
		}
		if _, dup := seen[l]; dup {
			return nil, fmt.Errorf("%s: duplicate class %q", path, l)
		}
		seen[l] = struct{}{}
	}
	return &enc, nil
}

var ErrUnknownClass = errors.New("class index not known to the label encoder")

func (e *LabelEncoder) Decode(class int) (string, error) {
	if class < 0 || class >= len(e.Labels) {
		return "", fmt.Errorf("%w: %d", ErrUnknownClass, class)
	}
	return e.Labels[class], nil
}

// Encode is the inverse of Decode.
func (e *LabelEncoder) Encode(label string) (int, bool) {
	for i, l := range e.Labels {
		if l == label {
			return i, true
		}
	}
	return 0, false
}

// CheckPairing verifies that every class the model can emit decodes.
func (e *LabelEncoder) CheckPairing(m Model) error {
	classes := m.Classes()
	if len(classes) != len(e.Labels) {
		return fmt.Errorf("model has %d classes, encoder %d", len(classes), len(e.Labels))
	}
	for _, c := range classes {
		if _, err := e.Decode(c); err != nil {
			return err
		}
	}
	return nil
}

func SaveEncoder(path string, e *LabelEncoder) error {
	content, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}
